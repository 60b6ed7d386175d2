package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/warden/internal/statesync"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect cross-session state for a scope",
	Long: `Inspect the merged working state that warden carries across
sessions of the same scope: captured files and the update log.`,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <scope>",
	Short: "Show the merged state for a scope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return stateShowRun(args[0])
	},
}

var stateCompactCmd = &cobra.Command{
	Use:   "compact <scope>",
	Short: "Fold the scope's update log into a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return stateCompactRun(args[0])
	},
}

var stateFilesCmd = &cobra.Command{
	Use:   "files <scope>",
	Short: "List captured files for a scope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return stateFilesRun(args[0])
	},
}

func init() {
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateCompactCmd)
	stateCmd.AddCommand(stateFilesCmd)
	rootCmd.AddCommand(stateCmd)
}

func stateShowRun(scope string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	state, err := statesync.NewManager(s).FullState(context.Background(), scope)
	if err != nil {
		return err
	}
	if len(state) == 0 {
		ui.Info("No state recorded for scope %s.", scope)
		return nil
	}

	table := ui.Table([]string{"Key", "Value", "Client", "Updated"})
	for key, reg := range state {
		table.Append([]string{
			key,
			truncateCell(string(reg.Value), 48),
			reg.ClientID,
			time.Unix(0, reg.Timestamp).Local().Format("2006-01-02 15:04:05"),
		})
	}
	table.Render()

	if verbose {
		encoded, err := state.Encode()
		if err == nil {
			var pretty json.RawMessage = encoded
			data, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Fprintln(ui.Out)
			fmt.Fprintln(ui.Out, string(data))
		}
	}
	return nil
}

func stateCompactRun(scope string) error {
	if dryRun {
		ui.DryRunMsg("Would compact state for scope %s", scope)
		return nil
	}

	s, err := getStore()
	if err != nil {
		return err
	}

	snap, err := statesync.NewManager(s).Compact(context.Background(), scope)
	if err != nil {
		return fmt.Errorf("compact state: %w", err)
	}

	ui.Success("Compacted scope %s into snapshot %s", scope, shortID(snap.ID))
	return nil
}

func stateFilesRun(scope string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	files, err := s.ListScopeFiles(context.Background(), scope)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		ui.Info("No captured files for scope %s.", scope)
		return nil
	}

	table := ui.Table([]string{"Path", "Type", "Size", "Captured"})
	for _, f := range files {
		table.Append([]string{
			f.Path,
			string(f.Type),
			fmt.Sprintf("%d", f.Size),
			timeAgo(f.CreatedAt),
		})
	}
	table.Render()
	return nil
}
