package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/warden/internal/models"
	"github.com/joescharf/warden/internal/orchestrator"
	"github.com/joescharf/warden/internal/output"
	"github.com/joescharf/warden/internal/store"
)

var (
	sessionModel   string
	sessionSystem  string
	sessionRestore bool
	sessionScope   string
	sessionStatus  string
	sessionLimit   int
	sessionWait    bool
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage agent sessions",
	Long:  "Create, inspect, and cancel agent sessions running in sandboxes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create <scope> <prompt>",
	Short: "Dispatch an agent task for a scope",
	Long: `Provision a sandbox (warm pool or on-demand), dispatch the prompt,
and return immediately with the session id. Any active session for the
same scope is cancelled first. Use --wait to block until the session
reaches a terminal state.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCreateRun(args[0], strings.Join(args[1:], " "))
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show session details and output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(args[0])
	},
}

var sessionLogsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Show a session's operational log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionLogsRun(args[0])
	},
}

var sessionCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a session and kill its sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCancelRun(args[0])
	},
}

func init() {
	sessionCreateCmd.Flags().StringVar(&sessionModel, "model", "", "Model override")
	sessionCreateCmd.Flags().StringVar(&sessionSystem, "system-prompt", "", "System prompt for the agent session")
	sessionCreateCmd.Flags().BoolVar(&sessionRestore, "restore", false, "Restore the scope's captured files and state first")
	sessionCreateCmd.Flags().BoolVar(&sessionWait, "wait", false, "Block until the session finishes")

	sessionListCmd.Flags().StringVar(&sessionScope, "scope", "", "Filter by scope")
	sessionListCmd.Flags().StringVar(&sessionStatus, "status", "", "Filter by status (pending/running/completed/failed/cancelled)")
	sessionListCmd.Flags().IntVar(&sessionLimit, "limit", 20, "Max sessions to show")

	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionLogsCmd)
	sessionCmd.AddCommand(sessionCancelCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionCreateRun(scope, prompt string) error {
	if dryRun {
		ui.DryRunMsg("Would dispatch session for scope %s", scope)
		return nil
	}

	orch, _, err := buildOrchestrator(nil)
	if err != nil {
		return err
	}
	ctx := context.Background()

	receipt, err := orch.StartSession(ctx, scope, prompt, orchestrator.StartOptions{
		Model:        sessionModel,
		SystemPrompt: sessionSystem,
		RestoreScope: sessionRestore,
	})
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	ui.Success("Session %s dispatched for scope %s", output.Cyan(receipt.SessionID), output.Cyan(scope))
	if receipt.Timings != nil {
		ui.VerboseLog("spawn took %dms (warm pool: %v)", receipt.Timings.TotalMs, receipt.Timings.FromWarmPool)
	}

	if !sessionWait {
		return nil
	}
	return sessionWaitRun(ctx, receipt.SessionID)
}

// sessionWaitRun polls the local store until the session is terminal.
func sessionWaitRun(ctx context.Context, id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	ui.Info("Waiting for session %s...", shortID(id))
	for {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return sessionShowRun(id)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func sessionListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sessions, err := s.ListSessions(ctx, store.SessionListFilter{
		Scope:  sessionScope,
		Status: models.SessionStatus(sessionStatus),
		Limit:  sessionLimit,
	})
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		ui.Info("No sessions. Use 'warden session create <scope> <prompt>' to start one.")
		return nil
	}

	table := ui.Table([]string{"ID", "Scope", "Status", "Sandbox", "Age", "Error"})
	for _, sess := range sessions {
		table.Append([]string{
			shortID(sess.ID),
			sess.Scope,
			output.StatusColor(string(sess.Status)),
			shortID(sess.SandboxID),
			timeAgo(sess.CreatedAt),
			truncateCell(sess.LastError, 40),
		})
	}
	table.Render()
	return nil
}

func sessionShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "Session:  %s\n", output.Cyan(sess.ID))
	fmt.Fprintf(ui.Out, "Scope:    %s\n", sess.Scope)
	fmt.Fprintf(ui.Out, "Status:   %s\n", output.StatusColor(string(sess.Status)))
	if sess.SandboxID != "" {
		fmt.Fprintf(ui.Out, "Sandbox:  %s\n", sess.SandboxID)
	}
	fmt.Fprintf(ui.Out, "Created:  %s\n", sess.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if sess.CompletedAt != nil {
		fmt.Fprintf(ui.Out, "Finished: %s (%s)\n",
			sess.CompletedAt.Local().Format("2006-01-02 15:04:05"),
			formatDuration(sess.CompletedAt.Sub(sess.CreatedAt)))
	}
	if sess.LastError != "" {
		fmt.Fprintf(ui.Out, "Error:    %s\n", output.Red(sess.LastError))
	}

	if sess.Output == "" {
		return nil
	}

	var out models.SessionOutput
	if err := json.Unmarshal([]byte(sess.Output), &out); err != nil {
		ui.Warning("Output is not valid JSON: %v", err)
		return nil
	}

	fmt.Fprintln(ui.Out)
	fmt.Fprintln(ui.Out, out.Response)

	if len(out.Todos) > 0 {
		fmt.Fprintln(ui.Out)
		ui.Info("Todos:")
		for _, t := range out.Todos {
			fmt.Fprintf(ui.Out, "  [%s] %s\n", t.Status, t.Text)
		}
	}
	if len(out.ChangedFiles) > 0 {
		fmt.Fprintln(ui.Out)
		ui.Info("Changed files:")
		for _, f := range out.ChangedFiles {
			fmt.Fprintf(ui.Out, "  %s\n", f)
		}
	}
	if verbose && len(out.ToolCalls) > 0 {
		fmt.Fprintln(ui.Out)
		ui.Info("Tool calls:")
		for _, tc := range out.ToolCalls {
			fmt.Fprintf(ui.Out, "  %s (%s)\n", tc.Name, tc.Status)
		}
	}
	return nil
}

func sessionLogsRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	logs, err := s.GetSessionLogs(context.Background(), id)
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		ui.Info("No log entries for session %s.", shortID(id))
		return nil
	}

	for _, l := range logs {
		fmt.Fprintf(ui.Out, "%s  %s\n", l.CreatedAt.Local().Format("15:04:05"), l.Message)
	}
	return nil
}

func sessionCancelRun(id string) error {
	if dryRun {
		ui.DryRunMsg("Would cancel session %s", id)
		return nil
	}

	orch, _, err := buildOrchestrator(nil)
	if err != nil {
		return err
	}
	if err := orch.Cancel(context.Background(), id); err != nil {
		return fmt.Errorf("cancel session: %w", err)
	}

	ui.Success("Session %s cancelled", shortID(id))
	return nil
}

// shortID returns the first 8 characters of an id for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncateCell(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// defaultTemplate reads the configured sandbox template.
func defaultTemplate() string {
	return viper.GetString("sandbox.template")
}
