package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/warden/internal/output"
)

var (
	poolTemplate string
	poolTarget   int
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Manage the warm sandbox pool",
	Long:  "Inspect, top up, and sweep the pool of pre-provisioned sandboxes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return poolStatusRun()
	},
}

var poolStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return poolStatusRun()
	},
}

var poolWarmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Provision sandboxes until the pool meets its target size",
	RunE: func(cmd *cobra.Command, args []string) error {
		return poolWarmRun()
	},
}

var poolSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire sandboxes past their TTL and remove stale rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		return poolSweepRun()
	},
}

func init() {
	poolCmd.PersistentFlags().StringVar(&poolTemplate, "template", "", "Sandbox template (default from config)")
	poolWarmCmd.Flags().IntVar(&poolTarget, "size", 0, "Target ready count (default pool.size from config)")

	poolCmd.AddCommand(poolStatusCmd)
	poolCmd.AddCommand(poolWarmCmd)
	poolCmd.AddCommand(poolSweepCmd)
	rootCmd.AddCommand(poolCmd)
}

func resolvePoolTemplate() string {
	if poolTemplate != "" {
		return poolTemplate
	}
	return defaultTemplate()
}

func poolStatusRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	entries, err := s.ListPoolEntries(context.Background(), poolTemplate)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		ui.Info("Pool is empty. Use 'warden pool warm' to provision sandboxes.")
		return nil
	}

	table := ui.Table([]string{"ID", "Template", "Sandbox", "Status", "Claimant", "Age"})
	for _, e := range entries {
		table.Append([]string{
			shortID(e.ID),
			e.Template,
			shortID(e.SandboxID),
			output.StatusColor(string(e.Status)),
			shortID(e.ClaimantID),
			timeAgo(e.CreatedAt),
		})
	}
	table.Render()
	return nil
}

func poolWarmRun() error {
	target := poolTarget
	if target == 0 {
		target = viper.GetInt("pool.size")
	}
	template := resolvePoolTemplate()

	if dryRun {
		ui.DryRunMsg("Would warm pool for template %s to %d ready sandboxes", template, target)
		return nil
	}

	pm, err := getPoolManager()
	if err != nil {
		return err
	}

	created, err := pm.EnsureWarm(context.Background(), template, target)
	if err != nil {
		return fmt.Errorf("warm pool: %w", err)
	}
	if created == 0 {
		ui.Info("Pool already at target (%d ready) for template %s", target, template)
		return nil
	}
	ui.Success("Provisioned %d sandbox(es) for template %s", created, output.Cyan(template))
	return nil
}

func poolSweepRun() error {
	if dryRun {
		ui.DryRunMsg("Would sweep expired pool entries")
		return nil
	}

	pm, err := getPoolManager()
	if err != nil {
		return err
	}

	expired, removed, err := pm.Sweep(context.Background())
	if err != nil {
		return fmt.Errorf("sweep pool: %w", err)
	}
	ui.Success("Sweep complete: %d expired, %d removed", expired, removed)
	return nil
}
