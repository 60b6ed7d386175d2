package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/warden/internal/llm"
	"github.com/joescharf/warden/internal/orchestrator"
	"github.com/joescharf/warden/internal/output"
	"github.com/joescharf/warden/internal/pool"
	"github.com/joescharf/warden/internal/sandbox"
	"github.com/joescharf/warden/internal/scheduler"
	"github.com/joescharf/warden/internal/statesync"
	"github.com/joescharf/warden/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden - orchestrate agent sessions in ephemeral sandboxes",
	Long: `warden runs AI agent tasks inside ephemeral cloud sandboxes.
It provisions sandboxes (warm pool or on-demand), dispatches prompts,
detects completion through push callbacks, polling, and a watchdog,
and carries working state across sessions of the same scope.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/warden/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "warden")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("WARDEN")
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "warden")

	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "warden.db"))
	viper.SetDefault("sandbox.api_url", "")
	viper.SetDefault("sandbox.api_key", "")
	viper.SetDefault("sandbox.template", "agent-base")
	viper.SetDefault("agent.port", 8331)
	viper.SetDefault("agent.model", "claude-sonnet-4-5-20250929")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("callback.url", "")
	viper.SetDefault("callback.token", "")
	viper.SetDefault("pool.size", 2)
	viper.SetDefault("pool.ttl", "15m")
	viper.SetDefault("server.port", 8330)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// Store and orchestrator are initialized lazily so config/version
	// commands run without a db or sandbox credentials.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// getProvisioner builds the sandbox vendor client from config.
func getProvisioner() (*sandbox.HTTPProvisioner, error) {
	apiURL := viper.GetString("sandbox.api_url")
	if apiURL == "" {
		return nil, fmt.Errorf("sandbox.api_url is not configured (run 'warden config init')")
	}
	return sandbox.NewHTTPProvisioner(apiURL, viper.GetString("sandbox.api_key")), nil
}

// getPoolManager builds the warm pool manager over the shared store.
func getPoolManager() (*pool.Manager, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	prov, err := getProvisioner()
	if err != nil {
		return nil, err
	}
	ttl, err := time.ParseDuration(viper.GetString("pool.ttl"))
	if err != nil {
		return nil, fmt.Errorf("invalid pool.ttl: %w", err)
	}
	return pool.NewManager(s, prov, pool.Options{TTL: ttl, GracePeriod: 5 * time.Minute}), nil
}

// buildOrchestrator wires the full session pipeline from config. logger
// may be nil outside of serve.
func buildOrchestrator(logger *slog.Logger) (*orchestrator.Orchestrator, *statesync.Manager, error) {
	s, err := getStore()
	if err != nil {
		return nil, nil, err
	}
	prov, err := getProvisioner()
	if err != nil {
		return nil, nil, err
	}
	pm, err := getPoolManager()
	if err != nil {
		return nil, nil, err
	}

	cont := statesync.NewManager(s)
	verifier := llm.NewClient(viper.GetString("anthropic.api_key"), viper.GetString("agent.model"))

	cfg := orchestrator.DefaultConfig()
	cfg.Template = viper.GetString("sandbox.template")
	cfg.AgentPort = viper.GetInt("agent.port")
	cfg.AnthropicAPIKey = viper.GetString("anthropic.api_key")
	cfg.Model = viper.GetString("agent.model")
	cfg.CallbackURL = viper.GetString("callback.url")
	cfg.CallbackToken = viper.GetString("callback.token")

	orch := orchestrator.New(s, pm, prov, scheduler.NewTimer(), cont, verifier, cfg, logger)
	return orch, cont, nil
}
