package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "warden"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage warden configuration.

Running bare 'warden config' is the same as 'warden config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# warden configuration
# See: warden config show (for effective values and sources)

# State/data directory (default: ~/.config/warden)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/warden/warden.db)
# db_path: {{ .DBPath }}

# Sandbox vendor
sandbox:
  # Vendor API base URL (required)
  api_url: "{{ .SandboxAPIURL }}"

  # Vendor API key
  api_key: ""

  # Sandbox template for agent sessions (default: "agent-base")
  template: "{{ .SandboxTemplate }}"

# Agent server inside the sandbox
agent:
  # Port the agent server listens on (default: 8331)
  port: {{ .AgentPort }}

  # Model for agent sessions
  model: "{{ .AgentModel }}"

# Anthropic API key forwarded into sandboxes
anthropic:
  api_key: ""

# Completion callback endpoint sandboxes push to
callback:
  # Publicly reachable URL of this warden instance
  url: "{{ .CallbackURL }}"

  # Shared token authenticating sandbox callbacks
  token: ""

# Warm pool
pool:
  # Target number of ready sandboxes per template (default: 2)
  size: {{ .PoolSize }}

  # How long a ready sandbox stays claimable (default: 15m)
  ttl: "{{ .PoolTTL }}"

# REST API server
server:
  # Port for 'warden serve' (default: 8330)
  port: {{ .ServerPort }}
`

type configTemplateData struct {
	StateDir        string
	DBPath          string
	SandboxAPIURL   string
	SandboxTemplate string
	AgentPort       int
	AgentModel      string
	CallbackURL     string
	PoolSize        int
	PoolTTL         string
	ServerPort      int
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:        viper.GetString("state_dir"),
		DBPath:          viper.GetString("db_path"),
		SandboxAPIURL:   viper.GetString("sandbox.api_url"),
		SandboxTemplate: viper.GetString("sandbox.template"),
		AgentPort:       viper.GetInt("agent.port"),
		AgentModel:      viper.GetString("agent.model"),
		CallbackURL:     viper.GetString("callback.url"),
		PoolSize:        viper.GetInt("pool.size"),
		PoolTTL:         viper.GetString("pool.ttl"),
		ServerPort:      viper.GetInt("server.port"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "WARDEN_STATE_DIR"},
	{Key: "db_path", EnvVar: "WARDEN_DB_PATH"},
	{Key: "sandbox.api_url", EnvVar: "WARDEN_SANDBOX_API_URL"},
	{Key: "sandbox.template", EnvVar: "WARDEN_SANDBOX_TEMPLATE"},
	{Key: "agent.port", EnvVar: "WARDEN_AGENT_PORT"},
	{Key: "agent.model", EnvVar: "WARDEN_AGENT_MODEL"},
	{Key: "callback.url", EnvVar: "WARDEN_CALLBACK_URL"},
	{Key: "pool.size", EnvVar: "WARDEN_POOL_SIZE"},
	{Key: "pool.ttl", EnvVar: "WARDEN_POOL_TTL"},
	{Key: "server.port", EnvVar: "WARDEN_SERVER_PORT"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-22s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set, set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'warden config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
