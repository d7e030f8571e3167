package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/harness/internal/coordinator"
	"github.com/joescharf/harness/internal/models"
	"github.com/joescharf/harness/internal/refinery"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

// envKeyReplacer maps nested keys onto HARNESS_ variables,
// e.g. checkpoint.after_sessions -> HARNESS_CHECKPOINT_AFTER_SESSIONS.
var envKeyReplacer = strings.NewReplacer(".", "_")

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "harness"), nil
}

// setDefaults registers a default for every config key.
func setDefaults(stateDir string) {
	def := coordinator.DefaultConfig()

	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "harness.db"))
	viper.SetDefault("repo_path", ".")
	viper.SetDefault("base_branch", def.BaseBranch)
	viper.SetDefault("worktree_dir", filepath.Join(stateDir, "worktrees"))
	viper.SetDefault("label", "")

	viper.SetDefault("max_workers", def.MaxWorkers)
	viper.SetDefault("max_retries", def.MaxRetries)
	viper.SetDefault("claim_timeout", def.ClaimTimeout)
	viper.SetDefault("heartbeat_interval", def.HeartbeatInterval)
	viper.SetDefault("idle_backoff_min", def.IdleBackoffMin)
	viper.SetDefault("idle_backoff_max", def.IdleBackoffMax)

	viper.SetDefault("checkpoint.after_sessions", def.Policy.AfterSessions)
	viper.SetDefault("checkpoint.after_hours", def.Policy.AfterHours)
	viper.SetDefault("checkpoint.on_error", def.Policy.OnError)
	viper.SetDefault("checkpoint.on_confidence_below", def.Policy.OnConfidenceBelow)
	viper.SetDefault("checkpoint.on_redirect", def.Policy.OnRedirect)

	viper.SetDefault("merge.enabled", true)
	viper.SetDefault("merge.sensitive_patterns", refinery.DefaultSensitivePatterns)
	viper.SetDefault("merge.auto_merge_patterns", []string{})
	viper.SetDefault("merge.slot_ttl", def.SlotTTL)

	viper.SetDefault("agent.command", "")
	viper.SetDefault("agent.timeout", 2*time.Hour)

	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("anthropic.summarize", false)

	viper.SetDefault("port", 8080)
}

// coordinatorConfig builds the run configuration from viper.
func coordinatorConfig() coordinator.Config {
	cfg := coordinator.DefaultConfig()
	cfg.MaxWorkers = viper.GetInt("max_workers")
	cfg.MaxRetries = viper.GetInt("max_retries")
	cfg.ClaimTimeout = viper.GetDuration("claim_timeout")
	cfg.HeartbeatInterval = viper.GetDuration("heartbeat_interval")
	cfg.IdleBackoffMin = viper.GetDuration("idle_backoff_min")
	cfg.IdleBackoffMax = viper.GetDuration("idle_backoff_max")
	cfg.BaseBranch = viper.GetString("base_branch")
	cfg.Label = viper.GetString("label")
	cfg.Policy = models.CheckpointPolicy{
		AfterSessions:     viper.GetInt("checkpoint.after_sessions"),
		AfterHours:        viper.GetFloat64("checkpoint.after_hours"),
		OnError:           viper.GetBool("checkpoint.on_error"),
		OnConfidenceBelow: viper.GetFloat64("checkpoint.on_confidence_below"),
		OnRedirect:        viper.GetBool("checkpoint.on_redirect"),
	}
	cfg.Merge = refinery.Policy{
		SensitivePatterns: viper.GetStringSlice("merge.sensitive_patterns"),
		AutoMergePatterns: viper.GetStringSlice("merge.auto_merge_patterns"),
	}
	cfg.SlotTTL = viper.GetDuration("merge.slot_ttl")
	return cfg
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage harness configuration.

Running bare 'harness config' is the same as 'harness config show'.`,
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
const configTemplate = `# harness configuration
# See: harness config show (for effective values and sources)

# State/data directory (default: ~/.config/harness)
# state_dir: {{ .StateDir }}

# SQLite ledger path (default: ~/.config/harness/harness.db)
# db_path: {{ .DBPath }}

# Repository the agents work in, and the branch finished work lands on
repo_path: "{{ .RepoPath }}"
base_branch: "{{ .BaseBranch }}"

# Per-worker git worktrees, used when max_workers > 1
# worktree_dir: {{ .WorktreeDir }}

# Concurrent agent sessions (default: 1)
max_workers: {{ .MaxWorkers }}

# Failed attempts allowed before an item is marked failed (default: 2)
max_retries: {{ .MaxRetries }}

# A claim without a heartbeat for this long is returned to the queue
claim_timeout: {{ .ClaimTimeout }}
heartbeat_interval: {{ .HeartbeatInterval }}

# When to stop and write a checkpoint
checkpoint:
  after_sessions: {{ .AfterSessions }}
  after_hours: {{ .AfterHours }}
  on_error: true
  # Pause the run when rolling confidence drops below this value
  on_confidence_below: {{ .ConfidenceBelow }}
  on_redirect: true

# Agent command, rendered with text/template per session.
# Fields: .Item.ID .Item.Title .Item.Description .Session.Branch .Session.Notes ...
agent:
  command: "{{ .AgentCommand }}"
  timeout: {{ .AgentTimeout }}

# Merge queue
merge:
  enabled: true
  # Overlapping files that may still be merged automatically
  auto_merge_patterns: []

# Optional LLM narratives for checkpoints
anthropic:
  model: "{{ .AnthropicModel }}"
  summarize: false
`

type configTemplateData struct {
	StateDir          string
	DBPath            string
	RepoPath          string
	BaseBranch        string
	WorktreeDir       string
	MaxWorkers        int
	MaxRetries        int
	ClaimTimeout      time.Duration
	HeartbeatInterval time.Duration
	AfterSessions     int
	AfterHours        float64
	ConfidenceBelow   float64
	AgentCommand      string
	AgentTimeout      time.Duration
	AnthropicModel    string
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
		StateDir:          viper.GetString("state_dir"),
		DBPath:            viper.GetString("db_path"),
		RepoPath:          viper.GetString("repo_path"),
		BaseBranch:        viper.GetString("base_branch"),
		WorktreeDir:       viper.GetString("worktree_dir"),
		MaxWorkers:        viper.GetInt("max_workers"),
		MaxRetries:        viper.GetInt("max_retries"),
		ClaimTimeout:      viper.GetDuration("claim_timeout"),
		HeartbeatInterval: viper.GetDuration("heartbeat_interval"),
		AfterSessions:     viper.GetInt("checkpoint.after_sessions"),
		AfterHours:        viper.GetFloat64("checkpoint.after_hours"),
		ConfidenceBelow:   viper.GetFloat64("checkpoint.on_confidence_below"),
		AgentCommand:      viper.GetString("agent.command"),
		AgentTimeout:      viper.GetDuration("agent.timeout"),
		AnthropicModel:    viper.GetString("anthropic.model"),
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

// configKeys are the keys shown by 'harness config show'.
var configKeys = []string{
	"state_dir",
	"db_path",
	"repo_path",
	"base_branch",
	"worktree_dir",
	"label",
	"max_workers",
	"max_retries",
	"claim_timeout",
	"heartbeat_interval",
	"checkpoint.after_sessions",
	"checkpoint.after_hours",
	"checkpoint.on_error",
	"checkpoint.on_confidence_below",
	"checkpoint.on_redirect",
	"merge.enabled",
	"merge.auto_merge_patterns",
	"merge.slot_ttl",
	"agent.command",
	"agent.timeout",
	"anthropic.model",
	"anthropic.summarize",
}

// envVarFor returns the environment variable that overrides key.
func envVarFor(key string) string {
	return "HARNESS_" + strings.ToUpper(envKeyReplacer.Replace(key))
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

	for _, key := range configKeys {
		val := viper.Get(key)
		source := detectSource(key, envVarFor(key), fileValues)
		fmt.Fprintf(ui.Out, "  %-32s %v  %s\n", key, val, source)
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
		return fmt.Errorf("$EDITOR is not set (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'harness config init' first)", cfgPath)
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
