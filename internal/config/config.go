// Package config loads and validates the helmsman configuration from
// ~/.helmsman/config.yaml, with environment overrides and defaults applied.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/helmsman/internal/otel"
)

// Tier names an abstract cost/capability class for task routing.
type Tier string

const (
	TierTop  Tier = "top"
	TierMid  Tier = "mid"
	TierFree Tier = "free"
)

// TierTarget is the concrete (platform, model) pair a tier resolves to.
type TierTarget struct {
	Platform string `yaml:"platform"`
	Model    string `yaml:"model"`
}

// BackendConfig describes one agent backend binary.
type BackendConfig struct {
	// Command is the binary invoked for this platform (e.g. "claude", "codex").
	Command string `yaml:"command"`
	// Args are fixed leading arguments; the prompt and model are appended as
	// discrete argv entries, never concatenated into shell text.
	Args []string `yaml:"args"`
	// ModelFlag is the flag used to pass the model name (default "--model").
	ModelFlag string `yaml:"model_flag"`
}

// TelegramConfig configures the operator chat transport.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// ChannelsConfig groups chat transports. Telegram is the only one today.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// DispatchConfig tunes the dispatch engine.
type DispatchConfig struct {
	// ParallelLimit caps concurrently running parallel tasks. Default 3.
	ParallelLimit int `yaml:"parallel_limit"`
	// TaskTimeoutSeconds bounds each agent invocation. Default 1800.
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
	// StepPollSeconds is how often step-through mode polls the continue flag.
	StepPollSeconds int `yaml:"step_poll_seconds"`
	// Tiers maps tier names to default (platform, model) pairs.
	Tiers map[Tier]TierTarget `yaml:"tiers"`
}

// AutoFixConfig governs the watchdog's guarded fix attempts.
type AutoFixConfig struct {
	Enabled bool `yaml:"enabled"`
	// SeverityThreshold (1-5): diagnoses at or above it start a fix attempt.
	SeverityThreshold int `yaml:"severity_threshold"`
	// BranchPrefix is the namespace for fix branches; the full name must
	// match the closed pattern <prefix>/auto-<digits>.
	BranchPrefix string `yaml:"branch_prefix"`
	// TestCommand is the argv run to gate a fix branch (e.g. ["go","test","./..."]).
	TestCommand []string `yaml:"test_command"`
	// RepoPath is the checkout fix attempts operate on. Auto-fix stays off
	// while it is empty, whatever Enabled says.
	RepoPath string `yaml:"repo_path"`
}

// WatchdogConfig tunes the out-of-band supervisor.
type WatchdogConfig struct {
	// Schedule is a 5-field cron expression for periodic runs. Default "* * * * *".
	Schedule string `yaml:"schedule"`
	// RestartCap is the maximum restarts per component per rolling hour.
	RestartCap int `yaml:"restart_cap"`
	// HeartbeatStaleSeconds is how old the controller heartbeat may be before
	// the dispatch loop counts as dead.
	HeartbeatStaleSeconds int `yaml:"heartbeat_stale_seconds"`
	// DiagnosisLogLines is how many log lines to tail into a diagnosis prompt.
	DiagnosisLogLines int           `yaml:"diagnosis_log_lines"`
	AutoFix           AutoFixConfig `yaml:"autofix"`
}

// MailboxConfig tunes message retention.
type MailboxConfig struct {
	PruneMaxAgeHours int `yaml:"prune_max_age_hours"`
	PruneMaxCount    int `yaml:"prune_max_count"`
}

// PlanModeConfig lists the file extensions a planning turn may leave behind.
type PlanModeConfig struct {
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel            string `yaml:"log_level"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`

	Backends map[string]BackendConfig `yaml:"backends"`
	Channels ChannelsConfig           `yaml:"channels"`
	Dispatch DispatchConfig           `yaml:"dispatch"`
	Watchdog WatchdogConfig           `yaml:"watchdog"`
	Mailbox  MailboxConfig            `yaml:"mailbox"`
	PlanMode PlanModeConfig           `yaml:"plan_mode"`
	OTel     otel.Config              `yaml:"otel"`
}

// HomeDir resolves the data directory: $HELMSMAN_HOME or ~/.helmsman.
func HomeDir() string {
	if override := os.Getenv("HELMSMAN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".helmsman")
}

// Load reads config.yaml from the home directory, applying defaults and
// environment overrides. A missing file yields the default configuration.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory (used by tests and the
// watchdog subcommand, which must not depend on the controller's process env).
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create helmsman home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		PollIntervalSeconds: 2,
		Backends: map[string]BackendConfig{
			"claude": {Command: "claude", Args: []string{"-p"}, ModelFlag: "--model"},
		},
		Dispatch: DispatchConfig{
			ParallelLimit:      3,
			TaskTimeoutSeconds: int((30 * time.Minute).Seconds()),
			StepPollSeconds:    3,
			Tiers: map[Tier]TierTarget{
				TierTop:  {Platform: "claude", Model: "opus"},
				TierMid:  {Platform: "claude", Model: "sonnet"},
				TierFree: {Platform: "claude", Model: "haiku"},
			},
		},
		Watchdog: WatchdogConfig{
			Schedule:              "* * * * *",
			RestartCap:            3,
			HeartbeatStaleSeconds: 180,
			DiagnosisLogLines:     80,
			AutoFix: AutoFixConfig{
				Enabled:           false,
				SeverityThreshold: 4,
				BranchPrefix:      "helmsman",
				TestCommand:       []string{"go", "test", "./..."},
			},
		},
		Mailbox: MailboxConfig{
			PruneMaxAgeHours: 72,
			PruneMaxCount:    500,
		},
		PlanMode: PlanModeConfig{
			AllowedExtensions: []string{".md", ".txt", ".rst", ".adoc"},
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HELMSMAN_TELEGRAM_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
	}
	if v := os.Getenv("HELMSMAN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HELMSMAN_POLL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollIntervalSeconds = n
		}
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 2
	}
	if cfg.Dispatch.ParallelLimit <= 0 {
		cfg.Dispatch.ParallelLimit = 3
	}
	if cfg.Dispatch.TaskTimeoutSeconds <= 0 {
		cfg.Dispatch.TaskTimeoutSeconds = int((30 * time.Minute).Seconds())
	}
	if cfg.Dispatch.StepPollSeconds <= 0 {
		cfg.Dispatch.StepPollSeconds = 3
	}
	if cfg.Watchdog.Schedule == "" {
		cfg.Watchdog.Schedule = "* * * * *"
	}
	if cfg.Watchdog.RestartCap <= 0 {
		cfg.Watchdog.RestartCap = 3
	}
	if cfg.Watchdog.HeartbeatStaleSeconds <= 0 {
		cfg.Watchdog.HeartbeatStaleSeconds = 180
	}
	if cfg.Watchdog.DiagnosisLogLines <= 0 {
		cfg.Watchdog.DiagnosisLogLines = 80
	}
	if cfg.Watchdog.AutoFix.SeverityThreshold <= 0 {
		cfg.Watchdog.AutoFix.SeverityThreshold = 4
	}
	if cfg.Watchdog.AutoFix.BranchPrefix == "" {
		cfg.Watchdog.AutoFix.BranchPrefix = "helmsman"
	}
	if len(cfg.Watchdog.AutoFix.TestCommand) == 0 {
		cfg.Watchdog.AutoFix.TestCommand = []string{"go", "test", "./..."}
	}
	if cfg.Mailbox.PruneMaxAgeHours <= 0 {
		cfg.Mailbox.PruneMaxAgeHours = 72
	}
	if cfg.Mailbox.PruneMaxCount <= 0 {
		cfg.Mailbox.PruneMaxCount = 500
	}
	if len(cfg.PlanMode.AllowedExtensions) == 0 {
		cfg.PlanMode.AllowedExtensions = []string{".md", ".txt", ".rst", ".adoc"}
	}
	if cfg.Backends == nil {
		cfg.Backends = map[string]BackendConfig{}
	}
	for name, b := range cfg.Backends {
		if b.ModelFlag == "" {
			b.ModelFlag = "--model"
			cfg.Backends[name] = b
		}
	}
}

func validate(cfg *Config) error {
	for tier, target := range cfg.Dispatch.Tiers {
		if tier != TierTop && tier != TierMid && tier != TierFree {
			return fmt.Errorf("unknown tier %q in dispatch.tiers", tier)
		}
		if target.Platform == "" || target.Model == "" {
			return fmt.Errorf("tier %q must name both platform and model", tier)
		}
		if _, ok := cfg.Backends[target.Platform]; !ok {
			return fmt.Errorf("tier %q routes to unconfigured backend %q", tier, target.Platform)
		}
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		return fmt.Errorf("channels.telegram.enabled requires a token")
	}
	if cfg.Channels.Telegram.Enabled && len(cfg.Channels.Telegram.AllowedIDs) == 0 {
		return fmt.Errorf("channels.telegram.enabled requires at least one allowed operator id")
	}
	return nil
}

// ResolveTier returns the (platform, model) pair for a tier, falling back to
// the mid tier when the tier is unknown.
func (c Config) ResolveTier(tier Tier) TierTarget {
	if t, ok := c.Dispatch.Tiers[tier]; ok {
		return t
	}
	return c.Dispatch.Tiers[TierMid]
}

// PollInterval returns the controller poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// TaskTimeout returns the per-invocation timeout as a duration.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Dispatch.TaskTimeoutSeconds) * time.Second
}

// HeartbeatStale returns the heartbeat staleness threshold as a duration.
func (c Config) HeartbeatStale() time.Duration {
	return time.Duration(c.Watchdog.HeartbeatStaleSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so restarts with changed config are distinguishable in the audit trail.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|poll=%d|cap=%d|parallel=%d|tiers=%d|tg=%v",
		c.LogLevel, c.PollIntervalSeconds, c.Watchdog.RestartCap,
		c.Dispatch.ParallelLimit, len(c.Dispatch.Tiers), c.Channels.Telegram.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// State document paths. Everything shared between the controller, the
// dispatcher, and the watchdog lives under <home>/state.

func (c Config) StateDir() string         { return filepath.Join(c.HomeDir, "state") }
func (c Config) MailboxPath() string      { return filepath.Join(c.StateDir(), "mailbox.json") }
func (c Config) LockPath() string         { return filepath.Join(c.StateDir(), "session.lock") }
func (c Config) PlanPath() string         { return filepath.Join(c.StateDir(), "plan.json") }
func (c Config) DispatchPath() string     { return filepath.Join(c.StateDir(), "dispatch.json") }
func (c Config) PlanMarkerPath() string   { return filepath.Join(c.StateDir(), "plan_mode.json") }
func (c Config) RegistryPath() string     { return filepath.Join(c.StateDir(), "projects.json") }
func (c Config) WatchdogPath() string     { return filepath.Join(c.StateDir(), "watchdog.json") }
func (c Config) HeartbeatPath() string    { return filepath.Join(c.StateDir(), "heartbeat") }
func (c Config) ContinueFlagPath() string { return filepath.Join(c.StateDir(), "continue") }
func (c Config) StopFlagPath() string     { return filepath.Join(c.StateDir(), "stop") }
func (c Config) PIDPath() string          { return filepath.Join(c.StateDir(), "controller.pid") }
func (c Config) LogDir() string           { return filepath.Join(c.HomeDir, "logs") }
func (c Config) AuditDBPath() string      { return filepath.Join(c.HomeDir, "audit.db") }

// TrimmedAllowedExtensions returns the allow-list lowercased with leading
// dots guaranteed, for direct comparison against filepath.Ext output.
func (c Config) TrimmedAllowedExtensions() []string {
	out := make([]string, 0, len(c.PlanMode.AllowedExtensions))
	for _, ext := range c.PlanMode.AllowedExtensions {
		e := strings.ToLower(strings.TrimSpace(ext))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}
