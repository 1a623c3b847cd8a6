package config

import (
	"runtime"
	"time"
)

// Config represents the complete crossbard configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Producers ProducersConfig `yaml:"producers"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Store     StoreConfig     `yaml:"store"`
	Actions   ActionsConfig   `yaml:"actions"`
	API       APIConfig       `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	PIDFile   string `yaml:"pid_file,omitempty"`
}

// ProducersConfig controls discovery.
type ProducersConfig struct {
	Dirs []string `yaml:"dirs"`
	// Interpreters maps a file kind (extension) to the argv prefix used to run it.
	// Kinds without an entry must be directly executable.
	Interpreters  map[string][]string         `yaml:"interpreters,omitempty"`
	Overrides     map[string]ProducerOverride `yaml:"overrides,omitempty"`
	Watch         bool                        `yaml:"watch"`
	WatchDebounce time.Duration               `yaml:"watch_debounce"`
}

// ProducerOverride holds per-producer settings keyed by producer id.
type ProducerOverride struct {
	Enabled *bool             `yaml:"enabled,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// ExecutorConfig bounds subprocess execution.
type ExecutorConfig struct {
	DefaultTimeout time.Duration     `yaml:"default_timeout"`
	KillGrace      time.Duration     `yaml:"kill_grace"`
	MaxConcurrent  int               `yaml:"max_concurrent"`
	MaxOutputBytes int               `yaml:"max_output_bytes"`
	MaxStderrBytes int               `yaml:"max_stderr_bytes"`
	EnvPrefix      string            `yaml:"env_prefix"`
	Env            map[string]string `yaml:"env,omitempty"`
}

// FirstRun values for SchedulerConfig.FirstRun.
const (
	FirstRunImmediate = "immediate"
	FirstRunDelayed   = "delayed"
)

// SchedulerConfig controls per-producer timers.
type SchedulerConfig struct {
	FirstRun string `yaml:"first_run"`
}

// StoreConfig defines snapshot and run log persistence.
type StoreConfig struct {
	Path            string        `yaml:"path"`
	RetainRemoved   bool          `yaml:"retain_removed"`
	RunLogRetention time.Duration `yaml:"run_log_retention"`
}

// ActionsConfig controls menu action dispatch.
type ActionsConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	AllowShell bool          `yaml:"allow_shell"`
	Shell      string        `yaml:"shell"`
	Terminal   []string      `yaml:"terminal,omitempty"`
	Opener     []string      `yaml:"opener,omitempty"`
	RatePerSec float64       `yaml:"rate_per_sec"`
	Burst      int           `yaml:"burst"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "crossbard",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Producers: ProducersConfig{
			Dirs:          []string{"~/.crossbar/plugins"},
			Interpreters:  DefaultInterpreters(),
			Overrides:     make(map[string]ProducerOverride),
			Watch:         true,
			WatchDebounce: 500 * time.Millisecond,
		},
		Executor: ExecutorConfig{
			DefaultTimeout: 10 * time.Second,
			KillGrace:      2 * time.Second,
			MaxConcurrent:  4,
			MaxOutputBytes: 256 * 1024,
			MaxStderrBytes: 64 * 1024,
			EnvPrefix:      "CROSSBAR_",
		},
		Scheduler: SchedulerConfig{
			FirstRun: FirstRunImmediate,
		},
		Store: StoreConfig{
			Path:            "./data/crossbar.db",
			RetainRemoved:   false,
			RunLogRetention: 7 * 24 * time.Hour,
		},
		Actions: ActionsConfig{
			Timeout:    30 * time.Second,
			AllowShell: true,
			Shell:      "/bin/sh",
			Opener:     defaultOpener(),
			RatePerSec: 5,
			Burst:      5,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8787",
		},
	}
}

// DefaultInterpreters returns the built-in kind -> argv prefix table.
func DefaultInterpreters() map[string][]string {
	return map[string][]string{
		"sh":   {"/bin/sh"},
		"bash": {"bash"},
		"py":   {"python3"},
		"js":   {"node"},
		"rb":   {"ruby"},
		"go":   {"go", "run"},
		"rs":   {"rust-script"},
	}
}

func defaultOpener() []string {
	if runtime.GOOS == "darwin" {
		return []string{"open"}
	}
	return []string{"xdg-open"}
}
