package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// maxInterval caps producer cadences at one year.
const maxInterval = 365 * 24 * time.Hour

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. A directory argument is
// resolved to config.yaml inside it. Values missing from the file keep their
// Defaults().
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes on top of Defaults() after ${VAR} interpolation.
// It does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if cfg.Producers.Overrides == nil {
		cfg.Producers.Overrides = make(map[string]ProducerOverride)
	}
	if cfg.Producers.Interpreters == nil {
		cfg.Producers.Interpreters = make(map[string][]string)
	}
	return cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $CROSSBAR_CONFIG, ~/.config/crossbard/config.yaml, ./config.yaml
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("CROSSBAR_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "crossbard", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $CROSSBAR_CONFIG, ~/.config/crossbard/config.yaml, ./config.yaml)")
}

// resolvePaths expands ~ and makes relative paths relative to the config file.
func (c *Config) resolvePaths(baseDir string) {
	for i, dir := range c.Producers.Dirs {
		c.Producers.Dirs[i] = resolvePath(dir, baseDir)
	}
	c.Store.Path = resolvePath(c.Store.Path, baseDir)
	if c.Service.PIDFile != "" {
		c.Service.PIDFile = resolvePath(c.Service.PIDFile, baseDir)
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func resolvePath(p, baseDir string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return p
	}
	p = ExpandHome(p)
	if filepath.IsAbs(p) || baseDir == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(baseDir, p)
}

// interpolateEnv replaces ${VAR} placeholders with environment values.
// Unset variables are left in place so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate exposes the configuration checks used by Load.
func Validate(cfg *Config) error {
	return validate(cfg)
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	switch strings.ToLower(cfg.Service.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if len(cfg.Producers.Dirs) == 0 {
		return fmt.Errorf("producers.dirs must list at least one directory")
	}
	for i, dir := range cfg.Producers.Dirs {
		if strings.TrimSpace(dir) == "" {
			return fmt.Errorf("producers.dirs[%d] is empty", i)
		}
	}
	for kind, argv := range cfg.Producers.Interpreters {
		if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
			return fmt.Errorf("producers.interpreters.%s must name a program", kind)
		}
	}
	for id, o := range cfg.Producers.Overrides {
		if o.Timeout < 0 {
			return fmt.Errorf("producers.overrides.%s.timeout must not be negative", id)
		}
	}
	if cfg.Producers.Watch && cfg.Producers.WatchDebounce <= 0 {
		return fmt.Errorf("producers.watch_debounce must be positive when watch is enabled")
	}

	if cfg.Executor.DefaultTimeout <= 0 {
		return fmt.Errorf("executor.default_timeout must be positive")
	}
	if cfg.Executor.KillGrace < 0 {
		return fmt.Errorf("executor.kill_grace must not be negative")
	}
	if cfg.Executor.MaxConcurrent <= 0 {
		return fmt.Errorf("executor.max_concurrent must be positive")
	}
	if cfg.Executor.MaxOutputBytes <= 0 || cfg.Executor.MaxStderrBytes <= 0 {
		return fmt.Errorf("executor.max_output_bytes and executor.max_stderr_bytes must be positive")
	}
	if strings.TrimSpace(cfg.Executor.EnvPrefix) == "" {
		return fmt.Errorf("executor.env_prefix is required")
	}

	switch cfg.Scheduler.FirstRun {
	case FirstRunImmediate, FirstRunDelayed:
	default:
		return fmt.Errorf("scheduler.first_run must be %q or %q (got %q)", FirstRunImmediate, FirstRunDelayed, cfg.Scheduler.FirstRun)
	}

	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if cfg.Store.RunLogRetention < 0 {
		return fmt.Errorf("store.run_log_retention must not be negative")
	}

	if cfg.Actions.Timeout <= 0 {
		return fmt.Errorf("actions.timeout must be positive")
	}
	if cfg.Actions.AllowShell && strings.TrimSpace(cfg.Actions.Shell) == "" {
		return fmt.Errorf("actions.shell is required when actions.allow_shell is true")
	}
	if cfg.Actions.RatePerSec < 0 {
		return fmt.Errorf("actions.rate_per_sec must not be negative")
	}

	if cfg.API.Enabled {
		if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
			return fmt.Errorf("api.listen %q is not host:port: %w", cfg.API.Listen, err)
		}
		if m := envVarPattern.FindStringSubmatch(cfg.API.Auth.APIKey); len(m) > 1 {
			return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", m[1])
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if strings.TrimSpace(tok.Token) == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is empty", i)
			}
			if m := envVarPattern.FindStringSubmatch(tok.Token); len(m) > 1 {
				return fmt.Errorf("api.auth.tokens[%d].token: environment variable ${%s} is not set", i, m[1])
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must not be empty", i)
			}
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 && !IsLoopback(cfg.API.Listen) {
			return fmt.Errorf("api.listen %q is not loopback; configure api.auth", cfg.API.Listen)
		}
	}

	return nil
}

// ParseInterval parses a producer cadence such as "10s", "5m" or "1h".
// Only the s, m and h units are accepted and the value must be positive.
func ParseInterval(interval string) (time.Duration, error) {
	interval = strings.TrimSpace(interval)
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}

	unit := interval[len(interval)-1]
	var scale time.Duration
	switch unit {
	case 's':
		scale = time.Second
	case 'm':
		scale = time.Minute
	case 'h':
		scale = time.Hour
	default:
		return 0, fmt.Errorf("invalid interval unit %q in %q (valid: s, m, h)", string(unit), interval)
	}

	limit := int64(maxInterval / scale)
	var n int64
	for _, r := range interval[:len(interval)-1] {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid interval number in %q", interval)
		}
		n = n*10 + int64(r-'0')
		if n > limit {
			return 0, fmt.Errorf("interval %q exceeds %s", interval, maxInterval)
		}
	}
	if n <= 0 {
		return 0, fmt.Errorf("interval must be positive: %q", interval)
	}
	return time.Duration(n) * scale, nil
}

// IsLoopback reports whether a host:port listen address only accepts local
// connections. An empty host binds every interface and is not loopback.
func IsLoopback(listen string) bool {
	host, _, err := net.SplitHostPort(listen)
	if err != nil || host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
