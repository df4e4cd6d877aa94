package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. A directory is accepted
// and means <dir>/config.yaml. Unset fields keep their Defaults values.
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
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	resolveRelativePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority order: $JOBHOST_CONFIG, ~/.config/jobhost/config.yaml,
// /etc/jobhost/config.yaml, ./config.yaml.
func Discover() (string, error) {
	if p := os.Getenv("JOBHOST_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(homeDir, ".config", "jobhost", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if _, err := os.Stat("/etc/jobhost/config.yaml"); err == nil {
		return "/etc/jobhost/config.yaml", nil
	}
	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}
	return "", fmt.Errorf("no config found (checked: $JOBHOST_CONFIG, ~/.config/jobhost, /etc/jobhost, ./config.yaml)")
}

// WorkerEnv assembles the extra worker environment: the env file first,
// then agent.env entries, each as KEY=VALUE sorted by key within its source.
func (c *Config) WorkerEnv() ([]string, error) {
	var out []string
	if c.Agent.EnvFile != "" {
		fileEnv, err := godotenv.Read(c.Agent.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", c.Agent.EnvFile, err)
		}
		out = append(out, sortedPairs(fileEnv)...)
	}
	out = append(out, sortedPairs(c.Agent.Env)...)
	return out, nil
}

func sortedPairs(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// resolveRelativePaths anchors file paths to the config file's directory.
// A bare worker binary name is left alone so exec can search PATH.
func resolveRelativePaths(cfg *Config, baseDir string) {
	anchor := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	cfg.Agent.WorkDir = anchor(cfg.Agent.WorkDir)
	cfg.Agent.EnvFile = anchor(cfg.Agent.EnvFile)
	cfg.State.Path = anchor(cfg.State.Path)
	if filepath.Base(cfg.Agent.WorkerBinary) != cfg.Agent.WorkerBinary {
		cfg.Agent.WorkerBinary = anchor(cfg.Agent.WorkerBinary)
	}
}

// interpolateEnv replaces ${VAR} with the environment value. Unset
// variables are left in place and rejected later where they matter.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Agent.WorkDir == "" {
		return fmt.Errorf("agent.work_dir is required")
	}
	if cfg.Agent.WorkerBinary == "" {
		return fmt.Errorf("agent.worker_binary is required")
	}
	if cfg.Agent.MaxConcurrentJobs < 1 {
		return fmt.Errorf("agent.max_concurrent_jobs must be at least 1")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Agent.LogLevel] {
		return fmt.Errorf("agent.log_level must be one of: debug, info, warn, error (got %q)", cfg.Agent.LogLevel)
	}
	if cfg.Agent.LogFormat != "json" && cfg.Agent.LogFormat != "text" {
		return fmt.Errorf("agent.log_format must be json or text (got %q)", cfg.Agent.LogFormat)
	}
	for k, v := range cfg.Agent.Env {
		if err := unresolved("agent.env."+k, v); err != nil {
			return err
		}
	}

	d := cfg.Dispatch
	positive := map[string]int64{
		"dispatch.handshake_timeout":  int64(d.HandshakeTimeout),
		"dispatch.channel_timeout":    int64(d.ChannelTimeout),
		"dispatch.grace_period":       int64(d.GracePeriod),
		"dispatch.min_cancel_timeout": int64(d.MinCancelTimeout),
		"dispatch.kill_delay":         int64(d.KillDelay),
		"dispatch.max_frame_bytes":    int64(d.MaxFrameBytes),
		"dispatch.output_limit":       int64(d.OutputLimit),
		"listener.poll_interval":      int64(cfg.Listener.PollInterval),
		"listener.max_backoff":        int64(cfg.Listener.MaxBackoff),
	}
	names := make([]string, 0, len(positive))
	for name := range positive {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if positive[name] <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if d.CancelKillMargin < 0 || d.CancelKillMargin >= d.MinCancelTimeout {
		return fmt.Errorf("dispatch.cancel_kill_margin must be in [0, min_cancel_timeout)")
	}
	if d.JobTimeout < 0 {
		return fmt.Errorf("dispatch.job_timeout must not be negative")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := unresolved(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}
	return nil
}
