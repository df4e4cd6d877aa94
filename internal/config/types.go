package config

import "time"

// Config represents the complete jobhost agent configuration.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	State    StateConfig    `yaml:"state"`
	Listener ListenerConfig `yaml:"listener"`
	API      APIConfig      `yaml:"api,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// AgentConfig defines core agent settings.
type AgentConfig struct {
	Name         string `yaml:"name"`
	WorkDir      string `yaml:"work_dir"`
	WorkerBinary string `yaml:"worker_binary"`
	EnvFile      string `yaml:"env_file,omitempty"`
	// Env is passed to every worker after the agent environment and the
	// env file, in KEY=VALUE form.
	Env               map[string]string `yaml:"env,omitempty"`
	MaxConcurrentJobs int               `yaml:"max_concurrent_jobs"`
	KeepWorkDirs      bool              `yaml:"keep_work_dirs"`
	WorkDirRetention  time.Duration     `yaml:"work_dir_retention"`
	LogLevel          string            `yaml:"log_level"`
	LogFormat         string            `yaml:"log_format"`
}

// DispatchConfig defines timeouts and limits for one worker dispatch.
type DispatchConfig struct {
	// HandshakeTimeout bounds the wait for the worker's ready message.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// ChannelTimeout bounds every single send to a worker.
	ChannelTimeout time.Duration `yaml:"channel_timeout"`
	// GracePeriod is how long a cancelled worker may take to exit before
	// it is killed, when the cancel carries no timeout of its own.
	GracePeriod time.Duration `yaml:"grace_period"`
	// MinCancelTimeout raises a requested cancel timeout to at least this.
	MinCancelTimeout time.Duration `yaml:"min_cancel_timeout"`
	// CancelKillMargin is subtracted from a requested cancel timeout so the
	// kill lands before the orchestrator gives up on the job.
	CancelKillMargin time.Duration `yaml:"cancel_kill_margin"`
	// KillDelay is how long before the end of the grace period a worker
	// still running gets SIGTERM.
	KillDelay time.Duration `yaml:"kill_delay"`
	// JobTimeout applies when a job carries no timeout. Zero disables it.
	JobTimeout    time.Duration `yaml:"job_timeout"`
	MaxFrameBytes int           `yaml:"max_frame_bytes"`
	OutputLimit   int           `yaml:"output_limit"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path             string        `yaml:"path"`
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// ListenerConfig defines the inbox poll loops.
type ListenerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single admin bearer token.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns a Config with the agent's standard timeouts.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:              "jobhost",
			WorkDir:           "./data/work",
			WorkerBinary:      "jobhost-worker",
			MaxConcurrentJobs: 1,
			WorkDirRetention:  7 * 24 * time.Hour,
			LogLevel:          "info",
			LogFormat:         "json",
		},
		Dispatch: DispatchConfig{
			HandshakeTimeout: 30 * time.Second,
			ChannelTimeout:   30 * time.Second,
			GracePeriod:      45 * time.Second,
			MinCancelTimeout: 60 * time.Second,
			CancelKillMargin: 15 * time.Second,
			KillDelay:        5 * time.Second,
			MaxFrameBytes:    16 << 20,
			OutputLimit:      64 * 1024,
		},
		State: StateConfig{
			Path:             "./data/state.db",
			HistoryRetention: 30 * 24 * time.Hour,
		},
		Listener: ListenerConfig{
			PollInterval: time.Second,
			MaxBackoff:   30 * time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
