package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete mobu configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Alert     AlertConfig     `mapstructure:"alert"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Autostart AutostartConfig `mapstructure:"autostart"`
	Replica   ReplicaConfig   `mapstructure:"replica"`
	Health    HealthConfig    `mapstructure:"health"`
	Status    StatusConfig    `mapstructure:"status"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Paths     PathsConfig     `mapstructure:"paths"`

	// EnvironmentURL is the base URL of the environment under test.
	// Token requests and the default business targets are resolved against it.
	EnvironmentURL string `mapstructure:"environment_url"`
}

// ServerConfig controls the HTTP control surface
type ServerConfig struct {
	// Addr is the listen address (default ":8080")
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// IdentityConfig controls how monkeys obtain credentials
type IdentityConfig struct {
	// Token is the admin token used to create service tokens for bot users
	Token string `mapstructure:"token"`
	// Timeout bounds one token-creation request. Very large flocks may need
	// more than the default.
	Timeout time.Duration `mapstructure:"timeout"`
	// TokenLifetime is the expiry requested for every issued token. It must
	// outlive the flock because tokens are never refreshed.
	TokenLifetime time.Duration `mapstructure:"token_lifetime"`
	// BatchSize is how many token requests run concurrently while a flock starts
	BatchSize int `mapstructure:"batch_size"`
}

// AlertConfig controls Slack alerting
type AlertConfig struct {
	// Hook is the Slack incoming webhook URL. Empty disables alerts.
	Hook string `mapstructure:"hook"`
	// RatePerMinute caps how many alerts are posted per minute (0 = unlimited)
	RatePerMinute int `mapstructure:"rate_per_minute"`
	// Burst is how many alerts may be posted back to back before throttling
	Burst int `mapstructure:"burst"`
}

// SchedulerConfig controls the shared task scheduler
type SchedulerConfig struct {
	// Limit is the maximum number of concurrently running monkey tasks.
	// Work beyond the limit is rejected, never queued. 0 means unbounded.
	Limit int `mapstructure:"limit"`
}

// AutostartConfig controls the flocks started at boot
type AutostartConfig struct {
	// Path is a YAML file holding a list of flock configurations
	Path string `mapstructure:"path"`
	// Watch re-applies the file whenever it changes
	Watch bool `mapstructure:"watch"`
}

// ReplicaConfig shards generated users across several mobu processes
type ReplicaConfig struct {
	Count int `mapstructure:"count"`
	Index int `mapstructure:"index"`
}

// HealthConfig controls the business health observer
type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// StatusConfig controls periodic status reports to Slack
type StatusConfig struct {
	// Interval between reports; 0 disables them
	Interval time.Duration `mapstructure:"interval"`
}

// GitHubConfig holds GitHub integration settings
type GitHubConfig struct {
	Refresh GitHubRefreshConfig `mapstructure:"refresh"`
}

// GitHubRefreshConfig controls the push webhook that refreshes flocks
type GitHubRefreshConfig struct {
	// WebhookSecret verifies X-Hub-Signature-256. Empty disables the webhook.
	WebhookSecret string `mapstructure:"webhook_secret"`
	// AcceptedOrgs lists the GitHub organizations allowed to trigger refreshes
	AcceptedOrgs []string `mapstructure:"accepted_orgs"`
	// Delay waits before refreshing so that caches (e.g. raw.githubusercontent)
	// catch up with the push
	Delay time.Duration `mapstructure:"delay"`
}

// LoggingConfig controls the process log
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
	// Dir writes the process log to {dir}/mobu.log instead of stderr
	Dir string `mapstructure:"dir"`
}

// PathsConfig controls where mobu keeps files on disk
type PathsConfig struct {
	// LogDir holds per-monkey logs. A temporary directory is used when empty.
	LogDir string `mapstructure:"log_dir"`
	// RepoDir holds cached git clones. A temporary directory is used when empty.
	RepoDir string `mapstructure:"repo_dir"`
}

// ResolveLogDir returns the per-monkey log directory, creating a temporary
// one when none is configured.
func (p *PathsConfig) ResolveLogDir() (string, error) {
	if p.LogDir != "" {
		return p.LogDir, os.MkdirAll(p.LogDir, 0755)
	}
	return os.MkdirTemp("", "mobu-logs-")
}

// ResolveRepoDir returns the clone cache directory, creating a temporary one
// when none is configured.
func (p *PathsConfig) ResolveRepoDir() (string, error) {
	if p.RepoDir != "" {
		return p.RepoDir, os.MkdirAll(p.RepoDir, 0755)
	}
	return os.MkdirTemp("", "mobu-repos-")
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Identity: IdentityConfig{
			Timeout:       30 * time.Second,
			TokenLifetime: 365 * 24 * time.Hour,
			BatchSize:     10,
		},
		Alert: AlertConfig{
			RatePerMinute: 30,
			Burst:         10,
		},
		Scheduler: SchedulerConfig{
			Limit: 5000,
		},
		Autostart: AutostartConfig{
			Watch: false,
		},
		Replica: ReplicaConfig{
			Count: 1,
			Index: 0,
		},
		Health: HealthConfig{
			Interval: 30 * time.Second,
		},
		Status: StatusConfig{
			Interval: 0,
		},
		GitHub: GitHubConfig{
			Refresh: GitHubRefreshConfig{
				AcceptedOrgs: []string{},
				Delay:        10 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("environment_url", defaults.EnvironmentURL)

	// Server defaults
	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	viper.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)

	// Identity defaults
	viper.SetDefault("identity.token", defaults.Identity.Token)
	viper.SetDefault("identity.timeout", defaults.Identity.Timeout)
	viper.SetDefault("identity.token_lifetime", defaults.Identity.TokenLifetime)
	viper.SetDefault("identity.batch_size", defaults.Identity.BatchSize)

	// Alert defaults
	viper.SetDefault("alert.hook", defaults.Alert.Hook)
	viper.SetDefault("alert.rate_per_minute", defaults.Alert.RatePerMinute)
	viper.SetDefault("alert.burst", defaults.Alert.Burst)

	viper.SetDefault("scheduler.limit", defaults.Scheduler.Limit)

	// Autostart defaults
	viper.SetDefault("autostart.path", defaults.Autostart.Path)
	viper.SetDefault("autostart.watch", defaults.Autostart.Watch)

	// Replica defaults
	viper.SetDefault("replica.count", defaults.Replica.Count)
	viper.SetDefault("replica.index", defaults.Replica.Index)

	viper.SetDefault("health.interval", defaults.Health.Interval)
	viper.SetDefault("status.interval", defaults.Status.Interval)

	// GitHub defaults
	viper.SetDefault("github.refresh.webhook_secret", defaults.GitHub.Refresh.WebhookSecret)
	viper.SetDefault("github.refresh.accepted_orgs", defaults.GitHub.Refresh.AcceptedOrgs)
	viper.SetDefault("github.refresh.delay", defaults.GitHub.Refresh.Delay)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)

	// Paths defaults
	viper.SetDefault("paths.log_dir", defaults.Paths.LogDir)
	viper.SetDefault("paths.repo_dir", defaults.Paths.RepoDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mobu")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mobu"
	}
	return filepath.Join(home, ".config", "mobu")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
