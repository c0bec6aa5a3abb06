package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.Identity.BatchSize != 10 {
		t.Errorf("Identity.BatchSize = %d, want 10", cfg.Identity.BatchSize)
	}
	if cfg.Identity.TokenLifetime < 24*time.Hour {
		t.Errorf("Identity.TokenLifetime = %v, should outlive a flock run", cfg.Identity.TokenLifetime)
	}
	if cfg.Scheduler.Limit <= 0 {
		t.Errorf("Scheduler.Limit = %d, want a positive default", cfg.Scheduler.Limit)
	}
	if cfg.Replica.Count != 1 || cfg.Replica.Index != 0 {
		t.Errorf("Replica = %+v, want single replica", cfg.Replica)
	}
	if cfg.Status.Interval != 0 {
		t.Errorf("Status.Interval = %v, want disabled", cfg.Status.Interval)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		if got := ConfigDir(); got != "/custom/config/mobu" {
			t.Errorf("ConfigDir() = %q, want %q", got, "/custom/config/mobu")
		}
		if got := ConfigFile(); got != "/custom/config/mobu/config.yaml" {
			t.Errorf("ConfigFile() = %q", got)
		}
	})

	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", "")
		t.Setenv("HOME", home)
		want := filepath.Join(home, ".config", "mobu")
		if got := ConfigDir(); got != want {
			t.Errorf("ConfigDir() = %q, want %q", got, want)
		}
	})
}

func TestLoad(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()

	viper.Set("environment_url", "https://data.example.org")
	viper.Set("identity.token", "admin-token")
	viper.Set("scheduler.limit", 3)
	viper.Set("github.refresh.delay", "2s")
	viper.Set("github.refresh.accepted_orgs", []string{"lsst-sqre"})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.EnvironmentURL != "https://data.example.org" {
		t.Errorf("EnvironmentURL = %q", cfg.EnvironmentURL)
	}
	if cfg.Scheduler.Limit != 3 {
		t.Errorf("Scheduler.Limit = %d, want 3", cfg.Scheduler.Limit)
	}
	if cfg.GitHub.Refresh.Delay != 2*time.Second {
		t.Errorf("GitHub.Refresh.Delay = %v, want 2s", cfg.GitHub.Refresh.Delay)
	}
	if cfg.Health.Interval != Default().Health.Interval {
		t.Errorf("Health.Interval = %v, want default", cfg.Health.Interval)
	}
}

func TestLoad_Invalid(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
	viper.Set("replica.count", 2)
	viper.Set("replica.index", 2)

	_, err := Load()
	if err == nil {
		t.Fatal("Load() should reject an out-of-range replica index")
	}
	if _, ok := err.(ValidationErrors); !ok {
		t.Errorf("Load() error type = %T, want ValidationErrors", err)
	}
}

func TestPathsConfig_Resolve(t *testing.T) {
	t.Run("configured directory is created", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "monkeys")
		p := PathsConfig{LogDir: dir}
		got, err := p.ResolveLogDir()
		if err != nil {
			t.Fatalf("ResolveLogDir() error = %v", err)
		}
		if got != dir {
			t.Errorf("ResolveLogDir() = %q, want %q", got, dir)
		}
	})

	t.Run("temporary directory when unset", func(t *testing.T) {
		var p PathsConfig
		got, err := p.ResolveRepoDir()
		if err != nil {
			t.Fatalf("ResolveRepoDir() error = %v", err)
		}
		t.Cleanup(func() { _ = os.RemoveAll(got) })
		if !strings.Contains(filepath.Base(got), "mobu-repos-") {
			t.Errorf("ResolveRepoDir() = %q, want a mobu-repos- temp dir", got)
		}
	})
}

func TestValidationErrors_Error(t *testing.T) {
	t.Run("empty errors", func(t *testing.T) {
		var errs ValidationErrors
		if errs.Error() != "" {
			t.Errorf("Error() for empty = %q, want empty string", errs.Error())
		}
	})

	t.Run("single error", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "replica.count", Value: 0, Message: "must be at least 1"},
		}
		expected := "replica.count: must be at least 1 (got: 0)"
		if errs.Error() != expected {
			t.Errorf("Error() = %q, want %q", errs.Error(), expected)
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "field1", Value: "bad", Message: "is invalid"},
			{Field: "field2", Value: -1, Message: "must be positive"},
		}
		result := errs.Error()
		if !strings.Contains(result, "2 validation errors") {
			t.Errorf("Error() should mention 2 errors: %s", result)
		}
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		wantField string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"bad environment url", func(c *Config) { c.EnvironmentURL = "ftp://x" }, "environment_url"},
		{"token without environment", func(c *Config) { c.Identity.Token = "t" }, "environment_url"},
		{"zero batch size", func(c *Config) { c.Identity.BatchSize = 0 }, "identity.batch_size"},
		{"zero token lifetime", func(c *Config) { c.Identity.TokenLifetime = 0 }, "identity.token_lifetime"},
		{"relative alert hook", func(c *Config) { c.Alert.Hook = "/services/x" }, "alert.hook"},
		{"negative alert rate", func(c *Config) { c.Alert.RatePerMinute = -1 }, "alert.rate_per_minute"},
		{"zero burst", func(c *Config) { c.Alert.Burst = 0 }, "alert.burst"},
		{"negative scheduler limit", func(c *Config) { c.Scheduler.Limit = -5 }, "scheduler.limit"},
		{"zero replicas", func(c *Config) { c.Replica.Count = 0 }, "replica.count"},
		{"index out of range", func(c *Config) { c.Replica.Index = 1 }, "replica.index"},
		{"zero health interval", func(c *Config) { c.Health.Interval = 0 }, "health.interval"},
		{"negative status interval", func(c *Config) { c.Status.Interval = -time.Second }, "status.interval"},
		{"bad org", func(c *Config) { c.GitHub.Refresh.AcceptedOrgs = []string{"no/slash"} }, "github.refresh.accepted_orgs[0]"},
		{"negative delay", func(c *Config) { c.GitHub.Refresh.Delay = -time.Second }, "github.refresh.delay"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			errs := cfg.Validate()
			found := false
			for _, e := range errs {
				if e.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.wantField, errs)
			}
		})
	}

	t.Run("default config is valid", func(t *testing.T) {
		if errs := Default().Validate(); len(errs) != 0 {
			t.Errorf("Default config should be valid, got %v", errs)
		}
	})

	t.Run("unlimited alerts need no burst", func(t *testing.T) {
		cfg := Default()
		cfg.Alert.RatePerMinute = 0
		cfg.Alert.Burst = 0
		if errs := cfg.Validate(); len(errs) != 0 {
			t.Errorf("unexpected errors: %v", errs)
		}
	})
}
