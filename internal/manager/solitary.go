package manager

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/Iron-Ham/mobu/internal/business"
	"github.com/Iron-Ham/mobu/internal/errors"
	"github.com/Iron-Ham/mobu/internal/identity"
	"github.com/Iron-Ham/mobu/internal/monkey"
)

// SolitaryConfig describes a single business run outside any flock.
type SolitaryConfig struct {
	User     identity.User   `json:"user" yaml:"user"`
	Scopes   []string        `json:"scopes" yaml:"scopes"`
	Business business.Config `json:"business" yaml:"business"`
}

// Validate checks the configuration before anything runs.
func (c SolitaryConfig) Validate(registry *business.Registry) error {
	if err := c.User.Validate(); err != nil {
		return err
	}
	return registry.Validate(c.Business)
}

// SolitaryResult is the outcome of a solitary run.
type SolitaryResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Log     string `json:"log"`
}

// RunSolitary runs one business a single time, in the calling goroutine,
// and returns its outcome with the full monkey log. Configuration and
// identity errors are returned as errors; business failures are reported in
// the result.
func (m *Manager) RunSolitary(ctx context.Context, cfg SolitaryConfig) (SolitaryResult, error) {
	if err := cfg.Validate(m.cfg.Registry); err != nil {
		return SolitaryResult{}, err
	}
	user, err := m.cfg.Issuer.CreateServiceToken(ctx, cfg.User, cfg.Scopes)
	if err != nil {
		return SolitaryResult{}, err
	}

	dir := m.cfg.LogDir
	if dir == "" {
		dir = os.TempDir()
	}
	dir = filepath.Join(dir, "solitary")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return SolitaryResult{}, errors.Wrap(err, "failed to create solitary log directory")
	}

	name := "solitary-" + user.Username
	mk, err := monkey.New(monkey.Config{
		Name:     name,
		User:     user,
		Business: cfg.Business,
		Registry: m.cfg.Registry,
		Env:      m.cfg.Env,
		Logger:   m.logger,
		LogPath:  filepath.Join(dir, name+"-"+uuid.NewString()+".log"),
	})
	if err != nil {
		return SolitaryResult{}, err
	}
	defer func() { _ = mk.Close() }()

	result := SolitaryResult{Success: true}
	if runErr := mk.RunOnce(ctx); runErr != nil {
		result.Success = false
		result.Error = runErr.Error()
	}
	log, err := mk.Log()
	if err != nil {
		return SolitaryResult{}, err
	}
	result.Log = string(log)
	return result, nil
}
