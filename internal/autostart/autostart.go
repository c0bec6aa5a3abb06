// Package autostart loads the flocks mobu starts at boot and keeps the
// running flocks in line with that file when it changes.
package autostart

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/mobu/internal/errors"
	"github.com/Iron-Ham/mobu/internal/flock"
	"github.com/Iron-Ham/mobu/internal/logging"
)

// Load reads a YAML list of flock configurations. An empty path yields no
// flocks. Unknown keys are rejected so that typos do not silently change a
// flock.
func Load(path string) ([]flock.Config, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read autostart file: %w", err)
	}
	configs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return configs, nil
}

// Parse decodes a YAML list of flock configurations and checks that flock
// names are unique.
func Parse(data []byte) ([]flock.Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var configs []flock.Config
	if err := dec.Decode(&configs); err != nil && err != io.EOF {
		return nil, errors.NewValidationError("invalid autostart configuration").WithCause(err)
	}

	seen := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		if seen[cfg.Name] {
			return nil, errors.NewValidationError("duplicate flock name").WithField("name").WithValue(cfg.Name)
		}
		seen[cfg.Name] = true
	}
	return configs, nil
}

// Target is the part of the flock manager that autostart drives.
type Target interface {
	StartFlock(ctx context.Context, cfg flock.Config) (*flock.Flock, error)
	StopFlock(name string) error
	GetFlock(name string) (*flock.Flock, error)
}

// Applier reconciles the running flocks with successive versions of the
// autostart file. It only touches flocks that came from the file; flocks
// created through the API are left alone unless the file takes over their
// name.
type Applier struct {
	target Target
	logger *logging.Logger

	mu      sync.Mutex
	applied map[string]flock.Config
}

// NewApplier creates an applier that considers initial already running.
func NewApplier(target Target, initial []flock.Config, logger *logging.Logger) *Applier {
	if logger == nil {
		logger = logging.NopLogger()
	}
	a := &Applier{
		target:  target,
		logger:  logger,
		applied: make(map[string]flock.Config, len(initial)),
	}
	for _, cfg := range initial {
		a.applied[cfg.Name] = cfg
	}
	return a
}

// Apply starts new and changed flocks and stops flocks that were removed
// from the file. Unchanged flocks that are still running are not touched.
// Every failure is logged; the joined errors are returned.
func (a *Applier) Apply(ctx context.Context, configs []flock.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	wanted := make(map[string]flock.Config, len(configs))
	for _, cfg := range configs {
		wanted[cfg.Name] = cfg
		if prev, ok := a.applied[cfg.Name]; ok && reflect.DeepEqual(prev, cfg) {
			if _, err := a.target.GetFlock(cfg.Name); err == nil {
				continue
			}
		}
		a.logger.Info("Starting flock from autostart", "flock", cfg.Name)
		if _, err := a.target.StartFlock(ctx, cfg); err != nil {
			a.logger.Error("failed to start flock", "flock", cfg.Name, "error", err.Error())
			errs = append(errs, err)
		}
	}

	removed := make([]string, 0)
	for name := range a.applied {
		if _, ok := wanted[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	for _, name := range removed {
		a.logger.Info("Stopping flock removed from autostart", "flock", name)
		if err := a.target.StopFlock(name); err != nil && !errors.IsNotFound(err) {
			errs = append(errs, err)
		}
	}

	a.applied = wanted
	return errors.Join(errs...)
}
