package business

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Iron-Ham/mobu/internal/errors"
	"github.com/Iron-Ham/mobu/internal/identity"
	"github.com/Iron-Ham/mobu/internal/logging"
)

// Constructor builds a Behavior around base from the raw options map.
// Constructors must not perform I/O; anything that can fail at run time
// belongs in Startup. This lets Registry.Validate call them to check a
// configuration before any monkey is created.
type Constructor func(base *Base, raw map[string]any) (Behavior, error)

// Registry maps business type names to constructors. Register everything
// before the registry is shared; lookups take a read lock only.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// DefaultRegistry returns a registry holding the built-in business types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(EmptyLoopName, NewEmptyLoop)
	r.Register(GitRepoLoopName, NewGitRepoLoop)
	r.Register(WebSocketLoopName, NewWebSocketLoop)
	return r
}

// Register adds a business type. Registering a name twice panics.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.constructors[name]; ok {
		panic(fmt.Sprintf("business %q registered twice", name))
	}
	r.constructors[name] = ctor
}

// Names returns the registered business types in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates a business for user from cfg.
func (r *Registry) New(cfg Config, user identity.AuthenticatedUser, logger *logging.Logger, env Env) (*Business, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("business %q: %w", cfg.Type, errors.ErrUnknownBusiness)
	}

	opts, err := decodeCommon(cfg.Options)
	if err != nil {
		return nil, err
	}
	base := NewBase(cfg.Type, opts, user, logger, env)
	behavior, err := ctor(base, cfg.Options)
	if err != nil {
		return nil, err
	}
	return New(behavior), nil
}

// Validate checks that cfg names a registered business with valid options.
func (r *Registry) Validate(cfg Config) error {
	b, err := r.New(cfg, identity.AuthenticatedUser{}, logging.NopLogger(), Env{})
	if err != nil {
		return err
	}
	return b.Close()
}
