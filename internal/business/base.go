// Package business implements the repeated unit of work a monkey performs
// and the cooperative stop protocol shared by every business type.
//
// A concrete business embeds *Base and implements Execute; it may override
// Startup, Idle, Shutdown and Close. All delays must go through Base.Pause
// (or IterateWithTimeout) so that a stop request is noticed promptly:
//
//	func (l *Loop) Execute(ctx context.Context) error {
//	    for i := 0; i < 3; i++ {
//	        if !l.Pause(time.Second) {
//	            return nil // told to stop
//	        }
//	    }
//	    return nil
//	}
package business

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/mobu/internal/identity"
	"github.com/Iron-Ham/mobu/internal/logging"
	"github.com/Iron-Ham/mobu/internal/repo"
)

// command is sent over a business's control channel.
type command int

const commandStop command = iota

// Env carries the shared collaborators a business may use. Everything in it
// is safe to share between monkeys.
type Env struct {
	// Flock is the name of the owning flock, or "" for a solitary run.
	Flock string
	// EnvironmentURL is the base URL of the environment under test.
	EnvironmentURL string
	// Repos caches git clones.
	Repos *repo.Manager
	// HTTPClient is used by businesses that speak plain HTTP.
	HTTPClient *http.Client
}

// Behavior is implemented by every business type. Embedding *Base supplies
// everything except Execute.
type Behavior interface {
	// Core returns the embedded Base.
	Core() *Base
	// Startup runs once before the first iteration.
	Startup(ctx context.Context) error
	// Execute runs one iteration.
	Execute(ctx context.Context) error
	// Idle pauses between iterations.
	Idle(ctx context.Context)
	// Shutdown releases resources acquired while looping.
	Shutdown(ctx context.Context) error
	// Close frees resources allocated at construction. Always called last.
	Close() error
}

// Base holds the state shared by all business types: counters, timings and
// the control channel used to request a stop.
type Base struct {
	Name    string
	Options Options
	User    identity.AuthenticatedUser
	Logger  *logging.Logger
	Timings *Timings
	Env     Env

	success    atomic.Int64
	failure    atomic.Int64
	stopping   atomic.Bool
	refreshing atomic.Bool
	healthy    atomic.Bool

	// control holds at most one pending stop command.
	control chan command
	// ack is closed once a stop has been fully processed.
	ack     chan struct{}
	ackOnce sync.Once
}

// NewBase creates the shared state for a business of the given type.
func NewBase(name string, opts Options, user identity.AuthenticatedUser, logger *logging.Logger, env Env) *Base {
	if logger == nil {
		logger = logging.NopLogger()
	}
	b := &Base{
		Name:    name,
		Options: opts,
		User:    user,
		Logger:  logger,
		Timings: NewTimings(),
		Env:     env,
		control: make(chan command, 1),
		ack:     make(chan struct{}),
	}
	b.healthy.Store(true)
	return b
}

// Core returns b.
func (b *Base) Core() *Base { return b }

// Startup does nothing by default.
func (b *Base) Startup(context.Context) error { return nil }

// Shutdown does nothing by default.
func (b *Base) Shutdown(context.Context) error { return nil }

// Close does nothing by default.
func (b *Base) Close() error { return nil }

// Idle pauses for Options.IdleTime, returning early on stop.
func (b *Base) Idle(context.Context) {
	b.Logger.Info("Idling...")
	sw := b.Timings.Start("idle", nil)
	b.Pause(b.Options.IdleTime)
	_ = sw.Stop(nil)
}

// Pause waits up to interval for a stop request. It returns false if the
// business has been told to stop and true if the full interval elapsed.
// A zero interval only checks for a pending request.
func (b *Base) Pause(interval time.Duration) bool {
	if b.stopping.Load() {
		return false
	}
	if interval <= 0 {
		select {
		case <-b.control:
			return false
		default:
			return true
		}
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-b.control:
		return false
	case <-timer.C:
		return true
	}
}

// Stopping reports whether a stop has been requested.
func (b *Base) Stopping() bool { return b.stopping.Load() }

// Refreshing reports whether a refresh has been requested and not yet
// completed.
func (b *Base) Refreshing() bool { return b.refreshing.Load() }

// RefreshDone clears the refreshing flag once new inputs have been loaded.
func (b *Base) RefreshDone() { b.refreshing.Store(false) }

// SuccessCount returns the number of successful iterations.
func (b *Base) SuccessCount() int64 { return b.success.Load() }

// FailureCount returns the number of failed iterations and startups.
func (b *Base) FailureCount() int64 { return b.failure.Load() }

// acknowledge marks the pending stop as processed, releasing Stop.
// Safe to call any number of times.
func (b *Base) acknowledge() {
	b.ackOnce.Do(func() { close(b.ack) })
}
