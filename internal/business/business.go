package business

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Iron-Ham/mobu/internal/errors"
)

// Data is the status snapshot of a business.
type Data struct {
	Name         string          `json:"name"`
	SuccessCount int64           `json:"success_count"`
	FailureCount int64           `json:"failure_count"`
	Refreshing   bool            `json:"refreshing"`
	Healthy      bool            `json:"healthy"`
	Timings      []StopwatchData `json:"timings"`
}

// Business drives a Behavior: it runs the startup/execute/idle loop, keeps
// the counters and implements the stop handshake. Its methods are called by
// the owning monkey.
type Business struct {
	behavior Behavior
	base     *Base

	closeOnce sync.Once
	closeErr  error
}

// New wraps a Behavior.
func New(behavior Behavior) *Business {
	return &Business{behavior: behavior, base: behavior.Core()}
}

// Name returns the business type.
func (b *Business) Name() string { return b.base.Name }

// Base returns the shared state of the wrapped business.
func (b *Business) Base() *Base { return b.base }

// Options returns the shared options.
func (b *Business) Options() Options { return b.base.Options }

// Run calls Startup, then Execute followed by Idle until a stop is
// requested, then Shutdown and Close. A Startup or Execute error is counted
// as a failure and returned immediately without calling Shutdown.
//
// If Run returns because of a stop request it acknowledges the request, so
// a concurrent Stop returns only after Run has finished.
func (b *Business) Run(ctx context.Context) error {
	base := b.base
	defer func() {
		if base.stopping.Load() {
			base.acknowledge()
		}
	}()

	base.Logger.Info("Starting up...")
	if err := b.call(ctx, "startup", b.behavior.Startup); err != nil {
		// Counted so a business that never gets past startup does not
		// report a perfect record.
		base.failure.Add(1)
		base.healthy.Store(false)
		return err
	}

	for !base.stopping.Load() {
		base.Logger.Info("Starting next iteration")
		if err := b.call(ctx, "execute", b.behavior.Execute); err != nil {
			base.failure.Add(1)
			base.healthy.Store(false)
			return err
		}
		base.success.Add(1)
		base.healthy.Store(true)
		b.behavior.Idle(ctx)
	}

	base.Logger.Info("Shutting down...")
	b.shutdown(ctx)
	_ = b.Close()
	return nil
}

// RunOnce calls Startup, Execute and Shutdown once, and always Close.
func (b *Business) RunOnce(ctx context.Context) error {
	base := b.base
	defer func() { _ = b.Close() }()

	base.Logger.Info("Starting up...")
	if err := b.call(ctx, "startup", b.behavior.Startup); err != nil {
		base.failure.Add(1)
		return err
	}
	if err := b.call(ctx, "execute", b.behavior.Execute); err != nil {
		base.failure.Add(1)
		return err
	}
	base.success.Add(1)
	base.Logger.Info("Shutting down...")
	return b.call(ctx, "shutdown", b.behavior.Shutdown)
}

// ErrorIdle pauses for Options.ErrorIdleTime before a restart. It runs
// outside Run, so it acknowledges a stop that arrives while it waits.
func (b *Business) ErrorIdle() {
	base := b.base
	defer func() {
		if base.stopping.Load() {
			base.acknowledge()
		}
	}()
	base.Logger.Warn(fmt.Sprintf("Restarting failed monkey after %s", base.Options.ErrorIdleTime))
	base.Pause(base.Options.ErrorIdleTime)
}

// Stop asks the running loop to stop and blocks until it has. Only the
// first call sends the request; later calls just wait.
func (b *Business) Stop() {
	base := b.base
	if base.stopping.CompareAndSwap(false, true) {
		base.Logger.Info("Stopping...")
		base.control <- commandStop
	}
	<-base.ack
	base.Logger.Info("Stopped")
}

// Acknowledge releases any Stop caller. The owning monkey calls it when its
// supervisor exits so that a stop racing with a failure never blocks.
func (b *Business) Acknowledge() {
	b.base.acknowledge()
}

// Close calls the business's Close once; later calls return the first result.
func (b *Business) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.behavior.Close()
		if b.closeErr != nil {
			b.base.Logger.Error("failed to close business", "error", b.closeErr.Error())
		}
	})
	return b.closeErr
}

// SignalRefresh asks the business to reload its external inputs at its
// next idle boundary.
func (b *Business) SignalRefresh() {
	b.base.refreshing.Store(true)
}

// Healthy reports whether the most recent startup or iteration succeeded.
func (b *Business) Healthy() bool { return b.base.healthy.Load() }

// Dump returns a snapshot of the business state. Safe to call while Run is
// in progress.
func (b *Business) Dump() Data {
	base := b.base
	return Data{
		Name:         base.Name,
		SuccessCount: base.success.Load(),
		FailureCount: base.failure.Load(),
		Refreshing:   base.refreshing.Load(),
		Healthy:      base.healthy.Load(),
		Timings:      base.Timings.Dump(),
	}
}

// shutdown calls Shutdown, logging rather than returning its error so a
// failed cleanup never prevents the monkey from finishing.
func (b *Business) shutdown(ctx context.Context) {
	if err := b.call(ctx, "shutdown", b.behavior.Shutdown); err != nil {
		b.base.Logger.Error("shutdown failed", "error", err.Error())
	}
}

// call runs fn, converting a panic into an error.
func (b *Business) call(ctx context.Context, step string, fn func(context.Context) error) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			b.base.Logger.Error("business panicked", "step", step, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = errors.NewBusinessError(fmt.Sprintf("panic during %s: %v", step, r), nil).
				WithBusiness(b.base.Name).
				WithUser(b.base.User.Username).
				WithEvent(step, start, nil)
		}
	}()
	return fn(ctx)
}
