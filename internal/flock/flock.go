// Package flock runs a named group of monkeys that share one business
// configuration, each as a different synthetic user.
package flock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/mobu/internal/alert"
	"github.com/Iron-Ham/mobu/internal/business"
	"github.com/Iron-Ham/mobu/internal/errors"
	"github.com/Iron-Ham/mobu/internal/identity"
	"github.com/Iron-Ham/mobu/internal/logging"
	"github.com/Iron-Ham/mobu/internal/monkey"
	"github.com/Iron-Ham/mobu/internal/scheduler"
)

// defaultIdentityBatchSize bounds concurrent token requests.
const defaultIdentityBatchSize = 10

// Transient token API failures are retried with doubling delays.
const (
	tokenAttempts   = 3
	tokenRetryDelay = 100 * time.Millisecond
)

// Deps are the collaborators shared by every flock.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Issuer    identity.Issuer
	Registry  *business.Registry
	Env       business.Env
	Alerts    alert.Sink
	Observer  monkey.Observer
	Logger    *logging.Logger
	// LogDir holds one directory of monkey logs per flock. Empty sends
	// monkey logs to Logger.
	LogDir string
	// ReplicaCount and ReplicaIndex shard users across mobu replicas.
	ReplicaCount int
	ReplicaIndex int
	// IdentityBatchSize is how many tokens are requested at once.
	IdentityBatchSize int
}

// Summary is the aggregate status of a flock.
type Summary struct {
	Name         string     `json:"name"`
	Business     string     `json:"business"`
	StartTime    *time.Time `json:"start_time"`
	MonkeyCount  int        `json:"monkey_count"`
	SuccessCount int64      `json:"success_count"`
	FailureCount int64      `json:"failure_count"`
}

// Data is the full status of a flock.
type Data struct {
	Name    string        `json:"name"`
	Config  Config        `json:"config"`
	Monkeys []monkey.Data `json:"monkeys"`
}

// Flock is a group of monkeys running the same business.
type Flock struct {
	config Config
	deps   Deps
	logger *logging.Logger

	// runCtx outlives the request that started the flock and is cancelled
	// once every monkey has stopped.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu        sync.RWMutex
	monkeys   map[string]*monkey.Monkey
	startTime *time.Time
	// stopped is set by Stop. No monkey is added or started afterwards.
	stopped bool
}

// New validates cfg and creates a flock. Nothing runs until Start.
func New(cfg Config, deps Deps) (*Flock, error) {
	if deps.Registry == nil {
		deps.Registry = business.DefaultRegistry()
	}
	if err := cfg.Validate(deps.Registry); err != nil {
		return nil, err
	}
	if deps.Scheduler == nil || deps.Issuer == nil {
		return nil, errors.NewFlockError("flock needs a scheduler and an identity issuer", nil).WithFlock(cfg.Name)
	}
	if deps.ReplicaCount < 1 {
		deps.ReplicaCount = 1
	}
	if deps.IdentityBatchSize < 1 {
		deps.IdentityBatchSize = defaultIdentityBatchSize
	}
	if deps.Logger == nil {
		deps.Logger = logging.NopLogger()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &Flock{
		config:    cfg,
		deps:      deps,
		logger:    deps.Logger.WithFlock(cfg.Name),
		runCtx:    runCtx,
		runCancel: cancel,
		monkeys:   make(map[string]*monkey.Monkey),
	}, nil
}

// Name returns the flock name.
func (f *Flock) Name() string { return f.config.Name }

// Config returns the flock configuration.
func (f *Flock) Config() Config { return f.config }

// Start issues tokens for this replica's share of users, creates one monkey
// per user and starts them, in batches if configured. ctx bounds token
// issuance and batch waits only; monkeys keep running after it ends.
func (f *Flock) Start(ctx context.Context) error {
	f.logger.Info("Creating users")
	users, err := f.createUsers(ctx)
	if err != nil {
		return err
	}

	f.logger.Info("Starting flock", "monkeys", len(users))
	monkeys := make([]*monkey.Monkey, 0, len(users))
	for _, user := range users {
		m, err := f.createMonkey(user)
		if err != nil {
			f.discard(monkeys)
			f.Stop()
			return err
		}
		monkeys = append(monkeys, m)
	}

	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		f.discard(monkeys)
		return f.errStopped()
	}
	for _, m := range monkeys {
		f.monkeys[m.Name()] = m
	}
	f.mu.Unlock()

	if err := f.startMonkeys(ctx, monkeys); err != nil {
		f.Stop()
		return err
	}

	now := time.Now().UTC()
	f.mu.Lock()
	f.startTime = &now
	f.mu.Unlock()
	return nil
}

func (f *Flock) startMonkeys(ctx context.Context, monkeys []*monkey.Monkey) error {
	size := len(monkeys)
	wait := time.Duration(f.config.StartBatchWait)
	if f.config.StartBatchSize > 0 && wait > 0 {
		// The batch size counts monkeys across all replicas.
		size = max(f.config.StartBatchSize/f.deps.ReplicaCount, 1)
	}
	if size == 0 {
		return nil
	}

	batches := (len(monkeys) + size - 1) / size
	for i := 0; i < batches; i++ {
		batch := monkeys[i*size : min((i+1)*size, len(monkeys))]
		logger := f.logger.With("current_batch", i+1, "num_batches", batches, "monkeys_in_batch", len(batch))
		if batches > 1 {
			logger.Info("starting batch")
		}
		for _, m := range batch {
			if err := f.startMonkey(m); err != nil {
				return err
			}
		}
		if i < batches-1 {
			logger.Info("pausing for batch", "wait", wait.String())
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("flock %s start interrupted: %w", f.config.Name, ctx.Err())
			case <-f.runCtx.Done():
				timer.Stop()
				return f.errStopped()
			}
		}
	}
	return nil
}

// startMonkey starts m unless the flock has been stopped. Holding the read
// lock keeps Stop from taking its snapshot while m is being scheduled.
func (f *Flock) startMonkey(m *monkey.Monkey) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.stopped {
		return f.errStopped()
	}
	return m.Start(f.runCtx, f.deps.Scheduler)
}

// discard releases monkeys that were never added to the flock.
func (f *Flock) discard(monkeys []*monkey.Monkey) {
	for _, m := range monkeys {
		m.Stop()
		_ = m.Close()
	}
}

func (f *Flock) errStopped() error {
	return errors.NewFlockError("flock stopped while starting", nil).WithFlock(f.config.Name)
}

// createUsers issues tokens for the users this replica runs. Requests go
// out in fixed-size batches so the token API is not flooded.
func (f *Flock) createUsers(ctx context.Context) ([]identity.AuthenticatedUser, error) {
	var users []identity.User
	for i, user := range f.config.users() {
		if i%f.deps.ReplicaCount == f.deps.ReplicaIndex {
			users = append(users, user)
		}
	}

	results := make([]identity.AuthenticatedUser, len(users))
	for start := 0; start < len(users); start += f.deps.IdentityBatchSize {
		end := min(start+f.deps.IdentityBatchSize, len(users))
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				user, err := f.issueToken(gctx, users[i])
				if err != nil {
					return err
				}
				results[i] = user
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, errors.NewFlockError("failed to create users", err).WithFlock(f.config.Name)
		}
	}
	return results, nil
}

// issueToken creates a token for user, retrying transient failures.
func (f *Flock) issueToken(ctx context.Context, user identity.User) (identity.AuthenticatedUser, error) {
	delay := tokenRetryDelay
	for attempt := 1; ; attempt++ {
		authed, err := f.deps.Issuer.CreateServiceToken(ctx, user, f.config.Scopes)
		if err == nil || attempt == tokenAttempts || !errors.IsRetryable(err) {
			return authed, err
		}
		f.logger.Warn("Token creation failed, retrying",
			"user", user.Username, "attempt", attempt, "error", err.Error())
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return identity.AuthenticatedUser{}, ctx.Err()
		}
		delay *= 2
	}
}

func (f *Flock) createMonkey(user identity.AuthenticatedUser) (*monkey.Monkey, error) {
	logPath := ""
	if f.deps.LogDir != "" {
		logPath = filepath.Join(f.logDir(), user.Username+".log")
	}
	return monkey.New(monkey.Config{
		Name:     user.Username,
		Flock:    f.config.Name,
		User:     user,
		Business: f.config.Business,
		Registry: f.deps.Registry,
		Env:      f.deps.Env,
		Alerts:   f.deps.Alerts,
		Observer: f.deps.Observer,
		Logger:   f.deps.Logger,
		LogPath:  logPath,
	})
}

func (f *Flock) logDir() string {
	return filepath.Join(f.deps.LogDir, f.config.Name)
}

// Stop stops every monkey concurrently and waits for all of them, so the
// flock takes about as long as its slowest monkey rather than the sum.
// Monkey logs are deleted afterwards.
func (f *Flock) Stop() {
	f.mu.Lock()
	f.stopped = true
	monkeys := make([]*monkey.Monkey, 0, len(f.monkeys))
	for _, m := range f.monkeys {
		monkeys = append(monkeys, m)
	}
	f.monkeys = make(map[string]*monkey.Monkey)
	f.mu.Unlock()

	f.logger.Info("Stopping flock", "monkeys", len(monkeys))
	var wg conc.WaitGroup
	for _, m := range monkeys {
		wg.Go(m.Stop)
	}
	wg.Wait()
	f.runCancel()

	for _, m := range monkeys {
		if err := m.Close(); err != nil {
			f.logger.Warn("failed to remove monkey log", "monkey", m.Name(), "error", err.Error())
		}
	}
	if f.deps.LogDir != "" {
		_ = os.RemoveAll(f.logDir())
	}
}

// SignalRefresh asks every monkey to reload its inputs at its next idle
// boundary.
func (f *Flock) SignalRefresh() {
	f.logger.Info("Signaling monkeys to refresh")
	for _, m := range f.Monkeys() {
		m.SignalRefresh()
	}
}

// UsesRepo reports whether the flock's business clones url at ref.
func (f *Flock) UsesRepo(url, ref string) bool {
	u, r, ok := business.RepoTarget(f.config.Business)
	return ok && u == url && r == ref
}

// GetMonkey returns the named monkey.
func (f *Flock) GetMonkey(name string) (*monkey.Monkey, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.monkeys[name]
	if !ok {
		return nil, errors.NewNotFoundError(errors.ResourceMonkey, name)
	}
	return m, nil
}

// ListMonkeys returns the monkey names in sorted order.
func (f *Flock) ListMonkeys() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.monkeys))
	for name := range f.monkeys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Monkeys returns the monkeys sorted by name.
func (f *Flock) Monkeys() []*monkey.Monkey {
	f.mu.RLock()
	defer f.mu.RUnlock()
	monkeys := make([]*monkey.Monkey, 0, len(f.monkeys))
	for _, m := range f.monkeys {
		monkeys = append(monkeys, m)
	}
	sort.Slice(monkeys, func(i, j int) bool { return monkeys[i].Name() < monkeys[j].Name() })
	return monkeys
}

// Dump returns the configuration and the status of every monkey.
func (f *Flock) Dump() Data {
	monkeys := f.Monkeys()
	data := Data{Name: f.config.Name, Config: f.config, Monkeys: make([]monkey.Data, 0, len(monkeys))}
	for _, m := range monkeys {
		data.Monkeys = append(data.Monkeys, m.Dump())
	}
	return data
}

// Summary aggregates the monkey counters.
func (f *Flock) Summary() Summary {
	monkeys := f.Monkeys()
	f.mu.RLock()
	start := f.startTime
	f.mu.RUnlock()

	s := Summary{
		Name:        f.config.Name,
		Business:    f.config.Business.Type,
		StartTime:   start,
		MonkeyCount: len(monkeys),
	}
	for _, m := range monkeys {
		base := m.Business().Base()
		s.SuccessCount += base.SuccessCount()
		s.FailureCount += base.FailureCount()
	}
	return s
}
