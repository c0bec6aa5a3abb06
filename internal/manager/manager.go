// Package manager owns every running flock in the process together with the
// scheduler and HTTP client they share.
package manager

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/mobu/internal/alert"
	"github.com/Iron-Ham/mobu/internal/business"
	"github.com/Iron-Ham/mobu/internal/errors"
	"github.com/Iron-Ham/mobu/internal/flock"
	"github.com/Iron-Ham/mobu/internal/identity"
	"github.com/Iron-Ham/mobu/internal/logging"
	"github.com/Iron-Ham/mobu/internal/metrics"
	"github.com/Iron-Ham/mobu/internal/scheduler"
)

const defaultHTTPTimeout = 30 * time.Second

// Config holds the collaborators and settings of a Manager.
type Config struct {
	Issuer   identity.Issuer
	Registry *business.Registry
	// Env is handed to every business. HTTPClient is filled in by Initialize
	// when unset.
	Env     business.Env
	Alerts  alert.Sink
	Metrics *metrics.Metrics
	Logger  *logging.Logger

	// SchedulerLimit caps concurrently running monkeys; 0 is unbounded.
	SchedulerLimit    int
	ReplicaCount      int
	ReplicaIndex      int
	IdentityBatchSize int
	// LogDir holds per-monkey logs.
	LogDir string

	// HealthInterval is how often business health is sampled. Zero
	// disables the health observer.
	HealthInterval time.Duration
	// StatusInterval is how often a status report is posted to Alerts.
	// Zero disables status reports.
	StatusInterval time.Duration
}

// Manager is the process-wide registry of flocks.
type Manager struct {
	cfg    Config
	logger *logging.Logger

	sched  *scheduler.Scheduler
	client *http.Client

	// startMu serializes StartFlock so that a replaced flock is fully
	// stopped before its successor starts.
	startMu sync.Mutex

	mu     sync.RWMutex
	flocks map[string]*flock.Flock

	loopCancel context.CancelFunc
	loops      sync.WaitGroup
}

// New creates an empty manager. Call Initialize before starting flocks.
func New(cfg Config) *Manager {
	if cfg.Registry == nil {
		cfg.Registry = business.DefaultRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger,
		flocks: make(map[string]*flock.Flock),
	}
}

// Initialize creates the shared scheduler and HTTP client.
func (m *Manager) Initialize() {
	m.sched = scheduler.New(m.cfg.SchedulerLimit, m.logger)
	m.client = m.cfg.Env.HTTPClient
	if m.client == nil {
		m.client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	m.cfg.Env.HTTPClient = m.client
}

// Scheduler returns the shared scheduler.
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.sched }

// Autostart starts every configured flock and then begins the background
// health observer and status reporter. Flocks that fail to start are logged
// and skipped; the joined errors are returned.
func (m *Manager) Autostart(ctx context.Context, configs []flock.Config) error {
	var errs []error
	for _, cfg := range configs {
		if _, err := m.StartFlock(ctx, cfg); err != nil {
			m.logger.Error("failed to autostart flock", "flock", cfg.Name, "error", err.Error())
			errs = append(errs, err)
		}
	}
	m.startLoops()
	return errors.Join(errs...)
}

func (m *Manager) startLoops() {
	if m.loopCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.loopCancel = cancel
	if m.cfg.HealthInterval > 0 && m.cfg.Metrics != nil {
		m.loops.Add(1)
		go func() {
			defer m.loops.Done()
			m.every(ctx, m.cfg.HealthInterval, func() { m.ObserveHealth() })
		}()
	}
	if m.cfg.StatusInterval > 0 && m.cfg.Alerts != nil {
		m.loops.Add(1)
		go func() {
			defer m.loops.Done()
			m.every(ctx, m.cfg.StatusInterval, func() { m.PostStatus(ctx) })
		}()
	}
}

func (m *Manager) every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (m *Manager) deps() flock.Deps {
	deps := flock.Deps{
		Scheduler:         m.sched,
		Issuer:            m.cfg.Issuer,
		Registry:          m.cfg.Registry,
		Env:               m.cfg.Env,
		Alerts:            m.cfg.Alerts,
		Logger:            m.logger,
		LogDir:            m.cfg.LogDir,
		ReplicaCount:      m.cfg.ReplicaCount,
		ReplicaIndex:      m.cfg.ReplicaIndex,
		IdentityBatchSize: m.cfg.IdentityBatchSize,
	}
	if m.cfg.Metrics != nil {
		deps.Observer = m.cfg.Metrics
	}
	return deps
}

// StartFlock creates and starts a flock. A running flock with the same name
// is stopped completely first. Configuration errors are returned before
// anything is stopped.
func (m *Manager) StartFlock(ctx context.Context, cfg flock.Config) (*flock.Flock, error) {
	if m.sched == nil {
		return nil, errors.NewFlockError("manager is not initialized", nil).WithFlock(cfg.Name)
	}
	f, err := flock.New(cfg, m.deps())
	if err != nil {
		return nil, err
	}

	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.Lock()
	old := m.flocks[cfg.Name]
	delete(m.flocks, cfg.Name)
	m.mu.Unlock()
	if old != nil {
		m.logger.Info("Replacing flock", "flock", cfg.Name)
		old.Stop()
	}

	m.mu.Lock()
	m.flocks[cfg.Name] = f
	m.mu.Unlock()

	if err := f.Start(ctx); err != nil {
		m.mu.Lock()
		if m.flocks[cfg.Name] == f {
			delete(m.flocks, cfg.Name)
		}
		m.mu.Unlock()
		m.updateCounts()
		return nil, err
	}
	m.updateCounts()
	return f, nil
}

// StopFlock stops and removes a flock.
func (m *Manager) StopFlock(name string) error {
	m.mu.Lock()
	f, ok := m.flocks[name]
	if ok {
		delete(m.flocks, name)
	}
	m.mu.Unlock()
	if !ok {
		return errors.NewNotFoundError(errors.ResourceFlock, name)
	}

	f.Stop()
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ForgetFlock(name)
	}
	m.updateCounts()
	return nil
}

// GetFlock returns the named flock.
func (m *Manager) GetFlock(name string) (*flock.Flock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.flocks[name]
	if !ok {
		return nil, errors.NewNotFoundError(errors.ResourceFlock, name)
	}
	return f, nil
}

// ListFlocks returns the flock names in sorted order.
func (m *Manager) ListFlocks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.flocks))
	for name := range m.flocks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListFlocksForRepo returns the sorted names of the flocks whose business
// clones url at exactly ref.
func (m *Manager) ListFlocksForRepo(url, ref string) []string {
	var names []string
	for _, f := range m.sortedFlocks() {
		if f.UsesRepo(url, ref) {
			names = append(names, f.Name())
		}
	}
	return names
}

// RefreshFlock signals every monkey of a flock to refresh.
func (m *Manager) RefreshFlock(name string) error {
	f, err := m.GetFlock(name)
	if err != nil {
		return err
	}
	f.SignalRefresh()
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.FlockRefreshed(name)
	}
	return nil
}

// Summaries returns the summary of every flock sorted by name.
func (m *Manager) Summaries() []flock.Summary {
	flocks := m.sortedFlocks()
	out := make([]flock.Summary, 0, len(flocks))
	for _, f := range flocks {
		out = append(out, f.Summary())
	}
	return out
}

func (m *Manager) sortedFlocks() []*flock.Flock {
	m.mu.RLock()
	flocks := make([]*flock.Flock, 0, len(m.flocks))
	for _, f := range m.flocks {
		flocks = append(flocks, f)
	}
	m.mu.RUnlock()
	sort.Slice(flocks, func(i, j int) bool { return flocks[i].Name() < flocks[j].Name() })
	return flocks
}

func (m *Manager) updateCounts() {
	if m.cfg.Metrics == nil {
		return
	}
	flocks := m.sortedFlocks()
	m.cfg.Metrics.SetFlocks(len(flocks))
	for _, f := range flocks {
		m.cfg.Metrics.SetMonkeys(f.Name(), len(f.ListMonkeys()))
	}
}

// Shutdown stops the background loops and every flock concurrently, then
// closes the scheduler. ctx bounds the wait for stragglers in the scheduler.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.loopCancel != nil {
		m.loopCancel()
		m.loops.Wait()
		m.loopCancel = nil
	}

	p := pool.New()
	for _, name := range m.ListFlocks() {
		p.Go(func() {
			// Already gone if a concurrent StopFlock won the race.
			_ = m.StopFlock(name)
		})
	}
	p.Wait()

	if m.sched == nil {
		return nil
	}
	if err := m.sched.Close(ctx); err != nil {
		return err
	}
	m.client.CloseIdleConnections()
	return nil
}
