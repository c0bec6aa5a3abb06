// Package monkey supervises a single business running as one synthetic user.
//
// A Monkey owns exactly one business. Its supervisor goroutine runs the
// business loop, turns failures into alerts and restarts the business after
// Options.ErrorIdleTime when the flock asked for restarts:
//
//	m, err := monkey.New(monkey.Config{...})
//	if err != nil {
//	    return err
//	}
//	if err := m.Start(ctx, sched); err != nil {
//	    return err
//	}
//	defer m.Stop()
//
// State moves IDLE -> RUNNING -> (ERROR -> RUNNING)* -> STOPPING -> FINISHED.
// FINISHED is terminal and Stop is a no-op once it is reached.
package monkey

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Iron-Ham/mobu/internal/alert"
	"github.com/Iron-Ham/mobu/internal/business"
	"github.com/Iron-Ham/mobu/internal/errors"
	"github.com/Iron-Ham/mobu/internal/identity"
	"github.com/Iron-Ham/mobu/internal/logging"
	"github.com/Iron-Ham/mobu/internal/scheduler"
)

// State is the supervisor state of a monkey.
type State int

const (
	// StateIdle means the monkey has not been started.
	StateIdle State = iota

	// StateRunning means the business loop is running.
	StateRunning

	// StateError means the business failed and is waiting to restart.
	StateError

	// StateStopping means a stop has been requested.
	StateStopping

	// StateFinished means the supervisor has exited.
	StateFinished
)

// String returns the state name as shown in the API.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateError:
		return "ERROR"
	case StateStopping:
		return "STOPPING"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateFinished; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown monkey state %q", text)
}

// Observer is told about supervisor events. metrics.Metrics implements it.
type Observer interface {
	MonkeyFailed(flock, businessType string)
	MonkeyRestarted(flock, businessType string)
}

// Config holds everything needed to build a Monkey.
type Config struct {
	// Name is usually the username.
	Name string
	// Flock is "" for a solitary monkey.
	Flock    string
	User     identity.AuthenticatedUser
	Business business.Config
	Registry *business.Registry
	Env      business.Env
	// Alerts may be nil to disable alerting.
	Alerts   alert.Sink
	Observer Observer
	// Logger is the process logger.
	Logger *logging.Logger
	// LogPath is where the monkey's private log is written. If empty the
	// monkey logs to Logger instead.
	LogPath string
}

// Data is the status snapshot of a monkey.
type Data struct {
	Name     string                     `json:"name"`
	State    State                      `json:"state"`
	Restart  bool                       `json:"restart"`
	User     identity.AuthenticatedUser `json:"user"`
	Business business.Data              `json:"business"`
}

// Monkey runs one business for one user.
type Monkey struct {
	name     string
	flock    string
	user     identity.AuthenticatedUser
	restart  bool
	business *business.Business
	alerts   alert.Sink
	observer Observer

	// global is the process logger, logger the private one.
	global  *logging.Logger
	logger  *logging.Logger
	logPath string

	mu    sync.Mutex
	state State
	job   *scheduler.Job
	now   func() time.Time
}

// New creates a monkey and its business. Configuration errors such as an
// unknown business type are returned here, before anything runs.
func New(cfg Config) (*Monkey, error) {
	if cfg.Registry == nil {
		cfg.Registry = business.DefaultRegistry()
	}
	global := cfg.Logger
	if global == nil {
		global = logging.NopLogger()
	}
	global = global.WithMonkey(cfg.Name).With("user", cfg.User.Username)
	if cfg.Flock != "" {
		global = global.WithFlock(cfg.Flock)
	}

	opts := business.DefaultOptions()
	if err := business.DecodeOptions(cfg.Business.Options, &opts); err != nil {
		return nil, err
	}

	logger := global
	if cfg.LogPath != "" {
		fileLogger, err := logging.NewFileLogger(cfg.LogPath, opts.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to create monkey log: %w", err)
		}
		logger = fileLogger
		logger.Info("Starting new file logger", "file", cfg.LogPath)
	}

	env := cfg.Env
	env.Flock = cfg.Flock
	b, err := cfg.Registry.New(cfg.Business, cfg.User, logger, env)
	if err != nil {
		if logger != global {
			_ = logger.Close()
			_ = os.Remove(cfg.LogPath)
		}
		return nil, err
	}

	return &Monkey{
		name:     cfg.Name,
		flock:    cfg.Flock,
		user:     cfg.User,
		restart:  cfg.Business.Restart,
		business: b,
		alerts:   cfg.Alerts,
		observer: cfg.Observer,
		global:   global,
		logger:   logger,
		logPath:  cfg.LogPath,
		state:    StateIdle,
		now:      time.Now,
	}, nil
}

// Name returns the monkey's name.
func (m *Monkey) Name() string { return m.name }

// Business returns the business the monkey runs.
func (m *Monkey) Business() *business.Business { return m.business }

// User returns the user the monkey runs as.
func (m *Monkey) User() identity.AuthenticatedUser { return m.user }

// State returns the current supervisor state.
func (m *Monkey) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start schedules the supervisor and returns without waiting for it.
func (m *Monkey) Start(ctx context.Context, sched *scheduler.Scheduler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return errors.NewFlockError(fmt.Sprintf("cannot start monkey in state %s", m.state), nil).
			WithFlock(m.flock).WithMonkey(m.name)
	}
	job, err := sched.Spawn(m.name, func() { m.supervise(ctx) })
	if err != nil {
		return errors.NewFlockError("failed to schedule monkey", err).WithFlock(m.flock).WithMonkey(m.name)
	}
	m.job = job
	m.state = StateRunning
	return nil
}

// supervise runs the business until it stops or fails without restart.
func (m *Monkey) supervise(ctx context.Context) {
	defer func() {
		// Release any Stop that raced with a failure, then finish.
		m.business.Acknowledge()
		_ = m.business.Close()
		m.mu.Lock()
		m.state = StateFinished
		m.mu.Unlock()
		_ = m.logger.Sync()
	}()

	for {
		err := m.business.Run(ctx)
		if err == nil {
			return
		}

		m.logger.Error("Exception thrown while doing monkey business", "error", err.Error())
		if m.observer != nil {
			m.observer.MonkeyFailed(m.flock, m.business.Name())
		}
		m.alert(ctx, err)

		m.mu.Lock()
		restart := m.restart && m.state == StateRunning
		if restart {
			m.state = StateError
		} else if m.state == StateRunning {
			m.state = StateStopping
		}
		m.mu.Unlock()

		if !restart {
			m.global.Warn("Shutting down monkey due to error")
			return
		}

		m.business.ErrorIdle()
		m.mu.Lock()
		if m.state == StateStopping {
			m.mu.Unlock()
			return
		}
		m.state = StateRunning
		m.mu.Unlock()
		if m.observer != nil {
			m.observer.MonkeyRestarted(m.flock, m.business.Name())
		}
	}
}

// alert posts err unless the monkey is shutting down. Failures to post are
// logged and dropped.
func (m *Monkey) alert(ctx context.Context, err error) {
	state := m.State()
	if state == StateStopping || state == StateFinished {
		m.logger.Info(fmt.Sprintf("Not sending alert because state is %s", state))
		return
	}
	if m.alerts == nil {
		return
	}
	msg := alert.NewErrorMessage(err, alert.Source{
		Flock:    m.flock,
		Monkey:   m.name,
		User:     m.user.Username,
		Business: m.business.Name(),
	}, m.now())
	if postErr := m.alerts.Post(ctx, msg); postErr != nil {
		m.global.Warn("failed to post alert", "error", postErr.Error())
	}
}

// Stop stops the business and waits for the supervisor to exit. Calling it
// on a finished monkey does nothing.
func (m *Monkey) Stop() {
	m.mu.Lock()
	state := m.state
	if state == StateFinished {
		m.mu.Unlock()
		return
	}
	if state == StateRunning || state == StateError {
		m.state = StateStopping
	}
	job := m.job
	m.mu.Unlock()

	if state == StateRunning || state == StateError {
		m.business.Stop()
	}
	if job != nil {
		job.Wait()
	} else {
		// Never started, so no supervisor will close the business.
		_ = m.business.Close()
	}

	m.mu.Lock()
	m.state = StateFinished
	m.job = nil
	m.mu.Unlock()
}

// RunOnce runs the business a single time in the calling goroutine and
// returns the failure, if any.
func (m *Monkey) RunOnce(ctx context.Context) error {
	m.mu.Lock()
	m.state = StateRunning
	m.mu.Unlock()

	err := m.business.RunOnce(ctx)
	m.mu.Lock()
	if err != nil {
		m.logger.Error("Exception thrown while doing monkey business", "error", err.Error())
		m.state = StateError
	} else {
		m.state = StateFinished
	}
	m.mu.Unlock()
	_ = m.logger.Sync()
	return err
}

// SignalRefresh asks the business to reload its inputs.
func (m *Monkey) SignalRefresh() {
	m.business.SignalRefresh()
}

// Dump returns a snapshot of the monkey.
func (m *Monkey) Dump() Data {
	return Data{
		Name:     m.name,
		State:    m.State(),
		Restart:  m.restart,
		User:     m.user,
		Business: m.business.Dump(),
	}
}

// LogPath returns the private log file, or "" if the monkey logs to the
// process logger.
func (m *Monkey) LogPath() string { return m.logPath }

// Log returns the contents of the private log.
func (m *Monkey) Log() ([]byte, error) {
	if m.logPath == "" {
		return nil, errors.NewNotFoundError(errors.ResourceMonkey, m.name+" log")
	}
	_ = m.logger.Sync()
	return os.ReadFile(m.logPath)
}

// Close releases the private log. The monkey must be stopped first.
func (m *Monkey) Close() error {
	if m.logPath == "" {
		return nil
	}
	if err := m.logger.Close(); err != nil {
		return err
	}
	if err := os.Remove(m.logPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
