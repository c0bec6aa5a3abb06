package manager

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/mobu/internal/business"
	"github.com/Iron-Ham/mobu/internal/errors"
	"github.com/Iron-Ham/mobu/internal/flock"
	"github.com/Iron-Ham/mobu/internal/identity"
	"github.com/Iron-Ham/mobu/internal/metrics"
	"github.com/Iron-Ham/mobu/internal/monkey"
	"github.com/Iron-Ham/mobu/internal/testutil"
)

// journal records business lifecycle events across generations of a flock.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(event string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

type recorded struct {
	*business.Base
	journal    *journal
	generation string
}

func (r *recorded) Startup(context.Context) error {
	r.journal.add("start " + r.generation)
	return nil
}

func (r *recorded) Execute(context.Context) error { return nil }

func (r *recorded) Shutdown(context.Context) error {
	time.Sleep(20 * time.Millisecond)
	r.journal.add("stopped " + r.generation)
	return nil
}

func newManager(t *testing.T, j *journal) (*Manager, *metrics.Metrics) {
	t.Helper()
	registry := business.DefaultRegistry()
	registry.Register("Recorded", func(base *business.Base, raw map[string]any) (business.Behavior, error) {
		var opts struct {
			Generation string `mapstructure:"generation"`
		}
		if err := business.DecodeOptions(raw, &opts); err != nil {
			return nil, err
		}
		return &recorded{Base: base, journal: j, generation: opts.Generation}, nil
	})

	m := metrics.New()
	mgr := New(Config{
		Issuer:         &testutil.FakeIssuer{},
		Registry:       registry,
		Metrics:        m,
		SchedulerLimit: 100,
		LogDir:         t.TempDir(),
	})
	mgr.Initialize()
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return mgr, m
}

func flockConfig(name string, count int, businessType string, options map[string]any) flock.Config {
	return flock.Config{
		Name:     name,
		Count:    count,
		UserSpec: &flock.UserSpec{UsernamePrefix: "bot-mobu-" + name},
		Scopes:   []string{"exec:notebook"},
		Business: business.Config{Type: businessType, Options: options},
	}
}

func TestManager_EndToEnd(t *testing.T) {
	mgr, _ := newManager(t, nil)
	ctx := context.Background()

	f, err := mgr.StartFlock(ctx, flockConfig("test", 2, business.EmptyLoopName, map[string]any{"idle_time": 0}))
	require.NoError(t, err)
	assert.Equal(t, []string{"test"}, mgr.ListFlocks())

	require.Eventually(t, func() bool {
		for _, m := range f.Monkeys() {
			if m.Business().Base().SuccessCount() < 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)

	got, err := mgr.GetFlock("test")
	require.NoError(t, err)
	for _, data := range got.Dump().Monkeys {
		assert.Equal(t, monkey.StateRunning, data.State)
		assert.Equal(t, int64(0), data.Business.FailureCount)
		assert.GreaterOrEqual(t, data.Business.SuccessCount, int64(1))
	}
	names := got.ListMonkeys()
	require.Len(t, names, 2)

	require.NoError(t, mgr.StopFlock("test"))
	_, err = mgr.GetFlock("test")
	assert.ErrorIs(t, err, errors.ErrFlockNotFound)
	for _, name := range names {
		_, err := f.GetMonkey(name)
		assert.ErrorIs(t, err, errors.ErrMonkeyNotFound)
	}
	assert.Empty(t, mgr.ListFlocks())

	err = mgr.StopFlock("test")
	assert.True(t, errors.IsNotFound(err))
	assert.ErrorIs(t, mgr.RefreshFlock("test"), errors.ErrFlockNotFound)
}

func TestManager_ReplaceStopsOldFlockFirst(t *testing.T) {
	j := &journal{}
	mgr, _ := newManager(t, j)
	ctx := context.Background()

	first, err := mgr.StartFlock(ctx, flockConfig("test", 3, "Recorded", map[string]any{"generation": "1", "idle_time": "1h"}))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.Summary().SuccessCount == 3 }, 5*time.Second, time.Millisecond)
	oldMonkeys := first.Monkeys()

	second, err := mgr.StartFlock(ctx, flockConfig("test", 3, "Recorded", map[string]any{"generation": "2", "idle_time": "1h"}))
	require.NoError(t, err)
	for _, m := range oldMonkeys {
		assert.Equal(t, monkey.StateFinished, m.State())
	}

	got, err := mgr.GetFlock("test")
	require.NoError(t, err)
	assert.Same(t, second, got)
	require.Eventually(t, func() bool { return second.Summary().SuccessCount == 3 }, 5*time.Second, time.Millisecond)

	events := j.all()
	lastStop, firstStart := -1, len(events)
	for i, e := range events {
		if e == "stopped 1" {
			lastStop = i
		}
		if e == "start 2" && i < firstStart {
			firstStart = i
		}
	}
	assert.Equal(t, 3, strings.Count(strings.Join(events, ","), "stopped 1"))
	assert.Less(t, lastStop, firstStart, "replacement started before the old flock stopped: %v", events)
}

func TestManager_InvalidConfigKeepsRunningFlock(t *testing.T) {
	mgr, _ := newManager(t, nil)
	ctx := context.Background()

	f, err := mgr.StartFlock(ctx, flockConfig("test", 1, business.EmptyLoopName, map[string]any{"idle_time": "1h"}))
	require.NoError(t, err)

	_, err = mgr.StartFlock(ctx, flockConfig("test", 1, "Unknown", nil))
	assert.ErrorIs(t, err, errors.ErrInvalidFlockConfig)

	got, err := mgr.GetFlock("test")
	require.NoError(t, err)
	assert.Same(t, f, got)
	assert.Equal(t, monkey.StateRunning, f.Monkeys()[0].State())
}

func TestManager_ListFlocksForRepo(t *testing.T) {
	mgr, _ := newManager(t, nil)
	ctx := context.Background()
	const url = "https://github.com/org/notebooks.git"

	configs := []flock.Config{
		flockConfig("main", 1, business.GitRepoLoopName, map[string]any{"repo_url": url}),
		flockConfig("prod", 1, business.GitRepoLoopName, map[string]any{"repo_url": url, "repo_ref": "prod"}),
		flockConfig("other", 1, business.GitRepoLoopName, map[string]any{"repo_url": "https://github.com/org/other.git"}),
		flockConfig("empty", 1, business.EmptyLoopName, map[string]any{"idle_time": "1h"}),
	}
	for _, cfg := range configs {
		_, err := mgr.StartFlock(ctx, cfg)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"main"}, mgr.ListFlocksForRepo(url, "main"))
	assert.Equal(t, []string{"prod"}, mgr.ListFlocksForRepo(url, "prod"))
	assert.Empty(t, mgr.ListFlocksForRepo(url, "dev"))
	assert.Empty(t, mgr.ListFlocksForRepo("https://github.com/org/notebooks", "main"))
}

func TestManager_RefreshFlock(t *testing.T) {
	mgr, m := newManager(t, nil)
	f, err := mgr.StartFlock(context.Background(), flockConfig("test", 2, business.EmptyLoopName, map[string]any{"idle_time": "1h"}))
	require.NoError(t, err)

	require.NoError(t, mgr.RefreshFlock("test"))
	for _, data := range f.Dump().Monkeys {
		assert.True(t, data.Business.Refreshing)
	}
	expected := `
		# HELP mobu_flock_refreshes_total Total number of refresh signals sent to flocks
		# TYPE mobu_flock_refreshes_total counter
		mobu_flock_refreshes_total{flock="test"} 1
	`
	assert.NoError(t, promtestutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "mobu_flock_refreshes_total"))
}

func TestManager_ObserveHealth(t *testing.T) {
	mgr, m := newManager(t, nil)
	f, err := mgr.StartFlock(context.Background(), flockConfig("test", 2, business.EmptyLoopName, map[string]any{"idle_time": "1h"}))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.Summary().SuccessCount == 2 }, 5*time.Second, time.Millisecond)

	mgr.ObserveHealth()
	expected := `
		# HELP mobu_business_health 1 if the most recent startup or iteration of the business succeeded
		# TYPE mobu_business_health gauge
		mobu_business_health{business="EmptyLoop",flock="test",monkey="bot-mobu-test1"} 1
		mobu_business_health{business="EmptyLoop",flock="test",monkey="bot-mobu-test2"} 1
	`
	assert.NoError(t, promtestutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "mobu_business_health"))

	require.NoError(t, mgr.StopFlock("test"))
	count, err := promtestutil.GatherAndCount(m.Registry(), "mobu_business_health")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestManager_Summaries(t *testing.T) {
	mgr, _ := newManager(t, nil)
	ctx := context.Background()
	for _, name := range []string{"zeta", "alpha"} {
		_, err := mgr.StartFlock(ctx, flockConfig(name, 1, business.EmptyLoopName, map[string]any{"idle_time": "1h"}))
		require.NoError(t, err)
	}

	summaries := mgr.Summaries()
	require.Len(t, summaries, 2)
	assert.Equal(t, "alpha", summaries[0].Name)
	assert.Equal(t, "zeta", summaries[1].Name)
	assert.Equal(t, 1, summaries[0].MonkeyCount)
}

func TestManager_AutostartAndShutdown(t *testing.T) {
	mgr, _ := newManager(t, nil)
	sink := &testutil.RecordingSink{}
	mgr.cfg.Alerts = sink
	mgr.cfg.StatusInterval = 10 * time.Millisecond

	err := mgr.Autostart(context.Background(), []flock.Config{
		flockConfig("one", 2, business.EmptyLoopName, map[string]any{"idle_time": "1h"}),
		flockConfig("bad", 1, "Unknown", nil),
		flockConfig("two", 1, business.EmptyLoopName, map[string]any{"idle_time": "1h"}),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidFlockConfig)
	assert.Equal(t, []string{"one", "two"}, mgr.ListFlocks())

	require.Eventually(t, func() bool { return len(sink.Messages()) > 0 }, 5*time.Second, time.Millisecond)
	assert.Contains(t, sink.Messages()[0].Text, "Currently running 2 flocks:")

	one, err := mgr.GetFlock("one")
	require.NoError(t, err)
	monkeys := one.Monkeys()

	require.NoError(t, mgr.Shutdown(context.Background()))
	assert.Empty(t, mgr.ListFlocks())
	assert.Equal(t, 0, mgr.Scheduler().Active())
	for _, m := range monkeys {
		assert.Equal(t, monkey.StateFinished, m.State())
	}

	_, err = mgr.StartFlock(context.Background(), flockConfig("late", 1, business.EmptyLoopName, nil))
	assert.ErrorIs(t, err, errors.ErrSchedulerClosed)
}

func TestManager_NotInitialized(t *testing.T) {
	mgr := New(Config{Issuer: identity.Static{}})
	_, err := mgr.StartFlock(context.Background(), flockConfig("test", 1, business.EmptyLoopName, nil))
	assert.Error(t, err)
	assert.NoError(t, mgr.Shutdown(context.Background()))
}

func TestRunSolitary(t *testing.T) {
	mgr, _ := newManager(t, nil)
	ctx := context.Background()

	result, err := mgr.RunSolitary(ctx, SolitaryConfig{
		User:     identity.User{Username: "bot-mobu-solitary"},
		Scopes:   []string{"exec:notebook"},
		Business: business.Config{Type: business.EmptyLoopName},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.Error)
	assert.Contains(t, result.Log, "Starting up...")

	result, err = mgr.RunSolitary(ctx, SolitaryConfig{
		User: identity.User{Username: "bot-mobu-solitary"},
		Business: business.Config{Type: business.GitRepoLoopName, Options: map[string]any{
			"repo_url": "https://github.com/org/notebooks.git",
		}},
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)

	_, err = mgr.RunSolitary(ctx, SolitaryConfig{
		User:     identity.User{Username: "bot-mobu-solitary"},
		Business: business.Config{Type: "Unknown"},
	})
	assert.ErrorIs(t, err, errors.ErrUnknownBusiness)
}

// gatedIssuer blocks token requests until release is closed.
type gatedIssuer struct {
	testutil.FakeIssuer
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedIssuer) CreateServiceToken(ctx context.Context, user identity.User, scopes []string) (identity.AuthenticatedUser, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.FakeIssuer.CreateServiceToken(ctx, user, scopes)
}

func TestManager_StopWhileStarting(t *testing.T) {
	issuer := &gatedIssuer{entered: make(chan struct{}), release: make(chan struct{})}
	mgr := New(Config{
		Issuer:         issuer,
		SchedulerLimit: 100,
		LogDir:         t.TempDir(),
	})
	mgr.Initialize()

	errCh := make(chan error, 1)
	go func() {
		_, err := mgr.StartFlock(context.Background(), flockConfig("slow", 2, business.EmptyLoopName, nil))
		errCh <- err
	}()

	<-issuer.entered
	require.NoError(t, mgr.StopFlock("slow"))
	close(issuer.release)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stopped while starting")
	case <-time.After(5 * time.Second):
		t.Fatal("StartFlock did not return")
	}
	assert.Empty(t, mgr.ListFlocks())
	assert.Equal(t, 0, mgr.Scheduler().Active())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mgr.Shutdown(ctx))
}
