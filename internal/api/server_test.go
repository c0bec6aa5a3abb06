package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/mobu/internal/business"
	"github.com/Iron-Ham/mobu/internal/flock"
	"github.com/Iron-Ham/mobu/internal/manager"
	"github.com/Iron-Ham/mobu/internal/metrics"
	"github.com/Iron-Ham/mobu/internal/monkey"
	"github.com/Iron-Ham/mobu/internal/testutil"
)

const webhookSecret = "s3cret"

func newTestServer(t *testing.T) (*httptest.Server, *manager.Manager) {
	t.Helper()
	m := metrics.New()
	mgr := manager.New(manager.Config{
		Issuer:         &testutil.FakeIssuer{},
		Metrics:        m,
		SchedulerLimit: 100,
		LogDir:         t.TempDir(),
	})
	mgr.Initialize()
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	s := NewServer(Config{
		Version: "1.2.3",
		Webhook: WebhookConfig{Secret: webhookSecret, AcceptedOrgs: []string{"lsst-sqre"}},
		Metrics: m.Handler(),
	}, mgr)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, mgr
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func emptyFlock(name string, count int) flock.Config {
	return flock.Config{
		Name:     name,
		Count:    count,
		UserSpec: &flock.UserSpec{UsernamePrefix: "bot-mobu-user"},
		Scopes:   []string{"exec:notebook"},
		Business: business.Config{Type: business.EmptyLoopName, Options: map[string]any{"idle_time": "10ms"}},
	}
}

func TestServer_FlockLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := do(t, http.MethodPut, ts.URL+"/flocks", emptyFlock("test", 2))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/flocks/test", resp.Header.Get("Location"))
	created := decode[flock.Data](t, resp)
	assert.Equal(t, "test", created.Name)
	assert.Len(t, created.Monkeys, 2)
	assert.Equal(t, 2, created.Config.Count)

	resp = do(t, http.MethodGet, ts.URL+"/flocks", nil)
	assert.Equal(t, []string{"test"}, decode[[]string](t, resp))

	resp = do(t, http.MethodGet, ts.URL+"/flocks/test/monkeys", nil)
	assert.Equal(t, []string{"bot-mobu-user1", "bot-mobu-user2"}, decode[[]string](t, resp))

	require.Eventually(t, func() bool {
		resp := do(t, http.MethodGet, ts.URL+"/flocks/test/summary", nil)
		return decode[flock.Summary](t, resp).SuccessCount >= 2
	}, 5*time.Second, 10*time.Millisecond)

	resp = do(t, http.MethodGet, ts.URL+"/flocks/test/monkeys/bot-mobu-user1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var data map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&data))
	assert.Equal(t, monkey.StateRunning.String(), data["state"])
	assert.NotContains(t, data["user"], "token")

	resp = do(t, http.MethodGet, ts.URL+"/flocks/test/monkeys/bot-mobu-user1/log", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), `filename="test-bot-mobu-user1-`)
	log, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(log), "Starting up...")

	resp = do(t, http.MethodGet, ts.URL+"/summary", nil)
	summaries := decode[[]flock.Summary](t, resp)
	require.Len(t, summaries, 1)
	assert.Equal(t, business.EmptyLoopName, summaries[0].Business)

	resp = do(t, http.MethodPut, ts.URL+"/flocks/test", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = do(t, http.MethodDelete, ts.URL+"/flocks/test", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/flocks/test", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "flock_not_found", decode[ErrorResponse](t, resp).Error)

	resp = do(t, http.MethodGet, ts.URL+"/flocks/test/monkeys/bot-mobu-user1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodDelete, ts.URL+"/flocks/test", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_NotFoundKinds(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := do(t, http.MethodPut, ts.URL+"/flocks", emptyFlock("test", 1))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/flocks/test/monkeys/bot-mobu-nobody", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "monkey_not_found", decode[ErrorResponse](t, resp).Error)

	resp = do(t, http.MethodGet, ts.URL+"/flocks/missing/monkeys/bot-mobu-user1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "flock_not_found", decode[ErrorResponse](t, resp).Error)

	resp = do(t, http.MethodPut, ts.URL+"/flocks/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_InvalidFlock(t *testing.T) {
	ts, mgr := newTestServer(t)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"unknown business", func() flock.Config {
			cfg := emptyFlock("test", 1)
			cfg.Business.Type = "Unknown"
			return cfg
		}(), http.StatusUnprocessableEntity},
		{"zero count", emptyFlock("test", 0), http.StatusUnprocessableEntity},
		{"bad options", func() flock.Config {
			cfg := emptyFlock("test", 1)
			cfg.Business.Options = map[string]any{"idle_time": "soon"}
			return cfg
		}(), http.StatusUnprocessableEntity},
		{"malformed json", `{"name": `, http.StatusBadRequest},
		{"unknown field", `{"name": "test", "cuont": 1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPut, ts.URL+"/flocks", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
	assert.Empty(t, mgr.ListFlocks())
}

func TestServer_Run(t *testing.T) {
	ts, _ := newTestServer(t)
	body := manager.SolitaryConfig{
		Business: business.Config{Type: business.EmptyLoopName},
	}
	body.User.Username = "bot-mobu-solitary"

	resp := do(t, http.MethodPost, ts.URL+"/run", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[manager.SolitaryResult](t, resp)
	assert.True(t, result.Success)
	assert.Contains(t, result.Log, "Starting up...")

	body.User.Username = "someone"
	resp = do(t, http.MethodPost, ts.URL+"/run", body)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestServer_IndexMetricsAndRequestID(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, Index{Name: "mobu", Version: "1.2.3"}, decode[Index](t, resp))
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/flocks", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "abc-123")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get(requestIDHeader))

	resp = do(t, http.MethodPut, ts.URL+"/flocks", emptyFlock("test", 1))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = do(t, http.MethodGet, ts.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	metricsBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(metricsBody), "mobu_flocks 1")

	resp = do(t, http.MethodGet, ts.URL+"/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWithRecovery(t *testing.T) {
	s := NewServer(Config{}, nil)
	h := s.withRecovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
