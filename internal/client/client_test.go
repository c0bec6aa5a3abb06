package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/mobu/internal/api"
	"github.com/Iron-Ham/mobu/internal/business"
	"github.com/Iron-Ham/mobu/internal/errors"
	"github.com/Iron-Ham/mobu/internal/flock"
	"github.com/Iron-Ham/mobu/internal/manager"
	"github.com/Iron-Ham/mobu/internal/testutil"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	mgr := manager.New(manager.Config{
		Issuer: &testutil.FakeIssuer{},
		LogDir: t.TempDir(),
	})
	mgr.Initialize()
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	ts := httptest.NewServer(api.NewServer(api.Config{}, mgr).Handler())
	t.Cleanup(ts.Close)

	c, err := New(ts.URL+"/", "", 10*time.Second)
	require.NoError(t, err)
	return c
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New("localhost:8080", "", time.Second)
	assert.Error(t, err)
	_, err = New("ftp://example.com", "", time.Second)
	assert.Error(t, err)
}

func TestClient_Flocks(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	data, err := c.StartFlock(ctx, flock.Config{
		Name:     "test",
		Count:    2,
		UserSpec: &flock.UserSpec{UsernamePrefix: "bot-mobu-user"},
		Business: business.Config{Type: business.EmptyLoopName, Options: map[string]any{"idle_time": "10ms"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "test", data.Name)
	assert.Len(t, data.Monkeys, 2)

	names, err := c.ListFlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"test"}, names)

	require.Eventually(t, func() bool {
		summaries, err := c.Summary(ctx)
		return err == nil && len(summaries) == 1 && summaries[0].SuccessCount >= 2
	}, 5*time.Second, 10*time.Millisecond)

	got, err := c.GetFlock(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Config.Count)

	log, err := c.MonkeyLog(ctx, "test", "bot-mobu-user1")
	require.NoError(t, err)
	assert.Contains(t, string(log), "Starting up...")

	_, err = c.MonkeyLog(ctx, "test", "bot-mobu-nobody")
	assert.ErrorIs(t, err, errors.ErrMonkeyNotFound)

	require.NoError(t, c.RefreshFlock(ctx, "test"))
	require.NoError(t, c.StopFlock(ctx, "test"))

	_, err = c.GetFlock(ctx, "test")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrFlockNotFound)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	_, err = c.StartFlock(ctx, flock.Config{Name: "bad", Count: 1})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestClient_Run(t *testing.T) {
	c := newClient(t)
	cfg := manager.SolitaryConfig{Business: business.Config{Type: business.EmptyLoopName}}
	cfg.User.Username = "bot-mobu-solitary"

	result, err := c.Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.Log)
}

func TestClient_BearerToken(t *testing.T) {
	var auth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer ts.Close()

	c, err := New(ts.URL, "secret", time.Second)
	require.NoError(t, err)
	_, err = c.ListFlocks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", auth)
}
