package business

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/mobu/internal/identity"
)

// echoServer replies to every message with `replies` copies of it and
// records the Authorization header of the last connection.
func echoServer(t *testing.T, replies int) (*httptest.Server, *atomic.Value) {
	t.Helper()
	auth := &atomic.Value{}
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			for i := 0; i < replies; i++ {
				if err := conn.WriteMessage(mt, msg); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(server.Close)
	return server, auth
}

func newWebSocketLoop(t *testing.T, env Env, options map[string]any) (*Business, *WebSocketLoop) {
	t.Helper()
	user := identity.AuthenticatedUser{
		User:  identity.User{Username: "bot-mobu-ws"},
		Token: "secret-token",
	}
	b, err := DefaultRegistry().New(Config{Type: WebSocketLoopName, Options: options}, user, nil, env)
	require.NoError(t, err)
	loop, ok := b.behavior.(*WebSocketLoop)
	require.True(t, ok)
	return b, loop
}

func TestWebSocketLoop_Execute(t *testing.T) {
	server, auth := echoServer(t, 3)
	b, loop := newWebSocketLoop(t, Env{}, map[string]any{
		"url":          "ws" + strings.TrimPrefix(server.URL, "http"),
		"message":      "ping",
		"messages":     3,
		"read_timeout": 5,
	})

	require.NoError(t, loop.Execute(context.Background()))
	assert.Equal(t, "Bearer secret-token", auth.Load())

	var events []string
	for _, span := range b.Dump().Timings {
		assert.False(t, span.Failed)
		events = append(events, span.Event)
	}
	assert.Equal(t, []string{"connect", "send", "receive"}, events)
}

func TestWebSocketLoop_RelativeURL(t *testing.T) {
	server, _ := echoServer(t, 1)
	_, loop := newWebSocketLoop(t, Env{EnvironmentURL: server.URL + "/"}, map[string]any{
		"url":     "/stream",
		"message": "hello",
	})

	target, err := loop.target()
	require.NoError(t, err)
	assert.Equal(t, "ws"+strings.TrimPrefix(server.URL, "http")+"/stream", target)
	require.NoError(t, loop.Execute(context.Background()))
}

func TestWebSocketLoop_TooFewReplies(t *testing.T) {
	server, _ := echoServer(t, 1)
	b, loop := newWebSocketLoop(t, Env{}, map[string]any{
		"url":          server.URL,
		"message":      "ping",
		"messages":     2,
		"read_timeout": "100ms",
	})

	start := time.Now()
	err := loop.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "received 1 of 2 messages")
	assert.Less(t, time.Since(start), 5*time.Second)

	spans := b.Dump().Timings
	assert.True(t, spans[len(spans)-1].Failed)
}

func TestWebSocketLoop_StopDuringReceive(t *testing.T) {
	server, _ := echoServer(t, 0)
	b, _ := newWebSocketLoop(t, Env{}, map[string]any{
		"url":          server.URL,
		"message":      "ping",
		"read_timeout": "1h",
		"idle_time":    0,
	})

	done := runAsync(b)
	require.Eventually(t, func() bool {
		for _, span := range b.Dump().Timings {
			if span.Event == "receive" {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	b.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, int64(0), b.Base().FailureCount())
}

func TestWebSocketLoop_DialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	_, loop := newWebSocketLoop(t, Env{}, map[string]any{"url": server.URL})
	err := loop.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 403")
}

func TestWebSocketLoop_RelativeURLWithoutEnvironment(t *testing.T) {
	_, loop := newWebSocketLoop(t, Env{}, map[string]any{"url": "/ws"})
	assert.Error(t, loop.Execute(context.Background()))
}
