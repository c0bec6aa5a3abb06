package business

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/Iron-Ham/mobu/internal/errors"
)

// WebSocketLoopName is the registry name of WebSocketLoop.
const WebSocketLoopName = "WebSocketLoop"

// WebSocketOptions configures WebSocketLoop.
type WebSocketOptions struct {
	// URL to dial. A path is resolved against the environment URL.
	URL string `mapstructure:"url"`
	// Message is sent once the connection is open
	Message string `mapstructure:"message"`
	// Messages is how many replies make an iteration successful
	Messages int `mapstructure:"messages"`
	// ReadTimeout bounds the time spent waiting for all replies
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// HandshakeTimeout bounds the opening handshake
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// WebSocketLoop opens a WebSocket as the monkey's user, sends a message and
// waits for a number of replies. Replies are consumed through
// IterateWithTimeout so a stop request ends the wait immediately.
type WebSocketLoop struct {
	*Base
	opts   WebSocketOptions
	dialer *websocket.Dialer
}

// NewWebSocketLoop creates a WebSocketLoop.
func NewWebSocketLoop(base *Base, raw map[string]any) (Behavior, error) {
	opts := WebSocketOptions{
		Messages:         1,
		ReadTimeout:      time.Minute,
		HandshakeTimeout: 30 * time.Second,
	}
	if err := DecodeOptions(raw, &opts); err != nil {
		return nil, err
	}
	if opts.URL == "" {
		return nil, errors.NewValidationError("url is required").WithField("options.url")
	}
	if opts.Messages < 0 {
		return nil, errors.NewValidationError("messages must be non-negative").
			WithField("options.messages").WithValue(opts.Messages)
	}
	if opts.ReadTimeout <= 0 {
		return nil, errors.NewValidationError("read_timeout must be positive").
			WithField("options.read_timeout").WithValue(opts.ReadTimeout)
	}

	return &WebSocketLoop{
		Base: base,
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
	}, nil
}

// Execute runs one exchange.
func (w *WebSocketLoop) Execute(ctx context.Context) error {
	target, err := w.target()
	if err != nil {
		return err
	}
	annotations := map[string]string{"url": target}

	sw := w.Timings.Start("connect", annotations)
	conn, resp, err := w.dialer.DialContext(ctx, target, w.headers())
	if err != nil && resp != nil {
		err = fmt.Errorf("HTTP %d: %w", resp.StatusCode, err)
	}
	if err := sw.Stop(err); err != nil {
		return err
	}
	defer conn.Close()

	if w.opts.Message != "" {
		sw = w.Timings.Start("send", annotations)
		if err := sw.Stop(conn.WriteMessage(websocket.TextMessage, []byte(w.opts.Message))); err != nil {
			return err
		}
	}

	sw = w.Timings.Start("receive", annotations)
	received := 0
	done := make(chan struct{})
	defer close(done)
	for msg := range IterateWithTimeout(w.Base, readMessages(conn, done), w.opts.ReadTimeout) {
		received++
		w.Logger.Debug("received message", "bytes", len(msg))
		if received >= w.opts.Messages {
			break
		}
	}

	if received < w.opts.Messages && !w.Stopping() {
		return sw.Stop(fmt.Errorf("received %d of %d messages within %s", received, w.opts.Messages, w.opts.ReadTimeout))
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return sw.Stop(nil)
}

// target resolves the configured URL, converting http(s) to ws(s).
func (w *WebSocketLoop) target() (string, error) {
	raw := w.opts.URL
	if !strings.Contains(raw, "://") {
		if w.Env.EnvironmentURL == "" {
			return "", errors.NewBusinessError("relative url needs an environment URL", nil).WithBusiness(w.Name)
		}
		raw = strings.TrimRight(w.Env.EnvironmentURL, "/") + "/" + strings.TrimLeft(raw, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// headers carries the monkey's bearer token.
func (w *WebSocketLoop) headers() http.Header {
	req := &http.Request{Header: http.Header{}}
	if w.User.Token != "" {
		(&oauth2.Token{AccessToken: w.User.Token, TokenType: "Bearer"}).SetAuthHeader(req)
	}
	return req.Header
}

// readMessages delivers messages from conn until it fails or done is closed.
// The returned channel is closed when reading stops.
func readMessages(conn *websocket.Conn, done <-chan struct{}) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case out <- msg:
			case <-done:
				return
			}
		}
	}()
	return out
}
