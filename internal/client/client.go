// Package client talks to a running mobu server. The CLI uses it for every
// command except serve.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/Iron-Ham/mobu/internal/errors"
	"github.com/Iron-Ham/mobu/internal/flock"
	"github.com/Iron-Ham/mobu/internal/manager"
)

// APIError is a non-2xx reply from the server.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("mobu returned %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("mobu returned %d", e.StatusCode)
}

// Is lets callers match the not-found and validation sentinels.
func (e *APIError) Is(target error) bool {
	switch e.Code {
	case "flock_not_found":
		return target == errors.ErrFlockNotFound
	case "monkey_not_found":
		return target == errors.ErrMonkeyNotFound
	case "invalid_config":
		return target == errors.ErrInvalidInput
	}
	return false
}

// Client is a mobu API client.
type Client struct {
	base *url.URL
	http *http.Client
}

// New creates a client for the server at baseURL. A non-empty token is sent
// as a bearer token on every request.
func New(baseURL, token string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", baseURL)
	}

	httpClient := &http.Client{}
	if token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
		httpClient = oauth2.NewClient(context.Background(), src)
	}
	httpClient.Timeout = timeout
	return &Client{base: u, http: httpClient}, nil
}

func (c *Client) url(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base.String() + "/" + strings.Join(escaped, "/")
}

// do sends a request and decodes a JSON reply into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, apiErr) != nil {
			apiErr.Detail = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// StartFlock creates a flock, replacing any flock with the same name.
func (c *Client) StartFlock(ctx context.Context, cfg flock.Config) (flock.Data, error) {
	var data flock.Data
	err := c.do(ctx, http.MethodPut, c.url("flocks"), cfg, &data)
	return data, err
}

// ListFlocks returns the names of the running flocks.
func (c *Client) ListFlocks(ctx context.Context) ([]string, error) {
	var names []string
	err := c.do(ctx, http.MethodGet, c.url("flocks"), nil, &names)
	return names, err
}

// GetFlock returns a flock and all its monkeys.
func (c *Client) GetFlock(ctx context.Context, name string) (flock.Data, error) {
	var data flock.Data
	err := c.do(ctx, http.MethodGet, c.url("flocks", name), nil, &data)
	return data, err
}

// StopFlock stops and removes a flock.
func (c *Client) StopFlock(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, c.url("flocks", name), nil, nil)
}

// RefreshFlock signals a flock to refresh.
func (c *Client) RefreshFlock(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPut, c.url("flocks", name), nil, nil)
}

// MonkeyLog returns the log of one monkey.
func (c *Client) MonkeyLog(ctx context.Context, flockName, monkeyName string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("flocks", flockName, "monkeys", monkeyName, "log"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return nil, apiErr
	}
	return data, nil
}

// Summary returns the summary of every flock.
func (c *Client) Summary(ctx context.Context) ([]flock.Summary, error) {
	var summaries []flock.Summary
	err := c.do(ctx, http.MethodGet, c.url("summary"), nil, &summaries)
	return summaries, err
}

// Run runs a business once on the server and returns its outcome.
func (c *Client) Run(ctx context.Context, cfg manager.SolitaryConfig) (manager.SolitaryResult, error) {
	var result manager.SolitaryResult
	err := c.do(ctx, http.MethodPost, c.url("run"), cfg, &result)
	return result, err
}
