package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/Iron-Ham/mobu/internal/errors"
	"github.com/Iron-Ham/mobu/internal/logging"
)

// tokensPath is the token administration endpoint relative to the
// environment URL.
const tokensPath = "/auth/api/v1/tokens"

// tokenRequest is the admin request to create a service token.
type tokenRequest struct {
	Username  string    `json:"username"`
	TokenType string    `json:"token_type"`
	Scopes    []string  `json:"scopes"`
	Expires   time.Time `json:"expires"`
	Name      string    `json:"name"`
	UID       *int      `json:"uid,omitempty"`
	GID       *int      `json:"gid,omitempty"`
	Groups    []Group   `json:"groups,omitempty"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// ClientConfig configures a Client.
type ClientConfig struct {
	EnvironmentURL string
	AdminToken     string
	Timeout        time.Duration
	TokenLifetime  time.Duration
}

// Client issues service tokens through the environment's token API.
// It is shared by every flock and safe for concurrent use.
type Client struct {
	http     *http.Client
	tokenURL string
	lifetime time.Duration
	logger   *logging.Logger
	now      func() time.Time
}

// NewClient creates a Client that authenticates with the admin token.
func NewClient(cfg ClientConfig, logger *logging.Logger) (*Client, error) {
	if cfg.EnvironmentURL == "" {
		return nil, errors.NewValidationError("environment URL not set").WithField("environment_url")
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AdminToken, TokenType: "Bearer"})
	httpClient := oauth2.NewClient(context.Background(), src)
	httpClient.Timeout = cfg.Timeout

	return &Client{
		http:     httpClient,
		tokenURL: strings.TrimRight(cfg.EnvironmentURL, "/") + tokensPath,
		lifetime: cfg.TokenLifetime,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// CreateServiceToken creates a long-lived service token for user.
func (c *Client) CreateServiceToken(ctx context.Context, user User, scopes []string) (AuthenticatedUser, error) {
	if err := user.Validate(); err != nil {
		return AuthenticatedUser{}, errors.NewIdentityError("invalid user", err).WithUser(user.Username)
	}
	user = withDefaultGID(user)

	body, err := json.Marshal(tokenRequest{
		Username:  user.Username,
		TokenType: "service",
		Scopes:    scopes,
		Expires:   c.now().Add(c.lifetime).UTC(),
		Name:      "Mobu Test User",
		UID:       user.UID,
		GID:       user.GID,
		Groups:    user.Groups,
	})
	if err != nil {
		return AuthenticatedUser{}, errors.NewIdentityError("encode token request", err).WithUser(user.Username)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(body))
	if err != nil {
		return AuthenticatedUser{}, errors.NewIdentityError("build token request", err).WithUser(user.Username)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return AuthenticatedUser{}, errors.NewIdentityError("token request failed", err).WithUser(user.Username)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
		return AuthenticatedUser{}, errors.NewIdentityError("token request rejected", cause).
			WithUser(user.Username).
			WithStatusCode(resp.StatusCode)
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return AuthenticatedUser{}, errors.NewIdentityError("decode token response", err).WithUser(user.Username)
	}
	if token.Token == "" {
		return AuthenticatedUser{}, errors.NewIdentityError("token response missing token", nil).WithUser(user.Username)
	}

	c.logger.Debug("issued service token", "user", user.Username, "scopes", scopes)
	return AuthenticatedUser{
		User:   user,
		Scopes: append([]string(nil), scopes...),
		Token:  token.Token,
	}, nil
}
