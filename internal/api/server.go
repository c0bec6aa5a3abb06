// Package api serves mobu's HTTP control surface: flock management, the
// solitary runner, the GitHub refresh webhook and Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/Iron-Ham/mobu/internal/errors"
	"github.com/Iron-Ham/mobu/internal/flock"
	"github.com/Iron-Ham/mobu/internal/logging"
	"github.com/Iron-Ham/mobu/internal/manager"
)

// Manager is the part of the flock manager the API needs.
type Manager interface {
	StartFlock(ctx context.Context, cfg flock.Config) (*flock.Flock, error)
	StopFlock(name string) error
	GetFlock(name string) (*flock.Flock, error)
	ListFlocks() []string
	ListFlocksForRepo(url, ref string) []string
	RefreshFlock(name string) error
	Summaries() []flock.Summary
	RunSolitary(ctx context.Context, cfg manager.SolitaryConfig) (manager.SolitaryResult, error)
}

// WebhookConfig controls the GitHub refresh webhook.
type WebhookConfig struct {
	// Secret verifies X-Hub-Signature-256. Empty disables the webhook.
	Secret       string
	AcceptedOrgs []string
	// Delay lets GitHub reach internal consistency before flocks re-clone.
	Delay time.Duration
}

// Config holds the server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Version is reported by GET /.
	Version string
	Webhook WebhookConfig
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *logging.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg     Config
	manager Manager
	logger  *logging.Logger
	server  *http.Server
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(cfg Config, mgr Manager) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	s := &Server{
		cfg:     cfg,
		manager: mgr,
		logger:  cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /flocks", s.handleListFlocks)
	mux.HandleFunc("PUT /flocks", s.handleCreateFlock)
	mux.HandleFunc("GET /flocks/{flock}", s.handleGetFlock)
	mux.HandleFunc("PUT /flocks/{flock}", s.handleRefreshFlock)
	mux.HandleFunc("DELETE /flocks/{flock}", s.handleDeleteFlock)
	mux.HandleFunc("GET /flocks/{flock}/monkeys", s.handleListMonkeys)
	mux.HandleFunc("GET /flocks/{flock}/monkeys/{monkey}", s.handleGetMonkey)
	mux.HandleFunc("GET /flocks/{flock}/monkeys/{monkey}/log", s.handleMonkeyLog)
	mux.HandleFunc("GET /flocks/{flock}/summary", s.handleFlockSummary)
	mux.HandleFunc("GET /summary", s.handleSummary)
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("POST /github/webhook", s.handleGitHubWebhook)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.withRequestID(s.withLogging(s.withRecovery(mux))),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "addr", s.cfg.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
