package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Iron-Ham/mobu/internal/alert"
	"github.com/Iron-Ham/mobu/internal/api"
	"github.com/Iron-Ham/mobu/internal/autostart"
	"github.com/Iron-Ham/mobu/internal/business"
	"github.com/Iron-Ham/mobu/internal/config"
	"github.com/Iron-Ham/mobu/internal/identity"
	"github.com/Iron-Ham/mobu/internal/logging"
	"github.com/Iron-Ham/mobu/internal/manager"
	"github.com/Iron-Ham/mobu/internal/metrics"
	"github.com/Iron-Ham/mobu/internal/repo"
	"github.com/spf13/cobra"
)

// shutdownTimeout bounds how long serve waits for flocks to stop.
const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mobu server",
	Long: `Start the HTTP API, launch the flocks listed in the autostart file and keep
them running until interrupted.

On SIGINT or SIGTERM every flock is stopped cooperatively before exit.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// serve runs until ctx is cancelled or the HTTP server fails.
func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	issuer, err := newIssuer(cfg, logger)
	if err != nil {
		return err
	}

	logDir, err := cfg.Paths.ResolveLogDir()
	if err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	repoDir, err := cfg.Paths.ResolveRepoDir()
	if err != nil {
		return fmt.Errorf("failed to create repo directory: %w", err)
	}
	repos, err := repo.NewManager(repoDir, logger)
	if err != nil {
		return err
	}
	defer func() { _ = repos.Close() }()

	m := metrics.New()
	mgr := manager.New(manager.Config{
		Issuer:   issuer,
		Registry: business.DefaultRegistry(),
		Env: business.Env{
			EnvironmentURL: cfg.EnvironmentURL,
			Repos:          repos,
		},
		Alerts:            newAlerts(cfg, logger),
		Metrics:           m,
		Logger:            logger,
		SchedulerLimit:    cfg.Scheduler.Limit,
		ReplicaCount:      cfg.Replica.Count,
		ReplicaIndex:      cfg.Replica.Index,
		IdentityBatchSize: cfg.Identity.BatchSize,
		LogDir:            logDir,
		HealthInterval:    cfg.Health.Interval,
		StatusInterval:    cfg.Status.Interval,
	})
	mgr.Initialize()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down cleanly", "error", err)
		}
	}()

	configs, err := autostart.Load(cfg.Autostart.Path)
	if err != nil {
		return err
	}
	if err := mgr.Autostart(ctx, configs); err != nil {
		// Flocks that did start keep running.
		logger.Error("some autostart flocks failed to start", "error", err)
	}

	if cfg.Autostart.Watch && cfg.Autostart.Path != "" {
		w, err := autostart.NewWatcher(cfg.Autostart.Path, autostart.NewApplier(mgr, configs, logger), logger)
		if err != nil {
			return err
		}
		w.Start(ctx)
		defer w.Stop()
	}

	server := api.NewServer(api.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Version:      Version,
		Webhook: api.WebhookConfig{
			Secret:       cfg.GitHub.Refresh.WebhookSecret,
			AcceptedOrgs: cfg.GitHub.Refresh.AcceptedOrgs,
			Delay:        cfg.GitHub.Refresh.Delay,
		},
		Metrics: m.Handler(),
		Logger:  logger,
	}, mgr)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server did not shut down cleanly", "error", err)
	}
	return nil
}

// newIssuer returns the token API client, or a Static issuer when no admin
// token is configured.
func newIssuer(cfg *config.Config, logger *logging.Logger) (identity.Issuer, error) {
	if cfg.Identity.Token == "" {
		logger.Warn("No identity token configured, monkeys will run without credentials")
		return identity.Static{}, nil
	}
	return identity.NewClient(identity.ClientConfig{
		EnvironmentURL: cfg.EnvironmentURL,
		AdminToken:     cfg.Identity.Token,
		Timeout:        cfg.Identity.Timeout,
		TokenLifetime:  cfg.Identity.TokenLifetime,
	}, logger)
}

// newAlerts returns a throttled Slack sink, or nil when no hook is set.
func newAlerts(cfg *config.Config, logger *logging.Logger) alert.Sink {
	if cfg.Alert.Hook == "" {
		return nil
	}
	slack := alert.NewSlack(cfg.Alert.Hook, &http.Client{Timeout: 10 * time.Second}, logger)
	return alert.NewThrottled(slack, cfg.Alert.RatePerMinute, cfg.Alert.Burst)
}
