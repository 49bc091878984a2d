/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML, .env, LOYALTY_* env, flags)
  2. Initialize logger and metrics
  3. Initialize SQLite store
  4. Create ledger and seed programs from the seed file (if any)
  5. Configure HTTP router, rate limiter and audit scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config      YAML config file
  -env-file    dotenv file (default: .env, ignored if missing)
  -port        HTTP server port (default: 8080)
  -db          SQLite database path (default: loyalty.db)
               Use ":memory:" for in-memory database
  -log-level   debug, info, warn, error
  -log-format  text, json
  -seed        YAML file of programs to create at startup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the audit scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server -db="./data/loyalty.db" -seed=programs.yaml
  ./server -db=":memory:" -log-level=debug
  LOYALTY_PORT=3000 ./server

SEE ALSO:
  - internal/config/config.go: Configuration layers
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/internal/config"
	"github.com/warp/loyalty-engine/internal/logging"
	"github.com/warp/loyalty-engine/internal/metrics"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer store.Close()

	m := metrics.New()
	ledger := loyalty.NewLedger(store, loyalty.Options{
		Logger:   log,
		Recorder: m,
		Retry:    loyalty.RetryPolicy{MaxAttempts: cfg.MaxRetries, Backoff: 5 * time.Millisecond},
	})

	handler := api.NewHandler(ledger, store, log)

	if cfg.SeedFile != "" {
		n, err := handler.Factory.Seed(context.Background(), ledger, cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("seeding programs from %s: %w", cfg.SeedFile, err)
		}
		log.WithFields(logrus.Fields{"file": cfg.SeedFile, "created": n}).Info("programs seeded")
	}

	var limiter *api.RateLimiter
	if cfg.RateLimited() {
		limiter = api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log)
	}

	scheduler := api.NewAuditScheduler(ledger, limiter, log)
	scheduler.CheckInterval = cfg.AuditInterval
	scheduler.Enabled = cfg.AuditInterval > 0
	scheduler.Start()
	defer scheduler.Stop()

	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.CORSOrigins,
		Metrics:     m,
		Limiter:     limiter,
		Scheduler:   scheduler,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"port": cfg.Port,
			"db":   cfg.DBPath,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down server")
	}

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
