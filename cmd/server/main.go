/*
main.go - Application entry point

PURPOSE:
  Starts the reward ledger HTTP server: loads configuration, opens the
  SQLite store, applies the optional seed file and serves the API until
  SIGINT/SIGTERM.

STARTUP SEQUENCE:
  1. Load config (defaults, -config file, .env, environment), then flags
  2. Initialize zap
  3. Open the SQLite store and the gorm query layer on the same pool
  4. Apply the seed file, if any
  5. Build issuer, service, handler and router
  6. Serve with graceful shutdown

COMMAND-LINE FLAGS (override configuration when set):
  -config  YAML config file
  -port    HTTP server port
  -db      SQLite database path (":memory:" for in-memory)
  -seed    YAML seed file

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (SHUTDOWN_TIMEOUT)
  3. Close database connection

SEE ALSO:
  - config/config.go: Settings and environment variables
  - api/server.go: Router configuration
  - factory/seed.go: Seed file format
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/reward-ledger/api"
	"github.com/warp/reward-ledger/config"
	"github.com/warp/reward-ledger/factory"
	"github.com/warp/reward-ledger/generic"
	"github.com/warp/reward-ledger/rewards"
	"github.com/warp/reward-ledger/store/query"
	"github.com/warp/reward-ledger/store/sqlite"
)

func main() {
	configFile := flag.String("config", os.Getenv("CONFIG_FILE"), "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DATABASE_PATH)")
	seedFile := flag.String("seed", "", "YAML seed file (overrides SEED_FILE)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *seedFile != "" {
		cfg.Seed.File = *seedFile
	}

	_, cleanup, err := config.InitializeLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer cleanup()

	if err := run(cfg); err != nil {
		zap.L().Error("server exited", zap.Error(err))
		cleanup()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	store, err := sqlite.NewWithOptions(cfg.Database.Path, sqlite.Options{
		BusyTimeout:  cfg.Database.BusyTimeout,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	reader, err := query.New(store.ReadDB())
	if err != nil {
		return err
	}

	if cfg.Seed.File != "" {
		seed, err := factory.LoadSeed(cfg.Seed.File)
		if err != nil {
			return err
		}
		if _, err := factory.Apply(context.Background(), store, seed, cfg.Seed.ReplaceRules); err != nil {
			return fmt.Errorf("failed to apply seed: %w", err)
		}
	}

	issuer := generic.NewIssuer(store, store)
	issuer.MaxRetries = cfg.Issuer.MaxRetries
	issuer.Backoff = cfg.Issuer.RetryBackoff
	issuer.Timeout = cfg.Issuer.Timeout

	service := rewards.NewService(store, issuer)
	service.SuppressNoop = cfg.Issuer.SuppressNoop
	service.GrantConcurrency = cfg.Issuer.GrantConcurrency

	handler := api.NewHandler(store, reader, service)
	router := api.NewRouter(handler, cfg.Server.CORSOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		zap.L().Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("database", cfg.Database.Path),
			zap.Int("max_retries", cfg.Issuer.MaxRetries))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-quit:
		zap.L().Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	zap.L().Info("server stopped")
	return nil
}
