// Package main is the entry point for the rollout orchestrator. It wires
// the Store, CI client, event publisher, state machine, processor, and
// dispatcher, then starts the inbound HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/northstack/rollout/internal/api"
	"github.com/northstack/rollout/internal/ciclient"
	"github.com/northstack/rollout/internal/config"
	"github.com/northstack/rollout/internal/dispatcher"
	"github.com/northstack/rollout/internal/events"
	"github.com/northstack/rollout/internal/metrics"
	"github.com/northstack/rollout/internal/processor"
	"github.com/northstack/rollout/internal/store"
	"github.com/northstack/rollout/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	migrate := flag.Bool("migrate", false, "Run database migrations")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rollout-orchestrator\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Build Date: %s\n", buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	log.Info().Str("version", version).Msg("starting rollout orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.NewDB(ctx, &cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if *migrate {
		log.Info().Msg("running database migrations")
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Msg("migrations completed successfully")
		if flag.NArg() == 0 {
			os.Exit(0)
		}
	}

	workflowStore := store.NewWorkflowStore(db)

	ciClient, err := ciclient.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize CI client")
	}

	publisher, err := newEventPublisher(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize event publisher")
	}
	defer publisher.Close()

	metrics.Register(prometheus.DefaultRegisterer)

	proc := processor.New(workflowStore, ciClient, publisher, log, cfg.Dispatcher.EmptyRunTimeout)
	disp := dispatcher.New(workflowStore, proc, log, cfg.Dispatcher.TickInterval, cfg.Dispatcher.MaxConcurrentProcessors)

	dispDone := make(chan struct{})
	go func() {
		disp.Run(ctx)
		close(dispDone)
	}()

	router := api.NewRouter(cfg, log, workflowStore)
	engine := router.Setup()

	srv := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("address", srv.Addr).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	cancel()
	<-dispDone

	log.Info().Msg("stopped")
}

// eventPublisher is the subset of events.Publisher the dispatcher/processor
// depend on, satisfied by both the JetStream-backed Publisher and its
// no-op stand-in.
type eventPublisher interface {
	Publish(ctx context.Context, subject string, payload map[string]interface{}) error
	Close()
}

type noopEventPublisher struct{ events.NoopPublisher }

func (noopEventPublisher) Close() {}

func newEventPublisher(cfg *config.Config, log *logger.Logger) (eventPublisher, error) {
	if !cfg.NATS.Enabled {
		log.Info().Msg("NATS disabled, lifecycle events will not be published")
		return noopEventPublisher{}, nil
	}
	return events.NewPublisher(cfg.NATS)
}
