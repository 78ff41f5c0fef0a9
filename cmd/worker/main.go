// Package main provides the entrypoint for the RouteCast maintenance
// worker. It runs cache sweeps and index rebuilds on demand, taking
// jobs from a Pub/Sub subscription and sweeping on a timer between
// them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/database"
	"github.com/routecast/routecast/internal/featureflags"
	"github.com/routecast/routecast/internal/geonodes"
	"github.com/routecast/routecast/internal/kvcache"
	"github.com/routecast/routecast/internal/store"
	"github.com/routecast/routecast/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// sweepInterval is how often the worker runs a weather sweep on its own
// when no job message asks for one.
const sweepInterval = 6 * time.Hour

func main() {
	const serviceName = "routecast-worker"

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting RouteCast worker")

	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "8080"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to the relational store
	dbConfig := database.ConfigFromEnv()
	pool, err := database.Connect(ctx, dbConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	log.Info().
		Str("host", dbConfig.Host).
		Str("database", dbConfig.Database).
		Msg("database connected")

	st := store.New(pool)

	// Connect to the key-value store
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	kv, err := kvcache.New(ctx, redisAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to key-value store")
	}
	defer kv.Close()
	log.Info().Str("addr", redisAddr).Msg("key-value store connected")

	ffService := featureflags.NewService(featureflags.ServiceConfig{
		Repository:   featureflags.NewPostgresRepository(pool),
		Logger:       log,
		CacheTTL:     1 * time.Minute,
		DefaultFlags: featureflags.DefaultFlags(),
	})

	jobs := worker.NewMaintenance(worker.MaintenanceDeps{
		Config:  worker.DefaultMaintenanceConfig(),
		Logger:  log,
		Weather: st,
		Scanner: kv,
		Geo:     geonodes.New(kv, st, log),
		Flags:   ffService,
	})

	// Pub/Sub job intake, optional: without a subscription the worker
	// runs on the sweep timer alone.
	projectID := os.Getenv("PUBSUB_PROJECT_ID")
	subscription := os.Getenv("PUBSUB_SUBSCRIPTION")
	if projectID != "" && subscription != "" {
		handler, err := worker.NewPubSubHandler(ctx, worker.PubSubConfig{
			ProjectID:        projectID,
			SubscriptionName: subscription,
			Jobs:             jobs,
			Logger:           log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create pubsub handler")
		}
		defer func() {
			if closeErr := handler.Close(); closeErr != nil {
				log.Error().Err(closeErr).Msg("failed to close pubsub handler")
			}
		}()

		go func() {
			if err := handler.Start(ctx); err != nil {
				log.Error().Err(err).Msg("pubsub handler stopped")
				cancel()
			}
		}()
	} else {
		log.Warn().Msg("pubsub not configured, running on sweep timer only")
	}

	// Periodic weather sweep between job messages
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := jobs.Run(ctx, worker.JobWeatherSweep, false); err != nil {
					log.Error().Err(err).Msg("scheduled weather sweep failed")
				}
			}
		}
	}()

	// Health endpoint for the container platform, with job metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","version":%q}`, Version)
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		snapshot := jobs.MetricsSnapshot()
		fmt.Fprintf(w, `{"sweeps_run":%v,"rows_deleted":%v,"keys_deleted":%v,"geo_rebuilds":%v,"failed_jobs":%v}`,
			snapshot["sweeps_run"], snapshot["rows_deleted"], snapshot["keys_deleted"],
			snapshot["geo_rebuilds"], snapshot["failed_jobs"])
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("health server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("health server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down worker")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server forced to shutdown")
	}

	log.Info().Msg("worker stopped")
}
