// Package main provides the entrypoint for the RouteCast API server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/zsefvlol/timezonemapper"

	"github.com/routecast/routecast/internal/api"
	"github.com/routecast/routecast/internal/api/handler"
	"github.com/routecast/routecast/internal/api/middleware"
	"github.com/routecast/routecast/internal/coalesce"
	"github.com/routecast/routecast/internal/database"
	"github.com/routecast/routecast/internal/engine"
	"github.com/routecast/routecast/internal/featureflags"
	"github.com/routecast/routecast/internal/geonodes"
	"github.com/routecast/routecast/internal/invalidation"
	"github.com/routecast/routecast/internal/kvcache"
	"github.com/routecast/routecast/internal/overlay"
	"github.com/routecast/routecast/internal/places"
	"github.com/routecast/routecast/internal/places/overpass"
	"github.com/routecast/routecast/internal/provider/resilience"
	"github.com/routecast/routecast/internal/routeplaces"
	"github.com/routecast/routecast/internal/routing"
	"github.com/routecast/routecast/internal/routing/osrm"
	"github.com/routecast/routecast/internal/store"
	"github.com/routecast/routecast/internal/telemetry"
	"github.com/routecast/routecast/internal/weather"
	"github.com/routecast/routecast/internal/weather/openmeteo"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "routecast-api"

	// Setup structured logging
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting RouteCast API")

	// Get configuration from environment
	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "8080"
	}

	otlpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}

	// Initialize OpenTelemetry
	ctx := context.Background()
	telemetryEnabled := os.Getenv("OTEL_ENABLED") == "true"

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    env,
		OTLPEndpoint:   otlpEndpoint,
		Enabled:        telemetryEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	if telemetryEnabled {
		log.Info().
			Str("otlp_endpoint", otlpEndpoint).
			Msg("OpenTelemetry initialized")
	}

	// Initialize metrics
	metrics, err := middleware.NewMetrics()
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize metrics")
		os.Exit(1) //nolint:gocritic // intentional exit, telemetry cleanup is best-effort
	}
	planMetrics, err := middleware.NewPlanMetrics()
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize plan metrics")
		os.Exit(1)
	}

	// Connect to the relational store
	dbConfig := database.ConfigFromEnv()
	pool, err := database.Connect(ctx, dbConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	log.Info().
		Str("host", dbConfig.Host).
		Int("port", dbConfig.Port).
		Str("database", dbConfig.Database).
		Msg("database connected")

	st := store.New(pool)

	// Connect to the key-value store
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	kv, err := kvcache.New(ctx, redisAddr,
		kvcache.WithPoolSize(envInt("REDIS_POOL_SIZE", 50)))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to key-value store")
	}
	defer kv.Close()
	log.Info().Str("addr", redisAddr).Msg("key-value store connected")

	// Initialize feature flags repository and service
	ffRepo := featureflags.NewPostgresRepository(pool)
	ffService := featureflags.NewService(featureflags.ServiceConfig{
		Repository:   ffRepo,
		Logger:       log,
		CacheTTL:     1 * time.Minute,
		DefaultFlags: featureflags.DefaultFlags(),
	})
	log.Info().Msg("feature flags service initialized")

	// Provider health registry, shared by every upstream client
	registry := resilience.NewRegistry()

	// Model-refresh events over Kafka. Empty broker list disables both
	// sides; the weather cache then relies on TTLs alone.
	invCfg := invalidation.Config{
		Brokers: splitBrokers(os.Getenv("KAFKA_BROKERS")),
		Topic:   os.Getenv("KAFKA_INVALIDATION_TOPIC"),
		GroupID: os.Getenv("KAFKA_GROUP_ID"),
	}
	publisher, err := invalidation.NewPublisher(invCfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create refresh publisher")
	}
	if publisher != nil {
		defer func() {
			if closeErr := publisher.Close(); closeErr != nil {
				log.Error().Err(closeErr).Msg("failed to close refresh publisher")
			}
		}()
	}

	// Two-tier weather cache
	weatherCfg := weather.Config{
		KV:         kv,
		DB:         st,
		Group:      coalesce.New(kv, log),
		TZOf:       timezonemapper.LatLngToTimezoneString,
		StaleCheck: ffService.IsStaleWeatherEnabled,
		Logger:     log,
	}
	if publisher != nil {
		weatherCfg.Publisher = publisher
	}
	weatherCache := weather.New(weatherCfg)

	consumer, err := invalidation.NewConsumer(invCfg, weatherCache, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create refresh consumer")
	}
	if consumer != nil {
		if err := consumer.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start refresh consumer")
		}
		defer consumer.Stop()
	}

	// Geospatial node index, rebuilt from the relational store. Lookups
	// fall back to the store, so a failed load degrades rather than
	// blocks startup.
	geoIndex := geonodes.New(kv, st, log)
	if nodes, loadErr := geoIndex.Load(ctx); loadErr != nil {
		log.Warn().Err(loadErr).Msg("geospatial index load failed, using relational fallback")
	} else {
		log.Info().Int("nodes", nodes).Msg("geospatial index loaded")
	}

	// Routing: persisted-graph router plus on-miss builder over OSRM
	graphRouter := routing.NewRouter(st, log)
	osrmClient := osrm.NewClient(osrm.ClientConfig{
		BaseURL:     os.Getenv("OSRM_BASE_URL"),
		FallbackURL: os.Getenv("OSRM_FALLBACK_URL"),
		Registry:    registry,
		Logger:      log,
	})
	builder := routing.NewBuilder(st, graphRouter, osrmClient, geoIndex, routing.BuilderConfig{
		SplitTolerance:     envFloat("SPLIT_POINT_TOLERANCE", 0),
		SampleIntervalKm:   envFloat("ROUTE_SAMPLE_INTERVAL_KM", 0),
		MapMatchThresholdM: envFloat("MAP_MATCH_THRESHOLD_M", 0),
		SplitCheck:         ffService.IsSplitPointEnabled,
	}, log)

	// Place resolution with OSM-backed seeding
	overpassClient := overpass.NewClient(overpass.ClientConfig{
		BaseURL:  os.Getenv("OVERPASS_BASE_URL"),
		Registry: registry,
		Logger:   log,
	})
	seeder := places.NewSeeder(st, overpassClient, log)
	resolver := places.NewResolver(st, seeder, log,
		places.WithSeedCheck(ffService.IsSeederEnabled))

	// Weather overlay and place alerts
	meteoTransport := resilience.DefaultClientConfig(openmeteo.ProviderName)
	meteoTransport.Registry = registry
	meteoClient := openmeteo.NewClient(openmeteo.ClientConfig{
		BaseURL:    os.Getenv("OPENMETEO_BASE_URL"),
		HTTPClient: resilience.NewClient(meteoTransport),
		Logger:     log,
	})
	overlayService := overlay.New(weatherCache, meteoClient, overlay.Config{
		H3Resolution:            envInt("H3_RESOLUTION", 0),
		ParallelWeatherRequests: envInt("PARALLEL_WEATHER_REQUESTS", 0),
	}, log)
	alerter := overlay.NewAlerter(st, weatherCache, log)

	routePlaces := routeplaces.New(kv, st, log)

	// Route planning engine over the assembled services
	planner := engine.New(engine.CoreServices{
		Resolver:    resolver,
		Places:      st,
		Router:      graphRouter,
		Builder:     builder,
		Overlay:     overlayService,
		Alerter:     alerter,
		RoutePlaces: routePlaces,
		Logger:      log,
	})
	log.Info().Msg("route planning engine initialized")

	// Create router with configuration
	router := api.NewRouter(api.RouterConfig{
		Version:     Version,
		BuildTime:   BuildTime,
		Logger:      log,
		ServiceName: serviceName,
		Metrics:     metrics,
		PlanMetrics: planMetrics,
		Planner:     planner,
		Ops: handler.OpsConfig{
			Version:     Version,
			BuildTime:   BuildTime,
			DB:          pool,
			KV:          kv,
			Providers:   registry,
			RoutePlaces: routePlaces,
		},
		Weather:     weatherCache,
		RoutePlaces: routePlaces,
		Flags:       ffService,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}

	log.Info().Msg("server stopped")
}

// envInt reads an integer environment variable, falling back on empty
// or malformed values.
func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envFloat reads a float environment variable, falling back on empty
// or malformed values.
func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// splitBrokers parses a comma-separated broker list; empty input means
// no brokers.
func splitBrokers(list string) []string {
	var brokers []string
	for _, b := range strings.Split(list, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
