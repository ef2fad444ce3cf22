package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"libdiscovery/internal/authdoc"
	"libdiscovery/internal/events"
	placehandler "libdiscovery/internal/place/handler"
	"libdiscovery/internal/place/loader"
	"libdiscovery/internal/place/resolver"
	placestore "libdiscovery/internal/place/store"
	"libdiscovery/internal/platform/config"
	"libdiscovery/internal/platform/httpserver"
	"libdiscovery/internal/platform/logger"
	"libdiscovery/internal/platform/postgres"
	"libdiscovery/internal/platform/redis"
	registryhandler "libdiscovery/internal/registry/handler"
	registrymetrics "libdiscovery/internal/registry/metrics"
	"libdiscovery/internal/registry/service"
	registrystore "libdiscovery/internal/registry/store"
	"libdiscovery/internal/search"
	searchhandler "libdiscovery/internal/search/handler"
	httptransport "libdiscovery/internal/transport/http"
)

// main wires dependencies and owns the server lifecycle. Business logic
// lives in the internal service packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()
	ctx := context.Background()

	var places placestore.Store
	var registry registrystore.Store
	if cfg.PostgresURL != "" {
		db, err := postgres.Open(cfg.PostgresURL)
		if err != nil {
			log.Error("postgres connection failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		placesPG := placestore.NewPostgres(db)
		if err := placesPG.EnsureSchema(ctx); err != nil {
			log.Error("place schema bootstrap failed", "error", err)
			os.Exit(1)
		}
		registryPG := registrystore.NewPostgres(db)
		if err := registryPG.EnsureSchema(ctx); err != nil {
			log.Error("registry schema bootstrap failed", "error", err)
			os.Exit(1)
		}
		places, registry = placesPG, registryPG
	} else {
		log.Warn("no postgres URL configured, using in-memory stores")
		places, registry = placestore.NewInMemory(), registrystore.NewInMemory()
	}

	var cache resolver.Cache = resolver.NewMemoryCache(cfg.PlaceCacheTTL)
	redisClient, err := redis.New(cfg.RedisURL)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		cache = resolver.NewRedisCache(redisClient.Client, cfg.PlaceCacheTTL)
	}

	res := resolver.New(places, cache, resolver.Config{
		MaxDistance:   cfg.FuzzyMaxDistance,
		MinSimilarity: cfg.FuzzyMinSimilarity,
		MinMargin:     cfg.FuzzyMinMargin,
	})
	fetcher := authdoc.NewFetcher(nil, authdoc.FetcherConfig{
		Timeout: cfg.FetchTimeout,
		Retries: cfg.FetchRetries,
		Backoff: cfg.FetchBackoff,
	})

	var publisher events.Publisher = events.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			log.Error("kafka connection failed", "error", err)
			os.Exit(1)
		}
		defer kafka.Close()
		publisher = kafka
	}

	registrySvc := service.New(registry, places, res, fetcher, service.Config{
		ValidationTTL:           cfg.ValidationTTL,
		RefreshWorkers:          cfg.RefreshWorkers,
		RefreshFailureThreshold: cfg.RefreshFailureThreshold,
	},
		service.WithLogger(log),
		service.WithPublisher(publisher),
		service.WithMetrics(registrymetrics.New()),
	)
	searchSvc := search.New(registry, places, res, search.Config{MinSimilarity: cfg.SearchMinSimilarity})

	router := httptransport.NewRouter(
		registryhandler.New(registrySvc, log),
		searchhandler.New(searchSvc, log),
		placehandler.New(loader.New(places, log), places, log),
		log,
		httptransport.Config{AdminToken: cfg.AdminToken},
	)
	srv := httpserver.New(cfg.Addr, router)

	log.Info("starting libdiscovery", "addr", cfg.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
