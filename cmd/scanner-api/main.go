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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/flipfinder/arbitrage-scanner/internal/amazon"
	"github.com/flipfinder/arbitrage-scanner/internal/arbitrage"
	"github.com/flipfinder/arbitrage-scanner/internal/config"
	"github.com/flipfinder/arbitrage-scanner/internal/database"
	"github.com/flipfinder/arbitrage-scanner/internal/ebay"
	"github.com/flipfinder/arbitrage-scanner/internal/fetch"
	"github.com/flipfinder/arbitrage-scanner/internal/ratelimit"
	"github.com/flipfinder/arbitrage-scanner/internal/scanservice/api"
	"github.com/flipfinder/arbitrage-scanner/internal/scanservice/events"
	"github.com/flipfinder/arbitrage-scanner/internal/scanservice/jobs"
	"github.com/flipfinder/arbitrage-scanner/pkg/logger"
)

// discoveryAdapter lifts the scraper's infallible discovery into the
// error-returning interface the service layer expects.
type discoveryAdapter struct {
	client *amazon.Client
}

func (d discoveryAdapter) DiscoverCategories(ctx context.Context, max int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.client.DiscoverCategories(ctx, max), nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	// Outbox relay moves committed events onto the Redis stream.
	relay := database.NewRelay(db, redisClient, logger, database.RelayConfig{
		PollInterval:  5 * time.Second,
		BatchSize:     100,
		DefaultStream: cfg.Redis.Stream,
	})
	go func() {
		if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("relay stopped with error", "error", err)
		}
	}()

	fetcher := fetch.New(cfg.Scraper, logger)

	var limiter ratelimit.RateLimiter
	if cfg.Scraper.AdaptiveDelay {
		limiter = ratelimit.NewAdaptiveRateLimiter(cfg.Scraper.DelayMin, cfg.Scraper.DelayMax)
	} else {
		limiter = ratelimit.NewSimpleRateLimiter(cfg.Scraper.DelayMin, cfg.Scraper.DelayMax)
	}

	amazonClient := amazon.NewClient(fetcher, limiter, cfg.Amazon, logger)
	resolver := ebay.NewResolver(cfg.EBay, fetcher, logger)
	scanner := arbitrage.NewScanner(amazonClient, resolver, logger)

	discoverer := discoveryAdapter{client: amazonClient}
	publisher := events.NewPublisher(db, cfg.Redis.Stream, logger)
	defaults := arbitrage.ParamsFromConfig(cfg.Scan, cfg.Amazon)

	jobManager := jobs.NewManager(db, scanner, discoverer, publisher, defaults, cfg.Amazon.MaxCategories, logger)
	go jobManager.StartWorker(ctx, 10*time.Second)

	handlers := api.NewHandlers(jobManager, discoverer, relay, defaults, cfg.Amazon.MaxCategories, logger)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://localhost:*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	handlers.Routes(r)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("server starting", "port", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
