package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quota-api/internal/api"
	"quota-api/internal/api/controllers"
	"quota-api/internal/config"
	"quota-api/internal/database"
	"quota-api/internal/logger"
	"quota-api/internal/repository"
	"quota-api/internal/services"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Rate limit counters idle for this long are pruned from the SQL store.
const rateLimitRetention = 24 * time.Hour

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Logger.Warnf("no .env file loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Logger.WithError(err).Fatal("invalid configuration")
	}
	logger.Configure(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Logger.WithError(err).Fatal("failed to connect to database")
	}

	rules, err := config.LoadRateLimitConfig(cfg.RateLimitRulesFile, cfg.RateLimitFailOpen)
	if err != nil {
		logger.Logger.WithError(err).Fatal("failed to load rate limit rules")
	}

	pingers := map[string]controllers.Pinger{}
	var rateLimitStore repository.RateLimitStore
	switch cfg.RateLimitStore {
	case config.RateLimitStoreRedis:
		client, err := database.NewRedisClient(ctx, cfg.Cache)
		if err != nil {
			logger.Logger.WithError(err).Fatal("failed to connect to rate limit store")
		}
		defer client.Close()
		rateLimitStore = repository.NewRedisRateLimitRepository(client, "quota:ratelimit")
		pingers["redis"] = controllers.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	default:
		rateLimitStore = repository.NewRateLimitRepository(db)
	}

	deps := services.Deps{
		Users:              repository.NewUserRepository(db),
		Balances:           repository.NewBalanceRepository(db),
		Logs:               repository.NewQuotaLogRepository(db),
		RateLimits:         rateLimitStore,
		RateLimitConfig:    rules,
		Metrics:            services.NewMetrics(prometheus.DefaultRegisterer),
		Logger:             logger.Logger,
		Location:           cfg.Location,
		MaxConsumeAttempts: cfg.MaxConsumeAttempts,
		ReaperBatchSize:    cfg.ReaperBatchSize,
		ReaperInterval:     cfg.ReaperInterval,
	}
	quota := services.NewQuotaService(deps)
	reaper := services.NewReaperService(deps)

	// Create server with timeouts
	srv := &http.Server{
		Handler:      api.SetupRoutes(db, pingers, prometheus.DefaultGatherer),
		Addr:         ":" + cfg.Port,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.LogEvent(logrus.InfoLevel, "Server starting", logrus.Fields{
			"port":             cfg.Port,
			"rate_limit_store": cfg.RateLimitStore,
			"reaper_enabled":   cfg.ReaperEnabled,
			"trusted_proxies":  len(cfg.TrustedProxies),
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.ReaperEnabled {
		g.Go(func() error {
			return reaper.Run(gctx)
		})
	}
	g.Go(func() error {
		return pruneRateLimits(gctx, quota, cfg.ReaperInterval)
	})

	if err := g.Wait(); err != nil {
		logger.Logger.WithError(err).Fatal("server stopped")
	}
	logger.Logger.Info("server stopped")
}

func pruneRateLimits(ctx context.Context, quota services.QuotaService, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pruned, err := quota.PruneRateLimits(ctx, rateLimitRetention)
			if err != nil {
				logger.Logger.WithError(err).Warn("failed to prune rate limit counters")
				continue
			}
			if pruned > 0 {
				logger.Logger.WithField("pruned", pruned).Info("pruned stale rate limit counters")
			}
		}
	}
}
