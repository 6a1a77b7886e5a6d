/**
 * @description
 * Entry point for the referral service.
 */
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/scoutlink/referral-service/internal/api"
	"github.com/scoutlink/referral-service/internal/app"
	"github.com/scoutlink/referral-service/internal/commission"
	"github.com/scoutlink/referral-service/internal/config"
	"github.com/scoutlink/referral-service/internal/store"
	"github.com/scoutlink/referral-service/pkg/lock"
	referralrabbit "github.com/scoutlink/referral-service/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	pgConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	pgConfig.MaxConns = 20
	pgConfig.MinConns = 2
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.MaxConnIdleTime = 5 * time.Minute
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	var locker app.Locker = lock.NewLocalLocker()
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("redis url missing; conversion locks are process-local", "env", "REDIS_URL")
	} else if redisOptions, parseErr := redis.ParseURL(cfg.RedisURL); parseErr != nil {
		logger.Warn("redis url parse failed; conversion locks are process-local", "error", parseErr)
	} else {
		redisClient := redis.NewClient(redisOptions)
		pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
		pingErr := redisClient.Ping(pingCtx).Err()
		cancelPing()
		if pingErr != nil {
			logger.Warn("redis ping failed; conversion locks are process-local", "error", pingErr)
			redisClient.Close()
		} else {
			defer redisClient.Close()
			locker = lock.NewRedisLocker(redisClient, "scoutlink:lock", 30*time.Second)
			logger.Info("redis connected")
		}
	}

	var publisher referralrabbit.Publisher = &referralrabbit.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL != "" {
		if producer, err := referralrabbit.NewEventProducer(cfg.RabbitMQURL); err == nil {
			publisher = producer
		} else {
			logger.Warn("failed to connect to RabbitMQ, using fallback publisher", "error", err)
		}
	}
	defer publisher.Close()

	calculator, err := commission.NewCalculator().WithSalaryRatio(cfg.SalaryToSalesRatio)
	if err != nil {
		logger.Error("invalid salary ratio", "error", err)
		os.Exit(1)
	}

	businessLocation, err := time.LoadLocation(cfg.BusinessTimezone)
	if err != nil {
		logger.Warn("unknown business timezone, falling back to UTC", "timezone", cfg.BusinessTimezone, "error", err)
		businessLocation = time.UTC
	}

	repository := store.NewRepository(dbpool)
	service := app.NewService(repository, locker, publisher, calculator, app.Options{
		ScoutSharePercent: cfg.DefaultScoutSharePercent,
		Exchange:          cfg.EventsExchange,
		Logger:            logger,
	})

	scheduler := app.NewScheduler(service, logger, cfg.PayoutDigestSchedule, businessLocation)
	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(service, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		Clerk: api.ClerkOptions{
			JWKSURL:  cfg.ClerkJWKSURL,
			Audience: cfg.ClerkAudience,
			Issuer:   cfg.ClerkIssuer,
		},
		InternalAPIKey: cfg.InternalAPIKey,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	<-scheduler.Stop().Done()

	logger.Info("server stopped")
}
