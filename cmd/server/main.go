package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mailmirror/internal/api"
	"mailmirror/internal/approval"
	"mailmirror/internal/broadcast"
	"mailmirror/internal/config"
	"mailmirror/internal/database"
	"mailmirror/internal/gmail"
	"mailmirror/internal/logging"
	"mailmirror/internal/metrics"
	"mailmirror/internal/ratelimit"
	"mailmirror/internal/scheduler"
	"mailmirror/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	redisClient := initRedis(ctx, cfg, &logger)
	limiter := initLimiter(ctx, redisClient, &logger)
	broadcaster := broadcast.New()

	mailClient, executor, err := initMailClient(cfg, &logger)
	if err != nil {
		return err
	}

	sched := scheduler.New(db, cfg.Sync.RecurringInterval, &logger)
	defer sched.Stop()

	syncLimit := ratelimit.Config(cfg.Sync.RateLimit)
	retryPolicy := worker.RetryPolicy{
		MaxRetries:    cfg.Sync.MaxRetries,
		InitialDelay:  2 * time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 2,
	}
	syncWorker := worker.NewSyncWorker(db, mailClient, sched, limiter, syncLimit,
		broadcaster, redisClient, retryPolicy, &logger)
	syncWorker.SetPageSize(cfg.Sync.PageSize)
	sched.SetNotifier(syncWorker)
	go syncWorker.Start(ctx)

	if err := sched.ResumeRecurring(ctx); err != nil {
		logger.Error().Err(err).Msg("resume recurring sync failed")
	}

	approvalLimit := ratelimit.Config(cfg.Approvals.RateLimit)
	approvalTTL := time.Duration(cfg.Approvals.DefaultTTLMinutes) * time.Minute
	approvals := approval.NewManager(db, limiter, approvalLimit, executor, broadcaster, approvalTTL, &logger)
	go approvals.StartSweeper(ctx, cfg.Approvals.SweepInterval)

	if cfg.Backup.Enabled {
		backupService := database.NewBackupService(cfg.Database.Path, cfg.Backup, &logger)
		go backupService.Start(ctx)
	}

	if cfg.Monitoring.PrometheusEnabled {
		go serveMetrics(cfg.Monitoring.PrometheusPort, &logger)
	}

	if cfg.API.Enabled {
		apiServer := api.NewHTTPServer(cfg.API, db, sched, approvals, limiter,
			syncLimit, broadcaster, mailClient, &logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("api server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = apiServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().Msg("mailmirror started")
	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	logger := baseLogger.With().Str("component", "server").Logger()
	return cfg, logger, closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		logger.Info().Msg("redis not configured, using in-process queue and limiter")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := ratelimit.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, failover store will use memory")
	}
	return client
}

// initLimiter builds the shared limiter: Redis primary with in-memory
// fallback, or memory only when Redis is not configured.
func initLimiter(ctx context.Context, redisClient *redis.Client, logger *zerolog.Logger) *ratelimit.Limiter {
	memory := ratelimit.NewMemoryStore()
	go memory.StartSweeper(ctx, 5*time.Minute)

	if redisClient == nil {
		return ratelimit.NewLimiter(memory)
	}
	primary := ratelimit.NewRedisStore(redisClient)
	return ratelimit.NewLimiter(ratelimit.NewFailoverStore(primary, memory, logger))
}

func initMailClient(cfg *config.Config, logger *zerolog.Logger) (*gmail.Client, *gmail.Client, error) {
	tokens, err := gmail.NewFileTokenProvider(
		cfg.Google.CredentialsFile,
		cfg.Google.ClientID,
		cfg.Google.ClientSecret,
		cfg.Google.TokenDir,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("init token provider: %w", err)
	}
	client := gmail.NewClient(tokens, logger)
	return client, client, nil
}

func serveMetrics(port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
