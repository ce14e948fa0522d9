package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/examapi"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/outbox"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Str("exam_api", cfg.ExamAPIURL).
		Str("outbox", cfg.OutboxDriver).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Migrations ────────────────────────────────────────────────────
	if cfg.AutoMigrate {
		if err := database.Migrate(cfg.DatabaseURL, cfg.MigrationsPath, log); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
	}

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Submission Outbox ─────────────────────────────────────────────
	box, err := openOutbox(ctx, cfg, rdb, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open submission outbox")
	}
	defer box.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	violationRepo := repository.NewViolationRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	examClient := examapi.NewClient(cfg.ExamAPIURL, cfg.ExamAPITimeout, log)
	authService := service.NewAuthService(cfg)
	examService := service.NewExamService(examClient, rdb, cfg.ExamCacheTTL, log)
	submissionService := service.NewSubmissionService(examClient, box, log)
	proctorService := service.NewProctorService(
		examService,
		submissionService,
		service.NewRedisSessionLocks(rdb),
		service.NewRedisEventSink(rdb, log),
		service.ProctorOptions{
			GracePeriod:   cfg.GracePeriod,
			MaxWarnings:   cfg.MaxWarnings,
			SubmitTimeout: cfg.SubmitTimeout,
		},
		log,
	)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(proctorService, log),
		WS:      handler.NewWSHandler(proctorService, cfg.SubmitTimeout, log, cfg.AllowedOrigins),
		Monitor: handler.NewMonitorHandler(rdb, examService, proctorService, attemptRepo, violationRepo, log),
		System:  handler.NewSystemHandler(pool, rdb, box, proctorService, log),
	}

	openLimiter := middleware.NewRateLimiter(cfg.OpenRateLimit, time.Minute)
	defer openLimiter.Stop()

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	startWorker := func(name string, run func(context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			run(workerCtx)
			log.Debug().Str("worker", name).Msg("Worker stopped")
		}()
	}

	startWorker("violations", worker.NewViolationWorker(violationRepo, rdb, logger.Component(log, "violation_worker")).Start)
	startWorker("attempts", worker.NewAttemptWorker(attemptRepo, rdb, logger.Component(log, "attempt_worker")).Start)
	startWorker("submissions", worker.NewSubmissionWorker(box, examClient, attemptRepo, cfg.SubmitRetryBase, cfg.SubmitRetryMax, logger.Component(log, "submission_worker")).Start)
	startWorker("reaper", func(ctx context.Context) {
		proctorService.StartReaper(ctx, 30*time.Second, cfg.ReapAfter)
	})

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, openLimiter, cfg, log)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Tear down live sessions. Unsubmitted attempts are abandoned, not submitted.
	proctorService.Shutdown(shutdownCtx)

	// 3. Stop background workers and wait for in-flight batches to flush.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// openOutbox selects the durable store for submissions the exam API could not take.
func openOutbox(ctx context.Context, cfg *config.Config, rdb *redis.Client, log zerolog.Logger) (outbox.Outbox, error) {
	switch cfg.OutboxDriver {
	case config.OutboxDriverSQLite:
		box, err := outbox.OpenSQLite(ctx, cfg.OutboxSQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.OutboxSQLitePath).Msg("SQLite outbox opened")
		return box, nil
	default:
		box := outbox.NewRedis(rdb)
		n, err := box.Recover(ctx)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			log.Warn().Int64("recovered", n).Msg("Stale in-flight submissions returned to the outbox")
		}
		return box, nil
	}
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
