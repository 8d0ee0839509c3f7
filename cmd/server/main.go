package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"ferryman/cmd/server/config"
	"ferryman/internal/adapters/httpapi"
	idemdb "ferryman/internal/db/idempotency"
	ledgerdb "ferryman/internal/db/ledger"
	sagasdb "ferryman/internal/db/sagas"
	"ferryman/internal/idempotency"
	"ferryman/internal/observability"
	"ferryman/internal/outbox"
	"ferryman/internal/realtime"
	"ferryman/internal/redisidem"
	"ferryman/internal/reliability"
	"ferryman/internal/saga"
	"ferryman/internal/transfer"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.WithError(err).Fatal("server error")
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	logger.SetLevel(level)
	log := logrus.NewEntry(logger)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("close postgres")
		}
	}()

	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(setupCtx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}

	sagaStore, err := sagasdb.NewStoreWithSchema(setupCtx, db)
	if err != nil {
		return err
	}
	outboxStore := sagasdb.NewOutboxStore(db)
	ledgerStore, err := ledgerdb.NewStoreWithSchema(setupCtx, db, cfg.OverdraftLimitCents)
	if err != nil {
		return err
	}
	keys, cleanupKeys, err := buildIdempotencyStore(setupCtx, cfg, db, log)
	if err != nil {
		return err
	}
	defer cleanupKeys()

	metrics := observability.NewMetrics()
	hub := realtime.NewHub()
	go hub.Run(ctx)

	workerCfg := outbox.Config{
		EmptyQueueDelay:        cfg.EmptyQueueDelay,
		LeaseTTL:               cfg.LeaseTTL,
		TransientConflictDelay: cfg.TransientConflictDelay,
		MaxAttemptsBeforeDLQ:   cfg.MaxAttemptsBeforeDLQ,
	}

	workers := make([]*outbox.Worker, 0, cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		steps := transfer.Steps(keys, ledgerStore, workerID, cfg.StepLeaseDefault)
		coord := saga.NewCoordinator(sagaStore, hub, log)
		handler := transfer.NewStartSagaHandler(sagaStore, coord, steps, log, metrics)
		workers = append(workers, outbox.NewWorker(
			workerID,
			outboxStore,
			map[string]outbox.Handler{outbox.TypeStartSaga: handler},
			workerCfg,
			log,
			metrics,
		))
	}

	poolDone := make(chan struct{})
	go func() {
		outbox.RunPool(ctx, workers)
		close(poolDone)
	}()

	var limiter *reliability.RateLimiter
	if cfg.RateLimitInterval > 0 && cfg.RateLimitBurst > 0 {
		limiter = reliability.NewRateLimiter(cfg.RateLimitInterval, cfg.RateLimitBurst)
	}

	apiHandler := httpapi.NewHandler(sagaStore, sagaStore, transfer.StepNames(), hub, log)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewRouter(apiHandler, limiter, observability.Handler(metrics)),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.WithField("addr", cfg.HTTPAddr).WithField("workers", cfg.WorkerCount).Info("orchestrator running")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-poolDone
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// buildIdempotencyStore picks Redis when REDIS_URL is set and the
// Postgres table otherwise. Both give lease-or-takeover claims and
// owner-verified sealing; only the Redis store lets the current holder
// re-acquire its own live lease, which Postgres reports as LockedByOther.
func buildIdempotencyStore(ctx context.Context, cfg config.Config, db *sql.DB, log *logrus.Entry) (idempotency.Store, func(), error) {
	if cfg.RedisURL == "" {
		store, err := idemdb.NewStoreWithSchema(ctx, db)
		if err != nil {
			return nil, nil, err
		}
		log.Info("idempotency keys on postgres")
		return store, func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("idempotency keys on redis")
	cleanup := func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Warn("close redis")
		}
	}
	return redisidem.NewStore(client), cleanup, nil
}
