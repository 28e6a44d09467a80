package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"server/internal/adapter/repo"
	"server/internal/infra"
	"server/internal/metrics"
	"server/internal/reconcile"
	"server/internal/remote"
	"server/internal/workflow"
)

const sweepTimeout = 2 * time.Minute

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "sweeper")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("sweeper: db connection failed")
	}
	defer pool.Close()

	store := repo.NewStore(pool)

	worker, err := remote.NewClient(remote.Options{
		BaseURL:        cfg.WorkerBaseURL,
		APIKey:         cfg.WorkerAPIKey,
		Logger:         &logger,
		RequestTimeout: cfg.WorkerTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("sweeper: worker client init failed")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	policy := workflow.StemPolicy{MainSuffix: cfg.MainStemSuffix}
	engine := reconcile.New(store.Jobs(), store.Workflows(), store.Ledger(), worker, policy, logger, m)

	sweep := func() {
		sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
		defer cancel()

		unfinished, err := store.Jobs().ListUnfinished(sweepCtx, cfg.SweepBatchSize)
		if err != nil {
			logger.Error().Err(err).Msg("sweeper: list unfinished failed")
			return
		}
		if len(unfinished) == 0 {
			return
		}
		synced := engine.SyncBatch(sweepCtx, unfinished)
		logger.Info().Int("candidates", len(unfinished)).Int("synced", synced).Msg("sweeper: pass done")
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.SweepSchedule, sweep); err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.SweepSchedule).Msg("sweeper: invalid schedule")
	}

	logger.Info().Str("schedule", cfg.SweepSchedule).Int("batch_size", cfg.SweepBatchSize).Msg("sweeper started")
	scheduler.Start()

	<-ctx.Done()

	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	logger.Info().Msg("sweeper stopped")
}
