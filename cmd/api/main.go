package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"server/internal/adapter/repo"
	httpapi "server/internal/http"
	"server/internal/http/handlers"
	"server/internal/infra"
	"server/internal/infra/geoip"
	"server/internal/jobs"
	"server/internal/metrics"
	"server/internal/middleware"
	"server/internal/reconcile"
	"server/internal/remote"
	"server/internal/workflow"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: db connection failed")
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
		logger.Fatal().Err(err).Msg("api: worker client init failed")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	policy := workflow.StemPolicy{MainSuffix: cfg.MainStemSuffix}

	submitter := jobs.NewService(jobs.Config{
		Store:        store,
		Jobs:         store.Jobs(),
		Credits:      store.Ledger(),
		Worker:       worker,
		CostPerImage: cfg.CostPerImage,
		Logger:       logger,
		Metrics:      m,
	})
	engine := reconcile.New(store.Jobs(), store.Workflows(), store.Ledger(), worker, policy, logger, m)

	var lookup middleware.CountryLookup
	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("api: geoip disabled")
	} else if resolver != nil {
		lookup = resolver.CountryCode
	}

	app := &handlers.App{
		Jobs:      store.Jobs(),
		Workflows: store.Workflows(),
		Credits:   store.Ledger(),
		Submitter: submitter,
		Engine:    engine,
		Policy:    policy,
		Logger:    logger,
	}

	router := httpapi.NewRouter(cfg, app, logger, lookup)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Str("addr", server.Addr()).Msg("api: listening")
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
