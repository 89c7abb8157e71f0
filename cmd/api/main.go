package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"server/internal/domain"
	"server/internal/engine"
	"server/internal/http/handlers"
	httpapi "server/internal/http/httpapi"
	"server/internal/infra"
	"server/internal/providers/gateway"
	"server/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recordStore, err := newRecordStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure record store")
	}

	gateways, err := newGateways(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure providers")
	}

	policy, err := engine.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid FAILURE_POLICY")
	}

	reconciler := engine.NewReconciler(recordStore, policy, logger)
	coordinator := engine.NewCoordinator(recordStore, gateways, cfg.PublicBaseURL, logger)

	// The scanner shares the reconciler (and so its per-record locks) with
	// the webhook handlers; both merge paths run in this one process.
	scanner := engine.NewScanner(recordStore, gateways, reconciler, engine.ScannerOptions{
		Interval:     cfg.ScanInterval,
		Staleness:    cfg.StaleThreshold,
		CheckTimeout: cfg.ProviderTimeout,
	}, logger)
	scanner.Start(ctx)

	app := handlers.NewApp(recordStore, coordinator, reconciler, gateways, logger)
	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	scanner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

func newRecordStore(ctx context.Context, cfg *infra.Config, logger infra.Logger) (store.RecordStore, error) {
	switch cfg.RecordStore {
	case "postgres":
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return store.NewPostgresStore(pool), nil
	case "memory":
		logger.Warn().Msg("using in-memory record store; batches are lost on restart")
		return store.NewMemoryStore(), nil
	default:
		return store.NewAirtableStore(store.AirtableOptions{
			APIKey:  cfg.AirtableAPIKey,
			BaseID:  cfg.AirtableBaseID,
			Table:   cfg.AirtableTable,
			BaseURL: cfg.AirtableBaseURL,
			Logger:  &logger,
		})
	}
}

func newGateways(cfg *infra.Config, logger infra.Logger) (map[domain.Provider]gateway.Gateway, error) {
	gateways := make(map[domain.Provider]gateway.Gateway)
	if cfg.FalAPIKey != "" {
		client, err := gateway.NewFalClient(gateway.FalOptions{
			APIKey:         cfg.FalAPIKey,
			Model:          cfg.FalModel,
			Logger:         &logger,
			RequestTimeout: cfg.ProviderTimeout,
		})
		if err != nil {
			return nil, err
		}
		gateways[domain.ProviderFal] = client
	}
	if cfg.ReplicateAPIToken != "" {
		client, err := gateway.NewReplicateClient(gateway.ReplicateOptions{
			APIToken:       cfg.ReplicateAPIToken,
			Version:        cfg.ReplicateVersion,
			Logger:         &logger,
			RequestTimeout: cfg.ProviderTimeout,
		})
		if err != nil {
			return nil, err
		}
		gateways[domain.ProviderReplicate] = client
	}
	return gateways, nil
}
