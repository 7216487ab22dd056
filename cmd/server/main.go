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

	"adlens/internal/delivery"
	"adlens/internal/infrastructure"
	"adlens/internal/usecase"
	"adlens/pkg/config"
	"adlens/pkg/logger"
	"adlens/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level)
	log.Info("Starting server")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("Server stopped with error")
		os.Exit(1)
	}
	log.Info("Server stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	store, err := infrastructure.NewStore(ctx, cfg.Storage, cfg.Jobs.MaxConcurrentJobs+2, log)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Storage.Driver, err)
	}
	defer store.Close()

	provider := infrastructure.NewProviderClient(cfg.Provider, nil, log, m)

	renderer, err := infrastructure.NewPageRenderer(cfg.Fallback.Renderer, cfg.Fallback.UserAgent, cfg.Fallback.RequestTimeout)
	if err != nil {
		return fmt.Errorf("failed to create page renderer: %w", err)
	}
	defer renderer.Close()
	collector := infrastructure.NewFallbackCollector(cfg.Fallback, renderer, log, m)

	credentials := usecase.NewCredentialService(provider, store, cfg.Credential.MinLength, log, m)
	if err := credentials.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore credential: %w", err)
	}

	policy, err := usecase.PolicyByName(cfg.Analysis.Policy)
	if err != nil {
		return err
	}

	orchestrator := usecase.NewOrchestrator(
		cfg.Jobs,
		provider,
		collector,
		credentials,
		usecase.NewNormalizer(),
		usecase.NewAggregationEngine(policy),
		store,
		log,
		m,
	)

	handlers := delivery.NewHTTPHandlers(orchestrator, credentials, log)
	router := delivery.NewHTTPRouter(handlers, log, m, prometheus.DefaultGatherer, cfg.Server.RequestTimeout)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithFields(map[string]any{
			"port":     cfg.Server.Port,
			"storage":  cfg.Storage.Driver,
			"renderer": cfg.Fallback.Renderer,
			"policy":   policy.Name(),
		}).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return orchestrator.RunSweeper(gCtx, cfg.Jobs.SweepInterval)
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP server shutdown incomplete")
		}
		if err := orchestrator.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Jobs did not stop before the shutdown deadline")
		}
		return nil
	})

	return g.Wait()
}
