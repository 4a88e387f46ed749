package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"highlightsync/internal/api"
	"highlightsync/internal/config"
	"highlightsync/internal/database"
	"highlightsync/internal/domain"
	"highlightsync/internal/events"
	"highlightsync/internal/identity"
	"highlightsync/internal/logging"
	"highlightsync/internal/metrics"
	"highlightsync/internal/network"
	"highlightsync/internal/offline"
	"highlightsync/internal/queue"
	"highlightsync/internal/ratelimit"
	"highlightsync/internal/repository"
	"highlightsync/internal/resilience"
	"highlightsync/internal/syncer"
	"highlightsync/internal/transport"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
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
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startMetrics(ctx, cfg, &logger)

	backend, err := repository.Open(ctx, cfg.Storage, &logger)
	if err != nil {
		logger.Error().Err(err).Str("backend", cfg.Storage.Backend).Msg("open storage")
		return err
	}
	defer backend.Close()

	stores, err := openCollections(backend)
	if err != nil {
		return err
	}

	bus := events.NewEventBus(&logger)
	signals := logging.Component(&logger, "signals")
	bus.SubscribeAll(func(e *events.Event) error {
		signals.Debug().Str("signal", e.Type).RawJSON("payload", e.Payload).Msg("signal")
		return nil
	})

	monitor := network.NewMonitor(cfg.Network, nil, bus, &logger)
	q := queue.New(stores[domain.CollectionSyncQueue], stores[domain.CollectionDeadLetter], cfg.Queue, monitor, bus, &logger)
	buffer := offline.New(stores[domain.CollectionOffline], cfg.Offline, q.Enqueue, bus, &logger)
	limiter := ratelimit.New(cfg.RateLimit, bus, &logger)

	ident := identity.New(cfg.OAuth, cfg.Sync, cfg.Transport.Timeout, &logger)
	raw, closeTransport, err := transport.New(cfg.Transport, ident.HTTPClient(ctx), &logger)
	if err != nil {
		logger.Error().Err(err).Str("kind", cfg.Transport.Kind).Msg("init transport")
		return err
	}
	defer closeTransport()
	chain := resilience.NewChain(raw, cfg.Resilience, bus, &logger)

	s := syncer.New(q, buffer, limiter, chain, ident, monitor, syncer.Options{
		Debounce:        cfg.Sync.Debounce,
		BreakerCooldown: cfg.Resilience.Breaker.ResetTimeout,
	}, bus, &logger)

	// replay before the sync request fires so buffered events join the flush
	buffer.Attach(ctx, monitor)
	s.Attach(monitor)

	supervisor := newSupervisor(&logger)
	supervisor.Add(monitor)
	supervisor.Add(limiter)
	supervisor.Add(s)
	if cfg.API.Enabled {
		supervisor.Add(api.NewHTTPServer(cfg.API, api.Deps{
			Syncer:  s,
			Queue:   q,
			Buffer:  buffer,
			Monitor: monitor,
			Limiter: limiter,
			Breaker: chain.Breaker(),
		}, &logger))
	}
	if db, ok := backend.(*database.DB); ok && cfg.Storage.Backup.Enabled {
		supervisor.Add(database.NewBackupService(db, cfg.Storage.Backup, &logger))
	}

	logger.Info().
		Str("storage", cfg.Storage.Backend).
		Str("transport", cfg.Transport.Kind).
		Bool("api", cfg.API.Enabled).
		Msg("sync daemon started")

	err = supervisor.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("supervisor stopped")
		return err
	}
	logger.Info().Msg("sync daemon stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "syncd").Logger()

	return cfg, logger, closer, nil
}

func openCollections(backend domain.StoreBackend) (map[string]domain.KeyedStore, error) {
	stores := make(map[string]domain.KeyedStore, 3)
	for _, name := range []string{domain.CollectionSyncQueue, domain.CollectionDeadLetter, domain.CollectionOffline} {
		store, err := backend.Collection(name)
		if err != nil {
			return nil, fmt.Errorf("open collection %s: %w", name, err)
		}
		stores[name] = store
	}
	return stores, nil
}

func newSupervisor(logger *zerolog.Logger) *suture.Supervisor {
	l := logging.Component(logger, "supervisor")
	return suture.New("highlightsync", suture.Spec{
		EventHook: func(e suture.Event) {
			l.Warn().Fields(e.Map()).Msg(e.String())
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
