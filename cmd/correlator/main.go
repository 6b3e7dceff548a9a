package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	httpadapter "github.com/couchcryptid/storm-alert-correlator/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/storm-alert-correlator/internal/adapter/kafka"
	"github.com/couchcryptid/storm-alert-correlator/internal/adapter/kvstore"
	"github.com/couchcryptid/storm-alert-correlator/internal/adapter/nws"
	"github.com/couchcryptid/storm-alert-correlator/internal/adapter/oracle"
	"github.com/couchcryptid/storm-alert-correlator/internal/config"
	"github.com/couchcryptid/storm-alert-correlator/internal/confirmation"
	"github.com/couchcryptid/storm-alert-correlator/internal/engine"
	"github.com/couchcryptid/storm-alert-correlator/internal/observability"
	"github.com/couchcryptid/storm-alert-correlator/internal/pipeline"
	"github.com/couchcryptid/storm-alert-correlator/internal/registry"
	"github.com/couchcryptid/storm-alert-correlator/internal/retry"
	"github.com/jonboulle/clockwork"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence mirror (STORE_DRIVER=memory keeps state in-process only).
	var (
		mirror registry.Mirror
		store  *kvstore.Store
	)
	if cfg.StoreDriver != config.StoreMemory {
		db, err := kvstore.Open(cfg.StoreDriver, cfg.StoreDSN)
		if err != nil {
			logger.Error("failed to open registry store", "error", err, "driver", cfg.StoreDriver)
			os.Exit(1)
		}
		store = kvstore.New(db)
		if err := store.Migrate(ctx); err != nil {
			logger.Error("failed to migrate registry store", "error", err)
			os.Exit(1)
		}
		if err := store.Ping(ctx); err != nil {
			logger.Error("registry store unreachable", "error", err)
			os.Exit(1)
		}
		mirror = store
		logger.Info("registry mirror enabled", "driver", cfg.StoreDriver)
	} else {
		logger.Info("registry mirror disabled, state is in-memory only")
	}

	reg := registry.New(mirror, logger, metrics, clock)
	if err := reg.Load(ctx); err != nil {
		logger.Error("failed to load registry", "error", err)
		os.Exit(1)
	}

	policy := retry.DefaultPolicy()
	policy.Attempts = cfg.RetryAttempts
	policy.Initial = cfg.RetryInitialBackoff

	nwsClient := nws.NewClient(cfg.NWSBaseURL, cfg.NWSUserAgent, cfg.NWSTimeout, policy, logger, metrics)
	zones := nws.NewCachedZones(nwsClient, cfg.ZoneCacheSize, metrics)

	// Reasoning oracle (feature-flagged via ORACLE_URL).
	var (
		extractor confirmation.Extractor = oracle.Disabled{}
		wind      engine.WindValidator   = oracle.Disabled{}
	)
	if cfg.OracleEnabled() {
		client := oracle.NewClient(cfg.OracleURL, cfg.OracleTimeout, policy, logger, metrics)
		extractor, wind = client, client
		metrics.OracleEnabled.Set(1)
		logger.Info("oracle enabled", "url", cfg.OracleURL, "rate_per_sec", cfg.OracleRatePerSec)
	} else {
		logger.Info("oracle disabled, reports are deferred and wind checks admit")
	}

	classifier := engine.NewClassifier(reg, zones, wind, engine.ClassifierOptions{
		Concurrency:      cfg.ClassifyConcurrency,
		WindThresholdMPH: cfg.WindThresholdMPH,
	}, logger, metrics)
	linker := engine.NewLinker(logger, metrics)
	lifecycle := engine.NewLifecycle(reg, clock, cfg.EventCompletionGrace, logger, metrics)
	eng := engine.New(classifier, linker, reg, zones, logger, metrics)

	var (
		dispatcher engine.Dispatcher
		writer     *kafkaadapter.Writer
		reader     *kafkaadapter.Reader
		consumer   *pipeline.Consumer
	)
	switch cfg.DispatchMode {
	case config.DispatchKafka:
		writer = kafkaadapter.NewWriter(cfg, logger, metrics)
		reader = kafkaadapter.NewReader(cfg, logger)
		consumer = pipeline.NewConsumer(reader, lifecycle, clock, cfg.BatchSize, logger)
		dispatcher = writer
		logger.Info("dispatching actions through kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaActionTopic)
	default:
		dispatcher = engine.NewInlineDispatcher(lifecycle, logger, metrics)
	}

	dedup := confirmation.New(reg, nwsClient, extractor, confirmation.Options{
		MaxConcurrent: cfg.ConfirmMaxConcurrent,
		RatePerSec:    cfg.OracleRatePerSec,
	}, logger, metrics)

	poller := pipeline.NewPoller(nwsClient, eng, dispatcher, lifecycle, clock, cfg.PollInterval, logger, metrics)
	confirmer := pipeline.NewConfirmer(dedup, clock, cfg.ConfirmInterval, logger, metrics)

	ops := httpadapter.NewOperator(reg, lifecycle, dedup, clock)
	srv := httpadapter.NewServer(cfg.HTTPAddr, poller, ops, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	var wg sync.WaitGroup
	drivers := []interface{ Run(context.Context) error }{poller, confirmer}
	if consumer != nil {
		drivers = append(drivers, consumer)
	}
	for _, d := range drivers {
		wg.Go(func() {
			if err := d.Run(ctx); err != nil {
				logger.Error("driver error", "error", err)
			}
		})
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	wg.Wait()

	if reader != nil {
		if err := reader.Close(); err != nil {
			logger.Error("kafka reader close error", "error", err)
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Error("registry store close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
