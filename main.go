package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"trade-executor/internal/api"
	"trade-executor/internal/brokerpool"
	"trade-executor/internal/events"
	"trade-executor/internal/execution"
	"trade-executor/internal/ingest"
	"trade-executor/internal/monitor"
	"trade-executor/internal/settingscache"
	"trade-executor/internal/sizing"
	"trade-executor/internal/vault"
	"trade-executor/pkg/config"
	"trade-executor/pkg/crypto"
	"trade-executor/pkg/db"
	"trade-executor/pkg/logger"
)

var buildVersion = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		panic(err)
	}
	log.Info().Str("version", buildVersion).Str("port", cfg.Port).Str("db_path", cfg.DBPath).Msg("starting trade executor")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("executor stopped with error")
	}
	log.Info().Msg("shutdown complete")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return err
	}
	queries := database.Queries()

	keys, err := crypto.NewKeyManager(cfg.MasterKeyEnv)
	if err != nil {
		return err
	}
	credVault := vault.New(queries, keys, logger.Component(log, "vault"))

	brokersFile, err := config.LoadBrokers(cfg.BrokersFile)
	if err != nil {
		return err
	}
	registry, err := brokerpool.RegistryFromConfig(brokersFile)
	if err != nil {
		return err
	}
	log.Info().Strs("brokers", registry.IDs()).Msg("broker registry loaded")

	poolCfg := brokerpool.DefaultConfig()
	if cfg.PoolMaxSize > 0 {
		poolCfg.MaxSize = cfg.PoolMaxSize
	}
	if cfg.PoolIdleTimeout > 0 {
		poolCfg.IdleTimeout = cfg.PoolIdleTimeout
	}
	pool := brokerpool.New(registry, credVault, poolCfg, log)
	pool.Start(ctx)
	defer pool.Stop()

	// Work queue: WAL-backed unless disabled.
	var (
		queue execution.WorkQueue
		wal   api.WALReporter
	)
	if cfg.EnableWAL {
		pq, err := execution.NewPersistentQueue(cfg.WALDir, cfg.QueueSize, log)
		if err != nil {
			return err
		}
		if err := pq.Recover(); err != nil {
			log.Warn().Err(err).Msg("queue WAL recovery failed; starting empty")
		}
		queue, wal = pq, pq
	} else {
		queue = execution.NewQueue(cfg.QueueSize)
	}
	defer queue.Close()

	// Settings: sqlite, optionally behind the shared Redis cache.
	var (
		settings      execution.SettingsStore = queries
		settingsCache api.SettingsInvalidator
	)
	if cfg.RedisAddr != "" {
		client, err := settingscache.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable; settings cache disabled")
		} else {
			defer client.Close()
			cache := settingscache.New(queries, client, cfg.SettingsCacheTTL, log)
			settings, settingsCache = cache, cache
		}
	}

	sysMetrics := monitor.NewSystemMetrics()
	recorder := monitor.NewRecorder(prometheus.NewRegistry(), sysMetrics)

	mon := &monitor.Monitor{
		Bus:  bus,
		Sink: monitor.LogSink{Log: logger.Component(log, "alerts")},
		Rule: &monitor.FailureRule{Threshold: 5, Window: 5 * time.Minute},
		Log:  logger.Component(log, "monitor"),
	}
	mon.Start(ctx)

	processor := execution.New(execution.Config{
		Interval:       cfg.ProcessInterval,
		MessageTimeout: cfg.MessageTimeout,
		CallTimeout:    cfg.BrokerTimeout,
		FanOutWorkers:  cfg.FanOutWorkers,
		Deduplicate:    cfg.DedupSignals,
		SettingsTTL:    cfg.SettingsCacheTTL,
		DefaultBrokers: cfg.DefaultBrokers,
	}, execution.Deps{
		Queue:     queue,
		Settings:  settings,
		Log:       queries,
		Brokers:   pool,
		Sizer:     sizing.NewEngine(brokersFile.Precision()),
		Publisher: bus,
		Recorder:  recorder,
		Logger:    log,
	})
	processor.Start(ctx)
	defer processor.Stop()

	if len(cfg.KafkaBrokers) > 0 {
		consumer, err := ingest.NewConsumer(
			ingest.NewRequestHandler(cfg.KafkaTopic, processor),
			logger.Component(log, "ingest"),
			ingest.WithBrokers(cfg.KafkaBrokers),
			ingest.WithGroupID(cfg.KafkaGroupID),
			ingest.WithWorkers(cfg.KafkaWorkers),
		)
		if err != nil {
			return err
		}
		consumer.Start()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			if err := consumer.Stop(stopCtx); err != nil {
				log.Warn().Err(err).Msg("kafka consumer stop")
			}
		}()
		log.Info().Strs("kafka_brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("kafka ingestion enabled")
	}

	// Pool and queue gauges for /api/metrics.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sysMetrics.SetPoolStats(pool.Stats())
				sysMetrics.SetQueueStats(processor.QueueMetrics())
			}
		}
	}()

	server := api.NewServer(api.Deps{
		Executor:      processor,
		Store:         queries,
		Credentials:   credVault,
		Pool:          pool,
		Catalog:       registry,
		Metrics:       recorder,
		Bus:           bus,
		SettingsCache: settingsCache,
		WAL:           wal,
		Log:           log,
	}, api.TokenPolicy{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience}, buildVersion)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	return nil
}
