// Package app assembles the storage, cache, valuation, ledger and outbox
// components from configuration. Both the HTTP server and ledgerctl use it.
package app

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"tokoledger/backend/internal/cache"
	"tokoledger/backend/internal/config"
	"tokoledger/backend/internal/ledger"
	"tokoledger/backend/internal/outbox"
	"tokoledger/backend/internal/service"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/store/memory"
	pgstore "tokoledger/backend/internal/store/postgres"
	"tokoledger/backend/internal/valuation"
)

const localQueueBuffer = 256

type App struct {
	Repo    store.Repository
	Valuer  *valuation.Valuer
	Ledger  *ledger.Ledger
	Service *service.Service

	consumer *outbox.Consumer
	closers  []func() error
	log      logrus.FieldLogger
}

// Build wires the component graph. A set DATABASE_URL that cannot be reached
// is fatal; an unreachable Redis degrades to no cache.
func Build(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*App, error) {
	log := logger.WithField("component", "app")
	a := &App{log: log}

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.Repo = pg
		log.Info("repository: postgres")
	} else {
		a.Repo = memory.NewSeeded(logger)
		log.Info("repository: in-memory")
	}

	ledgerCache := cache.LedgerCache(cache.NoopLedgerCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisLedgerCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.WithError(err).Warn("redis unavailable, using noop cache")
			_ = redisCache.Close()
		} else {
			ledgerCache = redisCache
			a.closers = append(a.closers, redisCache.Close)
			log.Info("cache: redis")
		}
	} else {
		log.Info("cache: noop")
	}

	a.Valuer = valuation.New(a.Repo, cfg.WholesaleUnitsPerPack)
	a.Ledger = ledger.New(a.Repo, a.Valuer, ledgerCache, ledger.Config{
		LedgerID:       cfg.LedgerID,
		InitialCapital: cfg.InitialCapital,
		Currency:       cfg.Currency,
		MaxRetries:     cfg.LedgerMaxRetries,
		WithdrawalTTL:  cfg.WithdrawalTTL,
		CacheTTL:       cfg.LedgerCacheTTL,
	}, logger)

	var queue outbox.Queue
	if len(cfg.KafkaBrokers) > 0 {
		producer := outbox.NewKafkaQueue(cfg.KafkaBrokers, cfg.KafkaTopic, a.Ledger.ID())
		a.consumer = outbox.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, a.Ledger, logger)
		a.closers = append(a.closers, producer.Close, a.consumer.Close)
		queue = producer
		log.WithField("topic", cfg.KafkaTopic).Info("outbox: kafka")
	} else {
		local := outbox.NewLocalQueue(a.Ledger, localQueueBuffer, logger)
		a.closers = append(a.closers, local.Close)
		queue = local
		log.Info("outbox: in-process")
	}

	a.Service = service.New(a.Repo, a.Ledger, a.Valuer, outbox.NewHooks(queue, logger), logger)
	return a, nil
}

// Start runs the Kafka consumer, if one is configured, until ctx is done.
func (a *App) Start(ctx context.Context) {
	if a.consumer == nil {
		return
	}
	go func() {
		if err := a.consumer.Run(ctx); err != nil && ctx.Err() == nil {
			a.log.WithError(err).Error("ledger event consumer stopped")
		}
	}()
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("close error")
			if first == nil {
				first = err
			}
		}
	}
	a.closers = nil
	return first
}
