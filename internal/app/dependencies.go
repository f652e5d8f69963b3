package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/ordersync/internal/config"
	"github.com/vladislavdragonenkov/ordersync/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/ordersync/internal/health"
	"github.com/vladislavdragonenkov/ordersync/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ordersync/internal/metrics"
	"github.com/vladislavdragonenkov/ordersync/internal/remote"
	"github.com/vladislavdragonenkov/ordersync/internal/service/compaction"
	"github.com/vladislavdragonenkov/ordersync/internal/service/orders"
	"github.com/vladislavdragonenkov/ordersync/internal/service/syncer"
	"github.com/vladislavdragonenkov/ordersync/internal/storage/local"
	"github.com/vladislavdragonenkov/ordersync/internal/storage/memory"
	"github.com/vladislavdragonenkov/ordersync/internal/storage/postgres"
	"github.com/vladislavdragonenkov/ordersync/internal/storage/sqlite"
	"github.com/vladislavdragonenkov/ordersync/internal/version"
)

// runtimeDependencies хранит собранный граф компонентов процесса.
type runtimeDependencies struct {
	localStore *local.Store
	remote     *remote.Client
	engine     *syncer.Engine
	orders     *orders.Service
	compaction *compaction.Worker
	metrics    *metrics.SyncMetrics
	health     *healthcheck.Handler

	closers []func() error
}

// close освобождает ресурсы в порядке, обратном открытию.
func (d *runtimeDependencies) close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func (d *runtimeDependencies) onClose(fn func() error) {
	if fn != nil {
		d.closers = append(d.closers, fn)
	}
}

// initRuntimeDependencies открывает хранилища и собирает движок. При ошибке всё,
// что успело открыться, закрывается.
func initRuntimeDependencies(ctx context.Context, cfg config.Config, registerer prometheus.Registerer, tracer trace.TracerProvider, logger *log.Entry) (deps *runtimeDependencies, err error) {
	deps = &runtimeDependencies{
		metrics: metrics.NewSyncMetricsWithRegisterer(registerer),
		health:  healthcheck.NewHandler(version.GetVersion()),
	}
	defer func() {
		if err != nil {
			_ = deps.close()
			deps = nil
		}
	}()

	localStore, closeLocal, err := openLocalStore(cfg.Local, logger)
	if err != nil {
		return nil, err
	}
	deps.onClose(closeLocal)
	deps.localStore = localStore

	actorID := cfg.Sync.ActorID
	if actorID == "" {
		actorID = uuid.NewString()
	}

	producer := initKafkaProducer(cfg.Kafka, actorID, logger)
	if producer != nil {
		deps.onClose(producer.Close)
	}

	table, feed, closeRemote, err := openRemote(ctx, cfg, actorID, producer, logger)
	if err != nil {
		return nil, err
	}
	deps.onClose(closeRemote)
	deps.remote = remote.New(table, feed, logger.WithField("component", "remote-client"))

	engineOptions := []syncer.Option{
		syncer.WithLogger(logger.WithField("component", "sync-engine")),
		syncer.WithMetrics(deps.metrics),
		syncer.WithTracerProvider(tracer),
		syncer.WithActorID(actorID),
		syncer.WithPollInterval(cfg.Sync.PollInterval),
		syncer.WithReconnectInterval(cfg.Sync.ReconnectInterval),
		syncer.WithRealtimeEnabled(cfg.Sync.Realtime && deps.remote.HasFeed()),
		syncer.WithMaxAttempts(cfg.Sync.MaxAttempts),
		syncer.WithRetryBaseDelay(cfg.Sync.RetryBaseDelay),
		syncer.WithRetryMaxDelay(cfg.Sync.RetryMaxDelay),
		syncer.WithErrorLogLimit(cfg.Sync.ErrorLogLimit),
	}
	if cfg.Kafka.DLQ && producer != nil {
		engineOptions = append(engineOptions, syncer.WithFailurePublisher(kafka.NewDLQPublisher(producer, "")))
	}
	deps.engine = syncer.New(localStore, deps.remote, engineOptions...)

	deps.orders = orders.NewService(localStore, deps.engine, nil, logger.WithField("component", "orders-service"))
	deps.compaction = compaction.NewWorker(localStore,
		compaction.WithLogger(logger.WithField("component", "compaction-worker")),
		compaction.WithMetrics(deps.metrics),
		compaction.WithSchedule(cfg.Compaction.Schedule),
		compaction.WithTTL(cfg.Compaction.TombstoneTTL),
	)

	deps.health.RegisterChecker("local_store", healthcheck.NewSimpleChecker("local_store", func(ctx context.Context) error {
		_, err := localStore.LoadPendingChanges(ctx)
		return err
	}))
	deps.health.RegisterChecker("remote", healthcheck.NewOptionalChecker("remote", func(ctx context.Context) error {
		_, err := deps.remote.CheckConnection(ctx)
		return err
	}))
	deps.health.RegisterChecker("sync_queue", syncQueueChecker(deps.engine))

	return deps, nil
}

// syncQueueChecker сообщает degraded, пока в очереди есть записи с исчерпанными попытками.
func syncQueueChecker(engine interface{ GetStatus() domain.SyncStatus }) healthcheck.Checker {
	return healthcheck.CheckerFunc(func(context.Context) healthcheck.Check {
		status := engine.GetStatus()
		check := healthcheck.Check{Name: "sync_queue", Status: healthcheck.StatusHealthy}
		failed := 0
		for _, change := range status.PendingChanges {
			if change.Failed {
				failed++
			}
		}
		if failed > 0 {
			check.Status = healthcheck.StatusDegraded
			check.Message = fmt.Sprintf("%d of %d pending changes failed permanently", failed, status.PendingCount)
		}
		return check
	})
}

func openLocalStore(cfg config.LocalConfig, logger *log.Entry) (*local.Store, func() error, error) {
	storeLogger := logger.WithField("component", "local-store")
	switch cfg.Driver {
	case config.LocalDriverMemory:
		return local.New(memory.NewKV(), storeLogger), nil, nil
	case config.LocalDriverSQLite:
		path := cfg.Path
		if path == "" {
			var err error
			if path, err = sqlite.DefaultPath(); err != nil {
				return nil, nil, err
			}
		}
		kv, err := sqlite.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open local store: %w", err)
		}
		logger.WithField("path", path).Info("local store opened")
		return local.New(kv, storeLogger), kv.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported local driver: %s", cfg.Driver)
	}
}

// openRemote собирает remote-таблицу и источник realtime-событий.
func openRemote(ctx context.Context, cfg config.Config, actorID string, producer *kafka.Producer, logger *log.Entry) (domain.OrderTable, domain.ChangeFeed, func() error, error) {
	var (
		table   domain.OrderTable
		native  domain.ChangeFeed
		closeFn func() error
	)

	switch cfg.Remote.Driver {
	case config.RemoteDriverMemory:
		mem := memory.NewOrderTable()
		table, native = mem, mem
		logger.Warn("remote driver is memory: data is not shared between processes")
	case config.RemoteDriverPostgres:
		store, err := postgres.Open(ctx, cfg.Remote.PostgresDSN, postgres.WithMaxConns(cfg.Remote.MaxConns))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		if cfg.Remote.AutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, nil, nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
		}
		table = postgres.NewOrderTable(store)
		native = postgres.NewListener(store, table, logger.WithField("component", "postgres-listener"))
		closeFn = store.Close
	default:
		return nil, nil, nil, fmt.Errorf("unsupported remote driver: %s", cfg.Remote.Driver)
	}

	if cfg.Kafka.PublishChanges && producer != nil {
		table = kafka.NewPublishingTable(table, producer, "", logger.WithField("component", "kafka-publishing-table"))
	}

	switch cfg.Remote.Feed {
	case config.FeedNative:
		return table, native, closeFn, nil
	case config.FeedKafka:
		groupID := cfg.Kafka.GroupID
		if groupID == "" {
			groupID = "ordersync-" + actorID
		}
		feed := kafka.NewFeed(cfg.Kafka.Brokers, groupID, kafka.WithFeedLogger(logger.WithField("component", "kafka-feed")))
		return table, feed, closeFn, nil
	default:
		return table, nil, closeFn, nil
	}
}
