// Package compaction удаляет из локального хранилища старые синхронизированные tombstone-записи.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersync/internal/metrics"
)

const defaultSchedule = "@every 1h"

// Purger описывает часть локального хранилища, которую использует воркер.
type Purger interface {
	PurgeDeleted(ctx context.Context, before time.Time) (int, error)
}

// Options задаёт параметры воркера компакции.
type Options struct {
	Logger   *log.Entry
	Metrics  *metrics.SyncMetrics
	Schedule string
	TTL      time.Duration
	Clock    func() time.Time
}

// Option настраивает Worker.
type Option func(*Options)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics подключает метрики прогонов.
func WithMetrics(m *metrics.SyncMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithSchedule задаёт cron-выражение, например "@every 30m" или "0 3 * * *".
func WithSchedule(schedule string) Option {
	return func(opts *Options) {
		opts.Schedule = schedule
	}
}

// WithTTL задаёт возраст, после которого tombstone удаляется. 0 отключает воркер.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = ttl
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// Worker периодически вызывает PurgeDeleted по cron-расписанию.
type Worker struct {
	store    Purger
	logger   *log.Entry
	metrics  *metrics.SyncMetrics
	schedule string
	ttl      time.Duration
	now      func() time.Time
}

// NewWorker создаёт воркер компакции.
func NewWorker(store Purger, options ...Option) *Worker {
	opts := Options{Schedule: defaultSchedule}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "compaction-worker")
	}
	if opts.Schedule == "" {
		opts.Schedule = defaultSchedule
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.TTL < 0 {
		opts.TTL = 0
	}

	return &Worker{
		store:    store,
		logger:   logger,
		metrics:  opts.Metrics,
		schedule: opts.Schedule,
		ttl:      opts.TTL,
		now:      opts.Clock,
	}
}

// Enabled сообщает, будет ли воркер что-то делать.
func (w *Worker) Enabled() bool {
	return w.store != nil && w.ttl > 0
}

// Run выполняет первый прогон сразу и далее по расписанию до отмены ctx.
func (w *Worker) Run(ctx context.Context) error {
	if !w.Enabled() {
		w.logger.Info("tombstone compaction is disabled")
		return nil
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(w.schedule, func() { w.run(ctx) }); err != nil {
		return fmt.Errorf("schedule compaction %q: %w", w.schedule, err)
	}

	w.run(ctx)
	scheduler.Start()
	w.logger.WithFields(log.Fields{
		"schedule": w.schedule,
		"ttl":      w.ttl.String(),
	}).Info("tombstone compaction scheduled")

	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}

func (w *Worker) run(ctx context.Context) {
	purged, err := w.Purge(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.metrics.RecordCompaction(err)
		w.logger.WithError(err).Warn("tombstone compaction failed")
		return
	}

	w.metrics.RecordCompaction(nil)
	if purged > 0 {
		w.logger.WithField("purged", purged).Info("tombstone compaction completed")
	}
}

// Purge удаляет tombstone-записи старше TTL.
func (w *Worker) Purge(ctx context.Context) (int, error) {
	if !w.Enabled() {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return w.store.PurgeDeleted(ctx, w.now().Add(-w.ttl))
}
