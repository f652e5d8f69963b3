// Package metrics содержит Prometheus-метрики sync-движка.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты записи pending change.
const (
	ResultSynced    = "synced"
	ResultRetry     = "retry"
	ResultConflict  = "conflict"
	ResultFailed    = "failed"
	ResultOffline   = "offline"
	ResultSkipped   = "skipped"
	ResultForwarded = "dlq"
)

// SyncMetrics содержит метрики синхронизации. Nil-приёмник допустим, методы тогда ничего не делают.
type SyncMetrics struct {
	changesProcessed *prometheus.CounterVec
	cycles           *prometheus.CounterVec
	cycleDuration    *prometheus.HistogramVec
	pulledRecords    prometheus.Counter
	realtimeEvents   *prometheus.CounterVec
	conflicts        prometheus.Counter
	purged           *prometheus.CounterVec

	pendingChanges prometheus.Gauge
	online         prometheus.Gauge
	lastSync       prometheus.Gauge
}

// NewSyncMetrics регистрирует метрики в DefaultRegisterer.
func NewSyncMetrics() *SyncMetrics {
	return NewSyncMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSyncMetricsWithRegisterer регистрирует метрики в переданном registerer;
// повторная регистрация возвращает уже существующие коллекторы.
func NewSyncMetricsWithRegisterer(registerer prometheus.Registerer) *SyncMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SyncMetrics{
		changesProcessed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ordersync_changes_processed_total",
			Help: "Total number of pending change write attempts grouped by operation and result.",
		}, []string{"operation", "result"}),
		cycles: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ordersync_cycles_total",
			Help: "Total number of sync cycles grouped by kind.",
		}, []string{"kind"}),
		cycleDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "ordersync_cycle_duration_seconds",
			Help:    "Duration of sync cycles in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		pulledRecords: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ordersync_pulled_records_total",
			Help: "Total number of remote records received by pull.",
		}),
		realtimeEvents: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ordersync_realtime_events_total",
			Help: "Total number of realtime events grouped by outcome.",
		}, []string{"outcome"}),
		conflicts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ordersync_conflicts_total",
			Help: "Total number of conflicts resolved.",
		}),
		purged: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ordersync_compaction_runs_total",
			Help: "Total number of tombstone compaction runs grouped by result.",
		}, []string{"result"}),
		pendingChanges: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "ordersync_pending_changes",
			Help: "Current number of changes waiting in the local queue.",
		}),
		online: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "ordersync_online",
			Help: "1 when the engine considers the remote reachable.",
		}),
		lastSync: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "ordersync_last_sync_timestamp_seconds",
			Help: "Unix time of the last completed sync cycle.",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	return register(registerer, opts.Name, prometheus.NewCounter(opts))
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	return register(registerer, opts.Name, prometheus.NewGauge(opts))
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	return register(registerer, opts.Name, prometheus.NewCounterVec(opts, labels))
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	return register(registerer, opts.Name, prometheus.NewHistogramVec(opts, labels))
}

func register[C prometheus.Collector](registerer prometheus.Registerer, name string, collector C) C {
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(C)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", name))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector %q: %v", name, err))
	}
	return collector
}

// RecordChange учитывает попытку записи одного pending change.
func (m *SyncMetrics) RecordChange(operation, result string) {
	if m == nil {
		return
	}
	m.changesProcessed.WithLabelValues(operation, result).Inc()
}

// RecordCycle учитывает завершённый цикл (flush, pull, force).
func (m *SyncMetrics) RecordCycle(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(kind).Inc()
	m.cycleDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordPulled учитывает количество записей, полученных pull-ом.
func (m *SyncMetrics) RecordPulled(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.pulledRecords.Add(float64(count))
}

// RecordRealtime учитывает realtime-событие: applied, echo, ignored.
func (m *SyncMetrics) RecordRealtime(outcome string) {
	if m == nil {
		return
	}
	m.realtimeEvents.WithLabelValues(outcome).Inc()
}

func (m *SyncMetrics) RecordConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// RecordCompaction учитывает прогон компакции tombstone-записей.
func (m *SyncMetrics) RecordCompaction(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.purged.WithLabelValues("error").Inc()
		return
	}
	m.purged.WithLabelValues("ok").Inc()
}

// SetPending выставляет размер очереди.
func (m *SyncMetrics) SetPending(count int) {
	if m == nil {
		return
	}
	m.pendingChanges.Set(float64(count))
}

// SetOnline выставляет признак доступности remote.
func (m *SyncMetrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}

// SetLastSync фиксирует время последней успешной синхронизации.
func (m *SyncMetrics) SetLastSync(at time.Time) {
	if m == nil || at.IsZero() {
		return
	}
	m.lastSync.Set(float64(at.Unix()))
}
