package syncer

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
)

// PullReport описывает итог одного pull.
type PullReport struct {
	Since    time.Time `json:"since"`
	Until    time.Time `json:"until"`
	Received int       `json:"received"`
	Applied  int       `json:"applied"`
}

// pull запрашивает изменения с lastPull и сливает их по правилу «новее побеждает».
// Водяной знак берётся на момент начала запроса и сдвигается даже при пустом ответе.
func (e *Engine) pull(ctx context.Context) (PullReport, error) {
	started := e.now()
	since := e.pullWatermark(ctx, started)
	report := PullReport{Since: since, Until: started}

	records, err := e.remote.ListSince(ctx, since)
	if err != nil {
		if domain.IsConnectivity(err) {
			e.goOffline(err.Error())
		}
		return report, fmt.Errorf("pull since %s: %w", since.Format(time.RFC3339Nano), err)
	}
	report.Received = len(records)

	for _, record := range records {
		applied, err := e.merge(ctx, record)
		if err != nil {
			e.logger.WithError(err).WithField("order_id", record.ID).Warn("failed to merge pulled order")
			continue
		}
		if applied {
			report.Applied++
		}
	}

	if err := e.local.SetLastPull(ctx, started); err != nil {
		e.logger.WithError(err).Warn("failed to persist last pull time")
	}
	e.mu.Lock()
	e.lastPull = started
	e.mu.Unlock()

	e.metrics.RecordPulled(report.Received)
	if report.Received > 0 {
		e.logger.WithFields(log.Fields{
			"received": report.Received,
			"applied":  report.Applied,
		}).Debug("pulled remote changes")
	}
	return report, nil
}

func (e *Engine) pullWatermark(ctx context.Context, now time.Time) time.Time {
	e.mu.Lock()
	since := e.lastPull
	e.mu.Unlock()
	if !since.IsZero() {
		return since
	}

	stored, ok, err := e.local.LastPull(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("failed to read last pull time")
	}
	if ok && !stored.IsZero() {
		return stored
	}
	return now.Add(-defaultPullLookback)
}

// merge вставляет неизвестную запись или заменяет локальную копию, если remote строго новее.
func (e *Engine) merge(ctx context.Context, record domain.Order) (bool, error) {
	if record.ID == "" {
		return false, domain.ErrOrderIDRequired
	}
	existing, ok, err := e.local.Get(ctx, record.ID)
	if err != nil {
		return false, err
	}
	if ok && !record.NewerThan(existing) {
		return false, nil
	}
	record.SyncStatus = domain.SyncStateSynced
	if err := e.local.Upsert(ctx, record); err != nil {
		return false, err
	}
	return true, nil
}

// OnRealtimeEvent применяет push-событие feed. Собственные события сессии игнорируются.
func (e *Engine) OnRealtimeEvent(ctx context.Context, ev domain.RealtimeEvent) {
	if actor := ev.ActorID(); actor != "" && actor == e.actorID {
		e.metrics.RecordRealtime("echo")
		return
	}

	var (
		applied bool
		err     error
	)
	switch ev.Op {
	case domain.FeedInsert, domain.FeedUpdate:
		applied, err = e.merge(ctx, ev.Record)
	case domain.FeedDelete:
		applied, err = e.markDeleted(ctx, ev.Record)
	default:
		e.logger.WithField("op", ev.Op).Warn("unknown realtime operation")
		e.metrics.RecordRealtime("ignored")
		return
	}
	if err != nil {
		e.logger.WithError(err).WithField("order_id", ev.Record.ID).Warn("failed to apply realtime event")
		e.metrics.RecordRealtime("failed")
		return
	}
	if !applied {
		e.metrics.RecordRealtime("ignored")
		return
	}

	e.metrics.RecordRealtime("applied")
	e.emit(domain.ChangeRealtime, ev)
}

func (e *Engine) markDeleted(ctx context.Context, record domain.Order) (bool, error) {
	existing, ok, err := e.local.Get(ctx, record.ID)
	if err != nil || !ok {
		return false, err
	}
	if existing.Deleted && existing.SyncStatus == domain.SyncStateSynced {
		return false, nil
	}
	existing.Deleted = true
	existing.SyncStatus = domain.SyncStateSynced
	if record.UpdatedAt.After(existing.UpdatedAt) {
		existing.UpdatedAt = record.UpdatedAt
	}
	if record.UpdatedBy != "" {
		existing.UpdatedBy = record.UpdatedBy
	}
	return true, e.local.Upsert(ctx, existing)
}
