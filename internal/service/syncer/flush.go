package syncer

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
	"github.com/vladislavdragonenkov/ordersync/internal/metrics"
)

// FlushReport описывает итог одного прохода по очереди.
type FlushReport struct {
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
	Remaining int `json:"remaining"`
}

// flush проходит очередь в порядке FIFO. Ошибка одной записи не останавливает остальные,
// но следующие записи того же заказа откладываются до следующего цикла. Потеря связи
// прерывает проход без учёта попытки.
func (e *Engine) flush(ctx context.Context, force bool) (FlushReport, error) {
	var report FlushReport

	changes, err := e.local.LoadPendingChanges(ctx)
	if err != nil {
		return report, fmt.Errorf("load pending changes: %w", err)
	}
	e.setPending(changes)
	if len(changes) == 0 {
		return report, nil
	}

	now := e.now()
	remapped := make(map[string]string)
	blocked := make(map[string]bool)

	for _, change := range changes {
		if ctx.Err() != nil || !e.IsOnline() {
			break
		}
		if newID, ok := remapped[change.TargetID()]; ok {
			change.Data.ID = newID
		}
		target := change.TargetID()

		if blocked[target] {
			report.Deferred++
			continue
		}
		if !force && (change.Failed || !change.DueAt(now)) {
			blocked[target] = true
			report.Deferred++
			e.metrics.RecordChange(string(change.Operation), metrics.ResultSkipped)
			continue
		}

		newID, err := e.apply(ctx, change)
		switch {
		case err == nil:
			if newID != "" && newID != target {
				remapped[target] = newID
			}
			if err := e.complete(ctx, change, target, newID); err != nil {
				e.logger.WithError(err).WithField("change_id", change.ID).Warn("failed to remove synced change from queue")
			}
			report.Synced++
			e.metrics.RecordChange(string(change.Operation), metrics.ResultSynced)
		case domain.IsConnectivity(err):
			e.metrics.RecordChange(string(change.Operation), metrics.ResultOffline)
			e.goOffline(err.Error())
			return e.finishFlush(ctx, report), err
		case ctx.Err() != nil:
			return e.finishFlush(ctx, report), ctx.Err()
		default:
			blocked[target] = true
			report.Failed++
			e.recordFailure(ctx, change, err)
		}
	}

	return e.finishFlush(ctx, report), nil
}

func (e *Engine) finishFlush(ctx context.Context, report FlushReport) FlushReport {
	changes, err := e.local.LoadPendingChanges(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("failed to reload pending changes")
		return report
	}
	e.setPending(changes)
	report.Remaining = len(changes)
	return report
}

// apply отправляет одно изменение в remote. Для create возвращает подтверждённый id.
func (e *Engine) apply(ctx context.Context, change domain.PendingChange) (string, error) {
	switch change.Operation {
	case domain.OperationCreate:
		return e.applyCreate(ctx, change)
	case domain.OperationUpdate:
		return "", e.applyUpdate(ctx, change)
	case domain.OperationDelete:
		return "", e.applyDelete(ctx, change)
	default:
		return "", fmt.Errorf("apply %q: %w", change.Operation, domain.ErrInvalidOperation)
	}
}

func (e *Engine) applyCreate(ctx context.Context, change domain.PendingChange) (string, error) {
	order := change.Data.Clone()
	if order.ID == "" {
		order.ID = change.LocalID
	}
	localID := order.ID

	confirmed, err := e.remote.Insert(ctx, order)
	if err != nil {
		return "", fmt.Errorf("insert order %s: %w", localID, err)
	}
	if localID != "" && localID != confirmed.ID {
		if err := e.local.RemapID(ctx, localID, confirmed.ID); err != nil {
			return "", err
		}
	}
	if err := e.storeConfirmed(ctx, confirmed); err != nil {
		return "", err
	}

	e.logger.WithFields(log.Fields{
		"local_id":     localID,
		"confirmed_id": confirmed.ID,
	}).Info("order created in remote")
	return confirmed.ID, nil
}

func (e *Engine) applyUpdate(ctx context.Context, change domain.PendingChange) error {
	id := change.TargetID()
	if domain.IsLocalID(id) {
		return fmt.Errorf("update order %s: create is not confirmed yet: %w", id, domain.ErrNotFound)
	}

	patch := domain.PatchFrom(change.Data)
	if patch.UpdatedBy == "" {
		patch.UpdatedBy = e.actorID
	}
	confirmed, err := e.remote.Update(ctx, id, patch)
	if domain.IsConflict(err) {
		e.metrics.RecordConflict()
		e.metrics.RecordChange(string(change.Operation), metrics.ResultConflict)
		resolution, resolveErr := e.resolver.Resolve(ctx, change)
		if resolveErr != nil {
			return fmt.Errorf("resolve conflict for %s: %w", id, resolveErr)
		}
		e.emit(domain.ChangeConflict, resolution)
		return nil
	}
	if err != nil {
		return fmt.Errorf("update order %s: %w", id, err)
	}
	return e.storeConfirmed(ctx, confirmed)
}

func (e *Engine) applyDelete(ctx context.Context, change domain.PendingChange) error {
	id := change.TargetID()
	at := change.Data.UpdatedAt
	if at.IsZero() {
		at = change.Timestamp
	}
	actor := change.Data.UpdatedBy
	if actor == "" {
		actor = e.actorID
	}

	if !domain.IsLocalID(id) {
		err := e.remote.SoftDelete(ctx, id, at, actor)
		if err != nil && !domain.IsNotFound(err) {
			return fmt.Errorf("delete order %s: %w", id, err)
		}
	}

	existing, ok, err := e.local.Get(ctx, id)
	if err != nil || !ok {
		return err
	}
	existing.Deleted = true
	existing.SyncStatus = domain.SyncStateSynced
	return e.local.Upsert(ctx, existing)
}

// storeConfirmed кладёт подтверждённую remote-версию в local, если локальная копия не новее.
func (e *Engine) storeConfirmed(ctx context.Context, confirmed domain.Order) error {
	existing, ok, err := e.local.Get(ctx, confirmed.ID)
	if err != nil {
		return err
	}
	if ok && existing.NewerThan(confirmed) {
		return nil
	}
	confirmed.SyncStatus = domain.SyncStateSynced
	return e.local.Upsert(ctx, confirmed)
}

// complete удаляет выполненное изменение и переписывает на подтверждённый id
// оставшиеся в очереди изменения того же заказа.
func (e *Engine) complete(ctx context.Context, done domain.PendingChange, oldID, newID string) error {
	var queued []domain.PendingChange
	err := e.local.UpdatePendingChanges(ctx, func(current []domain.PendingChange) ([]domain.PendingChange, error) {
		queued = make([]domain.PendingChange, 0, len(current))
		for _, change := range current {
			if change.ID == done.ID {
				continue
			}
			if newID != "" && newID != oldID && change.TargetID() == oldID {
				change.Data.ID = newID
			}
			queued = append(queued, change)
		}
		return queued, nil
	})
	if err != nil {
		return err
	}
	e.setPending(queued)
	return nil
}

// recordFailure учитывает неудачную попытку: backoff, а после maxAttempts пометку failed,
// запись в журнал ошибок и публикацию в DLQ. Запись остаётся в очереди.
func (e *Engine) recordFailure(ctx context.Context, change domain.PendingChange, cause error) {
	now := e.now()
	var (
		updated     domain.PendingChange
		found       bool
		firstFailed bool
	)
	err := e.local.UpdatePendingChanges(ctx, func(current []domain.PendingChange) ([]domain.PendingChange, error) {
		for i := range current {
			if current[i].ID != change.ID {
				continue
			}
			entry := &current[i]
			entry.Attempts++
			entry.LastError = cause.Error()
			if entry.Attempts >= e.maxAttempts {
				firstFailed = !entry.Failed
				entry.Failed = true
				entry.NextAttemptAt = nil
			} else {
				next := now.Add(e.retryBackoff(entry.Attempts))
				entry.NextAttemptAt = &next
			}
			updated = *entry
			found = true
			break
		}
		return current, nil
	})
	if err != nil {
		e.logger.WithError(err).WithField("change_id", change.ID).Error("failed to persist retry state")
		return
	}
	if !found {
		return
	}

	fields := log.Fields{
		"change_id": updated.ID,
		"operation": updated.Operation,
		"order_id":  updated.TargetID(),
		"attempts":  updated.Attempts,
	}

	if !updated.Failed {
		e.logger.WithError(cause).WithFields(fields).Warn("sync change failed, will retry")
		e.metrics.RecordChange(string(updated.Operation), metrics.ResultRetry)
		e.appendSyncError(domain.SyncError{
			Time: now, ChangeID: updated.ID, OrderID: updated.TargetID(),
			Operation: updated.Operation, Message: cause.Error(),
		})
		return
	}

	failure := &domain.PermanentSyncFailure{
		ChangeID:  updated.ID,
		OrderID:   updated.TargetID(),
		Operation: updated.Operation,
		Attempts:  updated.Attempts,
		LastError: cause.Error(),
	}
	e.logger.WithError(cause).WithFields(fields).Error("sync change failed permanently")
	e.metrics.RecordChange(string(updated.Operation), metrics.ResultFailed)
	e.appendSyncError(domain.SyncError{
		Time: now, ChangeID: updated.ID, OrderID: updated.TargetID(),
		Operation: updated.Operation, Message: failure.Error(), Permanent: true,
	})

	if !firstFailed {
		return
	}
	e.emit(domain.ChangePermanentFailure, failure)
	if e.publisher != nil {
		if err := e.publisher.PublishFailure(ctx, updated, failure); err != nil {
			e.logger.WithError(err).WithField("change_id", updated.ID).Warn("failed to publish to DLQ")
			return
		}
		e.metrics.RecordChange(string(updated.Operation), metrics.ResultForwarded)
	}
}

// retryBackoff возвращает base·2^(attempt−1), ограниченный retryMaxDelay.
func (e *Engine) retryBackoff(attempt int) time.Duration {
	if e.retryBaseDelay <= 0 {
		return 0
	}
	delay := e.retryBaseDelay
	for i := 1; i < attempt; i++ {
		if delay >= e.retryMaxDelay/2 {
			return e.retryMaxDelay
		}
		delay *= 2
	}
	if delay > e.retryMaxDelay {
		return e.retryMaxDelay
	}
	return delay
}
