package syncer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
)

// sweepOrphans ставит в очередь create для заказов с локальным id, у которых нет ни одной
// записи в очереди. Такие заказы появляются, если очередь была потеряна или повреждена,
// и без повторной постановки никогда не попадут в remote.
func (e *Engine) sweepOrphans(ctx context.Context) error {
	orders, err := e.local.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("sweep orphans: %w", err)
	}

	var (
		queued []domain.PendingChange
		added  []string
	)
	err = e.local.UpdatePendingChanges(ctx, func(current []domain.PendingChange) ([]domain.PendingChange, error) {
		tracked := make(map[string]bool, len(current))
		for _, change := range current {
			tracked[change.TargetID()] = true
			if change.LocalID != "" {
				tracked[change.LocalID] = true
			}
		}

		queued, added = current, nil
		for _, order := range orders {
			if !domain.IsLocalID(order.ID) || order.Deleted || tracked[order.ID] {
				continue
			}
			queued = append(queued, domain.PendingChange{
				ID:        uuid.NewString(),
				Operation: domain.OperationCreate,
				Data:      order.Clone(),
				LocalID:   order.ID,
				Timestamp: e.now(),
			})
			added = append(added, order.ID)
		}
		return queued, nil
	})
	if err != nil {
		return fmt.Errorf("sweep orphans: %w", err)
	}
	if len(added) == 0 {
		return nil
	}

	e.setPending(queued)
	e.logger.WithFields(log.Fields{
		"count":     len(added),
		"order_ids": added,
	}).Warn("requeued local orders missing from the sync queue")
	return nil
}
