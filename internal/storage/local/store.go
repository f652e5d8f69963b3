// Package local хранит коллекцию заказов, очередь pending changes и отметку последнего pull
// как JSON-записи поверх key-value backend.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
)

// Ключи записей совпадают с раскладкой, которую уже использует браузерный клиент.
const (
	KeyOrders         = "orderSystem_orders"
	KeyPendingChanges = "syncPendingChanges"
	KeyLastPull       = "lastPullTime"
)

// Backend описывает key-value хранилище с атомарным read-modify-write.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Update атомарно читает значение, вызывает fn и записывает результат.
	// nil от fn означает удаление ключа.
	Update(ctx context.Context, key string, fn func(current []byte, ok bool) ([]byte, error)) error
}

// Store реализует domain.LocalStore.
type Store struct {
	backend Backend
	logger  *log.Entry
}

// New создаёт локальное хранилище поверх backend.
func New(backend Backend, logger *log.Entry) *Store {
	if logger == nil {
		logger = log.WithField("component", "local-store")
	}
	return &Store{backend: backend, logger: logger}
}

var _ domain.LocalStore = (*Store)(nil)

// GetAll возвращает заказы «новые первыми». Повреждённые данные трактуются как отсутствие.
func (s *Store) GetAll(ctx context.Context) ([]domain.Order, error) {
	raw, ok, err := s.backend.Get(ctx, KeyOrders)
	if err != nil {
		s.logger.WithError(err).Warn("failed to read orders, treating as empty")
		return []domain.Order{}, nil
	}
	if !ok {
		return []domain.Order{}, nil
	}
	return s.decodeOrders(raw), nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Order, bool, error) {
	orders, err := s.GetAll(ctx)
	if err != nil {
		return domain.Order{}, false, err
	}
	for _, order := range orders {
		if order.ID == id {
			return order, true, nil
		}
	}
	return domain.Order{}, false, nil
}

func (s *Store) Upsert(ctx context.Context, order domain.Order) error {
	if order.ID == "" {
		return domain.ErrOrderIDRequired
	}
	err := s.updateOrders(ctx, func(orders []domain.Order) []domain.Order {
		for i := range orders {
			if orders[i].ID == order.ID {
				orders[i] = order
				return orders
			}
		}
		return append([]domain.Order{order}, orders...)
	})
	if err != nil {
		return persistenceErr("upsert order "+order.ID, err)
	}
	return nil
}

// RemapID переименовывает заказ oldID в newID. Если newID уже есть (повторный flush),
// запись с временным id удаляется.
func (s *Store) RemapID(ctx context.Context, oldID, newID string) error {
	if oldID == "" || newID == "" || oldID == newID {
		return nil
	}
	err := s.updateOrders(ctx, func(orders []domain.Order) []domain.Order {
		oldIdx, newIdx := -1, -1
		for i := range orders {
			switch orders[i].ID {
			case oldID:
				oldIdx = i
			case newID:
				newIdx = i
			}
		}
		if oldIdx < 0 {
			return orders
		}
		if newIdx >= 0 {
			return append(orders[:oldIdx], orders[oldIdx+1:]...)
		}
		orders[oldIdx].ID = newID
		return orders
	})
	if err != nil {
		return persistenceErr("remap order id "+oldID, err)
	}
	return nil
}

func (s *Store) PurgeDeleted(ctx context.Context, before time.Time) (int, error) {
	purged := 0
	err := s.updateOrders(ctx, func(orders []domain.Order) []domain.Order {
		kept := orders[:0]
		for _, order := range orders {
			if order.Deleted && order.SyncStatus == domain.SyncStateSynced && order.UpdatedAt.Before(before) {
				purged++
				continue
			}
			kept = append(kept, order)
		}
		return kept
	})
	if err != nil {
		return 0, persistenceErr("purge deleted orders", err)
	}
	return purged, nil
}

func (s *Store) LoadPendingChanges(ctx context.Context) ([]domain.PendingChange, error) {
	raw, ok, err := s.backend.Get(ctx, KeyPendingChanges)
	if err != nil {
		s.logger.WithError(err).Warn("failed to read pending changes, treating as empty")
		return []domain.PendingChange{}, nil
	}
	if !ok {
		return []domain.PendingChange{}, nil
	}
	return s.decodeChanges(raw), nil
}

func (s *Store) SavePendingChanges(ctx context.Context, changes []domain.PendingChange) error {
	raw, err := json.Marshal(nonNilChanges(changes))
	if err != nil {
		return persistenceErr("encode pending changes", err)
	}
	if err := s.backend.Put(ctx, KeyPendingChanges, raw); err != nil {
		return persistenceErr("save pending changes", err)
	}
	return nil
}

func (s *Store) ClearPendingChanges(ctx context.Context) error {
	if err := s.backend.Delete(ctx, KeyPendingChanges); err != nil {
		return persistenceErr("clear pending changes", err)
	}
	return nil
}

// UpdatePendingChanges выполняет fn над актуальной очередью внутри одной транзакции backend.
// Ошибка fn возвращается как есть и отменяет запись.
func (s *Store) UpdatePendingChanges(ctx context.Context, fn func([]domain.PendingChange) ([]domain.PendingChange, error)) error {
	var fnErr error
	err := s.backend.Update(ctx, KeyPendingChanges, func(current []byte, ok bool) ([]byte, error) {
		changes := []domain.PendingChange{}
		if ok {
			changes = s.decodeChanges(current)
		}
		next, err := fn(changes)
		if err != nil {
			fnErr = err
			return nil, err
		}
		return json.Marshal(nonNilChanges(next))
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return persistenceErr("update pending changes", err)
	}
	return nil
}

func (s *Store) LastPull(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := s.backend.Get(ctx, KeyLastPull)
	if err != nil {
		s.logger.WithError(err).Warn("failed to read last pull time")
		return time.Time{}, false, nil
	}
	if !ok {
		return time.Time{}, false, nil
	}
	var at time.Time
	if err := json.Unmarshal(raw, &at); err != nil {
		s.logger.WithError(err).Warn("corrupt last pull time, ignoring")
		return time.Time{}, false, nil
	}
	return at, true, nil
}

func (s *Store) SetLastPull(ctx context.Context, at time.Time) error {
	raw, err := json.Marshal(at.UTC())
	if err != nil {
		return persistenceErr("encode last pull time", err)
	}
	if err := s.backend.Put(ctx, KeyLastPull, raw); err != nil {
		return persistenceErr("save last pull time", err)
	}
	return nil
}

func (s *Store) updateOrders(ctx context.Context, fn func([]domain.Order) []domain.Order) error {
	return s.backend.Update(ctx, KeyOrders, func(current []byte, ok bool) ([]byte, error) {
		orders := []domain.Order{}
		if ok {
			orders = s.decodeOrders(current)
		}
		next := fn(orders)
		if next == nil {
			next = []domain.Order{}
		}
		return json.Marshal(next)
	})
}

func (s *Store) decodeOrders(raw []byte) []domain.Order {
	var orders []domain.Order
	if err := json.Unmarshal(raw, &orders); err != nil {
		s.logger.WithError(err).WithField("key", KeyOrders).Warn("corrupt local data, treating as empty")
		return []domain.Order{}
	}
	if orders == nil {
		return []domain.Order{}
	}
	return orders
}

func (s *Store) decodeChanges(raw []byte) []domain.PendingChange {
	var changes []domain.PendingChange
	if err := json.Unmarshal(raw, &changes); err != nil {
		s.logger.WithError(err).WithField("key", KeyPendingChanges).Warn("corrupt local data, treating as empty")
		return []domain.PendingChange{}
	}
	if changes == nil {
		return []domain.PendingChange{}
	}
	return changes
}

func nonNilChanges(changes []domain.PendingChange) []domain.PendingChange {
	if changes == nil {
		return []domain.PendingChange{}
	}
	return changes
}

func persistenceErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrPersistence, err)
}
