package domain

import (
	"context"
	"time"
)

// LocalStore — долговременное локальное хранилище заказов и очереди изменений.
// Ошибки чтения деградируют до пустой коллекции, ошибки записи оборачивают ErrPersistence.
type LocalStore interface {
	// GetAll возвращает все заказы в порядке «новые первыми», без фильтрации.
	GetAll(ctx context.Context) ([]Order, error)
	Get(ctx context.Context, id string) (Order, bool, error)
	// Upsert вставляет заказ в начало коллекции или заменяет существующий по id.
	Upsert(ctx context.Context, order Order) error
	// RemapID заменяет временный id подтверждённым; отсутствие oldID — no-op.
	RemapID(ctx context.Context, oldID, newID string) error
	// PurgeDeleted удаляет синхронизированные tombstone-записи старше before.
	PurgeDeleted(ctx context.Context, before time.Time) (int, error)

	LoadPendingChanges(ctx context.Context) ([]PendingChange, error)
	SavePendingChanges(ctx context.Context, changes []PendingChange) error
	ClearPendingChanges(ctx context.Context) error
	// UpdatePendingChanges атомарно выполняет read-modify-write очереди.
	UpdatePendingChanges(ctx context.Context, fn func([]PendingChange) ([]PendingChange, error)) error

	LastPull(ctx context.Context) (time.Time, bool, error)
	SetLastPull(ctx context.Context, at time.Time) error
}

// OrderTable — операции над удалённой таблицей orders. Клиент не ретраит сам.
type OrderTable interface {
	// Ping выполняет лёгкий read для проверки связи.
	Ping(ctx context.Context) error
	// Insert создаёт заказ; повторная вставка с тем же локальным id возвращает существующую строку.
	Insert(ctx context.Context, order Order) (Order, error)
	// Update применяет patch; ErrConflict, если в remote запись новее patch.
	Update(ctx context.Context, id string, patch Patch) (Order, error)
	// ForceUpdate применяет patch без проверки конфликта.
	ForceUpdate(ctx context.Context, id string, patch Patch) (Order, error)
	SoftDelete(ctx context.Context, id string, at time.Time, actor string) error
	Get(ctx context.Context, id string) (Order, error)
	// ListSince возвращает записи с updated_at >= since, новые первыми.
	ListSince(ctx context.Context, since time.Time) ([]Order, error)
}

// ChangeFeed — push-подписка на изменения orders, включая чужие и собственные.
type ChangeFeed interface {
	Subscribe(ctx context.Context, handler func(RealtimeEvent)) (unsubscribe func(), err error)
}

// RemoteStore объединяет таблицу и change feed.
type RemoteStore interface {
	OrderTable
	ChangeFeed
}

// FailurePublisher получает pending changes, исчерпавшие лимит попыток (DLQ).
type FailurePublisher interface {
	PublishFailure(ctx context.Context, change PendingChange, failure *PermanentSyncFailure) error
}
