package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
)

// OrderTable реализует in-memory remote-таблицу orders вместе с change feed.
// Несколько клиентов (разные actor id) могут работать с одним экземпляром.
type OrderTable struct {
	mu         sync.RWMutex
	rows       map[string]domain.Order
	clientRefs map[string]string
	offline    bool

	subsMu sync.Mutex
	subs   map[int]*subscription
	nextID int
}

type subscription struct {
	events chan domain.RealtimeEvent
	done   chan struct{}
}

// NewOrderTable создаёт пустую таблицу.
func NewOrderTable() *OrderTable {
	return &OrderTable{
		rows:       make(map[string]domain.Order),
		clientRefs: make(map[string]string),
		subs:       make(map[int]*subscription),
	}
}

var _ domain.RemoteStore = (*OrderTable)(nil)

// SetOffline переключает имитацию недоступности: все операции возвращают ErrConnectivity.
func (t *OrderTable) SetOffline(offline bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offline = offline
}

func (t *OrderTable) Ping(context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reachable()
}

// Insert назначает uuid временным id; повторная вставка того же локального id возвращает
// уже созданную строку.
func (t *OrderTable) Insert(_ context.Context, order domain.Order) (domain.Order, error) {
	t.mu.Lock()
	if err := t.reachable(); err != nil {
		t.mu.Unlock()
		return domain.Order{}, err
	}

	clientRef := ""
	if order.ID == "" || domain.IsLocalID(order.ID) {
		clientRef = order.ID
		if existingID, ok := t.clientRefs[clientRef]; ok && clientRef != "" {
			existing := t.rows[existingID]
			t.mu.Unlock()
			return existing.Clone(), nil
		}
		order.ID = uuid.NewString()
	} else if existing, ok := t.rows[order.ID]; ok {
		t.mu.Unlock()
		return existing.Clone(), nil
	}

	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	order.SyncStatus = domain.SyncStateSynced
	order = order.Clone()
	t.rows[order.ID] = order
	if clientRef != "" {
		t.clientRefs[clientRef] = order.ID
	}
	t.mu.Unlock()

	t.publish(domain.RealtimeEvent{Op: domain.FeedInsert, Record: order.Clone(), Actor: order.UpdatedBy})
	return order.Clone(), nil
}

func (t *OrderTable) Update(_ context.Context, id string, patch domain.Patch) (domain.Order, error) {
	return t.update(id, patch, false)
}

func (t *OrderTable) ForceUpdate(_ context.Context, id string, patch domain.Patch) (domain.Order, error) {
	return t.update(id, patch, true)
}

func (t *OrderTable) update(id string, patch domain.Patch, force bool) (domain.Order, error) {
	t.mu.Lock()
	if err := t.reachable(); err != nil {
		t.mu.Unlock()
		return domain.Order{}, err
	}
	current, ok := t.rows[id]
	if !ok {
		t.mu.Unlock()
		return domain.Order{}, fmt.Errorf("update %s: %w", id, domain.ErrNotFound)
	}
	if !force && current.UpdatedAt.After(patch.UpdatedAt) {
		t.mu.Unlock()
		return domain.Order{}, fmt.Errorf("update %s: remote updated_at %s is newer: %w",
			id, current.UpdatedAt.Format(time.RFC3339Nano), domain.ErrConflict)
	}
	// Совпадение updated_at допустимо только для повтора той же записи.
	if !force && current.UpdatedAt.Equal(patch.UpdatedAt) && !current.Applied(patch) {
		t.mu.Unlock()
		return domain.Order{}, fmt.Errorf("update %s: remote updated_at %s is equal: %w",
			id, current.UpdatedAt.Format(time.RFC3339Nano), domain.ErrConflict)
	}

	current.Payload = patch.Payload
	current.Deleted = patch.Deleted
	current.UpdatedAt = patch.UpdatedAt
	current.UpdatedBy = patch.UpdatedBy
	current.SyncStatus = domain.SyncStateSynced
	current = current.Clone()
	t.rows[id] = current
	t.mu.Unlock()

	t.publish(domain.RealtimeEvent{Op: domain.FeedUpdate, Record: current.Clone(), Actor: current.UpdatedBy})
	return current.Clone(), nil
}

func (t *OrderTable) SoftDelete(_ context.Context, id string, at time.Time, actor string) error {
	t.mu.Lock()
	if err := t.reachable(); err != nil {
		t.mu.Unlock()
		return err
	}
	current, ok := t.rows[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("soft delete %s: %w", id, domain.ErrNotFound)
	}
	current.Deleted = true
	current.UpdatedAt = at
	current.UpdatedBy = actor
	t.rows[id] = current
	t.mu.Unlock()

	t.publish(domain.RealtimeEvent{Op: domain.FeedUpdate, Record: current.Clone(), Actor: actor})
	return nil
}

func (t *OrderTable) Get(_ context.Context, id string) (domain.Order, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.reachable(); err != nil {
		return domain.Order{}, err
	}
	order, ok := t.rows[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("get %s: %w", id, domain.ErrNotFound)
	}
	return order.Clone(), nil
}

func (t *OrderTable) ListSince(_ context.Context, since time.Time) ([]domain.Order, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.reachable(); err != nil {
		return nil, err
	}

	result := make([]domain.Order, 0, len(t.rows))
	for _, order := range t.rows {
		if order.UpdatedAt.Before(since) {
			continue
		}
		result = append(result, order.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

// Subscribe доставляет события в handler из отдельной горутины в порядке записи.
func (t *OrderTable) Subscribe(ctx context.Context, handler func(domain.RealtimeEvent)) (func(), error) {
	t.mu.RLock()
	err := t.reachable()
	t.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		events: make(chan domain.RealtimeEvent, 64),
		done:   make(chan struct{}),
	}
	t.subsMu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = sub
	t.subsMu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			t.subsMu.Lock()
			delete(t.subs, id)
			t.subsMu.Unlock()
			close(sub.done)
		})
	}

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case <-ctx.Done():
				unsubscribe()
				return
			case ev := <-sub.events:
				handler(ev)
			}
		}
	}()

	return unsubscribe, nil
}

// ActiveSubscriptions возвращает число неотменённых подписок.
func (t *OrderTable) ActiveSubscriptions() int {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	return len(t.subs)
}

func (t *OrderTable) publish(ev domain.RealtimeEvent) {
	t.subsMu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subsMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.events <- ev:
		case <-sub.done:
		}
	}
}

func (t *OrderTable) reachable() error {
	if t.offline {
		return fmt.Errorf("memory order table: %w", domain.ErrConnectivity)
	}
	return nil
}
