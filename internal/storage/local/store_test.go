package local_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
	"github.com/vladislavdragonenkov/ordersync/internal/storage/local"
	"github.com/vladislavdragonenkov/ordersync/internal/storage/memory"
)

func sampleOrder(id string, updatedAt time.Time) domain.Order {
	return domain.Order{
		ID:         id,
		CreatedAt:  updatedAt.Add(-time.Hour),
		UpdatedAt:  updatedAt,
		SyncStatus: domain.SyncStatePending,
		CreatedBy:  "user-1",
		UpdatedBy:  "user-1",
		Payload:    json.RawMessage(`{"customer_name":"Анна","items":[{"sku":"rose","qty":3}],"total":1500.5,"gift":true,"note":null}`),
	}
}

func TestStore_UpsertGetAllRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := local.New(memory.NewKV(), nil)

	order := sampleOrder("order-1", time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, store.Upsert(ctx, order))

	orders, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, order, orders[0])
}

func TestStore_UpsertOrderAndReplace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := local.New(memory.NewKV(), nil)
	at := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Upsert(ctx, sampleOrder("a", at)))
	require.NoError(t, store.Upsert(ctx, sampleOrder("b", at)))
	require.NoError(t, store.Upsert(ctx, sampleOrder("c", at)))

	updated := sampleOrder("b", at.Add(time.Minute))
	updated.Deleted = true
	require.NoError(t, store.Upsert(ctx, updated))
	require.NoError(t, store.Upsert(ctx, updated))

	orders, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "a"}, ids(orders))
	require.True(t, orders[1].Deleted)
}

func TestStore_RemapID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := local.New(memory.NewKV(), nil)
	at := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Upsert(ctx, sampleOrder("local_1", at)))
	require.NoError(t, store.RemapID(ctx, "local_1", "srv_9"))
	require.NoError(t, store.RemapID(ctx, "local_missing", "srv_10"))

	orders, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"srv_9"}, ids(orders))

	require.NoError(t, store.Upsert(ctx, sampleOrder("local_2", at)))
	require.NoError(t, store.RemapID(ctx, "local_2", "srv_9"))

	orders, err = store.GetAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"srv_9"}, ids(orders), "duplicate confirmed id must collapse")
}

func TestStore_CorruptDataTreatedAsEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := memory.NewKV()
	require.NoError(t, kv.Put(ctx, local.KeyOrders, []byte(`{not json`)))
	require.NoError(t, kv.Put(ctx, local.KeyPendingChanges, []byte(`[{"id":`)))
	require.NoError(t, kv.Put(ctx, local.KeyLastPull, []byte(`"yesterday"`)))
	store := local.New(kv, nil)

	orders, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Empty(t, orders)

	changes, err := store.LoadPendingChanges(ctx)
	require.NoError(t, err)
	require.Empty(t, changes)

	_, ok, err := store.LastPull(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Upsert(ctx, sampleOrder("a", time.Now().UTC())))
	orders, err = store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1, "write after corruption must start from an empty collection")
}

func TestStore_ReadFailureDegradesToEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := local.New(&failingBackend{err: errors.New("quota exceeded")}, nil)

	orders, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Empty(t, orders)

	err = store.Upsert(ctx, sampleOrder("a", time.Now().UTC()))
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrPersistence)
}

func TestStore_PendingChangesLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := local.New(memory.NewKV(), nil)
	at := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	changes := []domain.PendingChange{
		{ID: "1", Operation: domain.OperationCreate, Data: sampleOrder("local_1", at), LocalID: "local_1", Timestamp: at},
		{ID: "2", Operation: domain.OperationUpdate, Data: sampleOrder("srv_1", at), Timestamp: at.Add(time.Second)},
	}
	require.NoError(t, store.SavePendingChanges(ctx, changes))

	loaded, err := store.LoadPendingChanges(ctx)
	require.NoError(t, err)
	require.Equal(t, changes, loaded)

	err = store.UpdatePendingChanges(ctx, func(current []domain.PendingChange) ([]domain.PendingChange, error) {
		return current[1:], nil
	})
	require.NoError(t, err)

	sentinel := errors.New("abort")
	err = store.UpdatePendingChanges(ctx, func([]domain.PendingChange) ([]domain.PendingChange, error) {
		return nil, sentinel
	})
	require.ErrorIs(t, err, sentinel)

	loaded, err = store.LoadPendingChanges(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "2", loaded[0].ID)

	require.NoError(t, store.ClearPendingChanges(ctx))
	loaded, err = store.LoadPendingChanges(ctx)
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestStore_ConcurrentQueueAppends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := memory.NewKV()
	tabA := local.New(kv, nil)
	tabB := local.New(kv, nil)

	const perTab = 25
	var wg sync.WaitGroup
	for tab, store := range []*local.Store{tabA, tabB} {
		wg.Add(1)
		go func(tab int, store *local.Store) {
			defer wg.Done()
			for i := 0; i < perTab; i++ {
				id := fmt.Sprintf("%d-%d", tab, i)
				err := store.UpdatePendingChanges(ctx, func(current []domain.PendingChange) ([]domain.PendingChange, error) {
					return append(current, domain.PendingChange{ID: id, Operation: domain.OperationUpdate}), nil
				})
				if err != nil {
					t.Errorf("append %s: %v", id, err)
				}
			}
		}(tab, store)
	}
	wg.Wait()

	loaded, err := tabA.LoadPendingChanges(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2*perTab)
}

func TestStore_LastPullAndPurge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := local.New(memory.NewKV(), nil)
	at := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	_, ok, err := store.LastPull(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.SetLastPull(ctx, at))
	got, ok, err := store.LastPull(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Equal(at))

	oldTombstone := sampleOrder("old", at.Add(-48*time.Hour))
	oldTombstone.Deleted = true
	oldTombstone.SyncStatus = domain.SyncStateSynced
	pendingTombstone := sampleOrder("pending", at.Add(-48*time.Hour))
	pendingTombstone.Deleted = true
	live := sampleOrder("live", at.Add(-48*time.Hour))
	live.SyncStatus = domain.SyncStateSynced

	for _, o := range []domain.Order{oldTombstone, pendingTombstone, live} {
		require.NoError(t, store.Upsert(ctx, o))
	}

	purged, err := store.PurgeDeleted(ctx, at.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	orders, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"pending", "live"}, ids(orders))
}

func ids(orders []domain.Order) []string {
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.ID)
	}
	return out
}

type failingBackend struct {
	err error
}

func (b *failingBackend) Get(context.Context, string) ([]byte, bool, error) { return nil, false, b.err }
func (b *failingBackend) Put(context.Context, string, []byte) error         { return b.err }
func (b *failingBackend) Delete(context.Context, string) error              { return b.err }
func (b *failingBackend) Update(context.Context, string, func([]byte, bool) ([]byte, error)) error {
	return b.err
}
