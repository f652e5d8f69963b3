package syncer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
	"github.com/vladislavdragonenkov/ordersync/internal/storage/memory"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func runEngine(t *testing.T, engine *Engine) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := engine.Run(ctx); err != nil {
			t.Errorf("run engine: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestEngine_ReconnectLeavesSingleTimerAndSubscription(t *testing.T) {
	t.Parallel()

	table := memory.NewOrderTable()
	engine, _ := newTestEngine(t, table,
		WithPollInterval(10*time.Millisecond),
		WithReconnectInterval(10*time.Millisecond),
	)
	runEngine(t, engine)

	settled := func(sessions, subscriptions int) func() bool {
		return func() bool {
			return engine.activeSessions() == sessions && table.ActiveSubscriptions() == subscriptions
		}
	}
	require.Eventually(t, settled(1, 1), waitFor, tick)

	for i := 0; i < 3; i++ {
		table.SetOffline(true)
		engine.SetOffline("network lost")
		require.Eventually(t, settled(0, 0), waitFor, tick)
		require.False(t, engine.IsOnline())

		table.SetOffline(false)
		require.Eventually(t, func() bool { return engine.IsOnline() }, waitFor, tick)
		require.Eventually(t, settled(1, 1), waitFor, tick)
	}

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, engine.activeSessions())
	require.Equal(t, 1, table.ActiveSubscriptions())
}

func TestEngine_RunTwiceIsRejected(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t, memory.NewOrderTable(), WithPollInterval(time.Hour))
	runEngine(t, engine)
	require.Eventually(t, engine.IsOnline, waitFor, tick)

	require.ErrorIs(t, engine.Run(context.Background()), ErrAlreadyRunning)
}

func TestEngine_StopCancelsSession(t *testing.T) {
	t.Parallel()

	table := memory.NewOrderTable()
	engine, _ := newTestEngine(t, table, WithPollInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()
	require.Eventually(t, func() bool { return table.ActiveSubscriptions() == 1 }, waitFor, tick)

	cancel()
	<-done
	require.False(t, engine.IsOnline())
	require.Eventually(t, func() bool {
		return engine.activeSessions() == 0 && table.ActiveSubscriptions() == 0
	}, waitFor, tick)
}

func TestEngine_RealtimeBetweenClients(t *testing.T) {
	t.Parallel()

	table := memory.NewOrderTable()
	writer, writerStore := newTestEngine(t, table, WithActorID("tab-a"), WithPollInterval(time.Hour))
	reader, readerStore := newTestEngine(t, table, WithActorID("tab-b"), WithPollInterval(time.Hour))
	runEngine(t, writer)
	runEngine(t, reader)
	require.Eventually(t, func() bool { return table.ActiveSubscriptions() == 2 }, waitFor, tick)

	ctx := context.Background()
	now := DefaultClock()
	order := localOrder(domain.NewLocalID(now), now, `{"customer_name":"Пётр"}`)
	require.NoError(t, writerStore.Upsert(ctx, order))
	_, err := writer.Enqueue(ctx, domain.OperationCreate, order, order.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		orders, err := readerStore.GetAll(ctx)
		return err == nil && len(orders) == 1 && !domain.IsLocalID(orders[0].ID)
	}, waitFor, tick, "enqueue must trigger an immediate flush and the other client must receive it")

	require.Eventually(t, func() bool { return writer.GetStatus().PendingCount == 0 }, waitFor, tick)
	orders, err := writerStore.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, domain.SyncStateSynced, orders[0].SyncStatus)
}

func TestEngine_PollingWithoutRealtime(t *testing.T) {
	t.Parallel()

	table := memory.NewOrderTable()
	engine, store := newTestEngine(t, table,
		WithRealtimeEnabled(false),
		WithPollInterval(10*time.Millisecond),
	)
	runEngine(t, engine)
	require.Eventually(t, engine.IsOnline, waitFor, tick)
	require.Zero(t, table.ActiveSubscriptions())

	now := DefaultClock()
	_, err := table.Insert(context.Background(), domain.Order{
		ID: "srv_remote", CreatedAt: now, UpdatedAt: now, UpdatedBy: "tab-z",
		Payload: json.RawMessage(`{"phone":"+7 900"}`),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok, err := store.Get(context.Background(), "srv_remote")
		return err == nil && ok
	}, waitFor, tick)
	require.False(t, engine.GetStatus().LastSync.IsZero())
}

func TestEngine_ReconnectDuringCycleRunsFullCycle(t *testing.T) {
	t.Parallel()

	remote := newStubRemote()
	engine, store := newTestEngine(t, remote,
		WithRealtimeEnabled(false),
		WithPollInterval(time.Hour),
		WithReconnectInterval(time.Hour),
	)
	runEngine(t, engine)
	require.Eventually(t, func() bool {
		status := engine.GetStatus()
		return status.IsOnline && !status.IsSyncing
	}, waitFor, tick)

	gate := make(chan struct{})
	entered := make(chan struct{}, 4)
	remote.mu.Lock()
	remote.insertGate, remote.insertEntered = gate, entered
	remote.mu.Unlock()

	ctx := context.Background()
	now := DefaultClock()
	order := localOrder(domain.NewLocalID(now), now, `{"customer_name":"Анна"}`)
	require.NoError(t, store.Upsert(ctx, order))
	_, err := engine.Enqueue(ctx, domain.OperationCreate, order, order.ID)
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("flush did not reach remote insert")
	}

	engine.SetOffline("network lost")
	_, err = remote.OrderTable.Insert(ctx, domain.Order{
		ID: "srv_other", CreatedAt: DefaultClock(), UpdatedAt: DefaultClock(), UpdatedBy: "tab-b",
		Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, engine.CheckConnection(ctx))

	status := engine.GetStatus()
	require.True(t, status.IsSyncing)
	require.Equal(t, domain.StateOnlineSyncing, status.State, "state must follow the running cycle")

	close(gate)

	require.Eventually(t, func() bool {
		_, ok, err := store.Get(ctx, "srv_other")
		return err == nil && ok
	}, waitFor, tick, "reconnect must run a pull even if the previous cycle was still running")
	require.Eventually(t, func() bool {
		status := engine.GetStatus()
		return status.State == domain.StateOnlineIdle && !status.IsSyncing && status.PendingCount == 0
	}, waitFor, tick)
}

func TestEngine_ReconnectRequeuesOrphanedLocalOrders(t *testing.T) {
	t.Parallel()

	remote := newStubRemote()
	engine, store := newTestEngine(t, remote,
		WithRealtimeEnabled(false),
		WithPollInterval(time.Hour),
	)
	ctx := context.Background()
	now := DefaultClock()

	orphan := localOrder("local_orphan", now, `{"customer_name":"orphan"}`)
	queued := localOrder("local_queued", now, `{"customer_name":"queued"}`)
	tombstone := localOrder("local_gone", now, `{}`)
	tombstone.Deleted = true
	for _, order := range []domain.Order{orphan, queued, tombstone} {
		require.NoError(t, store.Upsert(ctx, order))
	}
	_, err := engine.Enqueue(ctx, domain.OperationCreate, queued, queued.ID)
	require.NoError(t, err)

	runEngine(t, engine)

	require.Eventually(t, func() bool {
		rows, err := remote.ListSince(ctx, time.Time{})
		return err == nil && len(rows) == 2 && engine.GetStatus().PendingCount == 0
	}, waitFor, tick)
	require.EqualValues(t, 2, remote.inserts.Load(), "orders already in the queue are not requeued")

	orders, err := store.GetAll(ctx)
	require.NoError(t, err)
	for _, order := range orders {
		if order.Deleted {
			require.Equal(t, "local_gone", order.ID)
			continue
		}
		require.False(t, domain.IsLocalID(order.ID), "order %s must be confirmed", order.ID)
	}
}
