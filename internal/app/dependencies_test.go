package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vladislavdragonenkov/ordersync/internal/config"
	"github.com/vladislavdragonenkov/ordersync/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/ordersync/internal/health"
)

func TestInitRuntimeDependencies_MemoryStack(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDependencies(t, memoryConfig())

	require.NotNil(t, deps.engine)
	require.NotNil(t, deps.orders)
	require.True(t, deps.remote.HasFeed())
	require.Equal(t, "test-actor", deps.engine.ActorID())
	require.False(t, deps.compaction.Enabled())
	require.True(t, deps.engine.GetStatus().RealtimeEnabled)
}

func TestInitRuntimeDependencies_SQLiteLocalStore(t *testing.T) {
	t.Parallel()
	cfg := memoryConfig()
	cfg.Local.Driver = config.LocalDriverSQLite
	cfg.Local.Path = filepath.Join(t.TempDir(), "orders.db")

	deps, _ := newTestDependencies(t, cfg)
	order, err := deps.orders.Create(context.Background(), []byte(`{"customer_name":"Olga"}`))
	require.NoError(t, err)

	stored, err := deps.orders.Get(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, order.ID, stored.ID)
}

func TestInitRuntimeDependencies_GeneratesActorID(t *testing.T) {
	t.Parallel()
	cfg := memoryConfig()
	cfg.Sync.ActorID = ""

	deps, _ := newTestDependencies(t, cfg)
	require.NotEmpty(t, deps.engine.ActorID())
}

func TestInitRuntimeDependencies_FeedNoneDisablesRealtime(t *testing.T) {
	t.Parallel()
	cfg := memoryConfig()
	cfg.Remote.Feed = config.FeedNone

	deps, _ := newTestDependencies(t, cfg)
	require.False(t, deps.remote.HasFeed())
	require.False(t, deps.engine.GetStatus().RealtimeEnabled)
}

func TestInitRuntimeDependencies_UnsupportedDrivers(t *testing.T) {
	t.Parallel()
	logger := log.WithField("test", t.Name())

	cfg := memoryConfig()
	cfg.Remote.Driver = "mongo"
	_, err := initRuntimeDependencies(context.Background(), cfg, prometheus.NewRegistry(), noop.NewTracerProvider(), logger)
	require.ErrorContains(t, err, "unsupported remote driver")

	cfg = memoryConfig()
	cfg.Local.Driver = "bolt"
	_, err = initRuntimeDependencies(context.Background(), cfg, prometheus.NewRegistry(), noop.NewTracerProvider(), logger)
	require.ErrorContains(t, err, "unsupported local driver")
}

func TestRuntimeDependencies_CloseInReverseOrder(t *testing.T) {
	t.Parallel()

	var order []int
	deps := &runtimeDependencies{}
	deps.onClose(func() error { order = append(order, 1); return nil })
	deps.onClose(nil)
	deps.onClose(func() error { order = append(order, 2); return errors.New("boom") })

	err := deps.close()
	require.EqualError(t, err, "boom")
	require.Equal(t, []int{2, 1}, order)
	require.NoError(t, deps.close())
}

func TestHealth_RegistersComponentChecks(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDependencies(t, memoryConfig())

	overall, checks := deps.health.Run(context.Background())
	require.Equal(t, healthcheck.StatusHealthy, overall)
	require.Contains(t, checks, "local_store")
	require.Contains(t, checks, "remote")
	require.Contains(t, checks, "sync_queue")
}

type staticStatus domain.SyncStatus

func (s staticStatus) GetStatus() domain.SyncStatus { return domain.SyncStatus(s) }

func TestSyncQueueChecker(t *testing.T) {
	t.Parallel()

	check := syncQueueChecker(staticStatus{PendingCount: 1, PendingChanges: []domain.PendingChange{{ID: "c1"}}}).Check(context.Background())
	require.Equal(t, healthcheck.StatusHealthy, check.Status)

	check = syncQueueChecker(staticStatus{
		PendingCount:   2,
		PendingChanges: []domain.PendingChange{{ID: "c1", Failed: true}, {ID: "c2"}},
	}).Check(context.Background())
	require.Equal(t, healthcheck.StatusDegraded, check.Status)
	require.Equal(t, "1 of 2 pending changes failed permanently", check.Message)
}
