package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
	"github.com/vladislavdragonenkov/ordersync/internal/storage/local"
	"github.com/vladislavdragonenkov/ordersync/internal/storage/memory"
)

var t0 = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// stubRemote поверх in-memory таблицы умеет подменять id при вставке и инжектировать ошибки.
type stubRemote struct {
	*memory.OrderTable

	mu            sync.Mutex
	insertIDs     []string
	insertErr     map[string]error
	conflictOnce  map[string]bool
	insertGate    chan struct{}
	insertEntered chan struct{}

	inserts atomic.Int32
	updates atomic.Int32
}

func newStubRemote() *stubRemote {
	return &stubRemote{
		OrderTable:   memory.NewOrderTable(),
		insertErr:    make(map[string]error),
		conflictOnce: make(map[string]bool),
	}
}

func (s *stubRemote) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	s.inserts.Add(1)

	s.mu.Lock()
	gate, entered := s.insertGate, s.insertEntered
	err := s.insertErr[order.ID]
	if err == nil && len(s.insertIDs) > 0 {
		order.ID = s.insertIDs[0]
		s.insertIDs = s.insertIDs[1:]
	}
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return domain.Order{}, err
	}
	return s.OrderTable.Insert(ctx, order)
}

func (s *stubRemote) Update(ctx context.Context, id string, patch domain.Patch) (domain.Order, error) {
	s.updates.Add(1)

	s.mu.Lock()
	conflict := s.conflictOnce[id]
	delete(s.conflictOnce, id)
	s.mu.Unlock()
	if conflict {
		return domain.Order{}, domain.ErrConflict
	}
	return s.OrderTable.Update(ctx, id, patch)
}

func (s *stubRemote) failInsert(localID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.insertErr, localID)
		return
	}
	s.insertErr[localID] = err
}

type recordingPublisher struct {
	mu       sync.Mutex
	failures []*domain.PermanentSyncFailure
}

func (p *recordingPublisher) PublishFailure(_ context.Context, _ domain.PendingChange, failure *domain.PermanentSyncFailure) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, failure)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.failures)
}

type changeRecorder struct {
	mu      sync.Mutex
	changes []domain.Change
}

func (r *changeRecorder) record(change domain.Change) {
	r.mu.Lock()
	r.changes = append(r.changes, change)
	r.mu.Unlock()
}

func (r *changeRecorder) ofType(kind domain.ChangeType) []domain.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []domain.Change
	for _, change := range r.changes {
		if change.Type == kind {
			result = append(result, change)
		}
	}
	return result
}

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}

func newTestEngine(t *testing.T, remote domain.RemoteStore, options ...Option) (*Engine, *local.Store) {
	t.Helper()

	store := local.New(memory.NewKV(), quietLogger())
	return newTestEngineWithStore(t, store, remote, options...), store
}

func newTestEngineWithStore(t *testing.T, store *local.Store, remote domain.RemoteStore, options ...Option) *Engine {
	t.Helper()

	base := []Option{
		WithLogger(quietLogger()),
		WithActorID("tab-a"),
		WithRetryBaseDelay(0),
	}
	return New(store, remote, append(base, options...)...)
}

func goOnline(t *testing.T, engine *Engine) {
	t.Helper()
	if err := engine.CheckConnection(context.Background()); err != nil {
		t.Fatalf("check connection: %v", err)
	}
}

func localOrder(id string, at time.Time, payload string) domain.Order {
	return domain.Order{
		ID:         id,
		CreatedAt:  at,
		UpdatedAt:  at,
		SyncStatus: domain.SyncStatePending,
		CreatedBy:  "tab-a",
		UpdatedBy:  "tab-a",
		Payload:    json.RawMessage(payload),
	}
}

var errBoom = errors.New("boom")
