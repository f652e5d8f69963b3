// Package syncer реализует offline-first синхронизацию заказов: очередь локальных изменений,
// периодический pull, realtime-подписку и переходы Offline / Online-Idle / Online-Syncing.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
	"github.com/vladislavdragonenkov/ordersync/internal/metrics"
	"github.com/vladislavdragonenkov/ordersync/internal/service/conflict"
)

const tracerName = "github.com/vladislavdragonenkov/ordersync/internal/service/syncer"

var (
	// ErrOffline возвращается операциями, требующими связи с remote, в режиме offline.
	ErrOffline = fmt.Errorf("sync engine is offline: %w", domain.ErrConnectivity)
	// ErrAlreadyRunning возвращается при повторном вызове Run на работающем движке.
	ErrAlreadyRunning = errors.New("sync engine is already running")
)

// Resolver разрешает конфликт update, о котором сообщил remote.
type Resolver interface {
	Resolve(ctx context.Context, change domain.PendingChange) (conflict.Resolution, error)
}

type request uint8

const (
	requestFlush request = 1 << iota
	requestPull
	requestForce
	requestSweep
)

// Engine реализует sync-движок. Все поля состояния защищены mu; наблюдатели вызываются вне блокировки.
type Engine struct {
	local    domain.LocalStore
	remote   domain.RemoteStore
	resolver Resolver

	logger    *log.Entry
	metrics   *metrics.SyncMetrics
	publisher domain.FailurePublisher
	tracer    trace.Tracer
	now       func() time.Time

	actorID           string
	pollInterval      time.Duration
	reconnectInterval time.Duration
	realtimeEnabled   bool
	maxAttempts       int
	retryBaseDelay    time.Duration
	retryMaxDelay     time.Duration
	errorLogLimit     int

	mu            sync.Mutex
	state         domain.EngineState
	syncing       bool
	requested     request
	runCtx        context.Context
	sessionCancel context.CancelFunc
	lastSync      time.Time
	lastPull      time.Time
	pending       []domain.PendingChange
	syncErrors    []domain.SyncError

	observersMu  sync.Mutex
	observers    map[int]func(domain.Change)
	nextObserver int

	kick     chan struct{}
	sessions atomic.Int32
}

// New создаёт движок в состоянии Offline. Резолвер по умолчанию работает по last-write-wins
// поверх тех же local и remote.
func New(local domain.LocalStore, remote domain.RemoteStore, options ...Option) *Engine {
	opts := defaultOptions()
	for _, option := range options {
		option(&opts)
	}
	opts.normalize()

	resolver := opts.Resolver
	if resolver == nil {
		resolver = conflict.NewResolver(remote, local, conflict.WithLogger(opts.Logger.WithField("component", "conflict-resolver")))
	}
	provider := opts.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	actorID := opts.ActorID
	if actorID == "" {
		actorID = uuid.NewString()
	}

	return &Engine{
		local:             local,
		remote:            remote,
		resolver:          resolver,
		logger:            opts.Logger,
		metrics:           opts.Metrics,
		publisher:         opts.FailurePublisher,
		tracer:            provider.Tracer(tracerName),
		now:               opts.Clock,
		actorID:           actorID,
		pollInterval:      opts.PollInterval,
		reconnectInterval: opts.ReconnectInterval,
		realtimeEnabled:   opts.RealtimeEnabled,
		maxAttempts:       opts.MaxAttempts,
		retryBaseDelay:    opts.RetryBaseDelay,
		retryMaxDelay:     opts.RetryMaxDelay,
		errorLogLimit:     opts.ErrorLogLimit,
		state:             domain.StateOffline,
		observers:         make(map[int]func(domain.Change)),
		kick:              make(chan struct{}, 1),
	}
}

// ActorID возвращает идентификатор сессии, которым подписываются собственные изменения.
func (e *Engine) ActorID() string {
	return e.actorID
}

// Run держит движок живым до отмены ctx: проверяет связь при старте, а в режиме offline
// повторяет проверку каждые reconnect interval. Сессия online (таймер и подписка) существует
// только пока Run активен.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.runCtx != nil {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.runCtx = ctx
	e.mu.Unlock()

	defer func() {
		e.goOffline("engine stopped")
		e.mu.Lock()
		e.runCtx = nil
		e.mu.Unlock()
	}()

	e.restore(ctx)
	e.logger.WithFields(log.Fields{
		"actor_id":      e.actorID,
		"poll_interval": e.pollInterval.String(),
		"realtime":      e.realtimeEnabled,
	}).Info("sync engine started")

	_ = e.CheckConnection(ctx)

	ticker := time.NewTicker(e.reconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !e.IsOnline() {
				_ = e.CheckConnection(ctx)
			}
		}
	}
}

// restore поднимает из локального хранилища очередь и водяной знак pull.
func (e *Engine) restore(ctx context.Context) {
	changes, err := e.local.LoadPendingChanges(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("failed to load pending changes")
	}
	lastPull, ok, err := e.local.LastPull(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("failed to load last pull time")
	}

	e.mu.Lock()
	e.pending = changes
	if ok {
		e.lastPull = lastPull
	}
	e.mu.Unlock()
	e.metrics.SetPending(len(changes))
}

// CheckConnection выполняет лёгкий read против remote и переводит движок в соответствующее состояние.
func (e *Engine) CheckConnection(ctx context.Context) error {
	if err := e.remote.Ping(ctx); err != nil {
		e.goOffline(err.Error())
		return err
	}
	e.goOnline()
	return nil
}

// SetOffline явно сообщает о потере связи.
func (e *Engine) SetOffline(reason string) {
	e.goOffline(reason)
}

// IsOnline сообщает, считает ли движок remote доступным.
func (e *Engine) IsOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state != domain.StateOffline
}

func (e *Engine) goOnline() {
	e.mu.Lock()
	if e.state != domain.StateOffline {
		e.mu.Unlock()
		return
	}
	e.state = domain.StateOnlineIdle
	if e.syncing {
		e.state = domain.StateOnlineSyncing
	}
	state := e.state
	if e.runCtx != nil && e.runCtx.Err() == nil && e.sessionCancel == nil {
		sessionCtx, cancel := context.WithCancel(e.runCtx)
		e.sessionCancel = cancel
		e.sessions.Add(1)
		go e.session(sessionCtx)
	}
	e.mu.Unlock()

	e.logger.Info("remote is reachable, going online")
	e.metrics.SetOnline(true)
	e.emit(domain.ChangeState, state)
}

// goOffline отменяет сессию ровно один раз: повторные вызовы в Offline ничего не делают.
func (e *Engine) goOffline(reason string) {
	e.mu.Lock()
	if e.state == domain.StateOffline {
		e.mu.Unlock()
		return
	}
	e.state = domain.StateOffline
	cancel := e.sessionCancel
	e.sessionCancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.logger.WithField("reason", reason).Warn("remote is unreachable, going offline")
	e.metrics.SetOnline(false)
	e.emit(domain.ChangeState, domain.StateOffline)
}

// session держит единственный периодический цикл и единственную подписку на feed для одного
// периода online. Первый цикл выполняется сразу и начинается с поиска локальных заказов,
// выпавших из очереди.
func (e *Engine) session(ctx context.Context) {
	defer e.sessions.Add(-1)

	if e.realtimeEnabled {
		unsubscribe, err := e.remote.Subscribe(ctx, func(ev domain.RealtimeEvent) {
			e.OnRealtimeEvent(ctx, ev)
		})
		switch {
		case err == nil:
			defer unsubscribe()
		case domain.IsConnectivity(err):
			e.goOffline(err.Error())
			return
		default:
			e.logger.WithError(err).Warn("realtime is unavailable, continuing with polling only")
		}
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	_ = e.runGuarded(ctx, requestFlush|requestPull|requestSweep)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = e.runGuarded(ctx, requestFlush|requestPull)
		case <-e.kick:
			if ctx.Err() != nil {
				// Сигнал предназначен следующей сессии.
				e.requestFlushSoon()
				return
			}
			_ = e.runGuarded(ctx, requestFlush)
		}
	}
}

// activeSessions возвращает число живых горутин сессии.
func (e *Engine) activeSessions() int {
	return int(e.sessions.Load())
}

// requestFlushSoon будит сессию без блокировки; несколько запросов схлопываются в один.
func (e *Engine) requestFlushSoon() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Enqueue сохраняет локальную мутацию в очередь и, если движок online, инициирует flush.
func (e *Engine) Enqueue(ctx context.Context, op domain.Operation, order domain.Order, localID string) (domain.PendingChange, error) {
	if !op.Valid() {
		return domain.PendingChange{}, fmt.Errorf("enqueue %q: %w", op, domain.ErrInvalidOperation)
	}
	if order.ID == "" && localID == "" {
		return domain.PendingChange{}, domain.ErrOrderIDRequired
	}

	change := domain.PendingChange{
		ID:        uuid.NewString(),
		Operation: op,
		Data:      order.Clone(),
		LocalID:   localID,
		Timestamp: e.now(),
	}
	var queued []domain.PendingChange
	err := e.local.UpdatePendingChanges(ctx, func(current []domain.PendingChange) ([]domain.PendingChange, error) {
		queued = append(current, change)
		return queued, nil
	})
	if err != nil {
		return domain.PendingChange{}, fmt.Errorf("enqueue %s %s: %w", op, change.TargetID(), err)
	}
	e.setPending(queued)

	e.logger.WithFields(log.Fields{
		"change_id": change.ID,
		"operation": op,
		"order_id":  change.TargetID(),
	}).Debug("change queued")

	if e.IsOnline() {
		e.requestFlushSoon()
	}
	return change, nil
}

// FlushPending выполняет flush очереди. Если цикл уже идёт, запрос присоединяется к нему.
func (e *Engine) FlushPending(ctx context.Context) error {
	if !e.IsOnline() {
		return ErrOffline
	}
	return e.runGuarded(ctx, requestFlush)
}

// PullLatest забирает изменения remote с последнего pull.
func (e *Engine) PullLatest(ctx context.Context) error {
	if !e.IsOnline() {
		return ErrOffline
	}
	return e.runGuarded(ctx, requestPull)
}

// ForceSyncNow выполняет ручную синхронизацию: проверка связи при необходимости, flush без учёта
// backoff и пометок failed, затем pull. Как и при переподключении, потерянные create
// ставятся в очередь заново.
func (e *Engine) ForceSyncNow(ctx context.Context) error {
	if !e.IsOnline() {
		if err := e.CheckConnection(ctx); err != nil {
			return err
		}
	}
	return e.runGuarded(ctx, requestFlush|requestPull|requestForce|requestSweep)
}

// runGuarded допускает один цикл одновременно. Запросы, пришедшие во время цикла,
// накапливаются в битовой маске и выполняются одним хвостовым проходом. Если ctx
// владельца цикла отменён, а движок всё ещё online, невыполненные запросы переходят
// к текущей сессии.
func (e *Engine) runGuarded(ctx context.Context, req request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.state == domain.StateOffline {
		e.mu.Unlock()
		return ErrOffline
	}
	e.requested |= req
	if e.syncing {
		e.mu.Unlock()
		return nil
	}
	e.syncing = true
	e.state = domain.StateOnlineSyncing
	e.mu.Unlock()
	e.emit(domain.ChangeState, domain.StateOnlineSyncing)

	var err error
	for {
		e.mu.Lock()
		next := e.requested
		if next == 0 || e.state == domain.StateOffline || ctx.Err() != nil {
			e.syncing = false
			handOver := false
			finalState := e.state
			if finalState != domain.StateOffline {
				e.state = domain.StateOnlineIdle
				finalState = domain.StateOnlineIdle
				handOver = next != 0
			}
			if !handOver {
				e.requested = 0
			}
			e.mu.Unlock()
			if handOver {
				e.requestFlushSoon()
			}
			if finalState == domain.StateOnlineIdle {
				e.emit(domain.ChangeState, domain.StateOnlineIdle)
			}
			if err == nil {
				err = ctx.Err()
			}
			return err
		}
		e.requested = 0
		e.mu.Unlock()

		err = e.cycle(ctx, next)
	}
}

func (e *Engine) cycle(ctx context.Context, req request) error {
	kind := cycleKind(req)
	ctx, span := e.tracer.Start(ctx, "sync."+kind)
	defer span.End()
	started := time.Now()

	var errs []error
	if req&requestSweep != 0 {
		if err := e.sweepOrphans(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if req&requestFlush != 0 {
		report, err := e.flush(ctx, req&requestForce != 0)
		if err != nil {
			errs = append(errs, err)
		}
		e.emit(domain.ChangeFlush, report)
	}
	if req&requestPull != 0 && e.IsOnline() && ctx.Err() == nil {
		report, err := e.pull(ctx)
		if err != nil {
			errs = append(errs, err)
		} else {
			e.emit(domain.ChangePull, report)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	} else {
		at := e.now()
		e.mu.Lock()
		e.lastSync = at
		e.mu.Unlock()
		e.metrics.SetLastSync(at)
	}
	e.metrics.RecordCycle(kind, time.Since(started))
	return err
}

func cycleKind(req request) string {
	switch {
	case req&requestForce != 0:
		return "force"
	case req&requestFlush != 0 && req&requestPull != 0:
		return "full"
	case req&requestFlush != 0:
		return "flush"
	default:
		return "pull"
	}
}
