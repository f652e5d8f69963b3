package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
)

// ChangesChannel задаёт канал pg_notify, в который пишет триггер orders_notify_change.
const ChangesChannel = "orders_changes"

const (
	listenReconnectBase = 500 * time.Millisecond
	listenReconnectMax  = 30 * time.Second
)

// notification описывает тело pg_notify. Строку целиком не передаём: лимит payload 8000 байт.
type notification struct {
	Op    domain.FeedOp `json:"op"`
	ID    string        `json:"id"`
	Actor string        `json:"actor"`
}

// Listener реализует domain.ChangeFeed поверх LISTEN/NOTIFY.
type Listener struct {
	dsn    string
	table  domain.OrderTable
	logger *log.Entry
}

// NewListener создаёт change feed; table используется, чтобы дочитать строку по id из уведомления.
func NewListener(store *Store, table domain.OrderTable, logger *log.Entry) *Listener {
	if logger == nil {
		logger = log.WithField("component", "postgres-listener")
	}
	return &Listener{dsn: store.DSN(), table: table, logger: logger}
}

var _ domain.ChangeFeed = (*Listener)(nil)

// Subscribe открывает выделенное соединение, выполняет LISTEN и доставляет события в handler.
// Потерянное соединение переоткрывается с backoff, пока подписка не отменена.
func (l *Listener) Subscribe(ctx context.Context, handler func(domain.RealtimeEvent)) (func(), error) {
	conn, err := l.listen(ctx)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	go l.loop(subCtx, conn, handler)

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (l *Listener) listen(ctx context.Context) (*pgx.Conn, error) {
	connectCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()

	conn, err := pgx.Connect(connectCtx, l.dsn)
	if err != nil {
		return nil, classify("connect listener", err)
	}
	if _, err := conn.Exec(connectCtx, "LISTEN "+pgx.Identifier{ChangesChannel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, classify("listen "+ChangesChannel, err)
	}
	return conn, nil
}

func (l *Listener) loop(ctx context.Context, conn *pgx.Conn, handler func(domain.RealtimeEvent)) {
	defer func() {
		if conn != nil {
			_ = conn.Close(context.Background())
		}
	}()

	delay := listenReconnectBase
	for {
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			var err error
			conn, err = l.listen(ctx)
			if err != nil {
				l.logger.WithError(err).WithField("retry_in", delay.String()).Warn("listener reconnect failed")
				delay = nextDelay(delay)
				continue
			}
			delay = listenReconnectBase
			l.logger.Info("listener reconnected")
		}

		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.WithError(err).Warn("listener connection lost")
			_ = conn.Close(context.Background())
			conn = nil
			continue
		}

		ev, err := l.decode(ctx, n.Payload)
		if err != nil {
			l.logger.WithError(err).WithField("payload", n.Payload).Warn("skip malformed change notification")
			continue
		}
		handler(ev)
	}
}

func (l *Listener) decode(ctx context.Context, payload string) (domain.RealtimeEvent, error) {
	var msg notification
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return domain.RealtimeEvent{}, fmt.Errorf("decode notification: %w", err)
	}
	if msg.ID == "" {
		return domain.RealtimeEvent{}, fmt.Errorf("notification without id")
	}

	ev := domain.RealtimeEvent{Op: msg.Op, Actor: msg.Actor}
	if msg.Op == domain.FeedDelete {
		ev.Record = domain.Order{ID: msg.ID, Deleted: true, UpdatedBy: msg.Actor}
		return ev, nil
	}

	record, err := l.table.Get(ctx, msg.ID)
	if err != nil {
		return domain.RealtimeEvent{}, err
	}
	ev.Record = record
	return ev, nil
}

func nextDelay(delay time.Duration) time.Duration {
	delay *= 2
	if delay > listenReconnectMax {
		return listenReconnectMax
	}
	return delay
}
