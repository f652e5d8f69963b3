// Package remote собирает RemoteStore из таблицы orders и источника change feed.
package remote

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
)

// ErrNoFeed возвращается Subscribe, если клиент собран без change feed.
var ErrNoFeed = errors.New("remote: change feed is not configured")

// Client делегирует табличные операции OrderTable, а подписку ChangeFeed.
// Таблица и feed могут жить в разных бэкендах (например, Postgres + Kafka).
type Client struct {
	domain.OrderTable
	feed   domain.ChangeFeed
	logger *log.Entry
}

// New собирает клиента. feed может быть nil: тогда realtime недоступен, работает только polling.
func New(table domain.OrderTable, feed domain.ChangeFeed, logger *log.Entry) *Client {
	if logger == nil {
		logger = log.WithField("component", "remote-client")
	}
	return &Client{OrderTable: table, feed: feed, logger: logger}
}

var _ domain.RemoteStore = (*Client)(nil)

// Subscribe открывает подписку на изменения orders.
func (c *Client) Subscribe(ctx context.Context, handler func(domain.RealtimeEvent)) (func(), error) {
	if c.feed == nil {
		return nil, ErrNoFeed
	}
	unsubscribe, err := c.feed.Subscribe(ctx, handler)
	if err != nil {
		c.logger.WithError(err).Warn("realtime subscribe failed")
		return nil, err
	}
	c.logger.Debug("realtime subscription opened")
	return unsubscribe, nil
}

// HasFeed сообщает, доступен ли realtime.
func (c *Client) HasFeed() bool {
	return c.feed != nil
}

// CheckConnection выполняет Ping и сообщает время ответа.
func (c *Client) CheckConnection(ctx context.Context) (time.Duration, error) {
	started := time.Now()
	err := c.Ping(ctx)
	return time.Since(started), err
}
