package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
)

const defaultConsumeRetryDelay = time.Second

// GroupFactory создает consumer group для подписки.
type GroupFactory func(brokers []string, groupID string, config *sarama.Config) (sarama.ConsumerGroup, error)

// Feed реализует domain.ChangeFeed поверх топика изменений orders.
// Каждая подписка держит собственную consumer group session.
type Feed struct {
	brokers    []string
	groupID    string
	topics     []string
	newGroup   GroupFactory
	retryDelay time.Duration
	logger     *log.Entry
}

// FeedOption настраивает Feed.
type FeedOption func(*Feed)

// WithGroupFactory подменяет создание consumer group.
func WithGroupFactory(factory GroupFactory) FeedOption {
	return func(f *Feed) {
		if factory != nil {
			f.newGroup = factory
		}
	}
}

// WithRetryDelay задаёт паузу между повторными Consume после ошибки.
func WithRetryDelay(delay time.Duration) FeedOption {
	return func(f *Feed) {
		if delay >= 0 {
			f.retryDelay = delay
		}
	}
}

// WithFeedLogger задаёт логгер.
func WithFeedLogger(logger *log.Entry) FeedOption {
	return func(f *Feed) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFeed создает change feed. groupID должен быть уникален для клиента: иначе
// партиции делятся между сессиями и часть событий до клиента не дойдёт.
func NewFeed(brokers []string, groupID string, opts ...FeedOption) *Feed {
	f := &Feed{
		brokers:    brokers,
		groupID:    groupID,
		topics:     []string{TopicOrderChanges},
		newGroup:   sarama.NewConsumerGroup,
		retryDelay: defaultConsumeRetryDelay,
		logger:     log.WithField("component", "kafka-feed"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var _ domain.ChangeFeed = (*Feed)(nil)

func (f *Feed) config() *sarama.Config {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	return config
}

// Subscribe подключается к consumer group и доставляет события в handler до unsubscribe
// или отмены ctx.
func (f *Feed) Subscribe(ctx context.Context, handler func(domain.RealtimeEvent)) (func(), error) {
	group, err := f.newGroup(f.brokers, f.groupID, f.config())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w: %w", domain.ErrConnectivity, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	claims := &claimHandler{handler: handler, logger: f.logger}

	var (
		wg        sync.WaitGroup
		closeOnce sync.Once
	)
	closeGroup := func() {
		closeOnce.Do(func() {
			if err := group.Close(); err != nil {
				f.logger.WithError(err).Warn("failed to close kafka consumer")
			}
		})
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeGroup()
		f.consume(subCtx, group, claims)
	}()
	go func() {
		defer wg.Done()
		for err := range group.Errors() {
			f.logger.WithError(err).Error("consumer error")
		}
	}()

	f.logger.WithFields(log.Fields{"topics": f.topics, "group": f.groupID}).Info("kafka feed subscribed")

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			closeGroup()
			wg.Wait()
			f.logger.Info("kafka feed unsubscribed")
		})
	}, nil
}

func (f *Feed) consume(ctx context.Context, group sarama.ConsumerGroup, handler sarama.ConsumerGroupHandler) {
	for {
		// Consume возвращается на каждом rebalance, поэтому вызывается в цикле
		err := group.Consume(ctx, f.topics, handler)
		if ctx.Err() != nil || errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}
		if err == nil {
			continue
		}
		f.logger.WithError(err).Error("error from consumer")
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.retryDelay):
		}
	}
}

// claimHandler переводит сообщения топика в RealtimeEvent.
type claimHandler struct {
	handler func(domain.RealtimeEvent)
	logger  *log.Entry
}

// Setup вызывается при старте consumer session
func (h *claimHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup вызывается при завершении consumer session
func (h *claimHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim обрабатывает сообщения из partition. Битые сообщения пропускаются
// и маркируются: повтор их не исправит.
func (h *claimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			fields := log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			}
			event, err := ParseChangeEvent(message)
			if err != nil {
				h.logger.WithError(err).WithFields(fields).Warn("skip malformed change event")
			} else {
				h.logger.WithFields(fields).WithField("order_id", event.Order.ID).Debug("received change event")
				h.handler(event.Realtime())
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
