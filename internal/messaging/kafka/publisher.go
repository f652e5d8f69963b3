package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
)

// eventPublisher описывает, что адаптерам нужно от Producer.
type eventPublisher interface {
	PublishEvent(topic string, key string, event any, headers map[string]string) error
}

// PublishingTable оборачивает remote-таблицу и публикует ChangeEvent после каждой
// успешной записи. Ошибка публикации не откатывает запись: feed лишь ускоряет доставку,
// polling всё равно догонит изменение.
type PublishingTable struct {
	domain.OrderTable
	producer eventPublisher
	topic    string
	logger   *log.Entry
}

// NewPublishingTable создаёт декоратор; пустой topic означает TopicOrderChanges.
func NewPublishingTable(table domain.OrderTable, producer *Producer, topic string, logger *log.Entry) *PublishingTable {
	return newPublishingTable(table, producer, topic, logger)
}

func newPublishingTable(table domain.OrderTable, producer eventPublisher, topic string, logger *log.Entry) *PublishingTable {
	if topic == "" {
		topic = TopicOrderChanges
	}
	if logger == nil {
		logger = log.WithField("component", "kafka-publishing-table")
	}
	return &PublishingTable{OrderTable: table, producer: producer, topic: topic, logger: logger}
}

var _ domain.OrderTable = (*PublishingTable)(nil)

func (t *PublishingTable) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	confirmed, err := t.OrderTable.Insert(ctx, order)
	if err != nil {
		return domain.Order{}, err
	}
	t.publish(NewChangeEvent(domain.FeedInsert, confirmed, confirmed.UpdatedBy))
	return confirmed, nil
}

func (t *PublishingTable) Update(ctx context.Context, id string, patch domain.Patch) (domain.Order, error) {
	confirmed, err := t.OrderTable.Update(ctx, id, patch)
	if err != nil {
		return domain.Order{}, err
	}
	t.publish(NewChangeEvent(domain.FeedUpdate, confirmed, patch.UpdatedBy))
	return confirmed, nil
}

func (t *PublishingTable) ForceUpdate(ctx context.Context, id string, patch domain.Patch) (domain.Order, error) {
	confirmed, err := t.OrderTable.ForceUpdate(ctx, id, patch)
	if err != nil {
		return domain.Order{}, err
	}
	t.publish(NewChangeEvent(domain.FeedUpdate, confirmed, patch.UpdatedBy))
	return confirmed, nil
}

func (t *PublishingTable) SoftDelete(ctx context.Context, id string, at time.Time, actor string) error {
	if err := t.OrderTable.SoftDelete(ctx, id, at, actor); err != nil {
		return err
	}
	t.publish(NewChangeEvent(domain.FeedDelete, domain.Order{ID: id, Deleted: true, UpdatedAt: at, UpdatedBy: actor}, actor))
	return nil
}

func (t *PublishingTable) publish(event *ChangeEvent) {
	headers := map[string]string{
		HeaderActor:     event.Actor,
		HeaderOperation: string(event.Op),
	}
	if err := t.producer.PublishEvent(t.topic, event.Order.ID, event, headers); err != nil {
		t.logger.WithError(err).WithFields(log.Fields{
			"order_id": event.Order.ID,
			"op":       event.Op,
		}).Warn("change event was not published")
	}
}

// DLQPublisher отправляет permanently failed pending changes в Dead Letter Queue.
type DLQPublisher struct {
	producer eventPublisher
	topic    string
	now      func() time.Time
}

// NewDLQPublisher создаёт domain.FailurePublisher; пустой topic означает TopicDeadLetterQueue.
func NewDLQPublisher(producer *Producer, topic string) *DLQPublisher {
	return newDLQPublisher(producer, topic)
}

func newDLQPublisher(producer eventPublisher, topic string) *DLQPublisher {
	if topic == "" {
		topic = TopicDeadLetterQueue
	}
	return &DLQPublisher{
		producer: producer,
		topic:    topic,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ domain.FailurePublisher = (*DLQPublisher)(nil)

func (p *DLQPublisher) PublishFailure(ctx context.Context, change domain.PendingChange, failure *domain.PermanentSyncFailure) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka dlq publisher is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	event := FailureEvent{
		ChangeID:  change.ID,
		OrderID:   change.TargetID(),
		Operation: change.Operation,
		Attempts:  change.Attempts,
		LastError: change.LastError,
		Change:    change,
		FailedAt:  p.now(),
	}
	if failure != nil {
		event.Attempts = failure.Attempts
		event.LastError = failure.LastError
		if failure.OrderID != "" {
			event.OrderID = failure.OrderID
		}
	}

	headers := map[string]string{
		HeaderOperation:    string(event.Operation),
		HeaderAttempts:     strconv.Itoa(event.Attempts),
		HeaderErrorMessage: event.LastError,
		HeaderFailedAt:     event.FailedAt.Format(time.RFC3339),
	}
	if err := p.producer.PublishEvent(p.topic, event.OrderID, event, headers); err != nil {
		return fmt.Errorf("publish change %s to dlq: %w", change.ID, err)
	}
	return nil
}
