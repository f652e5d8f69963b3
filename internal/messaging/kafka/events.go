package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderChanges    = "ordersync.order.changes"
	TopicDeadLetterQueue = "ordersync.dlq" // pending changes, исчерпавшие лимит попыток
)

// Kafka headers
const (
	HeaderActor        = "x-actor"
	HeaderOperation    = "x-operation"
	HeaderAttempts     = "x-attempts"
	HeaderErrorMessage = "x-error-message"
	HeaderFailedAt     = "x-failed-at"
)

// ChangeEvent описывает изменение строки orders, опубликованное после успешной записи в remote.
type ChangeEvent struct {
	Op        domain.FeedOp `json:"op"`
	Order     domain.Order  `json:"order"`
	Actor     string        `json:"actor,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewChangeEvent создает событие изменения заказа
func NewChangeEvent(op domain.FeedOp, order domain.Order, actor string) *ChangeEvent {
	if actor == "" {
		actor = order.UpdatedBy
	}
	return &ChangeEvent{
		Op:        op,
		Order:     order,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
	}
}

// Realtime переводит событие в формат change feed.
func (e ChangeEvent) Realtime() domain.RealtimeEvent {
	record := e.Order
	if e.Op == domain.FeedDelete {
		record.Deleted = true
	}
	record.SyncStatus = domain.SyncStateSynced
	return domain.RealtimeEvent{Op: e.Op, Record: record, Actor: e.Actor}
}

// FailureEvent описывает сообщение DLQ о pending change, который больше не ретраится.
type FailureEvent struct {
	ChangeID  string               `json:"change_id"`
	OrderID   string               `json:"order_id"`
	Operation domain.Operation     `json:"operation"`
	Attempts  int                  `json:"attempts"`
	LastError string               `json:"last_error"`
	Change    domain.PendingChange `json:"change"`
	FailedAt  time.Time            `json:"failed_at"`
}

// ParseChangeEvent парсит ChangeEvent из сообщения
func ParseChangeEvent(message *sarama.ConsumerMessage) (*ChangeEvent, error) {
	var event ChangeEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal change event: %w", err)
	}
	if event.Order.ID == "" {
		return nil, fmt.Errorf("change event without order id")
	}
	switch event.Op {
	case domain.FeedInsert, domain.FeedUpdate, domain.FeedDelete:
	default:
		return nil, fmt.Errorf("unsupported change op %q", event.Op)
	}
	if event.Actor == "" {
		event.Actor = headerValue(message, HeaderActor)
	}
	return &event, nil
}

// ParseFailureEvent парсит FailureEvent из сообщения DLQ
func ParseFailureEvent(message *sarama.ConsumerMessage) (*FailureEvent, error) {
	var event FailureEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failure event: %w", err)
	}
	return &event, nil
}

func headerValue(message *sarama.ConsumerMessage, key string) string {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == key {
			return string(header.Value)
		}
	}
	return ""
}
