package kafka

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
)

func TestProducer_PublishEvent(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := newProducer(mockProducer, log.WithField("component", "kafka-producer-test"))

	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event ChangeEvent
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if event.Order.ID != "srv-1" || event.Op != domain.FeedInsert {
			return fmt.Errorf("unexpected event %+v", event)
		}
		return nil
	})

	event := NewChangeEvent(domain.FeedInsert, domain.Order{ID: "srv-1", UpdatedBy: "tab-a"}, "")
	if err := producer.PublishEvent(TopicOrderChanges, "srv-1", event, map[string]string{HeaderActor: "tab-a"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishEvent_Error(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := newProducer(mockProducer, log.WithField("component", "kafka-producer-test"))

	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := producer.PublishEvent(TopicOrderChanges, "srv-1", NewChangeEvent(domain.FeedUpdate, domain.Order{ID: "srv-1"}, "tab-a"), nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishEvent_MarshalError(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := newProducer(mockProducer, nil)

	if err := producer.PublishEvent(TopicOrderChanges, "k", make(chan int), nil); err == nil {
		t.Fatal("expected marshal error")
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_NotInitialized(t *testing.T) {
	var producer *Producer
	if err := producer.PublishEvent(TopicOrderChanges, "k", struct{}{}, nil); err == nil {
		t.Fatal("expected error for nil producer")
	}
	if err := producer.Close(); err != nil {
		t.Fatalf("close of nil producer should be no-op: %v", err)
	}
}

func TestNewProducerError(t *testing.T) {
	if _, err := NewProducer([]string{"invalid-broker:9092"}, "", nil); err == nil {
		t.Fatal("expected new producer error")
	}
}

func TestProducerConfig(t *testing.T) {
	config := producerConfig("")
	if config.ClientID != defaultClientID {
		t.Fatalf("expected default client id, got %q", config.ClientID)
	}
	if !config.Producer.Idempotent || config.Net.MaxOpenRequests != 1 {
		t.Fatal("idempotent producer requires a single in-flight request")
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("config must be valid: %v", err)
	}

	if got := producerConfig("ordersync-tab-a").ClientID; got != "ordersync-tab-a" {
		t.Fatalf("unexpected client id %q", got)
	}
}
