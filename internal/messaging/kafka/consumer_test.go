package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
)

type mockConsumerGroup struct {
	consumeFn func(context.Context, []string, sarama.ConsumerGroupHandler) error
	errorsCh  chan error
	closed    atomic.Int32
}

func newMockConsumerGroup(consumeFn func(context.Context, []string, sarama.ConsumerGroupHandler) error) *mockConsumerGroup {
	return &mockConsumerGroup{consumeFn: consumeFn, errorsCh: make(chan error, 1)}
}

func (m *mockConsumerGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	if m.consumeFn != nil {
		return m.consumeFn(ctx, topics, handler)
	}
	<-ctx.Done()
	return nil
}

func (m *mockConsumerGroup) Errors() <-chan error {
	return m.errorsCh
}

func (m *mockConsumerGroup) Close() error {
	if m.closed.Add(1) == 1 {
		close(m.errorsCh)
	}
	return nil
}

func (m *mockConsumerGroup) Pause(map[string][]int32)  {}
func (m *mockConsumerGroup) Resume(map[string][]int32) {}
func (m *mockConsumerGroup) PauseAll()                 {}
func (m *mockConsumerGroup) ResumeAll()                {}

type mockSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []*sarama.ConsumerMessage
}

func (m *mockSession) Claims() map[string][]int32               { return nil }
func (m *mockSession) MemberID() string                         { return "member" }
func (m *mockSession) GenerationID() int32                      { return 1 }
func (m *mockSession) MarkOffset(string, int32, int64, string)  {}
func (m *mockSession) Commit()                                  {}
func (m *mockSession) ResetOffset(string, int32, int64, string) {}
func (m *mockSession) Context() context.Context                 { return m.ctx }
func (m *mockSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = append(m.marked, msg)
}

func (m *mockSession) markedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.marked)
}

type mockClaim struct {
	topic     string
	partition int32
	messages  chan *sarama.ConsumerMessage
}

func (m *mockClaim) Topic() string                            { return m.topic }
func (m *mockClaim) Partition() int32                         { return m.partition }
func (m *mockClaim) InitialOffset() int64                     { return 0 }
func (m *mockClaim) HighWaterMarkOffset() int64               { return 0 }
func (m *mockClaim) Messages() <-chan *sarama.ConsumerMessage { return m.messages }

func changeMessage(offset int64, body string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Topic: TopicOrderChanges, Offset: offset, Value: []byte(body)}
}

func TestConsumeClaim(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []domain.RealtimeEvent
	handler := &claimHandler{
		handler: func(ev domain.RealtimeEvent) { got = append(got, ev) },
		logger:  log.WithField("test", "claim"),
	}

	session := &mockSession{ctx: ctx}
	claim := &mockClaim{topic: TopicOrderChanges, messages: make(chan *sarama.ConsumerMessage, 2)}
	claim.messages <- changeMessage(1, `{"op":"UPDATE","order":{"id":"srv-1"},"actor":"tab-b"}`)
	claim.messages <- changeMessage(2, `not json`)
	close(claim.messages)

	if err := handler.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim failed: %v", err)
	}
	if len(got) != 1 || got[0].Record.ID != "srv-1" || got[0].Actor != "tab-b" {
		t.Fatalf("unexpected delivered events: %+v", got)
	}
	if session.markedCount() != 2 {
		t.Fatalf("malformed messages must be marked too, got %d marked", session.markedCount())
	}
}

func TestConsumeClaimStopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handler := &claimHandler{
		handler: func(domain.RealtimeEvent) {},
		logger:  log.WithField("test", "claim-stop"),
	}
	session := &mockSession{ctx: ctx}
	claim := &mockClaim{topic: TopicOrderChanges, messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan struct{})
	go func() {
		_ = handler.ConsumeClaim(session, claim)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not stop after context cancellation")
	}
}

func TestClaimHandlerSetupCleanup(t *testing.T) {
	handler := &claimHandler{}
	if err := handler.Setup(nil); err != nil {
		t.Fatalf("setup should return nil: %v", err)
	}
	if err := handler.Cleanup(nil); err != nil {
		t.Fatalf("cleanup should return nil: %v", err)
	}
}

func TestFeedSubscribeDeliversEvents(t *testing.T) {
	group := newMockConsumerGroup(func(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
		if len(topics) != 1 || topics[0] != TopicOrderChanges {
			return errors.New("unexpected topics")
		}
		claim := &mockClaim{topic: TopicOrderChanges, messages: make(chan *sarama.ConsumerMessage, 1)}
		claim.messages <- changeMessage(7, `{"op":"DELETE","order":{"id":"srv-9"},"actor":"tab-b"}`)
		session := &mockSession{ctx: ctx}
		if err := handler.ConsumeClaim(session, claim); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})

	var gotGroup string
	feed := NewFeed([]string{"broker:9092"}, "ordersync-tab-a",
		WithGroupFactory(func(_ []string, groupID string, config *sarama.Config) (sarama.ConsumerGroup, error) {
			gotGroup = groupID
			if config.Consumer.Offsets.Initial != sarama.OffsetNewest {
				return nil, errors.New("feed must start from newest offset")
			}
			return group, nil
		}),
		WithFeedLogger(log.WithField("test", "feed")),
	)

	events := make(chan domain.RealtimeEvent, 1)
	unsubscribe, err := feed.Subscribe(context.Background(), func(ev domain.RealtimeEvent) { events <- ev })
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if gotGroup != "ordersync-tab-a" {
		t.Fatalf("unexpected group id %q", gotGroup)
	}

	select {
	case ev := <-events:
		if ev.Op != domain.FeedDelete || !ev.Record.Deleted || ev.Record.ID != "srv-9" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}

	unsubscribe()
	unsubscribe()
	if got := group.closed.Load(); got != 1 {
		t.Fatalf("consumer group should be closed once, got %d", got)
	}
}

func TestFeedSubscribeFactoryError(t *testing.T) {
	feed := NewFeed(nil, "group", WithGroupFactory(func([]string, string, *sarama.Config) (sarama.ConsumerGroup, error) {
		return nil, sarama.ErrOutOfBrokers
	}))

	_, err := feed.Subscribe(context.Background(), func(domain.RealtimeEvent) {})
	if !domain.IsConnectivity(err) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
}

func TestFeedConsumeRetriesAfterError(t *testing.T) {
	var calls atomic.Int32
	group := newMockConsumerGroup(func(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
		if calls.Add(1) < 3 {
			return errors.New("rebalance failed")
		}
		<-ctx.Done()
		return nil
	})
	feed := NewFeed(nil, "group",
		WithRetryDelay(time.Millisecond),
		WithGroupFactory(func([]string, string, *sarama.Config) (sarama.ConsumerGroup, error) { return group, nil }),
	)

	unsubscribe, err := feed.Subscribe(context.Background(), func(domain.RealtimeEvent) {})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsubscribe()

	deadline := time.Now().Add(time.Second)
	for calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected consume to be retried, got %d calls", calls.Load())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFeedStopsOnClosedGroup(t *testing.T) {
	group := newMockConsumerGroup(func(context.Context, []string, sarama.ConsumerGroupHandler) error {
		return sarama.ErrClosedConsumerGroup
	})
	feed := NewFeed(nil, "group",
		WithGroupFactory(func([]string, string, *sarama.Config) (sarama.ConsumerGroup, error) { return group, nil }),
	)

	unsubscribe, err := feed.Subscribe(context.Background(), func(domain.RealtimeEvent) {})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for group.closed.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("consume loop should exit and close the group")
		}
		time.Sleep(time.Millisecond)
	}
	unsubscribe()
}
