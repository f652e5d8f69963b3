package kafka

import (
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
)

func TestNewChangeEvent(t *testing.T) {
	t.Parallel()

	event := NewChangeEvent(domain.FeedUpdate, domain.Order{ID: "srv-1", UpdatedBy: "tab-b"}, "")
	require.Equal(t, "tab-b", event.Actor, "actor falls back to updated_by")
	require.False(t, event.Timestamp.IsZero())
	require.WithinDuration(t, time.Now(), event.Timestamp, time.Second)

	event = NewChangeEvent(domain.FeedUpdate, domain.Order{ID: "srv-1", UpdatedBy: "tab-b"}, "tab-c")
	require.Equal(t, "tab-c", event.Actor)
}

func TestChangeEventRealtime(t *testing.T) {
	t.Parallel()

	deleted := ChangeEvent{Op: domain.FeedDelete, Order: domain.Order{ID: "srv-1"}, Actor: "tab-a"}.Realtime()
	require.True(t, deleted.Record.Deleted)
	require.Equal(t, domain.SyncStateSynced, deleted.Record.SyncStatus)
	require.Equal(t, "tab-a", deleted.ActorID())

	updated := ChangeEvent{Op: domain.FeedUpdate, Order: domain.Order{ID: "srv-2", UpdatedBy: "tab-b"}}.Realtime()
	require.False(t, updated.Record.Deleted)
	require.Equal(t, "tab-b", updated.ActorID())
}

func TestParseChangeEvent(t *testing.T) {
	t.Parallel()

	valid := &sarama.ConsumerMessage{
		Value:   []byte(`{"op":"INSERT","order":{"id":"srv-1","payload":{"customer_name":"Ann"}}}`),
		Headers: []*sarama.RecordHeader{{Key: []byte(HeaderActor), Value: []byte("tab-a")}},
	}
	event, err := ParseChangeEvent(valid)
	require.NoError(t, err)
	require.Equal(t, "srv-1", event.Order.ID)
	require.Equal(t, "tab-a", event.Actor, "actor is read from header when body has none")

	cases := map[string]string{
		"broken json": `{`,
		"missing id":  `{"op":"INSERT","order":{}}`,
		"unknown op":  `{"op":"TRUNCATE","order":{"id":"srv-1"}}`,
	}
	for name, body := range cases {
		_, err := ParseChangeEvent(&sarama.ConsumerMessage{Value: []byte(body)})
		require.Error(t, err, name)
	}
}

func TestParseFailureEvent(t *testing.T) {
	t.Parallel()

	event, err := ParseFailureEvent(&sarama.ConsumerMessage{Value: []byte(`{"change_id":"c-1","attempts":5}`)})
	require.NoError(t, err)
	require.Equal(t, "c-1", event.ChangeID)
	require.Equal(t, 5, event.Attempts)

	_, err = ParseFailureEvent(&sarama.ConsumerMessage{Value: []byte("{")})
	require.Error(t, err)
}
