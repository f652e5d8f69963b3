package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const defaultClientID = "ordersync"

// Producer публикует события изменений заказов и сообщения DLQ. Ключом сообщения служит id заказа,
// поэтому все события одного заказа попадают в одну партицию и читаются по порядку.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
}

// producerConfig собирает настройки sarama для ordersync. Metadata ретраится недолго:
// недоступный брокер не должен задерживать старт сервиса.
func producerConfig(clientID string) *sarama.Config {
	if clientID == "" {
		clientID = defaultClientID
	}
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Net.DialTimeout = 5 * time.Second
	config.Metadata.Retry.Max = 1
	config.Metadata.Retry.Backoff = 200 * time.Millisecond
	return config
}

// NewProducer подключается к брокерам.
func NewProducer(brokers []string, clientID string, logger *log.Entry) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(brokers, producerConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newProducer(producer, logger), nil
}

func newProducer(producer sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{producer: producer, logger: logger}
}

// PublishEvent сериализует event в JSON и синхронно отправляет его в topic.
func (p *Producer) PublishEvent(topic string, key string, event any, headers map[string]string) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka producer is not initialized")
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now().UTC(),
		Headers:   make([]sarama.RecordHeader, 0, len(headers)),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	fields := log.Fields{"topic": topic, "key": key}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("failed to send message to kafka")
		return fmt.Errorf("send message to %s: %w", topic, err)
	}

	fields["partition"], fields["offset"] = partition, offset
	p.logger.WithFields(fields).Debug("message sent to kafka")
	return nil
}

// Close nil-safe.
func (p *Producer) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
