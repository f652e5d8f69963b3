package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersync/internal/config"
	"github.com/vladislavdragonenkov/ordersync/internal/messaging/kafka"
)

// initKafkaProducer создаёт producer, только если он кому-то нужен: публикации
// изменений или DLQ. Недоступный брокер не останавливает запуск: возвращается nil.
func initKafkaProducer(cfg config.KafkaConfig, actorID string, logger *log.Entry) *kafka.Producer {
	if !cfg.Enabled() || (!cfg.PublishChanges && !cfg.DLQ) {
		return nil
	}

	producer, err := kafka.NewProducer(cfg.Brokers, "ordersync-"+actorID, logger.WithField("component", "kafka-producer"))
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka publishing")
		return nil
	}

	logger.WithField("brokers", cfg.Brokers).Info("kafka producer initialized")
	return producer
}
