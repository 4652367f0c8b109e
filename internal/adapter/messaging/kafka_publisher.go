package messaging

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/rl1809/allocation/internal/core/domain"
)

// KafkaPublisher writes events to a topic per event stream.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}
}

func (k *KafkaPublisher) Publish(ctx context.Context, topic string, event domain.Event) error {
	payload, err := encodeEvent(event)
	if err != nil {
		return err
	}
	k.logger.Debug("publishing", zap.String("topic", topic), zap.String("event", event.Name()))
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(partitionKey(event)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Name())},
		},
	})
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
