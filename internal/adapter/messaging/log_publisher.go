package messaging

import (
	"context"

	"go.uber.org/zap"

	"github.com/rl1809/allocation/internal/core/domain"
)

// LogPublisher only logs events. Used when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (l *LogPublisher) Publish(ctx context.Context, topic string, event domain.Event) error {
	l.logger.Info("event", zap.String("topic", topic), zap.String("type", event.Name()), zap.Any("payload", event))
	return nil
}
