package port

import (
	"context"

	"github.com/rl1809/allocation/internal/core/domain"
)

type Publisher interface {
	// Publish sends event to topic. Delivery is best-effort.
	Publish(ctx context.Context, topic string, event domain.Event) error
}

type Notifier interface {
	// Send delivers message to destination. Delivery is best-effort.
	Send(ctx context.Context, destination, message string) error
}
