package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rl1809/allocation/internal/core/domain"
	"github.com/rl1809/allocation/internal/port"
)

// Dependencies is everything the handlers need. It is built once at
// process start and passed in explicitly.
type Dependencies struct {
	UnitOfWork    port.UnitOfWorkFactory
	Publisher     port.Publisher
	Notifier      port.Notifier
	Logger        *zap.Logger
	Retry         RetryConfig
	StockAlertsTo string
}

// Bootstrap wires the handlers to their dependencies and returns the bus.
func Bootstrap(deps Dependencies) *MessageBus {
	if deps.StockAlertsTo == "" {
		deps.StockAlertsTo = DefaultStockAlertRecipient
	}
	if deps.Retry.MaxAttempts == 0 {
		deps.Retry = DefaultRetryConfig()
	}

	commands := map[string]CommandHandler{
		domain.CreateBatch{}.Name():         command(AddBatch),
		domain.Allocate{}.Name():            command(Allocate),
		domain.DeAllocate{}.Name():          command(Deallocate),
		domain.ChangeBatchQuantity{}.Name(): command(ChangeBatchQuantity),
	}

	events := map[string][]EventHandler{
		domain.OutOfStock{}.Name(): {
			event(func(ctx context.Context, _ port.UnitOfWork, e domain.OutOfStock) error {
				return SendOutOfStockNotification(ctx, deps.Notifier, deps.StockAlertsTo, e)
			}),
		},
		domain.Allocated{}.Name(): {
			publishTo(deps.Publisher, TopicLineAllocated),
		},
		domain.Deallocated{}.Name(): {
			publishTo(deps.Publisher, TopicLineDeallocated),
		},
		domain.BatchQuantityChanged{}.Name(): {
			publishTo(deps.Publisher, TopicBatchQuantityChanged),
		},
	}

	return NewMessageBus(deps.UnitOfWork, commands, events, deps.Retry, deps.Logger)
}

func command[C domain.Command](fn func(context.Context, port.UnitOfWork, C) (string, error)) CommandHandler {
	return func(ctx context.Context, uow port.UnitOfWork, cmd domain.Command) (string, error) {
		c, ok := cmd.(C)
		if !ok {
			return "", fmt.Errorf("%w: %T", ErrUnknownMessage, cmd)
		}
		return fn(ctx, uow, c)
	}
}

func event[E domain.Event](fn func(context.Context, port.UnitOfWork, E) error) EventHandler {
	return func(ctx context.Context, uow port.UnitOfWork, evt domain.Event) error {
		e, ok := evt.(E)
		if !ok {
			return fmt.Errorf("%w: %T", ErrUnknownMessage, evt)
		}
		return fn(ctx, uow, e)
	}
}

func publishTo(publisher port.Publisher, topic string) EventHandler {
	return func(ctx context.Context, _ port.UnitOfWork, evt domain.Event) error {
		return PublishEvent(ctx, publisher, topic, evt)
	}
}
