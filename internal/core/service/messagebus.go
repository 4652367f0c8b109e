package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/allocation/internal/core/domain"
	"github.com/rl1809/allocation/internal/port"
)

var (
	ErrNoHandler      = errors.New("no handler registered")
	ErrUnknownMessage = errors.New("unknown message kind")
)

const tracerName = "github.com/rl1809/allocation/internal/core/service"

// CommandHandler processes one command and returns a batch reference, or
// "" when there is none.
type CommandHandler func(ctx context.Context, uow port.UnitOfWork, cmd domain.Command) (string, error)

type EventHandler func(ctx context.Context, uow port.UnitOfWork, event domain.Event) error

// MessageBus dispatches a message and everything it causes, breadth first,
// on the calling goroutine.
type MessageBus struct {
	newUnitOfWork   port.UnitOfWorkFactory
	commandHandlers map[string]CommandHandler
	eventHandlers   map[string][]EventHandler
	retry           RetryConfig
	logger          *zap.Logger
	tracer          trace.Tracer
}

func NewMessageBus(
	newUnitOfWork port.UnitOfWorkFactory,
	commandHandlers map[string]CommandHandler,
	eventHandlers map[string][]EventHandler,
	retry RetryConfig,
	logger *zap.Logger,
) *MessageBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageBus{
		newUnitOfWork:   newUnitOfWork,
		commandHandlers: commandHandlers,
		eventHandlers:   eventHandlers,
		retry:           retry,
		logger:          logger,
		tracer:          otel.Tracer(tracerName),
	}
}

// Handle processes msg and the whole cascade it triggers. It returns one
// result per command processed, in processing order. A failing command
// aborts the call; failing event handlers are logged and skipped.
func (b *MessageBus) Handle(ctx context.Context, msg domain.Message) ([]string, error) {
	uow := b.newUnitOfWork()
	queue := []domain.Message{msg}
	var results []string

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		switch m := next.(type) {
		case domain.Command:
			result, produced, err := b.handleCommand(ctx, uow, m)
			if err != nil {
				return nil, err
			}
			results = append(results, result)
			queue = append(queue, produced...)
		case domain.Event:
			queue = append(queue, b.handleEvent(ctx, uow, m)...)
		default:
			return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, next)
		}
	}

	return results, nil
}

func (b *MessageBus) handleCommand(ctx context.Context, uow port.UnitOfWork, cmd domain.Command) (string, []domain.Message, error) {
	handler, ok := b.commandHandlers[cmd.Name()]
	if !ok {
		return "", nil, fmt.Errorf("%w for command %s", ErrNoHandler, cmd.Name())
	}

	ctx, span := b.tracer.Start(ctx, "command "+cmd.Name(),
		trace.WithAttributes(attribute.String("message.name", cmd.Name())))
	defer span.End()

	b.logger.Debug("handling command", zap.String("command", cmd.Name()), zap.Any("payload", cmd))

	result, err := handler(ctx, uow, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.Error("command failed", zap.String("command", cmd.Name()), zap.Any("payload", cmd), zap.Error(err))
		return "", nil, err
	}

	return result, uow.CollectNewEvents(), nil
}

func (b *MessageBus) handleEvent(ctx context.Context, uow port.UnitOfWork, event domain.Event) []domain.Message {
	var produced []domain.Message

	for i, handler := range b.eventHandlers[event.Name()] {
		hctx, span := b.tracer.Start(ctx, "event "+event.Name(),
			trace.WithAttributes(
				attribute.String("message.name", event.Name()),
				attribute.Int("handler.index", i),
			))

		attempts := 0
		err := retryWithBackoff(hctx, b.retry, func() error {
			attempts++
			b.logger.Debug("handling event",
				zap.String("event", event.Name()),
				zap.Any("payload", event),
				zap.Int("attempt", attempts),
			)
			return handler(hctx, uow, event)
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			b.logger.Error("failed to handle event, giving up",
				zap.String("event", event.Name()),
				zap.Any("payload", event),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
			continue
		}
		span.End()

		produced = append(produced, uow.CollectNewEvents()...)
	}

	return produced
}
