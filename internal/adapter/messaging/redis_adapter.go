package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rl1809/allocation/internal/core/domain"
)

const (
	ChannelChangeBatchQuantity = "change_batch_quantity"
	idempotencyKeyPrefix       = "idempotency:"
	idempotencyKeyTTL          = 24 * time.Hour
)

type RedisAdapter struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisAdapter(client *redis.Client, logger *zap.Logger) *RedisAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisAdapter{client: client, logger: logger}
}

func (r *RedisAdapter) Publish(ctx context.Context, topic string, event domain.Event) error {
	payload, err := encodeEvent(event)
	if err != nil {
		return err
	}
	r.logger.Debug("publishing", zap.String("channel", topic), zap.String("event", event.Name()))
	return r.client.Publish(ctx, topic, payload).Err()
}

// SetIdempotency claims key, returning false if it was already claimed.
func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// ReleaseIdempotency drops a claimed key so the request can be retried.
func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}

// ChangeBatchQuantityMessage is the inbound payload on the
// change_batch_quantity channel.
type ChangeBatchQuantityMessage struct {
	BatchRef string `json:"batchref"`
	Qty      int    `json:"qty"`
}

func (m ChangeBatchQuantityMessage) Command() domain.ChangeBatchQuantity {
	return domain.ChangeBatchQuantity{Ref: m.BatchRef, Qty: m.Qty}
}

// ConsumeChangeBatchQuantity feeds every message on the
// change_batch_quantity channel to handle until ctx is cancelled. Handler
// errors are logged and do not stop the subscription.
func (r *RedisAdapter) ConsumeChangeBatchQuantity(ctx context.Context, handle func(context.Context, domain.ChangeBatchQuantity) error) error {
	pubsub := r.client.Subscribe(ctx, ChannelChangeBatchQuantity)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", ChannelChangeBatchQuantity, err)
	}
	r.logger.Info("subscribed", zap.String("channel", ChannelChangeBatchQuantity))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handleChangeBatchQuantity(ctx, msg, handle)
		}
	}
}

func (r *RedisAdapter) handleChangeBatchQuantity(ctx context.Context, msg *redis.Message, handle func(context.Context, domain.ChangeBatchQuantity) error) {
	var in ChangeBatchQuantityMessage
	if err := json.Unmarshal([]byte(msg.Payload), &in); err != nil {
		r.logger.Error("invalid message", zap.String("channel", msg.Channel), zap.String("payload", msg.Payload), zap.Error(err))
		return
	}

	r.logger.Debug("handling message", zap.String("channel", msg.Channel), zap.String("batchref", in.BatchRef), zap.Int("qty", in.Qty))
	if err := handle(ctx, in.Command()); err != nil {
		r.logger.Error("failed to handle message", zap.String("batchref", in.BatchRef), zap.Error(err))
	}
}
