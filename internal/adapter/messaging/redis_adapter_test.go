package messaging

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/allocation/internal/core/domain"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestSetIdempotency(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, nil)

	// Setup
	client.Del(ctx, "idempotency:test-key")

	ok, err := adapter.SetIdempotency(ctx, "test-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected first claim to succeed")
	}

	ok, err = adapter.SetIdempotency(ctx, "test-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second claim to fail")
	}

	ttl, _ := client.TTL(ctx, "idempotency:test-key").Result()
	if ttl <= 0 || ttl > idempotencyKeyTTL {
		t.Errorf("unexpected ttl %v", ttl)
	}

	// Released keys can be claimed again
	if err := adapter.ReleaseIdempotency(ctx, "test-key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ok, err = adapter.SetIdempotency(ctx, "test-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected claim after release to succeed")
	}
	client.Del(ctx, "idempotency:test-key")
}

func TestPublish_WritesEnvelope(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	adapter := NewRedisAdapter(client, nil)

	sub := client.Subscribe(ctx, "line_allocated")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	event := domain.Allocated{OrderID: "o1", SKU: "LAMP", Qty: 1, BatchRef: "b1"}
	if err := adapter.Publish(ctx, "line_allocated", event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		t.Fatalf("invalid envelope: %v", err)
	}
	if env.Type != "Allocated" {
		t.Errorf("expected type Allocated, got %s", env.Type)
	}
}

func TestConsumeChangeBatchQuantity(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	adapter := NewRedisAdapter(client, nil)

	received := make(chan domain.ChangeBatchQuantity, 1)
	done := make(chan error, 1)
	go func() {
		done <- adapter.ConsumeChangeBatchQuantity(ctx, func(ctx context.Context, cmd domain.ChangeBatchQuantity) error {
			select {
			case received <- cmd:
			default:
			}
			return nil
		})
	}()

	// Publish until the subscription is live
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case cmd := <-received:
			if cmd != (domain.ChangeBatchQuantity{Ref: "b1", Qty: 7}) {
				t.Errorf("unexpected command %+v", cmd)
			}
			cancel()
			if err := <-done; err != nil {
				t.Errorf("consumer returned %v", err)
			}
			return
		case <-ticker.C:
			client.Publish(ctx, ChannelChangeBatchQuantity, `{"batchref":"b1","qty":7}`)
		case <-ctx.Done():
			t.Fatal("timed out waiting for message")
		}
	}
}
