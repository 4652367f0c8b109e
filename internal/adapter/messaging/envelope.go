package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/allocation/internal/core/domain"
)

// Envelope is the wire format of every published event.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

func encodeEvent(event domain.Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event.Name(), err)
	}
	return json.Marshal(Envelope{
		ID:         uuid.NewString(),
		Type:       event.Name(),
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	})
}

// partitionKey keeps every event of one product on the same partition.
func partitionKey(event domain.Event) string {
	switch e := event.(type) {
	case domain.Allocated:
		return e.SKU
	case domain.Deallocated:
		return e.SKU
	case domain.OutOfStock:
		return e.SKU
	case domain.BatchQuantityChanged:
		return e.Ref
	}
	return event.Name()
}
