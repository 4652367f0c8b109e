package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/allocation/internal/adapter/storage"
	"github.com/rl1809/allocation/internal/core/domain"
)

type sentMessage struct {
	destination string
	message     string
}

type mockNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (m *mockNotifier) Send(ctx context.Context, destination, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMessage{destination: destination, message: message})
	return nil
}

type publishedEvent struct {
	topic string
	event domain.Event
}

type mockPublisher struct {
	mu        sync.Mutex
	published []publishedEvent
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, event domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishedEvent{topic: topic, event: event})
	return nil
}

func (m *mockPublisher) events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Event, 0, len(m.published))
	for _, p := range m.published {
		out = append(out, p.event)
	}
	return out
}

type testEnv struct {
	store     *storage.MemoryStore
	notifier  *mockNotifier
	publisher *mockPublisher
	bus       *MessageBus
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2}
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store:     storage.NewMemoryStore(),
		notifier:  &mockNotifier{},
		publisher: &mockPublisher{},
	}
	env.bus = Bootstrap(Dependencies{
		UnitOfWork: env.store.NewUnitOfWork,
		Publisher:  env.publisher,
		Notifier:   env.notifier,
		Retry:      fastRetry(),
	})
	return env
}

func (e *testEnv) handle(t *testing.T, msg domain.Message) []string {
	t.Helper()
	results, err := e.bus.Handle(context.Background(), msg)
	require.NoError(t, err)
	return results
}

func tomorrow() *time.Time {
	t := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, 1)
	return &t
}

func TestAddBatch_ForNewProduct(t *testing.T) {
	env := newTestEnv()

	results := env.handle(t, domain.CreateBatch{Ref: "b1", SKU: "CRUNCHY-ARMCHAIR", Qty: 100})

	assert.Equal(t, []string{""}, results)
	product := env.store.Product("CRUNCHY-ARMCHAIR")
	require.NotNil(t, product)
	b, ok := product.Batch("b1")
	require.True(t, ok)
	assert.Equal(t, 100, b.AvailableQuantity())
	assert.Equal(t, 1, product.VersionNumber)
}

func TestAddBatch_ForExistingProduct(t *testing.T) {
	env := newTestEnv()

	env.handle(t, domain.CreateBatch{Ref: "b1", SKU: "GARISH-RUG", Qty: 100})
	env.handle(t, domain.CreateBatch{Ref: "b2", SKU: "GARISH-RUG", Qty: 99})

	product := env.store.Product("GARISH-RUG")
	require.NotNil(t, product)
	assert.Len(t, product.Batches, 2)
}

func TestAddBatch_DuplicateReference(t *testing.T) {
	env := newTestEnv()
	env.handle(t, domain.CreateBatch{Ref: "b1", SKU: "GARISH-RUG", Qty: 100})

	_, err := env.bus.Handle(context.Background(), domain.CreateBatch{Ref: "b1", SKU: "GARISH-RUG", Qty: 5})
	assert.ErrorIs(t, err, domain.ErrDuplicateBatch)

	_, err = env.bus.Handle(context.Background(), domain.CreateBatch{Ref: "b1", SKU: "OTHER-RUG", Qty: 5})
	assert.ErrorIs(t, err, domain.ErrDuplicateBatch)
	assert.Nil(t, env.store.Product("OTHER-RUG"))
}

func TestAllocate_ReturnsBatchRef(t *testing.T) {
	env := newTestEnv()
	env.handle(t, domain.CreateBatch{Ref: "batch1", SKU: "COMPLICATED-LAMP", Qty: 100})

	results := env.handle(t, domain.Allocate{OrderID: "o1", SKU: "COMPLICATED-LAMP", Qty: 10})

	assert.Equal(t, []string{"batch1"}, results)
	assert.Equal(t, 2, env.store.Product("COMPLICATED-LAMP").VersionNumber)

	events := env.publisher.events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.Allocated{OrderID: "o1", SKU: "COMPLICATED-LAMP", Qty: 10, BatchRef: "batch1"}, events[0])
	assert.Equal(t, TopicLineAllocated, env.publisher.published[0].topic)
}

func TestAllocate_PrefersEarlierBatch(t *testing.T) {
	env := newTestEnv()
	env.handle(t, domain.CreateBatch{Ref: "later", SKU: "X", Qty: 100, ETA: tomorrow()})
	env.handle(t, domain.CreateBatch{Ref: "in-stock", SKU: "X", Qty: 100})

	results := env.handle(t, domain.Allocate{OrderID: "o1", SKU: "X", Qty: 3})

	assert.Equal(t, []string{"in-stock"}, results)
}

func TestCommands_ErrorForInvalidSku(t *testing.T) {
	env := newTestEnv()
	env.handle(t, domain.CreateBatch{Ref: "b1", SKU: "AREALSKU", Qty: 100})

	_, err := env.bus.Handle(context.Background(), domain.Allocate{OrderID: "o1", SKU: "NONEXISTENTSKU", Qty: 10})
	assert.ErrorIs(t, err, domain.ErrInvalidSku)
	assert.Contains(t, err.Error(), "NONEXISTENTSKU")

	_, err = env.bus.Handle(context.Background(), domain.DeAllocate{OrderID: "o1", SKU: "NONEXISTENTSKU", Qty: 10})
	assert.ErrorIs(t, err, domain.ErrInvalidSku)

	_, err = env.bus.Handle(context.Background(), domain.ChangeBatchQuantity{Ref: "missing", Qty: 10})
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)

	assert.Empty(t, env.publisher.events())
}

func TestDeallocate_ReturnsBatchRef(t *testing.T) {
	env := newTestEnv()
	env.handle(t, domain.CreateBatch{Ref: "b1", SKU: "TABLE", Qty: 20})
	env.handle(t, domain.Allocate{OrderID: "o1", SKU: "TABLE", Qty: 5})

	results := env.handle(t, domain.DeAllocate{OrderID: "o1", SKU: "TABLE", Qty: 5})

	assert.Equal(t, []string{"b1"}, results)
	product := env.store.Product("TABLE")
	b, _ := product.Batch("b1")
	assert.Equal(t, 20, b.AvailableQuantity())
	assert.Equal(t, 3, product.VersionNumber)
	assert.Equal(t, domain.Deallocated{OrderID: "o1", SKU: "TABLE", Qty: 5, BatchRef: "b1"}, env.publisher.events()[1])
}

func TestDeallocate_NotAllocated(t *testing.T) {
	env := newTestEnv()
	env.handle(t, domain.CreateBatch{Ref: "b1", SKU: "TABLE", Qty: 20})

	_, err := env.bus.Handle(context.Background(), domain.DeAllocate{OrderID: "o1", SKU: "TABLE", Qty: 5})

	assert.ErrorIs(t, err, domain.ErrNotAllocated)
	assert.Equal(t, 1, env.store.Product("TABLE").VersionNumber)
}

func TestAllocate_SendsEmailOnOutOfStock(t *testing.T) {
	env := newTestEnv()
	env.handle(t, domain.CreateBatch{Ref: "b1", SKU: "POPULAR-CURTAINS", Qty: 9})

	results := env.handle(t, domain.Allocate{OrderID: "o1", SKU: "POPULAR-CURTAINS", Qty: 10})

	assert.Equal(t, []string{""}, results)
	require.Len(t, env.notifier.sent, 1)
	assert.Equal(t, "stock@made.com", env.notifier.sent[0].destination)
	assert.Equal(t, "Out of stock for POPULAR-CURTAINS", env.notifier.sent[0].message)
	assert.Equal(t, 1, env.store.Product("POPULAR-CURTAINS").VersionNumber)
}

func TestAllocate_NotifierFailureDoesNotFailCommand(t *testing.T) {
	env := newTestEnv()
	env.notifier.err = errors.New("smtp down")
	env.handle(t, domain.CreateBatch{Ref: "b1", SKU: "POPULAR-CURTAINS", Qty: 9})

	results, err := env.bus.Handle(context.Background(), domain.Allocate{OrderID: "o1", SKU: "POPULAR-CURTAINS", Qty: 10})

	require.NoError(t, err)
	assert.Equal(t, []string{""}, results)
}

func TestChangeBatchQuantity_ChangesAvailable(t *testing.T) {
	env := newTestEnv()
	env.handle(t, domain.CreateBatch{Ref: "batch1", SKU: "ADORABLE-SETTEE", Qty: 100})

	env.handle(t, domain.ChangeBatchQuantity{Ref: "batch1", Qty: 50})

	b, _ := env.store.Product("ADORABLE-SETTEE").Batch("batch1")
	assert.Equal(t, 50, b.AvailableQuantity())
	assert.Equal(t, domain.BatchQuantityChanged{Ref: "batch1", Qty: 50}, env.publisher.events()[0])
}

func TestChangeBatchQuantity_ReallocatesIfNecessary(t *testing.T) {
	env := newTestEnv()
	env.handle(t, domain.CreateBatch{Ref: "batch1", SKU: "INDIFFERENT-TABLE", Qty: 50})
	env.handle(t, domain.CreateBatch{Ref: "batch2", SKU: "INDIFFERENT-TABLE", Qty: 50, ETA: tomorrow()})
	env.handle(t, domain.Allocate{OrderID: "order1", SKU: "INDIFFERENT-TABLE", Qty: 20})
	env.handle(t, domain.Allocate{OrderID: "order2", SKU: "INDIFFERENT-TABLE", Qty: 20})

	product := env.store.Product("INDIFFERENT-TABLE")
	b1, _ := product.Batch("batch1")
	b2, _ := product.Batch("batch2")
	require.Equal(t, 10, b1.AvailableQuantity())
	require.Equal(t, 50, b2.AvailableQuantity())

	results := env.handle(t, domain.ChangeBatchQuantity{Ref: "batch1", Qty: 25})

	assert.Equal(t, []string{"", "batch2"}, results)
	product = env.store.Product("INDIFFERENT-TABLE")
	b1, _ = product.Batch("batch1")
	b2, _ = product.Batch("batch2")
	assert.Equal(t, 5, b1.AvailableQuantity())
	assert.Equal(t, 30, b2.AvailableQuantity())

	events := env.publisher.events()
	require.Len(t, events, 4)
	assert.Equal(t, domain.BatchQuantityChanged{Ref: "batch1", Qty: 25}, events[2])
	assert.Equal(t, domain.Allocated{OrderID: "order1", SKU: "INDIFFERENT-TABLE", Qty: 20, BatchRef: "batch2"}, events[3])
}

func TestAllocations_ViewReflectsCommands(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.handle(t, domain.CreateBatch{Ref: "sku1batch", SKU: "sku1", Qty: 50})
	env.handle(t, domain.CreateBatch{Ref: "sku2batch", SKU: "sku2", Qty: 50, ETA: tomorrow()})
	env.handle(t, domain.Allocate{OrderID: "order1", SKU: "sku1", Qty: 20})
	env.handle(t, domain.Allocate{OrderID: "order1", SKU: "sku2", Qty: 20})
	env.handle(t, domain.Allocate{OrderID: "otherorder", SKU: "sku1", Qty: 30})

	views, err := env.store.Allocations(ctx, "order1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.AllocationView{
		{SKU: "sku1", BatchRef: "sku1batch"},
		{SKU: "sku2", BatchRef: "sku2batch"},
	}, views)

	env.handle(t, domain.DeAllocate{OrderID: "order1", SKU: "sku1", Qty: 20})

	views, err = env.store.Allocations(ctx, "order1")
	require.NoError(t, err)
	assert.Equal(t, []domain.AllocationView{{SKU: "sku2", BatchRef: "sku2batch"}}, views)
}

func TestAllocate_ConcurrentRequestsNeverOverAllocate(t *testing.T) {
	env := newTestEnv()
	env.handle(t, domain.CreateBatch{Ref: "b1", SKU: "RACE-LAMP", Qty: 10})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		allocated int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results, err := env.bus.Handle(context.Background(), domain.Allocate{
				OrderID: fmt.Sprintf("order-%d", n),
				SKU:     "RACE-LAMP",
				Qty:     1,
			})
			if err == nil && results[0] != "" {
				mu.Lock()
				allocated++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	product := env.store.Product("RACE-LAMP")
	b, _ := product.Batch("b1")
	assert.LessOrEqual(t, allocated, 10)
	assert.Equal(t, 10-allocated, b.AvailableQuantity())
	assert.Equal(t, allocated+1, product.VersionNumber)
}
