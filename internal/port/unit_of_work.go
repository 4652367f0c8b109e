package port

import (
	"context"
	"errors"

	"github.com/rl1809/allocation/internal/core/domain"
)

// ErrConcurrentModification is returned by Commit when another transaction
// changed a product after it was loaded.
var ErrConcurrentModification = errors.New("concurrent modification")

type ProductRepository interface {
	// Add registers a new product. It is written on commit.
	Add(ctx context.Context, product *domain.Product) error

	// Get returns the product for sku, or nil if there is none
	Get(ctx context.Context, sku string) (*domain.Product, error)

	// GetByBatchRef returns the product owning the batch, or nil
	GetByBatchRef(ctx context.Context, ref string) (*domain.Product, error)

	// Seen lists every product returned or added through this repository, in first-seen order
	Seen() []*domain.Product
}

// Tx is one transaction scope. Rollback is safe to defer: it is a no-op
// once Commit has succeeded.
type Tx interface {
	Products() ProductRepository
	Commit(ctx context.Context) error
	Rollback() error
}

type UnitOfWork interface {
	// Begin opens a new transaction scope
	Begin(ctx context.Context) (Tx, error)

	// CollectNewEvents drains pending messages from every product seen by a
	// committed scope. Each message is returned at most once.
	CollectNewEvents() []domain.Message
}

// UnitOfWorkFactory creates a fresh unit of work per bus invocation.
type UnitOfWorkFactory func() UnitOfWork

type AllocationsView interface {
	// Allocations lists the batches currently holding lines of orderID
	Allocations(ctx context.Context, orderID string) ([]domain.AllocationView, error)
}
