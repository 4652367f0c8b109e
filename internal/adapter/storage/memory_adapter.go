package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rl1809/allocation/internal/core/domain"
	"github.com/rl1809/allocation/internal/port"
)

var errTxClosed = errors.New("transaction already closed")

// MemoryStore keeps products in process memory. Every commit of a product
// bumps its revision, and a scope whose loaded revision is stale is
// rejected, so of two scopes that loaded the same product at most one
// commits.
type MemoryStore struct {
	mu        sync.Mutex
	products  map[string]*domain.Product
	revisions map[string]int
}

// readMark is what a scope saw when it read a product.
type readMark struct {
	version  int
	revision int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:  make(map[string]*domain.Product),
		revisions: make(map[string]int),
	}
}

func (s *MemoryStore) NewUnitOfWork() port.UnitOfWork {
	return &memoryUnitOfWork{store: s}
}

// Product returns a copy of the stored product, or nil.
func (s *MemoryStore) Product(sku string) *domain.Product {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[sku]
	if !ok {
		return nil
	}
	return p.Clone()
}

func (s *MemoryStore) Allocations(ctx context.Context, orderID string) ([]domain.AllocationView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var views []domain.AllocationView
	for _, p := range s.products {
		for _, b := range p.Batches {
			for _, line := range b.Allocations() {
				if line.OrderID == orderID {
					views = append(views, domain.AllocationView{SKU: line.SKU, BatchRef: b.Reference})
				}
			}
		}
	}
	slices.SortFunc(views, compareViews)
	return views, nil
}

func (s *MemoryStore) load(sku string) (*domain.Product, readMark) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[sku]
	if !ok {
		return nil, readMark{}
	}
	return p.Clone(), readMark{version: p.VersionNumber, revision: s.revisions[sku]}
}

func (s *MemoryStore) skuForBatch(ref string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sku, p := range s.products {
		if _, ok := p.Batch(ref); ok {
			return sku, true
		}
	}
	return "", false
}

func (s *MemoryStore) commit(products []*domain.Product, seen map[string]readMark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range products {
		stored, exists := s.products[p.SKU]
		at, wasLoaded := seen[p.SKU]
		switch {
		case !wasLoaded && exists:
			return fmt.Errorf("product %s created concurrently: %w", p.SKU, port.ErrConcurrentModification)
		case wasLoaded && !exists,
			wasLoaded && stored.VersionNumber != at.version,
			wasLoaded && s.revisions[p.SKU] != at.revision:
			return fmt.Errorf("product %s: %w", p.SKU, port.ErrConcurrentModification)
		}
	}

	for _, p := range products {
		s.products[p.SKU] = p.Clone()
		s.revisions[p.SKU]++
	}
	return nil
}

type memoryUnitOfWork struct {
	store *MemoryStore
	eventCollector
}

func (u *memoryUnitOfWork) Begin(ctx context.Context) (port.Tx, error) {
	return &memoryTx{
		uow: u,
		repo: &memoryRepository{
			store:    u.store,
			identity: newIdentityMap(),
			loaded:   make(map[string]readMark),
		},
	}, nil
}

type memoryTx struct {
	uow    *memoryUnitOfWork
	repo   *memoryRepository
	closed bool
}

func (t *memoryTx) Products() port.ProductRepository {
	return t.repo
}

func (t *memoryTx) Commit(ctx context.Context) error {
	if t.closed {
		return errTxClosed
	}
	seen := t.repo.identity.seen()
	if err := t.uow.store.commit(seen, t.repo.loaded); err != nil {
		return err
	}
	t.closed = true
	t.uow.retain(seen)
	return nil
}

func (t *memoryTx) Rollback() error {
	t.closed = true
	return nil
}

type memoryRepository struct {
	store    *MemoryStore
	identity *identityMap
	loaded   map[string]readMark
}

func (r *memoryRepository) Add(ctx context.Context, product *domain.Product) error {
	r.identity.put(product)
	return nil
}

func (r *memoryRepository) Get(ctx context.Context, sku string) (*domain.Product, error) {
	if p, ok := r.identity.get(sku); ok {
		return p, nil
	}
	p, at := r.store.load(sku)
	if p == nil {
		return nil, nil
	}
	r.loaded[sku] = at
	r.identity.put(p)
	return p, nil
}

func (r *memoryRepository) GetByBatchRef(ctx context.Context, ref string) (*domain.Product, error) {
	if p := r.identity.batchOwner(ref); p != nil {
		return p, nil
	}
	sku, ok := r.store.skuForBatch(ref)
	if !ok {
		return nil, nil
	}
	return r.Get(ctx, sku)
}

func (r *memoryRepository) Seen() []*domain.Product {
	return r.identity.seen()
}

func compareViews(a, b domain.AllocationView) int {
	return cmp.Or(strings.Compare(a.BatchRef, b.BatchRef), strings.Compare(a.SKU, b.SKU))
}
