package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rl1809/allocation/internal/core/domain"
	"github.com/rl1809/allocation/internal/port"
)

const etaLayout = "2006-01-02"

// schema is portable between MySQL and SQLite. ETAs are stored as
// YYYY-MM-DD text so both drivers scan them the same way.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		sku VARCHAR(64) NOT NULL PRIMARY KEY,
		version_number INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS batches (
		reference VARCHAR(64) NOT NULL PRIMARY KEY,
		sku VARCHAR(64) NOT NULL,
		purchased_quantity INTEGER NOT NULL,
		eta VARCHAR(10) NULL
	)`,
	`CREATE TABLE IF NOT EXISTS allocations (
		batch_ref VARCHAR(64) NOT NULL,
		order_id VARCHAR(64) NOT NULL,
		sku VARCHAR(64) NOT NULL,
		qty INTEGER NOT NULL,
		PRIMARY KEY (batch_ref, order_id, sku, qty)
	)`,
}

// SQLStore persists products through database/sql. Products are read
// without locks; Commit writes them in one transaction guarded by a
// version check on the products row.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) NewUnitOfWork() port.UnitOfWork {
	return &sqlUnitOfWork{store: s}
}

func (s *SQLStore) Allocations(ctx context.Context, orderID string) ([]domain.AllocationView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, batch_ref FROM allocations
		WHERE order_id = ?
		ORDER BY batch_ref, sku`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	var views []domain.AllocationView
	for rows.Next() {
		var v domain.AllocationView
		if err := rows.Scan(&v.SKU, &v.BatchRef); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

// snapshot is what a product looked like when it was loaded.
type snapshot struct {
	version int
	batches map[string]batchSnapshot
}

type batchSnapshot struct {
	purchased   int
	allocations map[domain.OrderLine]struct{}
}

func (s *SQLStore) load(ctx context.Context, sku string) (*domain.Product, *snapshot, error) {
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT version_number FROM products WHERE sku = ?`, sku,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("query product: %w", err)
	}

	allocations, err := s.loadAllocations(ctx, sku)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT reference, purchased_quantity, eta FROM batches
		WHERE sku = ?
		ORDER BY reference`, sku)
	if err != nil {
		return nil, nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	snap := &snapshot{version: version, batches: make(map[string]batchSnapshot)}
	var batches []*domain.Batch
	for rows.Next() {
		var (
			ref       string
			purchased int
			rawETA    sql.NullString
		)
		if err := rows.Scan(&ref, &purchased, &rawETA); err != nil {
			return nil, nil, fmt.Errorf("scan batch: %w", err)
		}
		eta, err := parseETA(rawETA)
		if err != nil {
			return nil, nil, fmt.Errorf("batch %s: %w", ref, err)
		}

		lines := allocations[ref]
		batches = append(batches, domain.RestoreBatch(ref, sku, purchased, eta, lines))

		set := make(map[domain.OrderLine]struct{}, len(lines))
		for _, line := range lines {
			set[line] = struct{}{}
		}
		snap.batches[ref] = batchSnapshot{purchased: purchased, allocations: set}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate batches: %w", err)
	}

	return domain.RestoreProduct(sku, version, batches), snap, nil
}

func (s *SQLStore) loadAllocations(ctx context.Context, sku string) (map[string][]domain.OrderLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_ref, order_id, qty FROM allocations
		WHERE sku = ?`, sku)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	byBatch := make(map[string][]domain.OrderLine)
	for rows.Next() {
		var ref string
		line := domain.OrderLine{SKU: sku}
		if err := rows.Scan(&ref, &line.OrderID, &line.Qty); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		byBatch[ref] = append(byBatch[ref], line)
	}
	return byBatch, rows.Err()
}

func (s *SQLStore) skuForBatch(ctx context.Context, ref string) (string, bool, error) {
	var sku string
	err := s.db.QueryRowContext(ctx, `SELECT sku FROM batches WHERE reference = ?`, ref).Scan(&sku)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query batch: %w", err)
	}
	return sku, true, nil
}

func (s *SQLStore) commit(ctx context.Context, products []*domain.Product, snapshots map[string]*snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, p := range products {
		if err := writeProduct(ctx, tx, p, snapshots[p.SKU]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func writeProduct(ctx context.Context, tx *sql.Tx, p *domain.Product, snap *snapshot) error {
	if snap == nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO products (sku, version_number) VALUES (?, ?)`,
			p.SKU, p.VersionNumber,
		); err != nil {
			return fmt.Errorf("insert product %s: %w", p.SKU, err)
		}
		snap = &snapshot{}
	} else {
		result, err := tx.ExecContext(ctx, `
			UPDATE products SET version_number = ?
			WHERE sku = ? AND version_number = ?`,
			p.VersionNumber, p.SKU, snap.version,
		)
		if err != nil {
			return fmt.Errorf("update product %s: %w", p.SKU, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("update product %s: %w", p.SKU, err)
		}
		if rows == 0 {
			return fmt.Errorf("product %s: %w", p.SKU, port.ErrConcurrentModification)
		}
	}

	for _, b := range p.Batches {
		before, existed := snap.batches[b.Reference]
		switch {
		case !existed:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO batches (reference, sku, purchased_quantity, eta)
				VALUES (?, ?, ?, ?)`,
				b.Reference, b.SKU, b.PurchasedQuantity(), formatETA(b.ETA),
			); err != nil {
				return fmt.Errorf("insert batch %s: %w", b.Reference, err)
			}
		case before.purchased != b.PurchasedQuantity():
			if _, err := tx.ExecContext(ctx,
				`UPDATE batches SET purchased_quantity = ? WHERE reference = ?`,
				b.PurchasedQuantity(), b.Reference,
			); err != nil {
				return fmt.Errorf("update batch %s: %w", b.Reference, err)
			}
		}

		if err := writeAllocations(ctx, tx, b, before.allocations); err != nil {
			return err
		}
	}
	return nil
}

func writeAllocations(ctx context.Context, tx *sql.Tx, b *domain.Batch, before map[domain.OrderLine]struct{}) error {
	current := b.Allocations()
	now := make(map[domain.OrderLine]struct{}, len(current))
	for _, line := range current {
		now[line] = struct{}{}
	}

	for line := range before {
		if _, ok := now[line]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM allocations
			WHERE batch_ref = ? AND order_id = ? AND sku = ? AND qty = ?`,
			b.Reference, line.OrderID, line.SKU, line.Qty,
		); err != nil {
			return fmt.Errorf("delete allocation from %s: %w", b.Reference, err)
		}
	}

	for _, line := range current {
		if _, ok := before[line]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO allocations (batch_ref, order_id, sku, qty)
			VALUES (?, ?, ?, ?)`,
			b.Reference, line.OrderID, line.SKU, line.Qty,
		); err != nil {
			return fmt.Errorf("insert allocation into %s: %w", b.Reference, err)
		}
	}
	return nil
}

func formatETA(eta *time.Time) sql.NullString {
	if eta == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: eta.Format(etaLayout), Valid: true}
}

func parseETA(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := time.Parse(etaLayout, raw.String)
	if err != nil {
		return nil, fmt.Errorf("parse eta %q: %w", raw.String, err)
	}
	return &t, nil
}

type sqlUnitOfWork struct {
	store *SQLStore
	eventCollector
}

func (u *sqlUnitOfWork) Begin(ctx context.Context) (port.Tx, error) {
	return &sqlTx{
		uow: u,
		repo: &sqlRepository{
			store:     u.store,
			identity:  newIdentityMap(),
			snapshots: make(map[string]*snapshot),
		},
	}, nil
}

type sqlTx struct {
	uow    *sqlUnitOfWork
	repo   *sqlRepository
	closed bool
}

func (t *sqlTx) Products() port.ProductRepository {
	return t.repo
}

func (t *sqlTx) Commit(ctx context.Context) error {
	if t.closed {
		return errTxClosed
	}
	seen := t.repo.identity.seen()
	if err := t.uow.store.commit(ctx, seen, t.repo.snapshots); err != nil {
		return err
	}
	t.closed = true
	t.uow.retain(seen)
	return nil
}

// Rollback discards the scope. Nothing reaches the database before Commit.
func (t *sqlTx) Rollback() error {
	t.closed = true
	return nil
}

type sqlRepository struct {
	store     *SQLStore
	identity  *identityMap
	snapshots map[string]*snapshot
}

func (r *sqlRepository) Add(ctx context.Context, product *domain.Product) error {
	r.identity.put(product)
	return nil
}

func (r *sqlRepository) Get(ctx context.Context, sku string) (*domain.Product, error) {
	if p, ok := r.identity.get(sku); ok {
		return p, nil
	}
	p, snap, err := r.store.load(ctx, sku)
	if err != nil || p == nil {
		return nil, err
	}
	r.snapshots[sku] = snap
	r.identity.put(p)
	return p, nil
}

func (r *sqlRepository) GetByBatchRef(ctx context.Context, ref string) (*domain.Product, error) {
	if p := r.identity.batchOwner(ref); p != nil {
		return p, nil
	}
	sku, ok, err := r.store.skuForBatch(ctx, ref)
	if err != nil || !ok {
		return nil, err
	}
	return r.Get(ctx, sku)
}

func (r *sqlRepository) Seen() []*domain.Product {
	return r.identity.seen()
}
