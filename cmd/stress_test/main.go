package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/allocation/internal/adapter/messaging"
	"github.com/rl1809/allocation/internal/adapter/notification"
	"github.com/rl1809/allocation/internal/adapter/storage"
	"github.com/rl1809/allocation/internal/core/domain"
	"github.com/rl1809/allocation/internal/core/service"
	"github.com/rl1809/allocation/internal/port"
)

const (
	sku          = "STRESS-LAMP"
	batchRef     = "stress-batch-1"
	initialStock = 20
)

func main() {
	driver := flag.String("driver", storage.DriverSQLite, "database driver (mysql or sqlite)")
	dsn := flag.String("dsn", ":memory:", "database DSN")
	totalRequests := flag.Int("requests", 50, "number of concurrent allocations")
	flag.Parse()

	ctx := context.Background()

	db, err := storage.OpenDB(ctx, *driver, *dsn, storage.PoolOptions{MaxOpenConns: 50, MaxIdleConns: 25})
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	store := storage.NewSQLStore(db)
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	// Clear previous test data
	for _, stmt := range []string{
		`DELETE FROM allocations WHERE sku = ?`,
		`DELETE FROM batches WHERE sku = ?`,
		`DELETE FROM products WHERE sku = ?`,
	} {
		if _, err := db.ExecContext(ctx, stmt, sku); err != nil {
			log.Fatalf("failed to clear data: %v", err)
		}
	}

	logger := zap.NewNop()
	bus := service.Bootstrap(service.Dependencies{
		UnitOfWork: store.NewUnitOfWork,
		Publisher:  messaging.NewLogPublisher(logger),
		Notifier:   notification.NewLogNotifier(logger),
		Logger:     logger,
	})

	if _, err := bus.Handle(ctx, domain.CreateBatch{Ref: batchRef, SKU: sku, Qty: initialStock}); err != nil {
		log.Fatalf("failed to create batch: %v", err)
	}

	// Counters
	var successCount, outOfStockCount, conflictCount atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		orderID := uuid.NewString()
		g.Go(func() error {
			cmd := domain.Allocate{OrderID: orderID, SKU: sku, Qty: 1}

			// Conflicts are expected under contention; the caller retries.
			policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 20), gctx)
			var results []string
			err := backoff.Retry(func() error {
				var err error
				results, err = bus.Handle(gctx, cmd)
				if errors.Is(err, port.ErrConcurrentModification) {
					conflictCount.Add(1)
					return err
				}
				if err != nil {
					return backoff.Permanent(err)
				}
				return nil
			}, policy)
			if err != nil {
				return fmt.Errorf("order %s: %w", orderID, err)
			}

			if len(results) > 0 && results[0] != "" {
				successCount.Add(1)
			} else {
				outOfStockCount.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("allocation failed: %v", err)
	}
	elapsed := time.Since(start)

	// Results
	success := successCount.Load()
	outOfStock := outOfStockCount.Load()
	expectedOutOfStock := int32(max(*totalRequests-initialStock, 0))
	expectedSuccess := int32(*totalRequests) - expectedOutOfStock

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Allocated:        %d\n", success)
	fmt.Printf("Out of stock:     %d\n", outOfStock)
	fmt.Printf("Version conflicts:%d\n", conflictCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == expectedSuccess && outOfStock == expectedOutOfStock {
		fmt.Printf("PASS: %d allocated, %d out of stock\n", success, outOfStock)
	} else {
		fmt.Printf("FAIL: expected %d allocated/%d out of stock, got %d/%d\n",
			expectedSuccess, expectedOutOfStock, success, outOfStock)
	}

	// Verify persisted state
	var allocated, version int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM allocations WHERE sku = ?`, sku).Scan(&allocated); err != nil {
		log.Fatalf("failed to count allocations: %v", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT version_number FROM products WHERE sku = ?`, sku).Scan(&version); err != nil {
		log.Fatalf("failed to read version: %v", err)
	}
	fmt.Printf("Stored allocations: %d, version: %d\n", allocated, version)

	// One version for creating the batch, one per allocation.
	if allocated == int(success) && version == int(success)+1 {
		fmt.Println("PASS: no lost updates")
	} else {
		fmt.Printf("FAIL: expected %d allocations at version %d\n", success, success+1)
	}
}
