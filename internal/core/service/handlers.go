package service

import (
	"context"
	"fmt"

	"github.com/rl1809/allocation/internal/core/domain"
	"github.com/rl1809/allocation/internal/port"
)

const (
	TopicLineAllocated         = "line_allocated"
	TopicLineDeallocated       = "line_deallocated"
	TopicBatchQuantityChanged  = "batch_quantity_changed"
	DefaultStockAlertRecipient = "stock@made.com"
)

func AddBatch(ctx context.Context, uow port.UnitOfWork, cmd domain.CreateBatch) (string, error) {
	tx, err := uow.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	owner, err := tx.Products().GetByBatchRef(ctx, cmd.Ref)
	if err != nil {
		return "", fmt.Errorf("get product: %w", err)
	}
	if owner != nil && owner.SKU != cmd.SKU {
		return "", fmt.Errorf("%w: %s already belongs to %s", domain.ErrDuplicateBatch, cmd.Ref, owner.SKU)
	}

	product, err := tx.Products().Get(ctx, cmd.SKU)
	if err != nil {
		return "", fmt.Errorf("get product: %w", err)
	}
	if product == nil {
		product = domain.NewProduct(cmd.SKU)
		if err := tx.Products().Add(ctx, product); err != nil {
			return "", fmt.Errorf("add product: %w", err)
		}
	}

	if err := product.AddBatch(domain.NewBatch(cmd.Ref, cmd.SKU, cmd.Qty, cmd.ETA)); err != nil {
		return "", err
	}

	return "", tx.Commit(ctx)
}

// Allocate returns "" when the product is out of stock. That is not an
// error; an OutOfStock event is raised instead.
func Allocate(ctx context.Context, uow port.UnitOfWork, cmd domain.Allocate) (string, error) {
	tx, err := uow.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	product, err := tx.Products().Get(ctx, cmd.SKU)
	if err != nil {
		return "", fmt.Errorf("get product: %w", err)
	}
	if product == nil {
		return "", fmt.Errorf("%w %s", domain.ErrInvalidSku, cmd.SKU)
	}

	ref, _ := product.Allocate(cmd.Line())
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return ref, nil
}

func Deallocate(ctx context.Context, uow port.UnitOfWork, cmd domain.DeAllocate) (string, error) {
	tx, err := uow.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	product, err := tx.Products().Get(ctx, cmd.SKU)
	if err != nil {
		return "", fmt.Errorf("get product: %w", err)
	}
	if product == nil {
		return "", fmt.Errorf("%w %s", domain.ErrInvalidSku, cmd.SKU)
	}

	ref, err := product.Deallocate(cmd.Line())
	if err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return ref, nil
}

func ChangeBatchQuantity(ctx context.Context, uow port.UnitOfWork, cmd domain.ChangeBatchQuantity) (string, error) {
	tx, err := uow.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	product, err := tx.Products().GetByBatchRef(ctx, cmd.Ref)
	if err != nil {
		return "", fmt.Errorf("get product: %w", err)
	}
	if product == nil {
		return "", fmt.Errorf("%w: %s", domain.ErrBatchNotFound, cmd.Ref)
	}

	if err := product.ChangeBatchQuantity(cmd.Ref, cmd.Qty); err != nil {
		return "", err
	}
	return "", tx.Commit(ctx)
}

func SendOutOfStockNotification(ctx context.Context, notifier port.Notifier, destination string, event domain.OutOfStock) error {
	return notifier.Send(ctx, destination, fmt.Sprintf("Out of stock for %s", event.SKU))
}

func PublishEvent(ctx context.Context, publisher port.Publisher, topic string, event domain.Event) error {
	if err := publisher.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.Name(), topic, err)
	}
	return nil
}
