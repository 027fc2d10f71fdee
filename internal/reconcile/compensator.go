package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/safar/shop-payments/internal/models"
)

// Compensator returns reserved stock for an order that will never be paid.
type Compensator struct {
	log *slog.Logger
}

func NewCompensator(log *slog.Logger) *Compensator {
	return &Compensator{log: log}
}

// Restore increments each inventoried item's variant by its quantity inside
// tx and reports how many items were restored. Items without a variant are
// skipped.
func (c *Compensator) Restore(ctx context.Context, tx Tx, order *models.Order) (int, error) {
	restored := 0
	for _, item := range order.Items {
		if item.VariantID == nil {
			c.log.Debug("skipping non-inventoried item",
				"order_number", order.OrderNumber, "product_id", item.ProductID)
			continue
		}
		if err := tx.IncrementVariantStock(ctx, *item.VariantID, item.Quantity); err != nil {
			return restored, fmt.Errorf("restore stock for variant %d: %w", *item.VariantID, err)
		}
		restored++
	}

	c.log.Info("stock restored",
		"order_number", order.OrderNumber, "items", restored)

	return restored, nil
}
