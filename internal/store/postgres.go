package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/safar/shop-payments/internal/database"
	"github.com/safar/shop-payments/internal/models"
	"github.com/safar/shop-payments/internal/reconcile"
)

// Orders adapts the package functions to the collaborator interfaces the
// payment orchestrator and reconciler consume.
type Orders struct {
	db *sql.DB
}

func NewOrders(db *sql.DB) *Orders {
	return &Orders{db: db}
}

func (o *Orders) GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	return GetOrderByNumber(ctx, o.db, orderNumber)
}

func (o *Orders) SetPaymentReference(ctx context.Context, orderID int64, method models.PaymentMethod, provider models.Provider, paymentID string) error {
	return SetPaymentReference(ctx, o.db, orderID, method, provider, paymentID)
}

// WithOrderLocked runs fn inside one transaction holding the order's row
// lock. Serialization failures and deadlocks re-run fn from scratch.
func (o *Orders) WithOrderLocked(ctx context.Context, orderNumber string, fn func(ctx context.Context, tx reconcile.Tx, order *models.Order) error) error {
	return database.WithRetry(ctx, o.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		order, err := LockOrderByNumber(ctx, tx, orderNumber)
		if err != nil {
			return err
		}
		return fn(ctx, orderTx{tx: tx}, order)
	})
}

type orderTx struct {
	tx *sql.Tx
}

func (t orderTx) MarkPaid(ctx context.Context, orderID int64, paidAt time.Time, provider models.Provider, paymentID string) error {
	return MarkOrderPaid(ctx, t.tx, orderID, paidAt, provider, paymentID)
}

func (t orderTx) MarkFailed(ctx context.Context, orderID int64) error {
	return MarkOrderFailed(ctx, t.tx, orderID)
}

func (t orderTx) MarkCancelled(ctx context.Context, orderID int64, canceledAt time.Time) error {
	return MarkOrderCancelled(ctx, t.tx, orderID, canceledAt)
}

func (t orderTx) IncrementVariantStock(ctx context.Context, variantID int64, quantity int) error {
	return IncrementVariantStock(ctx, t.tx, variantID, quantity)
}
