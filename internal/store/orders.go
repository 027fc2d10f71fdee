package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/safar/shop-payments/internal/database"
	"github.com/safar/shop-payments/internal/models"
	"github.com/shopspring/decimal"
)

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// CreateOrderRequest is what checkout hands over when it places an order.
// Stock for inventoried items is reserved in the same transaction.
type CreateOrderRequest struct {
	UserID          int64
	OrderNumber     string
	Currency        string
	TaxAmount       decimal.Decimal
	ShippingCost    decimal.Decimal
	ShippingAddress models.ShippingAddress
	Items           []OrderItemRequest
}

type OrderItemRequest struct {
	ProductID    int64
	VariantID    *int64
	ProductName  string
	SKU          string
	Quantity     int
	PricePerItem decimal.Decimal
	Discount     decimal.Decimal
}

func generateOrderNumber() string {
	return fmt.Sprintf("ORD-%d", time.Now().UnixNano())
}

const orderColumns = `
	o.id, o.user_id, o.order_number, o.status, o.currency,
	o.subtotal, o.tax_amount, o.shipping_cost, o.total_amount,
	o.payment_method, o.payment_provider, o.payment_id, o.paid_at, o.canceled_at,
	o.shipping_address, o.created_at, o.updated_at, o.version,
	u.name, u.email, u.phone`

func CreateOrder(ctx context.Context, db *sql.DB, req CreateOrderRequest) (*models.Order, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("create order: no items")
	}

	orderNumber := req.OrderNumber
	if orderNumber == "" {
		orderNumber = generateOrderNumber()
	}
	currency := req.Currency
	if currency == "" {
		currency = "IDR"
	}

	subtotal := decimal.Zero
	for _, item := range req.Items {
		unit := item.PricePerItem.Sub(item.Discount)
		subtotal = subtotal.Add(unit.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	total := subtotal.Add(req.TaxAmount).Add(req.ShippingCost)

	address, err := json.Marshal(req.ShippingAddress)
	if err != nil {
		return nil, fmt.Errorf("encode shipping address: %w", err)
	}

	var orderID int64
	err = database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)",
			req.UserID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check user exists: %w", err)
		}
		if !exists {
			return database.ErrUserNotFound
		}

		err = tx.QueryRowContext(ctx,
			`INSERT INTO orders (user_id, order_number, status, currency, subtotal, tax_amount,
			                     shipping_cost, total_amount, shipping_address, created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW(), 1)
			 RETURNING id`,
			req.UserID, orderNumber, models.OrderStatusPending, currency, subtotal,
			req.TaxAmount, req.ShippingCost, total, address).Scan(&orderID)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		for _, item := range req.Items {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO order_items (order_id, product_id, variant_id, product_name, sku,
				                          quantity, price_per_item, discount, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
				orderID, item.ProductID, item.VariantID, item.ProductName, item.SKU,
				item.Quantity, item.PricePerItem, item.Discount)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}

			if item.VariantID == nil {
				continue
			}
			if err := DecrementVariantStock(ctx, tx, *item.VariantID, item.Quantity); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return GetOrderByNumber(ctx, db, orderNumber)
}

func GetOrderByNumber(ctx context.Context, q querier, orderNumber string) (*models.Order, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+orderColumns+`
		 FROM orders o
		 JOIN users u ON u.id = o.user_id
		 WHERE o.order_number = $1`,
		orderNumber)

	order, err := scanOrder(row)
	if err != nil {
		return nil, err
	}

	items, err := getOrderItems(ctx, q, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

// LockOrderByNumber reads the order and its items with a row lock held
// until tx ends. Concurrent callers for the same order serialize here.
func LockOrderByNumber(ctx context.Context, tx *sql.Tx, orderNumber string) (*models.Order, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+`
		 FROM orders o
		 JOIN users u ON u.id = o.user_id
		 WHERE o.order_number = $1
		 FOR UPDATE OF o`,
		orderNumber)

	order, err := scanOrder(row)
	if err != nil {
		return nil, err
	}

	items, err := getOrderItems(ctx, tx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

// SetPaymentReference assigns the external payment reference exactly once.
// It fails with ErrPaymentReferenceSet when a reference already exists or
// the order has left PENDING.
func SetPaymentReference(ctx context.Context, db *sql.DB, orderID int64, method models.PaymentMethod, provider models.Provider, paymentID string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE orders
		 SET payment_method = $2,
		     payment_provider = $3,
		     payment_id = $4,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $1
		   AND payment_id IS NULL
		   AND status = $5`,
		orderID, method, provider, paymentID, models.OrderStatusPending)
	if err != nil {
		return fmt.Errorf("set payment reference: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrPaymentReferenceSet
	}

	return nil
}

func MarkOrderPaid(ctx context.Context, ex execer, orderID int64, paidAt time.Time, provider models.Provider, paymentID string) error {
	return transition(ctx, ex,
		`UPDATE orders
		 SET status = $2,
		     paid_at = $4,
		     payment_provider = CASE WHEN payment_provider = '' THEN $5 ELSE payment_provider END,
		     payment_id = COALESCE(payment_id, NULLIF($6, '')),
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $1 AND status = $3`,
		orderID, models.OrderStatusPaid, models.OrderStatusPending, paidAt, provider, paymentID)
}

func MarkOrderFailed(ctx context.Context, ex execer, orderID int64) error {
	return transition(ctx, ex,
		`UPDATE orders
		 SET status = $2,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $1 AND status = $3`,
		orderID, models.OrderStatusFailed, models.OrderStatusPending)
}

func MarkOrderCancelled(ctx context.Context, ex execer, orderID int64, canceledAt time.Time) error {
	return transition(ctx, ex,
		`UPDATE orders
		 SET status = $2,
		     canceled_at = $4,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $1 AND status = $3`,
		orderID, models.OrderStatusCancelled, models.OrderStatusPending, canceledAt)
}

func transition(ctx context.Context, ex execer, query string, args ...any) error {
	result, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("update order status: order %v not in expected state", args[0])
	}

	return nil
}

func scanOrder(row *sql.Row) (*models.Order, error) {
	order := &models.Order{}
	var (
		method, provider string
		paymentID        sql.NullString
		paidAt, canceled sql.NullTime
		address          []byte
	)

	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.OrderNumber,
		&order.Status,
		&order.Currency,
		&order.Subtotal,
		&order.TaxAmount,
		&order.ShippingCost,
		&order.TotalAmount,
		&method,
		&provider,
		&paymentID,
		&paidAt,
		&canceled,
		&address,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
		&order.Customer.Name,
		&order.Customer.Email,
		&order.Customer.Phone,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	order.PaymentMethod = models.PaymentMethod(method)
	order.PaymentProvider = models.Provider(provider)
	order.PaymentID = paymentID.String
	if paidAt.Valid {
		order.PaidAt = &paidAt.Time
	}
	if canceled.Valid {
		order.CanceledAt = &canceled.Time
	}
	if len(address) > 0 {
		if err := json.Unmarshal(address, &order.ShippingAddress); err != nil {
			return nil, fmt.Errorf("decode shipping address: %w", err)
		}
	}

	return order, nil
}

func getOrderItems(ctx context.Context, q querier, orderID int64) ([]models.OrderItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, order_id, product_id, variant_id, product_name, sku,
		        quantity, price_per_item, discount, created_at
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		var variantID sql.NullInt64
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&variantID,
			&item.ProductName,
			&item.SKU,
			&item.Quantity,
			&item.PricePerItem,
			&item.Discount,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		if variantID.Valid {
			id := variantID.Int64
			item.VariantID = &id
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}
