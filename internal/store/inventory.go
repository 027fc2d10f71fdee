package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/shop-payments/internal/database"
	"github.com/safar/shop-payments/internal/models"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func CreateProduct(ctx context.Context, db *sql.DB, sku, name string) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx,
		`INSERT INTO products (sku, name, created_at, updated_at)
		 VALUES ($1, $2, NOW(), NOW())
		 RETURNING id`,
		sku, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create product: %w", err)
	}
	return id, nil
}

func CreateVariant(ctx context.Context, db *sql.DB, productID int64, sku string, stock int) (*models.Variant, error) {
	variant := &models.Variant{}

	err := db.QueryRowContext(ctx,
		`INSERT INTO product_variants (product_id, sku, stock, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 RETURNING id, product_id, sku, stock, updated_at`,
		productID, sku, stock).Scan(
		&variant.ID,
		&variant.ProductID,
		&variant.SKU,
		&variant.Stock,
		&variant.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create variant: %w", err)
	}

	return variant, nil
}

func GetVariant(ctx context.Context, db *sql.DB, id int64) (*models.Variant, error) {
	variant := &models.Variant{}

	err := db.QueryRowContext(ctx,
		`SELECT id, product_id, sku, stock, updated_at
		 FROM product_variants
		 WHERE id = $1`,
		id).Scan(
		&variant.ID,
		&variant.ProductID,
		&variant.SKU,
		&variant.Stock,
		&variant.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrVariantNotFound
		}
		return nil, fmt.Errorf("get variant: %w", err)
	}

	return variant, nil
}

// DecrementVariantStock reserves quantity units. The guarded UPDATE keeps
// the counter from going negative without a prior read.
func DecrementVariantStock(ctx context.Context, ex execer, variantID int64, quantity int) error {
	result, err := ex.ExecContext(ctx,
		`UPDATE product_variants
		 SET stock = stock - $1,
		     updated_at = NOW()
		 WHERE id = $2
		   AND stock >= $1`,
		quantity, variantID)
	if err != nil {
		if database.IsCheckViolation(err) {
			return database.ErrInsufficientStock
		}
		return fmt.Errorf("decrement stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrInsufficientStock
	}

	return nil
}

// IncrementVariantStock returns quantity units to the variant's counter in
// a single atomic statement.
func IncrementVariantStock(ctx context.Context, ex execer, variantID int64, quantity int) error {
	result, err := ex.ExecContext(ctx,
		`UPDATE product_variants
		 SET stock = stock + $1,
		     updated_at = NOW()
		 WHERE id = $2`,
		quantity, variantID)
	if err != nil {
		return fmt.Errorf("increment stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrVariantNotFound
	}

	return nil
}
