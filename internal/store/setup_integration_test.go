//go:build integration

package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/safar/shop-payments/migrations"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start postgres container")

	host, err := postgres.Host(ctx)
	require.NoError(t, err)
	port, err := postgres.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))

	_, err = migrations.Run(ctx, db, "up")
	require.NoError(t, err, "run migrations")

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Logf("close database: %v", err)
		}
		if err := postgres.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	}

	return db, cleanup
}

type fixture struct {
	user     int64
	product  int64
	variantA int64
}

// seed creates a buyer and one product with a variant holding stock units.
func seed(t *testing.T, db *sql.DB, stock int) fixture {
	t.Helper()
	ctx := context.Background()

	user, err := CreateUser(ctx, db, "buyer@example.com", "Sari Dewi", "0812000000")
	require.NoError(t, err)

	productID, err := CreateProduct(ctx, db, "SHOE", "Running Shoe")
	require.NoError(t, err)

	variant, err := CreateVariant(ctx, db, productID, "SHOE-42", stock)
	require.NoError(t, err)

	return fixture{user: user.ID, product: productID, variantA: variant.ID}
}
