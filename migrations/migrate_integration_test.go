package migrations_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/wareflow-io/wareflow/internal/config"
	"github.com/wareflow-io/wareflow/migrations"
)

// TestRunCreatesSchema verifies the embedded migrations produce the full
// schema on a fresh database and that a second run is a no-op.
func TestRunCreatesSchema(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t) // runs migrations internally

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	tables := []string{"products", "warehouses", "warehouse_stocks", "movements", "movement_events"}

	for _, table := range tables {
		var exists bool

		err := testDB.Connection.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
			table,
		).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "table %s missing after migration", table)
	}

	// Idempotent: running again against an up-to-date schema must not fail.
	require.NoError(t, migrations.Run(testDB.Connection))
}

// TestQuantityCheckConstraint verifies the schema itself enforces
// non-negative stock even if application logic is bypassed.
func TestQuantityCheckConstraint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	_, err := testDB.Connection.ExecContext(ctx, `INSERT INTO warehouses (id) VALUES ('wh-1')`)
	require.NoError(t, err)

	_, err = testDB.Connection.ExecContext(ctx, `INSERT INTO products (id) VALUES ('prod-1')`)
	require.NoError(t, err)

	_, err = testDB.Connection.ExecContext(ctx,
		`INSERT INTO warehouse_stocks (warehouse_id, product_id, quantity) VALUES ('wh-1', 'prod-1', -1)`,
	)
	assert.Error(t, err, "negative quantity must violate the check constraint")
}
