package migrate

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// setupEmptyDatabase starts PostgreSQL without applying any migration.
func setupEmptyDatabase(ctx context.Context, t *testing.T) *sql.DB {
	t.Helper()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("chai_migrate_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))

	return db
}

func tableExists(ctx context.Context, t *testing.T, db *sql.DB, table string) bool {
	t.Helper()

	var exists bool

	err := db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)", table).Scan(&exists)
	require.NoError(t, err)

	return exists
}

func TestRunner_Lifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db := setupEmptyDatabase(ctx, t)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	runner, err := NewRunner(db, DefaultTable, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = runner.Close()
	})

	status, err := runner.Status()
	require.NoError(t, err)
	assert.Zero(t, status.Version)
	assert.Equal(t, uint(1), status.Pending())

	require.NoError(t, runner.Up())
	require.NoError(t, runner.Up(), "up is idempotent")

	status, err = runner.Status()
	require.NoError(t, err)
	assert.Equal(t, uint(1), status.Version)
	assert.False(t, status.Dirty)
	assert.Zero(t, status.Pending())

	for _, table := range []string{"packages", "versions", "dependencies", "load_history"} {
		assert.True(t, tableExists(ctx, t, db, table), table)
	}

	require.NoError(t, runner.Down())
	assert.False(t, tableExists(ctx, t, db, "packages"))

	require.NoError(t, runner.Up())
	require.NoError(t, runner.Drop())
	assert.False(t, tableExists(ctx, t, db, "packages"))
}
