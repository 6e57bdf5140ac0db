package postgres

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"async-dispatch/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPool connects to DISPATCH_TEST_POSTGRES_DSN, migrates it and empties
// the callbacks table. Tests skip when the variable is not set.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DISPATCH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DISPATCH_TEST_POSTGRES_DSN not set - skipping postgres integration test")
	}
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool, logger))
	_, err = pool.Exec(ctx, `TRUNCATE callbacks RESTART IDENTITY`)
	require.NoError(t, err)
	return pool
}

func TestPostgresCallbackStore_SaveAndList(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewPostgresCallbackStore(pool, slog.New(slog.NewTextHandler(io.Discard, nil)))

	received := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	records := []*domain.CallbackRecord{
		{TaskID: "10000000", ReceivedAt: received, Body: []byte(`{"taskID":"10000000","sum":"1 + 3 = 4"}`)},
		{TaskID: "10000001", ReceivedAt: received.Add(time.Second), Body: []byte(`{"taskID":"10000001","sum":"2 + 6 = 8"}`)},
		{TaskID: "10000000", ReceivedAt: received.Add(2 * time.Second), Body: []byte(`{"taskID":"10000000","sum":"1 + 3 = 4"}`)},
	}
	for _, r := range records {
		require.NoError(t, store.Save(ctx, r))
	}

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "10000001", all[1].TaskID)
	assert.True(t, received.Equal(all[0].ReceivedAt))

	dups, err := store.List(ctx, "10000000")
	require.NoError(t, err)
	require.Len(t, dups, 2, "repeat deliveries are stored, not merged")
	assert.JSONEq(t, `{"taskID":"10000000","sum":"1 + 3 = 4"}`, string(dups[1].Body))

	none, err := store.List(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPostgresCallbackStore_RejectsNonJSONBody(t *testing.T) {
	pool := testPool(t)
	store := NewPostgresCallbackStore(pool, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := store.Save(context.Background(), &domain.CallbackRecord{
		TaskID: "10000000", ReceivedAt: time.Now(), Body: []byte(`not json`),
	})
	assert.Error(t, err)
}

func TestMigrate_IsIdempotent(t *testing.T) {
	pool := testPool(t)
	require.NoError(t, Migrate(context.Background(), pool, slog.New(slog.NewTextHandler(io.Discard, nil))))
}
