package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"async-dispatch/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCallbackStore implements domain.CallbackStore on a pgx pool.
type PostgresCallbackStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPool connects to dsn and verifies the connection.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 5
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

func NewPostgresCallbackStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresCallbackStore {
	return &PostgresCallbackStore{pool: pool, logger: logger.With("component", "callback-store")}
}

func (s *PostgresCallbackStore) Save(ctx context.Context, record *domain.CallbackRecord) error {
	const query = `INSERT INTO callbacks (task_id, received_at, body) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, query, record.TaskID, record.ReceivedAt.UTC(), []byte(record.Body)); err != nil {
		s.logger.Error("failed to save callback", "task_id", record.TaskID, "error", err)
		return fmt.Errorf("failed to save callback to database: %w", err)
	}
	return nil
}

func (s *PostgresCallbackStore) List(ctx context.Context, taskID string) ([]*domain.CallbackRecord, error) {
	query := `SELECT task_id, received_at, body FROM callbacks ORDER BY id`
	args := []any{}
	if taskID != "" {
		query = `SELECT task_id, received_at, body FROM callbacks WHERE task_id = $1 ORDER BY id`
		args = append(args, taskID)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query callbacks: %w", err)
	}
	defer rows.Close()

	records := make([]*domain.CallbackRecord, 0)
	for rows.Next() {
		var rec domain.CallbackRecord
		var body []byte
		if err := rows.Scan(&rec.TaskID, &rec.ReceivedAt, &body); err != nil {
			return nil, fmt.Errorf("failed to scan callback row: %w", err)
		}
		rec.Body = body
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate callbacks: %w", err)
	}
	return records, nil
}

var _ domain.CallbackStore = (*PostgresCallbackStore)(nil)
