package nodestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/devrev/shardkv/internal/config"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS kv_store (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS kv_store_history (
		id        BIGSERIAL PRIMARY KEY,
		key       TEXT NOT NULL,
		value     TEXT,
		operation TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
	);
`

// PostgresBackend persists flushes into the kv_store and kv_store_history tables
type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresBackend connects, pings and ensures the schema exists
func NewPostgresBackend(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*PostgresBackend, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("Postgres backend connected", zap.Int32("max_conns", poolCfg.MaxConns))

	return &PostgresBackend{
		pool:   pool,
		logger: logger,
	}, nil
}

// Load reads every row of kv_store
func (b *PostgresBackend) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := b.pool.Query(ctx, `SELECT key, value FROM kv_store`)
	if err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

// Get reads one value
func (b *PostgresBackend) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value string
	err := b.pool.QueryRow(ctx, `SELECT value FROM kv_store WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get key: %w", err)
	}
	return json.RawMessage(value), true, nil
}

// Keys lists the stored keys in sorted order
func (b *PostgresBackend) Keys(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, `SELECT key FROM kv_store ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

// Apply writes ops and their history records in one transaction
func (b *PostgresBackend) Apply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, op := range ops {
		var value *string
		if op.Kind == OpPut {
			v := string(op.Value)
			value = &v
			batch.Queue(`
				INSERT INTO kv_store (key, value, updated_at) VALUES ($1, $2, $3)
				ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
			`, op.Key, v, op.Timestamp)
		} else {
			batch.Queue(`DELETE FROM kv_store WHERE key = $1`, op.Key)
		}
		batch.Queue(`
			INSERT INTO kv_store_history (key, value, operation, timestamp) VALUES ($1, $2, $3, $4)
		`, op.Key, value, string(op.Kind), op.Timestamp)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to apply batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Counts returns the row counts of both tables
func (b *PostgresBackend) Counts(ctx context.Context) (int64, int64, error) {
	var dbSize, history int64
	err := b.pool.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM kv_store), (SELECT COUNT(*) FROM kv_store_history)
	`).Scan(&dbSize, &history)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return dbSize, history, nil
}

// Ping checks the database connection
func (b *PostgresBackend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// Close closes the connection pool
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}
