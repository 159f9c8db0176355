package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS memories (
	id  TEXT PRIMARY KEY,
	doc JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS graph_docs (
	key TEXT PRIMARY KEY,
	doc JSONB NOT NULL
);`

const pgGraphKey = "graph"

// PostgresBackend persists records in a JSONB table; the table itself
// serves as the manifest. The graph document lives in a one-row table.
type PostgresBackend struct {
	db *pgxpool.Pool
}

// NewPostgresBackend connects to PostgreSQL and ensures the schema exists.
func NewPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresBackend{db: pool}, nil
}

func (b *PostgresBackend) PutRecord(ctx context.Context, id string, data []byte) error {
	_, err := b.db.Exec(ctx, `
		INSERT INTO memories (id, doc) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
		id, data)
	if err != nil {
		return fmt.Errorf("put record %s: %w", id, err)
	}
	return nil
}

func (b *PostgresBackend) GetRecord(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRow(ctx, `SELECT doc FROM memories WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return data, nil
}

func (b *PostgresBackend) DeleteRecord(ctx context.Context, id string) error {
	if _, err := b.db.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}

func (b *PostgresBackend) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := b.db.Query(ctx, `SELECT id FROM memories`)
	if err != nil {
		return nil, fmt.Errorf("list manifest: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan manifest id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *PostgresBackend) SaveGraphDoc(ctx context.Context, data []byte) error {
	_, err := b.db.Exec(ctx, `
		INSERT INTO graph_docs (key, doc) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET doc = EXCLUDED.doc`,
		pgGraphKey, data)
	if err != nil {
		return fmt.Errorf("save graph doc: %w", err)
	}
	return nil
}

func (b *PostgresBackend) LoadGraphDoc(ctx context.Context) ([]byte, error) {
	var data []byte
	err := b.db.QueryRow(ctx, `SELECT doc FROM graph_docs WHERE key = $1`, pgGraphKey).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load graph doc: %w", err)
	}
	return data, nil
}

func (b *PostgresBackend) Close(ctx context.Context) error {
	b.db.Close()
	return nil
}
