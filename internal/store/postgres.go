package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/archive-flow/internal/model"
)

// pgPool is the subset of *pgxpool.Pool used here; pgxmock satisfies it.
type pgPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store on a work_items table with a JSONB document
// per item.
type PostgresStore struct {
	pool pgPool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool and ensures
// the schema exists.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS work_items (
	handle     TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	data       JSONB NOT NULL,
	item_id    TEXT GENERATED ALWAYS AS (data->>'id') STORED UNIQUE,
	status     TEXT GENERATED ALWAYS AS (data->>'status') STORED,
	parent_id  TEXT GENERATED ALWAYS AS (coalesce(data->>'parent_id', '')) STORED,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status);
CREATE INDEX IF NOT EXISTS idx_work_items_parent ON work_items(parent_id);
`

// Migrate creates the work_items table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Insert implements Seeder. An item whose id already exists is replaced.
func (s *PostgresStore) Insert(ctx context.Context, item model.WorkItem) (string, error) {
	if item.Handle == "" {
		item.Handle = uuid.NewString()
	}
	item.Status = model.ParseStatus(string(item.Status))
	data, err := json.Marshal(item)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal item")
	}
	var handle string
	err = s.pool.QueryRow(ctx,
		`INSERT INTO work_items (handle, data) VALUES ($1, $2)
		 ON CONFLICT (item_id) DO UPDATE SET data = excluded.data, updated_at = now()
		 RETURNING handle`,
		item.Handle, data,
	).Scan(&handle)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: insert item %s", item.ID)
	}
	return handle, nil
}

func (s *PostgresStore) FindByStatus(ctx context.Context, status model.Status) ([]model.WorkItem, error) {
	return s.query(ctx, `SELECT handle, data FROM work_items WHERE status = $1 ORDER BY item_id`, string(status))
}

func (s *PostgresStore) FindByParent(ctx context.Context, parentID string) ([]model.WorkItem, error) {
	if parentID == "" {
		return []model.WorkItem{}, nil
	}
	return s.query(ctx, `SELECT handle, data FROM work_items WHERE parent_id = $1 ORDER BY item_id`, parentID)
}

func (s *PostgresStore) FindByID(ctx context.Context, itemID string) (*model.WorkItem, error) {
	return s.one(ctx, `SELECT handle, data FROM work_items WHERE item_id = $1`, itemID)
}

func (s *PostgresStore) Get(ctx context.Context, handle string) (*model.WorkItem, error) {
	return s.one(ctx, `SELECT handle, data FROM work_items WHERE handle = $1`, handle)
}

// PatchFields merges fields into the item document in a single statement.
func (s *PostgresStore) PatchFields(ctx context.Context, handle string, fields model.Fields) error {
	doc, err := json.Marshal(document(fields))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal patch")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE work_items SET data = data || $1::jsonb, updated_at = now() WHERE handle = $2`,
		doc, handle,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: patch item %s", handle)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) PatchMany(ctx context.Context, patches []model.Patch) (int, error) {
	return patchEach(ctx, s, patches)
}

func (s *PostgresStore) one(ctx context.Context, q string, arg any) (*model.WorkItem, error) {
	var handle string
	var data []byte
	err := s.pool.QueryRow(ctx, q, arg).Scan(&handle, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get item")
	}
	return decodeItem(handle, data)
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]model.WorkItem, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query items")
	}
	defer rows.Close()

	items := make([]model.WorkItem, 0)
	for rows.Next() {
		var handle string
		var data []byte
		if err := rows.Scan(&handle, &data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		it, err := decodeItem(handle, data)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: iterate items")
}

func decodeItem(handle string, data []byte) (*model.WorkItem, error) {
	var it model.WorkItem
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal item")
	}
	it.Handle = handle
	it.Status = model.ParseStatus(string(it.Status))
	return &it, nil
}

var (
	_ Store  = (*PostgresStore)(nil)
	_ Seeder = (*PostgresStore)(nil)
)
