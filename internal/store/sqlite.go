package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/archive-flow/internal/model"
)

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn, configures WAL mode and
// creates the schema.
func NewSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	s := &SQLiteStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS work_items (
	handle     TEXT PRIMARY KEY,
	item_id    TEXT NOT NULL UNIQUE,
	status     TEXT NOT NULL,
	parent_id  TEXT NOT NULL DEFAULT '',
	data       TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status);
CREATE INDEX IF NOT EXISTS idx_work_items_parent ON work_items(parent_id);
`

// Migrate creates the work_items table.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Insert implements Seeder. An item whose id already exists is replaced.
func (s *SQLiteStore) Insert(ctx context.Context, item model.WorkItem) (string, error) {
	if item.Handle == "" {
		item.Handle = uuid.NewString()
	}
	item.Status = model.ParseStatus(string(item.Status))
	data, err := json.Marshal(item)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal item")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO work_items (handle, item_id, status, parent_id, data, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET status = excluded.status, parent_id = excluded.parent_id,
		 data = excluded.data, updated_at = excluded.updated_at`,
		item.Handle, item.ID, string(item.Status), item.ParentID, string(data), time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: insert item %s", item.ID)
	}
	var handle string
	err = s.db.QueryRowContext(ctx, `SELECT handle FROM work_items WHERE item_id = ?`, item.ID).Scan(&handle)
	return handle, eris.Wrap(err, "sqlite: read handle")
}

func (s *SQLiteStore) FindByStatus(ctx context.Context, status model.Status) ([]model.WorkItem, error) {
	return s.query(ctx, `SELECT handle, data FROM work_items WHERE status = ? ORDER BY item_id`, string(status))
}

func (s *SQLiteStore) FindByParent(ctx context.Context, parentID string) ([]model.WorkItem, error) {
	if parentID == "" {
		return []model.WorkItem{}, nil
	}
	return s.query(ctx, `SELECT handle, data FROM work_items WHERE parent_id = ? ORDER BY item_id`, parentID)
}

func (s *SQLiteStore) FindByID(ctx context.Context, itemID string) (*model.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT handle, data FROM work_items WHERE item_id = ?`, itemID)
	return scanItem(row)
}

func (s *SQLiteStore) Get(ctx context.Context, handle string) (*model.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT handle, data FROM work_items WHERE handle = ?`, handle)
	return scanItem(row)
}

// PatchFields reads, merges and writes the item in one transaction.
func (s *SQLiteStore) PatchFields(ctx context.Context, handle string, fields model.Fields) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	item, err := scanItem(tx.QueryRowContext(ctx, `SELECT handle, data FROM work_items WHERE handle = ?`, handle))
	if err != nil {
		return err
	}
	item.Apply(fields)
	data, err := json.Marshal(item)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal item")
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE work_items SET item_id = ?, status = ?, parent_id = ?, data = ?, updated_at = ? WHERE handle = ?`,
		item.ID, string(item.Status), item.ParentID, string(data), time.Now().UTC(), handle,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update item %s", handle)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

func (s *SQLiteStore) PatchMany(ctx context.Context, patches []model.Patch) (int, error) {
	return patchEach(ctx, s, patches)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]model.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query items")
	}
	defer rows.Close()

	items := make([]model.WorkItem, 0)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: iterate items")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanItem(row scannable) (*model.WorkItem, error) {
	var handle, data string
	err := row.Scan(&handle, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan item")
	}
	var it model.WorkItem
	if err := json.Unmarshal([]byte(data), &it); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal item")
	}
	it.Handle = handle
	it.Status = model.ParseStatus(string(it.Status))
	return &it, nil
}

var (
	_ Store  = (*SQLiteStore)(nil)
	_ Seeder = (*SQLiteStore)(nil)
)
