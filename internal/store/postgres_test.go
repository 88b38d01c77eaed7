package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/archive-flow/internal/model"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return &PostgresStore{pool: mock}, mock
}

func TestPostgresStore_FindByStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"handle", "data"}).
		AddRow("h1", []byte(`{"id":"REEL-1","status":"pending","title":"Harbour"}`)).
		AddRow("h2", []byte(`{"id":"REEL-2","status":"Pending"}`))
	mock.ExpectQuery(`SELECT handle, data FROM work_items WHERE status = \$1`).
		WithArgs("Pending").
		WillReturnRows(rows)

	items, err := s.FindByStatus(context.Background(), model.StatusPending)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "h1", items[0].Handle)
	assert.Equal(t, model.StatusPending, items[0].Status)
	assert.Equal(t, "Harbour", items[0].Title)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT handle, data FROM work_items WHERE handle = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PatchFields(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE work_items SET data = data \|\| \$1::jsonb`).
		WithArgs(pgxmock.AnyArg(), "h1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.PatchFields(context.Background(), "h1", model.Fields{model.FieldStatus: model.StatusTagging})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PatchFields_NoRows(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE work_items`).
		WithArgs(pgxmock.AnyArg(), "gone").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.PatchFields(context.Background(), "gone", model.Fields{model.FieldStatus: model.StatusTagging})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_PatchMany_CountsSuccesses(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE work_items`).WithArgs(pgxmock.AnyArg(), "c1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE work_items`).WithArgs(pgxmock.AnyArg(), "c2").
		WillReturnError(assert.AnError)

	n, err := s.PatchMany(context.Background(), []model.Patch{
		{Handle: "c1", Fields: model.Fields{model.FieldStatus: model.StatusComplete}},
		{Handle: "c2", Fields: model.Fields{model.FieldStatus: model.StatusComplete}},
	})
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Insert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO work_items`).
		WithArgs("h9", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"handle"}).AddRow("h9"))

	handle, err := s.Insert(context.Background(), model.WorkItem{ID: "REEL-9", Handle: "h9", Status: model.StatusPending})
	require.NoError(t, err)
	assert.Equal(t, "h9", handle)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByParent_Empty(t *testing.T) {
	s, _ := newMockPostgresStore(t)
	items, err := s.FindByParent(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, items)
}
