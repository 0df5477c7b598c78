package tenancy

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/contextkeys"
)

type widget struct {
	Record
	Name   string
	Status string
	Owner  *int64
}

type widgetMapper struct{}

func (widgetMapper) Table() string            { return "widgets" }
func (widgetMapper) Columns() []string        { return []string{"name", "status", "owner_id"} }
func (widgetMapper) Record(w *widget) *Record { return &w.Record }
func (widgetMapper) Fields(w *widget) []interface{} {
	return []interface{}{&w.Name, &w.Status, &w.Owner}
}

var fixed = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) (*Repository[widget], sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewRepository[widget](db, widgetMapper{}, "widget")
	repo.SetClock(func() time.Time { return fixed })
	return repo, mock
}

func widgetRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "tenant_id", "name", "status", "owner_id", "created_at", "updated_at"})
}

func TestRepository_GetFiltersByTenant(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT id, tenant_id, name, status, owner_id, created_at, updated_at FROM widgets WHERE id = $1 AND tenant_id = $2")).
		WithArgs(int64(5), int64(1)).
		WillReturnRows(widgetRows().AddRow(5, 1, "pump", "active", nil, fixed, fixed))

	w, err := repo.Get(context.Background(), ForTenant(1), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), w.ID)
	assert.Equal(t, int64(1), w.TenantID)
	assert.Equal(t, "pump", w.Name)
	assert.Nil(t, w.Owner)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetOtherTenantIsNotFound(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectQuery("SELECT (.+) FROM widgets WHERE id = \\$1 AND tenant_id = \\$2").
		WithArgs(int64(5), int64(2)).
		WillReturnRows(widgetRows())

	_, err := repo.Get(context.Background(), ForTenant(2), 5)
	assert.True(t, apperr.IsNotFound(err))
	assert.Equal(t, "widget not found", err.Error())
}

func TestRepository_ZeroScopeRejected(t *testing.T) {
	repo, mock := newRepo(t)

	_, err := repo.Get(context.Background(), Scope{}, 1)
	assert.Error(t, err)
	_, err = repo.List(context.Background(), Scope{}, ListOptions{})
	assert.Error(t, err)
	assert.Error(t, repo.Delete(context.Background(), Scope{}, 1))
	assert.Error(t, repo.Create(context.Background(), Scope{}, &widget{}))
	assert.NoError(t, mock.ExpectationsWereMet(), "no SQL issued without a scope")
}

func TestRepository_ListWithConditionsAndPaging(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"FROM widgets WHERE tenant_id = $1 AND status = $2 ORDER BY id DESC LIMIT $3 OFFSET $4")).
		WithArgs(int64(3), "active", 10, 20).
		WillReturnRows(widgetRows().
			AddRow(9, 3, "a", "active", 4, fixed, fixed).
			AddRow(8, 3, "b", "active", nil, fixed, fixed))

	list, err := repo.List(context.Background(), ForTenant(3), ListOptions{
		Conds: []Cond{Eq("status", "active")}, Limit: 10, Offset: 20,
	})
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.NotNil(t, list[0].Owner)
	assert.Equal(t, int64(4), *list[0].Owner)
	for _, w := range list {
		assert.Equal(t, int64(3), w.TenantID)
	}
}

func TestRepository_ListRejectsUnknownColumn(t *testing.T) {
	repo, _ := newRepo(t)

	_, err := repo.List(context.Background(), ForTenant(1), ListOptions{
		Conds: []Cond{Eq("tenant_id = 2 OR 1", 1)},
	})
	assert.Error(t, err)
}

func TestRepository_CreateStampsScopeTenant(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"INSERT INTO widgets (tenant_id, name, status, owner_id, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id")).
		WithArgs(int64(7), "pump", "active", nil, fixed, fixed).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

	w := &widget{Record: Record{TenantID: 99}, Name: "pump", Status: "active"}
	require.NoError(t, repo.Create(context.Background(), ForTenant(7), w))

	assert.Equal(t, int64(11), w.ID)
	assert.Equal(t, int64(7), w.TenantID, "caller-supplied tenant is ignored")
	assert.Equal(t, fixed, w.CreatedAt)
}

func TestRepository_UpdateNeverSetsTenant(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectExec(regexp.QuoteMeta(
		"UPDATE widgets SET name = $1, status = $2, owner_id = $3, updated_at = $4 WHERE id = $5 AND tenant_id = $6")).
		WithArgs("pump", "retired", nil, fixed, int64(11), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := &widget{Record: Record{ID: 11, TenantID: 99}, Name: "pump", Status: "retired"}
	require.NoError(t, repo.Update(context.Background(), ForTenant(7), w))
	assert.Equal(t, int64(7), w.TenantID)
}

func TestRepository_UpdateOtherTenantIsNotFound(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectExec("UPDATE widgets SET").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), ForTenant(7), &widget{Record: Record{ID: 11}})
	assert.True(t, apperr.IsNotFound(err))
}

func TestRepository_UpdateWhere(t *testing.T) {
	t.Run("guard matches", func(t *testing.T) {
		repo, mock := newRepo(t)
		mock.ExpectExec(regexp.QuoteMeta(
			"UPDATE widgets SET status = $1, updated_at = $2 WHERE id = $3 AND tenant_id = $4 AND status = $5")).
			WithArgs("sent", fixed, int64(4), int64(1), "pending").
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.UpdateWhere(context.Background(), ForTenant(1), 4,
			[]Cond{Eq("status", "sent")}, Eq("status", "pending"))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("guard fails on existing row", func(t *testing.T) {
		repo, mock := newRepo(t)
		mock.ExpectExec("UPDATE widgets SET").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM widgets WHERE id = $1 AND tenant_id = $2")).
			WithArgs(int64(4), int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

		ok, err := repo.UpdateWhere(context.Background(), ForTenant(1), 4,
			[]Cond{Eq("status", "sent")}, Eq("status", "pending"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("missing row", func(t *testing.T) {
		repo, mock := newRepo(t)
		mock.ExpectExec("UPDATE widgets SET").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT 1 FROM widgets").WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

		_, err := repo.UpdateWhere(context.Background(), ForTenant(1), 4, []Cond{Eq("status", "sent")})
		assert.True(t, apperr.IsNotFound(err))
	})

	t.Run("tenant column is not updatable", func(t *testing.T) {
		repo, _ := newRepo(t)
		_, err := repo.UpdateWhere(context.Background(), ForTenant(1), 4, []Cond{Eq("tenant_id", 2)})
		assert.Error(t, err)
	})
}

func TestRepository_UpdateColumns(t *testing.T) {
	t.Run("writes only the named columns", func(t *testing.T) {
		repo, mock := newRepo(t)
		owner := int64(9)
		mock.ExpectExec(regexp.QuoteMeta(
			"UPDATE widgets SET name = $1, owner_id = $2, updated_at = $3 WHERE id = $4 AND tenant_id = $5 AND status = $6")).
			WithArgs("valve", int64(9), fixed, int64(4), int64(1), "pending").
			WillReturnResult(sqlmock.NewResult(0, 1))

		w := &widget{Record: Record{ID: 4}, Name: "valve", Status: "stale", Owner: &owner}
		ok, err := repo.UpdateColumns(context.Background(), ForTenant(1), w,
			[]string{"name", "owner_id"}, Eq("status", "pending"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(1), w.TenantID)
		assert.Equal(t, fixed, w.UpdatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("guard lost", func(t *testing.T) {
		repo, mock := newRepo(t)
		mock.ExpectExec("UPDATE widgets SET name").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT 1 FROM widgets").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

		ok, err := repo.UpdateColumns(context.Background(), ForTenant(1), &widget{Record: Record{ID: 4}, Name: "valve"},
			[]string{"name"}, Eq("status", "pending"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown column", func(t *testing.T) {
		repo, _ := newRepo(t)
		_, err := repo.UpdateColumns(context.Background(), ForTenant(1), &widget{Record: Record{ID: 4}}, []string{"tenant_id"})
		assert.Error(t, err)
	})
}

func TestRepository_Delete(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM widgets WHERE id = $1 AND tenant_id = $2")).
		WithArgs(int64(3), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM widgets").
		WithArgs(int64(3), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Delete(context.Background(), ForTenant(1), 3))
	assert.True(t, apperr.IsNotFound(repo.Delete(context.Background(), ForTenant(2), 3)))
}

func TestRepository_CountBy(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT status, COUNT(*) FROM widgets WHERE tenant_id = $1 GROUP BY status")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("active", 3).AddRow("retired", 1))

	counts, err := repo.CountBy(context.Background(), ForTenant(1), "status")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"active": 3, "retired": 1}, counts)
}

type owner struct{ tenant int64 }

func (o owner) OwningTenantID() int64 { return o.tenant }

func TestFromContext(t *testing.T) {
	_, err := FromContext(context.Background())
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	ctx := contextkeys.WithPrincipal(context.Background(), owner{tenant: 4})
	scope, err := FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), scope.TenantID())

	ctx = contextkeys.WithPrincipal(context.Background(), owner{tenant: 0})
	_, err = FromContext(ctx)
	assert.Error(t, err)
}
