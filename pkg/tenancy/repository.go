package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
)

var tracer = otel.Tracer("github.com/platinummonkey/fleetwise/pkg/tenancy")

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Mapper describes how an entity maps onto a tenant-owned table. Columns
// lists the entity's own columns, excluding id, tenant_id, created_at and
// updated_at, which the repository manages. Fields returns pointers to the
// matching struct fields in the same order; they are used both as scan
// destinations and as insert/update arguments.
type Mapper[T any] interface {
	Table() string
	Columns() []string
	Record(*T) *Record
	Fields(*T) []interface{}
}

// Cond is an equality condition on a mapped column.
type Cond struct {
	Column string
	Value  interface{}
}

// Eq builds an equality condition.
func Eq(column string, value interface{}) Cond {
	return Cond{Column: column, Value: value}
}

// ListOptions narrows a List call.
type ListOptions struct {
	Conds  []Cond
	Limit  int
	Offset int
}

// Repository provides CRUD over a tenant-owned table. Every statement it
// issues carries the scope's tenant predicate, and tenant_id is never part of
// an UPDATE's SET list.
type Repository[T any] struct {
	db       DBTX
	mapper   Mapper[T]
	resource string
	columns  map[string]bool
	now      func() time.Time
}

// NewRepository creates a repository. resource names the entity in not-found
// errors.
func NewRepository[T any](db DBTX, mapper Mapper[T], resource string) *Repository[T] {
	cols := map[string]bool{"id": true, "created_at": true, "updated_at": true}
	for _, c := range mapper.Columns() {
		cols[c] = true
	}
	return &Repository[T]{
		db:       db,
		mapper:   mapper,
		resource: resource,
		columns:  cols,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithTx returns a copy of the repository bound to tx.
func (r *Repository[T]) WithTx(tx DBTX) *Repository[T] {
	cp := *r
	cp.db = tx
	return &cp
}

// SetClock overrides the timestamp source.
func (r *Repository[T]) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Repository[T]) selectList() string {
	cols := append([]string{"id", "tenant_id"}, r.mapper.Columns()...)
	cols = append(cols, "created_at", "updated_at")
	return strings.Join(cols, ", ")
}

func (r *Repository[T]) scanDest(v *T) []interface{} {
	rec := r.mapper.Record(v)
	dest := []interface{}{&rec.ID, &rec.TenantID}
	dest = append(dest, r.mapper.Fields(v)...)
	return append(dest, &rec.CreatedAt, &rec.UpdatedAt)
}

func (r *Repository[T]) startSpan(ctx context.Context, op string, scope Scope) (context.Context, trace.Span) {
	return tracer.Start(ctx, r.mapper.Table()+"."+op, trace.WithAttributes(
		attribute.String("db.table", r.mapper.Table()),
		attribute.Int64("tenant.id", scope.tenantID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil && !apperr.IsNotFound(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (r *Repository[T]) checkScope(scope Scope) error {
	if !scope.Valid() {
		return fmt.Errorf("%s: missing tenant scope", r.mapper.Table())
	}
	return nil
}

// where renders "tenant_id = $1 AND c1 = $2 ..." starting at placeholder n.
func (r *Repository[T]) where(scope Scope, conds []Cond, n int) (string, []interface{}, error) {
	clauses := []string{fmt.Sprintf("tenant_id = $%d", n)}
	args := []interface{}{scope.tenantID}
	for _, c := range conds {
		if !r.columns[c.Column] {
			return "", nil, fmt.Errorf("%s: unknown column %q", r.mapper.Table(), c.Column)
		}
		n++
		clauses = append(clauses, fmt.Sprintf("%s = $%d", c.Column, n))
		args = append(args, c.Value)
	}
	return strings.Join(clauses, " AND "), args, nil
}

// Get loads one entity by id within the scope. An entity owned by another
// tenant is reported exactly like a missing one.
func (r *Repository[T]) Get(ctx context.Context, scope Scope, id int64) (_ *T, err error) {
	if err := r.checkScope(scope); err != nil {
		return nil, err
	}
	ctx, span := r.startSpan(ctx, "get", scope)
	defer func() { endSpan(span, err) }()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 AND tenant_id = $2",
		r.selectList(), r.mapper.Table())

	v := new(T)
	if err := r.db.QueryRowContext(ctx, query, id, scope.tenantID).Scan(r.scanDest(v)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound(r.resource)
		}
		return nil, fmt.Errorf("failed to get %s: %w", r.resource, err)
	}
	return v, nil
}

// Exists reports whether id is visible within the scope.
func (r *Repository[T]) Exists(ctx context.Context, scope Scope, id int64) (bool, error) {
	if err := r.checkScope(scope); err != nil {
		return false, err
	}
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE id = $1 AND tenant_id = $2", r.mapper.Table())

	var one int
	err := r.db.QueryRowContext(ctx, query, id, scope.tenantID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", r.resource, err)
	}
	return true, nil
}

// List returns entities in the scope, newest first.
func (r *Repository[T]) List(ctx context.Context, scope Scope, opts ListOptions) (_ []*T, err error) {
	if err := r.checkScope(scope); err != nil {
		return nil, err
	}
	ctx, span := r.startSpan(ctx, "list", scope)
	defer func() { endSpan(span, err) }()

	where, args, err := r.where(scope, opts.Conds, 1)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY id DESC",
		r.selectList(), r.mapper.Table(), where)
	if opts.Limit > 0 {
		args = append(args, opts.Limit, opts.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", r.resource, err)
	}
	defer rows.Close()

	out := make([]*T, 0)
	for rows.Next() {
		v := new(T)
		if err := rows.Scan(r.scanDest(v)...); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", r.resource, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Count counts entities in the scope matching conds.
func (r *Repository[T]) Count(ctx context.Context, scope Scope, conds ...Cond) (int64, error) {
	if err := r.checkScope(scope); err != nil {
		return 0, err
	}
	where, args, err := r.where(scope, conds, 1)
	if err != nil {
		return 0, err
	}

	var n int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", r.mapper.Table(), where)
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", r.resource, err)
	}
	return n, nil
}

// CountBy groups entities in the scope by column and counts each group.
func (r *Repository[T]) CountBy(ctx context.Context, scope Scope, column string, conds ...Cond) (map[string]int64, error) {
	if err := r.checkScope(scope); err != nil {
		return nil, err
	}
	if !r.columns[column] {
		return nil, fmt.Errorf("%s: unknown column %q", r.mapper.Table(), column)
	}
	where, args, err := r.where(scope, conds, 1)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s, COUNT(*) FROM %s WHERE %s GROUP BY %s",
		column, r.mapper.Table(), where, column)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to group %s: %w", r.resource, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("failed to scan %s group: %w", r.resource, err)
		}
		out[key] = n
	}
	return out, rows.Err()
}

// Create inserts v bound to the scope's tenant, whatever v.TenantID held.
func (r *Repository[T]) Create(ctx context.Context, scope Scope, v *T) (err error) {
	if err := r.checkScope(scope); err != nil {
		return err
	}
	ctx, span := r.startSpan(ctx, "create", scope)
	defer func() { endSpan(span, err) }()

	rec := r.mapper.Record(v)
	now := r.now()
	rec.TenantID = scope.tenantID
	rec.CreatedAt = now
	rec.UpdatedAt = now

	cols := append([]string{"tenant_id"}, r.mapper.Columns()...)
	cols = append(cols, "created_at", "updated_at")

	args := []interface{}{rec.TenantID}
	args = append(args, r.mapper.Fields(v)...)
	args = append(args, rec.CreatedAt, rec.UpdatedAt)

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		r.mapper.Table(), strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&rec.ID); err != nil {
		return fmt.Errorf("failed to create %s: %w", r.resource, err)
	}
	return nil
}

// Update writes every mapped column of v. The row must exist in the scope.
func (r *Repository[T]) Update(ctx context.Context, scope Scope, v *T) (err error) {
	if err := r.checkScope(scope); err != nil {
		return err
	}
	ctx, span := r.startSpan(ctx, "update", scope)
	defer func() { endSpan(span, err) }()

	rec := r.mapper.Record(v)
	rec.UpdatedAt = r.now()

	cols := r.mapper.Columns()
	sets := make([]string, 0, len(cols)+1)
	for i, c := range cols {
		sets = append(sets, fmt.Sprintf("%s = $%d", c, i+1))
	}
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(cols)+1))

	args := append([]interface{}{}, r.mapper.Fields(v)...)
	args = append(args, rec.UpdatedAt, rec.ID, scope.tenantID)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d AND tenant_id = $%d",
		r.mapper.Table(), strings.Join(sets, ", "), len(cols)+2, len(cols)+3)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", r.resource, err)
	}
	if err := r.requireAffected(res); err != nil {
		return err
	}
	rec.TenantID = scope.tenantID
	return nil
}

// UpdateWhere sets the given columns on row id when every guard condition
// still holds. It returns false, without error, when the row exists in the
// scope but a guard no longer matches.
func (r *Repository[T]) UpdateWhere(ctx context.Context, scope Scope, id int64, set []Cond, guards ...Cond) (bool, error) {
	return r.updateWhere(ctx, scope, id, set, r.now(), guards)
}

// UpdateColumns writes only the named mapped columns of v, and only while
// every guard still holds; other columns keep whatever is stored. Results
// follow UpdateWhere. On success v's record carries the new updated_at.
func (r *Repository[T]) UpdateColumns(ctx context.Context, scope Scope, v *T, columns []string, guards ...Cond) (bool, error) {
	fields := r.mapper.Fields(v)
	index := make(map[string]int, len(fields))
	for i, c := range r.mapper.Columns() {
		index[c] = i
	}
	set := make([]Cond, 0, len(columns))
	for _, c := range columns {
		i, ok := index[c]
		if !ok {
			return false, fmt.Errorf("%s: column %q is not updatable", r.mapper.Table(), c)
		}
		set = append(set, Eq(c, fields[i]))
	}

	rec := r.mapper.Record(v)
	at := r.now()
	ok, err := r.updateWhere(ctx, scope, rec.ID, set, at, guards)
	if ok {
		rec.TenantID = scope.tenantID
		rec.UpdatedAt = at
	}
	return ok, err
}

func (r *Repository[T]) updateWhere(ctx context.Context, scope Scope, id int64, set []Cond, at time.Time, guards []Cond) (_ bool, err error) {
	if err := r.checkScope(scope); err != nil {
		return false, err
	}
	if len(set) == 0 {
		return false, fmt.Errorf("%s: nothing to update", r.mapper.Table())
	}
	ctx, span := r.startSpan(ctx, "update_where", scope)
	defer func() { endSpan(span, err) }()

	sets := make([]string, 0, len(set)+1)
	args := make([]interface{}, 0, len(set)+len(guards)+3)
	for _, c := range set {
		if !r.columns[c.Column] || c.Column == "id" {
			return false, fmt.Errorf("%s: column %q is not updatable", r.mapper.Table(), c.Column)
		}
		args = append(args, c.Value)
		sets = append(sets, fmt.Sprintf("%s = $%d", c.Column, len(args)))
	}
	args = append(args, at)
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))

	args = append(args, id)
	idPos := len(args)
	where, whereArgs, err := r.where(scope, guards, len(args)+1)
	if err != nil {
		return false, err
	}
	args = append(args, whereArgs...)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d AND %s",
		r.mapper.Table(), strings.Join(sets, ", "), idPos, where)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update %s: %w", r.resource, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	exists, err := r.Exists(ctx, scope, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, apperr.NotFound(r.resource)
	}
	return false, nil
}

// Delete removes row id from the scope.
func (r *Repository[T]) Delete(ctx context.Context, scope Scope, id int64) (err error) {
	if err := r.checkScope(scope); err != nil {
		return err
	}
	ctx, span := r.startSpan(ctx, "delete", scope)
	defer func() { endSpan(span, err) }()

	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1 AND tenant_id = $2", r.mapper.Table())
	res, err := r.db.ExecContext(ctx, query, id, scope.tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", r.resource, err)
	}
	return r.requireAffected(res)
}

func (r *Repository[T]) requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return apperr.NotFound(r.resource)
	}
	return nil
}
