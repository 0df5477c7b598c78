package fleet

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

func TestDuplicateKeysAreConflicts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	stores := NewStores(db)
	scope := tenancy.ForTenant(1)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO vehicles")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	err = stores.Vehicles.Create(context.Background(), scope, &Vehicle{VIN: "1FTBW3XM5HKB12345"})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE invoices")).
		WillReturnError(&pq.Error{Code: "23505"})
	_, err = stores.Invoices.UpdateColumns(context.Background(), scope, &Invoice{Record: tenancy.Record{ID: 4}, Number: "INV-1"},
		[]string{"number"}, tenancy.Eq("status", InvoiceDraft))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO invoices")).
		WillReturnError(&pq.Error{Code: "23503"})
	err = stores.Invoices.Create(context.Background(), scope, &Invoice{Number: "INV-2"})
	require.Error(t, err)
	assert.NotEqual(t, apperr.KindConflict, apperr.KindOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}
