package database

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fleetwise/pkg/observability"
)

func TestIsUniqueViolation(t *testing.T) {
	dup := &pq.Error{Code: "23505", Constraint: "users_email_key"}

	assert.True(t, IsUniqueViolation(dup))
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", dup)))
	assert.Equal(t, "users_email_key", ConstraintName(dup))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("other")))
}

func TestWithTx(t *testing.T) {
	t.Run("commits on success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM sessions").WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		err = WithTx(context.Background(), db, func(tx *sql.Tx) error {
			_, err := tx.Exec("DELETE FROM sessions")
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectRollback()

		err = WithTx(context.Background(), db, func(tx *sql.Tx) error {
			return errors.New("boom")
		})
		assert.EqualError(t, err, "boom")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMigrate_SkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	all := Migrations()
	rows := sqlmock.NewRows([]string{"version"})
	for _, m := range all[:len(all)-1] {
		rows.AddRow(m.Version)
	}
	last := all[len(all)-1]

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").WillReturnRows(rows)
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_logs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs(last.Version, last.Description).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	logger := observability.NewLogger(observability.InfoLevel, &bytes.Buffer{})
	require.NoError(t, Migrate(context.Background(), db, logger))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrations_VersionsAscending(t *testing.T) {
	prev := 0
	for _, m := range Migrations() {
		assert.Greater(t, m.Version, prev)
		prev = m.Version
	}
}
