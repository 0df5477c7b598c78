// Package database opens the PostgreSQL pool, applies schema migrations and
// classifies driver errors.
//
//	db, err := database.Open(ctx, database.Config{URL: cfg.Database.URL})
//	err = database.Migrate(ctx, db, logger)
package database
