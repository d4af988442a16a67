package main

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/datajoint/populate/internal/relation/sqlrel"
	"github.com/datajoint/populate/internal/types"
)

// openDB opens the plain *sql.DB the Jobs Registry runs against,
// separate from the sqlrel.Store's relational collaborator connection
// so registry bookkeeping never participates in a make transaction.
func openDB() (*sql.DB, error) {
	dsn := sqlrel.Config{
		Host: cfg.Host, Port: cfg.Port, User: cfg.User,
		Password: cfg.Password, Database: cfg.Database, TLS: cfg.TLS,
	}.DSN()
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry connection: %w", err)
	}
	return db, nil
}

func guardFor(target *types.TargetTable) *types.PopulateGuard {
	return types.NewPopulateGuard(target)
}
