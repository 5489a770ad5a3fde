// Package repomanager wires repository constructors to a storage backend
// and exposes the schema-migration hook for it. Services hold one manager
// and rebind repositories to a transaction handle as needed.
package repomanager

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sagaforge/chronicle/internal/common"
	"github.com/sagaforge/chronicle/internal/dbx"
	"github.com/sagaforge/chronicle/internal/repositories/branches"
	"github.com/sagaforge/chronicle/internal/repositories/versions"
)

type RepositoryManager interface {
	RunMigrations(ctx context.Context, db *sql.DB) error
	Branches(db dbx.DBTX) branches.Repository
	Versions(db dbx.DBTX) versions.Repository
}

// Open opens the backing database for the given driver ("postgres" or
// "sqlite") and returns it with the matching manager.
func Open(driver, dsn string) (*sql.DB, RepositoryManager, error) {
	switch driver {
	case "postgres":
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres: %w", err)
		}
		return db, NewPostgresRepositoryManager(), nil
	case "sqlite":
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite: %w", err)
		}
		return db, NewSQLiteRepositoryManager(), nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q: %w", driver, common.ErrInvalidInput)
	}
}
