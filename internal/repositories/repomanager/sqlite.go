package repomanager

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/sagaforge/chronicle/internal/dbx"
	"github.com/sagaforge/chronicle/internal/migrations"
	"github.com/sagaforge/chronicle/internal/repositories/branches"
	"github.com/sagaforge/chronicle/internal/repositories/versions"
)

// SQLiteRepositoryManager vends SQLite-backed repositories and runs the
// sqlite migration set. Used for embedded and test deployments.
type SQLiteRepositoryManager struct{}

// NewSQLiteRepositoryManager constructs a SQLite-backed RepositoryManager.
func NewSQLiteRepositoryManager() *SQLiteRepositoryManager {
	return &SQLiteRepositoryManager{}
}

// Branches returns a branches.Repository bound to the provided DBTX.
func (m *SQLiteRepositoryManager) Branches(db dbx.DBTX) branches.Repository {
	return branches.NewSQLiteRepository(db)
}

// Versions returns a versions.Repository bound to the provided DBTX.
func (m *SQLiteRepositoryManager) Versions(db dbx.DBTX) versions.Repository {
	return versions.NewSQLiteRepository(db)
}

// RunMigrations sets up goose with the embedded migrations and runs the
// sqlite dialect set against the provided database connection.
func (m *SQLiteRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "sqlite")
}
