// Package versions provides version persistence for PostgreSQL and SQLite.
package versions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sagaforge/chronicle/internal/common"
	"github.com/sagaforge/chronicle/internal/dbx"
	"github.com/sagaforge/chronicle/internal/models"
)

// PostgresRepository implements version storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const pgVersionColumns = `id, entity_type, entity_id, branch_id, version, valid_from, valid_to, payload, created_by, comment, created_at`

func (r *PostgresRepository) Create(ctx context.Context, v *models.Version) error {
	query := `
		INSERT INTO versions (id, entity_type, entity_id, branch_id, version, valid_from, valid_to, payload, created_by, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
	`
	_, err := r.db.ExecContext(ctx, query,
		v.ID, v.EntityType, v.EntityID, v.BranchID, v.Version,
		v.ValidFrom, v.ValidTo, v.Payload, v.CreatedBy, v.Comment, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Version, error) {
	query := `SELECT ` + pgVersionColumns + ` FROM versions WHERE id=$1`
	v, err := scanPgVersion(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) MaxVersion(ctx context.Context, entityType, entityID, branchID string) (int64, error) {
	query := `SELECT COALESCE(MAX(version), 0) FROM versions WHERE entity_type=$1 AND entity_id=$2 AND branch_id=$3`
	var n int64
	if err := r.db.QueryRowContext(ctx, query, entityType, entityID, branchID).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) FindAt(ctx context.Context, entityType, entityID, branchID string, asOf time.Time) (*models.Version, error) {
	query := `
		SELECT ` + pgVersionColumns + ` FROM versions
		WHERE entity_type=$1 AND entity_id=$2 AND branch_id=$3
		  AND valid_from <= $4 AND (valid_to > $4 OR valid_to IS NULL)
		ORDER BY valid_from DESC
		LIMIT 1
	`
	v, err := scanPgVersion(r.db.QueryRowContext(ctx, query, entityType, entityID, branchID, asOf))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) FindOpen(ctx context.Context, entityType, entityID, branchID string) (*models.Version, error) {
	query := `
		SELECT ` + pgVersionColumns + ` FROM versions
		WHERE entity_type=$1 AND entity_id=$2 AND branch_id=$3 AND valid_to IS NULL
		ORDER BY valid_from DESC
		LIMIT 1
	`
	v, err := scanPgVersion(r.db.QueryRowContext(ctx, query, entityType, entityID, branchID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) Close(ctx context.Context, versionID string, at time.Time) error {
	query := `UPDATE versions SET valid_to=$2 WHERE id=$1 AND valid_to IS NULL;`
	res, err := r.db.ExecContext(ctx, query, versionID, at)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) ListByEntity(ctx context.Context, entityType, entityID, branchID string) ([]*models.Version, error) {
	query := `
		SELECT ` + pgVersionColumns + ` FROM versions
		WHERE entity_type=$1 AND entity_id=$2 AND branch_id=$3
		ORDER BY version DESC
	`
	rows, err := r.db.QueryContext(ctx, query, entityType, entityID, branchID)
	if err != nil {
		return nil, fmt.Errorf("failed to select versions: %w", err)
	}
	defer rows.Close()

	var result []*models.Version
	for rows.Next() {
		v, err := scanPgVersion(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) ListEntityIDsAt(ctx context.Context, entityType string, branchIDs []string, at time.Time) ([]string, error) {
	if len(branchIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(branchIDs))
	args := make([]any, 0, len(branchIDs)+2)
	args = append(args, entityType)
	for i, id := range branchIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}
	atIdx := len(branchIDs) + 2
	args = append(args, at)

	query := fmt.Sprintf(`
		SELECT DISTINCT entity_id FROM versions
		WHERE entity_type=$1 AND branch_id IN (%s)
		  AND valid_from <= $%d AND (valid_to > $%d OR valid_to IS NULL)
		ORDER BY entity_id
	`, strings.Join(placeholders, ","), atIdx, atIdx)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select entity ids: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPgVersion(row scanner) (*models.Version, error) {
	var (
		v       models.Version
		validTo sql.NullTime
		comment sql.NullString
	)
	err := row.Scan(&v.ID, &v.EntityType, &v.EntityID, &v.BranchID, &v.Version,
		&v.ValidFrom, &validTo, &v.Payload, &v.CreatedBy, &comment, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	if validTo.Valid {
		t := validTo.Time.UTC()
		v.ValidTo = &t
	}
	if comment.Valid {
		v.Comment = &comment.String
	}
	v.ValidFrom = v.ValidFrom.UTC()
	v.CreatedAt = v.CreatedAt.UTC()
	return &v, nil
}
