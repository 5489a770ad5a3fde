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

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
// Timestamps are stored as Unix milliseconds.
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const sqliteVersionColumns = `id, entity_type, entity_id, branch_id, version, valid_from, valid_to, payload, created_by, comment, created_at`

func (r *SQLiteRepository) Create(ctx context.Context, v *models.Version) error {
	query := `
		INSERT INTO versions (id, entity_type, entity_id, branch_id, version, valid_from, valid_to, payload, created_by, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		v.ID, v.EntityType, v.EntityID, v.BranchID, v.Version,
		v.ValidFrom.UnixMilli(), millisPtr(v.ValidTo), v.Payload, v.CreatedBy, v.Comment, v.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.Version, error) {
	query := `SELECT ` + sqliteVersionColumns + ` FROM versions WHERE id=?`
	v, err := scanSqliteVersion(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("failed to select version: %w", err)
	}
	return v, nil
}

func (r *SQLiteRepository) MaxVersion(ctx context.Context, entityType, entityID, branchID string) (int64, error) {
	query := `SELECT COALESCE(MAX(version), 0) FROM versions WHERE entity_type=? AND entity_id=? AND branch_id=?`
	var n int64
	if err := r.db.QueryRowContext(ctx, query, entityType, entityID, branchID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to select max version: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) FindAt(ctx context.Context, entityType, entityID, branchID string, asOf time.Time) (*models.Version, error) {
	query := `
		SELECT ` + sqliteVersionColumns + ` FROM versions
		WHERE entity_type=? AND entity_id=? AND branch_id=?
		  AND valid_from <= ? AND (valid_to > ? OR valid_to IS NULL)
		ORDER BY valid_from DESC
		LIMIT 1
	`
	ms := asOf.UnixMilli()
	v, err := scanSqliteVersion(r.db.QueryRowContext(ctx, query, entityType, entityID, branchID, ms, ms))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("failed to select version: %w", err)
	}
	return v, nil
}

func (r *SQLiteRepository) FindOpen(ctx context.Context, entityType, entityID, branchID string) (*models.Version, error) {
	query := `
		SELECT ` + sqliteVersionColumns + ` FROM versions
		WHERE entity_type=? AND entity_id=? AND branch_id=? AND valid_to IS NULL
		ORDER BY valid_from DESC
		LIMIT 1
	`
	v, err := scanSqliteVersion(r.db.QueryRowContext(ctx, query, entityType, entityID, branchID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("failed to select version: %w", err)
	}
	return v, nil
}

func (r *SQLiteRepository) Close(ctx context.Context, versionID string, at time.Time) error {
	query := `UPDATE versions SET valid_to=? WHERE id=? AND valid_to IS NULL`
	res, err := r.db.ExecContext(ctx, query, at.UnixMilli(), versionID)
	if err != nil {
		return fmt.Errorf("failed to close version: %w", err)
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

func (r *SQLiteRepository) ListByEntity(ctx context.Context, entityType, entityID, branchID string) ([]*models.Version, error) {
	query := `
		SELECT ` + sqliteVersionColumns + ` FROM versions
		WHERE entity_type=? AND entity_id=? AND branch_id=?
		ORDER BY version DESC
	`
	rows, err := r.db.QueryContext(ctx, query, entityType, entityID, branchID)
	if err != nil {
		return nil, fmt.Errorf("failed to select versions: %w", err)
	}
	defer rows.Close()

	var result []*models.Version
	for rows.Next() {
		v, err := scanSqliteVersion(rows)
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

func (r *SQLiteRepository) ListEntityIDsAt(ctx context.Context, entityType string, branchIDs []string, at time.Time) ([]string, error) {
	if len(branchIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(branchIDs)-1) + "?"
	args := make([]any, 0, len(branchIDs)+3)
	args = append(args, entityType)
	for _, id := range branchIDs {
		args = append(args, id)
	}
	ms := at.UnixMilli()
	args = append(args, ms, ms)

	query := fmt.Sprintf(`
		SELECT DISTINCT entity_id FROM versions
		WHERE entity_type=? AND branch_id IN (%s)
		  AND valid_from <= ? AND (valid_to > ? OR valid_to IS NULL)
		ORDER BY entity_id
	`, placeholders)

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

func scanSqliteVersion(row scanner) (*models.Version, error) {
	var (
		v         models.Version
		validFrom int64
		validTo   sql.NullInt64
		comment   sql.NullString
		createdAt int64
	)
	err := row.Scan(&v.ID, &v.EntityType, &v.EntityID, &v.BranchID, &v.Version,
		&validFrom, &validTo, &v.Payload, &v.CreatedBy, &comment, &createdAt)
	if err != nil {
		return nil, err
	}
	v.ValidFrom = time.UnixMilli(validFrom).UTC()
	if validTo.Valid {
		t := time.UnixMilli(validTo.Int64).UTC()
		v.ValidTo = &t
	}
	if comment.Valid {
		v.Comment = &comment.String
	}
	v.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &v, nil
}

func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
