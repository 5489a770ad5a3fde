package branches

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
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

const sqliteBranchColumns = `id, campaign_id, parent_branch_id, name, description, diverged_at, is_pinned, color, tags, created_at, updated_at`

func (r *SQLiteRepository) Create(ctx context.Context, b *models.Branch) error {
	tags, err := marshalTags(b.Tags)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO branches (id, campaign_id, parent_branch_id, name, description, diverged_at, is_pinned, color, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		b.ID, b.CampaignID, b.ParentBranchID, b.Name, b.Description, millisPtr(b.DivergedAt),
		b.IsPinned, b.Color, tags, b.CreatedAt.UnixMilli(), b.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert branch: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.Branch, error) {
	query := `SELECT ` + sqliteBranchColumns + ` FROM branches WHERE id=? AND deleted_at IS NULL`
	b, err := scanSqliteBranch(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("failed to select branch: %w", err)
	}
	return b, nil
}

func (r *SQLiteRepository) ListByCampaign(ctx context.Context, campaignID string) ([]*models.Branch, error) {
	query := `SELECT ` + sqliteBranchColumns + ` FROM branches WHERE campaign_id=? AND deleted_at IS NULL ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to select branches: %w", err)
	}
	defer rows.Close()

	var result []*models.Branch
	for rows.Next() {
		b, err := scanSqliteBranch(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) NameExists(ctx context.Context, campaignID, name string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM branches WHERE campaign_id=? AND name=? AND deleted_at IS NULL)`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, campaignID, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check branch name: %w", err)
	}
	return exists, nil
}

func (r *SQLiteRepository) Update(ctx context.Context, b *models.Branch, expectedUpdatedAt time.Time) error {
	tags, err := marshalTags(b.Tags)
	if err != nil {
		return err
	}
	query := `
		UPDATE branches
		SET name=?, description=?, color=?, is_pinned=?, tags=?, updated_at=?
		WHERE id=? AND deleted_at IS NULL AND updated_at=?
	`
	res, err := r.db.ExecContext(ctx, query,
		b.Name, b.Description, b.Color, b.IsPinned, tags, b.UpdatedAt.UnixMilli(),
		b.ID, expectedUpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to update branch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrOptimisticLock
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

func (r *SQLiteRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE branches SET deleted_at=?, updated_at=? WHERE id=? AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, at.UnixMilli(), at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to delete branch: %w", err)
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

func (r *SQLiteRepository) CountLiveChildren(ctx context.Context, id string) (int64, error) {
	query := `SELECT COUNT(*) FROM branches WHERE parent_branch_id=? AND deleted_at IS NULL`
	var n int64
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count children: %w", err)
	}
	return n, nil
}

func scanSqliteBranch(row scanner) (*models.Branch, error) {
	var (
		b          models.Branch
		parent     sql.NullString
		desc       sql.NullString
		divergedAt sql.NullInt64
		tags       []byte
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(&b.ID, &b.CampaignID, &parent, &b.Name, &desc, &divergedAt,
		&b.IsPinned, &b.Color, &tags, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		b.ParentBranchID = &parent.String
	}
	if desc.Valid {
		b.Description = &desc.String
	}
	if divergedAt.Valid {
		t := time.UnixMilli(divergedAt.Int64).UTC()
		b.DivergedAt = &t
	}
	if err := json.Unmarshal(tags, &b.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	b.CreatedAt = time.UnixMilli(createdAt).UTC()
	b.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &b, nil
}

func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
