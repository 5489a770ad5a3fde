// Package branches provides branch persistence for PostgreSQL and SQLite.
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

// PostgresRepository implements branch storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const pgBranchColumns = `id, campaign_id, parent_branch_id, name, description, diverged_at, is_pinned, color, tags, created_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, b *models.Branch) error {
	tags, err := marshalTags(b.Tags)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO branches (id, campaign_id, parent_branch_id, name, description, diverged_at, is_pinned, color, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11);
	`
	_, err = r.db.ExecContext(ctx, query,
		b.ID, b.CampaignID, b.ParentBranchID, b.Name, b.Description, b.DivergedAt,
		b.IsPinned, b.Color, tags, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Branch, error) {
	query := `SELECT ` + pgBranchColumns + ` FROM branches WHERE id=$1 AND deleted_at IS NULL`
	b, err := scanPgBranch(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return b, nil
}

func (r *PostgresRepository) ListByCampaign(ctx context.Context, campaignID string) ([]*models.Branch, error) {
	query := `SELECT ` + pgBranchColumns + ` FROM branches WHERE campaign_id=$1 AND deleted_at IS NULL ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to select branches: %w", err)
	}
	defer rows.Close()

	var result []*models.Branch
	for rows.Next() {
		b, err := scanPgBranch(rows)
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

func (r *PostgresRepository) NameExists(ctx context.Context, campaignID, name string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM branches WHERE campaign_id=$1 AND name=$2 AND deleted_at IS NULL)`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, campaignID, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return exists, nil
}

// Update performs the conditional write carrying the optimistic-concurrency
// contract: the previously observed updated_at must still match.
func (r *PostgresRepository) Update(ctx context.Context, b *models.Branch, expectedUpdatedAt time.Time) error {
	tags, err := marshalTags(b.Tags)
	if err != nil {
		return err
	}
	query := `
		UPDATE branches
		SET name=$2, description=$3, color=$4, is_pinned=$5, tags=$6::jsonb, updated_at=$7
		WHERE id=$1 AND deleted_at IS NULL AND updated_at=$8;
	`
	res, err := r.db.ExecContext(ctx, query,
		b.ID, b.Name, b.Description, b.Color, b.IsPinned, tags, b.UpdatedAt, expectedUpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
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

func (r *PostgresRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE branches SET deleted_at=$2, updated_at=$2 WHERE id=$1 AND deleted_at IS NULL;`
	res, err := r.db.ExecContext(ctx, query, id, at)
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

func (r *PostgresRepository) CountLiveChildren(ctx context.Context, id string) (int64, error) {
	query := `SELECT COUNT(*) FROM branches WHERE parent_branch_id=$1 AND deleted_at IS NULL`
	var n int64
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPgBranch(row scanner) (*models.Branch, error) {
	var (
		b          models.Branch
		parent     sql.NullString
		desc       sql.NullString
		divergedAt sql.NullTime
		tags       []byte
	)
	err := row.Scan(&b.ID, &b.CampaignID, &parent, &b.Name, &desc, &divergedAt,
		&b.IsPinned, &b.Color, &tags, &b.CreatedAt, &b.UpdatedAt)
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
		t := divergedAt.Time.UTC()
		b.DivergedAt = &t
	}
	if err := json.Unmarshal(tags, &b.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

// marshalTags encodes tags as a JSON string: pgx sends []byte parameters as
// bytea, which a jsonb column rejects, so both backends store tags from the
// text form.
func marshalTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	out, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encoding tags: %w", err)
	}
	return string(out), nil
}
