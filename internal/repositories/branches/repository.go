package branches

import (
	"context"
	"time"

	"github.com/sagaforge/chronicle/internal/models"
)

// Repository persists branches. Implementations exist for PostgreSQL and
// SQLite; both are bound to a dbx.DBTX so the same repository code runs
// inside and outside transactions.
//
// Soft-deleted branches are invisible to every method except SoftDelete
// itself.
type Repository interface {
	Create(ctx context.Context, b *models.Branch) error
	GetByID(ctx context.Context, id string) (*models.Branch, error)
	ListByCampaign(ctx context.Context, campaignID string) ([]*models.Branch, error)
	NameExists(ctx context.Context, campaignID, name string) (bool, error)

	// Update writes the mutable fields (name, description, color, pinned,
	// tags) with expectedUpdatedAt in the predicate; zero rows affected
	// reports common.ErrOptimisticLock.
	Update(ctx context.Context, b *models.Branch, expectedUpdatedAt time.Time) error

	SoftDelete(ctx context.Context, id string, at time.Time) error
	CountLiveChildren(ctx context.Context, id string) (int64, error)
}
