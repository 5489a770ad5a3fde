package versions

import (
	"context"
	"time"

	"github.com/sagaforge/chronicle/internal/models"
)

// Repository persists entity versions. Rows are append-only: the only
// permitted mutation is Close, which stamps valid_to on a still-open row.
type Repository interface {
	Create(ctx context.Context, v *models.Version) error
	GetByID(ctx context.Context, id string) (*models.Version, error)

	// MaxVersion returns the highest version number for the entity on the
	// branch, or 0 when the entity has no versions there.
	MaxVersion(ctx context.Context, entityType, entityID, branchID string) (int64, error)

	// FindAt returns the version whose validity interval contains asOf,
	// ties broken by descending valid_from. common.ErrNotFound when the
	// branch holds no matching interval.
	FindAt(ctx context.Context, entityType, entityID, branchID string, asOf time.Time) (*models.Version, error)

	// FindOpen returns the version with no valid_to yet.
	FindOpen(ctx context.Context, entityType, entityID, branchID string) (*models.Version, error)

	// Close stamps valid_to on an open version. common.ErrNotFound when the
	// row is missing or already closed.
	Close(ctx context.Context, versionID string, at time.Time) error

	// ListByEntity returns the entity's history on one branch, newest
	// version first.
	ListByEntity(ctx context.Context, entityType, entityID, branchID string) ([]*models.Version, error)

	// ListEntityIDsAt returns the distinct ids of entities of one type
	// having a version valid at the given world time in any of the listed
	// branches.
	ListEntityIDsAt(ctx context.Context, entityType string, branchIDs []string, at time.Time) ([]string, error)
}
