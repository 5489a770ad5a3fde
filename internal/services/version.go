package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sagaforge/chronicle/internal/codec"
	"github.com/sagaforge/chronicle/internal/common"
	"github.com/sagaforge/chronicle/internal/dbx"
	"github.com/sagaforge/chronicle/internal/logging"
	"github.com/sagaforge/chronicle/internal/metrics"
	"github.com/sagaforge/chronicle/internal/models"
	"github.com/sagaforge/chronicle/internal/repositories/repomanager"
	"github.com/sagaforge/chronicle/internal/repositories/versions"
)

// VersionService is the temporal version store: it creates, closes and
// restores immutable entity snapshots and resolves the snapshot valid at a
// given world time, walking up branch ancestry when the branch itself holds
// none. That walk gives every branch copy-on-write semantics over its
// ancestors: nothing is duplicated until the branch actually changes.
type VersionService struct {
	db      *sql.DB
	repos   repomanager.RepositoryManager
	policy  AccessPolicy
	audit   AuditLog
	cache   CacheInvalidator
	log     logging.Logger
	metrics *metrics.Metrics
}

// NewVersionService wires a VersionService to its storage and collaborators.
func NewVersionService(db *sql.DB, repos repomanager.RepositoryManager, policy AccessPolicy, audit AuditLog, cache CacheInvalidator, log logging.Logger, m *metrics.Metrics) *VersionService {
	return &VersionService{db: db, repos: repos, policy: policy, audit: audit, cache: cache, log: log, metrics: m}
}

// CreateVersionInput describes one new entity snapshot. ExpectedVersion,
// when set, is the optimistic-concurrency token: the write only applies
// when it equals the entity's current highest version on the branch.
type CreateVersionInput struct {
	EntityType      string
	EntityID        string
	BranchID        string
	ValidFrom       time.Time
	ValidTo         *time.Time
	Payload         map[string]any
	AuthorID        string
	Comment         *string
	ExpectedVersion *int64
}

// CreateVersion appends the entity's next snapshot on the branch. Inside
// one transaction it checks the expected version, closes the still-open
// predecessor at ValidFrom so intervals never overlap, and inserts the new
// row with the next version number.
func (s *VersionService) CreateVersion(ctx context.Context, in CreateVersionInput) (*models.Version, error) {
	if err := validateVersionKey(in.EntityType, in.EntityID, in.BranchID); err != nil {
		return nil, err
	}
	if in.ValidFrom.IsZero() {
		return nil, fmt.Errorf("validFrom is required: %w", common.ErrInvalidInput)
	}
	if in.ValidTo != nil && !in.ValidTo.After(in.ValidFrom) {
		return nil, fmt.Errorf("validTo must be after validFrom: %w", common.ErrInvalidInput)
	}

	branch, err := s.repos.Branches(s.db).GetByID(ctx, in.BranchID)
	if err != nil {
		return nil, err
	}
	if err := authorizeEdit(ctx, s.policy, in.AuthorID, branch.CampaignID); err != nil {
		return nil, err
	}

	blob, err := codec.Compress(in.Payload)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordPayload(metrics.DirectionCompress, len(blob))

	v := &models.Version{
		ID:         uuid.NewString(),
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		BranchID:   in.BranchID,
		ValidFrom:  common.TruncateTime(in.ValidFrom),
		ValidTo:    common.TruncateTimePtr(in.ValidTo),
		Payload:    blob,
		CreatedBy:  in.AuthorID,
		Comment:    in.Comment,
		CreatedAt:  common.NowUTC(),
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repos.Versions(tx)
		current, err := repo.MaxVersion(ctx, in.EntityType, in.EntityID, in.BranchID)
		if err != nil {
			return err
		}
		if in.ExpectedVersion != nil && *in.ExpectedVersion != current {
			return fmt.Errorf("expected version %d, found %d: %w", *in.ExpectedVersion, current, common.ErrOptimisticLock)
		}
		if err := closeOpenVersion(ctx, repo, in.EntityType, in.EntityID, in.BranchID, v.ValidFrom); err != nil {
			return err
		}
		v.Version = current + 1
		return repo.Create(ctx, v)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.VersionsCreatedTotal.Inc()
	s.appendAudit(ctx, AuditEntry{
		EntityKind: "version", EntityID: v.ID, Action: "create", ActorID: in.AuthorID,
		Detail: map[string]any{"entityType": v.EntityType, "entityId": v.EntityID, "branchId": v.BranchID, "version": v.Version},
	})
	s.invalidate(ctx, InvalidateEvent{CampaignID: branch.CampaignID, BranchID: v.BranchID, EntityType: v.EntityType, EntityID: v.EntityID})
	return v, nil
}

// FindVersionInBranch returns the entity's version whose validity interval
// contains asOf on this branch only, nil when the branch holds none. No
// ancestry is consulted; ResolveVersion does that.
func (s *VersionService) FindVersionInBranch(ctx context.Context, entityType, entityID, branchID string, asOf time.Time) (*models.Version, error) {
	v, err := s.repos.Versions(s.db).FindAt(ctx, entityType, entityID, branchID, common.TruncateTime(asOf))
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

// ResolveVersion finds the snapshot governing the entity at asOf as seen
// from the given branch: the branch itself first, then each ancestor in
// turn, first hit wins. Nil when no line of ancestry holds a matching
// interval. The campaign's branch set is fetched once before the walk.
func (s *VersionService) ResolveVersion(ctx context.Context, entityType, entityID, branchID string, asOf time.Time) (*models.Version, error) {
	branch, err := s.repos.Branches(s.db).GetByID(ctx, branchID)
	if err != nil {
		return nil, err
	}
	ix, err := loadBranchIndex(ctx, s.repos.Branches(s.db), branch.CampaignID)
	if err != nil {
		return nil, err
	}
	return s.resolveAt(ctx, s.repos.Versions(s.db), ix, entityType, entityID, branchID, asOf)
}

// resolveAt is the resolution walk over a pre-fetched branch index, shared
// with fork and merge so batch operations never refetch ancestry per
// entity.
func (s *VersionService) resolveAt(ctx context.Context, repo versions.Repository, ix branchIndex, entityType, entityID, branchID string, asOf time.Time) (*models.Version, error) {
	at := common.TruncateTime(asOf)
	cur, ok := ix[branchID]
	if !ok {
		return nil, fmt.Errorf("branch %s: %w", branchID, common.ErrNotFound)
	}

	for depth := 0; ; depth++ {
		if depth > common.MaxAncestryDepth {
			err := fmt.Errorf("resolution walk from branch %s exceeds %d hops: %w",
				branchID, common.MaxAncestryDepth, common.ErrCycleDetected)
			s.log.Error(ctx, "resolution walk aborted", "branch_id", branchID, "error", err)
			return nil, err
		}

		v, err := repo.FindAt(ctx, entityType, entityID, cur.ID, at)
		if err == nil {
			s.metrics.RecordResolution(metrics.OutcomeHit, depth)
			return v, nil
		}
		if !errors.Is(err, common.ErrNotFound) {
			return nil, err
		}

		if cur.ParentBranchID == nil {
			s.metrics.RecordResolution(metrics.OutcomeMiss, depth)
			return nil, nil
		}
		parent, ok := ix[*cur.ParentBranchID]
		if !ok {
			// Parent soft-deleted out from under us: treat as root.
			s.metrics.RecordResolution(metrics.OutcomeMiss, depth)
			return nil, nil
		}
		cur = parent
	}
}

// CloseVersion stamps ValidTo on the entity's open version, ending its
// validity at the given instant without a successor ("the entity stops
// existing on this branch"). common.ErrNotFound when nothing is open.
func (s *VersionService) CloseVersion(ctx context.Context, entityType, entityID, branchID string, at time.Time, actorID string) error {
	branch, err := s.repos.Branches(s.db).GetByID(ctx, branchID)
	if err != nil {
		return err
	}
	if err := authorizeEdit(ctx, s.policy, actorID, branch.CampaignID); err != nil {
		return err
	}

	closedAt := common.TruncateTime(at)
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repos.Versions(tx)
		open, err := repo.FindOpen(ctx, entityType, entityID, branchID)
		if err != nil {
			return err
		}
		if !closedAt.After(open.ValidFrom) {
			return fmt.Errorf("close instant must follow validFrom: %w", common.ErrInvalidInput)
		}
		return repo.Close(ctx, open.ID, closedAt)
	})
	if err != nil {
		return err
	}

	s.appendAudit(ctx, AuditEntry{
		EntityKind: "version", EntityID: entityID, Action: "close", ActorID: actorID,
		Detail: map[string]any{"entityType": entityType, "branchId": branchID},
	})
	s.invalidate(ctx, InvalidateEvent{CampaignID: branch.CampaignID, BranchID: branchID, EntityType: entityType, EntityID: entityID})
	return nil
}

// RestoreVersion re-applies a historical snapshot as the entity's next
// version on the target branch, valid from asOf. The stored blob is copied
// byte-for-byte; restoration never decompresses, never rewrites history.
func (s *VersionService) RestoreVersion(ctx context.Context, versionID, branchID string, asOf time.Time, actorID string, comment *string) (*models.Version, error) {
	src, err := s.repos.Versions(s.db).GetByID(ctx, versionID)
	if err != nil {
		return nil, err
	}
	branch, err := s.repos.Branches(s.db).GetByID(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if err := authorizeEdit(ctx, s.policy, actorID, branch.CampaignID); err != nil {
		return nil, err
	}

	v := &models.Version{
		ID:         uuid.NewString(),
		EntityType: src.EntityType,
		EntityID:   src.EntityID,
		BranchID:   branchID,
		ValidFrom:  common.TruncateTime(asOf),
		Payload:    src.Payload,
		CreatedBy:  actorID,
		Comment:    comment,
		CreatedAt:  common.NowUTC(),
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repos.Versions(tx)
		current, err := repo.MaxVersion(ctx, src.EntityType, src.EntityID, branchID)
		if err != nil {
			return err
		}
		if err := closeOpenVersion(ctx, repo, src.EntityType, src.EntityID, branchID, v.ValidFrom); err != nil {
			return err
		}
		v.Version = current + 1
		return repo.Create(ctx, v)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.VersionsCreatedTotal.Inc()
	s.appendAudit(ctx, AuditEntry{
		EntityKind: "version", EntityID: v.ID, Action: "restore", ActorID: actorID,
		Detail: map[string]any{"restoredFrom": versionID, "branchId": branchID, "version": v.Version},
	})
	s.invalidate(ctx, InvalidateEvent{CampaignID: branch.CampaignID, BranchID: branchID, EntityType: v.EntityType, EntityID: v.EntityID})
	return v, nil
}

// GetVersion fetches one version row by id.
func (s *VersionService) GetVersion(ctx context.Context, versionID string) (*models.Version, error) {
	return s.repos.Versions(s.db).GetByID(ctx, versionID)
}

// ListVersions returns the entity's history on one branch, newest first.
func (s *VersionService) ListVersions(ctx context.Context, entityType, entityID, branchID string) ([]*models.Version, error) {
	return s.repos.Versions(s.db).ListByEntity(ctx, entityType, entityID, branchID)
}

// DecodePayload inflates a version's stored blob back into its payload
// object.
func (s *VersionService) DecodePayload(v *models.Version) (map[string]any, error) {
	s.metrics.RecordPayload(metrics.DirectionDecompress, len(v.Payload))
	return codec.Decompress(v.Payload)
}

func (s *VersionService) appendAudit(ctx context.Context, e AuditEntry) {
	if err := s.audit.Append(ctx, e); err != nil {
		s.log.Warn(ctx, "audit append failed", "entity_kind", e.EntityKind, "entity_id", e.EntityID, "error", err)
	}
}

func (s *VersionService) invalidate(ctx context.Context, e InvalidateEvent) {
	if err := s.cache.Invalidate(ctx, e); err != nil {
		s.log.Warn(ctx, "cache invalidation failed", "branch_id", e.BranchID, "entity_id", e.EntityID, "error", err)
	}
}

// closeOpenVersion ends the entity's open interval at the new snapshot's
// validFrom, preserving the non-overlap invariant. No open version is fine;
// an open version starting at or after the cut instant is a caller error.
func closeOpenVersion(ctx context.Context, repo versions.Repository, entityType, entityID, branchID string, at time.Time) error {
	open, err := repo.FindOpen(ctx, entityType, entityID, branchID)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !at.After(open.ValidFrom) {
		return fmt.Errorf("validFrom %s does not follow open version at %s: %w",
			at.Format(time.RFC3339Nano), open.ValidFrom.Format(time.RFC3339Nano), common.ErrInvalidInput)
	}
	return repo.Close(ctx, open.ID, at)
}

func validateVersionKey(entityType, entityID, branchID string) error {
	if entityType == "" || entityID == "" || branchID == "" {
		return fmt.Errorf("entity type, entity id and branch id are required: %w", common.ErrInvalidInput)
	}
	return nil
}
