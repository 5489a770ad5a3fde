package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sagaforge/chronicle/internal/codec"
	"github.com/sagaforge/chronicle/internal/common"
	"github.com/sagaforge/chronicle/internal/dbx"
	"github.com/sagaforge/chronicle/internal/logging"
	"github.com/sagaforge/chronicle/internal/metrics"
	"github.com/sagaforge/chronicle/internal/models"
	"github.com/sagaforge/chronicle/internal/repositories/repomanager"
	"github.com/sagaforge/chronicle/internal/structdiff"
)

// MergeService reconciles diverged branches: it finds the most recent
// common ancestor, assembles the three versions a 3-way merge needs,
// classifies conflicts through structdiff, applies clean merges, and
// cherry-picks single versions across branches.
type MergeService struct {
	db       *sql.DB
	repos    repomanager.RepositoryManager
	versions *VersionService
	policy   AccessPolicy
	audit    AuditLog
	cache    CacheInvalidator
	log      logging.Logger
	metrics  *metrics.Metrics
}

// NewMergeService wires a MergeService to its storage and collaborators.
func NewMergeService(db *sql.DB, repos repomanager.RepositoryManager, versions *VersionService, policy AccessPolicy, audit AuditLog, cache CacheInvalidator, log logging.Logger, m *metrics.Metrics) *MergeService {
	return &MergeService{db: db, repos: repos, versions: versions, policy: policy, audit: audit, cache: cache, log: log, metrics: m}
}

// FindCommonAncestor returns the most recent branch shared by both
// ancestries, or nil when the two branches live in disjoint trees. Both
// branches must belong to the same campaign.
func (s *MergeService) FindCommonAncestor(ctx context.Context, branchAID, branchBID string) (*models.Branch, error) {
	repo := s.repos.Branches(s.db)
	a, err := repo.GetByID(ctx, branchAID)
	if err != nil {
		return nil, err
	}
	b, err := repo.GetByID(ctx, branchBID)
	if err != nil {
		return nil, err
	}
	if a.CampaignID != b.CampaignID {
		return nil, fmt.Errorf("branches belong to different campaigns: %w", common.ErrInvalidInput)
	}

	ix, err := loadBranchIndex(ctx, repo, a.CampaignID)
	if err != nil {
		return nil, err
	}
	ancA, err := ix.ancestryOf(branchAID)
	if err != nil {
		return nil, err
	}
	ancB, err := ix.ancestryOf(branchBID)
	if err != nil {
		return nil, err
	}

	inA := make(map[string]struct{}, len(ancA))
	for _, br := range ancA {
		inA[br.ID] = struct{}{}
	}
	// Scan from the branch end toward the root so the first hit is the
	// most recent shared ancestor.
	for i := len(ancB) - 1; i >= 0; i-- {
		if _, ok := inA[ancB[i].ID]; ok {
			return ancB[i], nil
		}
	}
	return nil, nil
}

// MergeVersions holds the three snapshots a 3-way merge compares. Any may
// be nil: the entity did not exist yet, or was deleted on that line.
type MergeVersions struct {
	Base   *models.Version
	Source *models.Version
	Target *models.Version
}

// GetEntityVersionsForMerge resolves the merge baseline at the earlier of
// the two divergence instants and the source and target sides at
// worldTime, via three independent resolution walks.
func (s *MergeService) GetEntityVersionsForMerge(ctx context.Context, entityType, entityID, sourceBranchID, targetBranchID string, worldTime time.Time) (*MergeVersions, error) {
	if err := validateVersionKey(entityType, entityID, sourceBranchID); err != nil {
		return nil, err
	}

	repo := s.repos.Branches(s.db)
	source, err := repo.GetByID(ctx, sourceBranchID)
	if err != nil {
		return nil, err
	}
	target, err := repo.GetByID(ctx, targetBranchID)
	if err != nil {
		return nil, err
	}

	baseAt, err := earliestDivergence(source, target)
	if err != nil {
		return nil, err
	}

	ix, err := loadBranchIndex(ctx, repo, source.CampaignID)
	if err != nil {
		return nil, err
	}
	vrepo := s.repos.Versions(s.db)

	base, err := s.versions.resolveAt(ctx, vrepo, ix, entityType, entityID, sourceBranchID, baseAt)
	if err != nil {
		return nil, err
	}
	src, err := s.versions.resolveAt(ctx, vrepo, ix, entityType, entityID, sourceBranchID, worldTime)
	if err != nil {
		return nil, err
	}
	tgt, err := s.versions.resolveAt(ctx, vrepo, ix, entityType, entityID, targetBranchID, worldTime)
	if err != nil {
		return nil, err
	}
	return &MergeVersions{Base: base, Source: src, Target: tgt}, nil
}

// MergePreview is a computed merge that has not been written anywhere.
type MergePreview struct {
	Versions *MergeVersions
	Result   *structdiff.MergeResult
}

// PreviewMerge assembles the three versions, decodes their payloads and
// runs the structural merge. Conflicts come back as values; nothing is
// persisted.
func (s *MergeService) PreviewMerge(ctx context.Context, entityType, entityID, sourceBranchID, targetBranchID string, worldTime time.Time) (*MergePreview, error) {
	versions, err := s.GetEntityVersionsForMerge(ctx, entityType, entityID, sourceBranchID, targetBranchID, worldTime)
	if err != nil {
		return nil, err
	}

	base, err := s.decodeOptional(versions.Base)
	if err != nil {
		return nil, err
	}
	source, err := s.decodeOptional(versions.Source)
	if err != nil {
		return nil, err
	}
	target, err := s.decodeOptional(versions.Target)
	if err != nil {
		return nil, err
	}

	result := structdiff.MergePayloads(base, source, target)
	types := make([]string, len(result.Conflicts))
	for i, c := range result.Conflicts {
		types[i] = string(c.Type)
	}
	s.metrics.RecordMerge(types)

	return &MergePreview{Versions: versions, Result: result}, nil
}

// MergeEntityInput describes one entity merge from a source branch into a
// target branch at a world time.
type MergeEntityInput struct {
	EntityType     string
	EntityID       string
	SourceBranchID string
	TargetBranchID string
	WorldTime      time.Time
	AuthorID       string
	Comment        *string
}

// MergeEntityResult reports the outcome of MergeEntity. Applied is true
// only when the merge was clean and the target branch was written; Version
// is the row written, nil when the auto-resolution was "entity stays
// deleted" or when conflicts blocked the merge.
type MergeEntityResult struct {
	Preview *MergePreview
	Applied bool
	Version *models.Version
}

// MergeEntity previews the merge and, when it is conflict-free, writes the
// merged payload as the target branch's next version at WorldTime. A clean
// merge resolving to "deleted" instead closes the target's open version.
// Conflicts write nothing; the preview carries them back to the caller.
func (s *MergeService) MergeEntity(ctx context.Context, in MergeEntityInput) (*MergeEntityResult, error) {
	target, err := s.repos.Branches(s.db).GetByID(ctx, in.TargetBranchID)
	if err != nil {
		return nil, err
	}
	if err := authorizeEdit(ctx, s.policy, in.AuthorID, target.CampaignID); err != nil {
		return nil, err
	}

	preview, err := s.PreviewMerge(ctx, in.EntityType, in.EntityID, in.SourceBranchID, in.TargetBranchID, in.WorldTime)
	if err != nil {
		return nil, err
	}
	if preview.Result.HasConflicts {
		return &MergeEntityResult{Preview: preview}, nil
	}

	at := common.TruncateTime(in.WorldTime)

	if preview.Result.Merged == nil {
		// Both lines agree the entity is gone; end any interval still open
		// on the target branch.
		if preview.Versions.Target != nil && preview.Versions.Target.BranchID == in.TargetBranchID && preview.Versions.Target.IsOpen() {
			err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
				return s.repos.Versions(tx).Close(ctx, preview.Versions.Target.ID, at)
			})
			if err != nil {
				return nil, err
			}
			s.invalidate(ctx, InvalidateEvent{CampaignID: target.CampaignID, BranchID: in.TargetBranchID, EntityType: in.EntityType, EntityID: in.EntityID})
		}
		return &MergeEntityResult{Preview: preview, Applied: true}, nil
	}

	blob, err := codec.Compress(preview.Result.Merged)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordPayload(metrics.DirectionCompress, len(blob))

	v := &models.Version{
		ID:         uuid.NewString(),
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		BranchID:   in.TargetBranchID,
		ValidFrom:  at,
		Payload:    blob,
		CreatedBy:  in.AuthorID,
		Comment:    in.Comment,
		CreatedAt:  common.NowUTC(),
	}
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repos.Versions(tx)
		current, err := repo.MaxVersion(ctx, in.EntityType, in.EntityID, in.TargetBranchID)
		if err != nil {
			return err
		}
		if err := closeOpenVersion(ctx, repo, in.EntityType, in.EntityID, in.TargetBranchID, at); err != nil {
			return err
		}
		v.Version = current + 1
		return repo.Create(ctx, v)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.VersionsCreatedTotal.Inc()
	s.log.Info(ctx, "entity merged", "entity_type", in.EntityType, "entity_id", in.EntityID,
		"source_branch_id", in.SourceBranchID, "target_branch_id", in.TargetBranchID)
	s.appendAudit(ctx, AuditEntry{
		EntityKind: "version", EntityID: v.ID, Action: "merge", ActorID: in.AuthorID,
		Detail: map[string]any{"entityType": in.EntityType, "entityId": in.EntityID, "sourceBranchId": in.SourceBranchID, "targetBranchId": in.TargetBranchID},
	})
	s.invalidate(ctx, InvalidateEvent{CampaignID: target.CampaignID, BranchID: in.TargetBranchID, EntityType: in.EntityType, EntityID: in.EntityID})

	return &MergeEntityResult{Preview: preview, Applied: true, Version: v}, nil
}

// CherryPickInput describes applying one historical version onto another
// branch, with optional conflict resolutions.
type CherryPickInput struct {
	SourceVersionID string
	TargetBranchID  string
	AuthorID        string
	Resolutions     []models.CherryPickResolution
}

// CherryPick applies a single source version onto the target branch. When
// the target has no version of the entity at the source's validFrom, the
// compressed payload applies verbatim. Otherwise the two payloads are
// compared pairwise and every differing path must carry a resolution, or
// the operation fails with common.ErrIncompleteResolution.
func (s *MergeService) CherryPick(ctx context.Context, in CherryPickInput) (*models.Version, error) {
	src, err := s.repos.Versions(s.db).GetByID(ctx, in.SourceVersionID)
	if err != nil {
		return nil, err
	}
	target, err := s.repos.Branches(s.db).GetByID(ctx, in.TargetBranchID)
	if err != nil {
		return nil, err
	}
	if err := authorizeEdit(ctx, s.policy, in.AuthorID, target.CampaignID); err != nil {
		return nil, err
	}
	if src.BranchID == in.TargetBranchID {
		return nil, fmt.Errorf("source version already lives on the target branch: %w", common.ErrInvalidOperation)
	}

	current, err := s.versions.ResolveVersion(ctx, src.EntityType, src.EntityID, in.TargetBranchID, src.ValidFrom)
	if err != nil {
		return nil, err
	}

	blob := src.Payload
	if current != nil {
		blob, err = s.resolveCherryPickPayload(src, current, in.Resolutions)
		if err != nil {
			return nil, err
		}
	}

	v := &models.Version{
		ID:         uuid.NewString(),
		EntityType: src.EntityType,
		EntityID:   src.EntityID,
		BranchID:   in.TargetBranchID,
		ValidFrom:  src.ValidFrom,
		Payload:    blob,
		CreatedBy:  in.AuthorID,
		CreatedAt:  common.NowUTC(),
	}
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repos.Versions(tx)
		max, err := repo.MaxVersion(ctx, src.EntityType, src.EntityID, in.TargetBranchID)
		if err != nil {
			return err
		}
		if err := closeOpenVersion(ctx, repo, src.EntityType, src.EntityID, in.TargetBranchID, v.ValidFrom); err != nil {
			return err
		}
		v.Version = max + 1
		return repo.Create(ctx, v)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.VersionsCreatedTotal.Inc()
	s.appendAudit(ctx, AuditEntry{
		EntityKind: "version", EntityID: v.ID, Action: "cherry-pick", ActorID: in.AuthorID,
		Detail: map[string]any{"sourceVersionId": src.ID, "targetBranchId": in.TargetBranchID},
	})
	s.invalidate(ctx, InvalidateEvent{CampaignID: target.CampaignID, BranchID: in.TargetBranchID, EntityType: src.EntityType, EntityID: src.EntityID})
	return v, nil
}

// resolveCherryPickPayload diffs the source version against the target's
// current state and deep-merges the caller's resolutions over the source
// payload. Every differing path needs a resolution; repeated paths resolve
// to the last value supplied.
func (s *MergeService) resolveCherryPickPayload(src, current *models.Version, resolutions []models.CherryPickResolution) ([]byte, error) {
	srcDoc, err := s.versions.DecodePayload(src)
	if err != nil {
		return nil, fmt.Errorf("decoding source payload: %w", err)
	}
	curDoc, err := s.versions.DecodePayload(current)
	if err != nil {
		return nil, fmt.Errorf("decoding target payload: %w", err)
	}

	changes := structdiff.Diff(curDoc, srcDoc)
	if len(changes) == 0 {
		return src.Payload, nil
	}

	resolved := make(map[string]structdiff.Resolution, len(resolutions))
	for _, r := range resolutions {
		if r.EntityType != src.EntityType || r.EntityID != src.EntityID {
			continue
		}
		var value any
		if err := json.Unmarshal([]byte(r.ResolvedValue), &value); err != nil {
			return nil, fmt.Errorf("resolution for %q is not valid JSON: %w", r.Path, common.ErrInvalidInput)
		}
		resolved[r.Path] = structdiff.Resolution{Path: r.Path, Value: value}
	}

	var missing []string
	applied := make([]structdiff.Resolution, 0, len(changes))
	for _, c := range changes {
		r, ok := resolved[c.Path]
		if !ok {
			missing = append(missing, c.Path)
			continue
		}
		applied = append(applied, r)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("unresolved conflict paths [%s]: %w", strings.Join(missing, ", "), common.ErrIncompleteResolution)
	}

	merged := structdiff.Apply(srcDoc, applied)
	blob, err := codec.Compress(merged)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordPayload(metrics.DirectionCompress, len(blob))
	return blob, nil
}

func (s *MergeService) decodeOptional(v *models.Version) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	return s.versions.DecodePayload(v)
}

// earliestDivergence picks the merge baseline instant: the earlier of the
// two branches' divergence points. Two root branches have no divergence to
// anchor a baseline on.
func earliestDivergence(source, target *models.Branch) (time.Time, error) {
	switch {
	case source.DivergedAt == nil && target.DivergedAt == nil:
		return time.Time{}, fmt.Errorf("neither branch has a divergence point: %w", common.ErrInvalidInput)
	case source.DivergedAt == nil:
		return *target.DivergedAt, nil
	case target.DivergedAt == nil:
		return *source.DivergedAt, nil
	case source.DivergedAt.Before(*target.DivergedAt):
		return *source.DivergedAt, nil
	default:
		return *target.DivergedAt, nil
	}
}

func (s *MergeService) appendAudit(ctx context.Context, e AuditEntry) {
	if err := s.audit.Append(ctx, e); err != nil {
		s.log.Warn(ctx, "audit append failed", "entity_kind", e.EntityKind, "entity_id", e.EntityID, "error", err)
	}
}

func (s *MergeService) invalidate(ctx context.Context, e InvalidateEvent) {
	if err := s.cache.Invalidate(ctx, e); err != nil {
		s.log.Warn(ctx, "cache invalidation failed", "branch_id", e.BranchID, "entity_id", e.EntityID, "error", err)
	}
}
