package services

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sagaforge/chronicle/internal/common"
	"github.com/sagaforge/chronicle/internal/dbx"
	"github.com/sagaforge/chronicle/internal/logging"
	"github.com/sagaforge/chronicle/internal/metrics"
	"github.com/sagaforge/chronicle/internal/models"
	"github.com/sagaforge/chronicle/internal/repositories/repomanager"
)

// defaultForkConcurrency bounds the per-entity resolution fan-out during
// the fork read phase.
const defaultForkConcurrency = 8

// ForkService atomically creates a child branch seeded with a consistent
// snapshot of every tracked entity type at the divergence instant. Reads
// (finding and resolving the entities to copy) run concurrently outside the
// transaction; the branch insert and all seed version inserts then commit
// or roll back together.
type ForkService struct {
	db          *sql.DB
	repos       repomanager.RepositoryManager
	versions    *VersionService
	policy      AccessPolicy
	audit       AuditLog
	cache       CacheInvalidator
	log         logging.Logger
	metrics     *metrics.Metrics
	entityTypes []string
	concurrency int
}

// NewForkService wires a ForkService. entityTypes lists the tracked entity
// types seeded into every fork.
func NewForkService(db *sql.DB, repos repomanager.RepositoryManager, versions *VersionService, policy AccessPolicy, audit AuditLog, cache CacheInvalidator, log logging.Logger, m *metrics.Metrics, entityTypes []string) *ForkService {
	return &ForkService{
		db: db, repos: repos, versions: versions,
		policy: policy, audit: audit, cache: cache, log: log, metrics: m,
		entityTypes: entityTypes, concurrency: defaultForkConcurrency,
	}
}

// ForkInput describes a branch fork.
type ForkInput struct {
	SourceBranchID string
	Name           string
	Description    *string
	DivergeAt      time.Time
	AuthorID       string
}

// ForkResult is the created branch plus how many entity versions were
// seeded into it.
type ForkResult struct {
	Branch         *models.Branch
	VersionsCopied int
}

// forkSeed is one resolved snapshot awaiting the write phase.
type forkSeed struct {
	entityType string
	entityID   string
	payload    []byte
}

// Fork creates the child branch and seeds it with version 1 of every
// entity resolvable at DivergeAt through the source branch's ancestry,
// copying the compressed payload bytes verbatim. The write phase is
// all-or-nothing.
func (s *ForkService) Fork(ctx context.Context, in ForkInput) (*ForkResult, error) {
	if err := validateBranchName(in.Name); err != nil {
		return nil, err
	}
	if in.DivergeAt.IsZero() {
		return nil, fmt.Errorf("divergence instant is required: %w", common.ErrInvalidInput)
	}

	src, err := s.repos.Branches(s.db).GetByID(ctx, in.SourceBranchID)
	if err != nil {
		return nil, err
	}
	if err := authorizeEdit(ctx, s.policy, in.AuthorID, src.CampaignID); err != nil {
		return nil, err
	}
	exists, err := s.repos.Branches(s.db).NameExists(ctx, src.CampaignID, in.Name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("branch name %q already in use: %w", in.Name, common.ErrInvalidInput)
	}

	divergeAt := common.TruncateTime(in.DivergeAt)

	// Read phase: one ancestry snapshot, then per-type entity discovery and
	// concurrent resolution. A failing entity type is skipped with a
	// warning rather than aborting the fork; the write phase below is
	// still atomic over whatever was read.
	ix, err := loadBranchIndex(ctx, s.repos.Branches(s.db), src.CampaignID)
	if err != nil {
		return nil, err
	}
	ancestry, err := ix.ancestryOf(src.ID)
	if err != nil {
		return nil, err
	}
	ancestorIDs := make([]string, len(ancestry))
	for i, b := range ancestry {
		ancestorIDs[i] = b.ID
	}

	var seeds []forkSeed
	for _, entityType := range s.entityTypes {
		typeSeeds, err := s.collectSeeds(ctx, ix, entityType, ancestorIDs, src.ID, divergeAt)
		if err != nil {
			s.log.Warn(ctx, "skipping entity type during fork read phase",
				"entity_type", entityType, "source_branch_id", src.ID, "error", err)
			continue
		}
		seeds = append(seeds, typeSeeds...)
	}

	branch := &models.Branch{
		ID:             uuid.NewString(),
		CampaignID:     src.CampaignID,
		ParentBranchID: &src.ID,
		Name:           in.Name,
		Description:    in.Description,
		DivergedAt:     &divergeAt,
		Color:          src.Color,
		CreatedAt:      common.NowUTC(),
		UpdatedAt:      common.NowUTC(),
	}

	// Write phase: branch plus every seed version, indivisible.
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repos.Branches(tx).Create(ctx, branch); err != nil {
			return err
		}
		repo := s.repos.Versions(tx)
		for _, seed := range seeds {
			v := &models.Version{
				ID:         uuid.NewString(),
				EntityType: seed.entityType,
				EntityID:   seed.entityID,
				BranchID:   branch.ID,
				Version:    1,
				ValidFrom:  divergeAt,
				Payload:    seed.payload,
				CreatedBy:  in.AuthorID,
				CreatedAt:  common.NowUTC(),
			}
			if err := repo.Create(ctx, v); err != nil {
				return fmt.Errorf("seeding %s/%s: %w", seed.entityType, seed.entityID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordFork(len(seeds))
	s.log.Info(ctx, "branch forked", "branch_id", branch.ID, "source_branch_id", src.ID,
		"campaign_id", src.CampaignID, "versions_copied", len(seeds))
	s.appendAudit(ctx, AuditEntry{
		EntityKind: "branch", EntityID: branch.ID, Action: "fork", ActorID: in.AuthorID,
		Detail: map[string]any{"sourceBranchId": src.ID, "name": in.Name, "versionsCopied": len(seeds)},
	})
	for _, entityType := range s.entityTypes {
		s.invalidate(ctx, InvalidateEvent{CampaignID: src.CampaignID, BranchID: branch.ID, EntityType: entityType})
	}

	return &ForkResult{Branch: branch, VersionsCopied: len(seeds)}, nil
}

// collectSeeds lists the entities of one type visible at the divergence
// instant anywhere in the source ancestry and resolves each one's canonical
// snapshot concurrently.
func (s *ForkService) collectSeeds(ctx context.Context, ix branchIndex, entityType string, ancestorIDs []string, sourceBranchID string, divergeAt time.Time) ([]forkSeed, error) {
	repo := s.repos.Versions(s.db)
	entityIDs, err := repo.ListEntityIDsAt(ctx, entityType, ancestorIDs, divergeAt)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		seeds []forkSeed
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, entityID := range entityIDs {
		g.Go(func() error {
			v, err := s.versions.resolveAt(gctx, repo, ix, entityType, entityID, sourceBranchID, divergeAt)
			if err != nil {
				return err
			}
			if v == nil {
				return nil
			}
			mu.Lock()
			seeds = append(seeds, forkSeed{entityType: entityType, entityID: entityID, payload: v.Payload})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return seeds, nil
}

func (s *ForkService) appendAudit(ctx context.Context, e AuditEntry) {
	if err := s.audit.Append(ctx, e); err != nil {
		s.log.Warn(ctx, "audit append failed", "entity_kind", e.EntityKind, "entity_id", e.EntityID, "error", err)
	}
}

func (s *ForkService) invalidate(ctx context.Context, e InvalidateEvent) {
	if err := s.cache.Invalidate(ctx, e); err != nil {
		s.log.Warn(ctx, "cache invalidation failed", "branch_id", e.BranchID, "entity_type", e.EntityType, "error", err)
	}
}
