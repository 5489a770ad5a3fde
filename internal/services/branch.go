package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sagaforge/chronicle/internal/common"
	"github.com/sagaforge/chronicle/internal/dbx"
	"github.com/sagaforge/chronicle/internal/logging"
	"github.com/sagaforge/chronicle/internal/models"
	"github.com/sagaforge/chronicle/internal/repositories/repomanager"
)

// BranchService manages the branch hierarchy: creation, updates,
// soft-deletion with orphan prevention, ancestry chains and the campaign
// hierarchy tree.
type BranchService struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	policy AccessPolicy
	audit  AuditLog
	log    logging.Logger
}

// NewBranchService wires a BranchService to its storage and collaborators.
func NewBranchService(db *sql.DB, repos repomanager.RepositoryManager, policy AccessPolicy, audit AuditLog, log logging.Logger) *BranchService {
	return &BranchService{db: db, repos: repos, policy: policy, audit: audit, log: log}
}

// CreateBranchInput describes a branch to create explicitly (without
// history seeding; see ForkService for forks).
type CreateBranchInput struct {
	CampaignID     string
	Name           string
	Description    *string
	ParentBranchID *string
	Color          string
	Tags           []string
	IsPinned       bool
	AuthorID       string
}

// Create validates and inserts a new branch. Names are unique among the
// campaign's live branches (case-sensitive exact match); a parent, when
// given, must exist and belong to the same campaign.
func (s *BranchService) Create(ctx context.Context, in CreateBranchInput) (*models.Branch, error) {
	if err := validateBranchName(in.Name); err != nil {
		return nil, err
	}
	if in.CampaignID == "" {
		return nil, fmt.Errorf("campaign id is required: %w", common.ErrInvalidInput)
	}
	if err := authorizeEdit(ctx, s.policy, in.AuthorID, in.CampaignID); err != nil {
		return nil, err
	}

	if in.ParentBranchID != nil {
		parent, err := s.repos.Branches(s.db).GetByID(ctx, *in.ParentBranchID)
		if err != nil {
			return nil, fmt.Errorf("parent branch: %w", err)
		}
		if parent.CampaignID != in.CampaignID {
			return nil, fmt.Errorf("parent branch belongs to another campaign: %w", common.ErrInvalidInput)
		}
	}

	now := common.NowUTC()
	b := &models.Branch{
		ID:             uuid.NewString(),
		CampaignID:     in.CampaignID,
		ParentBranchID: in.ParentBranchID,
		Name:           in.Name,
		Description:    in.Description,
		IsPinned:       in.IsPinned,
		Color:          in.Color,
		Tags:           in.Tags,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repos.Branches(tx)
		exists, err := repo.NameExists(ctx, in.CampaignID, in.Name)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("branch name %q already in use: %w", in.Name, common.ErrInvalidInput)
		}
		return repo.Create(ctx, b)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info(ctx, "branch created", "branch_id", b.ID, "campaign_id", b.CampaignID, "name", b.Name)
	s.appendAudit(ctx, AuditEntry{
		EntityKind: "branch", EntityID: b.ID, Action: "create", ActorID: in.AuthorID,
		Detail: map[string]any{"name": b.Name, "campaignId": b.CampaignID},
	})
	return b, nil
}

// Get returns a live branch by id.
func (s *BranchService) Get(ctx context.Context, id string) (*models.Branch, error) {
	return s.repos.Branches(s.db).GetByID(ctx, id)
}

// List returns the campaign's live branches.
func (s *BranchService) List(ctx context.Context, campaignID string) ([]*models.Branch, error) {
	return s.repos.Branches(s.db).ListByCampaign(ctx, campaignID)
}

// UpdateBranchInput carries the mutable branch fields. Nil pointers leave
// the stored value unchanged; Tags replaces the whole list when non-nil.
// ExpectedUpdatedAt is the optimistic-concurrency token: the update only
// applies when the stored row still carries this timestamp.
type UpdateBranchInput struct {
	ID                string
	Name              *string
	Description       *string
	Color             *string
	IsPinned          *bool
	Tags              []string
	ExpectedUpdatedAt time.Time
	ActorID           string
}

// Update writes the mutable branch fields with a conditional write: a
// concurrent update in between surfaces as common.ErrOptimisticLock and the
// caller re-reads and retries.
func (s *BranchService) Update(ctx context.Context, in UpdateBranchInput) (*models.Branch, error) {
	b, err := s.repos.Branches(s.db).GetByID(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	if err := authorizeEdit(ctx, s.policy, in.ActorID, b.CampaignID); err != nil {
		return nil, err
	}

	if in.Name != nil && *in.Name != b.Name {
		if err := validateBranchName(*in.Name); err != nil {
			return nil, err
		}
		exists, err := s.repos.Branches(s.db).NameExists(ctx, b.CampaignID, *in.Name)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("branch name %q already in use: %w", *in.Name, common.ErrInvalidInput)
		}
		b.Name = *in.Name
	}
	if in.Description != nil {
		b.Description = in.Description
	}
	if in.Color != nil {
		b.Color = *in.Color
	}
	if in.IsPinned != nil {
		b.IsPinned = *in.IsPinned
	}
	if in.Tags != nil {
		b.Tags = in.Tags
	}
	b.UpdatedAt = common.NowUTC()

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return s.repos.Branches(tx).Update(ctx, b, common.TruncateTime(in.ExpectedUpdatedAt))
	})
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, AuditEntry{
		EntityKind: "branch", EntityID: b.ID, Action: "update", ActorID: in.ActorID,
		Detail: map[string]any{"name": b.Name},
	})
	return b, nil
}

// Delete soft-deletes a branch. Root branches and branches that still have
// live children cannot be deleted; removing children first transitively
// guarantees every live branch keeps an unbroken path to a root.
func (s *BranchService) Delete(ctx context.Context, id, actorID string) error {
	b, err := s.repos.Branches(s.db).GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := authorizeEdit(ctx, s.policy, actorID, b.CampaignID); err != nil {
		return err
	}
	if b.IsRoot() {
		return fmt.Errorf("cannot delete a root branch: %w", common.ErrInvalidOperation)
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repos.Branches(tx)
		children, err := repo.CountLiveChildren(ctx, id)
		if err != nil {
			return err
		}
		if children > 0 {
			return fmt.Errorf("branch has %d live children: %w", children, common.ErrInvalidOperation)
		}
		return repo.SoftDelete(ctx, id, common.NowUTC())
	})
	if err != nil {
		return err
	}

	s.log.Info(ctx, "branch deleted", "branch_id", id, "campaign_id", b.CampaignID)
	s.appendAudit(ctx, AuditEntry{
		EntityKind: "branch", EntityID: id, Action: "delete", ActorID: actorID,
		Detail: map[string]any{"name": b.Name},
	})
	return nil
}

// GetAncestry returns the chain [root, …, branch] for a branch. The
// campaign's branch set is fetched once and walked in memory. A chain
// longer than common.MaxAncestryDepth reports common.ErrCycleDetected,
// which means the stored forest is corrupt.
func (s *BranchService) GetAncestry(ctx context.Context, branchID string) ([]*models.Branch, error) {
	repo := s.repos.Branches(s.db)
	b, err := repo.GetByID(ctx, branchID)
	if err != nil {
		return nil, err
	}
	ix, err := loadBranchIndex(ctx, repo, b.CampaignID)
	if err != nil {
		return nil, err
	}
	chain, err := ix.ancestryOf(branchID)
	if err != nil {
		s.log.Error(ctx, "ancestry walk failed", "branch_id", branchID, "error", err)
		return nil, err
	}
	return chain, nil
}

// GetHierarchy builds the campaign's branch forest in two passes: index
// every live branch as a node, then attach each node to its parent. A node
// whose parent is missing or deleted is promoted to a root rather than
// failing, so this read path stays available on a damaged hierarchy.
func (s *BranchService) GetHierarchy(ctx context.Context, campaignID string) ([]*models.BranchNode, error) {
	list, err := s.repos.Branches(s.db).ListByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*models.BranchNode, len(list))
	for _, b := range list {
		nodes[b.ID] = &models.BranchNode{Branch: b}
	}

	var roots []*models.BranchNode
	for _, b := range list {
		node := nodes[b.ID]
		if b.ParentBranchID != nil {
			if parent, ok := nodes[*b.ParentBranchID]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
			s.log.Warn(ctx, "branch parent missing, promoting to root",
				"branch_id", b.ID, "parent_branch_id", *b.ParentBranchID)
		}
		roots = append(roots, node)
	}
	return roots, nil
}

func (s *BranchService) appendAudit(ctx context.Context, e AuditEntry) {
	if err := s.audit.Append(ctx, e); err != nil {
		s.log.Warn(ctx, "audit append failed", "entity_kind", e.EntityKind, "entity_id", e.EntityID, "error", err)
	}
}

func validateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name is required: %w", common.ErrInvalidInput)
	}
	if len(name) > common.MaxBranchNameLength {
		return fmt.Errorf("branch name exceeds %d characters: %w", common.MaxBranchNameLength, common.ErrInvalidInput)
	}
	return nil
}

func authorizeEdit(ctx context.Context, policy AccessPolicy, actorID, campaignID string) error {
	ok, err := policy.CanEdit(ctx, actorID, campaignID)
	if err != nil {
		return fmt.Errorf("checking edit access: %w", err)
	}
	if !ok {
		return fmt.Errorf("actor %s may not edit campaign %s: %w", actorID, campaignID, common.ErrForbidden)
	}
	return nil
}
