package services

import (
	"context"
	"fmt"

	"github.com/sagaforge/chronicle/internal/common"
	"github.com/sagaforge/chronicle/internal/models"
	"github.com/sagaforge/chronicle/internal/repositories/branches"
)

// branchIndex is a point-in-time snapshot of one campaign's live branches
// keyed by id. Every operation that walks ancestry loads the campaign's
// branch set once and walks this map, never re-querying per hop. The
// snapshot stays valid during concurrent branch creation because branches
// are only ever added, never re-parented.
type branchIndex map[string]*models.Branch

// loadBranchIndex fetches and indexes the campaign's live branches.
func loadBranchIndex(ctx context.Context, repo branches.Repository, campaignID string) (branchIndex, error) {
	list, err := repo.ListByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	ix := make(branchIndex, len(list))
	for _, b := range list {
		ix[b.ID] = b
	}
	return ix, nil
}

// ancestryOf walks parent links from the given branch up to a root and
// returns [root, …, branch]. A parent missing from the index (soft-deleted
// or foreign) terminates the walk as if the child were a root, keeping read
// paths available on a damaged hierarchy. Walks past common.MaxAncestryDepth
// hops report common.ErrCycleDetected: the stored forest is corrupt.
func (ix branchIndex) ancestryOf(branchID string) ([]*models.Branch, error) {
	b, ok := ix[branchID]
	if !ok {
		return nil, fmt.Errorf("branch %s: %w", branchID, common.ErrNotFound)
	}

	chain := []*models.Branch{b}
	for depth := 0; b.ParentBranchID != nil; depth++ {
		if depth >= common.MaxAncestryDepth {
			return nil, fmt.Errorf("ancestry of branch %s exceeds %d hops: %w",
				branchID, common.MaxAncestryDepth, common.ErrCycleDetected)
		}
		parent, ok := ix[*b.ParentBranchID]
		if !ok {
			break
		}
		chain = append(chain, parent)
		b = parent
	}

	// Reverse into [root, …, branch] order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
