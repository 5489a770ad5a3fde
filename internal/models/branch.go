// Package models defines the persisted data models of the versioning engine.
package models

import "time"

// Branch is a named, independently-mutable timeline within a campaign,
// forked from a parent timeline at a given world-time instant. Branches
// form a forest via parent pointers; the relation is enforced
// operationally (ancestry walks are depth-limited), not by a foreign key.
type Branch struct {
	// ID is a globally unique identifier.
	ID string

	// CampaignID is the owning scope. Branch names are unique per campaign
	// among live branches.
	CampaignID string

	// ParentBranchID is nil for roots. Never changes after creation.
	ParentBranchID *string

	Name        string
	Description *string

	// DivergedAt is the world time at which this branch was forked from its
	// parent. Nil for branches created without history (roots).
	DivergedAt *time.Time

	// IsPinned protects a branch from casual cleanup in UI flows.
	IsPinned bool

	Color string
	Tags  []string

	CreatedAt time.Time
	UpdatedAt time.Time

	// DeletedAt marks a soft-deleted branch. Branches are never hard-deleted
	// and never re-parented.
	DeletedAt *time.Time
}

// IsRoot reports whether the branch has no parent.
func (b *Branch) IsRoot() bool {
	return b.ParentBranchID == nil
}

// BranchNode is one node of a rendered branch hierarchy.
type BranchNode struct {
	Branch   *Branch
	Children []*BranchNode
}
