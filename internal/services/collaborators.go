package services

import "context"

// AccessPolicy decides what an actor may do within a campaign. The engine
// consults it before every mutation and surfaces denials as
// common.ErrForbidden; who grants the rights is not the engine's concern.
type AccessPolicy interface {
	CanRead(ctx context.Context, actorID, campaignID string) (bool, error)
	CanEdit(ctx context.Context, actorID, campaignID string) (bool, error)
	IsOwner(ctx context.Context, actorID, campaignID string) (bool, error)
}

// AuditEntry describes one recorded engine action.
type AuditEntry struct {
	EntityKind string
	EntityID   string
	Action     string
	ActorID    string
	Detail     map[string]any
}

// AuditLog records engine actions. Appends are fire-and-forget: a failing
// audit sink never rolls back the mutation it describes.
type AuditLog interface {
	Append(ctx context.Context, e AuditEntry) error
}

// InvalidateEvent identifies the scope of a cache invalidation.
type InvalidateEvent struct {
	CampaignID string
	BranchID   string
	EntityType string
	EntityID   string
}

// CacheInvalidator signals downstream caches after successful version
// writes. Best-effort: failures are logged and swallowed.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, e InvalidateEvent) error
}

// AllowAllPolicy grants every request. Used for embedded deployments and
// tests where access control lives elsewhere.
type AllowAllPolicy struct{}

func (AllowAllPolicy) CanRead(ctx context.Context, actorID, campaignID string) (bool, error) {
	return true, nil
}

func (AllowAllPolicy) CanEdit(ctx context.Context, actorID, campaignID string) (bool, error) {
	return true, nil
}

func (AllowAllPolicy) IsOwner(ctx context.Context, actorID, campaignID string) (bool, error) {
	return true, nil
}

// NopAuditLog drops every entry.
type NopAuditLog struct{}

func (NopAuditLog) Append(ctx context.Context, e AuditEntry) error { return nil }

// NopInvalidator ignores every event.
type NopInvalidator struct{}

func (NopInvalidator) Invalidate(ctx context.Context, e InvalidateEvent) error { return nil }
