package models

import "time"

// Version is one immutable snapshot of one logical entity, valid within one
// branch for the half-open world-time interval [ValidFrom, ValidTo). A nil
// ValidTo means "current, no successor yet". For a fixed (EntityType,
// EntityID, BranchID) the version numbers are a strictly increasing
// sequence starting at 1 and valid intervals never overlap.
//
// Versions are append-only: closing a version only sets ValidTo, and both
// restore and fork create new rows rather than rewriting history.
type Version struct {
	ID string

	EntityType string
	EntityID   string
	BranchID   string

	// Version is the per-(EntityType, EntityID, BranchID) sequence number.
	Version int64

	ValidFrom time.Time
	ValidTo   *time.Time

	// Payload is the gzip-compressed JSON document; codec owns both
	// directions. Fork and restore copy these bytes verbatim.
	Payload []byte

	CreatedBy string
	Comment   *string
	CreatedAt time.Time
}

// ContainsAt reports whether the version's validity interval contains the
// given world time.
func (v *Version) ContainsAt(at time.Time) bool {
	if at.Before(v.ValidFrom) {
		return false
	}
	return v.ValidTo == nil || at.Before(*v.ValidTo)
}

// IsOpen reports whether the version has no successor yet.
func (v *Version) IsOpen() bool {
	return v.ValidTo == nil
}
