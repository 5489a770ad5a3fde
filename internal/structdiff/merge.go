package structdiff

import "sort"

// ConflictType classifies how source and target diverged on one path.
type ConflictType string

const (
	// ConflictBothModified: both branches changed the value since the base,
	// to different results. Also reported for every field of an entity both
	// branches created independently (no base to arbitrate).
	ConflictBothModified ConflictType = "BOTH_MODIFIED"

	// ConflictBothDeleted: both branches removed the value. Double deletions
	// auto-resolve to "stays removed" during merge, so this type is never
	// produced by MergePayloads; it exists so callers composing their own
	// conflict reports share one enum.
	ConflictBothDeleted ConflictType = "BOTH_DELETED"

	// ConflictModifiedDeleted: source changed the value, target removed it.
	ConflictModifiedDeleted ConflictType = "MODIFIED_DELETED"

	// ConflictDeletedModified: source removed the value, target changed it.
	ConflictDeletedModified ConflictType = "DELETED_MODIFIED"
)

// Conflict is one unresolved divergence surfaced to the caller. Conflicts
// are values, never errors: whether an unresolved list becomes a user-facing
// failure is the caller's call.
type Conflict struct {
	Path   string       `json:"path"` // dot-delimited; "" means the whole payload
	Type   ConflictType `json:"type"`
	Base   any          `json:"baseValue"`
	Source any          `json:"sourceValue"`
	Target any          `json:"targetValue"`
}

// MergeResult is the outcome of a three-way merge. Merged is non-nil only
// when HasConflicts is false; a nil Merged with no conflicts means the
// entity stays deleted.
type MergeResult struct {
	HasConflicts bool           `json:"hasConflicts"`
	Conflicts    []Conflict     `json:"conflicts,omitempty"`
	Merged       map[string]any `json:"mergedPayload,omitempty"`
}

// Merge performs a field-level three-way merge of three object documents.
// All three must be non-nil; MergePayloads handles absent documents.
//
// Per field: untouched or identically-changed values are kept; a change on
// one side only wins; divergent changes conflict as BOTH_MODIFIED;
// deletions against an unchanged counterpart win; a deletion against a
// modification conflicts as MODIFIED_DELETED or DELETED_MODIFIED depending
// on which side deleted. Nested objects merge recursively when base, source
// and target all hold objects at the field; everything else, arrays
// included, compares as a whole value.
func Merge(base, source, target map[string]any) *MergeResult {
	merged, conflicts := mergeObjects("", base, source, target)
	if len(conflicts) > 0 {
		return &MergeResult{HasConflicts: true, Conflicts: conflicts}
	}
	return &MergeResult{Merged: merged}
}

// MergePayloads is Merge extended to absent documents, where nil means the
// entity does not exist on that line (never created, or deleted).
//
// With no base, a single surviving side is taken verbatim, and two surviving
// sides mean both branches created the entity independently: every field in
// the union of their keys is reported as a conflict. With a base, a deletion
// on one side is accepted when the other side left the entity untouched and
// otherwise conflicts as a whole (Path ""). Deletion on both sides stays
// deleted.
func MergePayloads(base, source, target map[string]any) *MergeResult {
	switch {
	case source == nil && target == nil:
		return &MergeResult{}

	case base == nil && target == nil:
		return &MergeResult{Merged: source}

	case base == nil && source == nil:
		return &MergeResult{Merged: target}

	case base == nil:
		return &MergeResult{HasConflicts: true, Conflicts: independentCreations(source, target)}

	case source == nil:
		if deepEqual(target, base) {
			return &MergeResult{}
		}
		return &MergeResult{HasConflicts: true, Conflicts: []Conflict{{
			Path:   "",
			Type:   ConflictDeletedModified,
			Base:   base,
			Source: nil,
			Target: target,
		}}}

	case target == nil:
		if deepEqual(source, base) {
			return &MergeResult{}
		}
		return &MergeResult{HasConflicts: true, Conflicts: []Conflict{{
			Path:   "",
			Type:   ConflictModifiedDeleted,
			Base:   base,
			Source: source,
			Target: nil,
		}}}

	default:
		return Merge(base, source, target)
	}
}

// mergeObjects merges one object level, returning the merged fields and any
// conflicts found at or below it. Keys are visited in sorted order so
// conflict lists are deterministic.
func mergeObjects(prefix string, base, source, target map[string]any) (map[string]any, []Conflict) {
	out := make(map[string]any)
	var conflicts []Conflict

	for _, k := range unionKeys(base, source, target) {
		path := joinPath(prefix, k)
		bv, inBase := base[k]
		sv, inSource := source[k]
		tv, inTarget := target[k]

		switch {
		case !inSource && !inTarget:
			// Removed on both sides (or never present): stays absent.

		case inSource && inTarget:
			if deepEqual(sv, tv) {
				out[k] = sv
				continue
			}
			if inBase && kindOf(bv) == KindObject && kindOf(sv) == KindObject && kindOf(tv) == KindObject {
				sub, cs := mergeObjects(path, bv.(map[string]any), sv.(map[string]any), tv.(map[string]any))
				out[k] = sub
				conflicts = append(conflicts, cs...)
				continue
			}
			switch {
			case !inBase:
				conflicts = append(conflicts, Conflict{Path: path, Type: ConflictBothModified, Base: nil, Source: sv, Target: tv})
			case deepEqual(sv, bv):
				out[k] = tv
			case deepEqual(tv, bv):
				out[k] = sv
			default:
				conflicts = append(conflicts, Conflict{Path: path, Type: ConflictBothModified, Base: bv, Source: sv, Target: tv})
			}

		case inSource: // target removed or never had the field
			switch {
			case !inBase:
				out[k] = sv // added by source only
			case deepEqual(sv, bv):
				// Source untouched, target deleted: deletion wins.
			default:
				conflicts = append(conflicts, Conflict{Path: path, Type: ConflictModifiedDeleted, Base: bv, Source: sv, Target: nil})
			}

		default: // inTarget only
			switch {
			case !inBase:
				out[k] = tv
			case deepEqual(tv, bv):
				// Target untouched, source deleted: deletion wins.
			default:
				conflicts = append(conflicts, Conflict{Path: path, Type: ConflictDeletedModified, Base: bv, Source: nil, Target: tv})
			}
		}
	}

	return out, conflicts
}

// independentCreations reports every field of two base-less documents as a
// conflict, values filled from whichever sides carry the field.
func independentCreations(source, target map[string]any) []Conflict {
	conflicts := make([]Conflict, 0, len(source)+len(target))
	for _, k := range unionKeys(source, target) {
		conflicts = append(conflicts, Conflict{
			Path:   k,
			Type:   ConflictBothModified,
			Base:   nil,
			Source: source[k],
			Target: target[k],
		})
	}
	return conflicts
}

func unionKeys(docs ...map[string]any) []string {
	set := make(map[string]struct{})
	for _, d := range docs {
		for k := range d {
			set[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
