package structdiff

// ChangeType classifies one pairwise difference.
type ChangeType string

const (
	ChangeAdded    ChangeType = "ADDED"
	ChangeModified ChangeType = "MODIFIED"
	ChangeRemoved  ChangeType = "REMOVED"
)

// Change is one field-level difference between two documents.
type Change struct {
	Path   string     `json:"path"`
	Type   ChangeType `json:"type"`
	Before any        `json:"before"`
	After  any        `json:"after"`
}

// Diff lists the pairwise differences between two object documents with
// dot-delimited paths, visiting keys in sorted order. Nested objects on
// both sides recurse; arrays and kind changes report as whole-value
// modifications. Cherry-pick uses this two-document comparison (no base is
// available between arbitrary branches), and audit detail reuses it.
func Diff(before, after map[string]any) []Change {
	var changes []Change
	diffObjects("", before, after, &changes)
	return changes
}

func diffObjects(prefix string, before, after map[string]any, out *[]Change) {
	for _, k := range unionKeys(before, after) {
		path := joinPath(prefix, k)
		bv, inBefore := before[k]
		av, inAfter := after[k]

		switch {
		case !inAfter:
			*out = append(*out, Change{Path: path, Type: ChangeRemoved, Before: bv, After: nil})
		case !inBefore:
			*out = append(*out, Change{Path: path, Type: ChangeAdded, Before: nil, After: av})
		case deepEqual(bv, av):
			// Unchanged.
		case kindOf(bv) == KindObject && kindOf(av) == KindObject:
			diffObjects(path, bv.(map[string]any), av.(map[string]any), out)
		default:
			*out = append(*out, Change{Path: path, Type: ChangeModified, Before: bv, After: av})
		}
	}
}
