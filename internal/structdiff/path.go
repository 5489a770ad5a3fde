package structdiff

import "strings"

// Resolution pairs a dot-delimited path with the value chosen for it.
// Remove drops the path instead of setting it.
type Resolution struct {
	Path   string
	Value  any
	Remove bool
}

// Apply deep-copies doc and applies resolutions in order, so resolving the
// same path twice means the last write wins. The input document is never
// mutated.
func Apply(doc map[string]any, resolutions []Resolution) map[string]any {
	out := cloneObject(doc)
	if out == nil {
		out = make(map[string]any)
	}
	for _, r := range resolutions {
		if r.Remove {
			DeletePath(out, r.Path)
		} else {
			SetPath(out, r.Path, r.Value)
		}
	}
	return out
}

// SetPath sets the value at a dot-delimited path, creating intermediate
// objects as needed. An intermediate that is not an object is replaced by
// one. Empty paths are ignored.
func SetPath(doc map[string]any, path string, value any) {
	if path == "" {
		return
	}
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// DeletePath removes the value at a dot-delimited path. Missing segments
// are a no-op.
func DeletePath(doc map[string]any, path string) {
	if path == "" {
		return
	}
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

// cloneObject deep-copies an object document. Scalars are immutable and
// copied by value; nested objects and arrays are rebuilt.
func cloneObject(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneObject(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
