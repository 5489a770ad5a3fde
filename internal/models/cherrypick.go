package models

// CherryPickResolution is the caller-supplied answer to one cherry-pick
// conflict. ResolvedValue carries a JSON-encoded scalar or structure; the
// engine decodes it before applying. Resolutions for entities other than
// the one being picked are ignored, and repeated paths resolve to the last
// value supplied.
type CherryPickResolution struct {
	EntityType    string `json:"entityType"`
	EntityID      string `json:"entityId"`
	Path          string `json:"path"`
	ResolvedValue string `json:"resolvedValue"`
}
