package index

import (
	"fmt"
	"slices"
)

// Expectation is what the caller requires of a persisted index.
type Expectation struct {
	Fingerprint string
	ModelID     string
	Count       int
	// ProjectionVersion is checked when non-empty.
	ProjectionVersion string
	// IDs, when non-nil, must equal the persisted ids in order.
	IDs []string
}

// IsValid reports whether meta matches the given fingerprint, model and
// count exactly.
func IsValid(meta Metadata, fingerprint, modelID string, count int) bool {
	return meta.Fingerprint == fingerprint && meta.ModelID == modelID && meta.Count == count
}

// Staleness returns "" when meta satisfies want, otherwise a short reason
// naming the first mismatch. It extends [IsValid] with the format variant,
// the text projection and the id order.
func Staleness(meta Metadata, want Expectation) string {
	if meta.Variant != Variant {
		return fmt.Sprintf("variant %q, want %q", meta.Variant, Variant)
	}
	if !IsValid(meta, want.Fingerprint, want.ModelID, want.Count) {
		switch {
		case meta.Fingerprint != want.Fingerprint:
			return "collection fingerprint changed"
		case meta.ModelID != want.ModelID:
			return fmt.Sprintf("embedding model changed from %q to %q", meta.ModelID, want.ModelID)
		default:
			return fmt.Sprintf("item count changed from %d to %d", meta.Count, want.Count)
		}
	}
	switch {
	case want.ProjectionVersion != "" && meta.ProjectionVersion != want.ProjectionVersion:
		return fmt.Sprintf("text projection changed from %q to %q", meta.ProjectionVersion, want.ProjectionVersion)
	case want.IDs != nil && !slices.Equal(meta.IDs, want.IDs):
		return "item order changed"
	}
	return ""
}
