package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// FingerprintMode selects which property of the source file feeds the
// fingerprint.
type FingerprintMode string

const (
	// FingerprintMTime hashes the file's modification time. Touching the file
	// without changing it invalidates the index.
	FingerprintMTime FingerprintMode = "mtime"
	// FingerprintContent hashes the file's bytes instead, so the index
	// survives copies and touches that leave the content unchanged.
	FingerprintContent FingerprintMode = "content"
)

// ParseFingerprintMode parses a mode name. The empty string selects
// [FingerprintMTime].
func ParseFingerprintMode(s string) (FingerprintMode, error) {
	switch FingerprintMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", FingerprintMTime:
		return FingerprintMTime, nil
	case FingerprintContent:
		return FingerprintContent, nil
	default:
		return "", fmt.Errorf("knowledge: unknown fingerprint mode %q (want mtime or content)", s)
	}
}

// fingerprintRecord is the canonical record that is hashed. Field order is
// fixed by the struct so the encoding is stable.
type fingerprintRecord struct {
	Count         int      `json:"count"`
	IDs           []string `json:"ids"`
	SourcePath    string   `json:"source_path"`
	SourceMTime   int64    `json:"source_mtime,omitempty"`
	SourceContent string   `json:"source_sha256,omitempty"`
}

// Fingerprint returns the SHA-256 hex digest identifying this collection:
// item count, sorted ids, the source path and, depending on mode, the source
// modification time or content hash.
func (s *Store) Fingerprint(mode FingerprintMode) string {
	ids := s.IDs()
	slices.Sort(ids)

	rec := fingerprintRecord{
		Count:      len(s.points),
		IDs:        ids,
		SourcePath: s.path,
	}
	if mode == FingerprintContent {
		rec.SourceContent = s.sum
	} else if !s.modTime.IsZero() {
		rec.SourceMTime = s.modTime.UnixNano()
	}

	// Marshal of this struct cannot fail.
	data, _ := json.Marshal(rec)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func contentSum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
