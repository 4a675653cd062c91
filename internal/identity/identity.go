// Package identity derives the stable fingerprints and opaque keys that tie
// annotations together across peers. Items are matched by a content
// fingerprint of their photo checksums, never by a host database id, so two
// peers that imported the same images independently still converge on the
// same identity.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Key prefixes for the entity kinds that carry opaque keys.
const (
	NotePrefix          = "n_"
	SelectionPrefix     = "s_"
	TranscriptionPrefix = "t_"
	ListPrefix          = "l_"
)

// itemIDLen is the width of an item identity in hex characters.
const itemIDLen = 32

// ItemIdentity computes the stable identity of an item from its photo
// checksums. Multi-photo items hash the sorted checksum list joined by ":".
// An item with no checksums has no identity and cannot sync; the empty
// string is returned.
func ItemIdentity(photoChecksums []string) string {
	if len(photoChecksums) == 0 {
		return ""
	}
	sorted := make([]string, len(photoChecksums))
	copy(sorted, photoChecksums)
	sort.Strings(sorted)

	sum := sha256.Sum256([]byte(strings.Join(sorted, ":")))
	return hex.EncodeToString(sum[:])[:itemIDLen]
}

// SelectionFingerprint hashes a selection's photo checksum and integer
// position. Coordinates are rounded to the nearest pixel first, so two
// selections within a pixel of each other collide on purpose: the
// fingerprint exists only to dedupe re-applied remote selections.
func SelectionFingerprint(photoChecksum string, x, y, w, h float64) string {
	payload := fmt.Sprintf("%s:%d:%d:%d:%d",
		photoChecksum,
		int(math.Round(x)), int(math.Round(y)),
		int(math.Round(w)), int(math.Round(h)))
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:itemIDLen]
}

// NewNoteKey returns a fresh globally-unique note key.
func NewNoteKey() string { return newKey(NotePrefix) }

// NewSelectionKey returns a fresh globally-unique selection key.
func NewSelectionKey() string { return newKey(SelectionPrefix) }

// NewTranscriptionKey returns a fresh globally-unique transcription key.
func NewTranscriptionKey() string { return newKey(TranscriptionPrefix) }

// NewListKey returns a fresh globally-unique list key.
func NewListKey() string { return newKey(ListPrefix) }

func newKey(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// TagKey normalizes a tag display name into its CRDT key. The host treats
// tag names case-insensitively, so the key is the lowercased name; the
// display-case name travels inside the value.
func TagKey(displayName string) string {
	return strings.ToLower(displayName)
}

// Jaccard returns the Jaccard similarity of two checksum sets.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, c := range a {
		set[c] = true
	}
	inter := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, c := range b {
		if seen[c] {
			continue
		}
		seen[c] = true
		if set[c] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
