package backup

import (
	"github.com/pkg/errors"

	"github.com/troparcel/troparcel/internal/crdt"
)

// Default inbound size limits.
const (
	DefaultMaxNoteSize     = 1 << 20 // 1 MiB of note HTML
	DefaultMaxMetadataSize = 64 << 10
)

// ErrTooLarge marks entries rejected by the size guard. The apply cycle
// skips the entry and continues the batch.
var ErrTooLarge = errors.New("backup: entry exceeds size limit")

// Validator applies inbound guards before a remote entry reaches the host.
type Validator struct {
	MaxNoteSize     int
	MaxMetadataSize int
}

// NewValidator returns a validator with the default limits.
func NewValidator() *Validator {
	return &Validator{
		MaxNoteSize:     DefaultMaxNoteSize,
		MaxMetadataSize: DefaultMaxMetadataSize,
	}
}

// ValidateEntry checks an inbound entry's payload sizes for its collection.
// Tombstones always pass: they carry no payload.
func (v *Validator) ValidateEntry(col crdt.Collection, e crdt.Entry) error {
	if e.Deleted {
		return nil
	}
	switch col {
	case crdt.Notes, crdt.SelectionNotes:
		if len(e.Field(crdt.FieldHTML)) > v.MaxNoteSize {
			return errors.Wrapf(ErrTooLarge, "note html %d bytes", len(e.Field(crdt.FieldHTML)))
		}
	case crdt.Metadata, crdt.PhotoMeta, crdt.SelectionMeta:
		if len(e.Field(crdt.FieldText)) > v.MaxMetadataSize {
			return errors.Wrapf(ErrTooLarge, "metadata text %d bytes", len(e.Field(crdt.FieldText)))
		}
	case crdt.Transcriptions:
		if len(e.Field(crdt.FieldText))+len(e.Field(crdt.FieldData)) > v.MaxNoteSize {
			return errors.Wrapf(ErrTooLarge, "transcription %d bytes",
				len(e.Field(crdt.FieldText))+len(e.Field(crdt.FieldData)))
		}
	}
	return nil
}

// ShouldOverwrite decides whether a remote value may replace the local one:
// tombstones always apply, otherwise a non-empty remote wins, and an empty
// remote only fills an empty local slot.
func ShouldOverwrite(local string, remote crdt.Entry) bool {
	if remote.Deleted {
		return true
	}
	for _, v := range remote.Fields {
		if v != "" {
			return true
		}
	}
	return local == ""
}

// CheckTombstoneFlood logs a warning when more than half of an item's active
// keys are tombstoned in a single batch. Informational only; the batch is
// never blocked.
func CheckTombstoneFlood(identity string, activeKeys, batchTombstones int) {
	if activeKeys == 0 || batchTombstones*2 <= activeKeys {
		return
	}
	log.WithFields(map[string]any{
		"item":       identity,
		"active":     activeKeys,
		"tombstones": batchTombstones,
	}).Warn("tombstone flood: more than half of item's keys deleted in one batch")
}
