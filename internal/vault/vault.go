// Package vault persists the per-(room, user) bookkeeping the sync engine
// needs across sessions: the push counter, hashes of last-pushed values,
// ghost-apply guards, dismissals, and the CRDT-key to local-id maps.
//
// The vault is written with an atomic temp-file + rename so a crash mid-save
// leaves the previous file intact, and it loads cleanly when legacy files
// lack newer fields.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "vault")

// Map size cap and eviction batch per §4.D.
const (
	maxMapEntries = 50_000
	evictFraction = 5 // evict 1/5 (20%) of entries when the cap is hit
)

// maxFailures is the retry budget before a key is permanently skipped.
const maxFailures = 3

// Kind names an applied-key set.
type Kind string

const (
	KindNote          Kind = "note"
	KindSelection     Kind = "selection"
	KindTranscription Kind = "transcription"
)

type data struct {
	PushSeq uint64 `json:"pushSeq"`
	Touch   uint64 `json:"touch"`

	PushedFieldHashes map[string]map[string]string `json:"pushedFieldHashes"`

	AppliedNoteKeys          map[string]uint64 `json:"appliedNoteKeys"`
	AppliedSelectionKeys     map[string]uint64 `json:"appliedSelectionKeys"`
	AppliedTranscriptionKeys map[string]uint64 `json:"appliedTranscriptionKeys"`

	FailedNoteKeys map[string]int    `json:"failedNoteKeys"`
	DismissedKeys  map[string]uint64 `json:"dismissedKeys"`

	CrdtKeyToLocalID map[string]string `json:"crdtKeyToLocalId"`
	LocalIDToCrdtKey map[string]string `json:"localIdToCrdtKey"`
	IDTouch          map[string]uint64 `json:"idTouch"` // keyed by CRDT key

	OriginalAuthors map[string]string `json:"originalAuthors"`

	PushedTemplateHashes map[string]string `json:"pushedTemplateHashes"`
	PushedListHashes     map[string]string `json:"pushedListHashes"`
}

// Vault is safe for concurrent use. Mutations mark it dirty; Flush (or the
// auto-flusher) writes it out.
type Vault struct {
	mu    sync.Mutex
	path  string
	d     data
	dirty bool
}

// Open loads or creates the vault for (room, user) under dir. The file name
// embeds the sanitized room and the user id.
func Open(dir, room, userID string) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create vault dir")
	}
	v := &Vault{path: filepath.Join(dir, SafeName(room)+"_"+SafeName(userID)+".json")}

	raw, err := os.ReadFile(v.path)
	switch {
	case os.IsNotExist(err):
		// fresh vault
	case err != nil:
		return nil, errors.Wrap(err, "read vault")
	default:
		// Unknown fields are ignored and absent fields stay zero, so any
		// legacy layout loads.
		if err := sonic.Unmarshal(raw, &v.d); err != nil {
			return nil, errors.Wrap(err, "decode vault")
		}
	}
	v.initMaps()
	return v, nil
}

func (v *Vault) initMaps() {
	if v.d.PushedFieldHashes == nil {
		v.d.PushedFieldHashes = map[string]map[string]string{}
	}
	if v.d.AppliedNoteKeys == nil {
		v.d.AppliedNoteKeys = map[string]uint64{}
	}
	if v.d.AppliedSelectionKeys == nil {
		v.d.AppliedSelectionKeys = map[string]uint64{}
	}
	if v.d.AppliedTranscriptionKeys == nil {
		v.d.AppliedTranscriptionKeys = map[string]uint64{}
	}
	if v.d.FailedNoteKeys == nil {
		v.d.FailedNoteKeys = map[string]int{}
	}
	if v.d.DismissedKeys == nil {
		v.d.DismissedKeys = map[string]uint64{}
	}
	if v.d.CrdtKeyToLocalID == nil {
		v.d.CrdtKeyToLocalID = map[string]string{}
	}
	if v.d.LocalIDToCrdtKey == nil {
		v.d.LocalIDToCrdtKey = map[string]string{}
	}
	if v.d.IDTouch == nil {
		v.d.IDTouch = map[string]uint64{}
	}
	if v.d.OriginalAuthors == nil {
		v.d.OriginalAuthors = map[string]string{}
	}
	if v.d.PushedTemplateHashes == nil {
		v.d.PushedTemplateHashes = map[string]string{}
	}
	if v.d.PushedListHashes == nil {
		v.d.PushedListHashes = map[string]string{}
	}
}

// ─── Push counter ────────────────────────────────────────────────────────────

// NextPushSeq returns a strictly increasing sequence number.
func (v *Vault) NextPushSeq() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.d.PushSeq++
	v.dirty = true
	return v.d.PushSeq
}

// CurrentPushSeq returns the last issued sequence number.
func (v *Vault) CurrentPushSeq() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.d.PushSeq
}

// ─── Pushed field hashes ─────────────────────────────────────────────────────

// HasLocalEdit reports whether the local value of (identity, field) differs
// from what was last pushed. With no record of a push it returns true: the
// conservative answer protects unseen local work from being overwritten.
func (v *Vault) HasLocalEdit(identity, field, currentHash string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	fields, ok := v.d.PushedFieldHashes[identity]
	if !ok {
		return true
	}
	pushed, ok := fields[field]
	if !ok {
		return true
	}
	return pushed != currentHash
}

// HasPushRecord reports whether any push of (identity, field) was ever
// recorded. Distinguishes "never seen" from "locally deleted" when diffing.
func (v *Vault) HasPushRecord(identity, field string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	fields, ok := v.d.PushedFieldHashes[identity]
	if !ok {
		return false
	}
	_, ok = fields[field]
	return ok
}

// ClearPushRecord drops the recorded hash of (identity, field) after the
// field is tombstoned.
func (v *Vault) ClearPushRecord(identity, field string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if fields, ok := v.d.PushedFieldHashes[identity]; ok {
		delete(fields, field)
		v.dirty = true
	}
}

// MarkFieldPushed records the hash of the value just pushed.
func (v *Vault) MarkFieldPushed(identity, field, hash string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fields, ok := v.d.PushedFieldHashes[identity]
	if !ok {
		fields = map[string]string{}
		v.d.PushedFieldHashes[identity] = fields
	}
	fields[field] = hash
	v.dirty = true
}

// ─── Applied keys (ghost-apply prevention) ───────────────────────────────────

func (v *Vault) appliedSet(kind Kind) map[string]uint64 {
	switch kind {
	case KindSelection:
		return v.d.AppliedSelectionKeys
	case KindTranscription:
		return v.d.AppliedTranscriptionKeys
	default:
		return v.d.AppliedNoteKeys
	}
}

// MarkApplied records that a remote entity was applied locally.
func (v *Vault) MarkApplied(kind Kind, key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	set := v.appliedSet(kind)
	v.d.Touch++
	set[key] = v.d.Touch
	v.capStampedLocked(set)
	v.dirty = true
}

// WasApplied reports whether the entity was applied before.
func (v *Vault) WasApplied(kind Kind, key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.appliedSet(kind)[key]
	return ok
}

// ─── Failure tracking ────────────────────────────────────────────────────────

// RecordFailure bumps the retry count for a note key and returns it.
func (v *Vault) RecordFailure(key string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.d.FailedNoteKeys[key]++
	v.dirty = true
	return v.d.FailedNoteKeys[key]
}

// PermanentlyFailed reports whether the key exhausted its retries. Dismissed
// keys shadow failures: a key the user chose to hide never counts as failed.
func (v *Vault) PermanentlyFailed(key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, dismissed := v.d.DismissedKeys[key]; dismissed {
		return false
	}
	return v.d.FailedNoteKeys[key] >= maxFailures
}

// FailedKeys returns the permanently failed keys for diagnostics.
func (v *Vault) FailedKeys() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var keys []string
	for k, n := range v.d.FailedNoteKeys {
		if n >= maxFailures {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// ─── Dismissals ──────────────────────────────────────────────────────────────

// DismissKey records that the local user hid a remote entry at the entry's
// current push sequence.
func (v *Vault) DismissKey(key string, pushSeqAtDismissal uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.d.DismissedKeys[key] = pushSeqAtDismissal
	v.dirty = true
}

// IsDismissed reports whether an entry at entrySeq is still hidden. A newer
// write by the author (entrySeq > recorded seq) auto-expires the dismissal:
// a muted thread is resurrected by new activity.
func (v *Vault) IsDismissed(key string, entrySeq uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	seq, ok := v.d.DismissedKeys[key]
	if !ok {
		return false
	}
	if entrySeq > seq {
		delete(v.d.DismissedKeys, key)
		v.dirty = true
		return false
	}
	return true
}

// DismissedSeq exposes the recorded dismissal sequence, mostly for tests and
// diagnostics.
func (v *Vault) DismissedSeq(key string) (uint64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	seq, ok := v.d.DismissedKeys[key]
	return seq, ok
}

// ─── Bidirectional ID map ────────────────────────────────────────────────────

// MapKey associates a CRDT key with a local entity id. Both directions are
// kept in lockstep; eviction removes pairs, never single sides.
func (v *Vault) MapKey(crdtKey, localID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	// Unlink any stale pairing first so the invariant survives remaps.
	if old, ok := v.d.CrdtKeyToLocalID[crdtKey]; ok && old != localID {
		delete(v.d.LocalIDToCrdtKey, old)
	}
	if old, ok := v.d.LocalIDToCrdtKey[localID]; ok && old != crdtKey {
		delete(v.d.CrdtKeyToLocalID, old)
		delete(v.d.IDTouch, old)
	}
	v.d.CrdtKeyToLocalID[crdtKey] = localID
	v.d.LocalIDToCrdtKey[localID] = crdtKey
	v.d.Touch++
	v.d.IDTouch[crdtKey] = v.d.Touch
	v.evictIDPairsLocked()
	v.dirty = true
}

// LocalID resolves a CRDT key to the local entity id.
func (v *Vault) LocalID(crdtKey string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.d.CrdtKeyToLocalID[crdtKey]
	if ok {
		v.d.Touch++
		v.d.IDTouch[crdtKey] = v.d.Touch
	}
	return id, ok
}

// CrdtKey resolves a local entity id to its CRDT key.
func (v *Vault) CrdtKey(localID string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	key, ok := v.d.LocalIDToCrdtKey[localID]
	if ok {
		v.d.Touch++
		v.d.IDTouch[key] = v.d.Touch
	}
	return key, ok
}

// evictIDPairsLocked drops the least-recently-touched 20% of ID pairs once
// the cap is exceeded — both directions together.
func (v *Vault) evictIDPairsLocked() {
	if len(v.d.CrdtKeyToLocalID) <= maxMapEntries {
		return
	}
	type kt struct {
		key   string
		touch uint64
	}
	order := make([]kt, 0, len(v.d.IDTouch))
	for k, t := range v.d.IDTouch {
		order = append(order, kt{k, t})
	}
	sort.Slice(order, func(i, j int) bool { return order[i].touch < order[j].touch })

	evict := len(v.d.CrdtKeyToLocalID) / evictFraction
	for i := 0; i < evict && i < len(order); i++ {
		crdtKey := order[i].key
		if localID, ok := v.d.CrdtKeyToLocalID[crdtKey]; ok {
			delete(v.d.LocalIDToCrdtKey, localID)
		}
		delete(v.d.CrdtKeyToLocalID, crdtKey)
		delete(v.d.IDTouch, crdtKey)
	}
}

// capStampedLocked applies the same cap to a stamped set.
func (v *Vault) capStampedLocked(set map[string]uint64) {
	if len(set) <= maxMapEntries {
		return
	}
	type kt struct {
		key   string
		touch uint64
	}
	order := make([]kt, 0, len(set))
	for k, t := range set {
		order = append(order, kt{k, t})
	}
	sort.Slice(order, func(i, j int) bool { return order[i].touch < order[j].touch })
	for i := 0; i < len(set)/evictFraction && i < len(order); i++ {
		delete(set, order[i].key)
	}
}

// ─── Original authors ────────────────────────────────────────────────────────

// RecordOriginalAuthor stores the first-seen author of an authored entity.
// First write wins; later calls are ignored.
func (v *Vault) RecordOriginalAuthor(key, author string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.d.OriginalAuthors[key]; ok {
		return
	}
	v.d.OriginalAuthors[key] = author
	v.dirty = true
}

// OriginalAuthor returns the recorded creator of an entity.
func (v *Vault) OriginalAuthor(key string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, ok := v.d.OriginalAuthors[key]
	return a, ok
}

// ─── Template / list push hashes ─────────────────────────────────────────────

// TemplateChanged reports whether a template differs from its last push, and
// records the new hash.
func (v *Vault) TemplateChanged(uri, hash string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.d.PushedTemplateHashes[uri] == hash {
		return false
	}
	v.d.PushedTemplateHashes[uri] = hash
	v.dirty = true
	return true
}

// ListChanged reports whether a list differs from its last push, and records
// the new hash.
func (v *Vault) ListChanged(key, hash string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.d.PushedListHashes[key] == hash {
		return false
	}
	v.d.PushedListHashes[key] = hash
	v.dirty = true
	return true
}

// ─── Persistence ─────────────────────────────────────────────────────────────

// Flush writes the vault if dirty: marshal, write to a temp file, rename.
// A failed write is retried once; after that the in-memory state is kept and
// a warning logged so sync is never blocked on vault I/O.
func (v *Vault) Flush() error {
	v.mu.Lock()
	if !v.dirty {
		v.mu.Unlock()
		return nil
	}
	raw, err := sonic.Marshal(&v.d)
	if err != nil {
		v.mu.Unlock()
		return errors.Wrap(err, "encode vault")
	}
	v.dirty = false
	path := v.path
	v.mu.Unlock()

	if err := writeAtomic(path, raw); err != nil {
		if err = writeAtomic(path, raw); err != nil {
			log.WithError(err).Warn("vault flush failed; keeping state in memory")
			v.mu.Lock()
			v.dirty = true
			v.mu.Unlock()
			return errors.Wrap(err, "write vault")
		}
	}
	return nil
}

// AutoFlush starts a background flusher and returns a stop function that
// performs a final flush.
func (v *Vault) AutoFlush(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = v.Flush()
			case <-done:
				return
			}
		}
	}()
	return func() {
		once.Do(func() {
			close(done)
			_ = v.Flush()
		})
	}
}

// Path returns the vault's on-disk location.
func (v *Vault) Path() string { return v.path }

func writeAtomic(path string, raw []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SafeName maps an arbitrary room or user string onto a filesystem-safe
// token.
func SafeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}

// HashFields produces a stable hash over a payload map, used for the
// pushed-field hashes.
func HashFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(fields[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
