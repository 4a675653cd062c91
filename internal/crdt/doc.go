// Package crdt implements the replicated annotation document: a convergent
// key-value structure with per-field last-writer-wins registers, tombstoned
// deletes, and delta encoding driven by per-author state vectors.
//
// Every value is an Entry carrying (Author, PushSeq). Merging picks the
// highest (PushSeq, Author) pair per key, which is commutative, associative
// and idempotent, so any two replicas that have exchanged their updates hold
// byte-identical encoded state. Causality within an author is guaranteed by
// the strictly monotonic PushSeq; there is no total order across authors.
package crdt

import (
	"sort"
	"sync"
	"time"
)

// SchemaVersion is bumped on breaking changes to the document layout.
const SchemaVersion = 1

// Origin tags distinguish who caused a transaction, so the engine's observer
// can ignore its own writes.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// Change describes one applied entry mutation.
type Change struct {
	Identity string // "" for top-level collections
	Col      Collection
	Key      string
	Entry    Entry
}

// Update is delivered to observers after a transaction commits.
type Update struct {
	Origin  string
	Changes []Change
}

// ObserverFunc receives committed updates. Callbacks run outside the
// document lock but on the mutating goroutine; implementations should hand
// work off rather than block.
type ObserverFunc func(Update)

// ItemBucket holds the per-item sub-collections. Buckets are created lazily
// on first write and pruned at compaction once empty.
type itemBucket struct {
	cols [numCollections]map[string]*Entry
}

func (b *itemBucket) col(c Collection) map[string]*Entry {
	if b.cols[c] == nil {
		b.cols[c] = make(map[string]*Entry)
	}
	return b.cols[c]
}

func (b *itemBucket) empty() bool {
	for _, m := range b.cols {
		if len(m) > 0 {
			return false
		}
	}
	return true
}

// Doc is one room's replicated document. Safe for concurrent use; all
// mutation goes through transactions or ApplyUpdate.
type Doc struct {
	mu      sync.RWMutex
	items   map[string]*itemBucket
	top     [numCollections]map[string]*Entry
	obs     map[int]ObserverFunc
	nextObs int
}

// New creates an empty document.
func New() *Doc {
	d := &Doc{
		items: make(map[string]*itemBucket),
		obs:   make(map[int]ObserverFunc),
	}
	d.top[Templates] = make(map[string]*Entry)
	d.top[ListHierarchy] = make(map[string]*Entry)
	return d
}

// Observe registers fn for committed updates and returns an unsubscribe
// function.
func (d *Doc) Observe(fn ObserverFunc) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextObs
	d.nextObs++
	d.obs[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.obs, id)
		d.mu.Unlock()
	}
}

// ─── Transactions ────────────────────────────────────────────────────────────

// Txn batches writes so observers see one update per logical operation.
type Txn struct {
	d       *Doc
	changes []Change
}

// Transact runs fn under the document lock and notifies observers once with
// everything that actually changed.
func (d *Doc) Transact(origin string, fn func(tx *Txn)) {
	d.mu.Lock()
	tx := &Txn{d: d}
	fn(tx)
	obs := make([]ObserverFunc, 0, len(d.obs))
	for _, o := range d.obs {
		obs = append(obs, o)
	}
	d.mu.Unlock()

	if len(tx.changes) == 0 {
		return
	}
	u := Update{Origin: origin, Changes: tx.changes}
	for _, o := range obs {
		o(u)
	}
}

// Put merges an entry into (identity, col, key). The write is a no-op when
// the existing entry supersedes it.
func (tx *Txn) Put(identity string, col Collection, key string, e Entry) {
	if tx.d.putLocked(identity, col, key, &e) {
		tx.changes = append(tx.changes, Change{Identity: identity, Col: col, Key: key, Entry: e})
	}
}

// Tombstone marks (identity, col, key) deleted with the given author and
// sequence. DeletedAt is stamped with wall-clock time for GC.
func (tx *Txn) Tombstone(identity string, col Collection, key string, author string, pushSeq uint64) {
	tx.Put(identity, col, key, Entry{
		Author:    author,
		PushSeq:   pushSeq,
		Deleted:   true,
		DeletedAt: time.Now().UnixMilli(),
	})
}

// Get reads an entry (including tombstones) inside the transaction.
func (tx *Txn) Get(identity string, col Collection, key string) (Entry, bool) {
	return tx.d.getLocked(identity, col, key)
}

// ActiveEntries reads a collection's non-tombstoned entries inside the
// transaction. Transact already holds the document lock, so the Doc-level
// reader must not be used from within a transaction.
func (tx *Txn) ActiveEntries(identity string, col Collection) map[string]Entry {
	return tx.d.activeLocked(identity, col)
}

func (d *Doc) putLocked(identity string, col Collection, key string, e *Entry) bool {
	m := d.collection(identity, col, true)
	old := m[key]
	if !e.supersedes(old) {
		return false
	}
	stored := e.Clone()
	m[key] = &stored
	return true
}

func (d *Doc) getLocked(identity string, col Collection, key string) (Entry, bool) {
	m := d.collection(identity, col, false)
	if m == nil {
		return Entry{}, false
	}
	e, ok := m[key]
	if !ok {
		return Entry{}, false
	}
	return e.Clone(), true
}

// collection resolves the map backing (identity, col), optionally creating
// the item bucket.
func (d *Doc) collection(identity string, col Collection, create bool) map[string]*Entry {
	if col.TopLevel() {
		return d.top[col]
	}
	b, ok := d.items[identity]
	if !ok {
		if !create {
			return nil
		}
		b = &itemBucket{}
		d.items[identity] = b
	}
	return b.col(col)
}

// ─── Reads ───────────────────────────────────────────────────────────────────

// GetEntry returns the entry at (identity, col, key), tombstones included.
func (d *Doc) GetEntry(identity string, col Collection, key string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getLocked(identity, col, key)
}

// ActiveEntries returns the non-tombstoned entries of a collection.
func (d *Doc) ActiveEntries(identity string, col Collection) map[string]Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.activeLocked(identity, col)
}

func (d *Doc) activeLocked(identity string, col Collection) map[string]Entry {
	m := d.collection(identity, col, false)
	out := make(map[string]Entry, len(m))
	for k, e := range m {
		if !e.Deleted {
			out[k] = e.Clone()
		}
	}
	return out
}

// AllEntries returns every entry of a collection, tombstones included.
func (d *Doc) AllEntries(identity string, col Collection) map[string]Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m := d.collection(identity, col, false)
	out := make(map[string]Entry, len(m))
	for k, e := range m {
		out[k] = e.Clone()
	}
	return out
}

// Identities returns all item identities with a bucket, sorted.
func (d *Doc) Identities() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.items))
	for id := range d.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats summarizes the document for monitoring.
type Stats struct {
	Items      int `json:"items"`
	Entries    int `json:"entries"`
	Tombstones int `json:"tombstones"`
}

// DocStats counts buckets, entries and tombstones.
func (d *Doc) DocStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var s Stats
	s.Items = len(d.items)
	walk := func(m map[string]*Entry) {
		for _, e := range m {
			s.Entries++
			if e.Deleted {
				s.Tombstones++
			}
		}
	}
	for _, b := range d.items {
		for _, m := range b.cols {
			walk(m)
		}
	}
	walk(d.top[Templates])
	walk(d.top[ListHierarchy])
	return s
}

// ─── Compaction ──────────────────────────────────────────────────────────────

// PurgeTombstones removes tombstones whose DeletedAt is older than window.
// Returns the number of purged entries. Resurrecting a purged tombstone from
// a stale replica is possible; the window trades that risk against unbounded
// growth.
func (d *Doc) PurgeTombstones(window time.Duration, now time.Time) int {
	cutoff := now.Add(-window).UnixMilli()
	d.mu.Lock()
	defer d.mu.Unlock()
	purged := 0
	sweep := func(m map[string]*Entry) {
		for k, e := range m {
			if e.Deleted && e.DeletedAt < cutoff {
				delete(m, k)
				purged++
			}
		}
	}
	for _, b := range d.items {
		for _, m := range b.cols {
			sweep(m)
		}
	}
	sweep(d.top[Templates])
	sweep(d.top[ListHierarchy])
	return purged
}

// referencedCollections are the homes a uuids entry may point into.
var referencedCollections = []Collection{Notes, Selections, SelectionNotes, Transcriptions, Lists}

// PurgeOrphanUUIDs removes uuids registry entries whose CRDT key is no
// longer live in any referencing collection of the same bucket.
func (d *Doc) PurgeOrphanUUIDs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	purged := 0
	for _, b := range d.items {
		uuids := b.cols[UUIDs]
		for k, e := range uuids {
			crdtKey := e.Field(FieldKey)
			live := false
			for _, col := range referencedCollections {
				if ref, ok := b.cols[col][crdtKey]; ok && !ref.Deleted {
					live = true
					break
				}
			}
			if !live {
				delete(uuids, k)
				purged++
			}
		}
	}
	return purged
}

// PurgeAliases removes re-import redirects older than window.
func (d *Doc) PurgeAliases(window time.Duration, now time.Time) int {
	cutoff := now.Add(-window).UnixMilli()
	d.mu.Lock()
	defer d.mu.Unlock()
	purged := 0
	for _, b := range d.items {
		aliases := b.cols[Aliases]
		for k, e := range aliases {
			if createdAt := e.Field(FieldCreatedAt); createdAt != "" {
				if ts, ok := parseMillis(createdAt); ok && ts < cutoff {
					delete(aliases, k)
					purged++
				}
			}
		}
	}
	return purged
}

// PruneEmptyBuckets drops buckets with no entries left in any collection.
func (d *Doc) PruneEmptyBuckets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	pruned := 0
	for id, b := range d.items {
		if b.empty() {
			delete(d.items, id)
			pruned++
		}
	}
	return pruned
}

func parseMillis(s string) (int64, bool) {
	var n int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, len(s) > 0
}
