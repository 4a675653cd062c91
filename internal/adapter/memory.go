package adapter

import (
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// ErrItemNotFound is returned by ReadItem for unknown local ids.
var ErrItemNotFound = errors.New("adapter: item not found")

// MemoryStore is an in-process host implementation of StoreAdapter. It backs
// the engine tests and the standalone runner. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	items    map[string]*Item
	lists    map[string]*List
	nextID   int
	suppress int
	subs     map[int]func()
	nextSub  int
}

// NewMemoryStore creates an empty host.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*Item),
		lists: make(map[string]*List),
		subs:  make(map[int]func()),
	}
}

// AddItem seeds an item with photo checksums and returns its local id.
// Seeding counts as a local edit and notifies subscribers.
func (m *MemoryStore) AddItem(photoChecksums ...string) string {
	m.mu.Lock()
	m.nextID++
	id := strconv.Itoa(m.nextID)
	m.items[id] = &Item{
		LocalID:        id,
		PhotoChecksums: append([]string(nil), photoChecksums...),
		Metadata:       map[string]MetadataValue{},
		PhotoMetadata:  map[string]map[string]MetadataValue{},
	}
	m.mu.Unlock()
	m.notify()
	return id
}

// ─── StoreAdapter reads ──────────────────────────────────────────────────────

func (m *MemoryStore) ListItems() ([]ItemSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ItemSummary, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, ItemSummary{
			LocalID:        it.LocalID,
			PhotoChecksums: append([]string(nil), it.PhotoChecksums...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out, nil
}

func (m *MemoryStore) ReadItem(localID string) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[localID]
	if !ok {
		return Item{}, errors.Wrap(ErrItemNotFound, localID)
	}
	return cloneItem(it), nil
}

func (m *MemoryStore) ListTags() ([]Tag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]Tag{}
	for _, it := range m.items {
		for _, t := range it.Tags {
			seen[t.Name] = t
		}
	}
	out := make([]Tag, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) ListLists() ([]List, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]List, 0, len(m.lists))
	for _, l := range m.lists {
		c := *l
		c.MemberIDs = append([]string(nil), l.MemberIDs...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out, nil
}

// ─── StoreAdapter writes ─────────────────────────────────────────────────────

func (m *MemoryStore) Dispatch(a Action) error {
	if err := m.apply(a); err != nil {
		return err
	}
	m.notify()
	return nil
}

func (m *MemoryStore) DispatchSuppressed(a Action) error {
	m.SuppressChanges()
	defer m.ResumeChanges()
	return m.apply(a)
}

func (m *MemoryStore) apply(a Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.Kind == ActionCreateList || a.Kind == ActionRenameList {
		return m.applyList(a)
	}

	it, ok := m.items[a.ItemID]
	if !ok {
		return errors.Wrap(ErrItemNotFound, a.ItemID)
	}

	switch a.Kind {
	case ActionSetMetadata:
		it.Metadata[a.Property] = a.Value
	case ActionSetPhotoMetadata:
		pm, ok := it.PhotoMetadata[a.PhotoChecksum]
		if !ok {
			pm = map[string]MetadataValue{}
			it.PhotoMetadata[a.PhotoChecksum] = pm
		}
		pm[a.Property] = a.Value
	case ActionAddTag:
		for i, t := range it.Tags {
			if t.Name == a.Tag.Name {
				it.Tags[i] = a.Tag
				return nil
			}
		}
		it.Tags = append(it.Tags, a.Tag)
	case ActionRemoveTag:
		it.Tags = removeTag(it.Tags, a.Tag.Name)
	case ActionUpsertNote:
		note := a.Note
		if note.LocalID == "" {
			note.LocalID = m.newID()
		}
		it.Notes = upsertNote(it.Notes, note)
	case ActionDeleteNote:
		it.Notes = deleteNote(it.Notes, a.TargetID)
		for i := range it.Selections {
			it.Selections[i].Notes = deleteNote(it.Selections[i].Notes, a.TargetID)
		}
	case ActionUpsertSelection:
		sel := a.Selection
		if sel.LocalID == "" {
			sel.LocalID = m.newID()
		}
		for i, s := range it.Selections {
			if s.LocalID == sel.LocalID {
				sel.Notes = s.Notes
				if sel.Metadata == nil {
					sel.Metadata = s.Metadata
				}
				it.Selections[i] = sel
				return nil
			}
		}
		it.Selections = append(it.Selections, sel)
	case ActionDeleteSelection:
		out := it.Selections[:0]
		for _, s := range it.Selections {
			if s.LocalID != a.TargetID {
				out = append(out, s)
			}
		}
		it.Selections = out
	case ActionUpsertTranscription:
		tr := a.Transcription
		if tr.LocalID == "" {
			tr.LocalID = m.newID()
		}
		for i, x := range it.Transcriptions {
			if x.LocalID == tr.LocalID {
				it.Transcriptions[i] = tr
				return nil
			}
		}
		it.Transcriptions = append(it.Transcriptions, tr)
	case ActionDeleteTranscription:
		out := it.Transcriptions[:0]
		for _, x := range it.Transcriptions {
			if x.LocalID != a.TargetID {
				out = append(out, x)
			}
		}
		it.Transcriptions = out
	case ActionAddToList:
		l, ok := m.lists[a.List.LocalID]
		if !ok {
			return errors.Errorf("adapter: list %s not found", a.List.LocalID)
		}
		for _, id := range l.MemberIDs {
			if id == a.ItemID {
				return nil
			}
		}
		l.MemberIDs = append(l.MemberIDs, a.ItemID)
		it.ListIDs = appendUnique(it.ListIDs, l.LocalID)
	case ActionRemoveFromList:
		l, ok := m.lists[a.List.LocalID]
		if !ok {
			return nil
		}
		l.MemberIDs = removeString(l.MemberIDs, a.ItemID)
		it.ListIDs = removeString(it.ListIDs, l.LocalID)
	default:
		return errors.Errorf("adapter: unknown action kind %d", a.Kind)
	}
	return nil
}

func (m *MemoryStore) applyList(a Action) error {
	switch a.Kind {
	case ActionCreateList:
		l := a.List
		if l.LocalID == "" {
			l.LocalID = m.newID()
		}
		if existing, ok := m.lists[l.LocalID]; ok {
			existing.Name = l.Name
			return nil
		}
		m.lists[l.LocalID] = &List{LocalID: l.LocalID, Name: l.Name}
	case ActionRenameList:
		l, ok := m.lists[a.List.LocalID]
		if !ok {
			return errors.Errorf("adapter: list %s not found", a.List.LocalID)
		}
		l.Name = a.List.Name
	}
	return nil
}

// newID must be called with mu held.
func (m *MemoryStore) newID() string {
	m.nextID++
	return strconv.Itoa(m.nextID)
}

// ─── Subscription and suppression ────────────────────────────────────────────

func (m *MemoryStore) Subscribe(fn func()) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *MemoryStore) SuppressChanges() {
	m.mu.Lock()
	m.suppress++
	m.mu.Unlock()
}

func (m *MemoryStore) ResumeChanges() {
	m.mu.Lock()
	if m.suppress == 0 {
		m.mu.Unlock()
		panic("adapter: ResumeChanges without SuppressChanges")
	}
	m.suppress--
	m.mu.Unlock()
}

// notify fires subscribers unless suppression holds. Suppressed events are
// dropped, not queued: the engine's safety-net pass covers anything missed.
func (m *MemoryStore) notify() {
	m.mu.RLock()
	if m.suppress > 0 {
		m.mu.RUnlock()
		return
	}
	fns := make([]func(), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// ─── Copy helpers ────────────────────────────────────────────────────────────

func cloneItem(it *Item) Item {
	c := *it
	c.PhotoChecksums = append([]string(nil), it.PhotoChecksums...)
	c.Metadata = cloneMeta(it.Metadata)
	c.PhotoMetadata = make(map[string]map[string]MetadataValue, len(it.PhotoMetadata))
	for k, v := range it.PhotoMetadata {
		c.PhotoMetadata[k] = cloneMeta(v)
	}
	c.Tags = append([]Tag(nil), it.Tags...)
	c.Notes = append([]Note(nil), it.Notes...)
	c.Selections = make([]Selection, len(it.Selections))
	for i, s := range it.Selections {
		cs := s
		cs.Metadata = cloneMeta(s.Metadata)
		cs.Notes = append([]Note(nil), s.Notes...)
		c.Selections[i] = cs
	}
	c.Transcriptions = append([]Transcription(nil), it.Transcriptions...)
	c.ListIDs = append([]string(nil), it.ListIDs...)
	return c
}

func cloneMeta(m map[string]MetadataValue) map[string]MetadataValue {
	if m == nil {
		return nil
	}
	c := make(map[string]MetadataValue, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func upsertNote(notes []Note, n Note) []Note {
	for i, x := range notes {
		if x.LocalID == n.LocalID {
			notes[i] = n
			return notes
		}
	}
	return append(notes, n)
}

func deleteNote(notes []Note, localID string) []Note {
	out := notes[:0]
	for _, n := range notes {
		if n.LocalID != localID {
			out = append(out, n)
		}
	}
	return out
}

func removeTag(tags []Tag, name string) []Tag {
	out := tags[:0]
	for _, t := range tags {
		if t.Name != name {
			out = append(out, t)
		}
	}
	return out
}

func removeString(ss []string, s string) []string {
	out := ss[:0]
	for _, x := range ss {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}

func appendUnique(ss []string, s string) []string {
	for _, x := range ss {
		if x == s {
			return ss
		}
	}
	return append(ss, s)
}
