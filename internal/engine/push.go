package engine

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/troparcel/troparcel/internal/adapter"
	"github.com/troparcel/troparcel/internal/crdt"
	"github.com/troparcel/troparcel/internal/identity"
	"github.com/troparcel/troparcel/internal/sanitize"
	"github.com/troparcel/troparcel/internal/vault"
)

// Local-only namespaces. Tags named with the attribution prefix and
// properties under the troparcel namespace are reconstructed per peer and
// never enter the replicated document.
const (
	localTagPrefix = "@"
	nsShort        = "troparcel:"
	nsLong         = "https://troparcel.org/ns/"
)

func localOnlyProperty(prop string) bool {
	return strings.HasPrefix(prop, nsShort) || strings.HasPrefix(prop, nsLong)
}

// fieldKey names a (collection, key) pair in the vault's pushed-hash table.
func fieldKey(col crdt.Collection, key string) string {
	return col.String() + ":" + key
}

// pushCycle diffs the host state against the replicated document and writes
// every changed field with a fresh sequence number. Runs under the FIFO
// lock.
func (e *Engine) pushCycle() error {
	items, err := e.store.ListItems()
	if err != nil {
		return errors.Wrap(err, "list items")
	}

	identities := make(map[string]string, len(items)) // localID → identity
	e.doc.Transact(crdt.OriginLocal, func(tx *crdt.Txn) {
		for _, sum := range items {
			id := identity.ItemIdentity(sum.PhotoChecksums)
			if id == "" {
				continue // unsyncable without a fingerprint
			}
			identities[sum.LocalID] = id
			it, err := e.store.ReadItem(sum.LocalID)
			if err != nil {
				log.WithError(err).WithField("item", sum.LocalID).Warn("cannot read item")
				continue
			}
			e.pushMetadata(tx, id, it)
			e.pushTags(tx, id, it)
			// Selections first: notes attached to them reference their keys.
			e.pushSelections(tx, id, it)
			e.pushNotes(tx, id, it)
			e.pushTranscriptions(tx, id, it)
		}
		e.pushLists(tx, identities)
	})

	return e.broadcast()
}

func (e *Engine) putEntry(tx *crdt.Txn, id string, col crdt.Collection, key string, fields map[string]string) bool {
	fk := fieldKey(col, key)
	h := vault.HashFields(fields)
	if !e.vlt.HasLocalEdit(id, fk, h) {
		return false
	}
	tx.Put(id, col, key, crdt.Entry{
		Author:  e.cfg.UserID,
		PushSeq: e.vlt.NextPushSeq(),
		Fields:  fields,
	})
	e.vlt.MarkFieldPushed(id, fk, h)
	return true
}

// tombstoneEntry writes a tombstone and forgets the pushed hash so a future
// re-add diffs as new.
func (e *Engine) tombstoneEntry(tx *crdt.Txn, id string, col crdt.Collection, key string) {
	tx.Tombstone(id, col, key, e.cfg.UserID, e.vlt.NextPushSeq())
	e.vlt.ClearPushRecord(id, fieldKey(col, key))
}

// ─── Metadata ────────────────────────────────────────────────────────────────

func metadataFields(v adapter.MetadataValue) map[string]string {
	f := map[string]string{crdt.FieldText: v.Text}
	if v.Type != "" {
		f[crdt.FieldType] = v.Type
	}
	if v.Lang != "" {
		f[crdt.FieldLang] = v.Lang
	}
	return f
}

func (e *Engine) pushMetadata(tx *crdt.Txn, id string, it adapter.Item) {
	for prop, val := range it.Metadata {
		if localOnlyProperty(prop) {
			continue
		}
		e.putEntry(tx, id, crdt.Metadata, prop, metadataFields(val))
	}
	for checksum, props := range it.PhotoMetadata {
		for prop, val := range props {
			if localOnlyProperty(prop) {
				continue
			}
			e.putEntry(tx, id, crdt.PhotoMeta, crdt.CompositeKey(checksum, prop), metadataFields(val))
		}
	}

	// Properties we previously replicated but the host no longer holds.
	for key := range tx.ActiveEntries(id, crdt.Metadata) {
		if _, ok := it.Metadata[key]; ok {
			continue
		}
		if e.vlt.HasPushRecord(id, fieldKey(crdt.Metadata, key)) {
			e.tombstoneEntry(tx, id, crdt.Metadata, key)
		}
	}
}

// ─── Tags ────────────────────────────────────────────────────────────────────

func (e *Engine) pushTags(tx *crdt.Txn, id string, it adapter.Item) {
	local := make(map[string]bool, len(it.Tags))
	for _, t := range it.Tags {
		if strings.HasPrefix(t.Name, localTagPrefix) {
			continue
		}
		key := identity.TagKey(t.Name)
		local[key] = true
		fields := map[string]string{crdt.FieldName: t.Name}
		if t.Color != "" {
			fields[crdt.FieldColor] = t.Color
		}
		e.putEntry(tx, id, crdt.Tags, key, fields)
	}

	// Tag removal is add-wins: anyone may tombstone, a later add revives.
	for key := range tx.ActiveEntries(id, crdt.Tags) {
		if !local[key] && e.vlt.HasPushRecord(id, fieldKey(crdt.Tags, key)) {
			e.tombstoneEntry(tx, id, crdt.Tags, key)
		}
	}
}

// ─── Authored entities ───────────────────────────────────────────────────────

// entityKey resolves (or mints) the stable CRDT key of a local authored
// entity and keeps the bidirectional vault map and the uuids registry
// current.
func (e *Engine) entityKey(tx *crdt.Txn, id string, kind vault.Kind, localID string, mint func() string) string {
	mapKey := string(kind) + ":" + localID
	key, ok := e.vlt.CrdtKey(mapKey)
	if !ok {
		key = mint()
		e.vlt.MapKey(key, mapKey)
		e.vlt.RecordOriginalAuthor(key, e.cfg.UserID)
		tx.Put(id, crdt.UUIDs, mapKey, crdt.Entry{
			Author:  e.cfg.UserID,
			PushSeq: e.vlt.NextPushSeq(),
			Fields:  map[string]string{crdt.FieldKey: key},
		})
	}
	return key
}

// attributionRe matches the provenance footer the apply path appends to
// remote-authored notes. It is local reconstruction state and must never be
// replicated back.
var attributionRe = regexp.MustCompile(`<p>\[troparcel:[^\]]*\][^<]*</p>\s*$`)

func stripAttribution(html string) string {
	return attributionRe.ReplaceAllString(html, "")
}

func noteFields(n adapter.Note, selKey string) map[string]string {
	f := map[string]string{
		crdt.FieldHTML: sanitize.Sanitize(stripAttribution(n.HTML)),
		crdt.FieldText: n.Text,
	}
	if n.Lang != "" {
		f[crdt.FieldLang] = n.Lang
	}
	if n.PhotoChecksum != "" {
		f[crdt.FieldPhoto] = n.PhotoChecksum
	}
	if selKey != "" {
		f[crdt.FieldSelection] = selKey
	}
	return f
}

// pushNotes replicates every note of the item, routing notes attached to a
// selection into the selection-notes collection. Hosts differ in where they
// surface selection notes (nested under the selection or flat with a
// selection reference); both shapes are handled.
func (e *Engine) pushNotes(tx *crdt.Txn, id string, it adapter.Item) {
	seenNotes := make(map[string]bool)
	seenSelNotes := make(map[string]bool)

	push := func(n adapter.Note) {
		if n.SelectionID != "" {
			if selKey, ok := e.vlt.CrdtKey(string(vault.KindSelection) + ":" + n.SelectionID); ok {
				key := e.entityKey(tx, id, vault.KindNote, n.LocalID, identity.NewNoteKey)
				seenSelNotes[key] = true
				e.putEntry(tx, id, crdt.SelectionNotes, key, noteFields(n, selKey))
				return
			}
		}
		key := e.entityKey(tx, id, vault.KindNote, n.LocalID, identity.NewNoteKey)
		seenNotes[key] = true
		e.putEntry(tx, id, crdt.Notes, key, noteFields(n, ""))
	}

	for _, n := range it.Notes {
		push(n)
	}
	for _, s := range it.Selections {
		for _, n := range s.Notes {
			n.SelectionID = s.LocalID
			push(n)
		}
	}

	e.retractMissing(tx, id, crdt.Notes, vault.KindNote, seenNotes)
	e.retractMissing(tx, id, crdt.SelectionNotes, vault.KindNote, seenSelNotes)
}

func (e *Engine) pushSelections(tx *crdt.Txn, id string, it adapter.Item) {
	seenSel := make(map[string]bool)
	for _, s := range it.Selections {
		selKey := e.entityKey(tx, id, vault.KindSelection, s.LocalID, identity.NewSelectionKey)
		seenSel[selKey] = true
		fields := map[string]string{
			crdt.FieldPhoto: s.PhotoChecksum,
			crdt.FieldX:     formatCoord(s.X),
			crdt.FieldY:     formatCoord(s.Y),
			crdt.FieldW:     formatCoord(s.W),
			crdt.FieldH:     formatCoord(s.H),
		}
		if s.Angle != 0 {
			fields[crdt.FieldAngle] = formatCoord(s.Angle)
		}
		e.putEntry(tx, id, crdt.Selections, selKey, fields)

		for prop, val := range s.Metadata {
			if localOnlyProperty(prop) {
				continue
			}
			e.putEntry(tx, id, crdt.SelectionMeta, crdt.CompositeKey(selKey, prop), metadataFields(val))
		}
	}
	e.retractMissing(tx, id, crdt.Selections, vault.KindSelection, seenSel)
}

func (e *Engine) pushTranscriptions(tx *crdt.Txn, id string, it adapter.Item) {
	seen := make(map[string]bool)
	for _, tr := range it.Transcriptions {
		key := e.entityKey(tx, id, vault.KindTranscription, tr.LocalID, identity.NewTranscriptionKey)
		seen[key] = true
		fields := map[string]string{crdt.FieldText: tr.Text}
		if tr.Data != "" {
			fields[crdt.FieldData] = tr.Data
		}
		if tr.PhotoChecksum != "" {
			fields[crdt.FieldPhoto] = tr.PhotoChecksum
		}
		if tr.SelectionID != "" {
			if selKey, ok := e.vlt.CrdtKey(string(vault.KindSelection) + ":" + tr.SelectionID); ok {
				fields[crdt.FieldSelection] = selKey
			}
		}
		e.putEntry(tx, id, crdt.Transcriptions, key, fields)
	}
	e.retractMissing(tx, id, crdt.Transcriptions, vault.KindTranscription, seen)
}

// retractMissing handles local deletions of authored entities under the
// ownership guard: entities we created are tombstoned, entities created by
// another author are dismissed locally and left intact in the document.
func (e *Engine) retractMissing(tx *crdt.Txn, id string, col crdt.Collection, kind vault.Kind, seen map[string]bool) {
	for key, entry := range tx.ActiveEntries(id, col) {
		if seen[key] {
			continue
		}
		// Without a local mapping the entity was never materialised here
		// (a not-yet-applied remote entry, or an evicted map pair); its
		// absence is not a deletion.
		if _, ok := e.vlt.LocalID(key); !ok {
			continue
		}
		author, ok := e.vlt.OriginalAuthor(key)
		if !ok {
			author = entry.Author
		}
		if author == e.cfg.UserID {
			e.tombstoneEntry(tx, id, col, key)
			e.notify("retract", "removed "+col.String()+" "+key)
		} else {
			// The mapping is kept: if new activity resurrects the entry,
			// the next apply reattaches it to the same local id.
			e.vlt.DismissKey(string(kind)+":"+key, entry.PushSeq)
			e.notify("dismiss", "hidden "+col.String()+" "+key+" by "+author)
		}
	}
}

// ─── Lists ───────────────────────────────────────────────────────────────────

func (e *Engine) pushLists(tx *crdt.Txn, identities map[string]string) {
	lists, err := e.store.ListLists()
	if err != nil {
		log.WithError(err).Warn("cannot list lists")
		return
	}

	liveKeys := make(map[string]bool, len(lists))
	membership := make(map[string]map[string]bool) // identity → listKey set
	for _, l := range lists {
		key := e.listKey(l)
		liveKeys[key] = true

		// Shared hierarchy node, diffed through the vault's list hashes.
		h := vault.HashFields(map[string]string{crdt.FieldName: l.Name})
		if e.vlt.ListChanged(key, h) {
			tx.Put("", crdt.ListHierarchy, key, crdt.Entry{
				Author:  e.cfg.UserID,
				PushSeq: e.vlt.NextPushSeq(),
				Fields:  map[string]string{crdt.FieldName: l.Name},
			})
		}

		for _, member := range l.MemberIDs {
			id, ok := identities[member]
			if !ok {
				continue
			}
			if membership[id] == nil {
				membership[id] = make(map[string]bool)
			}
			membership[id][key] = true
			e.putEntry(tx, id, crdt.Lists, key, map[string]string{
				crdt.FieldName:   l.Name,
				crdt.FieldMember: "1",
			})
		}
	}

	// Membership removal is add-wins, like tags.
	for _, id := range identities {
		for key := range tx.ActiveEntries(id, crdt.Lists) {
			if membership[id][key] {
				continue
			}
			if e.vlt.HasPushRecord(id, fieldKey(crdt.Lists, key)) {
				e.tombstoneEntry(tx, id, crdt.Lists, key)
			}
		}
	}

	// Lists deleted locally drop out of the shared hierarchy.
	for key := range tx.ActiveEntries("", crdt.ListHierarchy) {
		if liveKeys[key] {
			continue
		}
		if _, ok := e.vlt.LocalID(key); !ok {
			continue
		}
		tx.Tombstone("", crdt.ListHierarchy, key, e.cfg.UserID, e.vlt.NextPushSeq())
	}
}

// listKey resolves (or mints) the stable l_ key of a local list.
func (e *Engine) listKey(l adapter.List) string {
	mapKey := "list:" + l.LocalID
	key, ok := e.vlt.CrdtKey(mapKey)
	if !ok {
		key = identity.NewListKey()
		e.vlt.MapKey(key, mapKey)
	}
	return key
}

// ─── Templates and aliases ───────────────────────────────────────────────────

// SetTemplate replicates one shared ontology template. The vault's template
// hashes suppress re-pushes of unchanged templates.
func (e *Engine) SetTemplate(uri string, fields map[string]string) {
	h := vault.HashFields(fields)
	if !e.vlt.TemplateChanged(uri, h) {
		return
	}
	e.doc.Transact(crdt.OriginLocal, func(tx *crdt.Txn) {
		tx.Put("", crdt.Templates, uri, crdt.Entry{
			Author:  e.cfg.UserID,
			PushSeq: e.vlt.NextPushSeq(),
			Fields:  fields,
		})
	})
	e.requestPush()
}

// RecordAlias publishes a re-import redirect from an item's old identity to
// its new one. Aliases are time-garbage-collected on the relay.
func (e *Engine) RecordAlias(oldIdentity, newIdentity string) {
	e.doc.Transact(crdt.OriginLocal, func(tx *crdt.Txn) {
		tx.Put(oldIdentity, crdt.Aliases, oldIdentity, crdt.Entry{
			Author:  e.cfg.UserID,
			PushSeq: e.vlt.NextPushSeq(),
			Fields: map[string]string{
				crdt.FieldNewID:     newIdentity,
				crdt.FieldCreatedAt: strconv.FormatInt(time.Now().UnixMilli(), 10),
			},
		})
	})
	e.requestPush()
}

func formatCoord(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
