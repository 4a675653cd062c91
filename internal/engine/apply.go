package engine

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/troparcel/troparcel/internal/adapter"
	"github.com/troparcel/troparcel/internal/backup"
	"github.com/troparcel/troparcel/internal/crdt"
	"github.com/troparcel/troparcel/internal/identity"
	"github.com/troparcel/troparcel/internal/sanitize"
	"github.com/troparcel/troparcel/internal/vault"
)

// fuzzyMatchThreshold is the Jaccard similarity at which a remote identity
// with no exact local match attaches to a local item. At exactly 0.5 a
// crafted two-photo overlap can hit an unintended item; documented, not
// mitigated.
const fuzzyMatchThreshold = 0.5

// localItem is the matching view of one host item.
type localItem struct {
	localID   string
	checksums []string
	identity  string
}

// applyCycle merges one remote update into the document and dispatches the
// resulting changes into the host, suppressed. Runs under the FIFO lock.
func (e *Engine) applyCycle(update []byte) error {
	e.pending = e.pending[:0]
	if err := e.doc.ApplyUpdate(update, crdt.OriginRemote); err != nil {
		return err
	}
	changes := e.pending
	if len(changes) == 0 {
		e.absorb()
		return nil
	}

	byIdentity := make(map[string][]crdt.Change)
	var topLevel []crdt.Change
	for _, ch := range changes {
		if ch.Col.TopLevel() {
			topLevel = append(topLevel, ch)
			continue
		}
		byIdentity[ch.Identity] = append(byIdentity[ch.Identity], ch)
	}

	index, err := e.localIndex()
	if err != nil {
		return errors.Wrap(err, "index local items")
	}

	matched := make(map[string]string, len(byIdentity)) // identity → localID
	for id := range byIdentity {
		if localID, ok := e.matchItem(id, index); ok {
			matched[id] = localID
		}
	}

	e.writeBackup(matched)

	e.applyingRemote.Store(true)
	e.store.SuppressChanges()
	defer func() {
		e.store.ResumeChanges()
		e.applyingRemote.Store(false)
	}()

	for id, chs := range byIdentity {
		localID, ok := matched[id]
		if !ok {
			// No local item carries these photos yet; the entries stay in
			// the document and attach when the item appears.
			continue
		}
		e.floodCheck(id, chs)
		// Selections first: peers that store selection-attached notes flat
		// in the notes collection reference selection keys that must be
		// materialised before the note is dispatched.
		sort.SliceStable(chs, func(i, j int) bool {
			return applyOrder(chs[i].Col) < applyOrder(chs[j].Col)
		})
		for _, ch := range chs {
			e.applyChange(id, localID, ch)
		}
	}
	for _, ch := range topLevel {
		e.applyTopLevel(ch)
	}

	e.absorb()
	return nil
}

func (e *Engine) localIndex() ([]localItem, error) {
	items, err := e.store.ListItems()
	if err != nil {
		return nil, err
	}
	index := make([]localItem, 0, len(items))
	for _, it := range items {
		index = append(index, localItem{
			localID:   it.LocalID,
			checksums: it.PhotoChecksums,
			identity:  identity.ItemIdentity(it.PhotoChecksums),
		})
	}
	return index, nil
}

// matchItem resolves a remote identity to a local item: exactly first, then
// by Jaccard similarity of the photo-checksum sets.
func (e *Engine) matchItem(id string, index []localItem) (string, bool) {
	for _, it := range index {
		if it.identity == id {
			return it.localID, true
		}
	}

	remote := e.remoteChecksums(id)
	if len(remote) == 0 {
		return "", false
	}
	best, bestScore := "", 0.0
	for _, it := range index {
		if score := identity.Jaccard(remote, it.checksums); score > bestScore {
			best, bestScore = it.localID, score
		}
	}
	if bestScore >= fuzzyMatchThreshold {
		log.WithFields(map[string]any{
			"identity": id,
			"item":     best,
			"score":    bestScore,
		}).Info("fuzzy-matched remote identity to local item")
		return best, true
	}
	return "", false
}

// remoteChecksums collects every photo checksum the remote bucket mentions:
// photo-metadata scopes plus the photo fields of annotations.
func (e *Engine) remoteChecksums(id string) []string {
	seen := make(map[string]struct{})
	for key := range e.doc.AllEntries(id, crdt.PhotoMeta) {
		if scope, _, ok := crdt.SplitKey(key); ok {
			seen[scope] = struct{}{}
		}
	}
	for _, col := range []crdt.Collection{crdt.Notes, crdt.Selections, crdt.Transcriptions} {
		for _, entry := range e.doc.AllEntries(id, col) {
			if c := entry.Field(crdt.FieldPhoto); c != "" {
				seen[c] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	return out
}

// writeBackup journals the current state of every item the batch will touch.
func (e *Engine) writeBackup(matched map[string]string) {
	if len(matched) == 0 {
		return
	}
	snapshot := make(map[string]adapter.Item, len(matched))
	for id, localID := range matched {
		it, err := e.store.ReadItem(localID)
		if err != nil {
			log.WithError(err).WithField("item", localID).Warn("backup read failed")
			continue
		}
		snapshot[id] = it
	}
	if _, err := e.journal.Write(snapshot); err != nil {
		// A missing backup must not block sync.
		log.WithError(err).Warn("backup journal write failed")
	}
}

func (e *Engine) floodCheck(id string, chs []crdt.Change) {
	tombstones := 0
	for _, ch := range chs {
		if ch.Entry.Deleted {
			tombstones++
		}
	}
	if tombstones == 0 {
		return
	}
	active := 0
	for _, col := range crdt.ItemCollections() {
		active += len(e.doc.ActiveEntries(id, col))
	}
	backup.CheckTombstoneFlood(id, active+tombstones, tombstones)
}

// applyOrder ranks collections for dispatch within one identity batch.
func applyOrder(col crdt.Collection) int {
	switch col {
	case crdt.Selections:
		return 0
	case crdt.SelectionMeta:
		return 1
	default:
		return 2
	}
}

// ─── Per-change dispatch ─────────────────────────────────────────────────────

func (e *Engine) applyChange(id, localID string, ch crdt.Change) {
	if err := e.validator.ValidateEntry(ch.Col, ch.Entry); err != nil {
		log.WithError(err).WithFields(map[string]any{
			"collection": ch.Col.String(), "key": ch.Key,
		}).Warn("rejected oversized entry")
		return
	}

	var err error
	switch ch.Col {
	case crdt.Metadata:
		err = e.applyMetadata(id, localID, ch, "")
	case crdt.PhotoMeta:
		scope, prop, ok := crdt.SplitKey(ch.Key)
		if !ok {
			return
		}
		ch.Key = prop
		err = e.applyMetadata(id, localID, ch, scope)
	case crdt.Tags:
		err = e.applyTag(id, localID, ch)
	case crdt.Notes, crdt.SelectionNotes:
		err = e.applyNote(id, localID, ch)
	case crdt.Selections:
		err = e.applySelection(id, localID, ch)
	case crdt.SelectionMeta:
		err = e.applySelectionMeta(id, localID, ch)
	case crdt.Transcriptions:
		err = e.applyTranscription(id, localID, ch)
	case crdt.Lists:
		err = e.applyListMembership(id, localID, ch)
	case crdt.UUIDs, crdt.Aliases:
		// Advisory registries; nothing to dispatch.
	}
	if err != nil {
		log.WithError(err).WithFields(map[string]any{
			"collection": ch.Col.String(), "key": ch.Key,
		}).Warn("apply dispatch failed")
	}
}

// applyMetadata sets or clears one property. scope is the photo checksum for
// photo-level metadata, "" for item metadata.
func (e *Engine) applyMetadata(id, localID string, ch crdt.Change, scope string) error {
	if localOnlyProperty(ch.Key) {
		return nil
	}
	fk := fieldKey(ch.Col, ch.Key)
	if scope != "" {
		fk = fieldKey(ch.Col, crdt.CompositeKey(scope, ch.Key))
	}

	it, err := e.store.ReadItem(localID)
	if err != nil {
		return err
	}
	var local adapter.MetadataValue
	if scope == "" {
		local = it.Metadata[ch.Key]
	} else {
		local = it.PhotoMetadata[scope][ch.Key]
	}

	// A pending local edit wins until the next push resolves it through the
	// document.
	if local.Text != "" && e.vlt.HasLocalEdit(id, fk, vault.HashFields(metadataFields(local))) {
		return nil
	}
	if !backup.ShouldOverwrite(local.Text, ch.Entry) {
		return nil
	}

	value := adapter.MetadataValue{}
	if !ch.Entry.Deleted {
		value = adapter.MetadataValue{
			Text: ch.Entry.Field(crdt.FieldText),
			Type: ch.Entry.Field(crdt.FieldType),
			Lang: ch.Entry.Field(crdt.FieldLang),
		}
	}
	action := adapter.Action{Kind: adapter.ActionSetMetadata, ItemID: localID, Property: ch.Key, Value: value}
	if scope != "" {
		action.Kind = adapter.ActionSetPhotoMetadata
		action.PhotoChecksum = scope
	}
	if err := e.store.DispatchSuppressed(action); err != nil {
		return err
	}
	if ch.Entry.Deleted {
		e.vlt.ClearPushRecord(id, fk)
	} else {
		e.vlt.MarkFieldPushed(id, fk, vault.HashFields(ch.Entry.Fields))
	}
	return nil
}

func (e *Engine) applyTag(id, localID string, ch crdt.Change) error {
	name := ch.Entry.Field(crdt.FieldName)
	if name == "" {
		name = ch.Key
	}
	if strings.HasPrefix(name, localTagPrefix) {
		return nil
	}
	fk := fieldKey(crdt.Tags, ch.Key)
	if ch.Entry.Deleted {
		if err := e.store.DispatchSuppressed(adapter.Action{
			Kind: adapter.ActionRemoveTag, ItemID: localID, Tag: adapter.Tag{Name: name},
		}); err != nil {
			return err
		}
		e.vlt.ClearPushRecord(id, fk)
		return nil
	}
	if err := e.store.DispatchSuppressed(adapter.Action{
		Kind: adapter.ActionAddTag, ItemID: localID,
		Tag: adapter.Tag{Name: name, Color: ch.Entry.Field(crdt.FieldColor)},
	}); err != nil {
		return err
	}
	e.vlt.MarkFieldPushed(id, fk, vault.HashFields(ch.Entry.Fields))
	return nil
}

// mappedLocalID resolves the host-side id of an authored entity, minting one
// from the CRDT key on first sight.
func (e *Engine) mappedLocalID(kind vault.Kind, key string) (localID string, created bool) {
	if mapKey, ok := e.vlt.LocalID(key); ok {
		return strings.TrimPrefix(mapKey, string(kind)+":"), false
	}
	e.vlt.MapKey(key, string(kind)+":"+key)
	return key, true
}

// guardTombstone enforces the ownership rule on authored entities: only the
// original author's tombstone removes the local copy.
func (e *Engine) guardTombstone(key string, entry crdt.Entry) bool {
	orig, ok := e.vlt.OriginalAuthor(key)
	if ok && entry.Author != orig {
		log.WithFields(map[string]any{
			"key": key, "author": entry.Author, "original": orig,
		}).Info("rejected foreign tombstone on authored entity")
		return false
	}
	return true
}

// attribution appends the provenance footer to remote-authored note HTML.
// The key and author pass through the text escaper, so a crafted key cannot
// smuggle markup.
func attribution(html, key, author string) string {
	return html + "<p>[troparcel:" + sanitize.EscapeText(key) +
		" from " + sanitize.EscapeText(author) + "]</p>"
}

func (e *Engine) applyNote(id, localID string, ch crdt.Change) error {
	key := ch.Key
	dismissKey := string(vault.KindNote) + ":" + key
	if e.vlt.PermanentlyFailed(key) {
		return nil
	}
	if e.vlt.IsDismissed(dismissKey, ch.Entry.PushSeq) {
		return nil
	}
	fk := fieldKey(ch.Col, key)

	if ch.Entry.Deleted {
		if !e.guardTombstone(key, ch.Entry) {
			return nil
		}
		mapKey, ok := e.vlt.LocalID(key)
		if !ok {
			return nil
		}
		if err := e.store.DispatchSuppressed(adapter.Action{
			Kind: adapter.ActionDeleteNote, ItemID: localID,
			TargetID: strings.TrimPrefix(mapKey, string(vault.KindNote)+":"),
		}); err != nil {
			return e.recordFailure(key, err)
		}
		e.vlt.ClearPushRecord(id, fk)
		return nil
	}

	// Already in sync: the hash of the last applied/pushed value matches.
	if !e.vlt.HasLocalEdit(id, fk, vault.HashFields(ch.Entry.Fields)) {
		return nil
	}

	e.vlt.RecordOriginalAuthor(key, ch.Entry.Author)
	noteID, created := e.mappedLocalID(vault.KindNote, key)

	html := sanitize.Sanitize(ch.Entry.Field(crdt.FieldHTML))
	if created && ch.Entry.Author != e.cfg.UserID {
		html = attribution(html, key, ch.Entry.Author)
	}
	note := adapter.Note{
		LocalID:       noteID,
		HTML:          html,
		Text:          ch.Entry.Field(crdt.FieldText),
		Lang:          ch.Entry.Field(crdt.FieldLang),
		PhotoChecksum: ch.Entry.Field(crdt.FieldPhoto),
	}
	if selKey := ch.Entry.Field(crdt.FieldSelection); selKey != "" {
		if mapKey, ok := e.vlt.LocalID(selKey); ok {
			note.SelectionID = strings.TrimPrefix(mapKey, string(vault.KindSelection)+":")
		}
	}
	if err := e.store.DispatchSuppressed(adapter.Action{
		Kind: adapter.ActionUpsertNote, ItemID: localID, Note: note,
	}); err != nil {
		return e.recordFailure(key, err)
	}
	e.vlt.MarkApplied(vault.KindNote, key)
	e.vlt.MarkFieldPushed(id, fk, vault.HashFields(ch.Entry.Fields))
	if created && ch.Entry.Author != e.cfg.UserID {
		e.notify("apply", "new note from "+ch.Entry.Author)
	}
	return nil
}

func (e *Engine) applySelection(id, localID string, ch crdt.Change) error {
	key := ch.Key
	dismissKey := string(vault.KindSelection) + ":" + key
	if e.vlt.IsDismissed(dismissKey, ch.Entry.PushSeq) {
		return nil
	}
	fk := fieldKey(crdt.Selections, key)

	if ch.Entry.Deleted {
		if !e.guardTombstone(key, ch.Entry) {
			return nil
		}
		mapKey, ok := e.vlt.LocalID(key)
		if !ok {
			return nil
		}
		if err := e.store.DispatchSuppressed(adapter.Action{
			Kind: adapter.ActionDeleteSelection, ItemID: localID,
			TargetID: strings.TrimPrefix(mapKey, string(vault.KindSelection)+":"),
		}); err != nil {
			return err
		}
		e.vlt.ClearPushRecord(id, fk)
		return nil
	}

	if !e.vlt.HasLocalEdit(id, fk, vault.HashFields(ch.Entry.Fields)) {
		return nil
	}

	sel := adapter.Selection{
		PhotoChecksum: ch.Entry.Field(crdt.FieldPhoto),
		X:             parseCoord(ch.Entry.Field(crdt.FieldX)),
		Y:             parseCoord(ch.Entry.Field(crdt.FieldY)),
		W:             parseCoord(ch.Entry.Field(crdt.FieldW)),
		H:             parseCoord(ch.Entry.Field(crdt.FieldH)),
		Angle:         parseCoord(ch.Entry.Field(crdt.FieldAngle)),
	}

	selID, created := e.mappedLocalID(vault.KindSelection, key)
	if created {
		// Fingerprint dedup: an equivalent local region (same photo,
		// same rounded geometry) adopts the remote key instead of
		// spawning a duplicate.
		if dup, ok := e.equivalentSelection(localID, sel); ok {
			selID = dup
			e.vlt.MapKey(key, string(vault.KindSelection)+":"+dup)
		}
	}
	sel.LocalID = selID

	e.vlt.RecordOriginalAuthor(key, ch.Entry.Author)
	if err := e.store.DispatchSuppressed(adapter.Action{
		Kind: adapter.ActionUpsertSelection, ItemID: localID, Selection: sel,
	}); err != nil {
		return err
	}
	e.vlt.MarkApplied(vault.KindSelection, key)
	e.vlt.MarkFieldPushed(id, fk, vault.HashFields(ch.Entry.Fields))
	return nil
}

// equivalentSelection finds a local selection with the same fingerprint.
func (e *Engine) equivalentSelection(localID string, sel adapter.Selection) (string, bool) {
	it, err := e.store.ReadItem(localID)
	if err != nil {
		return "", false
	}
	want := identity.SelectionFingerprint(sel.PhotoChecksum, sel.X, sel.Y, sel.W, sel.H)
	for _, s := range it.Selections {
		if identity.SelectionFingerprint(s.PhotoChecksum, s.X, s.Y, s.W, s.H) == want {
			return s.LocalID, true
		}
	}
	return "", false
}

func (e *Engine) applySelectionMeta(id, localID string, ch crdt.Change) error {
	selKey, prop, ok := crdt.SplitKey(ch.Key)
	if !ok || localOnlyProperty(prop) {
		return nil
	}
	mapKey, ok := e.vlt.LocalID(selKey)
	if !ok {
		return nil // selection not materialised locally yet
	}
	selID := strings.TrimPrefix(mapKey, string(vault.KindSelection)+":")

	it, err := e.store.ReadItem(localID)
	if err != nil {
		return err
	}
	for _, s := range it.Selections {
		if s.LocalID != selID {
			continue
		}
		if s.Metadata == nil {
			s.Metadata = map[string]adapter.MetadataValue{}
		}
		if ch.Entry.Deleted {
			delete(s.Metadata, prop)
		} else {
			s.Metadata[prop] = adapter.MetadataValue{
				Text: ch.Entry.Field(crdt.FieldText),
				Type: ch.Entry.Field(crdt.FieldType),
				Lang: ch.Entry.Field(crdt.FieldLang),
			}
		}
		if err := e.store.DispatchSuppressed(adapter.Action{
			Kind: adapter.ActionUpsertSelection, ItemID: localID, Selection: s,
		}); err != nil {
			return err
		}
		e.vlt.MarkFieldPushed(id, fieldKey(crdt.SelectionMeta, ch.Key), vault.HashFields(ch.Entry.Fields))
		return nil
	}
	return nil
}

func (e *Engine) applyTranscription(id, localID string, ch crdt.Change) error {
	key := ch.Key
	dismissKey := string(vault.KindTranscription) + ":" + key
	if e.vlt.IsDismissed(dismissKey, ch.Entry.PushSeq) {
		return nil
	}
	fk := fieldKey(crdt.Transcriptions, key)

	if ch.Entry.Deleted {
		if !e.guardTombstone(key, ch.Entry) {
			return nil
		}
		mapKey, ok := e.vlt.LocalID(key)
		if !ok {
			return nil
		}
		if err := e.store.DispatchSuppressed(adapter.Action{
			Kind: adapter.ActionDeleteTranscription, ItemID: localID,
			TargetID: strings.TrimPrefix(mapKey, string(vault.KindTranscription)+":"),
		}); err != nil {
			return err
		}
		e.vlt.ClearPushRecord(id, fk)
		return nil
	}

	if !e.vlt.HasLocalEdit(id, fk, vault.HashFields(ch.Entry.Fields)) {
		return nil
	}

	e.vlt.RecordOriginalAuthor(key, ch.Entry.Author)
	trID, _ := e.mappedLocalID(vault.KindTranscription, key)
	tr := adapter.Transcription{
		LocalID:       trID,
		Text:          ch.Entry.Field(crdt.FieldText),
		Data:          ch.Entry.Field(crdt.FieldData),
		PhotoChecksum: ch.Entry.Field(crdt.FieldPhoto),
	}
	if selKey := ch.Entry.Field(crdt.FieldSelection); selKey != "" {
		if mapKey, ok := e.vlt.LocalID(selKey); ok {
			tr.SelectionID = strings.TrimPrefix(mapKey, string(vault.KindSelection)+":")
		}
	}
	if err := e.store.DispatchSuppressed(adapter.Action{
		Kind: adapter.ActionUpsertTranscription, ItemID: localID, Transcription: tr,
	}); err != nil {
		return err
	}
	e.vlt.MarkApplied(vault.KindTranscription, key)
	e.vlt.MarkFieldPushed(id, fk, vault.HashFields(ch.Entry.Fields))
	return nil
}

func (e *Engine) applyListMembership(id, localID string, ch crdt.Change) error {
	listID := e.ensureLocalList(ch.Key, ch.Entry.Field(crdt.FieldName))
	fk := fieldKey(crdt.Lists, ch.Key)
	if ch.Entry.Deleted {
		if err := e.store.DispatchSuppressed(adapter.Action{
			Kind: adapter.ActionRemoveFromList, ItemID: localID,
			List: adapter.List{LocalID: listID},
		}); err != nil {
			return err
		}
		e.vlt.ClearPushRecord(id, fk)
		return nil
	}
	if err := e.store.DispatchSuppressed(adapter.Action{
		Kind: adapter.ActionAddToList, ItemID: localID,
		List: adapter.List{LocalID: listID},
	}); err != nil {
		return err
	}
	e.vlt.MarkFieldPushed(id, fk, vault.HashFields(ch.Entry.Fields))
	return nil
}

// ensureLocalList resolves the host list behind a shared list key, creating
// it when unseen.
func (e *Engine) ensureLocalList(key, name string) string {
	if mapKey, ok := e.vlt.LocalID(key); ok {
		return strings.TrimPrefix(mapKey, "list:")
	}
	if name == "" {
		name = key
	}
	if err := e.store.DispatchSuppressed(adapter.Action{
		Kind: adapter.ActionCreateList,
		List: adapter.List{LocalID: key, Name: name},
	}); err != nil {
		log.WithError(err).WithField("list", key).Warn("cannot create local list")
	}
	e.vlt.MapKey(key, "list:"+key)
	return key
}

func (e *Engine) applyTopLevel(ch crdt.Change) {
	switch ch.Col {
	case crdt.ListHierarchy:
		if ch.Entry.Deleted {
			// The adapter has no list-delete intent; an emptied list
			// lingers locally until the host removes it.
			return
		}
		name := ch.Entry.Field(crdt.FieldName)
		if mapKey, ok := e.vlt.LocalID(ch.Key); ok {
			if err := e.store.DispatchSuppressed(adapter.Action{
				Kind: adapter.ActionRenameList,
				List: adapter.List{LocalID: strings.TrimPrefix(mapKey, "list:"), Name: name},
			}); err != nil {
				log.WithError(err).WithField("list", ch.Key).Warn("cannot rename list")
			}
			return
		}
		e.ensureLocalList(ch.Key, name)
	case crdt.Templates:
		// Templates have no host surface; they replicate for peers that
		// consume the shared ontology through the document directly.
	}
}

// recordFailure bumps a key's retry budget; after the third strike the key
// is skipped permanently and surfaced in diagnostics.
func (e *Engine) recordFailure(key string, err error) error {
	count := e.vlt.RecordFailure(key)
	if e.vlt.PermanentlyFailed(key) {
		e.notify("failed", "giving up on "+key+" after repeated apply failures")
	}
	return errors.Wrapf(err, "apply %s (attempt %d)", key, count)
}

func parseCoord(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
