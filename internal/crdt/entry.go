package crdt

import "strings"

// Collection identifies one of the replicated sub-collections. The first
// block is scoped to an item bucket; Templates and ListHierarchy live at the
// top level of the document.
type Collection uint8

const (
	Metadata Collection = iota
	PhotoMeta
	Tags
	Notes
	Selections
	SelectionMeta
	SelectionNotes
	Transcriptions
	Lists
	UUIDs
	Aliases
	Templates
	ListHierarchy

	numCollections
)

var collectionNames = [...]string{
	"metadata", "photoMeta", "tags", "notes", "selections",
	"selectionMeta", "selectionNotes", "transcriptions", "lists",
	"uuids", "aliases", "templates", "listHierarchy",
}

func (c Collection) String() string {
	if int(c) < len(collectionNames) {
		return collectionNames[c]
	}
	return "unknown"
}

// TopLevel reports whether the collection is document-scoped rather than
// item-scoped.
func (c Collection) TopLevel() bool {
	return c == Templates || c == ListHierarchy
}

// ItemCollections lists the item-scoped collections in declaration order.
func ItemCollections() []Collection {
	cols := make([]Collection, 0, int(numCollections)-2)
	for c := Metadata; c < numCollections; c++ {
		if !c.TopLevel() {
			cols = append(cols, c)
		}
	}
	return cols
}

// AuthoredCollections hold entities whose Author field means "creator" and
// which therefore admit the ownership guard on tombstones.
func (c Collection) Authored() bool {
	switch c {
	case Notes, Selections, SelectionNotes, Transcriptions:
		return true
	}
	return false
}

// keySep joins composite sub-keys (photo checksum + property URI, selection
// key + property URI). The unit separator cannot appear in checksums,
// property URIs or entity keys.
const keySep = "\x1f"

// CompositeKey builds the map key for the two-level collections
// (PhotoMeta, SelectionMeta).
func CompositeKey(scope, key string) string {
	return scope + keySep + key
}

// SplitKey is the inverse of CompositeKey. ok is false for plain keys.
func SplitKey(k string) (scope, key string, ok bool) {
	return strings.Cut(k, keySep)
}

// Entry is the uniform value record of every collection. PushSeq is the
// ordering primitive: per author it is strictly monotonic, and among
// concurrent writes the highest (PushSeq, Author) pair wins. DeletedAt is
// wall clock and used only for garbage collection, never for ordering.
type Entry struct {
	Author    string
	PushSeq   uint64
	Deleted   bool
	DeletedAt int64 // unix milliseconds
	Fields    map[string]string
}

// Field returns a payload field, or "" when absent.
func (e *Entry) Field(name string) string {
	if e == nil || e.Fields == nil {
		return ""
	}
	return e.Fields[name]
}

// Clone deep-copies the entry.
func (e Entry) Clone() Entry {
	c := e
	if e.Fields != nil {
		c.Fields = make(map[string]string, len(e.Fields))
		for k, v := range e.Fields {
			c.Fields[k] = v
		}
	}
	return c
}

// supersedes reports whether e wins over old under the deterministic LWW
// tie-break. Equal (PushSeq, Author) pairs denote the same write; the
// existing entry is kept so re-applies are no-ops.
func (e *Entry) supersedes(old *Entry) bool {
	if old == nil {
		return true
	}
	if e.PushSeq != old.PushSeq {
		return e.PushSeq > old.PushSeq
	}
	return e.Author > old.Author
}

// Well-known payload field names. Values are free-form strings; numeric
// payloads (selection geometry) are formatted by the engine.
const (
	FieldText      = "text"
	FieldType      = "type"
	FieldLang      = "lang"
	FieldName      = "name"
	FieldColor     = "color"
	FieldHTML      = "html"
	FieldPhoto     = "photo"
	FieldSelection = "sel"
	FieldX         = "x"
	FieldY         = "y"
	FieldW         = "w"
	FieldH         = "h"
	FieldAngle     = "angle"
	FieldData      = "data"
	FieldMember    = "member"
	FieldKey       = "key"
	FieldNewID     = "newIdentity"
	FieldCreatedAt = "createdAt"
)
