// Package adapter defines the narrow contract between the sync engine and
// the host application. The engine never touches host storage directly: it
// reads enriched item views, emits write intents as Actions, and subscribes
// to change events. MemoryStore provides a complete in-process host for
// tests and the standalone runner.
package adapter

// MetadataValue is one per-property metadata cell.
type MetadataValue struct {
	Text string `json:"text"`
	Type string `json:"type,omitempty"`
	Lang string `json:"lang,omitempty"`
}

// Tag is a display-cased tag with an optional color.
type Tag struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Note is a free-text annotation. HTML is the canonical content; Text is the
// plain-text projection the host may index.
type Note struct {
	LocalID       string `json:"localId"`
	HTML          string `json:"html"`
	Text          string `json:"text,omitempty"`
	Lang          string `json:"lang,omitempty"`
	PhotoChecksum string `json:"photo,omitempty"`
	SelectionID   string `json:"sel,omitempty"`
}

// Selection is a rectangular region on a photo.
type Selection struct {
	LocalID       string                   `json:"localId"`
	PhotoChecksum string                   `json:"photo"`
	X             float64                  `json:"x"`
	Y             float64                  `json:"y"`
	W             float64                  `json:"w"`
	H             float64                  `json:"h"`
	Angle         float64                  `json:"angle,omitempty"`
	Metadata      map[string]MetadataValue `json:"metadata,omitempty"`
	Notes         []Note                   `json:"notes,omitempty"`
}

// Transcription is a text rendering of a photo or selection.
type Transcription struct {
	LocalID       string `json:"localId"`
	Text          string `json:"text"`
	Data          string `json:"data,omitempty"`
	PhotoChecksum string `json:"photo,omitempty"`
	SelectionID   string `json:"sel,omitempty"`
}

// List is a named collection of items.
type List struct {
	LocalID   string   `json:"localId"`
	Name      string   `json:"name"`
	MemberIDs []string `json:"members,omitempty"`
}

// ItemSummary is the cheap listing view: enough to compute identity.
type ItemSummary struct {
	LocalID        string   `json:"localId"`
	PhotoChecksums []string `json:"photoChecksums"`
}

// Item is the full enriched view of one item.
type Item struct {
	LocalID        string                              `json:"localId"`
	PhotoChecksums []string                            `json:"photoChecksums"`
	Metadata       map[string]MetadataValue            `json:"metadata,omitempty"`
	PhotoMetadata  map[string]map[string]MetadataValue `json:"photoMetadata,omitempty"`
	Tags           []Tag                               `json:"tags,omitempty"`
	Notes          []Note                              `json:"notes,omitempty"`
	Selections     []Selection                         `json:"selections,omitempty"`
	Transcriptions []Transcription                     `json:"transcriptions,omitempty"`
	ListIDs        []string                            `json:"listIds,omitempty"`
}

// ActionKind enumerates host write intents.
type ActionKind int

const (
	ActionSetMetadata ActionKind = iota
	ActionSetPhotoMetadata
	ActionAddTag
	ActionRemoveTag
	ActionUpsertNote
	ActionDeleteNote
	ActionUpsertSelection
	ActionDeleteSelection
	ActionUpsertTranscription
	ActionDeleteTranscription
	ActionCreateList
	ActionRenameList
	ActionAddToList
	ActionRemoveFromList
)

// Action is a host-native write intent. Only the fields relevant to its Kind
// are populated.
type Action struct {
	Kind          ActionKind
	ItemID        string
	Property      string
	Value         MetadataValue
	Tag           Tag
	Note          Note
	Selection     Selection
	Transcription Transcription
	List          List
	PhotoChecksum string
	TargetID      string // local id of the entity a delete targets
}

// StoreAdapter is the engine's only window into the host application.
//
// SuppressChanges and ResumeChanges bracket remote applies so host change
// events do not feed applied writes back into the push cycle. They are
// refcounted: nested suppression is safe and change events resume only when
// every holder has released.
type StoreAdapter interface {
	// ListItems returns summaries of every item with its photo checksums.
	ListItems() ([]ItemSummary, error)

	// ReadItem returns the full enriched view of one item.
	ReadItem(localID string) (Item, error)

	// ListTags returns all tags known to the host.
	ListTags() ([]Tag, error)

	// ListLists returns all lists known to the host.
	ListLists() ([]List, error)

	// Dispatch emits a write intent as a local user edit.
	Dispatch(a Action) error

	// DispatchSuppressed emits a write intent with change detection gated
	// off for its duration.
	DispatchSuppressed(a Action) error

	// Subscribe registers fn for change events. fn is never invoked while
	// suppression holds.
	Subscribe(fn func()) (unsubscribe func())

	// SuppressChanges increments the suppression refcount.
	SuppressChanges()

	// ResumeChanges decrements the suppression refcount.
	ResumeChanges()
}
