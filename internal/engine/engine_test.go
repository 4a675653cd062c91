package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troparcel/troparcel/internal/adapter"
	"github.com/troparcel/troparcel/internal/backup"
	"github.com/troparcel/troparcel/internal/crdt"
	"github.com/troparcel/troparcel/internal/identity"
	"github.com/troparcel/troparcel/internal/transport"
	"github.com/troparcel/troparcel/internal/vault"
)

// ─── Connection strings ──────────────────────────────────────────────────────

func TestParseURI(t *testing.T) {
	cases := []struct {
		name string
		uri  string
		want *Connection
		err  bool
	}{
		{"empty means null", "", nil, false},
		{"ws with room and token", "troparcel://ws/relay.example:2468/lab?token=s3cret",
			&Connection{Kind: TransportWS, URL: "ws://relay.example:2468", Room: "lab", Token: "s3cret"}, false},
		{"wss without room", "troparcel://wss/relay.example",
			&Connection{Kind: TransportWSS, URL: "wss://relay.example"}, false},
		{"file derives room from dir", "troparcel://file/srv/share/lab",
			&Connection{Kind: TransportFile, Path: "/srv/share/lab", Room: "lab"}, false},
		{"snapshot with bearer", "troparcel://snapshot/https://example.org/doc?auth=tok",
			&Connection{Kind: TransportSnapshot, URL: "https://example.org/doc", Token: "tok"}, false},
		{"unknown transport", "troparcel://smtp/x", nil, true},
		{"wrong scheme", "http://relay.example", nil, true},
		{"ws without host", "troparcel://ws/", nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseURI(tc.uri)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestConfigOverridesURI(t *testing.T) {
	cfg := Config{
		UserID: "alice",
		URI:    "troparcel://ws/relay.example/lab?token=parsed",
		Conn:   &Connection{Token: "explicit"},
	}
	resolved, err := cfg.withDefaults()
	require.NoError(t, err)
	assert.Equal(t, "explicit", resolved.Conn.Token, "individual fields override parsed values")
	assert.Equal(t, "lab", resolved.Room)
}

// ─── FIFO lock ───────────────────────────────────────────────────────────────

func (l *FIFOLock) waiters() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func TestFIFOLockOrder(t *testing.T) {
	l := NewFIFOLock()
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.Acquire(context.Background())
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			r()
		}()
		// Wait until this waiter is queued so arrival order is fixed.
		for l.waiters() != i+1 {
			time.Sleep(time.Millisecond)
		}
	}

	release()
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3, 4}, order, "grants must follow arrival order")
}

func TestFIFOLockCancellation(t *testing.T) {
	l := NewFIFOLock()
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx)
		errc <- err
	}()
	for l.waiters() != 2 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	// The abandoned waiter must not stall the queue.
	release()
	r, err := l.Acquire(context.Background())
	require.NoError(t, err)
	r()
	r() // release is idempotent
}

func TestFIFOLockClose(t *testing.T) {
	l := NewFIFOLock()
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() {
		_, err := l.Acquire(context.Background())
		errc <- err
	}()
	for l.waiters() != 2 {
		time.Sleep(time.Millisecond)
	}
	l.Close()
	assert.ErrorIs(t, <-errc, ErrLockClosed)
	release()
	_, err = l.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrLockClosed)
}

// ─── Peer harness ────────────────────────────────────────────────────────────

// captureTransport records outbound updates so tests can shuttle them
// between peers deterministically.
type captureTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *captureTransport) Connect(context.Context, *crdt.Doc, transport.Events) error { return nil }
func (c *captureTransport) Disconnect() error                                          { return nil }
func (c *captureTransport) Destroy() error                                             { return nil }

func (c *captureTransport) Send(u []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, append([]byte(nil), u...))
	c.mu.Unlock()
	return nil
}

func (c *captureTransport) take() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sent
	c.sent = nil
	return out
}

type peer struct {
	e     *Engine
	store *adapter.MemoryStore
	tr    *captureTransport
}

// newTestPeer wires an engine for synchronous cycle-level testing: push and
// apply are invoked directly instead of through the worker loop.
func newTestPeer(t *testing.T, user string) *peer {
	t.Helper()
	store := adapter.NewMemoryStore()
	tr := &captureTransport{}
	cfg := Config{Room: "lab", UserID: user, DataDir: t.TempDir(),
		Conn: &Connection{Kind: TransportWS, URL: "ws://unused"}}
	resolved, err := cfg.withDefaults()
	require.NoError(t, err)

	e := newEngine(resolved, store, tr)
	e.vlt, err = vault.Open(resolved.VaultDir(), resolved.Room, user)
	require.NoError(t, err)
	e.journal, err = backup.NewJournal(filepath.Join(resolved.BackupDir(), "lab"), 5)
	require.NoError(t, err)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.unobserve = e.doc.Observe(func(u crdt.Update) {
		if u.Origin == crdt.OriginRemote {
			e.pending = append(e.pending, u.Changes...)
		}
	})
	t.Cleanup(e.cancel)
	return &peer{e: e, store: store, tr: tr}
}

func (p *peer) push(t *testing.T) {
	t.Helper()
	require.NoError(t, p.e.pushCycle())
}

// deliver applies everything from has sent since the last call.
func deliver(t *testing.T, from, to *peer) {
	t.Helper()
	for _, u := range from.tr.take() {
		require.NoError(t, to.e.applyCycle(u))
	}
}

func itemIdentityOf(checksums ...string) string {
	return identity.ItemIdentity(checksums)
}

func onlyKey(t *testing.T, m map[string]crdt.Entry) string {
	t.Helper()
	require.Len(t, m, 1)
	for k := range m {
		return k
	}
	return ""
}

// ─── Scenarios ───────────────────────────────────────────────────────────────

func TestMetadataLastWriterWins(t *testing.T) {
	a, b := newTestPeer(t, "alice"), newTestPeer(t, "bob")
	idA := a.store.AddItem("sum")
	idB := b.store.AddItem("sum")

	require.NoError(t, a.store.Dispatch(adapter.Action{
		Kind: adapter.ActionSetMetadata, ItemID: idA,
		Property: "dc:title", Value: adapter.MetadataValue{Text: "Foo"},
	}))
	a.push(t)
	deliver(t, a, b)

	it, _ := b.store.ReadItem(idB)
	assert.Equal(t, "Foo", it.Metadata["dc:title"].Text)

	require.NoError(t, b.store.Dispatch(adapter.Action{
		Kind: adapter.ActionSetMetadata, ItemID: idB,
		Property: "dc:title", Value: adapter.MetadataValue{Text: "Bar"},
	}))
	b.push(t)
	deliver(t, b, a)

	itA, _ := a.store.ReadItem(idA)
	itB, _ := b.store.ReadItem(idB)
	assert.Equal(t, "Bar", itA.Metadata["dc:title"].Text)
	assert.Equal(t, "Bar", itB.Metadata["dc:title"].Text)
}

func TestAddWinsTag(t *testing.T) {
	a, b := newTestPeer(t, "alice"), newTestPeer(t, "bob")
	idA := a.store.AddItem("sum")
	idB := b.store.AddItem("sum")
	docID := itemIdentityOf("sum")

	require.NoError(t, a.store.Dispatch(adapter.Action{
		Kind: adapter.ActionAddTag, ItemID: idA, Tag: adapter.Tag{Name: "Important"},
	}))
	a.push(t)
	deliver(t, a, b)

	require.NoError(t, b.store.Dispatch(adapter.Action{
		Kind: adapter.ActionRemoveTag, ItemID: idB, Tag: adapter.Tag{Name: "Important"},
	}))
	b.push(t)
	deliver(t, b, a)

	itA, _ := a.store.ReadItem(idA)
	assert.Empty(t, itA.Tags, "remove propagates")

	require.NoError(t, a.store.Dispatch(adapter.Action{
		Kind: adapter.ActionAddTag, ItemID: idA, Tag: adapter.Tag{Name: "Important"},
	}))
	a.push(t)
	deliver(t, a, b)

	itB, _ := b.store.ReadItem(idB)
	require.Len(t, itB.Tags, 1, "a later add revives the tag")
	assert.Len(t, b.e.doc.ActiveEntries(docID, crdt.Tags), 1)
}

func TestLocalTagsAndPropertiesStayLocal(t *testing.T) {
	a := newTestPeer(t, "alice")
	id := a.store.AddItem("sum")
	docID := itemIdentityOf("sum")

	require.NoError(t, a.store.Dispatch(adapter.Action{
		Kind: adapter.ActionAddTag, ItemID: id, Tag: adapter.Tag{Name: "@private"},
	}))
	require.NoError(t, a.store.Dispatch(adapter.Action{
		Kind: adapter.ActionSetMetadata, ItemID: id,
		Property: "troparcel:state", Value: adapter.MetadataValue{Text: "x"},
	}))
	require.NoError(t, a.store.Dispatch(adapter.Action{
		Kind: adapter.ActionSetMetadata, ItemID: id,
		Property: "https://troparcel.org/ns/origin", Value: adapter.MetadataValue{Text: "y"},
	}))
	a.push(t)

	assert.Empty(t, a.e.doc.ActiveEntries(docID, crdt.Tags))
	assert.Empty(t, a.e.doc.ActiveEntries(docID, crdt.Metadata))
}

func TestNoFeedbackAfterApply(t *testing.T) {
	a, b := newTestPeer(t, "alice"), newTestPeer(t, "bob")
	idA := a.store.AddItem("sum")
	b.store.AddItem("sum")

	require.NoError(t, a.store.Dispatch(adapter.Action{
		Kind: adapter.ActionUpsertNote, ItemID: idA,
		Note: adapter.Note{HTML: "<p>hello</p>", Text: "hello", PhotoChecksum: "sum"},
	}))
	require.NoError(t, a.store.Dispatch(adapter.Action{
		Kind: adapter.ActionSetMetadata, ItemID: idA,
		Property: "dc:title", Value: adapter.MetadataValue{Text: "T"},
	}))
	a.push(t)
	deliver(t, a, b)

	// A quiescent peer that just applied must emit nothing.
	b.push(t)
	assert.Empty(t, b.tr.take(), "apply must not produce outbound updates")
}

func TestAuthorGuardedRetraction(t *testing.T) {
	a, b := newTestPeer(t, "alice"), newTestPeer(t, "bob")
	idA := a.store.AddItem("sum")
	idB := b.store.AddItem("sum")
	docID := itemIdentityOf("sum")

	require.NoError(t, a.store.Dispatch(adapter.Action{
		Kind: adapter.ActionUpsertNote, ItemID: idA,
		Note: adapter.Note{HTML: "<p>x</p>", PhotoChecksum: "sum"},
	}))
	a.push(t)
	deliver(t, a, b)

	noteKey := onlyKey(t, a.e.doc.ActiveEntries(docID, crdt.Notes))
	itB, _ := b.store.ReadItem(idB)
	require.Len(t, itB.Notes, 1)
	assert.Contains(t, itB.Notes[0].HTML, "[troparcel:"+noteKey+" from alice]")

	// Bob deletes Alice's note locally: dismissal, not tombstone.
	require.NoError(t, b.store.Dispatch(adapter.Action{
		Kind: adapter.ActionDeleteNote, ItemID: idB, TargetID: itB.Notes[0].LocalID,
	}))
	b.push(t)
	assert.Empty(t, b.tr.take(), "a dismissal never leaves the peer")

	entry, ok := a.e.doc.GetEntry(docID, crdt.Notes, noteKey)
	require.True(t, ok)
	assert.False(t, entry.Deleted, "the author's document keeps the note")

	seq, ok := b.e.vlt.DismissedSeq("note:" + noteKey)
	require.True(t, ok)
	assert.Equal(t, entry.PushSeq, seq)

	// Alice edits the note; new activity resurrects the muted thread.
	itA, _ := a.store.ReadItem(idA)
	note := itA.Notes[0]
	note.HTML = "<p>updated</p>"
	require.NoError(t, a.store.Dispatch(adapter.Action{
		Kind: adapter.ActionUpsertNote, ItemID: idA, Note: note,
	}))
	a.push(t)
	deliver(t, a, b)

	itB, _ = b.store.ReadItem(idB)
	require.Len(t, itB.Notes, 1, "newer activity makes the note visible again")
	assert.Contains(t, itB.Notes[0].HTML, "updated")
}

func TestForeignTombstoneRejected(t *testing.T) {
	b := newTestPeer(t, "bob")
	idB := b.store.AddItem("sum")
	docID := itemIdentityOf("sum")

	// Alice's note arrives.
	remote := crdt.New()
	remote.Transact(crdt.OriginLocal, func(tx *crdt.Txn) {
		tx.Put(docID, crdt.Notes, "n_abc", crdt.Entry{
			Author: "alice", PushSeq: 1,
			Fields: map[string]string{crdt.FieldHTML: "<p>x</p>", crdt.FieldPhoto: "sum"},
		})
	})
	require.NoError(t, b.e.applyCycle(remote.EncodeState()))
	itB, _ := b.store.ReadItem(idB)
	require.Len(t, itB.Notes, 1)

	// Mallory tombstones it; the author guard keeps the local copy.
	remote.Transact(crdt.OriginLocal, func(tx *crdt.Txn) {
		tx.Tombstone(docID, crdt.Notes, "n_abc", "mallory", 2)
	})
	require.NoError(t, b.e.applyCycle(remote.EncodeState()))
	itB, _ = b.store.ReadItem(idB)
	assert.Len(t, itB.Notes, 1, "foreign tombstone must not delete the local note")
}

func TestFlatNoteSelectionLink(t *testing.T) {
	// Some peers store selection-attached notes flat in the notes collection
	// with a selection reference. The notes collection decodes before
	// selections, so the link only survives if selections dispatch first.
	b := newTestPeer(t, "bob")
	idB := b.store.AddItem("sum")
	docID := itemIdentityOf("sum")

	remote := crdt.New()
	remote.Transact(crdt.OriginLocal, func(tx *crdt.Txn) {
		tx.Put(docID, crdt.Selections, "s_region", crdt.Entry{
			Author: "carol", PushSeq: 1,
			Fields: map[string]string{
				crdt.FieldPhoto: "sum",
				crdt.FieldX:     "1", crdt.FieldY: "2",
				crdt.FieldW: "3", crdt.FieldH: "4",
			},
		})
		tx.Put(docID, crdt.Notes, "n_margin", crdt.Entry{
			Author: "carol", PushSeq: 2,
			Fields: map[string]string{
				crdt.FieldHTML:      "<p>margin</p>",
				crdt.FieldText:      "margin",
				crdt.FieldSelection: "s_region",
			},
		})
	})
	require.NoError(t, b.e.applyCycle(remote.EncodeState()))

	it, err := b.store.ReadItem(idB)
	require.NoError(t, err)
	require.Len(t, it.Selections, 1)
	require.Len(t, it.Notes, 1)
	assert.Equal(t, it.Selections[0].LocalID, it.Notes[0].SelectionID,
		"the note keeps its selection link")
}

func TestFuzzyIdentityMatch(t *testing.T) {
	b := newTestPeer(t, "bob")
	idB := b.store.AddItem("A", "B")

	remoteID := itemIdentityOf("A")
	remote := crdt.New()
	remote.Transact(crdt.OriginLocal, func(tx *crdt.Txn) {
		tx.Put(remoteID, crdt.Notes, "n_fuzzy", crdt.Entry{
			Author: "carol", PushSeq: 1,
			Fields: map[string]string{crdt.FieldHTML: "<p>hi</p>", crdt.FieldPhoto: "A"},
		})
	})
	require.NoError(t, b.e.applyCycle(remote.EncodeState()))

	it, _ := b.store.ReadItem(idB)
	require.Len(t, it.Notes, 1, "Jaccard 0.5 attaches remote annotations")
}

func TestOversizedNoteSkipped(t *testing.T) {
	b := newTestPeer(t, "bob")
	b.e.validator.MaxNoteSize = 16
	idB := b.store.AddItem("sum")
	docID := itemIdentityOf("sum")

	remote := crdt.New()
	remote.Transact(crdt.OriginLocal, func(tx *crdt.Txn) {
		tx.Put(docID, crdt.Notes, "n_big", crdt.Entry{
			Author: "alice", PushSeq: 1,
			Fields: map[string]string{crdt.FieldHTML: "<p>0123456789012345678</p>", crdt.FieldPhoto: "sum"},
		})
		tx.Put(docID, crdt.Notes, "n_ok", crdt.Entry{
			Author: "alice", PushSeq: 2,
			Fields: map[string]string{crdt.FieldHTML: "<p>ok</p>", crdt.FieldPhoto: "sum"},
		})
	})
	require.NoError(t, b.e.applyCycle(remote.EncodeState()))

	it, _ := b.store.ReadItem(idB)
	require.Len(t, it.Notes, 1, "the oversized entry is skipped, the batch continues")
	assert.Contains(t, it.Notes[0].HTML, "ok")
}

func TestSanitizedOnApply(t *testing.T) {
	b := newTestPeer(t, "bob")
	idB := b.store.AddItem("sum")
	docID := itemIdentityOf("sum")

	remote := crdt.New()
	remote.Transact(crdt.OriginLocal, func(tx *crdt.Txn) {
		tx.Put(docID, crdt.Notes, "n_xss", crdt.Entry{
			Author: "alice", PushSeq: 1,
			Fields: map[string]string{
				crdt.FieldHTML:  `<p onclick="evil()">x</p><script>alert(1)</script>`,
				crdt.FieldPhoto: "sum",
			},
		})
	})
	require.NoError(t, b.e.applyCycle(remote.EncodeState()))

	it, _ := b.store.ReadItem(idB)
	require.Len(t, it.Notes, 1)
	assert.NotContains(t, it.Notes[0].HTML, "script")
	assert.NotContains(t, it.Notes[0].HTML, "onclick")
}

func TestThreePeerConvergence(t *testing.T) {
	peers := []*peer{newTestPeer(t, "alice"), newTestPeer(t, "bob"), newTestPeer(t, "carol")}
	props := []string{"dc:title", "dc:creator", "dc:date"}
	tags := []string{"Red", "Green", "Blue"}
	for i, p := range peers {
		id := p.store.AddItem("sum")
		require.NoError(t, p.store.Dispatch(adapter.Action{
			Kind: adapter.ActionSetMetadata, ItemID: id,
			Property: props[i], Value: adapter.MetadataValue{Text: "v"},
		}))
		require.NoError(t, p.store.Dispatch(adapter.Action{
			Kind: adapter.ActionAddTag, ItemID: id, Tag: adapter.Tag{Name: tags[i]},
		}))
		p.push(t)
	}

	// Full mesh exchange, twice so late arrivals settle.
	for round := 0; round < 2; round++ {
		for _, from := range peers {
			updates := from.tr.take()
			for _, to := range peers {
				if to == from {
					continue
				}
				for _, u := range updates {
					require.NoError(t, to.e.applyCycle(u))
				}
			}
			from.push(t)
		}
	}

	docID := itemIdentityOf("sum")
	var first []byte
	for i, p := range peers {
		it, _ := p.store.ReadItem("1")
		assert.Len(t, it.Metadata, 3, "peer %d metadata", i)
		assert.Len(t, it.Tags, 3, "peer %d tags", i)
		enc := p.e.doc.EncodeState()
		if first == nil {
			first = enc
		} else {
			assert.Equal(t, first, enc, "peer %d document diverged", i)
		}
		assert.Len(t, p.e.doc.ActiveEntries(docID, crdt.Tags), 3)
	}
}

func TestListMembershipRoundTrip(t *testing.T) {
	a, b := newTestPeer(t, "alice"), newTestPeer(t, "bob")
	idA := a.store.AddItem("sum")
	idB := b.store.AddItem("sum")

	require.NoError(t, a.store.Dispatch(adapter.Action{
		Kind: adapter.ActionCreateList, List: adapter.List{LocalID: "L1", Name: "Plates"},
	}))
	require.NoError(t, a.store.Dispatch(adapter.Action{
		Kind: adapter.ActionAddToList, ItemID: idA, List: adapter.List{LocalID: "L1"},
	}))
	a.push(t)
	deliver(t, a, b)

	lists, err := b.store.ListLists()
	require.NoError(t, err)
	require.Len(t, lists, 1)
	assert.Equal(t, "Plates", lists[0].Name)
	assert.Equal(t, []string{idB}, lists[0].MemberIDs)
}

func TestStopIsIdempotentAndPreStartSafe(t *testing.T) {
	store := adapter.NewMemoryStore()
	e, err := NewWithTransport(Config{Room: "lab", UserID: "u", DataDir: t.TempDir(),
		Conn: &Connection{Kind: TransportWS, URL: "ws://unused"}}, store, &captureTransport{})
	require.NoError(t, err)
	e.Stop()
	e.Stop()
	assert.Equal(t, StateStopped, e.State())
	assert.Error(t, e.Start(context.Background()), "start after stop must fail")
}

func TestEngineStartStop(t *testing.T) {
	store := adapter.NewMemoryStore()
	id := store.AddItem("sum")
	tr := &captureTransport{}
	var states []State
	var mu sync.Mutex
	e, err := NewWithTransport(Config{
		Room: "lab", UserID: "alice", DataDir: t.TempDir(),
		Conn:     &Connection{Kind: TransportWS, URL: "ws://unused"},
		Debounce: 10 * time.Millisecond,
		OnState: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	}, store, tr)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	require.NoError(t, store.Dispatch(adapter.Action{
		Kind: adapter.ActionSetMetadata, ItemID: id,
		Property: "dc:title", Value: adapter.MetadataValue{Text: "T"},
	}))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(tr.take()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	docID := itemIdentityOf("sum")
	_, ok := e.Doc().GetEntry(docID, crdt.Metadata, "dc:title")
	assert.True(t, ok, "debounced change must reach the document")

	e.Stop()
	assert.Equal(t, StateStopped, e.State())
	mu.Lock()
	assert.Contains(t, states, StateWaitingForHost)
	assert.Contains(t, states, StateStopped)
	mu.Unlock()
}
