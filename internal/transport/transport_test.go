package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troparcel/troparcel/internal/crdt"
)

func TestFrameCodec(t *testing.T) {
	kind, payload, err := DecodeFrame(EncodeFrame(FrameUpdate, []byte("abc")))
	require.NoError(t, err)
	assert.Equal(t, FrameUpdate, kind)
	assert.Equal(t, []byte("abc"), payload)

	_, _, err = DecodeFrame(nil)
	assert.ErrorIs(t, err, ErrFrame)
	_, _, err = DecodeFrame([]byte{0x7f})
	assert.ErrorIs(t, err, ErrFrame)
}

func docWithNote(t *testing.T, author, text string) *crdt.Doc {
	t.Helper()
	d := crdt.New()
	d.Transact(crdt.OriginLocal, func(tx *crdt.Txn) {
		tx.Put("item1", crdt.Notes, "n_1", crdt.Entry{
			Author: author, PushSeq: 1,
			Fields: map[string]string{crdt.FieldText: text},
		})
	})
	return d
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ─── Folder ──────────────────────────────────────────────────────────────────

func TestFolderExchange(t *testing.T) {
	dir := t.TempDir()
	docA := docWithNote(t, "alice", "hello")
	docB := crdt.New()

	a := NewFolder(FolderConfig{Dir: dir, PeerID: "alice"})
	require.NoError(t, a.Connect(context.Background(), docA, Events{}))
	defer a.Destroy()
	require.NoError(t, a.Send(docA.EncodeState()))

	var mu sync.Mutex
	var got [][]byte
	b := NewFolder(FolderConfig{Dir: dir, PeerID: "bob"})
	require.NoError(t, b.Connect(context.Background(), docB, Events{
		OnUpdate: func(u []byte) {
			mu.Lock()
			got = append(got, append([]byte(nil), u...))
			mu.Unlock()
		},
	}))
	defer b.Destroy()

	// Connect ingests the backlog synchronously.
	mu.Lock()
	require.Len(t, got, 1)
	update := got[0]
	mu.Unlock()
	require.NoError(t, docB.ApplyUpdate(update, crdt.OriginRemote))
	e, ok := docB.GetEntry("item1", crdt.Notes, "n_1")
	require.True(t, ok)
	assert.Equal(t, "hello", e.Field(crdt.FieldText))
}

func TestFolderSkipsOwnFiles(t *testing.T) {
	dir := t.TempDir()
	doc := docWithNote(t, "alice", "x")

	fired := 0
	a := NewFolder(FolderConfig{Dir: dir, PeerID: "alice"})
	require.NoError(t, a.Connect(context.Background(), doc, Events{
		OnUpdate: func([]byte) { fired++ },
	}))
	defer a.Destroy()

	require.NoError(t, a.Send(doc.EncodeState()))
	a.scan(Events{OnUpdate: func([]byte) { fired++ }})
	assert.Zero(t, fired, "a peer must never ingest its own files")
}

func TestFolderSendAfterDestroy(t *testing.T) {
	a := NewFolder(FolderConfig{Dir: t.TempDir(), PeerID: "alice"})
	require.NoError(t, a.Connect(context.Background(), crdt.New(), Events{}))
	require.NoError(t, a.Destroy())
	assert.ErrorIs(t, a.Send([]byte("x")), ErrClosed)
	assert.ErrorIs(t, a.Connect(context.Background(), crdt.New(), Events{}), ErrClosed)
}

// ─── Snapshot ────────────────────────────────────────────────────────────────

// snapshotServer is a minimal GET/PUT blob endpoint.
type snapshotServer struct {
	mu   sync.Mutex
	blob []byte
}

func (s *snapshotServer) handler(t *testing.T, wantToken string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if wantToken != "" {
			assert.Equal(t, "Bearer "+wantToken, r.Header.Get("Authorization"))
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			if s.blob == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(s.blob)
		case http.MethodPut:
			buf := make([]byte, r.ContentLength)
			r.Body.Read(buf)
			s.blob = buf
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

func TestSnapshotExchange(t *testing.T) {
	store := &snapshotServer{}
	srv := httptest.NewServer(store.handler(t, "secret"))
	defer srv.Close()

	docA := docWithNote(t, "alice", "hello")
	a := NewSnapshot(SnapshotConfig{URL: srv.URL, Token: "secret", Interval: time.Hour})
	require.NoError(t, a.Connect(context.Background(), docA, Events{}))
	defer a.Destroy()

	// First cycle finds an empty endpoint and seeds it with full state.
	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.blob != nil
	}, "endpoint never seeded")

	docB := crdt.New()
	var status []Status
	var mu sync.Mutex
	b := NewSnapshot(SnapshotConfig{URL: srv.URL, Token: "secret", Interval: time.Hour})
	require.NoError(t, b.Connect(context.Background(), docB, Events{
		OnUpdate: func(u []byte) {
			require.NoError(t, docB.ApplyUpdate(u, crdt.OriginRemote))
		},
		OnStatus: func(s Status) {
			mu.Lock()
			status = append(status, s)
			mu.Unlock()
		},
	}))
	defer b.Destroy()

	waitFor(t, func() bool {
		_, ok := docB.GetEntry("item1", crdt.Notes, "n_1")
		return ok
	}, "snapshot never reached the second peer")

	mu.Lock()
	assert.Contains(t, status, StatusConnected)
	mu.Unlock()
}

// ─── WebSocket ───────────────────────────────────────────────────────────────

// stubRelay upgrades one connection and exchanges frames per the relay
// protocol: answer the client's state vector with a delta, then deliver one
// update.
func stubRelay(t *testing.T, relayDoc *crdt.Doc, gotClientDelta chan<- []byte) http.HandlerFunc {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		// The client opens with its state vector.
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		kind, payload, err := DecodeFrame(data)
		require.NoError(t, err)
		require.Equal(t, FrameStateVector, kind)
		sv, err := crdt.DecodeStateVector(payload)
		require.NoError(t, err)

		// Reply with the delta the client is missing, and ask for ours.
		conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(FrameUpdate, relayDoc.EncodeDelta(sv)))
		conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(FrameStateVector, relayDoc.StateVector().Encode()))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			kind, payload, _ := DecodeFrame(data)
			if kind == FrameUpdate {
				gotClientDelta <- payload
				return
			}
		}
	}
}

func TestWebSocketHandshake(t *testing.T) {
	relayDoc := docWithNote(t, "relay", "from-relay")
	gotDelta := make(chan []byte, 1)
	srv := httptest.NewServer(stubRelay(t, relayDoc, gotDelta))
	defer srv.Close()

	clientDoc := docWithNote(t, "client", "from-client")
	applied := make(chan []byte, 1)
	ws := NewWebSocket(WebSocketConfig{
		URL:  "ws" + strings.TrimPrefix(srv.URL, "http"),
		Room: "default",
	})
	require.NoError(t, ws.Connect(context.Background(), clientDoc, Events{
		OnUpdate: func(u []byte) { applied <- append([]byte(nil), u...) },
	}))
	defer ws.Destroy()

	// The relay's entry arrives through the handshake delta.
	select {
	case u := <-applied:
		require.NoError(t, clientDoc.ApplyUpdate(u, crdt.OriginRemote))
	case <-time.After(5 * time.Second):
		t.Fatal("no update from relay")
	}
	assert.Equal(t, uint64(1), clientDoc.StateVector()["relay"])

	// The relay's state vector triggers a delta upload with our entry.
	select {
	case u := <-gotDelta:
		require.NoError(t, relayDoc.ApplyUpdate(u, crdt.OriginRemote))
	case <-time.After(5 * time.Second):
		t.Fatal("no delta reached relay")
	}
	e, ok := relayDoc.GetEntry("item1", crdt.Notes, "n_1")
	require.True(t, ok)
	assert.Equal(t, "from-relay", e.Field(crdt.FieldText), "relay entry supersedes: same key, higher author")
}
