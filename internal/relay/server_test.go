package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troparcel/troparcel/internal/crdt"
	"github.com/troparcel/troparcel/internal/transport"
)

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := Config{
		MaxRooms:           10,
		MaxConnsPerIP:      10,
		CompactionInterval: time.Hour,
		TombstoneMaxAge:    30 * 24 * time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	s := NewServer(cfg, store)
	srv := httptest.NewServer(s.corsWrap(s.Router()))
	t.Cleanup(func() {
		srv.Close()
		s.reg.Close()
		store.Close()
	})
	return s, srv
}

func dialRoom(t *testing.T, srv *httptest.Server, room, token string) (*websocket.Conn, error) {
	t.Helper()
	target := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + room
	if token != "" {
		target += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	return conn, err
}

// readFrame reads one frame, skipping nothing; fails the test on timeout.
func readFrame(t *testing.T, conn *websocket.Conn) (byte, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	kind, payload, err := transport.DecodeFrame(data)
	require.NoError(t, err)
	return kind, payload
}

func send(t *testing.T, conn *websocket.Conn, kind byte, payload []byte) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage,
		transport.EncodeFrame(kind, payload)))
}

// expectClose asserts the server rejects the next read with the given
// application close code.
func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %v", err)
	assert.Equal(t, code, closeErr.Code)
}

func TestRelayHandshakeAndFanOut(t *testing.T) {
	s, srv := newTestServer(t, nil)

	// Alice joins with an entry and runs the sync handshake.
	alice, err := dialRoom(t, srv, "sync", "")
	require.NoError(t, err)
	defer alice.Close()
	aliceDoc := docWithNote(t, "alice", "hello")
	send(t, alice, transport.FrameStateVector, aliceDoc.StateVector().Encode())

	kind, payload := readFrame(t, alice)
	assert.Equal(t, transport.FrameUpdate, kind, "the relay answers with the missing delta")
	require.NoError(t, aliceDoc.ApplyUpdate(payload, crdt.OriginRemote))
	kind, payload = readFrame(t, alice)
	require.Equal(t, transport.FrameStateVector, kind)
	sv, err := crdt.DecodeStateVector(payload)
	require.NoError(t, err)
	send(t, alice, transport.FrameUpdate, aliceDoc.EncodeDelta(sv))

	// The room document now carries alice's entry.
	waitForRelay(t, func() bool {
		room, ok := s.reg.Peek("sync")
		if !ok {
			return false
		}
		_, ok = room.Doc().GetEntry("item1", crdt.Notes, "n_1")
		return ok
	}, "update never reached the room document")

	// Bob joins empty and receives alice's entry through the handshake.
	bob, err := dialRoom(t, srv, "sync", "")
	require.NoError(t, err)
	defer bob.Close()
	bobDoc := crdt.New()
	send(t, bob, transport.FrameStateVector, bobDoc.StateVector().Encode())
	kind, payload = readFrame(t, bob)
	require.Equal(t, transport.FrameUpdate, kind)
	require.NoError(t, bobDoc.ApplyUpdate(payload, crdt.OriginRemote))
	e, ok := bobDoc.GetEntry("item1", crdt.Notes, "n_1")
	require.True(t, ok)
	assert.Equal(t, "hello", e.Field(crdt.FieldText))
	readFrame(t, bob) // the relay's own state vector

	// A live update from alice fans out to bob but not back to alice.
	aliceDoc.Transact(crdt.OriginLocal, func(tx *crdt.Txn) {
		tx.Put("item1", crdt.Notes, "n_2", crdt.Entry{
			Author: "alice", PushSeq: 2,
			Fields: map[string]string{crdt.FieldText: "second"},
		})
	})
	send(t, alice, transport.FrameUpdate, aliceDoc.EncodeDelta(sv))
	kind, payload = readFrame(t, bob)
	require.Equal(t, transport.FrameUpdate, kind)
	require.NoError(t, bobDoc.ApplyUpdate(payload, crdt.OriginRemote))
	_, ok = bobDoc.GetEntry("item1", crdt.Notes, "n_2")
	assert.True(t, ok)
}

func waitForRelay(t *testing.T, cond func() bool, msg string) {
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

func TestRelayPersistsUpdates(t *testing.T) {
	s, srv := newTestServer(t, nil)

	conn, err := dialRoom(t, srv, "durable", "")
	require.NoError(t, err)
	defer conn.Close()
	send(t, conn, transport.FrameUpdate, docWithNote(t, "alice", "kept").EncodeState())

	waitForRelay(t, func() bool { return s.store.LogLength("durable") == 1 },
		"update never persisted")
}

func TestRelayAuthRejection(t *testing.T) {
	_, srv := newTestServer(t, func(cfg *Config) {
		cfg.AuthTokens = map[string]string{"locked": "secret-token-0123456789"}
	})

	conn, err := dialRoom(t, srv, "locked", "wrong")
	require.NoError(t, err, "the upgrade succeeds so the close code can be delivered")
	defer conn.Close()
	expectClose(t, conn, CloseUnauthorized)

	conn2, err := dialRoom(t, srv, "locked", "secret-token-0123456789")
	require.NoError(t, err)
	defer conn2.Close()
	send(t, conn2, transport.FrameStateVector, crdt.New().StateVector().Encode())
	kind, _ := readFrame(t, conn2)
	assert.Equal(t, transport.FrameUpdate, kind)

	// Unrelated rooms stay open.
	conn3, err := dialRoom(t, srv, "open", "")
	require.NoError(t, err)
	defer conn3.Close()
	send(t, conn3, transport.FrameStateVector, crdt.New().StateVector().Encode())
	kind, _ = readFrame(t, conn3)
	assert.Equal(t, transport.FrameUpdate, kind)
}

func TestRelayBadPathRejected(t *testing.T) {
	_, srv := newTestServer(t, nil)
	conn, err := dialRoom(t, srv, "a/b", "")
	require.NoError(t, err)
	defer conn.Close()
	expectClose(t, conn, CloseBadRequest)
}

func TestRelayRoomLimit(t *testing.T) {
	_, srv := newTestServer(t, func(cfg *Config) { cfg.MaxRooms = 1 })

	first, err := dialRoom(t, srv, "one", "")
	require.NoError(t, err)
	defer first.Close()
	send(t, first, transport.FrameStateVector, crdt.New().StateVector().Encode())
	readFrame(t, first)

	second, err := dialRoom(t, srv, "two", "")
	require.NoError(t, err)
	defer second.Close()
	expectClose(t, second, CloseRoomLimit)
}

func TestRelayPerIPLimit(t *testing.T) {
	_, srv := newTestServer(t, func(cfg *Config) { cfg.MaxConnsPerIP = 1 })

	first, err := dialRoom(t, srv, "room", "")
	require.NoError(t, err)
	defer first.Close()
	send(t, first, transport.FrameStateVector, crdt.New().StateVector().Encode())
	readFrame(t, first)

	second, err := dialRoom(t, srv, "room", "")
	require.NoError(t, err)
	defer second.Close()
	expectClose(t, second, CloseIPLimit)
}

// ─── Monitoring API ──────────────────────────────────────────────────────────

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestMonitorEndpoints(t *testing.T) {
	s, srv := newTestServer(t, nil)

	var health map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &health))
	assert.Equal(t, "healthy", health["status"])

	conn, err := dialRoom(t, srv, "watched", "")
	require.NoError(t, err)
	defer conn.Close()
	send(t, conn, transport.FrameUpdate, docWithNote(t, "alice", "x").EncodeState())
	waitForRelay(t, func() bool { return s.store.LogLength("watched") == 1 }, "no update")

	var status map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/status", &status))
	assert.EqualValues(t, 1, status["rooms_live"])
	assert.EqualValues(t, 1, status["connections"])

	var rooms struct {
		Rooms []struct {
			Name     string `json:"name"`
			Resident bool   `json:"resident"`
			Conns    int    `json:"conns"`
		} `json:"rooms"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/rooms", &rooms))
	require.Len(t, rooms.Rooms, 1)
	assert.Equal(t, "watched", rooms.Rooms[0].Name)
	assert.True(t, rooms.Rooms[0].Resident)
	assert.Equal(t, 1, rooms.Rooms[0].Conns)

	var room map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/rooms/watched", &room))
	assert.EqualValues(t, 1, room["log_length"])
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/rooms/missing", nil))

	// Compaction collapses the log and reports what it purged.
	resp, err := http.Post(srv.URL+"/api/rooms/watched/compact", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result CompactionResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, 1, result.LogAfter)
}

func TestMonitorTokenGate(t *testing.T) {
	_, srv := newTestServer(t, func(cfg *Config) { cfg.MonitorToken = "observer-secret" })

	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", nil),
		"health stays open for load balancers")
	assert.Equal(t, http.StatusUnauthorized, getJSON(t, srv.URL+"/api/status", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/status?token=observer-secret", nil))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer observer-secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCompactRoomPurgesTombstones(t *testing.T) {
	s, _ := newTestServer(t, nil)
	room, err := s.reg.Get("gc")
	require.NoError(t, err)

	old := time.Now().Add(-40 * 24 * time.Hour).UnixMilli()
	room.doc.Transact(crdt.OriginRemote, func(tx *crdt.Txn) {
		tx.Put("item1", crdt.Notes, "n_live", crdt.Entry{
			Author: "alice", PushSeq: 1,
			Fields: map[string]string{crdt.FieldText: "keep"},
		})
		tx.Put("item1", crdt.Notes, "n_old", crdt.Entry{
			Author: "alice", PushSeq: 2, Deleted: true, DeletedAt: old,
		})
	})

	res := s.CompactRoom(room)
	assert.Equal(t, 1, res.Tombstones)
	assert.Equal(t, 1, res.LogAfter)
	_, ok := room.doc.GetEntry("item1", crdt.Notes, "n_live")
	assert.True(t, ok)
	_, ok = room.doc.GetEntry("item1", crdt.Notes, "n_old")
	assert.False(t, ok)
}
