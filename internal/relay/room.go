package relay

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/troparcel/troparcel/internal/crdt"
	"github.com/troparcel/troparcel/internal/transport"
)

// ErrRoomLimit is returned when the server-wide room cap is reached.
var ErrRoomLimit = errors.New("relay: room limit reached")

// Event is one connect/disconnect/compaction record, kept for the SSE
// stream.
type Event struct {
	Time  time.Time `json:"time"`
	Kind  string    `json:"kind"`
	Conns int       `json:"conns"`
}

const eventHistory = 100

// Room is one replication group: its in-memory document, the connected
// clients, and a small event log. The document itself is concurrency-safe;
// the room lock covers membership and fan-out.
type Room struct {
	Name string

	mu         sync.Mutex
	doc        *crdt.Doc
	clients    map[*client]struct{}
	events     []Event
	subs       map[chan Event]struct{}
	emptySince time.Time
	createdAt  time.Time
}

func newRoom(name string) *Room {
	return &Room{
		Name:       name,
		doc:        crdt.New(),
		clients:    make(map[*client]struct{}),
		subs:       make(map[chan Event]struct{}),
		emptySince: time.Now(),
		createdAt:  time.Now(),
	}
}

// Doc returns the room's document.
func (r *Room) Doc() *crdt.Doc { return r.doc }

// Conns returns the number of connected clients.
func (r *Room) Conns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Room) attach(c *client) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	n := len(r.clients)
	r.mu.Unlock()
	r.record(Event{Time: time.Now(), Kind: "connect", Conns: n})
}

func (r *Room) detach(c *client) {
	r.mu.Lock()
	delete(r.clients, c)
	n := len(r.clients)
	if n == 0 {
		r.emptySince = time.Now()
	}
	r.mu.Unlock()
	r.record(Event{Time: time.Now(), Kind: "disconnect", Conns: n})
}

// idleFor reports how long the room has been empty; zero while occupied.
func (r *Room) idleFor(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) > 0 {
		return 0
	}
	return now.Sub(r.emptySince)
}

// fanOut sends a frame to every client except the origin.
func (r *Room) fanOut(from *client, frame []byte) {
	r.mu.Lock()
	targets := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		if c != from {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()
	for _, c := range targets {
		c.enqueue(frame)
	}
}

// record appends to the event ring and notifies SSE subscribers.
func (r *Room) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	if len(r.events) > eventHistory {
		r.events = r.events[len(r.events)-eventHistory:]
	}
	subs := make([]chan Event, 0, len(r.subs))
	for ch := range r.subs {
		subs = append(subs, ch)
	}
	r.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default: // a slow SSE consumer never blocks the room
		}
	}
}

// SubscribeEvents returns the recorded history plus a live channel, and an
// unsubscribe function.
func (r *Room) SubscribeEvents() (history []Event, live chan Event, unsubscribe func()) {
	ch := make(chan Event, 16)
	r.mu.Lock()
	history = append([]Event(nil), r.events...)
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return history, ch, func() {
		r.mu.Lock()
		delete(r.subs, ch)
		r.mu.Unlock()
	}
}

// ─── Registry ────────────────────────────────────────────────────────────────

// Registry owns the live rooms, loading them from persistence on first
// connection and sweeping them out after the idle grace.
type Registry struct {
	cfg   Config
	store *Store

	mu    sync.Mutex
	rooms map[string]*Room

	done chan struct{}
	once sync.Once
}

// NewRegistry starts the registry and its idle-sweep goroutine.
func NewRegistry(cfg Config, store *Store) *Registry {
	reg := &Registry{
		cfg:   cfg,
		store: store,
		rooms: make(map[string]*Room),
		done:  make(chan struct{}),
	}
	go reg.sweep()
	return reg
}

// Get returns the live room, loading its persisted log on first use.
// Fails with ErrRoomLimit when a new room would exceed the cap.
func (reg *Registry) Get(name string) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if room, ok := reg.rooms[name]; ok {
		return room, nil
	}
	if len(reg.rooms) >= reg.cfg.MaxRooms {
		return nil, ErrRoomLimit
	}
	room := newRoom(name)
	replayed, err := reg.store.LoadRoom(name, room.doc)
	if err != nil {
		return nil, errors.Wrapf(err, "load room %s", name)
	}
	if replayed > 0 {
		log.WithFields(map[string]any{"room": name, "records": replayed}).
			Info("room restored from persistence")
	}
	reg.rooms[name] = room
	roomsGauge.Set(float64(len(reg.rooms)))
	return room, nil
}

// Peek returns a live room without loading it.
func (reg *Registry) Peek(name string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.rooms[name]
	return room, ok
}

// Live returns the names of all resident rooms.
func (reg *Registry) Live() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	names := make([]string, 0, len(reg.rooms))
	for name := range reg.rooms {
		names = append(names, name)
	}
	return names
}

// sweep drops rooms that stayed empty past the idle grace, flushing their
// document to a single compact record first.
func (reg *Registry) sweep() {
	ticker := time.NewTicker(roomIdleGrace / 2)
	defer ticker.Stop()
	for {
		select {
		case <-reg.done:
			return
		case now := <-ticker.C:
			reg.mu.Lock()
			for name, room := range reg.rooms {
				if room.idleFor(now) < roomIdleGrace {
					continue
				}
				if err := reg.store.ReplaceWithState(name, room.doc.EncodeState()); err != nil {
					log.WithError(err).WithField("room", name).Warn("flush on eviction failed")
					continue
				}
				delete(reg.rooms, name)
				log.WithField("room", name).Info("idle room evicted")
			}
			roomsGauge.Set(float64(len(reg.rooms)))
			reg.mu.Unlock()
		}
	}
}

// Close stops the sweeper and flushes every resident room.
func (reg *Registry) Close() {
	reg.once.Do(func() { close(reg.done) })
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for name, room := range reg.rooms {
		if err := reg.store.ReplaceWithState(name, room.doc.EncodeState()); err != nil {
			log.WithError(err).WithField("room", name).Warn("flush on shutdown failed")
		}
	}
	reg.rooms = make(map[string]*Room)
}

// handleUpdate applies one inbound update, persists it, and fans it out.
func (reg *Registry) handleUpdate(room *Room, from *client, payload []byte) {
	if err := room.doc.ApplyUpdate(payload, crdt.OriginRemote); err != nil {
		log.WithError(err).WithFields(map[string]any{
			"room": room.Name, "ip": MaskIP(from.ip),
		}).Warn("rejected malformed update")
		return
	}
	if err := reg.store.AppendUpdate(room.Name, payload); err != nil {
		log.WithError(err).WithField("room", room.Name).Error("persist update failed")
	}
	updatesTotal.WithLabelValues(room.Name).Inc()
	updateBytes.WithLabelValues(room.Name).Add(float64(len(payload)))
	room.fanOut(from, transport.EncodeFrame(transport.FrameUpdate, payload))
}
