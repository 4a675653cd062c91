package relay

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/troparcel/troparcel/internal/crdt"
	"github.com/troparcel/troparcel/internal/transport"
)

// Application close codes sent before dropping a rejected connection.
const (
	CloseBadRequest   = 4000
	CloseUnauthorized = 4001
	CloseRoomLimit    = 4002
	CloseIPLimit      = 4003
)

const (
	serverWriteWait  = 10 * time.Second
	serverPongWait   = 60 * time.Second
	serverPingPeriod = 45 * time.Second
	serverMaxMessage = 16 << 20
	clientQueueSize  = 64
)

// Server is the relay process: websocket endpoint, room registry, and the
// monitoring surface, all on one listener.
type Server struct {
	cfg   Config
	store *Store
	reg   *Registry

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	started  time.Time

	ipMu    sync.Mutex
	ipConns map[string]int
}

// NewServer wires the relay together. The caller owns the store's lifetime.
func NewServer(cfg Config, store *Store) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		reg:     NewRegistry(cfg, store),
		started: time.Now(),
		ipConns: make(map[string]int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are native apps, not browsers; origin checks add nothing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	return s
}

// Registry exposes the room registry, mainly for the monitor handlers.
func (s *Server) Registry() *Registry { return s.reg }

// Router builds the full HTTP surface: monitoring routes plus the websocket
// fallthrough for /<room> paths.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(), recovery())
	s.monitorRoutes(router)
	router.NoRoute(s.handleWebSocket)
	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.corsWrap(s.Router()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("relay listening")
		errc <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "relay serve")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	s.reg.Close()
	return nil
}

// handleWebSocket upgrades /<room> requests. Rejections are delivered as
// application close codes so clients can tell auth failures from capacity.
func (s *Server) handleWebSocket(c *gin.Context) {
	path := strings.Trim(c.Request.URL.Path, "/")
	if path == "" || strings.Contains(path, "/") {
		s.reject(c, CloseBadRequest, "bad room path")
		return
	}
	room := SanitizeRoomName(path)
	if room == "default" && path != "default" {
		log.WithField("requested", path).Warn("room name reduced to the shared default room")
	}

	if !s.authorized(room, c.Query("token")) {
		s.reject(c, CloseUnauthorized, "unauthorized")
		return
	}

	ip := clientIP(c.Request)
	if !s.acquireIP(ip) {
		s.reject(c, CloseIPLimit, "too many connections")
		return
	}

	r, err := s.reg.Get(room)
	if err != nil {
		s.releaseIP(ip)
		if errors.Is(err, ErrRoomLimit) {
			s.reject(c, CloseRoomLimit, "room limit reached")
		} else {
			log.WithError(err).WithField("room", room).Error("room load failed")
			c.AbortWithStatus(http.StatusInternalServerError)
		}
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.releaseIP(ip)
		log.WithError(err).WithField("ip", MaskIP(ip)).Debug("upgrade failed")
		return
	}

	cl := &client{
		conn: conn,
		ip:   ip,
		send: make(chan []byte, clientQueueSize),
		done: make(chan struct{}),
	}
	r.attach(cl)
	connectsTotal.Inc()
	connsGauge.Inc()
	log.WithFields(map[string]any{"room": room, "ip": MaskIP(ip)}).Info("peer connected")

	go cl.writePump()
	s.readPump(r, cl)

	r.detach(cl)
	s.releaseIP(ip)
	connsGauge.Dec()
	cl.close()
	log.WithFields(map[string]any{"room": room, "ip": MaskIP(ip)}).Info("peer disconnected")
}

// reject upgrades just far enough to deliver the close code, then drops the
// connection. Metric reasons match the close code names.
func (s *Server) reject(c *gin.Context, code int, reason string) {
	rejectsTotal.WithLabelValues(reason).Inc()
	log.WithFields(map[string]any{
		"ip": MaskIP(clientIP(c.Request)), "code": code, "reason": reason,
	}).Info("connection rejected")
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(serverWriteWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	conn.Close()
}

// authorized checks the room's shared token with a constant-time compare.
// Rooms without a configured token are open.
func (s *Server) authorized(room, token string) bool {
	want, ok := s.cfg.AuthTokens[room]
	if !ok {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
}

func (s *Server) acquireIP(ip string) bool {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	if s.ipConns[ip] >= s.cfg.MaxConnsPerIP {
		return false
	}
	s.ipConns[ip]++
	return true
}

func (s *Server) releaseIP(ip string) {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	if s.ipConns[ip] <= 1 {
		delete(s.ipConns, ip)
	} else {
		s.ipConns[ip]--
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// readPump consumes one client's frames until the connection drops.
func (s *Server) readPump(r *Room, cl *client) {
	cl.conn.SetReadLimit(serverMaxMessage)
	cl.conn.SetReadDeadline(time.Now().Add(serverPongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(serverPongWait))
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		kind, payload, err := transport.DecodeFrame(data)
		if err != nil {
			log.WithField("ip", MaskIP(cl.ip)).Warn("dropping malformed frame")
			continue
		}
		switch kind {
		case transport.FrameStateVector:
			s.handshake(r, cl, payload)
		case transport.FrameUpdate:
			s.reg.handleUpdate(r, cl, payload)
		case transport.FrameAwareness:
			// Ephemeral, never persisted.
			r.fanOut(cl, transport.EncodeFrame(transport.FrameAwareness, payload))
		}
	}
}

// handshake answers a peer's state vector with the delta it is missing plus
// the room's own vector, so the peer can send its missing half back.
func (s *Server) handshake(r *Room, cl *client, payload []byte) {
	sv, err := crdt.DecodeStateVector(payload)
	if err != nil {
		log.WithField("ip", MaskIP(cl.ip)).Warn("dropping bad state vector")
		return
	}
	cl.enqueue(transport.EncodeFrame(transport.FrameUpdate, r.doc.EncodeDelta(sv)))
	cl.enqueue(transport.EncodeFrame(transport.FrameStateVector, r.doc.StateVector().Encode()))
}

// ─── client ──────────────────────────────────────────────────────────────────

type client struct {
	conn *websocket.Conn
	ip   string

	send chan []byte
	done chan struct{}
	once sync.Once
}

// enqueue buffers a frame for the client, dropping the oldest when its queue
// is full; the next state-vector handshake recovers anything dropped.
func (c *client) enqueue(frame []byte) {
	for {
		select {
		case c.send <- frame:
			return
		default:
			select {
			case <-c.send:
				log.WithField("ip", MaskIP(c.ip)).Warn("slow client, dropping oldest frame")
			default:
			}
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(serverPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(serverWriteWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(serverWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close signals the write pump and drops the connection. The send channel is
// left open; enqueue from a stale fan-out snapshot is harmless.
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
