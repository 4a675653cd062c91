package transport

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/troparcel/troparcel/internal/crdt"
)

var log = logrus.WithField("prefix", "transport")

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 45 * time.Second
	wsMaxMessageSize = 16 << 20

	reconnectBase = time.Second
	reconnectMax  = 60 * time.Second
	// Cap the shift so the backoff math never overflows; the delay is
	// already pinned at reconnectMax long before this.
	reconnectMaxFails = 16
)

// WebSocketConfig locates the relay room.
type WebSocketConfig struct {
	URL   string // base relay URL, ws:// or wss://
	Room  string
	Token string
}

// WebSocket is the primary transport: a full-duplex relay connection with a
// state-vector handshake on every (re)connect. It reconnects forever with
// exponential backoff until Disconnect or Destroy.
type WebSocket struct {
	cfg WebSocketConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	out       chan []byte
	cancel    context.CancelFunc
	connected bool
	destroyed bool
}

// NewWebSocket builds an unconnected adapter.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	return &WebSocket{cfg: cfg}
}

func (w *WebSocket) roomURL() (string, error) {
	u, err := url.Parse(w.cfg.URL)
	if err != nil {
		return "", err
	}
	u.Path = "/" + w.cfg.Room
	if w.cfg.Token != "" {
		q := u.Query()
		q.Set("token", w.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect starts the dial loop and returns immediately. Connection progress
// is reported through ev.OnStatus.
func (w *WebSocket) Connect(ctx context.Context, doc *crdt.Doc, ev Events) error {
	target, err := w.roomURL()
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.cancel != nil {
		w.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.out = make(chan []byte, 64)
	out := w.out
	w.mu.Unlock()

	go w.dialLoop(ctx, target, doc, ev, out)
	return nil
}

func (w *WebSocket) dialLoop(ctx context.Context, target string, doc *crdt.Doc, ev Events, out chan []byte) {
	fails := 0
	for {
		ev.status(StatusConnecting)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if fails < reconnectMaxFails {
				fails++
			}
			delay := reconnectBase << uint(fails-1)
			if delay > reconnectMax {
				delay = reconnectMax
			}
			log.WithError(err).WithField("retry_in", delay).Warn("relay dial failed")
			ev.status(StatusError)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		fails = 0

		w.mu.Lock()
		w.conn = conn
		w.connected = true
		w.mu.Unlock()
		ev.status(StatusConnected)

		w.serve(ctx, conn, doc, ev, out)

		w.mu.Lock()
		w.conn = nil
		w.connected = false
		w.mu.Unlock()
		ev.status(StatusDisconnected)

		if ctx.Err() != nil {
			return
		}
	}
}

// serve runs one connection to completion: handshake, then concurrent read
// and write pumps.
func (w *WebSocket) serve(ctx context.Context, conn *websocket.Conn, doc *crdt.Doc, ev Events, out chan []byte) {
	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go w.writePump(ctx, conn, done, out)
	defer func() {
		conn.Close()
		<-done
	}()

	// Open the sync handshake: announce what we have seen so the relay can
	// reply with only the missing delta.
	w.enqueue(out, EncodeFrame(FrameStateVector, doc.StateVector().Encode()))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("relay read ended")
			}
			return
		}
		kind, payload, err := DecodeFrame(data)
		if err != nil {
			log.WithError(err).Warn("dropping malformed frame")
			continue
		}
		switch kind {
		case FrameStateVector:
			sv, err := crdt.DecodeStateVector(payload)
			if err != nil {
				log.WithError(err).Warn("dropping bad state vector")
				continue
			}
			w.enqueue(out, EncodeFrame(FrameUpdate, doc.EncodeDelta(sv)))
		case FrameUpdate:
			ev.update(payload)
		case FrameAwareness:
			if ev.OnAwareness != nil {
				ev.OnAwareness(payload)
			}
		}
	}
}

func (w *WebSocket) writePump(ctx context.Context, conn *websocket.Conn, done chan<- struct{}, out chan []byte) {
	defer close(done)
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-out:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue buffers a frame, dropping the oldest when the queue is full. A
// dropped update is recovered by the state-vector handshake on reconnect.
func (w *WebSocket) enqueue(out chan []byte, frame []byte) {
	for {
		select {
		case out <- frame:
			return
		default:
			select {
			case <-out:
				log.Warn("outbound queue full, dropping oldest frame")
			default:
			}
		}
	}
}

// Send queues an update frame for the relay.
func (w *WebSocket) Send(update []byte) error {
	w.mu.Lock()
	out := w.out
	closed := w.destroyed || out == nil
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}
	w.enqueue(out, EncodeFrame(FrameUpdate, update))
	return nil
}

// SendAwareness queues an awareness frame. Awareness is ephemeral; it is
// silently dropped while disconnected.
func (w *WebSocket) SendAwareness(payload []byte) {
	w.mu.Lock()
	out := w.out
	ok := w.connected && out != nil
	w.mu.Unlock()
	if ok {
		w.enqueue(out, EncodeFrame(FrameAwareness, payload))
	}
}

// Disconnect stops the dial loop and closes any live connection. The adapter
// may be connected again later.
func (w *WebSocket) Disconnect() error {
	w.mu.Lock()
	cancel := w.cancel
	conn := w.conn
	w.cancel = nil
	w.out = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	return nil
}

// Destroy disconnects and makes the adapter permanently unusable.
func (w *WebSocket) Destroy() error {
	w.mu.Lock()
	w.destroyed = true
	w.mu.Unlock()
	return w.Disconnect()
}
