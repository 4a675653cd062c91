// Package transport moves opaque document updates between a peer and its
// replication group. Three adapters share one interface: a full-duplex
// websocket to the relay, a shared-folder exchange, and a coarse HTTP
// snapshot. Adapters never parse update payloads; they frame bytes and, for
// the sync handshake, ask the document itself for vectors and deltas.
package transport

import (
	"context"

	"github.com/pkg/errors"

	"github.com/troparcel/troparcel/internal/crdt"
)

// Frame kinds on the wire. A frame is one kind byte followed by the payload.
const (
	FrameStateVector byte = 0x01
	FrameUpdate      byte = 0x02
	FrameAwareness   byte = 0x03
)

// ErrFrame reports an empty or unknown frame.
var ErrFrame = errors.New("transport: bad frame")

// ErrClosed is returned by Send after Disconnect or Destroy.
var ErrClosed = errors.New("transport: closed")

// EncodeFrame prefixes payload with its kind byte.
func EncodeFrame(kind byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, kind)
	return append(out, payload...)
}

// DecodeFrame splits a frame into kind and payload.
func DecodeFrame(data []byte) (byte, []byte, error) {
	if len(data) == 0 {
		return 0, nil, ErrFrame
	}
	kind := data[0]
	if kind < FrameStateVector || kind > FrameAwareness {
		return 0, nil, errors.Wrapf(ErrFrame, "kind 0x%02x", kind)
	}
	return kind, data[1:], nil
}

// Status describes the connection state surfaced to the user.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Events are the callbacks an adapter fires. OnUpdate delivers raw update
// payloads; the engine applies them under its mutex. OnPeers and OnAwareness
// are optional.
type Events struct {
	OnUpdate    func(update []byte)
	OnStatus    func(Status)
	OnPeers     func(count int)
	OnAwareness func(payload []byte)
}

func (ev Events) status(s Status) {
	if ev.OnStatus != nil {
		ev.OnStatus(s)
	}
}

func (ev Events) update(u []byte) {
	if ev.OnUpdate != nil {
		ev.OnUpdate(u)
	}
}

// Adapter is the transport contract. Connect may return before the link is
// up; adapters reconnect on their own and report through OnStatus.
// Disconnect drops the link but allows a later Connect; Destroy is final.
type Adapter interface {
	Connect(ctx context.Context, doc *crdt.Doc, ev Events) error
	Send(update []byte) error
	Disconnect() error
	Destroy() error
}
