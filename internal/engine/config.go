package engine

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/troparcel/troparcel/internal/transport"
)

// Defaults for the timing knobs. A zero SafetyNetInterval disables the
// safety-net pass entirely.
const (
	DefaultDebounce          = 2 * time.Second
	DefaultSafetyNetInterval = 120 * time.Second
)

// FallbackRoom is used when no room name survives parsing. Two peers that
// both fall through to it become collaborators, which may not be intended,
// so startup flags it loudly.
const FallbackRoom = "default"

// Config assembles one peer engine. Room, UserID and a connection (URI or a
// prebuilt transport) are required; everything else has defaults.
type Config struct {
	Room   string
	UserID string

	// URI is the troparcel:// connection string. Individual Connection
	// fields set on Conn override parsed values; an empty URI means Conn is
	// used as-is.
	URI  string
	Conn *Connection

	// DataDir holds the vault and backup journal. Defaults to
	// ~/.troparcel.
	DataDir string

	Debounce          time.Duration
	SafetyNetInterval time.Duration

	MaxNoteSize     int
	MaxMetadataSize int
	MaxBackups      int

	// OnState receives engine state transitions. OnNotify receives short
	// user-facing notices (dismissals, remote applies, retractions). Both
	// are optional and must not block.
	OnState  func(State)
	OnNotify func(Notification)
}

// Notification is a toast-like user notice. Raw error traces never travel
// through this surface.
type Notification struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (c *Config) withDefaults() (Config, error) {
	out := *c
	if out.UserID == "" {
		return out, errors.New("engine: user id is required")
	}
	if out.Room == "" {
		log.WithField("room", FallbackRoom).
			Warn("no room configured, falling back; peers using the same fallback will share a document")
		out.Room = FallbackRoom
	}
	if out.URI != "" {
		conn, err := ParseURI(out.URI)
		if err != nil {
			return out, err
		}
		if conn != nil {
			out.Conn = conn.overlay(c.Conn)
		}
	}
	if out.Conn == nil {
		return out, errors.New("engine: no connection configured")
	}
	if out.Room == FallbackRoom && out.Conn.Room != "" {
		out.Room = out.Conn.Room
	}
	if out.Conn.Room == "" {
		out.Conn.Room = out.Room
	}
	if out.DataDir == "" {
		out.DataDir = defaultDataDir()
	}
	if out.Debounce <= 0 {
		out.Debounce = DefaultDebounce
	}
	if out.SafetyNetInterval < 0 {
		out.SafetyNetInterval = 0
	}
	return out, nil
}

// VaultDir and BackupDir locate the per-peer on-disk state.
func (c Config) VaultDir() string  { return filepath.Join(c.DataDir, "vault") }
func (c Config) BackupDir() string { return filepath.Join(c.DataDir, "backups") }

// ─── Connection strings ──────────────────────────────────────────────────────

// TransportKind selects one of the shipped transports.
type TransportKind string

const (
	TransportWS       TransportKind = "ws"
	TransportWSS      TransportKind = "wss"
	TransportFile     TransportKind = "file"
	TransportSnapshot TransportKind = "snapshot"
)

// Connection is the resolved transport target.
type Connection struct {
	Kind  TransportKind
	URL   string // ws/wss relay base or snapshot endpoint
	Room  string
	Token string // relay room token or snapshot bearer
	Path  string // exchange directory for the file transport
}

// overlay returns conn with any non-zero fields of explicit taking
// precedence.
func (conn *Connection) overlay(explicit *Connection) *Connection {
	out := *conn
	if explicit == nil {
		return &out
	}
	if explicit.Kind != "" {
		out.Kind = explicit.Kind
	}
	if explicit.URL != "" {
		out.URL = explicit.URL
	}
	if explicit.Room != "" {
		out.Room = explicit.Room
	}
	if explicit.Token != "" {
		out.Token = explicit.Token
	}
	if explicit.Path != "" {
		out.Path = explicit.Path
	}
	return &out
}

const uriScheme = "troparcel://"

// ParseURI resolves a troparcel:// connection string:
//
//	troparcel://<transport>/<target>[?<params>]
//	  ws, wss:   target = host[:port][/room]     param token=<t>
//	  file:      target = <path>                 room derived from the dir
//	  snapshot:  target = <full https url>       param auth=<bearer>
//
// The empty string parses to nil: configuration falls back to individual
// fields.
func ParseURI(uri string) (*Connection, error) {
	if uri == "" {
		return nil, nil
	}
	if !strings.HasPrefix(uri, uriScheme) {
		return nil, errors.Errorf("engine: connection string must start with %s", uriScheme)
	}
	rest := strings.TrimPrefix(uri, uriScheme)

	var query url.Values
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		q, err := url.ParseQuery(rest[i+1:])
		if err != nil {
			return nil, errors.Wrap(err, "engine: bad connection params")
		}
		query = q
		rest = rest[:i]
	}

	kind, target, _ := strings.Cut(rest, "/")
	switch TransportKind(kind) {
	case TransportWS, TransportWSS:
		host, room, _ := strings.Cut(target, "/")
		if host == "" {
			return nil, errors.New("engine: ws connection string needs a host")
		}
		return &Connection{
			Kind:  TransportKind(kind),
			URL:   kind + "://" + host,
			Room:  room,
			Token: query.Get("token"),
		}, nil
	case TransportFile:
		if target == "" {
			return nil, errors.New("engine: file connection string needs a path")
		}
		path := "/" + target
		return &Connection{
			Kind: TransportFile,
			Path: path,
			Room: filepath.Base(path),
		}, nil
	case TransportSnapshot:
		if target == "" {
			return nil, errors.New("engine: snapshot connection string needs a url")
		}
		return &Connection{
			Kind:  TransportSnapshot,
			URL:   target,
			Token: query.Get("auth"),
		}, nil
	default:
		return nil, errors.Errorf("engine: unknown transport %q", kind)
	}
}

// BuildTransport constructs the adapter the connection describes.
func (conn *Connection) BuildTransport(userID string) (transport.Adapter, error) {
	switch conn.Kind {
	case TransportWS, TransportWSS:
		return transport.NewWebSocket(transport.WebSocketConfig{
			URL:   conn.URL,
			Room:  conn.Room,
			Token: conn.Token,
		}), nil
	case TransportFile:
		return transport.NewFolder(transport.FolderConfig{
			Dir:    conn.Path,
			PeerID: userID,
		}), nil
	case TransportSnapshot:
		return transport.NewSnapshot(transport.SnapshotConfig{
			URL:   conn.URL,
			Token: conn.Token,
		}), nil
	default:
		return nil, errors.Errorf("engine: unknown transport %q", conn.Kind)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".troparcel"
	}
	return filepath.Join(home, ".troparcel")
}
