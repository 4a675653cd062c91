package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/troparcel/troparcel/internal/crdt"
)

// SnapshotConfig locates the HTTP snapshot endpoint.
type SnapshotConfig struct {
	URL      string
	Token    string        // optional bearer token
	Interval time.Duration // defaults to DefaultSnapshotInterval
}

// DefaultSnapshotInterval is the polling cadence of the snapshot transport.
const DefaultSnapshotInterval = time.Minute

// Snapshot is the coarse fallback transport: it periodically fetches the
// full encoded document from an HTTP endpoint, merges it, and stores its own
// full state back. Convergence makes the blind exchange safe; the cost is
// bandwidth, so this transport suits small rooms behind restrictive
// networks.
type Snapshot struct {
	cfg    SnapshotConfig
	client *http.Client

	mu        sync.Mutex
	cancel    context.CancelFunc
	dirty     bool
	destroyed bool
}

// NewSnapshot builds an unconnected adapter.
func NewSnapshot(cfg SnapshotConfig) *Snapshot {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSnapshotInterval
	}
	return &Snapshot{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Connect starts the exchange loop: one immediate cycle, then one per
// interval.
func (s *Snapshot) Connect(ctx context.Context, doc *crdt.Doc, ev Events) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go s.loop(ctx, doc, ev)
	return nil
}

func (s *Snapshot) loop(ctx context.Context, doc *crdt.Doc, ev Events) {
	ev.status(StatusConnecting)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	first := true
	for {
		if err := s.cycle(ctx, doc, ev); err != nil {
			if ctx.Err() != nil {
				ev.status(StatusDisconnected)
				return
			}
			log.WithError(err).Warn("snapshot exchange failed")
			ev.status(StatusError)
		} else if first {
			ev.status(StatusConnected)
			first = false
		}

		select {
		case <-ctx.Done():
			ev.status(StatusDisconnected)
			return
		case <-ticker.C:
		}
	}
}

// cycle fetches the remote state, hands it to the engine, and pushes our
// full state back when we hold anything new.
func (s *Snapshot) cycle(ctx context.Context, doc *crdt.Doc, ev Events) error {
	remote, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	if len(remote) > 0 {
		ev.update(remote)
	}

	s.mu.Lock()
	dirty := s.dirty
	s.dirty = false
	s.mu.Unlock()

	// Store when we have local changes, or on a fresh endpoint that holds
	// nothing yet.
	if !dirty && len(remote) > 0 {
		return nil
	}
	state := doc.EncodeState()
	if err := s.store(ctx, state); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Snapshot) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	s.auth(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch snapshot")
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(io.LimitReader(resp.Body, wsMaxMessageSize))
	case http.StatusNotFound, http.StatusNoContent:
		return nil, nil
	default:
		return nil, errors.Errorf("fetch snapshot: status %d", resp.StatusCode)
	}
}

func (s *Snapshot) store(ctx context.Context, state []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.cfg.URL, bytes.NewReader(state))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	s.auth(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "store snapshot")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("store snapshot: status %d", resp.StatusCode)
	}
	return nil
}

func (s *Snapshot) auth(req *http.Request) {
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
}

// Send marks the document dirty; the next cycle uploads the full state. The
// update payload itself is not used, full-state exchange subsumes it.
func (s *Snapshot) Send([]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.cancel == nil {
		return ErrClosed
	}
	s.dirty = true
	return nil
}

// Disconnect stops the exchange loop.
func (s *Snapshot) Disconnect() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Destroy disconnects permanently.
func (s *Snapshot) Destroy() error {
	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()
	return s.Disconnect()
}
