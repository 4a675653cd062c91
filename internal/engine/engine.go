// Package engine runs one peer of the collaboration layer: it watches the
// host application through the store adapter, pushes local edits into the
// replicated document, applies remote updates back into the host, and keeps
// the per-peer vault consistent. All mutation is serialised behind a FIFO
// lock; feedback loops are broken three ways (an applying-remote flag on the
// change listener, adapter-level suppression, and origin tags on document
// transactions).
package engine

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/troparcel/troparcel/internal/adapter"
	"github.com/troparcel/troparcel/internal/backup"
	"github.com/troparcel/troparcel/internal/crdt"
	"github.com/troparcel/troparcel/internal/transport"
	"github.com/troparcel/troparcel/internal/vault"
)

var log = logrus.WithField("prefix", "engine")

// State is the engine lifecycle phase.
type State string

const (
	StateIdle           State = "idle"
	StateWaitingForHost State = "waiting_for_host"
	StateConnecting     State = "connecting"
	StateReady          State = "ready"
	StateSyncing        State = "syncing"
	StateStopped        State = "stopped"
)

// stopGrace bounds how long Stop waits for an in-flight push or apply before
// abandoning it. Abandoned cycles cannot corrupt state: the document merge is
// idempotent and the vault flushes what it has.
const stopGrace = 5 * time.Second

const vaultFlushInterval = 30 * time.Second

// Engine owns the document, vault, backup journal and transport for one
// (room, user) pair. The store adapter is a borrowed handle into the host.
type Engine struct {
	cfg       Config
	store     adapter.StoreAdapter
	tr        transport.Adapter
	doc       *crdt.Doc
	vlt       *vault.Vault
	journal   *backup.Journal
	validator *backup.Validator
	lock      *FIFOLock

	mu       sync.Mutex
	state    State
	lastSent crdt.StateVector
	debounce *time.Timer

	applyingRemote atomic.Bool
	pushQueued     atomic.Bool

	// pending collects remote-origin document changes; touched only on the
	// worker goroutine during applyCycle.
	pending []crdt.Change

	incoming chan []byte
	pushReq  chan struct{}

	ctx        context.Context
	cancel     context.CancelFunc
	inflight   sync.WaitGroup
	unsubStore func()
	unobserve  func()
	stopVault  func()
	started    bool
	stopOnce   sync.Once
}

// New builds an engine with the transport described by the configuration.
func New(cfg Config, store adapter.StoreAdapter) (*Engine, error) {
	resolved, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	tr, err := resolved.Conn.BuildTransport(resolved.UserID)
	if err != nil {
		return nil, err
	}
	return newEngine(resolved, store, tr), nil
}

// NewWithTransport builds an engine around a prebuilt transport. Conn may be
// nil in this case.
func NewWithTransport(cfg Config, store adapter.StoreAdapter, tr transport.Adapter) (*Engine, error) {
	if cfg.Conn == nil && cfg.URI == "" {
		cfg.Conn = &Connection{Kind: TransportWS}
	}
	resolved, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return newEngine(resolved, store, tr), nil
}

func newEngine(cfg Config, store adapter.StoreAdapter, tr transport.Adapter) *Engine {
	validator := backup.NewValidator()
	if cfg.MaxNoteSize > 0 {
		validator.MaxNoteSize = cfg.MaxNoteSize
	}
	if cfg.MaxMetadataSize > 0 {
		validator.MaxMetadataSize = cfg.MaxMetadataSize
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		tr:        tr,
		doc:       crdt.New(),
		validator: validator,
		lock:     NewFIFOLock(),
		state:    StateIdle,
		incoming: make(chan []byte, 256),
		pushReq:  make(chan struct{}, 1),
	}
}

// Doc exposes the replicated document, mainly for diagnostics and tests.
func (e *Engine) Doc() *crdt.Doc { return e.doc }

// Vault exposes the per-peer vault for diagnostics.
func (e *Engine) Vault() *vault.Vault { return e.vlt }

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	if e.state == StateStopped || e.state == s {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()
	if e.cfg.OnState != nil {
		e.cfg.OnState(s)
	}
}

func (e *Engine) notify(kind, message string) {
	if e.cfg.OnNotify != nil {
		e.cfg.OnNotify(Notification{Kind: kind, Message: message})
	}
}

// Start brings the engine up: probe the host, open the vault and journal,
// subscribe to host changes, connect the transport, and run an initial push.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started || e.state == StateStopped {
		e.mu.Unlock()
		return errors.New("engine: already started or stopped")
	}
	e.started = true
	e.mu.Unlock()

	e.setState(StateWaitingForHost)
	if _, err := e.store.ListItems(); err != nil {
		e.setState(StateStopped)
		return errors.Wrap(err, "engine: host not ready")
	}

	e.setState(StateConnecting)
	vlt, err := vault.Open(e.cfg.VaultDir(), e.cfg.Room, e.cfg.UserID)
	if err != nil {
		e.setState(StateStopped)
		return err
	}
	e.vlt = vlt
	e.stopVault = vlt.AutoFlush(vaultFlushInterval)

	journal, err := backup.NewJournal(
		filepath.Join(e.cfg.BackupDir(), vault.SafeName(e.cfg.Room)), e.cfg.MaxBackups)
	if err != nil {
		e.setState(StateStopped)
		return err
	}
	e.journal = journal

	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))

	e.unobserve = e.doc.Observe(func(u crdt.Update) {
		if u.Origin == crdt.OriginRemote {
			e.pending = append(e.pending, u.Changes...)
		}
	})

	e.unsubStore = e.store.Subscribe(func() {
		if e.applyingRemote.Load() {
			return
		}
		e.schedulePush()
	})

	err = e.tr.Connect(e.ctx, e.doc, transport.Events{
		OnUpdate: e.enqueueUpdate,
		OnStatus: func(s transport.Status) {
			log.WithField("status", s).Debug("transport status")
			if s == transport.StatusConnected {
				e.setState(StateReady)
			}
		},
	})
	if err != nil {
		e.setState(StateStopped)
		return errors.Wrap(err, "engine: transport connect")
	}

	go e.run()
	e.setState(StateReady)
	e.requestPush()
	return nil
}

// enqueueUpdate hands a remote update to the worker, dropping the oldest
// when the queue is full. A dropped update is recovered by the state-vector
// handshake on the next reconnect.
func (e *Engine) enqueueUpdate(update []byte) {
	buf := append([]byte(nil), update...)
	for {
		select {
		case e.incoming <- buf:
			return
		default:
			select {
			case <-e.incoming:
				log.Warn("apply queue full, dropping oldest update")
			default:
			}
		}
	}
}

// schedulePush restarts the debounce timer; the push fires after a quiet
// period.
func (e *Engine) schedulePush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateStopped {
		return
	}
	if e.debounce == nil {
		e.debounce = time.AfterFunc(e.cfg.Debounce, e.requestPush)
		return
	}
	e.debounce.Reset(e.cfg.Debounce)
}

// requestPush queues a push without debouncing.
func (e *Engine) requestPush() {
	e.pushQueued.Store(true)
	select {
	case e.pushReq <- struct{}{}:
	default:
	}
}

// run is the single worker: it serialises pushes and applies behind the FIFO
// lock, in arrival order.
func (e *Engine) run() {
	var safety <-chan time.Time
	if e.cfg.SafetyNetInterval > 0 {
		t := time.NewTicker(e.cfg.SafetyNetInterval)
		defer t.Stop()
		safety = t.C
	}

	for {
		select {
		case <-e.ctx.Done():
			return
		case update := <-e.incoming:
			e.withLock("apply", func() error { return e.applyCycle(update) })
		case <-e.pushReq:
			e.runPush()
		case <-safety:
			// Full diff-and-push to catch anything the subscribe
			// mechanism missed.
			e.runPush()
		}
	}
}

func (e *Engine) runPush() {
	// The queued flag must clear on every path, including lock failure.
	defer e.pushQueued.Store(false)
	e.withLock("push", func() error { return e.pushCycle() })
}

func (e *Engine) withLock(op string, fn func() error) {
	e.inflight.Add(1)
	defer e.inflight.Done()

	release, err := e.lock.Acquire(e.ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrLockClosed) {
			log.WithError(err).WithField("op", op).Warn("lock acquisition failed")
		}
		return
	}
	defer release()

	e.setState(StateSyncing)
	if err := fn(); err != nil {
		log.WithError(err).WithField("op", op).Warn("cycle failed")
	}
	e.setState(StateReady)
}

// broadcast sends everything peers have not seen yet and advances the sent
// vector. Called at the end of a push cycle, under the lock.
func (e *Engine) broadcast() error {
	sv := e.doc.StateVector()
	delta := e.doc.EncodeDelta(e.lastSent)
	e.lastSent = sv
	if len(delta) <= 3 { // header only, nothing new
		return nil
	}
	return e.tr.Send(delta)
}

// absorb marks the current document state as already shared, so applied
// remote entries are not echoed back. Called at the end of an apply cycle,
// under the lock.
func (e *Engine) absorb() {
	e.lastSent = e.doc.StateVector()
}

// Flush runs one immediate push cycle, bypassing the debounce. Used by the
// safety net in tests and by hosts that want a synchronous sync point.
func (e *Engine) Flush() {
	e.withLock("flush", func() error { return e.pushCycle() })
}

// Stop shuts the engine down: cancel timers, await in-flight work up to
// stopGrace (then abandon it), flush the vault, disconnect the transport.
// Safe to call in any state and idempotent; before Start it is a no-op.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		wasStarted := e.started
		if e.debounce != nil {
			e.debounce.Stop()
		}
		e.state = StateStopped
		e.mu.Unlock()
		if e.cfg.OnState != nil {
			e.cfg.OnState(StateStopped)
		}
		if !wasStarted {
			return
		}

		if e.unsubStore != nil {
			e.unsubStore()
		}
		if e.cancel != nil {
			e.cancel()
		}

		done := make(chan struct{})
		go func() {
			e.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(stopGrace):
			log.Warn("abandoning in-flight sync cycle on stop")
		}

		e.lock.Close()
		if e.unobserve != nil {
			e.unobserve()
		}
		if e.stopVault != nil {
			e.stopVault()
		}
		if e.vlt != nil {
			if err := e.vlt.Flush(); err != nil {
				log.WithError(err).Warn("final vault flush failed")
			}
		}
		if err := e.tr.Disconnect(); err != nil {
			log.WithError(err).Warn("transport disconnect failed")
		}
	})
}
