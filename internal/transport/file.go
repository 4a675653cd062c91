package transport

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/troparcel/troparcel/internal/crdt"
)

const (
	updateExt = ".tpu"
	// Fallback poll for filesystems where inotify is unreliable (network
	// mounts, synced folders).
	filePollInterval = 5 * time.Second
)

// FolderConfig locates the shared exchange directory.
type FolderConfig struct {
	Dir    string
	PeerID string // distinguishes this peer's files from the others'
}

// Folder replicates through a shared directory: each peer appends update
// files named <peerID>-<seq>.tpu and ingests every file written by other
// peers. Watching combines fsnotify with a poll ticker.
type Folder struct {
	cfg FolderConfig

	mu        sync.Mutex
	cancel    context.CancelFunc
	seq       uint64
	seen      map[string]struct{}
	destroyed bool
}

// NewFolder builds an unconnected adapter.
func NewFolder(cfg FolderConfig) *Folder {
	return &Folder{cfg: cfg, seen: make(map[string]struct{})}
}

// Connect ensures the directory exists, ingests its backlog, and starts
// watching for new update files.
func (f *Folder) Connect(ctx context.Context, doc *crdt.Doc, ev Events) error {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return ErrClosed
	}
	if f.cancel != nil {
		f.mu.Unlock()
		return nil
	}
	if err := os.MkdirAll(f.cfg.Dir, 0o755); err != nil {
		f.mu.Unlock()
		return errors.Wrap(err, "create exchange dir")
	}
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.mu.Unlock()

	ev.status(StatusConnecting)
	f.scan(ev)
	ev.status(StatusConnected)

	go f.watch(ctx, ev)
	return nil
}

func (f *Folder) watch(ctx context.Context, ev Events) {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err = watcher.Add(f.cfg.Dir); err != nil {
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}
	if watcher == nil {
		log.WithError(err).Warn("fsnotify unavailable, falling back to polling only")
	} else {
		defer watcher.Close()
	}

	ticker := time.NewTicker(filePollInterval)
	defer ticker.Stop()

	events := make(<-chan fsnotify.Event)
	watchErrs := make(<-chan error)
	if watcher != nil {
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			ev.status(StatusDisconnected)
			return
		case e := <-events:
			if e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				f.scan(ev)
			}
		case err := <-watchErrs:
			log.WithError(err).Warn("folder watch error")
		case <-ticker.C:
			f.scan(ev)
		}
	}
}

// scan ingests every unseen foreign update file in chronological name order.
func (f *Folder) scan(ev Events) {
	entries, err := os.ReadDir(f.cfg.Dir)
	if err != nil {
		log.WithError(err).Warn("cannot read exchange dir")
		ev.status(StatusError)
		return
	}

	var fresh []string
	ownPrefix := f.cfg.PeerID + "-"
	f.mu.Lock()
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, updateExt) {
			continue
		}
		if strings.HasPrefix(name, ownPrefix) {
			continue
		}
		if _, ok := f.seen[name]; ok {
			continue
		}
		f.seen[name] = struct{}{}
		fresh = append(fresh, name)
	}
	f.mu.Unlock()

	sort.Strings(fresh)
	for _, name := range fresh {
		data, err := os.ReadFile(filepath.Join(f.cfg.Dir, name))
		if err != nil {
			log.WithError(err).WithField("file", name).Warn("cannot read update file")
			continue
		}
		kind, payload, err := DecodeFrame(data)
		if err != nil || kind != FrameUpdate {
			log.WithField("file", name).Warn("skipping malformed update file")
			continue
		}
		ev.update(payload)
	}
}

// Send writes the update as a new file in the exchange directory. The write
// is atomic: temp file then rename, so peers never ingest a partial update.
func (f *Folder) Send(update []byte) error {
	f.mu.Lock()
	if f.destroyed || f.cancel == nil {
		f.mu.Unlock()
		return ErrClosed
	}
	f.seq++
	seq := f.seq
	f.mu.Unlock()

	name := f.cfg.PeerID + "-" + strconv.FormatUint(uint64(time.Now().UnixMilli()), 10) +
		"-" + strconv.FormatUint(seq, 10) + updateExt
	path := filepath.Join(f.cfg.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, EncodeFrame(FrameUpdate, update), 0o644); err != nil {
		return errors.Wrap(err, "write update file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "publish update file")
	}
	return nil
}

// Disconnect stops watching. Already-seen file names are remembered so a
// reconnect does not re-apply the backlog.
func (f *Folder) Disconnect() error {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Destroy disconnects permanently.
func (f *Folder) Destroy() error {
	f.mu.Lock()
	f.destroyed = true
	f.mu.Unlock()
	return f.Disconnect()
}
