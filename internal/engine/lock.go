package engine

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrLockClosed is returned by Acquire after the lock is shut down.
var ErrLockClosed = errors.New("engine: lock closed")

// FIFOLock serialises all document mutation on a peer. Unlike sync.Mutex it
// honours waiters strictly in arrival order: each Acquire joins a queue and
// is granted the lock when everyone ahead of it has released.
type FIFOLock struct {
	mu     sync.Mutex
	queue  []*waiter
	done   chan struct{}
	closed bool
}

type waiter struct {
	ready chan struct{}
}

// NewFIFOLock creates an open lock.
func NewFIFOLock() *FIFOLock {
	return &FIFOLock{done: make(chan struct{})}
}

// Acquire blocks until the lock is granted, ctx ends, or the lock closes.
// The returned release function is idempotent but must be called on every
// exit path of the holder.
func (l *FIFOLock) Acquire(ctx context.Context) (release func(), err error) {
	w := &waiter{ready: make(chan struct{})}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLockClosed
	}
	l.queue = append(l.queue, w)
	if len(l.queue) == 1 {
		close(w.ready)
	}
	l.mu.Unlock()

	select {
	case <-w.ready:
		var once sync.Once
		return func() { once.Do(func() { l.release(w) }) }, nil
	case <-l.done:
		l.abandon(w)
		return nil, ErrLockClosed
	case <-ctx.Done():
		l.abandon(w)
		return nil, ctx.Err()
	}
}

// release hands the lock to the next waiter in line.
func (l *FIFOLock) release(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 || l.queue[0] != w {
		return
	}
	l.queue = l.queue[1:]
	if len(l.queue) > 0 && !l.closed {
		close(l.queue[0].ready)
	}
}

// abandon withdraws a cancelled waiter. When the grant raced the
// cancellation, the lock is passed straight to the next waiter.
func (l *FIFOLock) abandon(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-w.ready:
		if len(l.queue) > 0 && l.queue[0] == w {
			l.queue = l.queue[1:]
			if len(l.queue) > 0 && !l.closed {
				close(l.queue[0].ready)
			}
		}
	default:
		for i, x := range l.queue {
			if x == w {
				l.queue = append(l.queue[:i], l.queue[i+1:]...)
				break
			}
		}
	}
}

// Close fails all current and future Acquires. The current holder's release
// remains valid.
func (l *FIFOLock) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	l.mu.Unlock()
}
