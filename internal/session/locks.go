package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a session lock cannot be acquired within
// the locker's bound. It is an infrastructure error: session state is
// unchanged and the caller may retry the whole operation.
var ErrLockTimeout = errors.New("session lock acquisition timed out")

// Locker serializes access to each session's mutable state and owns the
// per-session cancellation signal. Locks are per (owner, session); work on
// unrelated sessions never contends.
//
// Entries are reference-counted and removed when the last user releases
// them, so the registry is bounded by the number of sessions with active
// work. Cancellation outlives the entry through the persisted session
// status, not through this in-memory signal.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	timeout time.Duration
}

type lockEntry struct {
	sem    chan struct{} // 1-buffered; holding the token = holding the lock
	refs   int
	ctx    context.Context
	cancel context.CancelFunc
}

// DefaultLockTimeout bounds lock acquisition. It must exceed the worst-case
// time a dispatch holds the lock (adapter deadline × attempts plus backoff),
// otherwise events for busy sessions churn through requeues.
const DefaultLockTimeout = 5 * time.Minute

// NewLocker creates a locker. timeout <= 0 uses DefaultLockTimeout.
func NewLocker(timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &Locker{
		entries: make(map[string]*lockEntry),
		timeout: timeout,
	}
}

func lockKey(ownerID, sessionID string) string {
	return ownerID + "/" + sessionID
}

// retain returns the entry for a session, creating it on first use.
func (l *Locker) retain(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		e = &lockEntry{
			sem:    make(chan struct{}, 1),
			ctx:    ctx,
			cancel: cancel,
		}
		e.sem <- struct{}{}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) release(key string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		e.cancel()
		delete(l.entries, key)
	}
}

// WithLock runs fn with exclusive access to the session's mutable state.
// The context passed to fn is the caller's context merged with the
// session's cancel signal, so fn observes Cancel at every suspension point.
// The lock is released on every exit path, including panics unwinding
// through fn.
func (l *Locker) WithLock(ctx context.Context, ownerID, sessionID string, fn func(ctx context.Context) error) error {
	key := lockKey(ownerID, sessionID)
	e := l.retain(key)
	defer l.release(key, e)

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case <-e.sem:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrLockTimeout
	}
	defer func() { e.sem <- struct{}{} }()

	fnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	return fn(fnCtx)
}

// Cancel fires the session's cancel signal without taking the lock, so an
// in-flight adapter call or backoff wait unblocks immediately. The durable
// status transition still happens under WithLock.
func (l *Locker) Cancel(ownerID, sessionID string) {
	key := lockKey(ownerID, sessionID)
	l.mu.Lock()
	e, ok := l.entries[key]
	l.mu.Unlock()
	if ok {
		e.cancel()
	}
}
