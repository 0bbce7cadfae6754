package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when acquiring a session lock times out.
var ErrLockTimeout = errors.New("store: session lock acquisition timeout")

// SessionLocker serializes writers per session so that appends stay
// ordered and message ids stay monotonic under concurrent turns.
type SessionLocker struct {
	mu      sync.Mutex
	locks   map[string]*sessionLock
	timeout time.Duration
}

// sessionLock is a one-slot semaphore with a waiter count; the map entry
// is evicted once no goroutine references it.
type sessionLock struct {
	ch   chan struct{}
	refs int
}

// NewSessionLocker builds a locker with the given acquisition timeout.
func NewSessionLocker(timeout time.Duration) *SessionLocker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SessionLocker{
		locks:   make(map[string]*sessionLock),
		timeout: timeout,
	}
}

// Acquire blocks until the session lock is held, the context is
// cancelled, or the timeout elapses. The returned release function must
// be called exactly once.
func (l *SessionLocker) Acquire(ctx context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[sessionID]
	if !ok {
		lock = &sessionLock{ch: make(chan struct{}, 1)}
		l.locks[sessionID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case lock.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-lock.ch
				l.unref(sessionID, lock)
			})
		}, nil
	case <-ctx.Done():
		l.unref(sessionID, lock)
		return nil, ctx.Err()
	case <-timer.C:
		l.unref(sessionID, lock)
		return nil, ErrLockTimeout
	}
}

func (l *SessionLocker) unref(sessionID string, lock *sessionLock) {
	l.mu.Lock()
	lock.refs--
	if lock.refs == 0 && l.locks[sessionID] == lock {
		delete(l.locks, sessionID)
	}
	l.mu.Unlock()
}
