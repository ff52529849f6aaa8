package importer

import (
	"context"
	"sync"
)

// RunLocker serializes import runs per (user, calendar). Runs for different
// keys proceed concurrently.
type RunLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewRunLocker() *RunLocker {
	return &RunLocker{locks: make(map[string]*keyLock)}
}

func runKey(userID, calendarID string) string {
	return userID + "\x00" + calendarID
}

func (l *RunLocker) acquireRef(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *RunLocker) releaseRef(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// Lock blocks until the key is free or ctx is done. The returned func
// releases the lock.
func (l *RunLocker) Lock(ctx context.Context, userID, calendarID string) (func(), error) {
	key := runKey(userID, calendarID)
	kl := l.acquireRef(key)
	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.releaseRef(key, kl)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.releaseRef(key, kl)
		})
	}, nil
}

// TryLock acquires the key only if it is free.
func (l *RunLocker) TryLock(userID, calendarID string) (func(), bool) {
	key := runKey(userID, calendarID)
	kl := l.acquireRef(key)
	select {
	case kl.ch <- struct{}{}:
	default:
		l.releaseRef(key, kl)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.releaseRef(key, kl)
		})
	}, true
}
