package lock

import (
	"context"
	"sync"
	"time"
)

// LocalLocker is a Locker for a single process. Expired locks can be
// taken over, matching the TTL behaviour of RedisLocker.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localEntry
	gen  uint64
	now  func() time.Time
}

type localEntry struct {
	gen     uint64
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), now: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, false, nil
	}
	l.gen++
	l.held[key] = localEntry{gen: l.gen, expires: now.Add(ttl)}
	return &localLock{locker: l, key: key, gen: l.gen}, true, nil
}

type localLock struct {
	locker *LocalLocker
	key    string
	gen    uint64
}

func (l *localLock) Refresh(_ context.Context, ttl time.Duration) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	now := l.locker.now()
	e, ok := l.locker.held[l.key]
	if !ok || e.gen != l.gen || !now.Before(e.expires) {
		return ErrNotHeld
	}
	e.expires = now.Add(ttl)
	l.locker.held[l.key] = e
	return nil
}

func (l *localLock) Unlock(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if e, ok := l.locker.held[l.key]; ok && e.gen == l.gen {
		delete(l.locker.held, l.key)
	}
	return nil
}
