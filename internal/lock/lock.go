package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by Wait when the lock stays held past the
	// deadline.
	ErrTimeout = errors.New("lock wait timed out")
	// ErrNotHeld is returned by Refresh when the lock expired or was taken
	// over by another holder.
	ErrNotHeld = errors.New("lock no longer held")
)

// Lock is a held lock.
type Lock interface {
	// Refresh extends the lock to ttl from now.
	Refresh(ctx context.Context, ttl time.Duration) error
	Unlock(ctx context.Context) error
}

// Locker hands out named, expiring locks.
type Locker interface {
	// TryLock acquires key without blocking. ok is false when another
	// holder owns it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (l Lock, ok bool, err error)
}

const pollInterval = 50 * time.Millisecond

// Wait polls TryLock until the lock is acquired, maxWait elapses or ctx is
// done.
func Wait(ctx context.Context, locker Locker, key string, ttl, maxWait time.Duration) (Lock, error) {
	deadline := time.Now().Add(maxWait)
	for {
		l, ok, err := locker.TryLock(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return l, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// KeepAlive refreshes l every third of ttl until stop is closed or ctx is
// done. It returns the first refresh error.
func KeepAlive(ctx context.Context, l Lock, ttl time.Duration, stop <-chan struct{}) error {
	if ttl <= 0 {
		return nil
	}
	ticker := time.NewTicker(max(ttl/3, pollInterval))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.Refresh(ctx, ttl); err != nil {
				return err
			}
		}
	}
}
