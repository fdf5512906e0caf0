package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerExclusive(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	first, ok, err := l.TryLock(ctx, "lifecycle", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "lifecycle", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = l.TryLock(ctx, "other", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, first.Unlock(ctx))
	_, ok, err = l.TryLock(ctx, "lifecycle", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLockerExpiredTakeover(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	stale, ok, err := l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	fresh, ok, err := l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// The expired holder must not release the new holder's lock.
	require.NoError(t, stale.Unlock(ctx))
	_, ok, err = l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, fresh.Unlock(ctx))
}

func TestWaitAcquiresAfterRelease(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	held, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(120 * time.Millisecond)
		_ = held.Unlock(ctx)
	}()

	got, err := Wait(ctx, l, "k", time.Minute, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestWaitTimesOut(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	_, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = Wait(ctx, l, "k", time.Minute, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitHonoursContext(t *testing.T) {
	l := NewLocalLocker()
	_, ok, err := l.TryLock(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Wait(ctx, l, "k", time.Minute, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewToken(t *testing.T) {
	a, err := newToken()
	require.NoError(t, err)
	b, err := newToken()
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestLocalLockRefresh(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	held, ok, err := l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(900 * time.Millisecond)
	require.NoError(t, held.Refresh(ctx, time.Second))
	now = now.Add(900 * time.Millisecond)
	_, ok, err = l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "refreshed lock is still held")

	now = now.Add(2 * time.Second)
	assert.ErrorIs(t, held.Refresh(ctx, time.Second), ErrNotHeld)
}

func TestKeepAliveOutlivesTTL(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	held, ok, err := l.TryLock(ctx, "k", 150*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- KeepAlive(ctx, held, 150*time.Millisecond, stop) }()

	time.Sleep(400 * time.Millisecond)
	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	close(stop)
	assert.NoError(t, <-done)
}

func TestKeepAliveReportsLostLock(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	held, ok, err := l.TryLock(ctx, "k", 150*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, held.Unlock(ctx))

	err = KeepAlive(ctx, held, 150*time.Millisecond, make(chan struct{}))
	assert.ErrorIs(t, err, ErrNotHeld)
}
