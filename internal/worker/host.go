package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/52poke/shellcache/internal/cache"
	"github.com/52poke/shellcache/internal/lock"
	"github.com/52poke/shellcache/internal/logger"
)

const lifecycleLockKey = "lock:shellcache:lifecycle"

// HostConfig controls how the host drives worker lifecycles.
type HostConfig struct {
	Worker      Config
	SkipWaiting bool
	LockTTL     time.Duration
	MaxLockWait time.Duration
}

// Host delivers lifecycle and fetch events to workers. It keeps the active
// worker, an optional waiting one, and a count of events still in flight so
// that teardown waits for them.
type Host struct {
	cfg    HostConfig
	deps   Deps
	locker lock.Locker
	log    *logrus.Entry

	mu      sync.Mutex
	active  atomic.Pointer[Worker]
	waiting atomic.Pointer[Worker]

	inflight sync.WaitGroup
}

func NewHost(cfg HostConfig, deps Deps, locker lock.Locker) *Host {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	log := deps.Log
	if log == nil {
		log = logger.WithComponent("host")
	}
	return &Host{cfg: cfg, deps: deps, locker: locker, log: log}
}

// Register installs a fresh worker for the configured version and, unless
// it has to wait behind an active worker, activates it. If install fails
// the previously active worker keeps serving. With no active worker, a
// complete store left by an earlier process for the same version is
// resumed instead.
func (h *Host) Register(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	w, err := New(h.cfg.Worker, h.deps)
	if err != nil {
		return err
	}

	return h.withLifecycleLock(ctx, func(ctx context.Context) error {
		if err := h.event(func() error { return w.Install(ctx) }); err != nil {
			if h.active.Load() == nil && h.resume(ctx) {
				h.log.WithError(err).Warn("install failed; serving the existing store")
				return nil
			}
			h.log.WithError(err).Error("install failed; keeping current worker")
			return err
		}

		if !h.cfg.SkipWaiting && h.active.Load() != nil {
			h.waiting.Store(w)
			h.log.WithField("version", w.Version()).Info("installed worker is waiting")
			return nil
		}
		return h.activate(ctx, w)
	})
}

// SkipWaiting activates the waiting worker, if any. It reports whether a
// worker was promoted.
func (h *Host) SkipWaiting(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	w := h.waiting.Load()
	if w == nil {
		return false, nil
	}
	err := h.withLifecycleLock(ctx, func(ctx context.Context) error {
		return h.activate(ctx, w)
	})
	return true, err
}

// resume reports whether a worker was activated from the durable store.
func (h *Host) resume(ctx context.Context) bool {
	w, err := New(h.cfg.Worker, h.deps)
	if err != nil {
		return false
	}
	if err := h.event(func() error { return w.Resume(ctx) }); err != nil {
		h.log.WithError(err).Debug("no resumable store")
		return false
	}
	h.active.Store(w)
	return true
}

func (h *Host) activate(ctx context.Context, w *Worker) error {
	err := h.event(func() error { return w.Activate(ctx) })
	if errors.Is(err, ErrInvalidState) {
		return err
	}
	// Activation failures only mean stale stores survived; the worker is
	// activated regardless.
	h.waiting.CompareAndSwap(w, nil)
	h.active.Store(w)
	return err
}

// withLifecycleLock runs fn while holding the lifecycle lock. The lock is
// refreshed for as long as fn runs; if it is lost, fn's context is
// cancelled.
func (h *Host) withLifecycleLock(ctx context.Context, fn func(context.Context) error) error {
	l, err := lock.Wait(ctx, h.locker, lifecycleLockKey, h.cfg.LockTTL, h.cfg.MaxLockWait)
	if err != nil {
		return fmt.Errorf("acquire lifecycle lock: %w", err)
	}
	defer func() {
		if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
			h.log.WithError(err).Warn("release lifecycle lock")
		}
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := lock.KeepAlive(ctx, l, h.cfg.LockTTL, stop); err != nil {
			h.log.WithError(err).Error("lost lifecycle lock")
			cancel(err)
		}
	}()
	err = fn(ctx)
	close(stop)
	<-done
	return err
}

// Fetch dispatches a fetch event to the active worker. Before any worker is
// active the request goes straight to the network with no fallback.
func (h *Host) Fetch(ctx context.Context, r *http.Request) (Result, error) {
	var res Result
	err := h.event(func() error {
		var err error
		w := h.active.Load()
		if w == nil {
			res = h.passthrough(ctx, r)
			return nil
		}
		res, err = w.Fetch(ctx, r)
		return err
	})
	return res, err
}

func (h *Host) passthrough(ctx context.Context, r *http.Request) Result {
	resp, err := h.deps.Network.Do(ctx, r)
	if err != nil {
		return Result{Source: FromNone}
	}
	return Result{Source: FromNetwork, Response: resp}
}

// event runs fn as one tracked event.
func (h *Host) event(fn func() error) error {
	h.inflight.Add(1)
	defer h.inflight.Done()
	return fn()
}

// Shutdown waits for every in-flight event to settle or ctx to end.
func (h *Host) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the worker currently controlling requests, or nil.
func (h *Host) Active() *Worker {
	return h.active.Load()
}

// Waiting returns the installed worker waiting to activate, or nil.
func (h *Host) Waiting() *Worker {
	return h.waiting.Load()
}

// Ready reports whether a worker is active.
func (h *Host) Ready(context.Context) error {
	if h.active.Load() == nil {
		return ErrNotActivated
	}
	return nil
}

// Version is the configured cache version.
func (h *Host) Version() string {
	return h.cfg.Worker.Version
}

// Storage exposes the cache storage the host's workers use.
func (h *Host) Storage() cache.Storage {
	return h.deps.Storage
}
