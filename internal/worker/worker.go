// Package worker implements the offline cache worker: a versioned cache
// store seeded at install, pruned at activation and consulted only when the
// network fails.
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
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/52poke/shellcache/internal/cache"
	"github.com/52poke/shellcache/internal/logger"
	"github.com/52poke/shellcache/internal/telemetry"
	"github.com/52poke/shellcache/internal/upstream"
)

var (
	ErrInstallFailed = errors.New("install failed")
	ErrNotActivated  = errors.New("worker not activated")
	ErrInvalidState  = errors.New("invalid lifecycle transition")
)

// deleteConcurrency bounds parallel store deletions during activation.
const deleteConcurrency = 8

// Network is the origin the worker proxies to. A returned error means the
// request never completed; any HTTP status is a completed request.
type Network interface {
	Do(ctx context.Context, r *http.Request) (*upstream.Response, error)
	Fetch(ctx context.Context, path string) (*upstream.Response, error)
}

// Config identifies one worker version.
type Config struct {
	Version string
	Seeds   []string
}

// Deps are the collaborators a worker needs. Metrics and Log are optional.
type Deps struct {
	Storage cache.Storage
	Network Network
	Metrics *telemetry.Metrics
	Log     *logrus.Entry
}

// Source says which side answered a fetch.
type Source string

const (
	FromNetwork Source = telemetry.SourceNetwork
	FromCache   Source = telemetry.SourceCache
	FromNone    Source = telemetry.SourceNone
)

// Result is the outcome of a fetch event. Response is nil when Source is
// FromNone.
type Result struct {
	Source   Source
	Response *upstream.Response
}

// Worker is one version of the offline cache worker. Each lifecycle event
// runs at most once per instance.
type Worker struct {
	version string
	seeds   []string
	deps    Deps
	log     *logrus.Entry
	tracer  trace.Tracer

	state atomic.Int32
	mu    sync.RWMutex
	store cache.Store
}

func New(cfg Config, deps Deps) (*Worker, error) {
	if cfg.Version == "" {
		return nil, errors.New("worker version is required")
	}
	if deps.Storage == nil || deps.Network == nil {
		return nil, errors.New("worker storage and network are required")
	}
	log := deps.Log
	if log == nil {
		log = logger.WithComponent("worker")
	}
	seeds := make([]string, len(cfg.Seeds))
	copy(seeds, cfg.Seeds)
	return &Worker{
		version: cfg.Version,
		seeds:   seeds,
		deps:    deps,
		log:     log.WithField("version", cfg.Version),
		tracer:  telemetry.Tracer("github.com/52poke/shellcache/internal/worker"),
	}, nil
}

func (w *Worker) Version() string { return w.version }

func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) transition(from, to State) error {
	if !w.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s -> %s (state is %s)", ErrInvalidState, from, to, w.State())
	}
	return nil
}

// Install opens the store for this version and fills it with every seed
// resource. Seeding is all-or-nothing: one unreachable seed or non-2xx
// answer fails the install and the worker becomes redundant.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(Parsed, Installing); err != nil {
		return err
	}
	if err := w.install(ctx); err != nil {
		w.state.Store(int32(Redundant))
		w.countLifecycle("install", "error")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	w.state.Store(int32(Installed))
	w.countLifecycle("install", "ok")
	w.log.WithField("seeds", len(w.seeds)).Info("installed")
	return nil
}

func (w *Worker) install(ctx context.Context) error {
	store, err := w.deps.Storage.Open(ctx, w.version)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	objs := make([]cache.Object, len(w.seeds))
	g, gctx := errgroup.WithContext(ctx)
	for i, seed := range w.seeds {
		g.Go(func() error {
			resp, err := w.deps.Network.Fetch(gctx, seed)
			if err != nil {
				return fmt.Errorf("seed %s: %w", seed, err)
			}
			if !resp.OK() {
				return fmt.Errorf("seed %s: status %d", seed, resp.StatusCode)
			}
			objs[i] = objectFromResponse(resp)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, seed := range w.seeds {
		if err := store.Put(ctx, cache.PathKey(seed), objs[i]); err != nil {
			return fmt.Errorf("store seed %s: %w", seed, err)
		}
	}

	w.mu.Lock()
	w.store = store
	w.mu.Unlock()
	return nil
}

// Resume adopts the store an earlier process left for this version and
// moves straight to activated without reseeding or pruning. The store must
// exist and hold every seed resource; otherwise ErrNoStore or ErrNotFound
// is returned and the worker becomes redundant.
func (w *Worker) Resume(ctx context.Context) error {
	if err := w.transition(Parsed, Activating); err != nil {
		return err
	}
	store, err := w.resume(ctx)
	if err != nil {
		w.state.Store(int32(Redundant))
		w.countLifecycle("resume", "error")
		return err
	}
	w.mu.Lock()
	w.store = store
	w.mu.Unlock()
	w.state.Store(int32(Activated))
	w.countLifecycle("resume", "ok")
	w.log.Info("resumed from durable store")
	return nil
}

func (w *Worker) resume(ctx context.Context) (cache.Store, error) {
	ok, err := w.deps.Storage.Has(ctx, w.version)
	if err != nil {
		return nil, fmt.Errorf("check store: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("store %s: %w", w.version, cache.ErrNoStore)
	}
	store, err := w.deps.Storage.Open(ctx, w.version)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	for _, seed := range w.seeds {
		if _, err := store.Get(ctx, cache.PathKey(seed)); err != nil {
			return nil, fmt.Errorf("seed %s: %w", seed, err)
		}
	}
	return store, nil
}

// Activate deletes every store not named after this version. Deletion
// failures are returned but do not keep the worker from activating.
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(Installed, Activating); err != nil {
		return err
	}
	err := w.prune(ctx)
	w.state.Store(int32(Activated))
	if err != nil {
		w.countLifecycle("activate", "error")
		w.log.WithError(err).Warn("activated with stale stores left behind")
		return err
	}
	w.countLifecycle("activate", "ok")
	w.log.Info("activated")
	return nil
}

func (w *Worker) prune(ctx context.Context) error {
	names, err := w.deps.Storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}

	var (
		mu    sync.Mutex
		errs  []error
		g     errgroup.Group
		count = len(names)
	)
	g.SetLimit(deleteConcurrency)
	for _, name := range names {
		if name == w.version {
			continue
		}
		g.Go(func() error {
			_, err := w.deps.Storage.Delete(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("delete store %s: %w", name, err))
				return nil
			}
			count--
			w.log.WithField("store", name).Info("deleted stale cache store")
			return nil
		})
	}
	_ = g.Wait()

	if w.deps.Metrics != nil {
		w.deps.Metrics.Stores.Set(float64(count))
	}
	return errors.Join(errs...)
}

// Fetch answers one request network-first. The cache is read only when the
// network attempt fails; a completed request with any status is returned
// as-is. The error is non-nil only when the store itself could not be read.
func (w *Worker) Fetch(ctx context.Context, r *http.Request) (Result, error) {
	if w.State() != Activated {
		return Result{Source: FromNone}, ErrNotActivated
	}

	ctx, span := w.tracer.Start(ctx, "shellcache.fetch", trace.WithAttributes(
		attribute.String("http.request.method", r.Method),
		attribute.String("url.path", r.URL.Path),
	))
	defer span.End()

	res, err := w.fetch(ctx, r)
	span.SetAttributes(attribute.String("shellcache.source", string(res.Source)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if w.deps.Metrics != nil {
		w.deps.Metrics.FetchTotal.WithLabelValues(string(res.Source)).Inc()
	}
	return res, err
}

func (w *Worker) fetch(ctx context.Context, r *http.Request) (Result, error) {
	resp, netErr := w.deps.Network.Do(ctx, r)
	if netErr == nil {
		return Result{Source: FromNetwork, Response: resp}, nil
	}
	if w.deps.Metrics != nil {
		w.deps.Metrics.NetworkFailures.Inc()
	}
	w.log.WithError(netErr).WithField("path", r.URL.Path).Debug("network failed, trying cache")

	info := cache.ClassifyRequest(r)
	if !info.Matchable {
		return Result{Source: FromNone}, nil
	}

	w.mu.RLock()
	store := w.store
	w.mu.RUnlock()
	if store == nil {
		return Result{Source: FromNone}, nil
	}

	obj, err := store.Get(ctx, info.Key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) || errors.Is(err, cache.ErrNoStore) {
			return Result{Source: FromNone}, nil
		}
		return Result{Source: FromNone}, fmt.Errorf("cache lookup %s: %w", info.Key, err)
	}
	return Result{Source: FromCache, Response: responseFromObject(obj)}, nil
}

func (w *Worker) countLifecycle(event, result string) {
	if w.deps.Metrics != nil {
		w.deps.Metrics.LifecycleTotal.WithLabelValues(event, result).Inc()
	}
}

func objectFromResponse(resp *upstream.Response) cache.Object {
	return cache.Object{
		Body:        resp.Body,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Encoding:    resp.Header.Get("Content-Encoding"),
		URL:         resp.URL,
		UpdatedAt:   time.Now().UTC(),
	}
}

func responseFromObject(obj cache.Object) *upstream.Response {
	h := http.Header{}
	if obj.ContentType != "" {
		h.Set("Content-Type", obj.ContentType)
	}
	if obj.Encoding != "" {
		h.Set("Content-Encoding", obj.Encoding)
	}
	status := obj.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &upstream.Response{
		StatusCode: status,
		Header:     h,
		Body:       obj.Body,
		URL:        obj.URL,
	}
}
