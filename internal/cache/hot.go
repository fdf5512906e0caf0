package cache

import (
	"context"
	"fmt"

	"github.com/maypok86/otter/v2"
)

// HotStorage fronts a Storage with an in-process W-TinyLFU cache so that
// repeated offline lookups do not round-trip to the backing storage. Only
// hits are kept; misses always reach the backing store.
type HotStorage struct {
	backing Storage
	hot     *otter.Cache[string, Object]
}

func NewHotStorage(backing Storage, maxSize int) (*HotStorage, error) {
	c, err := otter.New[string, Object](&otter.Options[string, Object]{
		MaximumSize: maxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create hot cache: %w", err)
	}
	return &HotStorage{backing: backing, hot: c}, nil
}

func (h *HotStorage) Open(ctx context.Context, name string) (Store, error) {
	st, err := h.backing.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &hotStore{Store: st, hot: h.hot}, nil
}

func (h *HotStorage) Has(ctx context.Context, name string) (bool, error) {
	return h.backing.Has(ctx, name)
}

func (h *HotStorage) Names(ctx context.Context) ([]string, error) {
	return h.backing.Names(ctx)
}

// Delete removes the store from the backing storage and drops every hot
// entry. Store deletion only happens at activation, so clearing the whole
// front is acceptable.
func (h *HotStorage) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := h.backing.Delete(ctx, name)
	h.hot.InvalidateAll()
	return ok, err
}

type hotStore struct {
	Store
	hot *otter.Cache[string, Object]
}

func (s *hotStore) Get(ctx context.Context, key string) (Object, error) {
	hk := hotKey(s.Name(), key)
	if obj, ok := s.hot.GetIfPresent(hk); ok {
		return obj, nil
	}
	obj, err := s.Store.Get(ctx, key)
	if err != nil {
		return Object{}, err
	}
	s.hot.Set(hk, obj)
	return obj, nil
}

func (s *hotStore) Put(ctx context.Context, key string, obj Object) error {
	s.hot.Invalidate(hotKey(s.Name(), key))
	return s.Store.Put(ctx, key, obj)
}

func (s *hotStore) Delete(ctx context.Context, key string) error {
	s.hot.Invalidate(hotKey(s.Name(), key))
	return s.Store.Delete(ctx, key)
}

func hotKey(name, key string) string {
	return name + "\x00" + key
}
