package cache

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("cache object not found")

// ErrNoStore is returned when a named store does not exist.
var ErrNoStore = errors.New("cache store not found")

// Object is a cached response.
type Object struct {
	Body        []byte
	Status      int
	ContentType string
	Encoding    string
	URL         string
	UpdatedAt   time.Time
}

// Store is one named cache store, mapping request keys to responses.
type Store interface {
	Name() string
	Get(ctx context.Context, key string) (Object, error)
	Put(ctx context.Context, key string, obj Object) error
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Storage holds every named store of an origin.
type Storage interface {
	// Open returns the named store, creating it if absent.
	Open(ctx context.Context, name string) (Store, error)
	Has(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	// Delete removes the named store and all its entries. It reports
	// whether a store existed.
	Delete(ctx context.Context, name string) (bool, error)
}
