package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and Delete implementations that can tell a
// missing key apart from other failures.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes one stored object as returned by List.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore is the storage collaborator. These four operations are the only
// object-store calls the pipeline makes.
//
// Implementations must be safe for concurrent use; the API host runs
// invocations in parallel against the same store.
type ObjectStore interface {
	// List returns every object whose key starts with prefix, following
	// pagination internally.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Delete(ctx context.Context, key string) error
}
