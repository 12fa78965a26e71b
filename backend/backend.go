// Package backend provides the storage tiers audio artifacts live in.
//
// A tier is a single flat directory. Keys are plain file names; nested
// paths are rejected so a key can always be served back by name.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned for keys that are not plain file names.
	ErrInvalidKey = errors.New("invalid key")
)

// Info describes a stored object.
type Info struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Backend defines the interface for storage tiers.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key. Readers never observe a partial
	// object: the data becomes visible only once fully written.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns every committed key in the tier. In-progress writes are
	// never listed.
	List(ctx context.Context) ([]string, error)

	// Stat returns size and modification time for the key.
	// Returns ErrNotFound if the key does not exist.
	Stat(ctx context.Context, key string) (Info, error)
}

// WriterBackend extends Backend with direct writer access.
type WriterBackend interface {
	Backend

	// Writer returns a WriteCloser for writing to the given key.
	// The write is only committed when Close returns nil.
	Writer(ctx context.Context, key string) (AtomicWriter, error)
}

// AtomicWriter is a pending write. Close commits it and Abort discards it.
type AtomicWriter interface {
	io.WriteCloser
	Abort() error
}
