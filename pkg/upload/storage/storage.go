package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no object exists for an id.
	ErrNotFound = errors.New("upload storage: object not found")
	// ErrExists is returned by Create when the object already exists.
	ErrExists = errors.New("upload storage: object already exists")
	// ErrInvalidID is returned for ids that cannot be mapped to an object name.
	ErrInvalidID = errors.New("upload storage: invalid id")
)

// Backend persists upload bytes. Objects start in a staging area and move to
// their permanent location on Finalize. Calls for one id are serialized by
// the caller; calls for different ids may run concurrently.
type Backend interface {
	// Create allocates an empty object, reserving declaredSize bytes where the
	// platform allows it without changing the visible length.
	Create(ctx context.Context, id string, declaredSize int64) error
	// WriteAt writes p at offset and makes it durable before returning. On a
	// short write n < len(p) and err explains why; the first n bytes are durable.
	WriteAt(ctx context.Context, id string, offset int64, p []byte) (n int, err error)
	// ReadAt reads from a staged or finalized object.
	ReadAt(ctx context.Context, id string, offset int64, p []byte) (int, error)
	// StatLength returns the current length of the object.
	StatLength(ctx context.Context, id string) (int64, error)
	// Truncate cuts a staged object to size.
	Truncate(ctx context.Context, id string, size int64) error
	// Finalize moves a staged object to its permanent location, attaching
	// metadata where supported. Finalizing twice is a no-op.
	Finalize(ctx context.Context, id string, metadata map[string]string) error
	// Delete removes the object wherever it lives. Missing objects are ignored.
	Delete(ctx context.Context, id string) error
	// List returns the ids of all staged and finalized objects.
	List(ctx context.Context) ([]string, error)
}
