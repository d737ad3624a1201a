package client

import (
	"context"
	"time"
)

// RemoteStatus is the server's view of an upload as returned by Head.
type RemoteStatus struct {
	DeclaredSize   int64
	ReceivedLength int64
	Completed      bool
	Metadata       map[string]string
	ExpiresAt      time.Time
}

// Transport carries protocol requests to a server. Errors carry a
// protocol.Category whenever the server sent one.
type Transport interface {
	// Create registers a new upload and returns its location.
	Create(ctx context.Context, size int64, metadata map[string]string) (string, error)
	// Patch sends chunk at offset and returns the server's received length.
	// When err is not nil the length is only meaningful if it exceeds offset.
	Patch(ctx context.Context, location string, offset int64, chunk []byte) (int64, error)
	// Head fetches the authoritative state of an upload.
	Head(ctx context.Context, location string) (RemoteStatus, error)
	// Finalize asks the server to move a completed upload into place.
	Finalize(ctx context.Context, location string) error
	// Delete terminates an upload on the server.
	Delete(ctx context.Context, location string) error
}
