package server

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// bufferLimit bounds the chunk bytes held in memory across all PATCH
// requests. A nil limit admits everything.
type bufferLimit struct {
	sem *semaphore.Weighted
	max int64
}

func newBufferLimit(maxBytes int64) *bufferLimit {
	if maxBytes <= 0 {
		return nil
	}
	return &bufferLimit{sem: semaphore.NewWeighted(maxBytes), max: maxBytes}
}

// acquire blocks until n bytes may be buffered or ctx ends.
func (l *bufferLimit) acquire(ctx context.Context, n int64) error {
	if l == nil || n == 0 {
		return nil
	}
	return l.sem.Acquire(ctx, min(n, l.max))
}

func (l *bufferLimit) release(n int64) {
	if l == nil || n == 0 {
		return
	}
	l.sem.Release(min(n, l.max))
}
