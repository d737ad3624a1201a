package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("upload registry: record not found")
	// ErrExists is returned by Insert when the id is already taken.
	ErrExists = errors.New("upload registry: record already exists")
	// ErrStaleOffset is returned by CompareAndAdvance when the stored length moved.
	ErrStaleOffset = errors.New("upload registry: received length changed")
	// ErrInvariant is returned when an update would break a record invariant.
	ErrInvariant = errors.New("upload registry: invariant violated")
)

// Record is the server side state of one upload.
type Record struct {
	ID             string
	DeclaredSize   int64
	ReceivedLength int64
	Metadata       map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Completed      bool
	Finalized      bool
}

// Remaining is the number of bytes still expected.
func (r Record) Remaining() int64 {
	return r.DeclaredSize - r.ReceivedLength
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	c := r
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Registry stores upload records keyed by id.
type Registry interface {
	// Insert stores a new record. The id must not exist yet.
	Insert(ctx context.Context, rec Record) error
	// Get returns a copy of the record.
	Get(ctx context.Context, id string) (Record, error)
	// Update atomically applies fn to the current record. Immutable fields are
	// preserved and record invariants are enforced on the result.
	Update(ctx context.Context, id string, fn func(Record) (Record, error)) (Record, error)
	// Delete removes the record. Missing ids are ignored.
	Delete(ctx context.Context, id string) error
	// List returns all records, oldest first.
	List(ctx context.Context) ([]Record, error)
	// Close releases resources held by the registry.
	Close() error
}

// CompareAndAdvance moves the received length of id from expected to
// expected+n. It fails with ErrStaleOffset without mutating anything if the
// stored length is no longer expected. Completed is set when the frontier
// reaches the declared size.
func CompareAndAdvance(ctx context.Context, reg Registry, id string, expected, n int64) (Record, error) {
	return reg.Update(ctx, id, func(rec Record) (Record, error) {
		if rec.ReceivedLength != expected {
			return rec, fmt.Errorf("%w: expected %d, stored %d", ErrStaleOffset, expected, rec.ReceivedLength)
		}
		rec.ReceivedLength += n
		if rec.ReceivedLength == rec.DeclaredSize {
			rec.Completed = true
		}
		return rec, nil
	})
}

func validateNew(rec Record) error {
	if rec.ID == "" {
		return errors.New("upload registry: id must not be empty")
	}
	if rec.DeclaredSize <= 0 {
		return fmt.Errorf("%w: declared size %d", ErrInvariant, rec.DeclaredSize)
	}
	if rec.ReceivedLength < 0 || rec.ReceivedLength > rec.DeclaredSize {
		return fmt.Errorf("%w: received length %d of %d", ErrInvariant, rec.ReceivedLength, rec.DeclaredSize)
	}
	if rec.Completed != (rec.ReceivedLength == rec.DeclaredSize) {
		return fmt.Errorf("%w: completed flag disagrees with length", ErrInvariant)
	}
	return nil
}

// PrepareInsert validates a new record, fills its timestamps and returns a
// copy safe to store.
func PrepareInsert(rec Record, now time.Time) (Record, error) {
	if err := validateNew(rec); err != nil {
		return Record{}, err
	}
	rec = rec.Clone()
	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	return rec, nil
}

// ApplyUpdate runs fn on a copy of current and checks the result against the
// record invariants. Every Registry implementation routes Update through it.
func ApplyUpdate(current Record, fn func(Record) (Record, error), now time.Time) (Record, error) {
	updated, err := fn(current.Clone())
	if err != nil {
		return Record{}, err
	}

	updated.ID = current.ID
	updated.DeclaredSize = current.DeclaredSize
	updated.CreatedAt = current.CreatedAt
	updated.Metadata = current.Clone().Metadata

	switch {
	case updated.ReceivedLength < current.ReceivedLength:
		return Record{}, fmt.Errorf("%w: received length cannot shrink from %d to %d",
			ErrInvariant, current.ReceivedLength, updated.ReceivedLength)
	case updated.ReceivedLength > updated.DeclaredSize:
		return Record{}, fmt.Errorf("%w: received length %d exceeds declared size %d",
			ErrInvariant, updated.ReceivedLength, updated.DeclaredSize)
	case current.Completed && !updated.Completed:
		return Record{}, fmt.Errorf("%w: completed cannot be unset", ErrInvariant)
	case current.Finalized && !updated.Finalized:
		return Record{}, fmt.Errorf("%w: finalized cannot be unset", ErrInvariant)
	case updated.Completed != (updated.ReceivedLength == updated.DeclaredSize):
		return Record{}, fmt.Errorf("%w: completed flag disagrees with length", ErrInvariant)
	case updated.Finalized && !updated.Completed:
		return Record{}, fmt.Errorf("%w: cannot finalize an incomplete upload", ErrInvariant)
	}

	if !now.After(current.UpdatedAt) {
		now = current.UpdatedAt.Add(time.Nanosecond)
	}
	updated.UpdatedAt = now
	return updated, nil
}

// SortRecords orders records by creation time, then id.
func SortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
