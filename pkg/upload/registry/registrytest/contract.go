package registrytest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/tigrisdata/tigrisup/pkg/upload/registry"
)

// Factory returns a fresh, empty registry for one test case.
type Factory func(tb testing.TB) registry.Registry

type contractTestCase struct {
	name   string
	testFn func(t *testing.T, reg registry.Registry)
}

// RunRegistryContract exercises the Registry interface against a supplied factory.
func RunRegistryContract(t *testing.T, factory Factory) {
	t.Helper()

	cases := []contractTestCase{
		{
			name: "insert and get round trip",
			testFn: func(t *testing.T, reg registry.Registry) {
				t.Helper()

				ctx := context.Background()
				rec := sampleRecord("upl-1", 4096, time.Unix(10, 0))
				if err := reg.Insert(ctx, rec); err != nil {
					t.Fatalf("Insert returned error: %v", err)
				}

				fetched, err := reg.Get(ctx, rec.ID)
				if err != nil {
					t.Fatalf("Get returned error: %v", err)
				}
				assertRecordsEqual(t, rec, fetched)
				if !fetched.UpdatedAt.Equal(fetched.CreatedAt) {
					t.Fatalf("expected UpdatedAt == CreatedAt on insert, got %v vs %v", fetched.UpdatedAt, fetched.CreatedAt)
				}
			},
		},
		{
			name: "insert fills creation time",
			testFn: func(t *testing.T, reg registry.Registry) {
				t.Helper()

				ctx := context.Background()
				rec := sampleRecord("upl-now", 10, time.Time{})
				before := time.Now().UTC().Add(-time.Second)
				if err := reg.Insert(ctx, rec); err != nil {
					t.Fatalf("Insert returned error: %v", err)
				}
				fetched, err := reg.Get(ctx, rec.ID)
				if err != nil {
					t.Fatalf("Get returned error: %v", err)
				}
				if fetched.CreatedAt.Before(before) {
					t.Fatalf("expected CreatedAt to be set, got %v", fetched.CreatedAt)
				}
			},
		},
		{
			name: "get missing returns ErrNotFound",
			testFn: func(t *testing.T, reg registry.Registry) {
				t.Helper()

				_, err := reg.Get(context.Background(), "missing")
				if !errors.Is(err, registry.ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
			},
		},
		{
			name: "duplicate insert returns ErrExists",
			testFn: func(t *testing.T, reg registry.Registry) {
				t.Helper()

				ctx := context.Background()
				rec := sampleRecord("dup", 100, time.Unix(11, 0))
				if err := reg.Insert(ctx, rec); err != nil {
					t.Fatalf("first Insert returned error: %v", err)
				}
				other := sampleRecord("dup", 200, time.Unix(12, 0))
				if err := reg.Insert(ctx, other); !errors.Is(err, registry.ErrExists) {
					t.Fatalf("expected ErrExists, got %v", err)
				}
				fetched, err := reg.Get(ctx, "dup")
				if err != nil {
					t.Fatalf("Get returned error: %v", err)
				}
				if fetched.DeclaredSize != 100 {
					t.Fatalf("duplicate insert must not overwrite, declared size %d", fetched.DeclaredSize)
				}
			},
		},
		{
			name: "insert rejects invalid records",
			testFn: func(t *testing.T, reg registry.Registry) {
				t.Helper()

				ctx := context.Background()
				bad := []registry.Record{
					{ID: "", DeclaredSize: 1},
					{ID: "zero", DeclaredSize: 0},
					{ID: "over", DeclaredSize: 5, ReceivedLength: 6},
					{ID: "flag", DeclaredSize: 5, Completed: true},
				}
				for _, rec := range bad {
					if err := reg.Insert(ctx, rec); err == nil {
						t.Fatalf("expected Insert(%+v) to fail", rec)
					}
				}
				recs, err := reg.List(ctx)
				if err != nil {
					t.Fatalf("List returned error: %v", err)
				}
				if len(recs) != 0 {
					t.Fatalf("expected no records after rejected inserts, got %d", len(recs))
				}
			},
		},
		{
			name: "update applies mutation and refreshes UpdatedAt",
			testFn: func(t *testing.T, reg registry.Registry) {
				t.Helper()

				ctx := context.Background()
				rec := sampleRecord("upd", 1000, time.Unix(13, 0))
				if err := reg.Insert(ctx, rec); err != nil {
					t.Fatalf("Insert failed: %v", err)
				}

				updated, err := reg.Update(ctx, rec.ID, func(r registry.Record) (registry.Record, error) {
					r.ReceivedLength = 600
					return r, nil
				})
				if err != nil {
					t.Fatalf("Update returned error: %v", err)
				}
				if updated.ReceivedLength != 600 {
					t.Fatalf("expected received length 600, got %d", updated.ReceivedLength)
				}
				if !updated.UpdatedAt.After(rec.CreatedAt) {
					t.Fatalf("expected UpdatedAt to advance, got %v", updated.UpdatedAt)
				}

				fetched, err := reg.Get(ctx, rec.ID)
				if err != nil {
					t.Fatalf("Get returned error: %v", err)
				}
				if fetched.ReceivedLength != 600 || !fetched.UpdatedAt.Equal(updated.UpdatedAt) {
					t.Fatalf("update not persisted: %+v", fetched)
				}
			},
		},
		{
			name: "update preserves immutable fields",
			testFn: func(t *testing.T, reg registry.Registry) {
				t.Helper()

				ctx := context.Background()
				rec := sampleRecord("immutable", 50, time.Unix(14, 0))
				if err := reg.Insert(ctx, rec); err != nil {
					t.Fatalf("Insert failed: %v", err)
				}

				updated, err := reg.Update(ctx, rec.ID, func(r registry.Record) (registry.Record, error) {
					r.ID = "other"
					r.DeclaredSize = 10
					r.CreatedAt = time.Unix(99, 0)
					r.Metadata["filename"] = "changed"
					r.ReceivedLength = 10
					return r, nil
				})
				if err != nil {
					t.Fatalf("Update returned error: %v", err)
				}
				if updated.ID != rec.ID || updated.DeclaredSize != 50 || !updated.CreatedAt.Equal(rec.CreatedAt) {
					t.Fatalf("immutable fields changed: %+v", updated)
				}
				if updated.Metadata["filename"] != "report.pdf" {
					t.Fatalf("metadata changed: %v", updated.Metadata)
				}
				if _, err := reg.Get(ctx, "other"); !errors.Is(err, registry.ErrNotFound) {
					t.Fatalf("update must not rekey the record, got %v", err)
				}
			},
		},
		{
			name: "update rejects invariant violations without mutation",
			testFn: func(t *testing.T, reg registry.Registry) {
				t.Helper()

				ctx := context.Background()
				rec := sampleRecord("inv", 100, time.Unix(15, 0))
				rec.ReceivedLength = 40
				if err := reg.Insert(ctx, rec); err != nil {
					t.Fatalf("Insert failed: %v", err)
				}

				mutations := []func(registry.Record) registry.Record{
					func(r registry.Record) registry.Record { r.ReceivedLength = 39; return r },
					func(r registry.Record) registry.Record { r.ReceivedLength = 101; return r },
					func(r registry.Record) registry.Record { r.Completed = true; return r },
					func(r registry.Record) registry.Record { r.ReceivedLength = 100; return r },
				}
				for i, mutate := range mutations {
					_, err := reg.Update(ctx, rec.ID, func(r registry.Record) (registry.Record, error) {
						return mutate(r), nil
					})
					if !errors.Is(err, registry.ErrInvariant) {
						t.Fatalf("mutation %d: expected ErrInvariant, got %v", i, err)
					}
				}

				fetched, err := reg.Get(ctx, rec.ID)
				if err != nil {
					t.Fatalf("Get returned error: %v", err)
				}
				if fetched.ReceivedLength != 40 || fetched.Completed {
					t.Fatalf("record mutated by rejected updates: %+v", fetched)
				}
			},
		},
		{
			name: "update propagates callback error",
			testFn: func(t *testing.T, reg registry.Registry) {
				t.Helper()

				ctx := context.Background()
				rec := sampleRecord("cb", 10, time.Unix(16, 0))
				if err := reg.Insert(ctx, rec); err != nil {
					t.Fatalf("Insert failed: %v", err)
				}
				boom := errors.New("boom")
				_, err := reg.Update(ctx, rec.ID, func(r registry.Record) (registry.Record, error) {
					r.ReceivedLength = 5
					return r, boom
				})
				if !errors.Is(err, boom) {
					t.Fatalf("expected callback error, got %v", err)
				}
				fetched, _ := reg.Get(ctx, rec.ID)
				if fetched.ReceivedLength != 0 {
					t.Fatalf("failed callback must not persist, got %d", fetched.ReceivedLength)
				}
			},
		},
		{
			name: "update missing returns ErrNotFound",
			testFn: func(t *testing.T, reg registry.Registry) {
				t.Helper()

				_, err := reg.Update(context.Background(), "missing", func(r registry.Record) (registry.Record, error) {
					return r, nil
				})
				if !errors.Is(err, registry.ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
			},
		},
		{
			name: "compare and advance completes at declared size",
			testFn: func(t *testing.T, reg registry.Registry) {
				t.Helper()

				ctx := context.Background()
				rec := sampleRecord("cas", 25, time.Unix(17, 0))
				if err := reg.Insert(ctx, rec); err != nil {
					t.Fatalf("Insert failed: %v", err)
				}

				var offset int64
				for _, n := range []int64{10, 10, 5} {
					got, err := registry.CompareAndAdvance(ctx, reg, rec.ID, offset, n)
					if err != nil {
						t.Fatalf("CompareAndAdvance(%d,%d) returned error: %v", offset, n, err)
					}
					offset += n
					if got.ReceivedLength != offset {
						t.Fatalf("expected received length %d, got %d", offset, got.ReceivedLength)
					}
					if got.Completed != (offset == 25) {
						t.Fatalf("unexpected completed=%v at %d", got.Completed, offset)
					}
				}

				if _, err := registry.CompareAndAdvance(ctx, reg, rec.ID, 25, 1); !errors.Is(err, registry.ErrInvariant) {
					t.Fatalf("expected ErrInvariant past declared size, got %v", err)
				}
			},
		},
		{
			name: "compare and advance rejects stale offset",
			testFn: func(t *testing.T, reg registry.Registry) {
				t.Helper()

				ctx := context.Background()
				rec := sampleRecord("stale", 100, time.Unix(18, 0))
				if err := reg.Insert(ctx, rec); err != nil {
					t.Fatalf("Insert failed: %v", err)
				}
				if _, err := registry.CompareAndAdvance(ctx, reg, rec.ID, 0, 30); err != nil {
					t.Fatalf("CompareAndAdvance returned error: %v", err)
				}
				if _, err := registry.CompareAndAdvance(ctx, reg, rec.ID, 0, 30); !errors.Is(err, registry.ErrStaleOffset) {
					t.Fatalf("expected ErrStaleOffset, got %v", err)
				}
				fetched, _ := reg.Get(ctx, rec.ID)
				if fetched.ReceivedLength != 30 {
					t.Fatalf("stale advance mutated record: %d", fetched.ReceivedLength)
				}
			},
		},
		{
			name: "concurrent advances from the same offset serialize",
			testFn: func(t *testing.T, reg registry.Registry) {
				t.Helper()

				ctx := context.Background()
				rec := sampleRecord("race", 1000, time.Unix(19, 0))
				if err := reg.Insert(ctx, rec); err != nil {
					t.Fatalf("Insert failed: %v", err)
				}

				const workers = 8
				var wg sync.WaitGroup
				var mu sync.Mutex
				wins := 0
				for i := 0; i < workers; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := registry.CompareAndAdvance(ctx, reg, rec.ID, 0, 100)
						if err == nil {
							mu.Lock()
							wins++
							mu.Unlock()
							return
						}
						if !errors.Is(err, registry.ErrStaleOffset) {
							t.Errorf("unexpected error: %v", err)
						}
					}()
				}
				wg.Wait()

				if wins != 1 {
					t.Fatalf("expected exactly one winner, got %d", wins)
				}
				fetched, _ := reg.Get(ctx, rec.ID)
				if fetched.ReceivedLength != 100 {
					t.Fatalf("expected received length 100, got %d", fetched.ReceivedLength)
				}
			},
		},
		{
			name: "returned records do not alias stored metadata",
			testFn: func(t *testing.T, reg registry.Registry) {
				t.Helper()

				ctx := context.Background()
				rec := sampleRecord("alias", 10, time.Unix(20, 0))
				if err := reg.Insert(ctx, rec); err != nil {
					t.Fatalf("Insert failed: %v", err)
				}
				rec.Metadata["filename"] = "mutated-after-insert"

				fetched, _ := reg.Get(ctx, "alias")
				fetched.Metadata["filename"] = "mutated-after-get"

				again, _ := reg.Get(ctx, "alias")
				if again.Metadata["filename"] != "report.pdf" {
					t.Fatalf("stored metadata aliased caller map: %v", again.Metadata)
				}
			},
		},
		{
			name: "delete removes record and is idempotent",
			testFn: func(t *testing.T, reg registry.Registry) {
				t.Helper()

				ctx := context.Background()
				rec := sampleRecord("del", 10, time.Unix(21, 0))
				if err := reg.Insert(ctx, rec); err != nil {
					t.Fatalf("Insert failed: %v", err)
				}
				if err := reg.Delete(ctx, rec.ID); err != nil {
					t.Fatalf("Delete returned error: %v", err)
				}
				if err := reg.Delete(ctx, rec.ID); err != nil {
					t.Fatalf("Delete should be idempotent, got error: %v", err)
				}
				if _, err := reg.Get(ctx, rec.ID); !errors.Is(err, registry.ErrNotFound) {
					t.Fatalf("expected ErrNotFound after delete, got %v", err)
				}
			},
		},
		{
			name: "list orders by creation time",
			testFn: func(t *testing.T, reg registry.Registry) {
				t.Helper()

				ctx := context.Background()
				base := time.Unix(1_000, 0).UTC()
				order := []int{3, 1, 4, 0, 2}
				for _, i := range order {
					rec := sampleRecord("list-"+strconv.Itoa(i), 10, base.Add(time.Duration(i)*time.Minute))
					if err := reg.Insert(ctx, rec); err != nil {
						t.Fatalf("Insert %d failed: %v", i, err)
					}
				}

				recs, err := reg.List(ctx)
				if err != nil {
					t.Fatalf("List returned error: %v", err)
				}
				if len(recs) != len(order) {
					t.Fatalf("expected %d records, got %d", len(order), len(recs))
				}
				for i, rec := range recs {
					if want := "list-" + strconv.Itoa(i); rec.ID != want {
						t.Fatalf("position %d: expected %s, got %s", i, want, rec.ID)
					}
				}
			},
		},
		{
			name: "cancelled context is honoured",
			testFn: func(t *testing.T, reg registry.Registry) {
				t.Helper()

				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				if err := reg.Insert(ctx, sampleRecord("ctx", 1, time.Unix(22, 0))); !errors.Is(err, context.Canceled) {
					t.Fatalf("expected context.Canceled, got %v", err)
				}
				if _, err := reg.List(ctx); !errors.Is(err, context.Canceled) {
					t.Fatalf("expected context.Canceled from List, got %v", err)
				}
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			reg := factory(t)
			tc.testFn(t, reg)
		})
	}
}

// MemoryFactory returns a factory producing the in-memory implementation.
func MemoryFactory() Factory {
	return func(tb testing.TB) registry.Registry {
		tb.Helper()

		reg := registry.NewMemory()
		tb.Cleanup(func() {
			_ = reg.Close()
		})
		return reg
	}
}

func sampleRecord(id string, size int64, created time.Time) registry.Record {
	if !created.IsZero() {
		created = created.UTC()
	}
	return registry.Record{
		ID:           id,
		DeclaredSize: size,
		Metadata:     map[string]string{"filename": "report.pdf"},
		CreatedAt:    created,
	}
}

func assertRecordsEqual(t *testing.T, expected, actual registry.Record) {
	t.Helper()

	if expected.ID != actual.ID {
		t.Fatalf("id mismatch: expected %s got %s", expected.ID, actual.ID)
	}
	if expected.DeclaredSize != actual.DeclaredSize {
		t.Fatalf("declared size mismatch: expected %d got %d", expected.DeclaredSize, actual.DeclaredSize)
	}
	if expected.ReceivedLength != actual.ReceivedLength {
		t.Fatalf("received length mismatch: expected %d got %d", expected.ReceivedLength, actual.ReceivedLength)
	}
	if expected.Completed != actual.Completed || expected.Finalized != actual.Finalized {
		t.Fatalf("flag mismatch: expected %+v got %+v", expected, actual)
	}
	if !expected.CreatedAt.Equal(actual.CreatedAt) {
		t.Fatalf("created at mismatch: expected %v got %v", expected.CreatedAt, actual.CreatedAt)
	}
	if len(expected.Metadata) != len(actual.Metadata) {
		t.Fatalf("metadata length mismatch: expected %v got %v", expected.Metadata, actual.Metadata)
	}
	for k, v := range expected.Metadata {
		if actual.Metadata[k] != v {
			t.Fatalf("metadata %q mismatch: expected %q got %q", k, v, actual.Metadata[k])
		}
	}
}
