package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/tigrisdata/tigrisup/pkg/upload/protocol"
	"github.com/tigrisdata/tigrisup/pkg/upload/registry"
	"github.com/tigrisdata/tigrisup/pkg/upload/storage"
	"github.com/tigrisdata/tigrisup/pkg/upload/storage/files"
)

const mb = 1 << 20

func TestEngineTransfersInChunks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, store := newTestEngine(t, Config{MaxFileSize: 100 * mb})

	payload := pattern(25 * mb)
	id, err := e.Create(ctx, int64(len(payload)), map[string]string{"filename": "video.mp4"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	steps := []struct{ offset, end int64 }{
		{0, 10 * mb},
		{10 * mb, 20 * mb},
		{20 * mb, 25 * mb},
	}
	for _, step := range steps {
		got, err := e.Patch(ctx, id, step.offset, payload[step.offset:step.end])
		if err != nil {
			t.Fatalf("Patch(%d) failed: %v", step.offset, err)
		}
		if got != step.end {
			t.Fatalf("Patch(%d) = %d, want %d", step.offset, got, step.end)
		}
	}

	st, err := e.Head(ctx, id)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if !st.Completed || st.ReceivedLength != 25*mb {
		t.Fatalf("unexpected status %+v", st)
	}

	if _, err := e.Patch(ctx, id, 25*mb, []byte("x")); !errors.Is(err, protocol.ErrOverflow) {
		t.Fatalf("Patch past the end = %v, want Overflow", err)
	}
	if store.writes() != 3 {
		t.Fatalf("expected 3 backend writes, got %d", store.writes())
	}
}

func TestEngineCreateRejectsOversizedUpload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, reg, store := newTestEngine(t, Config{MaxFileSize: 10 * mb})

	for _, size := range []int64{0, -1, 10*mb + 1} {
		if _, err := e.Create(ctx, size, nil); !errors.Is(err, protocol.ErrSizeExceeded) {
			t.Fatalf("Create(%d) = %v, want SizeExceeded", size, err)
		}
	}

	recs, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no records, got %d", len(recs))
	}
	ids, err := store.List(ctx)
	if err != nil {
		t.Fatalf("storage List failed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no objects, got %v", ids)
	}
}

func TestEngineCreateRejectsBadMetadata(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, Config{MaxFileSize: mb})

	_, err := e.Create(context.Background(), 10, map[string]string{"bad key": "v"})
	if !errors.Is(err, protocol.ErrInvalid) {
		t.Fatalf("Create with bad metadata = %v, want Invalid", err)
	}
}

func TestEnginePatchOffsetMismatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, _ := newTestEngine(t, Config{MaxFileSize: mb})

	id := mustCreate(t, e, 100)
	if _, err := e.Patch(ctx, id, 0, pattern(40)); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}

	for _, offset := range []int64{41, 90, -1} {
		got, err := e.Patch(ctx, id, offset, pattern(5))
		if !errors.Is(err, protocol.ErrOffsetMismatch) {
			t.Fatalf("Patch(%d) = %v, want OffsetMismatch", offset, err)
		}
		if got != 40 {
			t.Fatalf("Patch(%d) reported length %d, want 40", offset, got)
		}
	}
	assertReceived(t, e, id, 40)
}

func TestEnginePatchIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, store := newTestEngine(t, Config{MaxFileSize: 100 * mb})

	payload := pattern(25 * mb)
	id := mustCreate(t, e, int64(len(payload)))

	first, err := e.Patch(ctx, id, 0, payload[:10*mb])
	if err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	// The response to the first request was lost; the client sends it again.
	again, err := e.Patch(ctx, id, 0, payload[:10*mb])
	if err != nil {
		t.Fatalf("retried Patch failed: %v", err)
	}
	if again != first {
		t.Fatalf("retried Patch = %d, want %d", again, first)
	}
	if store.writes() != 1 {
		t.Fatalf("retry wrote bytes again: %d writes", store.writes())
	}

	st, err := e.Head(ctx, id)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	next, err := e.Patch(ctx, id, st.ReceivedLength, payload[st.ReceivedLength:20*mb])
	if err != nil {
		t.Fatalf("Patch after Head failed: %v", err)
	}
	if next != 20*mb {
		t.Fatalf("Patch after Head = %d, want %d", next, 20*mb)
	}
	if store.bytesWritten() != 20*mb {
		t.Fatalf("expected %d bytes written, got %d", 20*mb, store.bytesWritten())
	}
}

func TestEnginePatchStraddlingFrontierWritesTail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, store := newTestEngine(t, Config{MaxFileSize: mb})

	payload := pattern(100)
	id := mustCreate(t, e, 100)
	if _, err := e.Patch(ctx, id, 0, payload[:60]); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}

	got, err := e.Patch(ctx, id, 40, payload[40:80])
	if err != nil {
		t.Fatalf("straddling Patch failed: %v", err)
	}
	if got != 80 {
		t.Fatalf("straddling Patch = %d, want 80", got)
	}
	if store.bytesWritten() != 80 {
		t.Fatalf("expected 80 bytes written, got %d", store.bytesWritten())
	}

	buf := make([]byte, 80)
	if _, err := store.ReadAt(ctx, id, 0, buf); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(buf, payload[:80]) {
		t.Fatalf("stored bytes differ from payload")
	}
}

func TestEnginePatchRejectsConflictingRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, _ := newTestEngine(t, Config{MaxFileSize: mb})

	id := mustCreate(t, e, 100)
	if _, err := e.Patch(ctx, id, 0, bytes.Repeat([]byte{'a'}, 50)); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	_, err := e.Patch(ctx, id, 0, bytes.Repeat([]byte{'b'}, 50))
	if !errors.Is(err, protocol.ErrOffsetMismatch) {
		t.Fatalf("conflicting retry = %v, want OffsetMismatch", err)
	}
	assertReceived(t, e, id, 50)
}

func TestEnginePatchUnknownUpload(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, Config{MaxFileSize: mb})

	if _, err := e.Patch(context.Background(), "missing", 0, []byte("x")); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("Patch unknown = %v, want NotFound", err)
	}
	if _, err := e.Head(context.Background(), "missing"); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("Head unknown = %v, want NotFound", err)
	}
}

func TestEnginePatchRejectsOverflowWithoutWriting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, store := newTestEngine(t, Config{MaxFileSize: mb})

	id := mustCreate(t, e, 10)
	if _, err := e.Patch(ctx, id, 0, pattern(11)); !errors.Is(err, protocol.ErrOverflow) {
		t.Fatalf("oversized chunk = %v, want Overflow", err)
	}
	if store.writes() != 0 {
		t.Fatalf("overflowing chunk reached storage")
	}
	assertReceived(t, e, id, 0)
}

func TestEnginePartialAcceptance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, store := newTestEngine(t, Config{MaxFileSize: mb})

	id := mustCreate(t, e, 100)
	store.failNextWrite(30, syscall.EIO)

	got, err := e.Patch(ctx, id, 0, pattern(100))
	if !errors.Is(err, protocol.ErrUnavailable) {
		t.Fatalf("short write = %v, want Unavailable", err)
	}
	if got != 30 {
		t.Fatalf("short write reported %d, want 30", got)
	}
	assertReceived(t, e, id, 30)

	got, err = e.Patch(ctx, id, 30, pattern(100)[30:])
	if err != nil {
		t.Fatalf("resumed Patch failed: %v", err)
	}
	if got != 100 {
		t.Fatalf("resumed Patch = %d, want 100", got)
	}
}

func TestEngineHeadIsMonotonic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, _ := newTestEngine(t, Config{MaxFileSize: mb})

	payload := pattern(64)
	id := mustCreate(t, e, 64)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for off := 0; off < 64; off += 8 {
			_, _ = e.Patch(ctx, id, int64(off), payload[off:off+8])
		}
	}()

	var last int64
	for i := 0; i < 200; i++ {
		st, err := e.Head(ctx, id)
		if err != nil {
			t.Fatalf("Head failed: %v", err)
		}
		if st.ReceivedLength < last {
			t.Fatalf("received length went backwards: %d after %d", st.ReceivedLength, last)
		}
		last = st.ReceivedLength
	}
	wg.Wait()
	assertReceived(t, e, id, 64)
}

func TestEngineConcurrentPatchesSerialize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, store := newTestEngine(t, Config{MaxFileSize: mb})

	payload := pattern(32)
	id := mustCreate(t, e, 64)

	var (
		wg        sync.WaitGroup
		successes int
		mu        sync.Mutex
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if n, err := e.Patch(ctx, id, 0, payload); err == nil && n == 32 {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Every caller observes the first write; the rest are idempotent replays.
	if successes != 8 {
		t.Fatalf("expected 8 consistent results, got %d", successes)
	}
	if store.writes() != 1 {
		t.Fatalf("expected a single backend write, got %d", store.writes())
	}
	if held := e.locks.held(); held != 0 {
		t.Fatalf("lock table not drained: %d entries", held)
	}
}

func TestEngineFinalize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, store := newTestEngine(t, Config{MaxFileSize: mb})

	id := mustCreate(t, e, 4)
	if _, err := e.Patch(ctx, id, 0, []byte("ab")); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	if err := e.Finalize(ctx, id); !errors.Is(err, protocol.ErrIncomplete) {
		t.Fatalf("Finalize incomplete = %v, want Incomplete", err)
	}
	if _, err := e.Patch(ctx, id, 2, []byte("cd")); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := e.Finalize(ctx, id); err != nil {
			t.Fatalf("Finalize #%d failed: %v", i+1, err)
		}
	}
	st, err := e.Head(ctx, id)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if !st.Finalized {
		t.Fatalf("upload not marked finalized: %+v", st)
	}
	if store.finalized() != 1 {
		t.Fatalf("expected one backend finalize, got %d", store.finalized())
	}
}

func TestEngineAutoFinalize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, store := newTestEngine(t, Config{MaxFileSize: mb, AutoFinalize: true})

	id := mustCreate(t, e, 3)
	if _, err := e.Patch(ctx, id, 0, []byte("abc")); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	st, err := e.Head(ctx, id)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if !st.Completed || !st.Finalized {
		t.Fatalf("unexpected status %+v", st)
	}
	// A replay of the last chunk after the move is still recognised.
	if got, err := e.Patch(ctx, id, 0, []byte("abc")); err != nil || got != 3 {
		t.Fatalf("replay after finalize = %d, %v", got, err)
	}
	if store.finalized() != 1 {
		t.Fatalf("expected one backend finalize, got %d", store.finalized())
	}
}

func TestEngineDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, reg, store := newTestEngine(t, Config{MaxFileSize: mb})

	id := mustCreate(t, e, 10)
	if err := e.Delete(ctx, id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := reg.Get(ctx, id); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("record survived Delete: %v", err)
	}
	if _, err := store.StatLength(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("object survived Delete: %v", err)
	}
	if err := e.Delete(ctx, id); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("second Delete = %v, want NotFound", err)
	}
}

func TestEngineDeleteIfSeesCurrentRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, reg, _ := newTestEngine(t, Config{MaxFileSize: mb})

	id := mustCreate(t, e, 10)
	listed, err := reg.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := e.Patch(ctx, id, 0, pattern(4)); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}

	untouched := func(cur registry.Record) bool { return !cur.UpdatedAt.After(listed.UpdatedAt) }
	removed, err := e.DeleteIf(ctx, id, untouched)
	if err != nil || removed {
		t.Fatalf("DeleteIf after Patch = %v, %v; want kept", removed, err)
	}
	if _, err := reg.Get(ctx, id); err != nil {
		t.Fatalf("record removed despite Patch: %v", err)
	}

	removed, err = e.DeleteIf(ctx, id, func(registry.Record) bool { return true })
	if err != nil || !removed {
		t.Fatalf("DeleteIf = %v, %v; want removed", removed, err)
	}
	if _, err := e.DeleteIf(ctx, id, nil); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("DeleteIf on a removed upload = %v, want NotFound", err)
	}
}

func TestEngineHeadReportsExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, _ := newTestEngine(t, Config{MaxFileSize: mb, UploadTTL: time.Hour})

	id := mustCreate(t, e, 10)
	st, err := e.Head(ctx, id)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if st.ExpiresAt.IsZero() {
		t.Fatalf("expected an expiry for an incomplete upload")
	}
	if _, err := e.Patch(ctx, id, 0, pattern(10)); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	st, err = e.Head(ctx, id)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if !st.ExpiresAt.IsZero() {
		t.Fatalf("completed upload should not expire, got %v", st.ExpiresAt)
	}
}

func TestEngineCreateRetriesIDCollision(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ids := []string{"fixed", "fixed", "other"}
	var n int
	e, _, _ := newTestEngine(t, Config{MaxFileSize: mb}, WithIDGenerator(func() string {
		id := ids[n]
		n++
		return id
	}))

	if id, err := e.Create(ctx, 1, nil); err != nil || id != "fixed" {
		t.Fatalf("first Create = %q, %v", id, err)
	}
	id, err := e.Create(ctx, 1, nil)
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if id != "other" {
		t.Fatalf("second Create = %q, want other", id)
	}
}

func TestEnginePauseWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, _ := newTestEngine(t, Config{MaxFileSize: mb})

	id := mustCreate(t, e, 10)
	data := pattern(10)
	if _, err := e.Patch(ctx, id, 0, data[:4]); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	if err := e.PauseWrites(ctx); err != nil {
		t.Fatalf("PauseWrites failed: %v", err)
	}
	// The rejection still carries the frontier so clients do not rewind.
	got, err := e.Patch(ctx, id, 4, data[4:])
	if !errors.Is(err, protocol.ErrUnavailable) {
		t.Fatalf("Patch while paused = %v, want Unavailable", err)
	}
	if got != 4 {
		t.Fatalf("Patch while paused returned length %d, want 4", got)
	}
	if _, err := e.Create(ctx, 10, nil); !errors.Is(err, protocol.ErrUnavailable) {
		t.Fatalf("Create while paused = %v, want Unavailable", err)
	}
	if _, err := e.Head(ctx, id); err != nil {
		t.Fatalf("Head while paused failed: %v", err)
	}
	if err := e.ResumeWrites(ctx); err != nil {
		t.Fatalf("ResumeWrites failed: %v", err)
	}
	if got, err := e.Patch(ctx, id, 4, data[4:]); err != nil || got != 10 {
		t.Fatalf("Patch after resume = %d, %v", got, err)
	}
}

func TestEngineReportsNoSpace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	handler := &stubSpaceHandler{called: make(chan struct{}, 1)}
	e, _, store := newTestEngine(t, Config{MaxFileSize: mb}, WithSpaceHandler(handler))

	id := mustCreate(t, e, 10)
	store.failNextWrite(0, syscall.ENOSPC)
	if _, err := e.Patch(ctx, id, 0, pattern(10)); !errors.Is(err, protocol.ErrUnavailable) {
		t.Fatalf("Patch on full disk = %v, want Unavailable", err)
	}
	select {
	case <-handler.called:
	case <-time.After(time.Second):
		t.Fatalf("space handler was not notified")
	}
	assertReceived(t, e, id, 0)
}

func TestEngineReconcile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, reg, store := newTestEngine(t, Config{MaxFileSize: mb})

	ahead := mustCreate(t, e, 10)
	if _, err := e.Patch(ctx, ahead, 0, pattern(4)); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	// Bytes that reached disk but were never accounted.
	if _, err := store.Store.WriteAt(ctx, ahead, 4, pattern(3)); err != nil {
		t.Fatalf("raw WriteAt failed: %v", err)
	}

	lost := mustCreate(t, e, 10)
	if err := store.Store.Delete(ctx, lost); err != nil {
		t.Fatalf("raw Delete failed: %v", err)
	}

	if err := store.Store.Create(ctx, "orphan", 10); err != nil {
		t.Fatalf("raw Create failed: %v", err)
	}

	report, err := e.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if report.Checked != 2 {
		t.Fatalf("checked %d records, want 2", report.Checked)
	}
	if fmt.Sprint(report.Truncated) != fmt.Sprint([]string{ahead}) {
		t.Fatalf("truncated %v, want [%s]", report.Truncated, ahead)
	}
	if fmt.Sprint(report.DroppedRecords) != fmt.Sprint([]string{lost}) {
		t.Fatalf("dropped %v, want [%s]", report.DroppedRecords, lost)
	}
	if fmt.Sprint(report.RemovedObjects) != "[orphan]" {
		t.Fatalf("removed %v, want [orphan]", report.RemovedObjects)
	}

	length, err := store.StatLength(ctx, ahead)
	if err != nil {
		t.Fatalf("StatLength failed: %v", err)
	}
	if length != 4 {
		t.Fatalf("length after reconcile = %d, want 4", length)
	}
	if _, err := reg.Get(ctx, lost); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("lost record survived: %v", err)
	}
}

func TestEngineRecordsMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics := &stubMetrics{}
	e, _, _ := newTestEngine(t, Config{MaxFileSize: mb}, WithMetrics(metrics))

	id := mustCreate(t, e, 4)
	if _, err := e.Patch(ctx, id, 3, []byte("x")); err == nil {
		t.Fatalf("expected mismatch")
	}
	if _, err := e.Patch(ctx, id, 0, []byte("abcd")); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.created != 1 || metrics.completed != 1 || metrics.patchedBytes != 4 {
		t.Fatalf("unexpected metrics %+v", metrics)
	}
	if metrics.rejected[protocol.CategoryOffsetMismatch] != 1 {
		t.Fatalf("rejection not recorded: %v", metrics.rejected)
	}
}

func TestEngineRequiresDependencies(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{MaxFileSize: 1}, nil, &countingBackend{}); err == nil {
		t.Fatalf("expected error without registry")
	}
	if _, err := New(Config{MaxFileSize: 1}, registry.NewMemory(), nil); err == nil {
		t.Fatalf("expected error without storage")
	}
	if _, err := New(Config{}, registry.NewMemory(), &countingBackend{}); err == nil {
		t.Fatalf("expected error without a size limit")
	}
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) (*Engine, registry.Registry, *countingBackend) {
	t.Helper()
	fs, err := files.New(t.TempDir(), files.WithoutReservation())
	if err != nil {
		t.Fatalf("files.New failed: %v", err)
	}
	t.Cleanup(func() { _ = fs.Close() })

	store := &countingBackend{Store: fs}
	reg := registry.NewMemory()
	opts = append([]Option{WithLogger(&captureLogger{})}, opts...)
	e, err := New(cfg, reg, store, opts...)
	if err != nil {
		t.Fatalf("New engine failed: %v", err)
	}
	return e, reg, store
}

func mustCreate(t *testing.T, e *Engine, size int64) string {
	t.Helper()
	id, err := e.Create(context.Background(), size, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return id
}

func assertReceived(t *testing.T, e *Engine, id string, want int64) {
	t.Helper()
	st, err := e.Head(context.Background(), id)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if st.ReceivedLength != want {
		t.Fatalf("received length %d, want %d", st.ReceivedLength, want)
	}
}

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + i/251)
	}
	return p
}

// countingBackend wraps the file store, counting calls and optionally
// failing the next write after a prefix.
type countingBackend struct {
	*files.Store

	mu          sync.Mutex
	writeCalls  int
	written     int64
	finalizes   int
	failPrefix  int
	failErr     error
	failPending bool
}

func (c *countingBackend) WriteAt(ctx context.Context, id string, offset int64, p []byte) (int, error) {
	c.mu.Lock()
	c.writeCalls++
	fail, prefix, ferr := c.failPending, c.failPrefix, c.failErr
	c.failPending = false
	c.mu.Unlock()

	if fail {
		n := 0
		if prefix > 0 {
			var err error
			if n, err = c.Store.WriteAt(ctx, id, offset, p[:prefix]); err != nil {
				return n, err
			}
		}
		c.addWritten(n)
		return n, ferr
	}
	n, err := c.Store.WriteAt(ctx, id, offset, p)
	c.addWritten(n)
	return n, err
}

func (c *countingBackend) Finalize(ctx context.Context, id string, md map[string]string) error {
	c.mu.Lock()
	c.finalizes++
	c.mu.Unlock()
	return c.Store.Finalize(ctx, id, md)
}

func (c *countingBackend) failNextWrite(prefix int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failPending = true
	c.failPrefix = prefix
	c.failErr = err
}

func (c *countingBackend) addWritten(n int) {
	c.mu.Lock()
	c.written += int64(n)
	c.mu.Unlock()
}

func (c *countingBackend) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeCalls
}

func (c *countingBackend) bytesWritten() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

func (c *countingBackend) finalized() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalizes
}

type captureLogger struct {
	mu       sync.Mutex
	warnings []string
	errors   []string
}

func (l *captureLogger) Debugf(format string, args ...any) {}

func (l *captureLogger) Infof(format string, args ...any) {}

func (l *captureLogger) Warnf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = append(l.warnings, format)
}

func (l *captureLogger) Errorf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, format)
}

type stubMetrics struct {
	mu           sync.Mutex
	created      int
	completed    int
	patchedBytes int64
	rejected     map[protocol.Category]int
}

func (m *stubMetrics) RecordCreated(registry.Record) {
	m.mu.Lock()
	m.created++
	m.mu.Unlock()
}

func (m *stubMetrics) RecordPatched(_ string, n int64) {
	m.mu.Lock()
	m.patchedBytes += n
	m.mu.Unlock()
}

func (m *stubMetrics) RecordCompleted(registry.Record) {
	m.mu.Lock()
	m.completed++
	m.mu.Unlock()
}

func (m *stubMetrics) RecordRejected(cat protocol.Category) {
	m.mu.Lock()
	if m.rejected == nil {
		m.rejected = make(map[protocol.Category]int)
	}
	m.rejected[cat]++
	m.mu.Unlock()
}

type stubSpaceHandler struct {
	called chan struct{}
}

func (s *stubSpaceHandler) HandleENOSPC(context.Context) error {
	select {
	case s.called <- struct{}{}:
	default:
	}
	return nil
}
