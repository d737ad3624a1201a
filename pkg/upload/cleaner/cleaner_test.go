package cleaner_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tigrisdata/tigrisup/pkg/upload/cleaner"
	"github.com/tigrisdata/tigrisup/pkg/upload/engine"
	"github.com/tigrisdata/tigrisup/pkg/upload/registry"
	"github.com/tigrisdata/tigrisup/pkg/upload/storage/files"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// memStore holds records and reports their received bytes as disk usage.
type memStore struct {
	mu       sync.Mutex
	recs     map[string]registry.Record
	capacity uint64
	failIDs  map[string]bool
	// touch runs under the lock before a removal decision, standing in for a
	// PATCH that lands between List and removal.
	touch func(rec *registry.Record)
}

func newMemStore(capacity uint64, recs ...registry.Record) *memStore {
	s := &memStore{recs: map[string]registry.Record{}, capacity: capacity, failIDs: map[string]bool{}}
	for _, rec := range recs {
		s.recs[rec.ID] = rec
	}
	return s
}

func (s *memStore) List(context.Context) ([]registry.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]registry.Record, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) DeleteIf(_ context.Context, id string, cond func(registry.Record) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIDs[id] {
		return false, errors.New("device busy")
	}
	rec, ok := s.recs[id]
	if !ok {
		return false, registry.ErrNotFound
	}
	if s.touch != nil {
		s.touch(&rec)
		s.recs[id] = rec
	}
	if cond != nil && !cond(rec) {
		return false, nil
	}
	delete(s.recs, id)
	return true, nil
}

func (s *memStore) Stat(string) (uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var used uint64
	for _, rec := range s.recs {
		used += uint64(rec.ReceivedLength)
	}
	return s.capacity, s.capacity - min(used, s.capacity), nil
}

func (s *memStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.recs[id]
	return ok
}

func rec(id string, received, declared int64, idle time.Duration) registry.Record {
	return registry.Record{
		ID:             id,
		DeclaredSize:   declared,
		ReceivedLength: received,
		CreatedAt:      t0.Add(-idle),
		UpdatedAt:      t0.Add(-idle),
		Completed:      received == declared,
	}
}

func newCleaner(t *testing.T, cfg cleaner.Config, store *memStore) *cleaner.Cleaner {
	t.Helper()
	if cfg.StorageDir == "" {
		cfg.StorageDir = t.TempDir()
	}
	c, err := cleaner.New(cfg, store,
		cleaner.WithDiskUsage(store),
		cleaner.WithClock(func() time.Time { return t0 }))
	if err != nil {
		t.Fatalf("new cleaner: %v", err)
	}
	return c
}

func TestCleanerExpiresIdleUploads(t *testing.T) {
	t.Parallel()
	store := newMemStore(1000,
		rec("stale", 10, 100, 2*time.Hour),
		rec("fresh", 10, 100, 10*time.Minute),
		rec("done-old", 50, 50, 48*time.Hour),
	)
	c := newCleaner(t, cleaner.Config{UploadTTL: time.Hour}, store)

	report, err := c.RunOnce(context.Background(), cleaner.Trigger{Reason: cleaner.TriggerReasonMaintenance})
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if len(report.Expired) != 1 || report.Expired[0] != "stale" {
		t.Fatalf("expected [stale] expired, got %v", report.Expired)
	}
	if report.BytesFreed != 10 {
		t.Fatalf("expected 10 bytes freed, got %d", report.BytesFreed)
	}
	if !store.has("fresh") || !store.has("done-old") {
		t.Fatalf("fresh or completed upload was removed")
	}
}

func TestCleanerCompletedRetention(t *testing.T) {
	t.Parallel()
	store := newMemStore(1000,
		rec("done-old", 50, 50, 48*time.Hour),
		rec("done-new", 50, 50, time.Hour),
	)
	c := newCleaner(t, cleaner.Config{UploadTTL: time.Hour, CompletedRetention: 24 * time.Hour}, store)

	report, err := c.RunOnce(context.Background(), cleaner.Trigger{Reason: cleaner.TriggerReasonMaintenance})
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if len(report.Expired) != 1 || report.Expired[0] != "done-old" {
		t.Fatalf("expected [done-old] expired, got %v", report.Expired)
	}
}

func TestCleanerEmergencyEvictsStalestPartials(t *testing.T) {
	t.Parallel()
	store := newMemStore(100,
		rec("a", 40, 100, 30*time.Minute),
		rec("b", 30, 100, 20*time.Minute),
		rec("c", 20, 100, 10*time.Minute),
		rec("done", 5, 5, 40*time.Minute),
	)
	// 95 of 100 bytes used; 30% free needs 25 more.
	c := newCleaner(t, cleaner.Config{UploadTTL: time.Hour, MinFreePercent: 30}, store)

	report, err := c.RunOnce(context.Background(), cleaner.Trigger{Reason: cleaner.TriggerReasonENOSPC})
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if !report.Emergency {
		t.Fatalf("expected emergency flag set")
	}
	if len(report.Evicted) != 1 || report.Evicted[0] != "a" {
		t.Fatalf("expected [a] evicted, got %v", report.Evicted)
	}
	if !store.has("done") {
		t.Fatalf("completed upload was evicted")
	}
}

func TestCleanerEmergencyFatalWhenInsufficientSpace(t *testing.T) {
	t.Parallel()
	store := newMemStore(100,
		rec("partial", 20, 100, 30*time.Minute),
		rec("done", 70, 70, 40*time.Minute),
	)
	c := newCleaner(t, cleaner.Config{UploadTTL: time.Hour, MinFreePercent: 50}, store)

	report, err := c.RunOnce(context.Background(), cleaner.Trigger{Reason: cleaner.TriggerReasonENOSPC})
	if !errors.Is(err, cleaner.ErrFatalCondition) {
		t.Fatalf("expected ErrFatalCondition, got %v", err)
	}
	if len(report.Evicted) != 1 || report.Evicted[0] != "partial" {
		t.Fatalf("expected [partial] evicted, got %v", report.Evicted)
	}
}

func TestCleanerSkipsFailedRemovals(t *testing.T) {
	t.Parallel()
	store := newMemStore(1000,
		rec("busy", 10, 100, 2*time.Hour),
		rec("gone", 10, 100, 3*time.Hour),
	)
	store.failIDs["busy"] = true
	c := newCleaner(t, cleaner.Config{UploadTTL: time.Hour}, store)

	report, err := c.RunOnce(context.Background(), cleaner.Trigger{Reason: cleaner.TriggerReasonMaintenance})
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if len(report.Expired) != 1 || report.Expired[0] != "gone" {
		t.Fatalf("expected [gone] expired, got %v", report.Expired)
	}
}

func TestCleanerKeepsUploadWrittenAfterListing(t *testing.T) {
	t.Parallel()
	store := newMemStore(1000, rec("racing", 10, 100, 2*time.Hour))
	store.touch = func(r *registry.Record) {
		r.ReceivedLength += 10
		r.UpdatedAt = t0
	}
	c := newCleaner(t, cleaner.Config{UploadTTL: time.Hour}, store)

	report, err := c.RunOnce(context.Background(), cleaner.Trigger{Reason: cleaner.TriggerReasonMaintenance})
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if len(report.Expired) != 0 || report.BytesFreed != 0 {
		t.Fatalf("expected nothing expired, got %v (%d bytes)", report.Expired, report.BytesFreed)
	}
	if !store.has("racing") {
		t.Fatalf("upload written after listing was removed")
	}
}

func TestCleanerEmergencySkipsUploadWrittenAfterListing(t *testing.T) {
	t.Parallel()
	store := newMemStore(100,
		rec("racing", 40, 100, 10*time.Minute),
		rec("idle", 40, 100, 5*time.Minute),
	)
	store.touch = func(r *registry.Record) {
		if r.ID == "racing" {
			r.UpdatedAt = t0
		}
	}
	c := newCleaner(t, cleaner.Config{UploadTTL: time.Hour, MinFreePercent: 50}, store)

	report, err := c.RunOnce(context.Background(), cleaner.Trigger{Reason: cleaner.TriggerReasonENOSPC})
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if len(report.Evicted) != 1 || report.Evicted[0] != "idle" {
		t.Fatalf("expected [idle] evicted, got %v", report.Evicted)
	}
	if !store.has("racing") {
		t.Fatalf("upload written after listing was evicted")
	}
}

func TestCleanerRejectsBadConfig(t *testing.T) {
	t.Parallel()
	store := newMemStore(1)
	if _, err := cleaner.New(cleaner.Config{}, store); err == nil {
		t.Fatalf("expected error for missing storage dir")
	}
	if _, err := cleaner.New(cleaner.Config{StorageDir: t.TempDir(), MinFreePercent: 101}, store); err == nil {
		t.Fatalf("expected error for min free percent above 100")
	}
	if _, err := cleaner.New(cleaner.Config{StorageDir: t.TempDir()}, nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
}

func TestCleanerBackgroundHandlesTriggers(t *testing.T) {
	t.Parallel()
	store := newMemStore(1000, rec("stale", 10, 100, 2*time.Hour))
	c := newCleaner(t, cleaner.Config{UploadTTL: time.Hour, CleanInterval: time.Hour}, store)

	ctx, cancel := context.WithCancel(context.Background())
	triggers := make(chan cleaner.Trigger, 1)
	done := make(chan error, 1)
	go func() { done <- c.RunBackground(ctx, triggers) }()

	triggers <- cleaner.Trigger{Reason: cleaner.TriggerReasonMaintenance}
	deadline := time.Now().Add(5 * time.Second)
	for store.has("stale") {
		if time.Now().After(deadline) {
			t.Fatalf("trigger was not handled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("RunBackground returned %v, want context.Canceled", err)
	}
}

func TestCleanerRemovesThroughEngine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	root := t.TempDir()
	store, err := files.New(root, files.WithoutReservation())
	if err != nil {
		t.Fatalf("files.New: %v", err)
	}
	defer store.Close()

	eng, err := engine.New(engine.Config{MaxFileSize: 1 << 10, UploadTTL: time.Hour}, registry.NewMemory(), store)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	id, err := eng.Create(ctx, 100, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := eng.Patch(ctx, id, 0, make([]byte, 10)); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	// Records are stamped with the wall clock, so look from two hours ahead.
	later := time.Now().Add(2 * time.Hour)
	c, err := cleaner.New(cleaner.Config{StorageDir: root, UploadTTL: time.Hour}, eng,
		cleaner.WithClock(func() time.Time { return later }))
	if err != nil {
		t.Fatalf("new cleaner: %v", err)
	}
	report, err := c.RunOnce(ctx, cleaner.Trigger{Reason: cleaner.TriggerReasonMaintenance})
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if len(report.Expired) != 1 || report.Expired[0] != id {
		t.Fatalf("expected [%s] expired, got %v", id, report.Expired)
	}
	if ids, _ := store.List(ctx); len(ids) != 0 {
		t.Fatalf("storage still holds %v", ids)
	}
}
