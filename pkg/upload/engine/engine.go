package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tigrisdata/tigrisup/log"
	"github.com/tigrisdata/tigrisup/pkg/upload/protocol"
	"github.com/tigrisdata/tigrisup/pkg/upload/registry"
	"github.com/tigrisdata/tigrisup/pkg/upload/storage"
)

const maxIDAttempts = 3

// Logger captures structured log output for engine operations.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Metrics captures engine telemetry.
type Metrics interface {
	RecordCreated(rec registry.Record)
	RecordPatched(id string, n int64)
	RecordCompleted(rec registry.Record)
	RecordRejected(cat protocol.Category)
}

// SpaceHandler is told when the storage backend runs out of space.
type SpaceHandler interface {
	HandleENOSPC(ctx context.Context) error
}

// Config controls engine behaviour.
type Config struct {
	// MaxFileSize bounds the declared size of new uploads.
	MaxFileSize int64
	// UploadTTL is how long an incomplete upload may sit idle. It is only
	// reported to clients here; expiry itself is the cleaner's job.
	UploadTTL time.Duration
	// AutoFinalize moves uploads to their permanent location as soon as the
	// last byte arrives.
	AutoFinalize bool
}

// Status is the result of Head.
type Status struct {
	ID             string
	DeclaredSize   int64
	ReceivedLength int64
	Completed      bool
	Finalized      bool
	Metadata       map[string]string
	CreatedAt      time.Time
	// ExpiresAt is zero for completed uploads or when no TTL is set.
	ExpiresAt time.Time
}

// ReconcileReport summarises a Reconcile pass.
type ReconcileReport struct {
	Checked        int
	Truncated      []string
	Short          []string
	DroppedRecords []string
	RemovedObjects []string
	Finalized      []string
}

// Option customises engine construction.
type Option func(*Engine)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets a custom metrics collector.
func WithMetrics(metrics Metrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithIDGenerator overrides how upload ids are minted.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		e.newID = gen
	}
}

// WithSpaceHandler registers the handler notified on ENOSPC.
func WithSpaceHandler(h SpaceHandler) Option {
	return func(e *Engine) {
		e.space = h
	}
}

// Engine applies protocol requests to the registry and storage backend.
// Requests for one upload id are linearized by a per-id lock; requests for
// different ids run in parallel.
type Engine struct {
	cfg     Config
	reg     registry.Registry
	store   storage.Backend
	logger  Logger
	metrics Metrics
	now     func() time.Time
	newID   func() string
	space   SpaceHandler

	locks      *keyedMutex
	paused     atomic.Bool
	recovering atomic.Bool
}

// New constructs an Engine.
func New(cfg Config, reg registry.Registry, store storage.Backend, opts ...Option) (*Engine, error) {
	if reg == nil {
		return nil, errors.New("upload engine: registry is required")
	}
	if store == nil {
		return nil, errors.New("upload engine: storage backend is required")
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("upload engine: max file size must be positive, got %d", cfg.MaxFileSize)
	}

	e := &Engine{
		cfg:     cfg,
		reg:     reg,
		store:   store,
		logger:  defaultLogger(),
		metrics: noopMetrics{},
		now:     time.Now,
		newID:   uuid.NewString,
		locks:   newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = defaultLogger()
	}
	if e.metrics == nil {
		e.metrics = noopMetrics{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e, nil
}

// MaxFileSize is the largest declared size Create accepts.
func (e *Engine) MaxFileSize() int64 {
	return e.cfg.MaxFileSize
}

// Create allocates storage and a record for a new upload and returns its id.
func (e *Engine) Create(ctx context.Context, declaredSize int64, metadata map[string]string) (string, error) {
	if e.paused.Load() {
		return "", e.reject(protocol.Errorf(protocol.CategoryUnavailable, "writes paused while storage recovers"))
	}
	if declaredSize <= 0 || declaredSize > e.cfg.MaxFileSize {
		return "", e.reject(protocol.Errorf(protocol.CategorySizeExceeded,
			"declared size %d outside (0, %d]", declaredSize, e.cfg.MaxFileSize))
	}
	if err := protocol.ValidateMetadata(metadata); err != nil {
		return "", e.reject(err)
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := e.newID()
		if err := e.store.Create(ctx, id, declaredSize); err != nil {
			if errors.Is(err, storage.ErrExists) {
				e.logger.Warnf("upload id %s already allocated in storage, retrying", id)
				continue
			}
			return "", e.storageError("create", id, err)
		}

		rec := registry.Record{
			ID:           id,
			DeclaredSize: declaredSize,
			Metadata:     metadata,
			CreatedAt:    e.now().UTC(),
		}
		if err := e.reg.Insert(ctx, rec); err != nil {
			if delErr := e.store.Delete(context.WithoutCancel(ctx), id); delErr != nil {
				e.logger.Errorf("remove orphaned object %s: %v", id, delErr)
			}
			if errors.Is(err, registry.ErrExists) {
				continue
			}
			return "", fmt.Errorf("insert upload record: %w", err)
		}

		e.metrics.RecordCreated(rec)
		e.logger.Debugf("created upload %s (%d bytes)", id, declaredSize)
		return id, nil
	}
	return "", errors.New("upload engine: could not allocate a unique upload id")
}

// Patch writes chunk at offset and returns the resulting received length.
//
// An offset past the frontier is an OffsetMismatch. An offset below the
// frontier is accepted only when the bytes already stored match the chunk,
// in which case only the part beyond the frontier is written. The returned
// length is valid even when err is not nil: a backend that persisted a
// prefix of the chunk before failing advances the frontier by exactly that
// prefix.
func (e *Engine) Patch(ctx context.Context, id string, offset int64, chunk []byte) (int64, error) {
	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return 0, err
	}
	defer unlock()

	rec, err := e.get(ctx, id)
	if err != nil {
		return 0, err
	}
	received := rec.ReceivedLength
	if e.paused.Load() {
		return received, e.reject(protocol.Errorf(protocol.CategoryUnavailable, "writes paused while storage recovers"))
	}
	end := offset + int64(len(chunk))

	switch {
	case offset < 0 || offset > received:
		return received, e.reject(protocol.Errorf(protocol.CategoryOffsetMismatch,
			"offset %d, received length %d", offset, received))
	case offset < received:
		overlap := min(end, received) - offset
		if err := e.verifyApplied(ctx, id, offset, chunk[:overlap]); err != nil {
			return received, err
		}
		if end <= received {
			e.logger.Debugf("upload %s: chunk at %d already applied", id, offset)
			return received, nil
		}
		chunk = chunk[overlap:]
		offset = received
	}

	if len(chunk) == 0 {
		return received, nil
	}
	if offset+int64(len(chunk)) > rec.DeclaredSize {
		return received, e.reject(protocol.Errorf(protocol.CategoryOverflow,
			"%d bytes at %d exceed declared size %d", len(chunk), offset, rec.DeclaredSize))
	}

	n, werr := e.store.WriteAt(ctx, id, offset, chunk)
	n = max(0, min(n, len(chunk)))
	if n > 0 {
		// The bytes are durable now, so account them even if the caller went away.
		updated, err := registry.CompareAndAdvance(context.WithoutCancel(ctx), e.reg, id, offset, int64(n))
		if err != nil {
			if errors.Is(err, registry.ErrStaleOffset) {
				return received, e.reject(protocol.Wrap(protocol.CategoryOffsetMismatch, err))
			}
			return received, fmt.Errorf("advance received length: %w", err)
		}
		rec = updated
		received = updated.ReceivedLength
		e.metrics.RecordPatched(id, int64(n))
	}

	if werr != nil {
		if n > 0 {
			e.logger.Warnf("upload %s: accepted %d of %d bytes: %v", id, n, len(chunk), werr)
		}
		return received, e.storageError("write", id, werr)
	}
	if n < len(chunk) {
		return received, e.reject(protocol.Errorf(protocol.CategoryUnavailable,
			"short write: %d of %d bytes stored", n, len(chunk)))
	}

	if rec.Completed {
		e.metrics.RecordCompleted(rec)
		e.logger.Infof("upload %s complete (%d bytes)", id, rec.DeclaredSize)
		if e.cfg.AutoFinalize {
			if err := e.finalizeLocked(ctx, rec); err != nil {
				e.logger.Warnf("upload %s: auto finalize failed: %v", id, err)
			}
		}
	}
	return received, nil
}

// Head reports the authoritative state of an upload.
func (e *Engine) Head(ctx context.Context, id string) (Status, error) {
	rec, err := e.get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return e.status(rec), nil
}

// Finalize moves a completed upload to its permanent location. Finalizing an
// already finalized upload is a no-op.
func (e *Engine) Finalize(ctx context.Context, id string) error {
	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := e.get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Finalized {
		return nil
	}
	if !rec.Completed {
		return e.reject(protocol.Errorf(protocol.CategoryIncomplete,
			"received %d of %d bytes", rec.ReceivedLength, rec.DeclaredSize))
	}
	return e.finalizeLocked(ctx, rec)
}

// Delete removes an upload's bytes and record.
func (e *Engine) Delete(ctx context.Context, id string) error {
	_, err := e.DeleteIf(ctx, id, nil)
	return err
}

// DeleteIf removes the upload only when cond holds for its current record.
// cond runs under the upload's lock, so a request that touched the upload
// after the caller last looked at it is seen. A nil cond always holds. It
// reports whether the upload was removed.
func (e *Engine) DeleteIf(ctx context.Context, id string, cond func(registry.Record) bool) (bool, error) {
	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	rec, err := e.get(ctx, id)
	if err != nil {
		return false, err
	}
	if cond != nil && !cond(rec) {
		return false, nil
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return false, e.storageError("delete", id, err)
	}
	if err := e.reg.Delete(ctx, id); err != nil {
		return false, fmt.Errorf("delete upload record: %w", err)
	}
	e.logger.Debugf("deleted upload %s", id)
	return true, nil
}

// List returns every upload record, oldest first.
func (e *Engine) List(ctx context.Context) ([]registry.Record, error) {
	return e.reg.List(ctx)
}

// Reconcile brings storage and registry back in line after a restart. Bytes
// written past a record's frontier are truncated, records without an object
// are dropped and objects without a record are removed. It must run before
// the engine serves requests.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	records, err := e.reg.List(ctx)
	if err != nil {
		return report, fmt.Errorf("list records: %w", err)
	}
	objects, err := e.store.List(ctx)
	if err != nil {
		return report, fmt.Errorf("list objects: %w", err)
	}
	orphans := make(map[string]struct{}, len(objects))
	for _, id := range objects {
		orphans[id] = struct{}{}
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		_, found := orphans[rec.ID]
		delete(orphans, rec.ID)
		if err := e.reconcileRecord(ctx, rec, found, &report); err != nil {
			e.logger.Errorf("reconcile %s: %v", rec.ID, err)
		}
	}

	ids := make([]string, 0, len(orphans))
	for id := range orphans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := e.store.Delete(ctx, id); err != nil {
			e.logger.Errorf("reconcile: remove object %s: %v", id, err)
			continue
		}
		report.RemovedObjects = append(report.RemovedObjects, id)
	}

	e.logger.Infof("reconciled %d uploads: %d truncated, %d records dropped, %d objects removed",
		report.Checked, len(report.Truncated), len(report.DroppedRecords), len(report.RemovedObjects))
	return report, nil
}

func (e *Engine) reconcileRecord(ctx context.Context, rec registry.Record, found bool, report *ReconcileReport) error {
	unlock, err := e.locks.Lock(ctx, rec.ID)
	if err != nil {
		return err
	}
	defer unlock()

	if !found {
		if err := e.reg.Delete(ctx, rec.ID); err != nil {
			return err
		}
		report.DroppedRecords = append(report.DroppedRecords, rec.ID)
		e.logger.Warnf("reconcile: upload %s lost its object, record dropped", rec.ID)
		return nil
	}
	if rec.Finalized {
		return nil
	}

	length, err := e.store.StatLength(ctx, rec.ID)
	if err != nil {
		return err
	}
	switch {
	case length > rec.ReceivedLength:
		if err := e.store.Truncate(ctx, rec.ID, rec.ReceivedLength); err != nil {
			return err
		}
		report.Truncated = append(report.Truncated, rec.ID)
	case length < rec.ReceivedLength:
		report.Short = append(report.Short, rec.ID)
		e.logger.Errorf("reconcile: upload %s holds %d bytes but %d were acknowledged",
			rec.ID, length, rec.ReceivedLength)
		return nil
	}

	if rec.Completed && e.cfg.AutoFinalize {
		if err := e.finalizeLocked(ctx, rec); err != nil {
			return err
		}
		report.Finalized = append(report.Finalized, rec.ID)
	}
	return nil
}

// PauseWrites makes Create and Patch fail with a transient error until
// ResumeWrites is called.
func (e *Engine) PauseWrites(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.paused.Swap(true) {
		e.logger.Warnf("upload writes paused")
	}
	return nil
}

// ResumeWrites undoes PauseWrites.
func (e *Engine) ResumeWrites(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.paused.Swap(false) {
		e.logger.Infof("upload writes resumed")
	}
	return nil
}

// WritesPaused reports whether PauseWrites is in effect.
func (e *Engine) WritesPaused() bool {
	return e.paused.Load()
}

func (e *Engine) finalizeLocked(ctx context.Context, rec registry.Record) error {
	if err := e.store.Finalize(ctx, rec.ID, rec.Metadata); err != nil {
		return e.storageError("finalize", rec.ID, err)
	}
	_, err := e.reg.Update(ctx, rec.ID, func(r registry.Record) (registry.Record, error) {
		r.Finalized = true
		return r, nil
	})
	if err != nil {
		return fmt.Errorf("mark upload finalized: %w", err)
	}
	e.logger.Debugf("finalized upload %s", rec.ID)
	return nil
}

func (e *Engine) verifyApplied(ctx context.Context, id string, offset int64, want []byte) error {
	got := make([]byte, len(want))
	n, err := e.store.ReadAt(ctx, id, offset, got)
	if err != nil && !errors.Is(err, io.EOF) {
		return e.storageError("read", id, err)
	}
	if n < len(want) || !bytes.Equal(got, want) {
		return e.reject(protocol.Errorf(protocol.CategoryOffsetMismatch,
			"chunk at %d differs from bytes already received", offset))
	}
	return nil
}

func (e *Engine) get(ctx context.Context, id string) (registry.Record, error) {
	rec, err := e.reg.Get(ctx, id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return registry.Record{}, e.reject(protocol.Errorf(protocol.CategoryNotFound, "upload %s", id))
		}
		return registry.Record{}, fmt.Errorf("load upload record: %w", err)
	}
	return rec, nil
}

func (e *Engine) status(rec registry.Record) Status {
	st := Status{
		ID:             rec.ID,
		DeclaredSize:   rec.DeclaredSize,
		ReceivedLength: rec.ReceivedLength,
		Completed:      rec.Completed,
		Finalized:      rec.Finalized,
		Metadata:       rec.Metadata,
		CreatedAt:      rec.CreatedAt,
	}
	if !rec.Completed && e.cfg.UploadTTL > 0 {
		st.ExpiresAt = rec.UpdatedAt.Add(e.cfg.UploadTTL)
	}
	return st
}

// storageError maps a backend failure onto a protocol category. Running out
// of space also wakes the space handler.
func (e *Engine) storageError(op, id string, err error) error {
	if isContextError(err) {
		return err
	}
	wrapped := fmt.Errorf("%s %s: %w", op, id, err)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return e.reject(protocol.Wrap(protocol.CategoryNotFound, wrapped))
	case errors.Is(err, storage.ErrInvalidID):
		return e.reject(protocol.Wrap(protocol.CategoryInvalid, wrapped))
	case errors.Is(err, syscall.ENOSPC):
		e.reportNoSpace()
	}
	e.logger.Errorf("storage %s failed for %s: %v", op, id, err)
	return e.reject(protocol.Wrap(protocol.CategoryUnavailable, wrapped))
}

func (e *Engine) reportNoSpace() {
	if e.space == nil || !e.recovering.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer e.recovering.Store(false)
		if err := e.space.HandleENOSPC(context.Background()); err != nil {
			e.logger.Errorf("out of space recovery failed: %v", err)
		}
	}()
}

func (e *Engine) reject(err error) error {
	if cat := protocol.CategoryOf(err); cat != "" {
		e.metrics.RecordRejected(cat)
	}
	return err
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func defaultLogger() Logger {
	return log.GetLogger("upload-engine")
}

type noopMetrics struct{}

func (noopMetrics) RecordCreated(registry.Record) {}

func (noopMetrics) RecordPatched(string, int64) {}

func (noopMetrics) RecordCompleted(registry.Record) {}

func (noopMetrics) RecordRejected(protocol.Category) {}
