package cleaner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/disk"

	"github.com/tigrisdata/tigrisup/log"
	"github.com/tigrisdata/tigrisup/pkg/upload/protocol"
	"github.com/tigrisdata/tigrisup/pkg/upload/registry"
)

// ErrFatalCondition indicates that an emergency run could not bring free
// space back above the configured floor.
var ErrFatalCondition = errors.New("upload cleaner: fatal condition")

// TriggerReason represents the source motivating a cleaner run.
type TriggerReason string

const (
	// TriggerReasonMaintenance is the periodic expiry pass.
	TriggerReasonMaintenance TriggerReason = "maintenance"
	// TriggerReasonENOSPC is an emergency triggered by an out-of-space condition.
	TriggerReasonENOSPC TriggerReason = "enospc"
)

// Trigger describes a request to execute the cleaner.
type Trigger struct {
	Reason TriggerReason
}

// Config controls cleaner behaviour.
type Config struct {
	// StorageDir is the directory whose file system is checked for free space.
	StorageDir string
	// UploadTTL expires incomplete uploads that saw no progress for this long.
	UploadTTL time.Duration
	// CompletedRetention removes completed uploads this long after their last
	// change. Zero keeps them forever.
	CompletedRetention time.Duration
	// MinFreePercent is the free space an emergency run restores by evicting
	// the stalest incomplete uploads.
	MinFreePercent int
	CleanInterval  time.Duration
}

// Report summarises a cleaner run.
type Report struct {
	Trigger    Trigger
	Expired    []string
	Evicted    []string
	BytesFreed int64
	Emergency  bool
}

// Store is the upload surface the cleaner works on. engine.Engine
// satisfies it, so removals take the same per-upload locks as requests.
// DeleteIf must evaluate cond against the record as it is at removal time,
// not as it was listed.
type Store interface {
	List(ctx context.Context) ([]registry.Record, error)
	DeleteIf(ctx context.Context, id string, cond func(registry.Record) bool) (bool, error)
}

// Logger captures structured output for the cleaner.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// diskUsage reports capacity and free space for a directory.
type diskUsage interface {
	Stat(path string) (total, free uint64, err error)
}

// Option customises cleaner construction.
type Option func(*Cleaner)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(c *Cleaner) {
		c.logger = logger
	}
}

// WithDiskUsage swaps the disk usage inspector (primarily for tests).
func WithDiskUsage(usage diskUsage) Option {
	return func(c *Cleaner) {
		c.disk = usage
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cleaner) {
		c.now = now
	}
}

// Cleaner expires abandoned uploads and frees space under disk pressure.
type Cleaner struct {
	cfg    Config
	store  Store
	disk   diskUsage
	logger Logger
	now    func() time.Time

	mu sync.Mutex
}

// New constructs a cleaner.
func New(cfg Config, store Store, opts ...Option) (*Cleaner, error) {
	if store == nil {
		return nil, errors.New("upload cleaner: store is required")
	}
	if cfg.StorageDir == "" {
		return nil, errors.New("upload cleaner: storage directory is required")
	}
	if cfg.MinFreePercent < 0 || cfg.MinFreePercent > 100 {
		return nil, fmt.Errorf("upload cleaner: min free percent must be within [0,100], got %d", cfg.MinFreePercent)
	}
	if cfg.CleanInterval <= 0 {
		cfg.CleanInterval = 10 * time.Minute
	}

	c := &Cleaner{
		cfg:    cfg,
		store:  store,
		disk:   fsUsage{},
		logger: defaultLogger(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = defaultLogger()
	}
	if c.disk == nil {
		c.disk = fsUsage{}
	}
	if c.now == nil {
		c.now = time.Now
	}

	return c, nil
}

// RunOnce executes a single cleaner pass for the provided trigger.
func (c *Cleaner) RunOnce(ctx context.Context, trigger Trigger) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := Report{Trigger: trigger, Emergency: trigger.Reason == TriggerReasonENOSPC}

	recs, err := c.store.List(ctx)
	if err != nil {
		return report, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].UpdatedAt.Before(recs[j].UpdatedAt)
	})

	now := c.now()
	kept := recs[:0]
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !c.expired(rec, now) {
			kept = append(kept, rec)
			continue
		}
		stillExpired := func(cur registry.Record) bool { return c.expired(cur, now) }
		if c.remove(ctx, rec, stillExpired, &report) {
			report.Expired = append(report.Expired, rec.ID)
		}
	}

	if !report.Emergency || c.cfg.MinFreePercent == 0 {
		return report, nil
	}

	total, free, err := c.disk.Stat(c.cfg.StorageDir)
	if err != nil {
		return report, err
	}
	target := requiredFreeBytes(total, c.cfg.MinFreePercent)

	// Completed uploads are user data; only partial uploads are evicted.
	for _, rec := range kept {
		if free >= target {
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if rec.Completed {
			continue
		}
		// A PATCH since List refreshed the upload; it is no longer the stalest.
		untouched := func(cur registry.Record) bool {
			return !cur.Completed && !cur.UpdatedAt.After(rec.UpdatedAt)
		}
		if c.remove(ctx, rec, untouched, &report) {
			report.Evicted = append(report.Evicted, rec.ID)
			free += uint64(max(rec.ReceivedLength, 0))
		}
	}

	total, free, err = c.disk.Stat(c.cfg.StorageDir)
	if err != nil {
		return report, err
	}
	if total > 0 && free < requiredFreeBytes(total, c.cfg.MinFreePercent) {
		return report, fmt.Errorf("%w: %d of %d bytes free", ErrFatalCondition, free, total)
	}
	return report, nil
}

// RunBackground executes RunOnce on a schedule until ctx is cancelled.
func (c *Cleaner) RunBackground(ctx context.Context, triggers <-chan Trigger) error {
	ticker := time.NewTicker(c.cfg.CleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.run(ctx, Trigger{Reason: TriggerReasonMaintenance})
		case trigger, ok := <-triggers:
			if !ok {
				triggers = nil
				continue
			}
			c.run(ctx, trigger)
		}
	}
}

func (c *Cleaner) run(ctx context.Context, trigger Trigger) {
	report, err := c.RunOnce(ctx, trigger)
	if err != nil {
		c.logger.Warnf("cleaner %s run failed: %v", trigger.Reason, err)
		return
	}
	if n := len(report.Expired) + len(report.Evicted); n > 0 {
		c.logger.Infof("cleaner %s run removed %d uploads, %d bytes", trigger.Reason, n, report.BytesFreed)
	}
}

func (c *Cleaner) expired(rec registry.Record, now time.Time) bool {
	age := now.Sub(rec.UpdatedAt)
	if rec.Completed {
		return c.cfg.CompletedRetention > 0 && age > c.cfg.CompletedRetention
	}
	return c.cfg.UploadTTL > 0 && age > c.cfg.UploadTTL
}

func (c *Cleaner) remove(ctx context.Context, rec registry.Record, cond func(registry.Record) bool, report *Report) bool {
	removed, err := c.store.DeleteIf(ctx, rec.ID, cond)
	switch {
	case err != nil && !isNotFound(err):
		c.logger.Errorf("cleaner: remove upload %s failed: %v", rec.ID, err)
		return false
	case err == nil && !removed:
		c.logger.Debugf("cleaner: upload %s was written to after listing, keeping it", rec.ID)
		return false
	}
	c.logger.Debugf("cleaner: removed upload %s (%d of %d bytes, idle since %s)",
		rec.ID, rec.ReceivedLength, rec.DeclaredSize, rec.UpdatedAt.Format(time.RFC3339))
	report.BytesFreed += rec.ReceivedLength
	return true
}

func isNotFound(err error) bool {
	return errors.Is(err, registry.ErrNotFound) || protocol.CategoryOf(err) == protocol.CategoryNotFound
}

func requiredFreeBytes(total uint64, percent int) uint64 {
	if percent <= 0 || total == 0 {
		return 0
	}
	return (total * uint64(percent)) / 100
}

func defaultLogger() Logger {
	return log.GetLogger("upload-cleaner")
}

type fsUsage struct{}

func (fsUsage) Stat(path string) (uint64, uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, 0, fmt.Errorf("disk usage of %s: %w", path, err)
	}
	return u.Total, u.Free, nil
}
