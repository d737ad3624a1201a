package failsafe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tigrisdata/tigrisup/log"
	"github.com/tigrisdata/tigrisup/pkg/upload/cleaner"
)

// ErrRecoveryFailed indicates the cleaner could not reclaim enough space and
// writes stay paused until an operator steps in.
var ErrRecoveryFailed = errors.New("upload failsafe: recovery failed")

// ErrRecoveryInProgress signals that a recovery sequence is already underway.
var ErrRecoveryInProgress = errors.New("upload failsafe: recovery in progress")

// Logger defines the logging surface used by the monitor.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Cleaner frees space when instructed by the monitor.
type Cleaner interface {
	RunOnce(ctx context.Context, trigger cleaner.Trigger) (cleaner.Report, error)
}

// WriteController stops and restarts chunk writes during recovery.
// engine.Engine satisfies it.
type WriteController interface {
	PauseWrites(ctx context.Context) error
	ResumeWrites(ctx context.Context) error
}

// Option customises monitor construction.
type Option func(*Monitor)

// WithLogger replaces the default logger.
func WithLogger(logger Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// Monitor handles out-of-space conditions reported by the engine: it pauses
// writes, runs an emergency cleaner pass and resumes writes if that worked.
type Monitor struct {
	cleaner Cleaner
	writes  WriteController
	logger  Logger

	mu         sync.Mutex
	recovering bool
}

// NewMonitor constructs a Monitor instance.
func NewMonitor(cleaner Cleaner, writes WriteController, opts ...Option) (*Monitor, error) {
	if cleaner == nil {
		return nil, errors.New("upload failsafe: cleaner is required")
	}
	if writes == nil {
		return nil, errors.New("upload failsafe: write controller is required")
	}

	m := &Monitor{
		cleaner: cleaner,
		writes:  writes,
		logger:  defaultLogger(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = defaultLogger()
	}

	return m, nil
}

// HandleENOSPC implements engine.SpaceHandler.
func (m *Monitor) HandleENOSPC(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !m.beginRecovery() {
		return ErrRecoveryInProgress
	}
	defer m.endRecovery()

	if err := m.writes.PauseWrites(ctx); err != nil {
		return fmt.Errorf("upload failsafe: pause writes: %w", err)
	}

	report, err := m.cleaner.RunOnce(ctx, cleaner.Trigger{Reason: cleaner.TriggerReasonENOSPC})
	if errors.Is(err, cleaner.ErrFatalCondition) {
		m.logger.Errorf("failsafe: ENOSPC recovery freed %d bytes but space is still short; writes stay paused", report.BytesFreed)
		return fmt.Errorf("%w: %w", ErrRecoveryFailed, err)
	}
	if resumeErr := m.writes.ResumeWrites(ctx); resumeErr != nil {
		if err != nil {
			m.logger.Warnf("failsafe: resume writes after error failed: %v", resumeErr)
			return fmt.Errorf("upload failsafe: cleaner run: %w", err)
		}
		return fmt.Errorf("upload failsafe: resume writes: %w", resumeErr)
	}
	if err != nil {
		return fmt.Errorf("upload failsafe: cleaner run: %w", err)
	}

	m.logger.Infof("failsafe: ENOSPC recovery completed, removed %d uploads, freed %d bytes",
		len(report.Expired)+len(report.Evicted), report.BytesFreed)
	return nil
}

// Recovering reports whether a recovery is running.
func (m *Monitor) Recovering() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recovering
}

func (m *Monitor) beginRecovery() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recovering {
		return false
	}
	m.recovering = true
	return true
}

func (m *Monitor) endRecovery() {
	m.mu.Lock()
	m.recovering = false
	m.mu.Unlock()
}

func defaultLogger() Logger {
	return log.GetLogger("upload-failsafe")
}
