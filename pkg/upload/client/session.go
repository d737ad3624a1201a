package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tigrisdata/tigrisup/log"
	"github.com/tigrisdata/tigrisup/pkg/upload/events"
	"github.com/tigrisdata/tigrisup/pkg/upload/protocol"
)

var (
	// ErrFileTooLarge is returned by Start before any request is made.
	ErrFileTooLarge = errors.New("upload session: file exceeds maximum size")
	// ErrEmptyFile is returned by Start for zero length files.
	ErrEmptyFile = errors.New("upload session: file is empty")
	// ErrSessionExpired means the server no longer knows the upload.
	ErrSessionExpired = errors.New("upload session: upload expired on server")
	// ErrRetriesExhausted wraps the last error once the retry budget is spent.
	ErrRetriesExhausted = errors.New("upload session: retries exhausted")
	// ErrSizeMismatch means the server recorded a different size for the upload.
	ErrSizeMismatch = errors.New("upload session: server size does not match file")
	// ErrInvalidState is returned for commands that do not apply in the current state.
	ErrInvalidState = errors.New("upload session: invalid state for operation")
	// ErrCancelled is returned by Wait after Cancel.
	ErrCancelled = errors.New("upload session: cancelled")
)

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateCreating
	StateTransferring
	StatePaused
	StateVerifying
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCreating:
		return "creating"
	case StateTransferring:
		return "transferring"
	case StatePaused:
		return "paused"
	case StateVerifying:
		return "verifying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal states never change again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// File is the local source of an upload.
type File interface {
	io.ReaderAt
	Size() int64
	Name() string
}

// ResumeStore remembers the server location of unfinished uploads so a new
// process can continue them.
type ResumeStore interface {
	Load(fingerprint string) (string, bool, error)
	Save(fingerprint, location string) error
	Remove(fingerprint string) error
}

// Logger captures structured log output for sessions.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Config controls a Session.
type Config struct {
	ChunkSize      int64
	MaxFileSize    int64
	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	// RequestTimeout bounds a single request; zero means no limit.
	RequestTimeout time.Duration
	// Finalize asks the server to move the upload into place once complete.
	Finalize bool
}

// ProgressEvent is published on every state change and confirmed chunk.
type ProgressEvent struct {
	ConfirmedOffset int64
	DeclaredSize    int64
	State           State
	Timestamp       time.Time
	// Err is the failure being retried, or the terminal error.
	Err error
}

// Snapshot is a point in time copy of the session state.
type Snapshot struct {
	State           State
	Location        string
	ConfirmedOffset int64
	DeclaredSize    int64
	RetryCount      int
	NextRetryDelay  time.Duration
	Err             error
}

// Option customises session construction.
type Option func(*Session)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithSleeper overrides the sleep implementation (useful for tests).
func WithSleeper(sleeper Sleeper) Option {
	return func(s *Session) {
		s.sleeper = sleeper
	}
}

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// WithResumeStore lets Start continue an upload left by an earlier process.
func WithResumeStore(store ResumeStore) Option {
	return func(s *Session) {
		s.resume = store
	}
}

// WithRateLimit caps the upload bandwidth in bytes per second.
func WithRateLimit(bytesPerSec int64) Option {
	return func(s *Session) {
		s.rateLimit = bytesPerSec
	}
}

// Session drives one file transfer. The server's acknowledged length is the
// only source of progress: confirmedOffset never moves past what the server
// reported.
type Session struct {
	cfg       Config
	transport Transport
	logger    Logger
	sleeper   Sleeper
	now       func() time.Time
	resume    ResumeStore
	rateLimit int64
	limiter   *rate.Limiter
	bus       *events.Bus[ProgressEvent]

	// buf is only touched by the transfer goroutine, or after it exited.
	buf []byte

	mu          sync.Mutex
	state       State
	file        File
	fingerprint string
	metadata    map[string]string
	location    string
	declared    int64
	confirmed   int64
	retryCount  int
	nextDelay   time.Duration
	lastErr     error
	cancelLoop  context.CancelFunc
	loopDone    chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
}

// NewSession constructs an idle Session.
func NewSession(cfg Config, transport Transport, opts ...Option) (*Session, error) {
	if transport == nil {
		return nil, errors.New("upload session: transport is required")
	}
	cfg = applyDefaults(cfg)

	s := &Session{
		cfg:       cfg,
		transport: transport,
		logger:    defaultLogger(),
		sleeper:   realSleeper{},
		now:       time.Now,
		bus:       events.NewBus[ProgressEvent](),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = defaultLogger()
	}
	if s.sleeper == nil {
		s.sleeper = realSleeper{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.rateLimit > 0 {
		burst := max(s.rateLimit, cfg.ChunkSize)
		s.limiter = rate.NewLimiter(rate.Limit(s.rateLimit), int(burst))
	}
	return s, nil
}

// Start validates file and begins the transfer in the background. ctx
// bounds the whole transfer; cancelling it ends the session as Cancelled.
func (s *Session) Start(ctx context.Context, file File, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("%w: start in %s", ErrInvalidState, s.state)
	}
	size := file.Size()
	switch {
	case s.cfg.MaxFileSize > 0 && size > s.cfg.MaxFileSize:
		s.failLocked(fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, size, s.cfg.MaxFileSize))
		return s.lastErr
	case size <= 0:
		s.failLocked(ErrEmptyFile)
		return s.lastErr
	}

	s.file = file
	s.declared = size
	s.metadata = metadata
	s.buf = make([]byte, min(s.cfg.ChunkSize, size))
	if fp, ok := file.(interface{ Fingerprint() string }); ok {
		s.fingerprint = fp.Fingerprint()
	}
	if loc := s.lookupResumeLocked(); loc != "" {
		s.location = loc
		s.setStateLocked(StateVerifying)
	} else {
		s.setStateLocked(StateCreating)
	}
	s.startLoopLocked(ctx)
	return nil
}

// Pause stops the transfer after aborting the in-flight request. The
// confirmed offset is kept.
func (s *Session) Pause() error {
	s.mu.Lock()
	switch s.state {
	case StateCreating, StateTransferring, StateVerifying:
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: pause in %s", ErrInvalidState, st)
	}
	s.setStateLocked(StatePaused)
	cancel, done := s.cancelLoop, s.loopDone
	s.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Resume re-verifies the server offset and continues a paused transfer.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePaused {
		return fmt.Errorf("%w: resume in %s", ErrInvalidState, s.state)
	}
	if s.location == "" {
		s.setStateLocked(StateCreating)
	} else {
		s.setStateLocked(StateVerifying)
	}
	s.startLoopLocked(ctx)
	return nil
}

// Cancel stops the transfer for good and releases local resources. The
// upload is left on the server; see Transport.Delete for that.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateCancelled)
	cancel, done := s.cancelLoop, s.loopDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.mu.Lock()
	s.buf = nil
	s.closeDoneLocked()
	s.mu.Unlock()
}

// Wait blocks until the session reaches a terminal state and returns nil
// for Completed, the failure for Failed and ErrCancelled for Cancelled.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateCompleted:
		return nil
	case StateCancelled:
		return ErrCancelled
	}
	return s.lastErr
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:           s.state,
		Location:        s.location,
		ConfirmedOffset: s.confirmed,
		DeclaredSize:    s.declared,
		RetryCount:      s.retryCount,
		NextRetryDelay:  s.nextDelay,
		Err:             s.lastErr,
	}
}

// Subscribe streams progress events. Publishing never waits for a
// subscriber; one that falls behind loses its oldest events.
func (s *Session) Subscribe(buffer int) (<-chan ProgressEvent, func()) {
	return s.bus.Subscribe(buffer)
}

func (s *Session) startLoopLocked(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.cancelLoop = cancel
	s.loopDone = done
	go func() {
		defer close(done)
		defer cancel()
		err := s.transfer(ctx)
		s.finish(ctx, err)
	}()
}

func (s *Session) transfer(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateCreating:
		if err := s.create(ctx); err != nil {
			return err
		}
	case StateVerifying:
		if err := s.retry(ctx, s.resync); err != nil {
			return err
		}
	}

	for {
		s.mu.Lock()
		confirmed, declared := s.confirmed, s.declared
		s.mu.Unlock()
		if confirmed >= declared {
			break
		}
		if err := s.sendChunk(ctx); err != nil {
			if err := s.recover(ctx, err); err != nil {
				return err
			}
			continue
		}
		s.resetRetries()
	}

	if s.cfg.Finalize {
		loc := s.currentLocation()
		return s.retry(ctx, func(ctx context.Context) error {
			return s.transport.Finalize(ctx, loc)
		})
	}
	return nil
}

func (s *Session) create(ctx context.Context) error {
	s.mu.Lock()
	size, md := s.declared, s.metadata
	s.mu.Unlock()

	var loc string
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		loc, err = s.transport.Create(ctx, size, md)
		return err
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.location = loc
	if s.state == StateCreating {
		s.setStateLocked(StateTransferring)
	}
	s.saveResumeLocked()
	s.mu.Unlock()
	s.logger.Debugf("created upload %s for %d bytes", loc, size)
	return nil
}

// retry runs op until it succeeds, fails permanently or the budget is spent.
func (s *Session) retry(ctx context.Context, op func(context.Context) error) error {
	for {
		err := s.withTimeout(ctx, op)
		if err == nil {
			return nil
		}
		if err := s.backoff(ctx, err); err != nil {
			return err
		}
	}
}

// recover handles a failed chunk: back off, then ask the server where the
// upload really stands before sending anything else.
func (s *Session) recover(ctx context.Context, cause error) error {
	if err := s.backoff(ctx, cause); err != nil {
		return err
	}
	return s.retry(ctx, s.resync)
}

func (s *Session) backoff(ctx context.Context, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !isRetryable(cause) {
		return classify(cause)
	}

	s.mu.Lock()
	s.retryCount++
	attempt := s.retryCount
	if attempt > s.cfg.MaxRetries {
		s.mu.Unlock()
		return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt-1, cause)
	}
	delay := backoffDelay(s.cfg.BaseRetryDelay, s.cfg.MaxRetryDelay, attempt)
	s.nextDelay = delay
	s.lastErr = cause
	s.publishLocked(cause)
	s.mu.Unlock()

	s.logger.Warnf("upload attempt %d failed, retrying in %s: %v", attempt, delay, cause)
	return s.sleeper.Sleep(ctx, delay)
}

func (s *Session) resync(ctx context.Context) error {
	loc := s.currentLocation()
	st, err := s.transport.Head(ctx, loc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st.DeclaredSize != s.declared {
		return fmt.Errorf("%w: server %d, local %d", ErrSizeMismatch, st.DeclaredSize, s.declared)
	}
	if st.ReceivedLength != s.confirmed {
		s.logger.Infof("upload %s: server holds %d bytes, local cursor at %d", loc, st.ReceivedLength, s.confirmed)
	}
	s.confirmed = st.ReceivedLength
	if s.state == StateVerifying {
		s.setStateLocked(StateTransferring)
	} else {
		s.publishLocked(nil)
	}
	return nil
}

func (s *Session) sendChunk(ctx context.Context) error {
	s.mu.Lock()
	offset, declared, loc, file := s.confirmed, s.declared, s.location, s.file
	s.mu.Unlock()

	n := min(int64(len(s.buf)), declared-offset)
	chunk := s.buf[:n]
	read, err := file.ReadAt(chunk, offset)
	if int64(read) < n {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("read %s at %d: %w", file.Name(), offset, err)
	}

	if s.limiter != nil {
		if err := s.limiter.WaitN(ctx, int(n)); err != nil {
			return err
		}
	}

	var received int64
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		received, err = s.transport.Patch(ctx, loc, offset, chunk)
		return err
	})
	if err != nil {
		return err
	}
	if received <= offset || received > declared {
		return protocol.Errorf(protocol.CategoryOffsetMismatch,
			"server acknowledged %d after chunk at %d of %d", received, offset, declared)
	}

	s.mu.Lock()
	s.confirmed = received
	s.publishLocked(nil)
	s.mu.Unlock()
	return nil
}

func (s *Session) finish(ctx context.Context, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateCancelled:
		return
	case err == nil:
		s.setStateLocked(StateCompleted)
		s.removeResumeLocked()
		s.buf = nil
		s.closeDoneLocked()
		s.logger.Infof("upload %s completed (%d bytes)", s.location, s.declared)
	case s.state == StatePaused && ctx.Err() != nil:
		s.logger.Debugf("upload %s paused at %d", s.location, s.confirmed)
	case ctx.Err() != nil:
		s.setStateLocked(StateCancelled)
		s.buf = nil
		s.closeDoneLocked()
	default:
		if errors.Is(err, ErrSessionExpired) {
			s.removeResumeLocked()
		}
		s.failLocked(err)
		s.buf = nil
		s.logger.Errorf("upload %s failed at %d of %d: %v", s.location, s.confirmed, s.declared, err)
	}
}

func (s *Session) withTimeout(ctx context.Context, op func(context.Context) error) error {
	if s.cfg.RequestTimeout <= 0 {
		return op(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	return op(ctx)
}

func (s *Session) resetRetries() {
	s.mu.Lock()
	s.retryCount = 0
	s.nextDelay = 0
	s.lastErr = nil
	s.mu.Unlock()
}

func (s *Session) currentLocation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

func (s *Session) failLocked(err error) {
	s.lastErr = err
	s.setStateLocked(StateFailed)
	s.closeDoneLocked()
}

func (s *Session) setStateLocked(state State) {
	s.state = state
	if state == StateFailed {
		s.publishLocked(s.lastErr)
		return
	}
	s.publishLocked(nil)
}

func (s *Session) publishLocked(err error) {
	s.bus.Publish(ProgressEvent{
		ConfirmedOffset: s.confirmed,
		DeclaredSize:    s.declared,
		State:           s.state,
		Timestamp:       s.now(),
		Err:             err,
	})
}

func (s *Session) closeDoneLocked() {
	s.doneOnce.Do(func() {
		close(s.done)
		s.bus.Close()
	})
}

func (s *Session) lookupResumeLocked() string {
	if s.resume == nil || s.fingerprint == "" {
		return ""
	}
	loc, ok, err := s.resume.Load(s.fingerprint)
	if err != nil {
		s.logger.Warnf("resume lookup for %s failed: %v", s.file.Name(), err)
		return ""
	}
	if !ok {
		return ""
	}
	s.logger.Infof("resuming %s at %s", s.file.Name(), loc)
	return loc
}

func (s *Session) saveResumeLocked() {
	if s.resume == nil || s.fingerprint == "" {
		return
	}
	if err := s.resume.Save(s.fingerprint, s.location); err != nil {
		s.logger.Warnf("remember upload %s: %v", s.location, err)
	}
}

func (s *Session) removeResumeLocked() {
	if s.resume == nil || s.fingerprint == "" {
		return
	}
	if err := s.resume.Remove(s.fingerprint); err != nil {
		s.logger.Warnf("forget upload %s: %v", s.location, err)
	}
}

// classify turns a permanent failure into the error surfaced by the session.
func classify(err error) error {
	if protocol.CategoryOf(err) == protocol.CategoryNotFound {
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	return err
}

// isRetryable reports whether err is worth a backoff and a resync. Offset
// mismatches are recoverable because the resync fixes the cursor.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if cat := protocol.CategoryOf(err); cat != "" {
		return cat == protocol.CategoryOffsetMismatch || cat.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	type retryable interface {
		Retryable() bool
	}
	type temporary interface {
		Temporary() bool
	}
	var r retryable
	if errors.As(err, &r) && r.Retryable() {
		return true
	}
	var t temporary
	if errors.As(err, &t) && t.Temporary() {
		return true
	}
	return false
}

func applyDefaults(cfg Config) Config {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 8 << 20
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = 500 * time.Millisecond
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 30 * time.Second
	}
	if cfg.MaxRetryDelay < cfg.BaseRetryDelay {
		cfg.MaxRetryDelay = cfg.BaseRetryDelay
	}
	return cfg
}

func defaultLogger() Logger {
	return log.GetLogger("upload-session")
}
