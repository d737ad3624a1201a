package rate

import (
	"sync"
	"time"

	"github.com/tigrisdata/tigrisup/pkg/upload/events"
)

// weight of the newest instantaneous rate in the moving average
const smoothing = 0.3

const (
	DefaultDisplayInterval = 500 * time.Millisecond
	DefaultHistorySize     = 120
)

// Config controls an Estimator.
type Config struct {
	// DisplayInterval is the minimum spacing between accepted samples, so the
	// displayed rate does not change faster than a person can read it.
	DisplayInterval time.Duration
	// HistorySize bounds the samples kept for charting.
	HistorySize int
}

// Event is the estimator output consumed by displays.
type Event struct {
	BytesSoFar              int64
	Total                   int64
	InstantRateBytesPerSec  float64
	SmoothedRateBytesPerSec float64
	// ETASeconds is meaningful only when HasETA is true.
	ETASeconds float64
	HasETA     bool
	Timestamp  time.Time
}

// Estimator turns confirmed byte counts into a smoothed rate and an ETA.
// Each transfer owns its own Estimator.
type Estimator struct {
	mu  sync.Mutex
	cfg Config

	total     int64
	hasBase   bool
	baseBytes int64
	baseTime  time.Time
	smoothed  float64
	seeded    bool
	last      Event

	history *History
	bus     *events.Bus[Event]
}

// New returns an Estimator for a transfer of total bytes.
func New(cfg Config, total int64) *Estimator {
	if cfg.DisplayInterval < 0 {
		cfg.DisplayInterval = 0
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	return &Estimator{
		cfg:     cfg,
		total:   total,
		last:    Event{Total: total},
		history: NewHistory(cfg.HistorySize),
		bus:     events.NewBus[Event](),
	}
}

// Observe feeds a progress report. The first call only sets the baseline.
// Samples with no elapsed time or no new bytes are discarded so a brief
// stall does not flash a zero rate, and samples closer than DisplayInterval
// to the baseline are deferred. It returns the new event and true when the
// sample was accepted.
func (e *Estimator) Observe(bytesSoFar int64, ts time.Time) (Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasBase {
		e.setBase(bytesSoFar, ts)
		e.last = e.eventLocked(bytesSoFar, 0, ts)
		return e.last, false
	}

	elapsed := ts.Sub(e.baseTime)
	delta := bytesSoFar - e.baseBytes
	if elapsed <= 0 || delta <= 0 || elapsed < e.cfg.DisplayInterval {
		return e.last, false
	}

	inst := float64(delta) / elapsed.Seconds()
	if e.seeded {
		e.smoothed = e.smoothed*(1-smoothing) + inst*smoothing
	} else {
		e.smoothed = inst
		e.seeded = true
	}
	e.setBase(bytesSoFar, ts)
	e.history.Push(Sample{Timestamp: ts, BytesDelta: delta, RateBytesPerSec: inst})

	ev := e.eventLocked(bytesSoFar, inst, ts)
	e.last = ev
	e.bus.Publish(ev)
	return ev, true
}

// Rebase moves the baseline without producing a sample, typically after a
// pause so the idle time is not averaged in. Last reports the new position
// with the smoothed rate carried over.
func (e *Estimator) Rebase(bytesSoFar int64, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setBase(bytesSoFar, ts)
	e.last = e.eventLocked(bytesSoFar, 0, ts)
}

// Last returns the most recent event.
func (e *Estimator) Last() Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// History returns the accepted samples, oldest first.
func (e *Estimator) History() []Sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Samples()
}

// Subscribe streams accepted events. Slow subscribers lose the oldest ones.
func (e *Estimator) Subscribe(buffer int) (<-chan Event, func()) {
	return e.bus.Subscribe(buffer)
}

// Close ends all subscriptions.
func (e *Estimator) Close() {
	e.bus.Close()
}

func (e *Estimator) setBase(bytesSoFar int64, ts time.Time) {
	e.hasBase = true
	e.baseBytes = bytesSoFar
	e.baseTime = ts
}

func (e *Estimator) eventLocked(bytesSoFar int64, inst float64, ts time.Time) Event {
	ev := Event{
		BytesSoFar:              bytesSoFar,
		Total:                   e.total,
		InstantRateBytesPerSec:  inst,
		SmoothedRateBytesPerSec: e.smoothed,
		Timestamp:               ts,
	}
	if e.seeded && e.smoothed > 0 {
		remaining := e.total - bytesSoFar
		if remaining < 0 {
			remaining = 0
		}
		ev.ETASeconds = float64(remaining) / e.smoothed
		ev.HasETA = true
	}
	return ev
}
