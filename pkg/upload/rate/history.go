package rate

import "time"

// Sample is one accepted rate measurement.
type Sample struct {
	Timestamp       time.Time
	BytesDelta      int64
	RateBytesPerSec float64
}

// History is a fixed capacity ring of samples; the oldest sample is
// overwritten once it is full. It is not safe for concurrent use.
type History struct {
	buf   []Sample
	start int
	n     int
}

// NewHistory returns an empty ring holding at most capacity samples.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{buf: make([]Sample, capacity)}
}

// Push appends s, evicting the oldest sample when full.
func (h *History) Push(s Sample) {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = s
		h.n++
		return
	}
	h.buf[h.start] = s
	h.start = (h.start + 1) % len(h.buf)
}

// Samples returns a copy of the ring, oldest first.
func (h *History) Samples() []Sample {
	out := make([]Sample, h.n)
	for i := range out {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

func (h *History) Len() int { return h.n }

func (h *History) Cap() int { return len(h.buf) }
