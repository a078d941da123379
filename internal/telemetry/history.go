package telemetry

import "sync"

// DefaultHistorySize is the capacity used when none is configured.
const DefaultHistorySize = 20

// History is a bounded, order-preserving ring of recent readings.
//
// Appends are serialised under a mutex, so readings are retained in the order
// Append was called. Snapshot copies, so later appends never change a slice
// that has already been handed out.
//
// Thread Safety: All methods are safe for concurrent use.
type History struct {
	mu    sync.RWMutex
	buf   []SensorReading
	start int // index of the oldest reading
	count int
}

// NewHistory creates an empty history holding at most capacity readings.
// A capacity <= 0 selects DefaultHistorySize.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{buf: make([]SensorReading, capacity)}
}

// Append adds a reading, evicting the oldest one when the ring is full.
func (h *History) Append(r SensorReading) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count < len(h.buf) {
		h.buf[(h.start+h.count)%len(h.buf)] = r
		h.count++
		return
	}
	// Full: overwrite the oldest slot and advance the start.
	h.buf[h.start] = r
	h.start = (h.start + 1) % len(h.buf)
}

// Snapshot returns the retained readings, oldest first.
// The returned slice is a copy owned by the caller.
func (h *History) Snapshot() []SensorReading {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]SensorReading, h.count)
	for i := range out {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Latest returns the most recent reading and whether one exists.
func (h *History) Latest() (SensorReading, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return SensorReading{}, false
	}
	return h.buf[(h.start+h.count-1)%len(h.buf)], true
}

// Len returns the number of retained readings.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Cap returns the maximum number of retained readings.
func (h *History) Cap() int {
	return len(h.buf)
}
