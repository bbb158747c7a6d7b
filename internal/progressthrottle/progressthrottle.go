// Package progressthrottle collapses an adapter's inner-loop progress
// updates to spec.md §4.5's cadence: at most one update per 100ms per
// item, always flushing the first update, the final 100% update, and any
// terminal state change, with instantaneous speed smoothed over a moving
// average of up to 10 samples.
package progressthrottle

import (
	"sync"
	"time"
)

const (
	interval        = 100 * time.Millisecond
	maxSpeedSamples = 10
)

// Update is one reported transfer state, passed along to the sink
// unmodified save for Speed/ETA which Throttle computes.
type Update struct {
	BytesDone  int64
	BytesTotal int64
	Speed      float64 // bytes/sec, smoothed
	ETASeconds float64 // -1 if unknown
}

// Sink receives throttled updates. Typically a ProgressReporter.ItemProgress
// closure.
type Sink func(Update)

// Throttle tracks per-item throttling state. One Throttle is created per
// item; it is not safe to reuse across items.
type Throttle struct {
	mu          sync.Mutex
	sink        Sink
	lastEmit    time.Time
	emitted     bool
	lastSample  sample
	speedWindow []float64
}

type sample struct {
	at    time.Time
	bytes int64
}

// New creates a throttle that forwards collapsed updates to sink.
func New(sink Sink) *Throttle {
	return &Throttle{sink: sink}
}

// Report records a raw progress sample and flushes to the sink if the
// 100ms cadence has elapsed, this is the first sample, bytesDone has
// reached bytesTotal (final update), or terminal is true.
func (t *Throttle) Report(bytesDone, bytesTotal int64, terminal bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	isFinal := bytesTotal > 0 && bytesDone >= bytesTotal
	mustFlush := !t.emitted || isFinal || terminal || now.Sub(t.lastEmit) >= interval

	speed := t.updateSpeed(now, bytesDone)

	if !mustFlush {
		return
	}

	eta := -1.0
	if speed > 0 && bytesTotal > 0 && bytesDone < bytesTotal {
		eta = float64(bytesTotal-bytesDone) / speed
	}

	t.lastEmit = now
	t.emitted = true
	t.sink(Update{BytesDone: bytesDone, BytesTotal: bytesTotal, Speed: speed, ETASeconds: eta})
}

// updateSpeed maintains a moving average of instantaneous byte rates
// across up to the last 10 samples.
func (t *Throttle) updateSpeed(now time.Time, bytesDone int64) float64 {
	if !t.lastSample.at.IsZero() {
		elapsed := now.Sub(t.lastSample.at).Seconds()
		if elapsed > 0 {
			delta := bytesDone - t.lastSample.bytes
			instant := float64(delta) / elapsed
			t.speedWindow = append(t.speedWindow, instant)
			if len(t.speedWindow) > maxSpeedSamples {
				t.speedWindow = t.speedWindow[len(t.speedWindow)-maxSpeedSamples:]
			}
		}
	}
	t.lastSample = sample{at: now, bytes: bytesDone}

	if len(t.speedWindow) == 0 {
		return 0
	}
	var sum float64
	for _, s := range t.speedWindow {
		sum += s
	}
	return sum / float64(len(t.speedWindow))
}
