package ratelimit

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// BandwidthLimiter is a global token bucket sized in bytes/second, shared
// across all workers. Disabled (bytesPerSec<=0) it is a zero-overhead
// pass-through.
type BandwidthLimiter struct {
	limiter *rate.Limiter
	enabled atomic.Bool
}

// NewBandwidthLimiter creates a limiter; bytesPerSec<=0 starts disabled.
func NewBandwidthLimiter(bytesPerSec int) *BandwidthLimiter {
	b := &BandwidthLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	b.SetLimit(bytesPerSec)
	return b
}

// SetLimit updates the global limit; 0 or negative disables it.
func (b *BandwidthLimiter) SetLimit(bytesPerSec int) {
	if bytesPerSec <= 0 {
		b.enabled.Store(false)
		b.limiter.SetLimit(rate.Inf)
		return
	}
	b.enabled.Store(true)
	b.limiter.SetLimit(rate.Limit(bytesPerSec))
	b.limiter.SetBurst(bytesPerSec) // allow a 1s burst
}

// WaitN blocks until n bytes may be consumed, or ctx is cancelled.
func (b *BandwidthLimiter) WaitN(ctx context.Context, n int) error {
	if !b.enabled.Load() {
		return nil
	}
	// rate.Limiter rejects a single request larger than its burst, so
	// wait for n in burst-sized pieces.
	for n > 0 {
		chunk := n
		if burst := b.limiter.Burst(); burst > 0 && chunk > burst {
			chunk = burst
		}
		if err := b.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
