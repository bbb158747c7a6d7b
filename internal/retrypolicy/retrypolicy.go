// Package retrypolicy implements the engine's backoff decision as a pure
// function, grounded on spec.md §4.4. It deliberately does not manage its
// own timer or retry loop (unlike an iterator-style backoff library) so
// that callers can interleave waiting with cancellation and domain-gate
// acquisition.
package retrypolicy

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"
)

// Outcome describes what happened on an attempt, the input the Decide
// function classifies into RETRY or GIVE_UP.
type Outcome struct {
	// StatusCode is the HTTP status observed, or 0 if none applies.
	StatusCode int
	// Err is the underlying error, if any (timeout, connection reset, etc).
	Err error
	// RetryAfterSeconds is the value of a Retry-After header, if present;
	// negative means absent.
	RetryAfterSeconds float64
}

// Decision is the result of Decide.
type Decision struct {
	Retry    bool
	DelaySec float64
}

// Policy holds the tunable knobs; zero value is NOT usable, use Default().
type Policy struct {
	MaxAttempts int
	BaseDelayS  float64
	MaxDelayS   float64

	// RetryableStatuses overrides the default retryable HTTP status set.
	RetryableStatuses map[int]bool
}

// Default returns the spec's default policy: 5 attempts, 1s base,
// 30s cap, jitter of ±20%.
func Default() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelayS:  1,
		MaxDelayS:   30,
		RetryableStatuses: map[int]bool{
			408: true, 425: true, 429: true,
			500: true, 502: true, 503: true, 504: true,
		},
	}
}

// WithOverrides applies non-zero per-job overrides (max_retries,
// retry_base_delay_s, retry_max_delay_s) on top of Default.
func (p Policy) WithOverrides(maxRetries int, baseDelayS, maxDelayS float64) Policy {
	if maxRetries > 0 {
		p.MaxAttempts = maxRetries
	}
	if baseDelayS > 0 {
		p.BaseDelayS = baseDelayS
	}
	if maxDelayS > 0 {
		p.MaxDelayS = maxDelayS
	}
	return p
}

// Decide turns (attempt, outcome) into a RETRY-with-delay or GIVE_UP
// decision. attempt is 1-indexed: the first call after an initial
// failure passes attempt=1.
func (p Policy) Decide(attempt int, o Outcome) Decision {
	if attempt >= p.MaxAttempts {
		return Decision{Retry: false}
	}
	if !p.retryable(o) {
		return Decision{Retry: false}
	}

	delay := p.backoffDelay(attempt)

	if o.RetryAfterSeconds >= 0 {
		retryAfter := o.RetryAfterSeconds
		if retryAfter > p.MaxDelayS {
			retryAfter = p.MaxDelayS
		}
		delay = retryAfter
	}

	return Decision{Retry: true, DelaySec: delay}
}

// backoffDelay computes base * 2^(attempt-1), capped at MaxDelayS, then
// jittered by a uniform factor in [0.8, 1.2]. The result is always
// clamped back to [BaseDelayS, MaxDelayS*1.2]: jitter must never pull a
// delay below the configured floor, even on the first attempt where the
// pre-jitter delay already equals BaseDelayS.
func (p Policy) backoffDelay(attempt int) float64 {
	delay := p.BaseDelayS * float64(uint64(1)<<uint(attempt-1))
	if delay > p.MaxDelayS {
		delay = p.MaxDelayS
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2) // U(-0.2, +0.2)
	delay *= jitter
	if delay < p.BaseDelayS {
		delay = p.BaseDelayS
	}
	if max := p.MaxDelayS * 1.2; delay > max {
		delay = max
	}
	return delay
}

func (p Policy) retryable(o Outcome) bool {
	if o.StatusCode != 0 {
		statuses := p.RetryableStatuses
		if statuses == nil {
			statuses = Default().RetryableStatuses
		}
		return statuses[o.StatusCode]
	}
	if o.Err == nil {
		return false
	}
	return isTransientError(o.Err)
}

// isTransientError classifies timeouts, connection resets/aborts, and
// DNS transient failures as retryable; everything else (disk-full,
// cancellation, malformed-response parse errors) is not.
func isTransientError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}

// Sleep waits for d seconds, returning early with false if ctx-like
// cancellation fires first. Callers pass a channel closed on cancellation
// (CancelToken.Done(), typically) rather than a context directly so this
// package has no dependency on the downloader contract.
func Sleep(d float64, cancelled <-chan struct{}) (completed bool) {
	timer := time.NewTimer(time.Duration(d * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-cancelled:
		return false
	}
}
