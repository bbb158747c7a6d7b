package retrypolicy

import (
	"context"
	"testing"
	"time"
)

func TestDecide_RetryableStatusBacksOff(t *testing.T) {
	p := Default()
	for _, status := range []int{408, 425, 429, 500, 502, 503, 504} {
		d := p.Decide(1, Outcome{StatusCode: status, RetryAfterSeconds: -1})
		if !d.Retry {
			t.Errorf("status %d should be retryable", status)
		}
		if d.DelaySec < p.BaseDelayS || d.DelaySec > p.MaxDelayS*1.2+1e-9 {
			t.Errorf("status %d delay %v outside [base, max_delay*1.2]", status, d.DelaySec)
		}
	}
}

func TestDecide_NonRetryableStatusGivesUp(t *testing.T) {
	p := Default()
	for _, status := range []int{400, 401, 403, 404, 410} {
		d := p.Decide(1, Outcome{StatusCode: status, RetryAfterSeconds: -1})
		if d.Retry {
			t.Errorf("status %d should not be retryable", status)
		}
	}
}

func TestDecide_ExhaustsMaxAttempts(t *testing.T) {
	p := Default()
	d := p.Decide(p.MaxAttempts, Outcome{StatusCode: 503, RetryAfterSeconds: -1})
	if d.Retry {
		t.Error("expected GIVE_UP once max attempts reached")
	}
}

func TestDecide_BackoffDoublesAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelayS: 1, MaxDelayS: 5}
	for attempt := 1; attempt <= 6; attempt++ {
		d := p.Decide(attempt, Outcome{StatusCode: 503, RetryAfterSeconds: -1})
		if !d.Retry {
			t.Fatalf("attempt %d should still be retryable", attempt)
		}
		if d.DelaySec > p.MaxDelayS*1.2+1e-9 {
			t.Errorf("attempt %d delay %v exceeds max_delay*1.2 jitter bound", attempt, d.DelaySec)
		}
		if d.DelaySec < p.BaseDelayS {
			t.Errorf("attempt %d delay %v below base floor", attempt, d.DelaySec)
		}
	}
}

func TestDecide_HonorsRetryAfterCapped(t *testing.T) {
	p := Default()
	d := p.Decide(1, Outcome{StatusCode: 429, RetryAfterSeconds: 1000})
	if !d.Retry {
		t.Fatal("expected retry")
	}
	if d.DelaySec != p.MaxDelayS {
		t.Errorf("DelaySec = %v, want capped at max_delay %v", d.DelaySec, p.MaxDelayS)
	}
}

func TestDecide_TransientNetworkErrorRetryable(t *testing.T) {
	p := Default()
	d := p.Decide(1, Outcome{Err: context.DeadlineExceeded, RetryAfterSeconds: -1})
	if !d.Retry {
		t.Error("context.DeadlineExceeded should be treated as a transient, retryable error")
	}
}

func TestDecide_NoErrorOrStatusGivesUp(t *testing.T) {
	p := Default()
	d := p.Decide(1, Outcome{RetryAfterSeconds: -1})
	if d.Retry {
		t.Error("an outcome with no status and no error should not retry")
	}
}

func TestWithOverrides_OnlyAppliesPositiveValues(t *testing.T) {
	p := Default().WithOverrides(0, 0, 0)
	def := Default()
	if p.MaxAttempts != def.MaxAttempts || p.BaseDelayS != def.BaseDelayS || p.MaxDelayS != def.MaxDelayS {
		t.Errorf("zero overrides should leave the policy unchanged: %+v vs %+v", p, def)
	}

	p2 := Default().WithOverrides(2, 0.5, 10)
	if p2.MaxAttempts != 2 || p2.BaseDelayS != 0.5 || p2.MaxDelayS != 10 {
		t.Errorf("overrides did not apply: %+v", p2)
	}
}

func TestSleep_ReturnsEarlyOnCancellation(t *testing.T) {
	cancelled := make(chan struct{})
	close(cancelled)

	start := time.Now()
	completed := Sleep(10, cancelled)
	if completed {
		t.Error("expected Sleep to be interrupted")
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Error("cancellation took too long to take effect")
	}
}
