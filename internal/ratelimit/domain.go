// Package ratelimit implements per-host politeness (DomainLimiter) and
// global bandwidth shaping for the download engine. Both are built to be
// cancellation-aware: a caller waiting on either must wake within 250 ms
// of its handle being cancelled (spec.md §4.3).
package ratelimit

import (
	"net/url"
	"sync"
	"time"
)

// DefaultMaxConcurrent is the default number of simultaneous transfers
// permitted against one host.
const DefaultMaxConcurrent = 2

// DefaultMinIntervalMs is the default minimum spacing between the start
// of consecutive transfers against one host.
const DefaultMinIntervalMs = 1000

// DomainLimiter enforces per-host politeness: at most max_concurrent
// in-flight transfers per host, and min_interval_ms between the start of
// consecutive acquisitions on that host.
type DomainLimiter struct {
	mu    sync.RWMutex
	hosts map[string]*hostGate

	defaultMaxConcurrent int
	defaultMinInterval   time.Duration
}

type hostGate struct {
	mu          sync.Mutex
	sem         chan struct{}
	minInterval time.Duration
	lastStart   time.Time
	cooldowned  bool // doubled min_interval after excessive 429s
}

// New creates a DomainLimiter using the given defaults; a host's gate is
// created with them the first time the host is seen, unless ConfigureHost
// has already installed one for it.
func New(defaultMaxConcurrent int, defaultMinIntervalMs int) *DomainLimiter {
	if defaultMaxConcurrent <= 0 {
		defaultMaxConcurrent = DefaultMaxConcurrent
	}
	if defaultMinIntervalMs <= 0 {
		defaultMinIntervalMs = DefaultMinIntervalMs
	}
	return &DomainLimiter{
		hosts:                make(map[string]*hostGate),
		defaultMaxConcurrent: defaultMaxConcurrent,
		defaultMinInterval:   time.Duration(defaultMinIntervalMs) * time.Millisecond,
	}
}

// HostOf extracts the host component of a URL for use as a limiter key.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}

// Release is returned by Acquire; callers must call it exactly once,
// typically in a defer, to free the held slot.
type Release func()

// Acquire blocks until a slot for host is available or cancelled fires,
// waking within 250ms of cancellation. On success it returns a Release
// func that must be called to free the slot.
func (d *DomainLimiter) Acquire(host string, cancelled <-chan struct{}) (Release, bool) {
	gate := d.gateFor(host)

	select {
	case gate.sem <- struct{}{}:
	case <-cancelled:
		return nil, false
	}

	if !gate.waitMinInterval(cancelled) {
		<-gate.sem
		return nil, false
	}

	return func() { <-gate.sem }, true
}

// ConfigureHost overrides max_concurrent/min_interval_ms for a specific
// host before first use. Calling it after Acquire has been used for that
// host has no effect on already-issued semaphore capacity.
func (d *DomainLimiter) ConfigureHost(host string, maxConcurrent int, minIntervalMs int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if maxConcurrent <= 0 {
		maxConcurrent = d.defaultMaxConcurrent
	}
	if minIntervalMs <= 0 {
		minIntervalMs = int(d.defaultMinInterval / time.Millisecond)
	}
	d.hosts[host] = &hostGate{
		sem:         make(chan struct{}, maxConcurrent),
		minInterval: time.Duration(minIntervalMs) * time.Millisecond,
	}
}

// Cooldown doubles min_interval_ms for the remainder of the run, per the
// "excessive 429s" policy in spec.md §7.
func (d *DomainLimiter) Cooldown(host string) {
	gate := d.gateFor(host)
	gate.mu.Lock()
	defer gate.mu.Unlock()
	if !gate.cooldowned {
		gate.minInterval *= 2
		gate.cooldowned = true
	}
}

func (d *DomainLimiter) gateFor(host string) *hostGate {
	d.mu.RLock()
	gate, ok := d.hosts[host]
	d.mu.RUnlock()
	if ok {
		return gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if gate, ok = d.hosts[host]; ok {
		return gate
	}
	gate = &hostGate{
		sem:         make(chan struct{}, d.defaultMaxConcurrent),
		minInterval: d.defaultMinInterval,
	}
	d.hosts[host] = gate
	return gate
}

// waitMinInterval blocks, if necessary, until min_interval has elapsed
// since the gate's last acquisition start, then records the new start.
func (g *hostGate) waitMinInterval(cancelled <-chan struct{}) bool {
	g.mu.Lock()
	wait := g.minInterval - time.Since(g.lastStart)
	g.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-cancelled:
			return false
		}
	}

	g.mu.Lock()
	g.lastStart = time.Now()
	g.mu.Unlock()
	return true
}
