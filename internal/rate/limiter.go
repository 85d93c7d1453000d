// Package rate spaces out probes sent to the same address.
package rate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxEntries = 10000
	idleAfter  = time.Hour
)

// PerAddr keeps one token bucket per probed address. A nil *PerAddr or one
// built with a non-positive rate never blocks.
type PerAddr struct {
	mu        sync.Mutex
	m         map[string]*limitEntry
	perSecond float64
	burst     int
	now       func() time.Time
}

type limitEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

func New(perSecond float64, burst int) *PerAddr {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &PerAddr{
		m:         make(map[string]*limitEntry),
		perSecond: perSecond,
		burst:     burst,
		now:       time.Now,
	}
}

func (p *PerAddr) entry(addr string) *limitEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	e, ok := p.m[addr]
	if !ok {
		if len(p.m) >= maxEntries {
			p.pruneLocked(now)
		}
		e = &limitEntry{limiter: rate.NewLimiter(rate.Limit(p.perSecond), p.burst)}
		p.m[addr] = e
	}
	e.lastUsed = now
	return e
}

func (p *PerAddr) pruneLocked(now time.Time) {
	cutoff := now.Add(-idleAfter)
	for addr, e := range p.m {
		if e.lastUsed.Before(cutoff) {
			delete(p.m, addr)
		}
	}
}

// Allow reports whether a probe to addr may go out right now.
func (p *PerAddr) Allow(addr string) bool {
	if p == nil {
		return true
	}
	return p.entry(addr).limiter.Allow()
}

// Wait blocks until a probe to addr may go out or ctx is done.
func (p *PerAddr) Wait(ctx context.Context, addr string) error {
	if p == nil {
		return ctx.Err()
	}
	return p.entry(addr).limiter.Wait(ctx)
}

// Len is the number of addresses currently tracked.
func (p *PerAddr) Len() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
