package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	burst     *rate.Limiter
	sustained *rate.Limiter
	last      time.Time
}

// Memory keeps token buckets per key in process. It is correct for a
// single instance only; use Redis when replicas share the limit.
type Memory struct {
	limits  Limits
	idleTTL time.Duration
	now     clock

	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewMemory(limits Limits, idleTTL time.Duration) *Memory {
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	return &Memory{
		limits:   limits,
		idleTTL:  idleTTL,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	now := m.now()

	m.mu.Lock()
	v, ok := m.visitors[key]
	if !ok {
		v = m.newVisitor()
		m.visitors[key] = v
	}
	v.last = now
	m.mu.Unlock()

	return reserveBoth(now, v.burst, v.sustained), nil
}

func (m *Memory) newVisitor() *visitor {
	v := &visitor{}
	if m.limits.PerSecond > 0 {
		v.burst = rate.NewLimiter(rate.Limit(m.limits.PerSecond), m.limits.PerSecond)
	}
	if m.limits.PerMinute > 0 {
		v.sustained = rate.NewLimiter(rate.Every(time.Minute/time.Duration(m.limits.PerMinute)), m.limits.PerMinute)
	}
	return v
}

// reserveBoth takes a token from every enabled limiter or from none.
func reserveBoth(now time.Time, limiters ...*rate.Limiter) bool {
	taken := make([]*rate.Reservation, 0, len(limiters))
	for _, l := range limiters {
		if l == nil {
			continue
		}
		r := l.ReserveN(now, 1)
		if !r.OK() || r.DelayFrom(now) > 0 {
			r.CancelAt(now)
			for _, t := range taken {
				t.CancelAt(now)
			}
			return false
		}
		taken = append(taken, r)
	}
	return true
}

// Sweep drops visitors idle longer than the idle TTL and reports how many
// were removed.
func (m *Memory) Sweep() int {
	cutoff := m.now().Add(-m.idleTTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, v := range m.visitors {
		if v.last.Before(cutoff) {
			delete(m.visitors, key)
			removed++
		}
	}
	return removed
}

// Run sweeps idle visitors every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}
