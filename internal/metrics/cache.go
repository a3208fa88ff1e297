package metrics

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL is how long a report is served from cache.
const DefaultCacheTTL = 60 * time.Second

// Reporter produces reports for a window.
type Reporter interface {
	Aggregate(ctx context.Context, w Window) (*Report, error)
}

type cachedReport struct {
	report  *Report
	expires time.Time
}

// Cached serves reports from memory for a short TTL. Windows are keyed to the second.
type Cached struct {
	next Reporter
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[Window]cachedReport
}

// NewCached wraps next. A non-positive ttl uses DefaultCacheTTL.
func NewCached(next Reporter, ttl time.Duration, now func() time.Time) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cached{next: next, ttl: ttl, now: now, entries: make(map[Window]cachedReport)}
}

// Aggregate returns a cached report of w, computing it when missing or expired.
func (c *Cached) Aggregate(ctx context.Context, w Window) (*Report, error) {
	key := Window{From: w.From.UTC().Truncate(time.Second), To: w.To.UTC().Truncate(time.Second)}
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.report, nil
	}
	c.mu.Unlock()

	r, err := c.next.Aggregate(ctx, w)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cachedReport{report: r, expires: now.Add(c.ttl)}
	return r, nil
}

// Invalidate drops every cached report.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}
