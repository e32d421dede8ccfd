package ips

import (
	"time"
)

// rateLimiter enforces a per-source packets-per-second budget over a
// sliding one-second window.
type rateLimiter struct {
	limit   int
	windows map[string]*rateWindow
}

type rateWindow struct {
	times    []time.Time
	lastSeen time.Time
}

func newRateLimiter(limit int) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		windows: make(map[string]*rateWindow),
	}
}

// allow records one packet from src and reports whether it stays under
// the budget.
func (r *rateLimiter) allow(src string, now time.Time) bool {
	if r.limit <= 0 {
		return true
	}

	w, ok := r.windows[src]
	if !ok {
		w = &rateWindow{}
		r.windows[src] = w
	}
	w.lastSeen = now

	cutoff := now.Add(-time.Second)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = kept

	if len(w.times) >= r.limit {
		return false
	}
	w.times = append(w.times, now)
	return true
}

// sweep drops windows idle past maxAge.
func (r *rateLimiter) sweep(now time.Time, maxAge time.Duration) {
	for src, w := range r.windows {
		if now.Sub(w.lastSeen) > maxAge {
			delete(r.windows, src)
		}
	}
}
