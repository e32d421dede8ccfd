package ids

import (
	"time"

	"github.com/devnolife/netsec/packet"
)

type window struct {
	start time.Time
	count int
}

// thresholdTracker keeps the per-rule counting windows that gate
// signature matches.
type thresholdTracker struct {
	windows map[string]*window
}

func newThresholdTracker() *thresholdTracker {
	return &thresholdTracker{windows: make(map[string]*window)}
}

func thresholdKey(r *Rule, p *packet.Packet) string {
	switch r.Threshold.Track {
	case TrackBySrc:
		return r.ID + "|src|" + p.SourceIP
	case TrackByDst:
		return r.ID + "|dst|" + p.DestIP
	case TrackByBoth:
		return r.ID + "|both|" + p.SourceIP + "|" + p.DestIP
	default:
		return r.ID + "|rule"
	}
}

// allow counts a match and reports whether it may alert. Windows reset
// once their interval elapses.
func (t *thresholdTracker) allow(r *Rule, p *packet.Packet, now time.Time) bool {
	th := r.Threshold
	if th == nil || th.Count <= 0 {
		return true
	}

	key := thresholdKey(r, p)
	w, ok := t.windows[key]
	interval := time.Duration(th.Seconds) * time.Second
	if !ok || now.Sub(w.start) > interval {
		w = &window{start: now}
		t.windows[key] = w
	}
	w.count++

	switch th.Type {
	case ThresholdLimit:
		// Suppress after the first N events per window.
		return w.count <= th.Count
	case ThresholdThreshold:
		// Alert on every Nth event.
		return w.count%th.Count == 0
	case ThresholdBoth:
		// Exactly one alert per window, on the Nth event.
		return w.count == th.Count
	}
	return true
}

// sweep drops windows that have been idle past their interval.
func (t *thresholdTracker) sweep(now time.Time, maxAge time.Duration) {
	for key, w := range t.windows {
		if now.Sub(w.start) > maxAge {
			delete(t.windows, key)
		}
	}
}
