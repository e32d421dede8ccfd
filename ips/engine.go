package ips

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/devnolife/netsec/event"
	"github.com/devnolife/netsec/ids"
	"github.com/devnolife/netsec/packet"
)

// ActionType is what the IPS does about an alert.
type ActionType string

const (
	ActionAlert  ActionType = "alert" // log only
	ActionDrop   ActionType = "drop"
	ActionReject ActionType = "reject"
)

// BlocklistEntry is one blocked source. A zero Expires means the block
// is permanent.
type BlocklistEntry struct {
	IP      string    `json:"ip"`
	Reason  string    `json:"reason"`
	Created time.Time `json:"created"`
	Expires time.Time `json:"expires,omitempty"`
	Hits    uint64    `json:"hits"`
}

func (b *BlocklistEntry) active(now time.Time) bool {
	return b.Expires.IsZero() || now.Before(b.Expires)
}

// Action is a concrete enforcement record.
type Action struct {
	ID      string     `json:"id"`
	Type    ActionType `json:"type"`
	Target  string     `json:"target"`
	Reason  string     `json:"reason"`
	Created time.Time  `json:"created"`
	Expires time.Time  `json:"expires,omitempty"`
	Hits    uint64     `json:"hits"`
}

// Verdict is the packet admission result.
type Verdict struct {
	Allowed bool       `json:"allowed"`
	Action  ActionType `json:"action,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// sourceTracker accumulates alert counts per source IP for the
// auto-block decision.
type sourceTracker struct {
	count      int
	bySeverity map[ids.Severity]int
	firstSeen  time.Time
	lastSeen   time.Time
}

// Config carries the prevention tunables.
type Config struct {
	AutoBlockThreshold int
	AutoBlockDuration  time.Duration
	RateLimit          int // packets per second per source, 0 disables
	SeverityActions    map[ids.Severity]ActionType
	TrackerMaxAge      time.Duration
}

func DefaultConfig() Config {
	return Config{
		AutoBlockThreshold: 5,
		AutoBlockDuration:  5 * time.Minute,
		RateLimit:          1000,
		SeverityActions: map[ids.Severity]ActionType{
			ids.SeverityCritical: ActionDrop,
			ids.SeverityHigh:     ActionDrop,
			ids.SeverityMedium:   ActionAlert,
			ids.SeverityLow:      ActionAlert,
		},
		TrackerMaxAge: 10 * time.Minute,
	}
}

// Engine consumes IDS alerts and gates packet admission. It sits in
// front of the firewall: a blocked source never reaches policy
// evaluation.
type Engine struct {
	mu         sync.Mutex
	blocklist  map[string]*BlocklistEntry
	whiteIPs   map[string]bool
	whitePorts map[int]bool
	trackers   map[string]*sourceTracker
	actions    []*Action
	limiter    *rateLimiter

	cfg    Config
	ids    *ids.Engine
	logger *logrus.Logger
	bus    *event.Bus
	subID  int

	registry    metrics.Registry
	checked     metrics.Counter
	blockedPkts metrics.Counter
	rateLimited metrics.Counter
	whitelisted metrics.Counter
	autoBlocks  metrics.Counter

	stopped bool
}

func NewEngine(cfg Config, idsEngine *ids.Engine, logger *logrus.Logger, bus *event.Bus) *Engine {
	r := metrics.NewRegistry()
	e := &Engine{
		blocklist:   make(map[string]*BlocklistEntry),
		whiteIPs:    make(map[string]bool),
		whitePorts:  make(map[int]bool),
		trackers:    make(map[string]*sourceTracker),
		limiter:     newRateLimiter(cfg.RateLimit),
		cfg:         cfg,
		ids:         idsEngine,
		logger:      logger,
		bus:         bus,
		subID:       -1,
		registry:    r,
		checked:     metrics.NewRegisteredCounter("ips.checked", r),
		blockedPkts: metrics.NewRegisteredCounter("ips.blocked", r),
		rateLimited: metrics.NewRegisteredCounter("ips.rate_limited", r),
		whitelisted: metrics.NewRegisteredCounter("ips.whitelisted", r),
		autoBlocks:  metrics.NewRegisteredCounter("ips.auto_blocks", r),
	}

	if bus != nil {
		e.subID = bus.Subscribe(func(ev event.Event) {
			if ev.Type != event.AlertNew {
				return
			}
			if a, ok := ev.Data.(*ids.Alert); ok {
				e.HandleAlert(a)
			}
		})
	}
	return e
}

// HandleAlert feeds one IDS alert into the per-source trackers and the
// severity-to-action mapping.
func (e *Engine) HandleAlert(a *ids.Alert) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	tr, ok := e.trackers[a.SourceIP]
	if !ok {
		tr = &sourceTracker{bySeverity: make(map[ids.Severity]int), firstSeen: now}
		e.trackers[a.SourceIP] = tr
	}
	tr.count++
	tr.bySeverity[a.Severity]++
	tr.lastSeen = now

	if e.cfg.AutoBlockThreshold > 0 && tr.count >= e.cfg.AutoBlockThreshold {
		e.autoBlocks.Inc(1)
		e.blockLocked(a.SourceIP, "auto-block: alert threshold reached", e.cfg.AutoBlockDuration, now)
		// Start counting fresh once the block lapses.
		delete(e.trackers, a.SourceIP)
		return
	}

	switch e.cfg.SeverityActions[a.Severity] {
	case ActionDrop:
		e.blockLocked(a.SourceIP, "severity "+a.Severity.String(), e.cfg.AutoBlockDuration, now)
		e.recordActionLocked(ActionDrop, a.SourceIP, "alert "+a.ID, now)
	case ActionReject:
		e.blockLocked(a.SourceIP, "severity "+a.Severity.String(), e.cfg.AutoBlockDuration, now)
		e.recordActionLocked(ActionReject, a.SourceIP, "alert "+a.ID, now)
	}
}

// CheckPacket decides packet admission: whitelist, then blocklist,
// then the rate limiter, then IDS analysis.
func (e *Engine) CheckPacket(p *packet.Packet) Verdict {
	e.checked.Inc(1)
	now := time.Now()

	e.mu.Lock()
	if e.whiteIPs[p.SourceIP] || e.whitePorts[p.DestPort] {
		e.whitelisted.Inc(1)
		e.mu.Unlock()
		return Verdict{Allowed: true, Reason: "whitelisted"}
	}

	if b, ok := e.blocklist[p.SourceIP]; ok && b.active(now) {
		b.Hits++
		e.blockedPkts.Inc(1)
		e.mu.Unlock()
		return Verdict{Allowed: false, Action: ActionDrop, Reason: "blocklisted: " + b.Reason}
	}

	if !e.limiter.allow(p.SourceIP, now) {
		e.rateLimited.Inc(1)
		e.mu.Unlock()
		return Verdict{Allowed: false, Action: ActionDrop, Reason: "rate limit exceeded"}
	}
	e.mu.Unlock()

	if e.ids == nil {
		return Verdict{Allowed: true}
	}

	// The alert handler runs synchronously off the bus during Analyze,
	// so the tracker and blocklist are already updated afterwards.
	alerts := e.ids.Analyze(p)
	if len(alerts) == 0 {
		return Verdict{Allowed: true}
	}

	worst := alerts[0]
	for _, a := range alerts[1:] {
		if a.Severity > worst.Severity {
			worst = a
		}
	}

	action, ok := e.cfg.SeverityActions[worst.Severity]
	if !ok {
		action = ActionAlert
	}
	if action == ActionDrop || action == ActionReject {
		return Verdict{Allowed: false, Action: action, Reason: "ids: " + worst.Message}
	}
	return Verdict{Allowed: true, Action: ActionAlert, Reason: "ids: " + worst.Message}
}

// Block adds a source to the blocklist. A zero duration blocks
// permanently.
func (e *Engine) Block(ip, reason string, duration time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blockLocked(ip, reason, duration, time.Now())
}

func (e *Engine) blockLocked(ip, reason string, duration time.Duration, now time.Time) {
	entry, exists := e.blocklist[ip]
	if exists && entry.active(now) {
		// Extend rather than replace.
		if duration > 0 {
			entry.Expires = now.Add(duration)
		}
		return
	}

	entry = &BlocklistEntry{IP: ip, Reason: reason, Created: now}
	if duration > 0 {
		entry.Expires = now.Add(duration)
	}
	e.blocklist[ip] = entry

	e.logger.WithFields(logrus.Fields{"ip": ip, "reason": reason}).Warn("source blocked")
	if e.bus != nil {
		e.bus.Publish(event.Event{Type: event.SourceBlocked, Data: ip})
	}
}

// Unblock removes a source from the blocklist.
func (e *Engine) Unblock(ip string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.blocklist[ip]; !ok {
		return
	}
	delete(e.blocklist, ip)
	if e.bus != nil {
		e.bus.Publish(event.Event{Type: event.SourceUnblocked, Data: ip})
	}
}

// WhitelistIP exempts a source address from all checks.
func (e *Engine) WhitelistIP(ip string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.whiteIPs[ip] = true
}

// WhitelistPort exempts a destination port from all checks.
func (e *Engine) WhitelistPort(port int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.whitePorts[port] = true
}

func (e *Engine) recordActionLocked(t ActionType, target, reason string, now time.Time) {
	a := &Action{
		ID:      uuid.NewString(),
		Type:    t,
		Target:  target,
		Reason:  reason,
		Created: now,
		Expires: now.Add(e.cfg.AutoBlockDuration),
	}
	e.actions = append(e.actions, a)
	if e.bus != nil {
		e.bus.Publish(event.Event{Type: event.ActionExecuted, Data: a})
	}
}

// Blocklist returns a copy of the current entries, expired ones
// included until the next sweep.
func (e *Engine) Blocklist() []BlocklistEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]BlocklistEntry, 0, len(e.blocklist))
	for _, b := range e.blocklist {
		out = append(out, *b)
	}
	return out
}

// Tick purges expired blocks, stale rate windows and stale trackers.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for ip, b := range e.blocklist {
		if !b.active(now) {
			delete(e.blocklist, ip)
			if e.bus != nil {
				e.bus.Publish(event.Event{Type: event.SourceUnblocked, Data: ip})
			}
		}
	}

	kept := e.actions[:0]
	for _, a := range e.actions {
		if a.Expires.IsZero() || now.Before(a.Expires) {
			kept = append(kept, a)
			continue
		}
		if e.bus != nil {
			e.bus.Publish(event.Event{Type: event.ActionExpired, Data: a})
		}
	}
	e.actions = kept

	e.limiter.sweep(now, e.cfg.TrackerMaxAge)
	for ip, tr := range e.trackers {
		if now.Sub(tr.lastSeen) > e.cfg.TrackerMaxAge {
			delete(e.trackers, ip)
		}
	}
}

// Stop unsubscribes from the alert feed. Safe to call repeatedly.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	if e.bus != nil && e.subID >= 0 {
		e.bus.Unsubscribe(e.subID)
	}
	e.logger.Info("ips engine stopped")
}

// Stats is the pull-based statistics snapshot.
type Stats struct {
	Checked        int64           `json:"checked"`
	Blocked        int64           `json:"blocked"`
	RateLimited    int64           `json:"rateLimited"`
	Whitelisted    int64           `json:"whitelisted"`
	AutoBlocks     int64           `json:"autoBlocks"`
	ActiveBlocks   int             `json:"activeBlocks"`
	TrackedSources int             `json:"trackedSources"`
	Actions        int             `json:"actions"`
	TopBlocked     []BlockedSource `json:"topBlocked"`
}

type BlockedSource struct {
	IP   string `json:"ip"`
	Hits uint64 `json:"hits"`
}

func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var top []BlockedSource
	for _, b := range e.blocklist {
		top = append(top, BlockedSource{IP: b.IP, Hits: b.Hits})
	}
	sort.Slice(top, func(i, j int) bool { return top[i].Hits > top[j].Hits })
	if len(top) > 10 {
		top = top[:10]
	}

	return Stats{
		Checked:        e.checked.Count(),
		Blocked:        e.blockedPkts.Count(),
		RateLimited:    e.rateLimited.Count(),
		Whitelisted:    e.whitelisted.Count(),
		AutoBlocks:     e.autoBlocks.Count(),
		ActiveBlocks:   len(e.blocklist),
		TrackedSources: len(e.trackers),
		Actions:        len(e.actions),
		TopBlocked:     top,
	}
}
