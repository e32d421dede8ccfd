package ids

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/devnolife/netsec/event"
	"github.com/devnolife/netsec/packet"
)

var (
	ErrRuleExists    = errors.New("ids rule already exists")
	ErrRuleNotFound  = errors.New("ids rule not found")
	ErrAlertNotFound = errors.New("alert not found")
	ErrTooManyRules  = errors.New("ids rule limit exceeded")
)

func newAlertID() string { return uuid.NewString() }

// Config carries the detection tunables.
type Config struct {
	MinSeverity        Severity
	DedupWindow        time.Duration
	MaxAlertsPerSecond int
	CapturePayload     bool
	MaxRules           int
	MaxStoredAlerts    int
	StreamMaxAge       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinSeverity:        SeverityLow,
		DedupWindow:        5 * time.Second,
		MaxAlertsPerSecond: 100,
		CapturePayload:     false,
		MaxRules:           4096,
		MaxStoredAlerts:    1000,
		StreamMaxAge:       time.Minute,
	}
}

type dedupKey struct {
	ruleID string
	src    string
	dst    string
}

// Engine runs the three detectors over every packet handed to it.
type Engine struct {
	mu       sync.Mutex
	rules    []*Rule
	byID     map[string]*Rule
	baseline *Baseline

	thresholds *thresholdTracker
	streams    map[string]*stream
	dedup      map[dedupKey]time.Time

	// alerts-per-second cap bookkeeping.
	capSecond time.Time
	capCount  int

	alerts []*Alert

	cfg    Config
	logger *logrus.Logger
	bus    *event.Bus

	registry  metrics.Registry
	analyzed  metrics.Counter
	raised    metrics.Counter
	deduped   metrics.Counter
	capped    metrics.Counter
	badRules  metrics.Counter
	alertRate metrics.Meter

	stopped bool
}

func NewEngine(cfg Config, logger *logrus.Logger, bus *event.Bus) *Engine {
	r := metrics.NewRegistry()
	return &Engine{
		byID:       make(map[string]*Rule),
		thresholds: newThresholdTracker(),
		streams:    make(map[string]*stream),
		dedup:      make(map[dedupKey]time.Time),
		cfg:        cfg,
		logger:     logger,
		bus:        bus,
		registry:   r,
		analyzed:   metrics.NewRegisteredCounter("ids.analyzed", r),
		raised:     metrics.NewRegisteredCounter("ids.alerts", r),
		deduped:    metrics.NewRegisteredCounter("ids.deduplicated", r),
		capped:     metrics.NewRegisteredCounter("ids.rate_capped", r),
		badRules:   metrics.NewRegisteredCounter("ids.bad_patterns", r),
		alertRate:  metrics.NewRegisteredMeter("ids.alert_rate", r),
	}
}

// AddRule registers a signature. PCRE patterns are compiled up front;
// ones that fail to compile are counted and treated as non-matching.
func (e *Engine) AddRule(r *Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.rules) >= e.cfg.MaxRules {
		return ErrTooManyRules
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, ok := e.byID[r.ID]; ok {
		return fmt.Errorf("%w: %s", ErrRuleExists, r.ID)
	}

	r.compile()
	if r.badPCRE > 0 {
		e.badRules.Inc(int64(r.badPCRE))
		e.logger.WithFields(logrus.Fields{
			"rule": r.Name,
			"bad":  r.badPCRE,
		}).Warn("rule has unparseable pcre patterns")
	}

	e.rules = append(e.rules, r)
	e.byID[r.ID] = r
	if e.bus != nil {
		e.bus.Publish(event.Event{Type: event.RuleAdded, Data: r.ID})
	}
	return nil
}

// SetEnabled toggles a rule.
func (e *Engine) SetEnabled(ruleID string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.byID[ruleID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	r.Enabled = enabled
	if e.bus != nil {
		e.bus.Publish(event.Event{Type: event.RuleUpdated, Data: ruleID})
	}
	return nil
}

// SetBaseline installs the anomaly reference. The engine never writes
// to it.
func (e *Engine) SetBaseline(b *Baseline) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseline = b
}

// Analyze runs all three detectors and returns the alerts that survive
// deduplication and the per-second cap. Every surviving alert is
// stored and published.
func (e *Engine) Analyze(p *packet.Packet) []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.analyzed.Inc(1)
	now := time.Now()

	var raw []*Alert
	raw = append(raw, e.analyzeSignatures(p, now)...)
	raw = append(raw, e.analyzeAnomaly(p)...)
	raw = append(raw, e.analyzeHeuristic(p)...)

	var out []*Alert
	for _, a := range raw {
		if !e.admitAlert(a, now) {
			continue
		}
		out = append(out, a)
		e.store(a)
		e.raised.Inc(1)
		e.alertRate.Mark(1)

		e.logger.WithFields(logrus.Fields{
			"method":   a.Method,
			"severity": a.Severity.String(),
			"category": a.Category,
			"src":      a.SourceIP,
			"dst":      a.DestIP,
		}).Info("ids alert")
		if e.bus != nil {
			e.bus.Publish(event.Event{Type: event.AlertNew, Data: a})
		}
	}
	return out
}

func (e *Engine) analyzeSignatures(p *packet.Packet, now time.Time) []*Alert {
	var alerts []*Alert
	for _, r := range e.rules {
		if !r.Enabled || r.Severity < e.cfg.MinSeverity {
			continue
		}
		if !e.ruleMatches(r, p) {
			continue
		}
		if !e.thresholds.allow(r, p, now) {
			continue
		}
		r.HitCount++
		alerts = append(alerts, e.newAlert(p, MethodSignature, r.Severity, r.Category, r.Mitre,
			"signature match: "+r.Name, r))
	}
	return alerts
}

func (e *Engine) ruleMatches(r *Rule, p *packet.Packet) bool {
	if r.Protocol != packet.ProtoAny && r.Protocol != p.Protocol {
		return false
	}
	if !r.Source.Match(p.SourceIP) || !r.Dest.Match(p.DestIP) {
		return false
	}
	if !r.SrcPort.Match(p.SourcePort) || !r.DstPort.Match(p.DestPort) {
		return false
	}
	if r.Flags != "" {
		want, err := packet.ParseFlags(r.Flags)
		if err != nil {
			// A malformed flag string never matches.
			return false
		}
		if !p.TCPFlags.Has(want) {
			return false
		}
	}
	for _, c := range r.Contents {
		if !c.Match(p.Payload) {
			return false
		}
	}
	for _, re := range r.compiled {
		if re == nil {
			return false
		}
		if !re.MatchString(p.Payload) {
			return false
		}
	}
	if !r.Size.Match(p.PayloadLen()) {
		return false
	}
	return true
}

// admitAlert applies deduplication and the global per-second cap.
func (e *Engine) admitAlert(a *Alert, now time.Time) bool {
	key := dedupKey{ruleID: a.RuleID + string(a.Method) + a.Category, src: a.SourceIP, dst: a.DestIP}
	if last, ok := e.dedup[key]; ok && now.Sub(last) < e.cfg.DedupWindow {
		e.deduped.Inc(1)
		return false
	}

	if e.cfg.MaxAlertsPerSecond > 0 {
		second := now.Truncate(time.Second)
		if !second.Equal(e.capSecond) {
			e.capSecond = second
			e.capCount = 0
		}
		if e.capCount >= e.cfg.MaxAlertsPerSecond {
			e.capped.Inc(1)
			return false
		}
		e.capCount++
	}

	e.dedup[key] = now
	return true
}

func (e *Engine) store(a *Alert) {
	e.alerts = append(e.alerts, a)
	if len(e.alerts) > e.cfg.MaxStoredAlerts {
		e.alerts = e.alerts[len(e.alerts)-e.cfg.MaxStoredAlerts:]
	}
}

// Alerts returns a copy of the stored alert records.
func (e *Engine) Alerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Alert, len(e.alerts))
	for i, a := range e.alerts {
		out[i] = *a
	}
	return out
}

func (e *Engine) setStatus(alertID string, status AlertStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, a := range e.alerts {
		if a.ID == alertID {
			a.Status = status
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
}

func (e *Engine) AckAlert(id string) error          { return e.setStatus(id, StatusAcknowledged) }
func (e *Engine) ResolveAlert(id string) error      { return e.setStatus(id, StatusResolved) }
func (e *Engine) MarkFalsePositive(id string) error { return e.setStatus(id, StatusFalsePositive) }

// Tick purges stale threshold windows, dedup entries and stream
// histories.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	maxAge := e.cfg.StreamMaxAge
	e.thresholds.sweep(now, maxAge)
	e.sweepStreams(now, maxAge)
	for key, last := range e.dedup {
		if now.Sub(last) > e.cfg.DedupWindow {
			delete(e.dedup, key)
		}
	}
}

// Stop is idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	e.logger.Info("ids engine stopped")
}

// Stats is the pull-based statistics snapshot.
type Stats struct {
	Rules        int     `json:"rules"`
	Analyzed     int64   `json:"analyzed"`
	Alerts       int64   `json:"alerts"`
	Deduplicated int64   `json:"deduplicated"`
	RateCapped   int64   `json:"rateCapped"`
	BadPatterns  int64   `json:"badPatterns"`
	AlertsPerSec float64 `json:"alertsPerSec"`
	Streams      int     `json:"streams"`
}

func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Rules:        len(e.rules),
		Analyzed:     e.analyzed.Count(),
		Alerts:       e.raised.Count(),
		Deduplicated: e.deduped.Count(),
		RateCapped:   e.capped.Count(),
		BadPatterns:  e.badRules.Count(),
		AlertsPerSec: e.alertRate.Rate1(),
		Streams:      len(e.streams),
	}
}
