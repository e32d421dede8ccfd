package nat

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/devnolife/netsec/event"
	"github.com/devnolife/netsec/ipcalc"
	"github.com/devnolife/netsec/packet"
)

var (
	ErrRuleNotFound  = errors.New("nat rule not found")
	ErrPoolExhausted = errors.New("nat pool exhausted")
	ErrNoPortFree    = errors.New("pat port range exhausted")
)

// RuleType discriminates the three translation strategies.
type RuleType string

const (
	Static  RuleType = "static"  // fixed 1:1
	Dynamic RuleType = "dynamic" // next pool IP, round-robin
	PAT     RuleType = "pat"     // single global IP, per-flow port
)

// Rule describes one translation policy.
type Rule struct {
	ID   string
	Name string
	Type RuleType

	// InsideLocal selects the traffic to translate: an address or CIDR.
	InsideLocal string

	// InsideGlobal is the fixed global address for static and pat rules.
	InsideGlobal string

	// Pool is the global address pool for dynamic rules.
	Pool []string

	// PAT port range, inclusive.
	PortLo int
	PortHi int

	// allocations counts translations made from this rule, driving the
	// round-robin pool cursor.
	allocations uint64
}

// Translation is one active flow's rewrite record.
type Translation struct {
	ID       string
	RuleID   string
	Type     RuleType
	Protocol packet.Protocol

	InsideLocalIP    string
	InsideLocalPort  int
	InsideGlobalIP   string
	InsideGlobalPort int
	OutsideIP        string
	OutsidePort      int

	Created  time.Time
	LastSeen time.Time
}

type flowKey struct {
	proto packet.Protocol
	srcIP string
	sport int
	dstIP string
	dport int
}

type globalKey struct {
	proto packet.Protocol
	ip    string
	port  int
}

// Config carries the NAT tunables.
type Config struct {
	TranslationTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{TranslationTimeout: 5 * time.Minute}
}

// Engine owns the rule list, the translation table, and the PAT port
// pool. The pool is guarded by the engine lock so a port can never be
// issued twice while active.
type Engine struct {
	mu           sync.Mutex
	rules        []*Rule
	translations map[flowKey]*Translation
	byGlobal     map[globalKey]*Translation
	patPorts     map[globalKey]bool
	patCursor    map[string]int // rule id -> next candidate port
	cfg          Config
	logger       *logrus.Logger
	bus          *event.Bus

	registry metrics.Registry
	created  metrics.Counter
	expired  metrics.Counter
	failures metrics.Counter
}

func NewEngine(cfg Config, logger *logrus.Logger, bus *event.Bus) *Engine {
	r := metrics.NewRegistry()
	return &Engine{
		translations: make(map[flowKey]*Translation),
		byGlobal:     make(map[globalKey]*Translation),
		patPorts:     make(map[globalKey]bool),
		patCursor:    make(map[string]int),
		cfg:          cfg,
		logger:       logger,
		bus:          bus,
		registry:     r,
		created:      metrics.NewRegisteredCounter("nat.created", r),
		expired:      metrics.NewRegisteredCounter("nat.expired", r),
		failures:     metrics.NewRegisteredCounter("nat.failures", r),
	}
}

// AddRule registers a translation rule. Rules are consulted in
// insertion order.
func (e *Engine) AddRule(r *Rule) *Rule {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Type == PAT && r.PortLo == 0 && r.PortHi == 0 {
		r.PortLo = 1024
		r.PortHi = 65535
	}
	e.rules = append(e.rules, r)
	e.logger.WithFields(logrus.Fields{"rule": r.Name, "type": r.Type}).Info("nat rule added")
	return r
}

// RemoveRule deletes a rule; its active translations live on until
// expiry.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, r := range e.rules {
		if r.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
}

// TranslateOutbound applies source NAT to an outbound packet, creating
// a translation for the flow if none exists. It returns nil with no
// error when no rule covers the source.
func (e *Engine) TranslateOutbound(p *packet.Packet) (*Translation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := flowKey{p.Protocol, p.SourceIP, p.SourcePort, p.DestIP, p.DestPort}
	if tr, ok := e.translations[key]; ok {
		tr.LastSeen = time.Now()
		e.rewriteSource(p, tr)
		return tr, nil
	}

	rule := e.matchRule(p.SourceIP)
	if rule == nil {
		return nil, nil
	}

	tr, err := e.allocate(rule, p)
	if err != nil {
		e.failures.Inc(1)
		return nil, err
	}

	e.translations[key] = tr
	e.byGlobal[globalKey{tr.Protocol, tr.InsideGlobalIP, tr.InsideGlobalPort}] = tr
	e.created.Inc(1)

	e.logger.WithFields(logrus.Fields{
		"type":   rule.Type,
		"local":  fmt.Sprintf("%s:%d", tr.InsideLocalIP, tr.InsideLocalPort),
		"global": fmt.Sprintf("%s:%d", tr.InsideGlobalIP, tr.InsideGlobalPort),
	}).Debug("nat translation created")
	if e.bus != nil {
		e.bus.Publish(event.Event{Type: event.NATCreated, Data: tr.ID})
	}

	e.rewriteSource(p, tr)
	return tr, nil
}

// TranslateInbound applies destination NAT: a packet addressed to an
// inside-global endpoint is rewritten to the inside-local one. Static
// rules also translate unsolicited inbound traffic.
func (e *Engine) TranslateInbound(p *packet.Packet) (*Translation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if tr, ok := e.byGlobal[globalKey{p.Protocol, p.DestIP, p.DestPort}]; ok {
		tr.LastSeen = time.Now()
		p.DestIP = tr.InsideLocalIP
		if tr.Type == PAT {
			p.DestPort = tr.InsideLocalPort
		}
		return tr, nil
	}
	// PAT translations key ports; plain translations match any port.
	if tr, ok := e.byGlobal[globalKey{p.Protocol, p.DestIP, 0}]; ok {
		tr.LastSeen = time.Now()
		p.DestIP = tr.InsideLocalIP
		return tr, nil
	}

	for _, r := range e.rules {
		if r.Type == Static && r.InsideGlobal == p.DestIP {
			p.DestIP = r.InsideLocal
			return nil, nil
		}
	}
	return nil, nil
}

func (e *Engine) rewriteSource(p *packet.Packet, tr *Translation) {
	p.SourceIP = tr.InsideGlobalIP
	if tr.Type == PAT {
		p.SourcePort = tr.InsideGlobalPort
	}
}

func (e *Engine) matchRule(srcIP string) *Rule {
	for _, r := range e.rules {
		if ipcalc.MatchHost(r.InsideLocal, srcIP) {
			return r
		}
	}
	return nil
}

func (e *Engine) allocate(rule *Rule, p *packet.Packet) (*Translation, error) {
	now := time.Now()
	tr := &Translation{
		ID:              uuid.NewString(),
		RuleID:          rule.ID,
		Type:            rule.Type,
		Protocol:        p.Protocol,
		InsideLocalIP:   p.SourceIP,
		InsideLocalPort: p.SourcePort,
		OutsideIP:       p.DestIP,
		OutsidePort:     p.DestPort,
		Created:         now,
		LastSeen:        now,
	}

	switch rule.Type {
	case Static:
		tr.InsideGlobalIP = rule.InsideGlobal
		tr.InsideGlobalPort = 0
	case Dynamic:
		if len(rule.Pool) == 0 {
			return nil, ErrPoolExhausted
		}
		tr.InsideGlobalIP = rule.Pool[rule.allocations%uint64(len(rule.Pool))]
		tr.InsideGlobalPort = 0
	case PAT:
		tr.InsideGlobalIP = rule.InsideGlobal
		port, err := e.allocatePort(rule, p.Protocol)
		if err != nil {
			return nil, err
		}
		tr.InsideGlobalPort = port
	default:
		return nil, fmt.Errorf("unknown nat rule type: %q", rule.Type)
	}

	rule.allocations++
	return tr, nil
}

// allocatePort hands out the next free port in the rule's range,
// scanning with wrap-around. A port held by an active translation is
// never reissued.
func (e *Engine) allocatePort(rule *Rule, proto packet.Protocol) (int, error) {
	size := rule.PortHi - rule.PortLo + 1
	if size <= 0 {
		return 0, ErrNoPortFree
	}

	start, ok := e.patCursor[rule.ID]
	if !ok {
		start = rule.PortLo
	}

	for i := 0; i < size; i++ {
		port := rule.PortLo + (start-rule.PortLo+i)%size
		k := globalKey{proto, rule.InsideGlobal, port}
		if !e.patPorts[k] {
			e.patPorts[k] = true
			e.patCursor[rule.ID] = rule.PortLo + (port-rule.PortLo+1)%size
			return port, nil
		}
	}
	return 0, ErrNoPortFree
}

// Tick evicts idle translations and returns PAT ports to the pool.
// Ports are only released here, never inline.
func (e *Engine) Tick(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for key, tr := range e.translations {
		if now.Sub(tr.LastSeen) <= e.cfg.TranslationTimeout {
			continue
		}
		delete(e.translations, key)
		delete(e.byGlobal, globalKey{tr.Protocol, tr.InsideGlobalIP, tr.InsideGlobalPort})
		if tr.Type == PAT {
			delete(e.patPorts, globalKey{tr.Protocol, tr.InsideGlobalIP, tr.InsideGlobalPort})
		}
		removed++
		e.expired.Inc(1)
		if e.bus != nil {
			e.bus.Publish(event.Event{Type: event.NATExpired, Data: tr.ID})
		}
	}
	if removed > 0 {
		e.logger.WithField("removed", removed).Debug("nat sweep")
	}
	return removed
}

// Translations returns a copy of the active translation records.
func (e *Engine) Translations() []Translation {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Translation, 0, len(e.translations))
	for _, tr := range e.translations {
		out = append(out, *tr)
	}
	return out
}

// Stats is the pull-based statistics snapshot.
type Stats struct {
	Rules    int   `json:"rules"`
	Active   int   `json:"active"`
	Created  int64 `json:"created"`
	Expired  int64 `json:"expired"`
	Failures int64 `json:"failures"`
	PATPorts int   `json:"patPortsInUse"`
}

func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Rules:    len(e.rules),
		Active:   len(e.translations),
		Created:  e.created.Count(),
		Expired:  e.expired.Count(),
		Failures: e.failures.Count(),
		PATPorts: len(e.patPorts),
	}
}
