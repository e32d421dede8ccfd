package firewall

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/devnolife/netsec/acl"
	"github.com/devnolife/netsec/conntrack"
	"github.com/devnolife/netsec/event"
	"github.com/devnolife/netsec/ipcalc"
	"github.com/devnolife/netsec/nat"
	"github.com/devnolife/netsec/packet"
)

var (
	ErrZoneExists     = errors.New("zone already exists")
	ErrZoneNotFound   = errors.New("zone not found")
	ErrPolicyExists   = errors.New("policy already exists")
	ErrPolicyNotFound = errors.New("policy not found")
	ErrTooManyRules   = errors.New("policy rule limit exceeded")
)

// Config carries the firewall tunables.
type Config struct {
	DefaultAction Action
	AntiSpoofing  bool
	BogonFilter   bool
	// OutsideTrust marks an interface "outside" when its zone trust
	// level is at or below this value.
	OutsideTrust      int
	MaxRulesPerPolicy int
}

func DefaultConfig() Config {
	return Config{
		DefaultAction:     ActionDeny,
		AntiSpoofing:      true,
		BogonFilter:       true,
		OutsideTrust:      30,
		MaxRulesPerPolicy: 1000,
	}
}

// Engine runs the per-packet pipeline and owns zones, zone pairs and
// policies. The connection tracker, the NAT engine and the ACL
// evaluator are collaborators handed in by the composition root.
type Engine struct {
	mu           sync.RWMutex
	zones        map[string]*Zone
	ifaceZone    map[string]string
	pairs        []*ZonePair
	policies     map[string]*Policy
	blockedPorts map[int]uint64
	cfg          Config

	tracker *conntrack.Tracker
	nat     *nat.Engine
	acls    *acl.Engine
	logger  *logrus.Logger
	bus     *event.Bus

	registry      metrics.Registry
	processed     metrics.Counter
	allowed       metrics.Counter
	denied        metrics.Counter
	spoofDrops    metrics.Counter
	bogonDrops    metrics.Counter
	fastPath      metrics.Counter
	defaultHits   metrics.Counter
	packetsPerSec metrics.Meter

	stopped bool
}

func NewEngine(cfg Config, tracker *conntrack.Tracker, natEngine *nat.Engine, acls *acl.Engine, logger *logrus.Logger, bus *event.Bus) *Engine {
	r := metrics.NewRegistry()
	return &Engine{
		zones:         make(map[string]*Zone),
		ifaceZone:     make(map[string]string),
		policies:      make(map[string]*Policy),
		blockedPorts:  make(map[int]uint64),
		cfg:           cfg,
		tracker:       tracker,
		nat:           natEngine,
		acls:          acls,
		logger:        logger,
		bus:           bus,
		registry:      r,
		processed:     metrics.NewRegisteredCounter("fw.processed", r),
		allowed:       metrics.NewRegisteredCounter("fw.allowed", r),
		denied:        metrics.NewRegisteredCounter("fw.denied", r),
		spoofDrops:    metrics.NewRegisteredCounter("fw.antispoof_drops", r),
		bogonDrops:    metrics.NewRegisteredCounter("fw.bogon_drops", r),
		fastPath:      metrics.NewRegisteredCounter("fw.fastpath_hits", r),
		defaultHits:   metrics.NewRegisteredCounter("fw.default_action_hits", r),
		packetsPerSec: metrics.NewRegisteredMeter("fw.packets", r),
	}
}

// AddZone registers a security zone and indexes its interfaces.
func (e *Engine) AddZone(z *Zone) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.zones[z.Name]; ok {
		return fmt.Errorf("%w: %s", ErrZoneExists, z.Name)
	}
	if z.DefaultAction == "" {
		z.DefaultAction = ActionDeny
	}
	e.zones[z.Name] = z
	for _, iface := range z.Interfaces {
		e.ifaceZone[iface] = z.Name
	}
	e.logger.WithFields(logrus.Fields{"zone": z.Name, "trust": z.TrustLevel}).Info("zone added")
	return nil
}

// AddZonePair wires a directed zone relation to a policy.
func (e *Engine) AddZonePair(src, dst, policy string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.zones[src]; !ok {
		return fmt.Errorf("%w: %s", ErrZoneNotFound, src)
	}
	if _, ok := e.zones[dst]; !ok {
		return fmt.Errorf("%w: %s", ErrZoneNotFound, dst)
	}
	e.pairs = append(e.pairs, &ZonePair{Source: src, Destination: dst, Policy: policy})
	return nil
}

// AddPolicy registers an empty policy.
func (e *Engine) AddPolicy(name string, defaultAction Action) (*Policy, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.policies[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyExists, name)
	}
	p := &Policy{Name: name, DefaultAction: defaultAction}
	e.policies[name] = p
	return p, nil
}

// AddPolicyRule appends a rule to a policy and re-sorts by sequence,
// insertion order breaking ties.
func (e *Engine) AddPolicyRule(policy string, r *PolicyRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.policies[policy]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, policy)
	}
	if len(p.Rules) >= e.cfg.MaxRulesPerPolicy {
		return fmt.Errorf("%w: %s", ErrTooManyRules, policy)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.insertSeq = p.nextInsert
	p.nextInsert++
	p.Rules = append(p.Rules, r)
	sort.SliceStable(p.Rules, func(i, j int) bool {
		if p.Rules[i].Sequence != p.Rules[j].Sequence {
			return p.Rules[i].Sequence < p.Rules[j].Sequence
		}
		return p.Rules[i].insertSeq < p.Rules[j].insertSeq
	})

	if e.bus != nil {
		e.bus.Publish(event.Event{Type: event.RuleAdded, Data: r.ID})
	}
	return nil
}

// Process runs one packet through the full pipeline. Every stage may
// short-circuit with a decision.
func (e *Engine) Process(p *packet.Packet) Decision {
	start := time.Now()
	e.processed.Inc(1)
	e.packetsPerSec.Mark(1)

	d := e.process(p)
	d.ProcessingTime = time.Since(start)

	if d.Action == ActionAllow {
		e.allowed.Inc(1)
	} else {
		e.denied.Inc(1)
		e.mu.Lock()
		e.blockedPorts[p.DestPort]++
		e.mu.Unlock()
	}

	e.logger.WithFields(logrus.Fields{
		"packet": p.String(),
		"action": d.Action,
		"reason": d.Reason,
	}).Debug("firewall decision")
	return d
}

func (e *Engine) process(p *packet.Packet) Decision {
	outside := e.isOutside(p)

	// Stage 1: anti-spoofing.
	if e.cfg.AntiSpoofing && outside && ipcalc.IsPrivate(p.SourceIP) {
		e.spoofDrops.Inc(1)
		return Decision{Action: ActionDeny, Reason: "anti-spoofing: private source on outside interface"}
	}

	// Stage 2: bogon filtering.
	if e.cfg.BogonFilter && outside && ipcalc.IsBogon(p.SourceIP) {
		e.bogonDrops.Inc(1)
		return Decision{Action: ActionDeny, Reason: "bogon source address"}
	}

	// Stage 3: stateful fast path. A tracked flow bypasses policy
	// evaluation entirely; rule changes do not affect open connections.
	if entry, reply, ok := e.tracker.Lookup(p); ok {
		e.tracker.Update(entry, p, reply)
		e.fastPath.Inc(1)
		return Decision{Action: ActionAllow, Matched: true, Reason: "existing connection"}
	}

	// Stage 4: destination NAT ahead of any routing decision.
	if e.nat != nil && p.Direction == packet.DirIn {
		if _, err := e.nat.TranslateInbound(p); err != nil {
			e.logger.WithError(err).Warn("destination nat failed")
		}
	}

	// Stage 5: zone-pair policy, falling back to trust comparison.
	if d, decided := e.evaluateZones(p); decided {
		if d.Action == ActionAllow {
			e.admit(p)
		}
		return d
	}

	// Stage 6: ACL fallback.
	if e.acls != nil && p.Interface != "" {
		if d, matched := e.acls.EvaluateAttached(p, p.Interface, p.Direction); matched {
			out := Decision{
				Action:  ActionDeny,
				Matched: d.Matched,
				ACLRule: d.Rule,
				Reason:  "acl: " + d.Reason,
			}
			if d.Action == acl.ActionPermit {
				out.Action = ActionAllow
				e.admit(p)
			}
			return out
		}
	}

	// Stage 7: engine-wide default.
	e.defaultHits.Inc(1)
	d := Decision{Action: e.cfg.DefaultAction, Reason: "default action"}
	if d.Action == ActionAllow {
		e.admit(p)
	}
	return d
}

// admit creates the connection entry for an allowed first packet and
// applies source NAT on the way out.
func (e *Engine) admit(p *packet.Packet) {
	if _, _, ok := e.tracker.Lookup(p); !ok {
		if _, err := e.tracker.Create(p); err != nil {
			e.logger.WithError(err).Warn("connection not tracked")
		}
	}
	if e.nat != nil && p.Direction == packet.DirOut {
		if _, err := e.nat.TranslateOutbound(p); err != nil {
			e.logger.WithError(err).Warn("source nat failed")
		}
	}
}

func (e *Engine) isOutside(p *packet.Packet) bool {
	if p.Direction != packet.DirIn {
		return false
	}
	z := e.zoneOf(p.Interface, p.Zone)
	if z == nil {
		// No zone information: treat the interface as untrusted.
		return true
	}
	return z.TrustLevel <= e.cfg.OutsideTrust
}

func (e *Engine) zoneOf(iface, explicit string) *Zone {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if explicit != "" {
		if z, ok := e.zones[explicit]; ok {
			return z
		}
	}
	if name, ok := e.ifaceZone[iface]; ok {
		return e.zones[name]
	}
	return nil
}

// evaluateZones resolves both endpoint zones and applies the zone-pair
// policy or the trust-level comparison. decided=false hands the packet
// to the ACL stage.
func (e *Engine) evaluateZones(p *packet.Packet) (Decision, bool) {
	srcZone := e.zoneOf(p.Interface, p.Zone)
	dstZone := e.zoneForAddress(p.DestIP)

	if srcZone == nil && dstZone == nil {
		return Decision{}, false
	}

	e.mu.RLock()
	var pair *ZonePair
	if srcZone != nil && dstZone != nil {
		for _, zp := range e.pairs {
			if zp.Source == srcZone.Name && zp.Destination == dstZone.Name {
				pair = zp
				break
			}
		}
	}
	e.mu.RUnlock()

	if pair != nil {
		return e.evaluatePolicy(pair, srcZone, p), true
	}

	// Default zone behavior: compare trust levels. A missing zone
	// counts as trust 0.
	srcTrust, dstTrust := 0, 0
	if srcZone != nil {
		srcTrust = srcZone.TrustLevel
	}
	if dstZone != nil {
		dstTrust = dstZone.TrustLevel
	}
	if srcTrust >= dstTrust {
		return Decision{Action: ActionAllow, Reason: fmt.Sprintf("trust %d >= %d", srcTrust, dstTrust)}, true
	}
	return Decision{Action: ActionDeny, Reason: fmt.Sprintf("trust %d < %d", srcTrust, dstTrust)}, true
}

// zoneForAddress finds the destination zone. Zones do not carry
// subnets, so the destination resolves through the interface map when
// the simulator tagged the packet, else stays unknown.
func (e *Engine) zoneForAddress(ip string) *Zone {
	e.mu.RLock()
	defer e.mu.RUnlock()

	// Private destinations default to the most trusted zone, public
	// ones to the least trusted. This mirrors the training topologies
	// where inside networks are RFC 1918.
	var best *Zone
	private := ipcalc.IsPrivate(ip)
	for _, z := range e.zones {
		if best == nil {
			best = z
			continue
		}
		if private && z.TrustLevel > best.TrustLevel {
			best = z
		}
		if !private && z.TrustLevel < best.TrustLevel {
			best = z
		}
	}
	return best
}

func (e *Engine) evaluatePolicy(pair *ZonePair, srcZone *Zone, p *packet.Packet) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	pol, ok := e.policies[pair.Policy]
	if !ok {
		// Missing policy resolves to a deterministic deny.
		return Decision{Action: ActionDeny, Reason: "unknown policy " + pair.Policy}
	}

	now := time.Now()
	for _, r := range pol.Rules {
		if !policyRuleMatches(r, srcZone, p, now) {
			continue
		}
		r.HitCount++
		r.HitBytes += uint64(p.Size)
		r.LastHit = now
		return Decision{
			Action:  r.Action,
			Matched: true,
			Rule:    r,
			Reason:  fmt.Sprintf("policy %s rule seq %d", pol.Name, r.Sequence),
		}
	}
	return Decision{Action: pol.DefaultAction, Reason: "policy " + pol.Name + " default"}
}

func policyRuleMatches(r *PolicyRule, srcZone *Zone, p *packet.Packet, now time.Time) bool {
	if r.Protocol != packet.ProtoAny && r.Protocol != p.Protocol {
		return false
	}
	if !ipcalc.MatchHost(r.Source, p.SourceIP) || !ipcalc.MatchHost(r.Destination, p.DestIP) {
		return false
	}
	if !r.SourcePort.Match(p.SourcePort) || !r.DestPort.Match(p.DestPort) {
		return false
	}
	if r.SourceZone != "" && (srcZone == nil || srcZone.Name != r.SourceZone) {
		return false
	}
	if r.Application != "" && !applicationMatches(r.Application, p.DestPort) {
		return false
	}
	if r.Content != "" && !strings.Contains(p.Payload, r.Content) {
		return false
	}
	if !r.Schedule.Active(now) {
		return false
	}
	return true
}

// Tick forwards the maintenance sweep to the collaborators that own
// expiring tables.
func (e *Engine) Tick(now time.Time) {
	e.tracker.Tick(now)
	if e.nat != nil {
		e.nat.Tick(now)
	}
}

// Stop is idempotent; the engine has no background work of its own.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	e.logger.Info("firewall engine stopped")
}

// Stats is the pull-based statistics snapshot.
type Stats struct {
	Processed      int64            `json:"processed"`
	Allowed        int64            `json:"allowed"`
	Denied         int64            `json:"denied"`
	SpoofDrops     int64            `json:"antiSpoofDrops"`
	BogonDrops     int64            `json:"bogonDrops"`
	FastPathHits   int64            `json:"fastPathHits"`
	DefaultHits    int64            `json:"defaultActionHits"`
	PacketsPerSec  float64          `json:"packetsPerSec"`
	TopPolicyRules []PolicyRuleHits `json:"topPolicyRules"`
	TopBlocked     []PortHits       `json:"topBlockedPorts"`
}

type PolicyRuleHits struct {
	Policy   string `json:"policy"`
	RuleID   string `json:"ruleID"`
	Sequence int    `json:"sequence"`
	Hits     uint64 `json:"hits"`
	Bytes    uint64 `json:"bytes"`
}

type PortHits struct {
	Port int    `json:"port"`
	Hits uint64 `json:"hits"`
}

func (e *Engine) Snapshot() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var top []PolicyRuleHits
	for name, pol := range e.policies {
		for _, r := range pol.Rules {
			if r.HitCount > 0 {
				top = append(top, PolicyRuleHits{Policy: name, RuleID: r.ID, Sequence: r.Sequence, Hits: r.HitCount, Bytes: r.HitBytes})
			}
		}
	}
	sort.Slice(top, func(i, j int) bool { return top[i].Hits > top[j].Hits })
	if len(top) > 10 {
		top = top[:10]
	}

	var blocked []PortHits
	for port, hits := range e.blockedPorts {
		blocked = append(blocked, PortHits{Port: port, Hits: hits})
	}
	sort.Slice(blocked, func(i, j int) bool { return blocked[i].Hits > blocked[j].Hits })
	if len(blocked) > 10 {
		blocked = blocked[:10]
	}

	return Stats{
		Processed:      e.processed.Count(),
		Allowed:        e.allowed.Count(),
		Denied:         e.denied.Count(),
		SpoofDrops:     e.spoofDrops.Count(),
		BogonDrops:     e.bogonDrops.Count(),
		FastPathHits:   e.fastPath.Count(),
		DefaultHits:    e.defaultHits.Count(),
		PacketsPerSec:  e.packetsPerSec.Rate1(),
		TopPolicyRules: top,
		TopBlocked:     blocked,
	}
}
