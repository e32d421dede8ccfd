package acl

import (
	"errors"
	"fmt"
	"sort"
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
	ErrACLExists      = errors.New("acl already exists")
	ErrACLNotFound    = errors.New("acl not found")
	ErrRuleNotFound   = errors.New("rule not found")
	ErrTooManyACLs    = errors.New("acl limit exceeded")
	ErrTooManyRules   = errors.New("rule limit exceeded for acl")
	ErrInvalidAction  = errors.New("rule action must be permit or deny")
	ErrInvalidAddress = errors.New("rule address is not a valid ipv4 address")
)

// Config carries the evaluator tunables.
type Config struct {
	MaxACLs        int
	MaxRulesPerACL int
	CacheTTL       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxACLs:        256,
		MaxRulesPerACL: 1000,
		CacheTTL:       60 * time.Second,
	}
}

type cacheEntry struct {
	decision Decision
	expires  time.Time
}

// Engine is the stateless ACL evaluator plus its rule store and
// decision cache.
type Engine struct {
	mu     sync.RWMutex
	acls   map[string]*ACL
	byName map[string]string // name -> id
	cache  map[string]cacheEntry
	cfg    Config
	logger *logrus.Logger
	bus    *event.Bus

	registry      metrics.Registry
	evaluations   metrics.Counter
	permits       metrics.Counter
	denies        metrics.Counter
	implicitDeny  metrics.Counter
	unknownACL    metrics.Counter
	cacheHits     metrics.Counter
	malformedRule metrics.Counter
}

func NewEngine(cfg Config, logger *logrus.Logger, bus *event.Bus) *Engine {
	r := metrics.NewRegistry()
	return &Engine{
		acls:          make(map[string]*ACL),
		byName:        make(map[string]string),
		cache:         make(map[string]cacheEntry),
		cfg:           cfg,
		logger:        logger,
		bus:           bus,
		registry:      r,
		evaluations:   metrics.NewRegisteredCounter("acl.evaluations", r),
		permits:       metrics.NewRegisteredCounter("acl.permits", r),
		denies:        metrics.NewRegisteredCounter("acl.denies", r),
		implicitDeny:  metrics.NewRegisteredCounter("acl.implicit_denies", r),
		unknownACL:    metrics.NewRegisteredCounter("acl.unknown_acl", r),
		cacheHits:     metrics.NewRegisteredCounter("acl.cache_hits", r),
		malformedRule: metrics.NewRegisteredCounter("acl.malformed_rules", r),
	}
}

// CreateACL registers a new empty ACL. The name must be unique.
func (e *Engine) CreateACL(name string, typ Type) (*ACL, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.byName[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrACLExists, name)
	}
	if len(e.acls) >= e.cfg.MaxACLs {
		return nil, ErrTooManyACLs
	}

	a := &ACL{
		ID:           uuid.NewString(),
		Name:         name,
		Type:         typ,
		ImplicitDeny: true,
		Created:      time.Now(),
	}
	e.acls[a.ID] = a
	e.byName[name] = a.ID
	e.invalidateLocked()

	e.logger.WithFields(logrus.Fields{"acl": name, "type": typ}).Info("acl created")
	e.publish(event.ACLCreated, a.Name)
	return a, nil
}

// DeleteACL removes an ACL and flushes the cache.
func (e *Engine) DeleteACL(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrACLNotFound, name)
	}
	delete(e.acls, id)
	delete(e.byName, name)
	e.invalidateLocked()

	e.publish(event.ACLDeleted, name)
	return nil
}

// Get returns the ACL with the given name.
func (e *Engine) Get(name string) (*ACL, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.byName[name]
	if !ok {
		return nil, false
	}
	return e.acls[id], true
}

// AddRule appends a rule and re-sorts the ACL by sequence.
func (e *Engine) AddRule(aclName string, r *Rule) error {
	if r.Action != ActionPermit && r.Action != ActionDeny {
		return ErrInvalidAction
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.lookupLocked(aclName)
	if err != nil {
		return err
	}
	if len(a.Rules) >= e.cfg.MaxRulesPerACL {
		return fmt.Errorf("%w: %s", ErrTooManyRules, aclName)
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.order = a.nextOrder
	a.nextOrder++
	a.Rules = append(a.Rules, r)
	sortRules(a.Rules)
	e.invalidateLocked()

	e.logger.WithFields(logrus.Fields{"acl": aclName, "rule": r.String()}).Debug("rule added")
	e.publish(event.RuleAdded, r.ID)
	return nil
}

// UpdateRuleSequence moves a rule to a new sequence number and re-sorts.
func (e *Engine) UpdateRuleSequence(aclName, ruleID string, sequence int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.lookupLocked(aclName)
	if err != nil {
		return err
	}
	for _, r := range a.Rules {
		if r.ID == ruleID {
			r.Sequence = sequence
			sortRules(a.Rules)
			e.invalidateLocked()
			e.publish(event.RuleUpdated, ruleID)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
}

// RemoveRule deletes a rule from an ACL.
func (e *Engine) RemoveRule(aclName, ruleID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.lookupLocked(aclName)
	if err != nil {
		return err
	}
	for i, r := range a.Rules {
		if r.ID == ruleID {
			a.Rules = append(a.Rules[:i], a.Rules[i+1:]...)
			e.invalidateLocked()
			e.publish(event.RuleRemoved, ruleID)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
}

// Attach binds an ACL to an interface and direction.
func (e *Engine) Attach(aclName, iface string, dir packet.Direction) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.lookupLocked(aclName)
	if err != nil {
		return err
	}
	for _, att := range a.Attachments {
		if att.Interface == iface && att.Direction == dir {
			return nil
		}
	}
	a.Attachments = append(a.Attachments, Attachment{Interface: iface, Direction: dir})
	e.invalidateLocked()
	return nil
}

// Detach removes an interface binding.
func (e *Engine) Detach(aclName, iface string, dir packet.Direction) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.lookupLocked(aclName)
	if err != nil {
		return err
	}
	for i, att := range a.Attachments {
		if att.Interface == iface && att.Direction == dir {
			a.Attachments = append(a.Attachments[:i], a.Attachments[i+1:]...)
			e.invalidateLocked()
			return nil
		}
	}
	return nil
}

func (e *Engine) lookupLocked(name string) (*ACL, error) {
	id, ok := e.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrACLNotFound, name)
	}
	return e.acls[id], nil
}

func sortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Sequence != rules[j].Sequence {
			return rules[i].Sequence < rules[j].Sequence
		}
		return rules[i].order < rules[j].order
	})
}

// Evaluate runs the packet through the named ACL. An unknown name
// resolves to a deny, never an error.
func (e *Engine) Evaluate(p *packet.Packet, aclName string) Decision {
	start := time.Now()
	e.evaluations.Inc(1)

	key := cacheKey(aclName, p)

	e.mu.RLock()
	if entry, ok := e.cache[key]; ok && time.Now().Before(entry.expires) {
		e.mu.RUnlock()
		e.cacheHits.Inc(1)
		d := entry.decision
		d.ProcessingTime = time.Since(start)
		return d
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.byName[aclName]
	if !ok {
		e.unknownACL.Inc(1)
		e.denies.Inc(1)
		return Decision{
			Action:         ActionDeny,
			Reason:         "unknown acl",
			ProcessingTime: time.Since(start),
		}
	}
	a := e.acls[id]

	d := e.evaluateLocked(a, p, time.Now())
	if e.cfg.CacheTTL > 0 {
		e.cache[key] = cacheEntry{decision: d, expires: time.Now().Add(e.cfg.CacheTTL)}
	}
	d.ProcessingTime = time.Since(start)
	return d
}

// EvaluateAttached evaluates every ACL attached to iface in the given
// direction, in creation order, returning the first decision produced
// by a rule hit or an implicit deny. decided=false means no attachment
// decided the packet and the caller's default action applies.
func (e *Engine) EvaluateAttached(p *packet.Packet, iface string, dir packet.Direction) (Decision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	for _, a := range e.aclsByCreation() {
		for _, att := range a.Attachments {
			if att.Interface != iface || att.Direction != dir {
				continue
			}
			d := e.evaluateLocked(a, p, now)
			if d.Matched {
				return d, true
			}
			if a.ImplicitDeny {
				// The miss already produced an implicit deny.
				return d, true
			}
		}
	}
	return Decision{}, false
}

func (e *Engine) aclsByCreation() []*ACL {
	out := make([]*ACL, 0, len(e.acls))
	for _, a := range e.acls {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

func (e *Engine) evaluateLocked(a *ACL, p *packet.Packet, now time.Time) Decision {
	for _, r := range a.Rules {
		if !e.ruleMatches(a, r, p, now) {
			continue
		}
		r.HitCount++
		r.LastHit = now
		if r.Action == ActionPermit {
			e.permits.Inc(1)
		} else {
			e.denies.Inc(1)
		}
		return Decision{
			Matched: true,
			Action:  r.Action,
			Rule:    r,
			Reason:  fmt.Sprintf("matched rule seq %d", r.Sequence),
		}
	}

	if a.ImplicitDeny {
		e.implicitDeny.Inc(1)
		e.denies.Inc(1)
		return Decision{Action: ActionDeny, Reason: "implicit deny"}
	}
	return Decision{Action: ActionPermit, Reason: "no match, implicit deny disabled"}
}

func (e *Engine) ruleMatches(a *ACL, r *Rule, p *packet.Packet, now time.Time) bool {
	if !matchAddress(r.SourceIP, r.SourceWildcard, p.SourceIP) {
		return false
	}
	if a.Type == TypeStandard {
		return true
	}

	if r.Protocol != packet.ProtoAny && r.Protocol != p.Protocol {
		return false
	}
	if !matchAddress(r.DestIP, r.DestWildcard, p.DestIP) {
		return false
	}
	if !r.SourcePort.Match(p.SourcePort) || !r.DestPort.Match(p.DestPort) {
		return false
	}
	if r.Established {
		if p.Protocol != packet.ProtoTCP {
			return false
		}
		if !p.TCPFlags.Has(packet.FlagACK) && !p.TCPFlags.Has(packet.FlagRST) {
			return false
		}
	}
	if !r.Window.Active(now) {
		return false
	}
	return true
}

func matchAddress(ruleIP, wildcard, ip string) bool {
	if ruleIP == "" || ruleIP == "any" {
		return true
	}
	return ipcalc.MatchWildcardStrings(ip, ruleIP, wildcard)
}

func cacheKey(aclName string, p *packet.Packet) string {
	return fmt.Sprintf("%s|%d|%s:%d|%s:%d", aclName, p.Protocol, p.SourceIP, p.SourcePort, p.DestIP, p.DestPort)
}

// InvalidateCache flushes the whole decision cache.
func (e *Engine) InvalidateCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invalidateLocked()
}

// invalidateLocked drops every cache entry. The cache is never pruned
// incrementally.
func (e *Engine) invalidateLocked() {
	e.cache = make(map[string]cacheEntry)
}

func (e *Engine) publish(t event.Type, data interface{}) {
	if e.bus != nil {
		e.bus.Publish(event.Event{Type: t, Data: data})
	}
}

// Stats is the pull-based statistics snapshot.
type Stats struct {
	ACLs          int        `json:"acls"`
	Evaluations   int64      `json:"evaluations"`
	Permits       int64      `json:"permits"`
	Denies        int64      `json:"denies"`
	ImplicitDeny  int64      `json:"implicitDenies"`
	UnknownACL    int64      `json:"unknownACL"`
	CacheHits     int64      `json:"cacheHits"`
	MalformedRule int64      `json:"malformedRules"`
	TopRules      []RuleHits `json:"topRules"`
}

type RuleHits struct {
	ACL      string `json:"acl"`
	RuleID   string `json:"ruleID"`
	Sequence int    `json:"sequence"`
	Hits     uint64 `json:"hits"`
}

// Snapshot returns current counters plus the top ten rules by hit count.
func (e *Engine) Snapshot() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var top []RuleHits
	for _, a := range e.acls {
		for _, r := range a.Rules {
			if r.HitCount > 0 {
				top = append(top, RuleHits{ACL: a.Name, RuleID: r.ID, Sequence: r.Sequence, Hits: r.HitCount})
			}
		}
	}
	sort.Slice(top, func(i, j int) bool { return top[i].Hits > top[j].Hits })
	if len(top) > 10 {
		top = top[:10]
	}

	return Stats{
		ACLs:          len(e.acls),
		Evaluations:   e.evaluations.Count(),
		Permits:       e.permits.Count(),
		Denies:        e.denies.Count(),
		ImplicitDeny:  e.implicitDeny.Count(),
		UnknownACL:    e.unknownACL.Count(),
		CacheHits:     e.cacheHits.Count(),
		MalformedRule: e.malformedRule.Count(),
		TopRules:      top,
	}
}
