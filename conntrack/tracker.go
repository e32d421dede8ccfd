package conntrack

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
	"github.com/devnolife/netsec/packet"
)

var ErrTableFull = errors.New("connection table full")

// State is the coarse connection state shared by all protocols.
type State string

const (
	StateNew         State = "new"
	StateEstablished State = "established"
	StateRelated     State = "related"
	StateClosing     State = "closing"
	StateClosed      State = "closed"
	StateTimeWait    State = "time_wait"
)

// TCPState is the finer TCP sub-machine.
type TCPState string

const (
	TCPNone      TCPState = ""
	TCPSynSent   TCPState = "syn_sent"
	TCPSynRecv   TCPState = "syn_recv"
	TCPEstab     TCPState = "established"
	TCPFinWait   TCPState = "fin_wait"
	TCPCloseWait TCPState = "close_wait"
	TCPTimeWait  TCPState = "time_wait"
	TCPClosed    TCPState = "closed"
)

// Key is the 5-tuple identifying a flow in one direction.
type Key struct {
	Protocol packet.Protocol
	SrcIP    string
	SrcPort  int
	DstIP    string
	DstPort  int
}

func KeyOf(p *packet.Packet) Key {
	return Key{
		Protocol: p.Protocol,
		SrcIP:    p.SourceIP,
		SrcPort:  p.SourcePort,
		DstIP:    p.DestIP,
		DstPort:  p.DestPort,
	}
}

// Reverse returns the reply-direction key.
func (k Key) Reverse() Key {
	return Key{
		Protocol: k.Protocol,
		SrcIP:    k.DstIP,
		SrcPort:  k.DstPort,
		DstIP:    k.SrcIP,
		DstPort:  k.SrcPort,
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s:%d->%s:%d", k.Protocol, k.SrcIP, k.SrcPort, k.DstIP, k.DstPort)
}

// Entry is one tracked flow. Counters distinguish the original and the
// reply direction.
type Entry struct {
	ID       string
	Key      Key
	State    State
	TCPState TCPState

	PacketsOut uint64
	PacketsIn  uint64
	BytesOut   uint64
	BytesIn    uint64

	Created  time.Time
	LastSeen time.Time
}

// Config carries per-protocol idle timeouts and the table capacity.
type Config struct {
	TCPTimeout  time.Duration
	UDPTimeout  time.Duration
	ICMPTimeout time.Duration
	MaxEntries  int
}

func DefaultConfig() Config {
	return Config{
		TCPTimeout:  time.Hour,
		UDPTimeout:  5 * time.Minute,
		ICMPTimeout: 30 * time.Second,
		MaxEntries:  65536,
	}
}

// Tracker is the session table. All mutation happens under one lock so
// a flow's transitions are applied in packet-arrival order.
type Tracker struct {
	mu      sync.RWMutex
	entries map[Key]*Entry
	cfg     Config
	logger  *logrus.Logger
	bus     *event.Bus

	registry metrics.Registry
	created  metrics.Counter
	expired  metrics.Counter
	hits     metrics.Counter
	misses   metrics.Counter
}

func NewTracker(cfg Config, logger *logrus.Logger, bus *event.Bus) *Tracker {
	r := metrics.NewRegistry()
	return &Tracker{
		entries:  make(map[Key]*Entry),
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		registry: r,
		created:  metrics.NewRegisteredCounter("conntrack.created", r),
		expired:  metrics.NewRegisteredCounter("conntrack.expired", r),
		hits:     metrics.NewRegisteredCounter("conntrack.hits", r),
		misses:   metrics.NewRegisteredCounter("conntrack.misses", r),
	}
}

// Lookup finds the entry for a packet, trying the forward key first and
// then the reversed key. The bool reports whether the packet travels in
// the reply direction of the found entry.
func (t *Tracker) Lookup(p *packet.Packet) (*Entry, bool, bool) {
	key := KeyOf(p)

	t.mu.RLock()
	defer t.mu.RUnlock()

	if e, ok := t.entries[key]; ok {
		t.hits.Inc(1)
		return e, false, true
	}
	if e, ok := t.entries[key.Reverse()]; ok {
		t.hits.Inc(1)
		return e, true, true
	}
	t.misses.Inc(1)
	return nil, false, false
}

// Create inserts a new entry for the first packet of a flow.
func (t *Tracker) Create(p *packet.Packet) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.MaxEntries > 0 && len(t.entries) >= t.cfg.MaxEntries {
		return nil, ErrTableFull
	}

	now := time.Now()
	e := &Entry{
		ID:       uuid.NewString(),
		Key:      KeyOf(p),
		State:    StateNew,
		Created:  now,
		LastSeen: now,
	}
	e.PacketsOut = 1
	e.BytesOut = uint64(p.Size)

	if p.Protocol == packet.ProtoTCP {
		e.TCPState = tcpTransition(TCPNone, p.TCPFlags, false)
		e.State = coarseState(e.TCPState, e.State)
	}

	t.entries[e.Key] = e
	t.created.Inc(1)

	t.logger.WithFields(logrus.Fields{
		"conn":  e.Key.String(),
		"state": e.State,
	}).Debug("connection created")
	if t.bus != nil {
		t.bus.Publish(event.Event{Type: event.ConnectionNew, Data: e.ID})
	}
	return e, nil
}

// Update applies a packet to an existing entry, advancing counters and
// the state machines. reply marks the packet as reply-direction.
func (t *Tracker) Update(e *Entry, p *packet.Packet, reply bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.LastSeen = time.Now()
	if reply {
		e.PacketsIn++
		e.BytesIn += uint64(p.Size)
	} else {
		e.PacketsOut++
		e.BytesOut += uint64(p.Size)
	}

	switch p.Protocol {
	case packet.ProtoTCP:
		e.TCPState = tcpTransition(e.TCPState, p.TCPFlags, reply)
		e.State = coarseState(e.TCPState, e.State)
	default:
		// UDP and ICMP become established on the first reply.
		if reply && e.State == StateNew {
			e.State = StateEstablished
		}
	}
}

// tcpTransition advances the TCP sub-machine. RST forces closed from
// any state.
func tcpTransition(cur TCPState, flags packet.TCPFlags, reply bool) TCPState {
	if flags.Has(packet.FlagRST) {
		return TCPClosed
	}

	switch cur {
	case TCPNone:
		if flags.Has(packet.FlagSYN) {
			return TCPSynSent
		}
		return cur
	case TCPSynSent:
		if reply && flags.Has(packet.FlagSYN|packet.FlagACK) {
			return TCPSynRecv
		}
		return cur
	case TCPSynRecv:
		if !reply && flags.Has(packet.FlagACK) {
			return TCPEstab
		}
		return cur
	case TCPEstab:
		if flags.Has(packet.FlagFIN) {
			return TCPFinWait
		}
		return cur
	case TCPFinWait:
		if flags.Has(packet.FlagFIN) {
			return TCPTimeWait
		}
		if flags.Has(packet.FlagACK) {
			return TCPCloseWait
		}
		return cur
	case TCPCloseWait:
		if flags.Has(packet.FlagFIN) {
			return TCPTimeWait
		}
		return cur
	case TCPTimeWait, TCPClosed:
		return cur
	}
	return cur
}

func coarseState(tcp TCPState, cur State) State {
	switch tcp {
	case TCPSynSent, TCPSynRecv:
		return StateNew
	case TCPEstab:
		return StateEstablished
	case TCPFinWait, TCPCloseWait:
		return StateClosing
	case TCPTimeWait:
		return StateTimeWait
	case TCPClosed:
		return StateClosed
	}
	return cur
}

func (t *Tracker) timeout(proto packet.Protocol) time.Duration {
	switch proto {
	case packet.ProtoTCP:
		return t.cfg.TCPTimeout
	case packet.ProtoUDP:
		return t.cfg.UDPTimeout
	case packet.ProtoICMP:
		return t.cfg.ICMPTimeout
	}
	return t.cfg.UDPTimeout
}

// Tick evicts entries idle past their protocol timeout. Eviction only
// happens here; between sweeps lookups can still return logically
// expired entries.
func (t *Tracker) Tick(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, e := range t.entries {
		if now.Sub(e.LastSeen) > t.timeout(key.Protocol) {
			delete(t.entries, key)
			removed++
			t.expired.Inc(1)
			if t.bus != nil {
				t.bus.Publish(event.Event{Type: event.ConnectionExpired, Data: e.ID})
			}
		}
	}
	if removed > 0 {
		t.logger.WithField("removed", removed).Debug("connection sweep")
	}
	return removed
}

// Len returns the number of tracked flows, expired-but-unswept included.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot returns a copy of all entries sorted by creation time.
func (t *Tracker) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Stats is the pull-based statistics snapshot.
type Stats struct {
	Active  int   `json:"active"`
	Created int64 `json:"created"`
	Expired int64 `json:"expired"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

func (t *Tracker) StatsSnapshot() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{
		Active:  len(t.entries),
		Created: t.created.Count(),
		Expired: t.expired.Count(),
		Hits:    t.hits.Count(),
		Misses:  t.misses.Count(),
	}
}
