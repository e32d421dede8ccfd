package acl

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/devnolife/netsec/event"
	"github.com/devnolife/netsec/packet"
)

func newTestEngine() *Engine {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewEngine(DefaultConfig(), logger, event.NewBus(logger))
}

func tcpPacket(src, dst string, sport, dport int, flags packet.TCPFlags) *packet.Packet {
	return &packet.Packet{
		SourceIP:   src,
		DestIP:     dst,
		SourcePort: sport,
		DestPort:   dport,
		Protocol:   packet.ProtoTCP,
		TCPFlags:   flags,
		Size:       64,
	}
}

func TestImplicitDeny(t *testing.T) {
	e := newTestEngine()
	_, err := e.CreateACL("EMPTY", TypeExtended)
	assert.NoError(t, err)

	d := e.Evaluate(tcpPacket("1.2.3.4", "5.6.7.8", 1000, 80, packet.FlagSYN), "EMPTY")
	assert.False(t, d.Matched)
	assert.Equal(t, ActionDeny, d.Action)
	assert.Equal(t, "implicit deny", d.Reason)
	assert.Equal(t, int64(1), e.Snapshot().ImplicitDeny)
}

func TestUnknownACLDenies(t *testing.T) {
	e := newTestEngine()
	d := e.Evaluate(tcpPacket("1.2.3.4", "5.6.7.8", 1000, 80, 0), "NOPE")
	assert.Equal(t, ActionDeny, d.Action)
	assert.Equal(t, "unknown acl", d.Reason)
	assert.Equal(t, int64(1), e.Snapshot().UnknownACL)
}

func TestSequenceOrdering(t *testing.T) {
	e := newTestEngine()
	_, err := e.CreateACL("ORDER", TypeExtended)
	assert.NoError(t, err)

	assert.NoError(t, e.AddRule("ORDER", &Rule{ID: "r10", Sequence: 10, Action: ActionPermit, SourceIP: "any"}))
	assert.NoError(t, e.AddRule("ORDER", &Rule{ID: "r20", Sequence: 20, Action: ActionDeny, SourceIP: "any"}))
	assert.NoError(t, e.AddRule("ORDER", &Rule{ID: "r15", Sequence: 15, Action: ActionDeny, SourceIP: "any"}))

	a, ok := e.Get("ORDER")
	assert.True(t, ok)
	var seqs []int
	for _, r := range a.Rules {
		seqs = append(seqs, r.Sequence)
	}
	assert.Equal(t, []int{10, 15, 20}, seqs)

	// Moving r10 behind r20 re-sorts.
	assert.NoError(t, e.UpdateRuleSequence("ORDER", "r10", 25))
	seqs = seqs[:0]
	for _, r := range a.Rules {
		seqs = append(seqs, r.Sequence)
	}
	assert.Equal(t, []int{15, 20, 25}, seqs)
}

func TestFirstMatchWins(t *testing.T) {
	e := newTestEngine()
	_, err := e.CreateACL("BLOCK_10", TypeExtended)
	assert.NoError(t, err)

	assert.NoError(t, e.AddRule("BLOCK_10", &Rule{
		Sequence:       10,
		Action:         ActionDeny,
		Protocol:       packet.ProtoAny,
		SourceIP:       "10.0.0.0",
		SourceWildcard: "0.255.255.255",
		DestIP:         "any",
	}))
	assert.NoError(t, e.AddRule("BLOCK_10", &Rule{
		Sequence: 20,
		Action:   ActionPermit,
		Protocol: packet.ProtoAny,
		SourceIP: "any",
		DestIP:   "any",
	}))

	d := e.Evaluate(tcpPacket("10.1.2.3", "8.8.8.8", 1000, 80, packet.FlagSYN), "BLOCK_10")
	assert.True(t, d.Matched)
	assert.Equal(t, ActionDeny, d.Action)
	assert.Equal(t, 10, d.Rule.Sequence)

	d = e.Evaluate(tcpPacket("192.168.1.1", "8.8.8.8", 1000, 80, packet.FlagSYN), "BLOCK_10")
	assert.True(t, d.Matched)
	assert.Equal(t, ActionPermit, d.Action)
	assert.Equal(t, 20, d.Rule.Sequence)
}

func TestStandardACLMatchesSourceOnly(t *testing.T) {
	e := newTestEngine()
	_, err := e.CreateACL("STD", TypeStandard)
	assert.NoError(t, err)

	// Destination and ports on the rule are ignored for a standard ACL.
	assert.NoError(t, e.AddRule("STD", &Rule{
		Sequence: 10,
		Action:   ActionPermit,
		SourceIP: "172.16.0.0", SourceWildcard: "0.0.255.255",
		DestIP:   "9.9.9.9",
		DestPort: Port(22),
	}))

	d := e.Evaluate(tcpPacket("172.16.4.4", "1.1.1.1", 999, 80, 0), "STD")
	assert.True(t, d.Matched)
	assert.Equal(t, ActionPermit, d.Action)
}

func TestEstablishedFlag(t *testing.T) {
	e := newTestEngine()
	_, err := e.CreateACL("EST", TypeExtended)
	assert.NoError(t, err)

	assert.NoError(t, e.AddRule("EST", &Rule{
		Sequence:    10,
		Action:      ActionPermit,
		Protocol:    packet.ProtoTCP,
		SourceIP:    "any",
		DestIP:      "any",
		Established: true,
	}))

	syn := tcpPacket("1.1.1.1", "2.2.2.2", 1000, 80, packet.FlagSYN)
	d := e.Evaluate(syn, "EST")
	assert.Equal(t, ActionDeny, d.Action, "bare SYN is not established")

	ack := tcpPacket("1.1.1.1", "2.2.2.2", 1000, 80, packet.FlagACK)
	d = e.Evaluate(ack, "EST")
	assert.Equal(t, ActionPermit, d.Action)

	rst := tcpPacket("1.1.1.1", "2.2.2.2", 1001, 80, packet.FlagRST)
	d = e.Evaluate(rst, "EST")
	assert.Equal(t, ActionPermit, d.Action)
}

func TestPortSpecs(t *testing.T) {
	e := newTestEngine()
	_, err := e.CreateACL("WEB", TypeExtended)
	assert.NoError(t, err)

	assert.NoError(t, e.AddRule("WEB", &Rule{
		Sequence: 10,
		Action:   ActionPermit,
		Protocol: packet.ProtoTCP,
		SourceIP: "any",
		DestIP:   "any",
		DestPort: PortIn(80, 443),
	}))

	assert.Equal(t, ActionPermit, e.Evaluate(tcpPacket("1.1.1.1", "2.2.2.2", 999, 443, 0), "WEB").Action)
	assert.Equal(t, ActionDeny, e.Evaluate(tcpPacket("1.1.1.1", "2.2.2.2", 999, 8080, 0), "WEB").Action)
}

func TestCacheInvalidationOnMutation(t *testing.T) {
	e := newTestEngine()
	_, err := e.CreateACL("CACHED", TypeExtended)
	assert.NoError(t, err)
	assert.NoError(t, e.AddRule("CACHED", &Rule{Sequence: 10, Action: ActionDeny, SourceIP: "any", DestIP: "any"}))

	p := tcpPacket("1.1.1.1", "2.2.2.2", 1000, 80, 0)
	assert.Equal(t, ActionDeny, e.Evaluate(p, "CACHED").Action)
	assert.Equal(t, ActionDeny, e.Evaluate(p, "CACHED").Action)
	assert.Equal(t, int64(1), e.Snapshot().CacheHits, "second evaluation served from cache")

	// A mutation flushes the cache wholesale and the new rule wins.
	assert.NoError(t, e.UpdateRuleSequence("CACHED", e.mustRule(t, "CACHED", 10).ID, 20))
	assert.NoError(t, e.AddRule("CACHED", &Rule{Sequence: 5, Action: ActionPermit, SourceIP: "any", DestIP: "any"}))
	assert.Equal(t, ActionPermit, e.Evaluate(p, "CACHED").Action)
}

func (e *Engine) mustRule(t *testing.T, aclName string, seq int) *Rule {
	t.Helper()
	a, ok := e.Get(aclName)
	assert.True(t, ok)
	for _, r := range a.Rules {
		if r.Sequence == seq {
			return r
		}
	}
	t.Fatalf("no rule with sequence %d in %s", seq, aclName)
	return nil
}

func TestTimeWindow(t *testing.T) {
	now := time.Now()

	w := &TimeWindow{Days: []time.Weekday{now.Weekday()}}
	assert.True(t, w.Active(now))

	w = &TimeWindow{Days: []time.Weekday{(now.Weekday() + 1) % 7}}
	assert.False(t, w.Active(now))

	w = &TimeWindow{StartHour: 0, StartMin: 0, EndHour: 23, EndMin: 59}
	assert.True(t, w.Active(now))
}

func TestCapacityErrors(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg := DefaultConfig()
	cfg.MaxRulesPerACL = 1
	e := NewEngine(cfg, logger, event.NewBus(logger))

	_, err := e.CreateACL("SMALL", TypeExtended)
	assert.NoError(t, err)
	assert.NoError(t, e.AddRule("SMALL", &Rule{Sequence: 10, Action: ActionPermit, SourceIP: "any"}))
	err = e.AddRule("SMALL", &Rule{Sequence: 20, Action: ActionPermit, SourceIP: "any"})
	assert.ErrorIs(t, err, ErrTooManyRules)

	_, err = e.CreateACL("SMALL", TypeExtended)
	assert.ErrorIs(t, err, ErrACLExists)
}

func TestEvaluateAttached(t *testing.T) {
	e := newTestEngine()
	_, err := e.CreateACL("EDGE", TypeExtended)
	assert.NoError(t, err)
	assert.NoError(t, e.AddRule("EDGE", &Rule{Sequence: 10, Action: ActionPermit, Protocol: packet.ProtoTCP, SourceIP: "any", DestIP: "any", DestPort: Port(22)}))
	assert.NoError(t, e.Attach("EDGE", "eth0", packet.DirIn))

	p := tcpPacket("1.1.1.1", "2.2.2.2", 999, 22, packet.FlagSYN)
	p.Interface = "eth0"
	p.Direction = packet.DirIn

	d, matched := e.EvaluateAttached(p, "eth0", packet.DirIn)
	assert.True(t, matched)
	assert.Equal(t, ActionPermit, d.Action)

	_, matched = e.EvaluateAttached(p, "eth1", packet.DirIn)
	assert.False(t, matched, "no ACL attached to eth1")
}

func TestEvaluateAttachedWithoutImplicitDeny(t *testing.T) {
	e := newTestEngine()
	a, err := e.CreateACL("OPEN", TypeExtended)
	assert.NoError(t, err)
	a.ImplicitDeny = false
	assert.NoError(t, e.AddRule("OPEN", &Rule{Sequence: 10, Action: ActionPermit, Protocol: packet.ProtoTCP, SourceIP: "any", DestIP: "any", DestPort: Port(80)}))
	assert.NoError(t, e.Attach("OPEN", "eth0", packet.DirIn))

	p := tcpPacket("1.1.1.1", "2.2.2.2", 999, 22, packet.FlagSYN)
	_, decided := e.EvaluateAttached(p, "eth0", packet.DirIn)
	assert.False(t, decided, "a miss without implicit deny decides nothing")
}
