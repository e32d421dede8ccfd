package ids

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/devnolife/netsec/event"
	"github.com/devnolife/netsec/packet"
)

func newTestEngine(cfg Config) *Engine {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewEngine(cfg, logger, event.NewBus(logger))
}

func synPacket(src, dst string, dport int) *packet.Packet {
	return &packet.Packet{
		SourceIP: src, DestIP: dst,
		SourcePort: 40000, DestPort: dport,
		Protocol: packet.ProtoTCP, TCPFlags: packet.FlagSYN,
		Size: 60,
	}
}

func noDedup() Config {
	cfg := DefaultConfig()
	cfg.DedupWindow = 0
	cfg.MaxAlertsPerSecond = 0
	return cfg
}

func TestSignatureMatchBasic(t *testing.T) {
	e := newTestEngine(noDedup())
	assert.NoError(t, e.AddRule(&Rule{
		Name: "ssh probe", Enabled: true, Severity: SeverityMedium, Category: "recon",
		Protocol: packet.ProtoTCP,
		Source:   AnyAddr(), Dest: AnyAddr(),
		DstPort: PortSpec{Expr: "22"},
		Flags:   "S",
	}))

	alerts := e.Analyze(synPacket("1.2.3.4", "10.0.0.1", 22))
	assert.Len(t, alerts, 1)
	assert.Equal(t, MethodSignature, alerts[0].Method)
	assert.Equal(t, "ssh probe", alerts[0].RuleName)
	assert.Equal(t, StatusNew, alerts[0].Status)

	alerts = e.Analyze(synPacket("1.2.3.4", "10.0.0.1", 23))
	assert.Empty(t, alerts)
}

func TestDisabledAndMinSeverity(t *testing.T) {
	cfg := noDedup()
	cfg.MinSeverity = SeverityHigh
	e := newTestEngine(cfg)

	assert.NoError(t, e.AddRule(&Rule{
		Name: "low noise", Enabled: true, Severity: SeverityLow,
		Protocol: packet.ProtoTCP, Source: AnyAddr(), Dest: AnyAddr(),
	}))
	assert.NoError(t, e.AddRule(&Rule{
		ID: "off", Name: "disabled", Enabled: false, Severity: SeverityCritical,
		Protocol: packet.ProtoTCP, Source: AnyAddr(), Dest: AnyAddr(),
	}))

	assert.Empty(t, e.Analyze(synPacket("1.2.3.4", "10.0.0.1", 80)))

	assert.NoError(t, e.SetEnabled("off", true))
	alerts := e.Analyze(synPacket("1.2.3.4", "10.0.0.1", 80))
	assert.Len(t, alerts, 1)
	assert.Equal(t, "disabled", alerts[0].RuleName)
}

func TestNegatedAddressSpec(t *testing.T) {
	e := newTestEngine(noDedup())
	assert.NoError(t, e.AddRule(&Rule{
		Name: "external only", Enabled: true, Severity: SeverityMedium,
		Protocol: packet.ProtoTCP,
		Source:   CIDR("10.0.0.0/8").Not(),
		Dest:     AnyAddr(),
	}))

	assert.Empty(t, e.Analyze(synPacket("10.1.1.1", "10.0.0.1", 80)), "internal source is negated out")
	assert.Len(t, e.Analyze(synPacket("8.8.8.8", "10.0.0.1", 80)), 1)
}

func TestContentAndPCRE(t *testing.T) {
	e := newTestEngine(noDedup())
	assert.NoError(t, e.AddRule(&Rule{
		Name: "sqli", Enabled: true, Severity: SeverityHigh, Category: "web-attack",
		Protocol: packet.ProtoTCP, Source: AnyAddr(), Dest: AnyAddr(),
		Contents: []ContentMatch{{Pattern: "SELECT", NoCase: true}},
		PCRE:     []string{`(?i)union\s+select`},
	}))

	p := synPacket("1.2.3.4", "10.0.0.1", 80)
	p.Payload = "GET /?q=1 UNION select password FROM users"
	alerts := e.Analyze(p)
	// The signature plus the anomaly payload pattern both fire.
	var sig int
	for _, a := range alerts {
		if a.Method == MethodSignature {
			sig++
		}
	}
	assert.Equal(t, 1, sig)

	p2 := synPacket("1.2.3.4", "10.0.0.1", 80)
	p2.Payload = "GET /?q=SELECT 1"
	for _, a := range e.Analyze(p2) {
		assert.NotEqual(t, MethodSignature, a.Method, "pcre did not match")
	}
}

func TestBadPCRETreatedAsNonMatching(t *testing.T) {
	e := newTestEngine(noDedup())
	assert.NoError(t, e.AddRule(&Rule{
		Name: "broken", Enabled: true, Severity: SeverityHigh,
		Protocol: packet.ProtoTCP, Source: AnyAddr(), Dest: AnyAddr(),
		PCRE: []string{`([unclosed`},
	}))

	p := synPacket("1.2.3.4", "10.0.0.1", 80)
	p.Payload = "anything"
	assert.Empty(t, e.Analyze(p))
	assert.Equal(t, int64(1), e.Snapshot().BadPatterns)
}

func TestPayloadSizeConditions(t *testing.T) {
	tests := []struct {
		cond     SizeCond
		size     int
		expected bool
	}{
		{SizeCond{Op: SizeLess, N: 10}, 5, true},
		{SizeCond{Op: SizeLess, N: 10}, 10, false},
		{SizeCond{Op: SizeGreater, N: 10}, 11, true},
		{SizeCond{Op: SizeEqual, N: 7}, 7, true},
		{SizeCond{Op: SizeBetween, Min: 5, Max: 10}, 7, true},
		{SizeCond{Op: SizeBetween, Min: 5, Max: 10}, 5, false},
		{SizeCond{}, 123, true},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, test.cond.Match(test.size), "%+v size=%d", test.cond, test.size)
	}
}

func TestSizeRuleUsesDeclaredPayloadSize(t *testing.T) {
	e := newTestEngine(noDedup())
	assert.NoError(t, e.AddRule(&Rule{
		Name: "oversized payload", Enabled: true, Severity: SeverityMedium,
		Protocol: packet.ProtoTCP, Source: AnyAddr(), Dest: AnyAddr(),
		Size: SizeCond{Op: SizeGreater, N: 500},
	}))

	// The record declares payloadSize without the payload string.
	p := synPacket("1.2.3.4", "10.0.0.1", 80)
	p.PayloadSize = 600
	assert.Len(t, e.Analyze(p), 1)

	small := synPacket("1.2.3.5", "10.0.0.1", 80)
	small.PayloadSize = 100
	assert.Empty(t, e.Analyze(small))
}

func TestThresholdLimit(t *testing.T) {
	e := newTestEngine(noDedup())
	assert.NoError(t, e.AddRule(&Rule{
		Name: "limited", Enabled: true, Severity: SeverityMedium,
		Protocol: packet.ProtoTCP, Source: AnyAddr(), Dest: AnyAddr(),
		Threshold: &Threshold{Type: ThresholdLimit, Track: TrackBySrc, Count: 3, Seconds: 10},
	}))

	total := 0
	for i := 0; i < 10; i++ {
		total += len(e.Analyze(synPacket("1.2.3.4", "10.0.0.1", 80)))
	}
	assert.Equal(t, 3, total, "limit 3 allows at most 3 alerts per window")
}

func TestThresholdFirstAlertOnNth(t *testing.T) {
	e := newTestEngine(noDedup())
	assert.NoError(t, e.AddRule(&Rule{
		Name: "thresholded", Enabled: true, Severity: SeverityMedium,
		Protocol: packet.ProtoTCP, Source: AnyAddr(), Dest: AnyAddr(),
		Threshold: &Threshold{Type: ThresholdThreshold, Track: TrackBySrc, Count: 3, Seconds: 10},
	}))

	assert.Empty(t, e.Analyze(synPacket("1.2.3.4", "10.0.0.1", 80)))
	assert.Empty(t, e.Analyze(synPacket("1.2.3.4", "10.0.0.1", 80)))
	alerts := e.Analyze(synPacket("1.2.3.4", "10.0.0.1", 80))
	assert.Len(t, alerts, 1, "first alert lands exactly on the 3rd match")
}

func TestSynFloodThresholdByDst(t *testing.T) {
	e := newTestEngine(noDedup())
	assert.NoError(t, e.AddRule(&Rule{
		Name: "syn flood", Enabled: true, Severity: SeverityCritical, Category: "dos",
		Protocol: packet.ProtoTCP, Source: AnyAddr(), Dest: AnyAddr(),
		Flags:     "S",
		Threshold: &Threshold{Type: ThresholdBoth, Track: TrackByDst, Count: 500, Seconds: 5},
	}))

	total := 0
	for i := 0; i < 499; i++ {
		src := fmt.Sprintf("10.9.%d.%d", i/250, i%250+1)
		total += len(e.Analyze(synPacket(src, "10.0.0.80", 80)))
	}
	assert.Equal(t, 0, total, "499 SYNs stay quiet")

	alerts := e.Analyze(synPacket("10.9.9.9", "10.0.0.80", 80))
	assert.Len(t, alerts, 1, "the 500th SYN raises exactly one alert")
}

func TestDedupWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DedupWindow = time.Hour
	cfg.MaxAlertsPerSecond = 0
	e := newTestEngine(cfg)

	assert.NoError(t, e.AddRule(&Rule{
		Name: "dup", Enabled: true, Severity: SeverityMedium,
		Protocol: packet.ProtoTCP, Source: AnyAddr(), Dest: AnyAddr(),
	}))

	assert.Len(t, e.Analyze(synPacket("1.2.3.4", "10.0.0.1", 80)), 1)
	assert.Empty(t, e.Analyze(synPacket("1.2.3.4", "10.0.0.1", 80)), "identical (rule,src,dst) suppressed")
	assert.Len(t, e.Analyze(synPacket("1.2.3.5", "10.0.0.1", 80)), 1, "different source is a fresh alert")
	assert.Equal(t, int64(1), e.Snapshot().Deduplicated)
}

func TestAlertsPerSecondCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DedupWindow = 0
	cfg.MaxAlertsPerSecond = 5
	e := newTestEngine(cfg)

	assert.NoError(t, e.AddRule(&Rule{
		Name: "noisy", Enabled: true, Severity: SeverityMedium,
		Protocol: packet.ProtoTCP, Source: AnyAddr(), Dest: AnyAddr(),
	}))

	total := 0
	for i := 0; i < 50; i++ {
		total += len(e.Analyze(synPacket(fmt.Sprintf("1.2.3.%d", i+1), "10.0.0.1", 80)))
	}
	assert.Equal(t, 5, total, "cap silently drops the rest")
	assert.Equal(t, int64(45), e.Snapshot().RateCapped)
}

func TestAnomalyBaseline(t *testing.T) {
	e := newTestEngine(noDedup())
	e.SetBaseline(&Baseline{
		ProtocolDistribution: map[string]float64{"tcp": 0.9, "udp": 0.1},
		CommonPorts:          map[int]bool{80: true, 443: true},
	})

	// ICMP is absent from the baseline distribution.
	icmp := &packet.Packet{SourceIP: "1.2.3.4", DestIP: "10.0.0.1", Protocol: packet.ProtoICMP, Size: 60}
	alerts := e.Analyze(icmp)
	assert.Len(t, alerts, 1)
	assert.Equal(t, "protocol-anomaly", alerts[0].Category)

	// RDP is on the suspicious list and not a baseline common port.
	rdp := synPacket("1.2.3.4", "10.0.0.1", 3389)
	alerts = e.Analyze(rdp)
	assert.Len(t, alerts, 1)
	assert.Equal(t, "port-anomaly", alerts[0].Category)

	// 443 is common, no alert.
	assert.Empty(t, e.Analyze(synPacket("1.2.3.4", "10.0.0.1", 443)))
}

func TestAnomalyWithoutBaseline(t *testing.T) {
	e := newTestEngine(noDedup())
	// No baseline: protocol and port checks are skipped.
	assert.Empty(t, e.Analyze(synPacket("1.2.3.4", "10.0.0.1", 3389)))
}

func TestPayloadAnomalyPatterns(t *testing.T) {
	e := newTestEngine(noDedup())

	p := synPacket("1.2.3.4", "10.0.0.1", 80)
	p.Payload = "q=1; UNION SELECT * FROM users;--"
	alerts := e.Analyze(p)
	if assert.NotEmpty(t, alerts) {
		assert.Equal(t, "payload-anomaly", alerts[0].Category)
	}

	// Raw 0x90 bytes, not a printable escape.
	nop := synPacket("1.2.3.4", "10.0.0.1", 80)
	nop.Payload = strings.Repeat("\x90", 20)
	alerts = e.Analyze(nop)
	if assert.Len(t, alerts, 1) {
		assert.Equal(t, SeverityCritical, alerts[0].Severity)
		assert.Equal(t, "payload-anomaly", alerts[0].Category)
	}

	// An under-length run stays quiet.
	short := synPacket("1.2.3.5", "10.0.0.1", 80)
	short.Payload = strings.Repeat("\x90", 7)
	assert.Empty(t, e.Analyze(short))
}

func TestPortScanHeuristic(t *testing.T) {
	e := newTestEngine(noDedup())

	var alerts []*Alert
	for port := 1000; port < 1004; port++ {
		alerts = e.Analyze(synPacket("6.6.6.6", "10.0.0.1", port))
		assert.Empty(t, alerts, "4 ports stay under the threshold")
	}
	alerts = e.Analyze(synPacket("6.6.6.6", "10.0.0.1", 1004))
	assert.Len(t, alerts, 1)
	assert.Equal(t, "port-scan", alerts[0].Category)
	assert.Equal(t, "T1046", alerts[0].Mitre)
}

func TestARPSpoofHeuristic(t *testing.T) {
	e := newTestEngine(noDedup())

	reply := &packet.Packet{
		SourceIP: "10.0.0.66", DestIP: "10.0.0.1",
		Protocol: packet.ProtoARP, ARPOp: packet.ARPReply, Size: 42,
	}
	alerts := e.Analyze(reply)
	assert.Len(t, alerts, 1)
	assert.Equal(t, "arp-spoofing", alerts[0].Category)

	// A solicited reply stays quiet.
	req := &packet.Packet{
		SourceIP: "10.0.0.1", DestIP: "10.0.0.7",
		Protocol: packet.ProtoARP, ARPOp: packet.ARPRequest, Size: 42,
	}
	e.Analyze(req)
	answer := &packet.Packet{
		SourceIP: "10.0.0.7", DestIP: "10.0.0.1",
		Protocol: packet.ProtoARP, ARPOp: packet.ARPReply, Size: 42,
	}
	assert.Empty(t, e.Analyze(answer))
}

func TestDNSTunnelingHeuristic(t *testing.T) {
	e := newTestEngine(noDedup())

	q := &packet.Packet{
		SourceIP: "10.0.0.5", DestIP: "1.1.1.1",
		SourcePort: 5353, DestPort: 53,
		Protocol: packet.ProtoUDP,
		Payload:  strings.Repeat("a", 48) + ".evil.example.com",
		Size:     120,
	}
	alerts := e.Analyze(q)
	assert.Len(t, alerts, 1)
	assert.Equal(t, "dns-tunneling", alerts[0].Category)

	short := &packet.Packet{
		SourceIP: "10.0.0.5", DestIP: "1.1.1.1",
		SourcePort: 5353, DestPort: 53,
		Protocol: packet.ProtoUDP, Payload: "example.com", Size: 60,
	}
	assert.Empty(t, e.Analyze(short))
}

func TestAlertLifecycle(t *testing.T) {
	e := newTestEngine(noDedup())
	assert.NoError(t, e.AddRule(&Rule{
		Name: "probe", Enabled: true, Severity: SeverityMedium,
		Protocol: packet.ProtoTCP, Source: AnyAddr(), Dest: AnyAddr(),
	}))

	alerts := e.Analyze(synPacket("1.2.3.4", "10.0.0.1", 80))
	assert.Len(t, alerts, 1)
	id := alerts[0].ID

	assert.NoError(t, e.AckAlert(id))
	stored := e.Alerts()
	assert.Equal(t, StatusAcknowledged, stored[0].Status)

	assert.NoError(t, e.ResolveAlert(id))
	assert.Error(t, e.MarkFalsePositive("missing"))
}

func TestAlertNewEventPublished(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	bus := event.NewBus(logger)

	var published []event.Event
	bus.Subscribe(func(ev event.Event) {
		if ev.Type == event.AlertNew {
			published = append(published, ev)
		}
	})

	e := NewEngine(noDedup(), logger, bus)
	assert.NoError(t, e.AddRule(&Rule{
		Name: "probe", Enabled: true, Severity: SeverityMedium,
		Protocol: packet.ProtoTCP, Source: AnyAddr(), Dest: AnyAddr(),
	}))

	e.Analyze(synPacket("1.2.3.4", "10.0.0.1", 80))
	assert.Len(t, published, 1)
	_, ok := published[0].Data.(*Alert)
	assert.True(t, ok)
}

func TestTickSweepsState(t *testing.T) {
	e := newTestEngine(noDedup())
	e.Analyze(synPacket("1.2.3.4", "10.0.0.1", 80))
	assert.Equal(t, 1, e.Snapshot().Streams)

	e.Tick(time.Now().Add(time.Hour))
	assert.Equal(t, 0, e.Snapshot().Streams)
}

func TestStopIdempotent(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	e.Stop()
	e.Stop()
}
