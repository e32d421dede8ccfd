package ids

import (
	"fmt"
	"time"

	"github.com/devnolife/netsec/packet"
)

const (
	portScanThreshold = 5
	portScanWindow    = 5 * time.Second
	dnsNameLimit      = 50
	streamHistoryMax  = 64
)

// stream is the short per-flow history the heuristic detector works
// over, keyed by the direction-independent endpoint pair.
type stream struct {
	history  []streamPacket
	lastSeen time.Time

	arpRequests map[string]bool // sources that asked, so replies to them are solicited
	scanAlerted map[string]bool // sources already flagged for scanning this window
}

type streamPacket struct {
	time    time.Time
	srcIP   string
	dstPort int
}

func streamKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

// analyzeHeuristic runs the stateful checks: port scans, unsolicited
// ARP replies and oversized DNS query names.
func (e *Engine) analyzeHeuristic(p *packet.Packet) []*Alert {
	now := time.Now()
	var alerts []*Alert

	key := streamKey(p.SourceIP, p.DestIP)
	s, ok := e.streams[key]
	if !ok {
		s = &stream{
			arpRequests: make(map[string]bool),
			scanAlerted: make(map[string]bool),
		}
		e.streams[key] = s
	}
	s.lastSeen = now

	// ARP spoofing: a reply nobody asked for.
	if p.Protocol == packet.ProtoARP {
		switch p.ARPOp {
		case packet.ARPRequest:
			s.arpRequests[p.SourceIP] = true
		case packet.ARPReply:
			if !s.arpRequests[p.DestIP] {
				alerts = append(alerts, e.newAlert(p, MethodHeuristic, SeverityHigh, "arp-spoofing", "T1557.002",
					"unsolicited arp reply", nil))
			}
		}
		return alerts
	}

	// DNS tunneling: absurdly long query names.
	if p.IsDNSQuery() && len(p.Payload) > dnsNameLimit {
		alerts = append(alerts, e.newAlert(p, MethodHeuristic, SeverityMedium, "dns-tunneling", "T1071.004",
			fmt.Sprintf("dns query name of %d chars", len(p.Payload)), nil))
	}

	// Port scan: many distinct destination ports from one source in a
	// short window.
	s.history = append(s.history, streamPacket{time: now, srcIP: p.SourceIP, dstPort: p.DestPort})
	if len(s.history) > streamHistoryMax {
		s.history = s.history[len(s.history)-streamHistoryMax:]
	}

	distinct := make(map[int]bool)
	for _, h := range s.history {
		if h.srcIP != p.SourceIP || now.Sub(h.time) > portScanWindow {
			continue
		}
		distinct[h.dstPort] = true
	}
	if len(distinct) >= portScanThreshold {
		if !s.scanAlerted[p.SourceIP] {
			s.scanAlerted[p.SourceIP] = true
			alerts = append(alerts, e.newAlert(p, MethodHeuristic, SeverityHigh, "port-scan", "T1046",
				fmt.Sprintf("%d distinct ports probed within %s", len(distinct), portScanWindow), nil))
		}
	} else {
		delete(s.scanAlerted, p.SourceIP)
	}

	return alerts
}

// sweepStreams drops streams idle past maxAge.
func (e *Engine) sweepStreams(now time.Time, maxAge time.Duration) {
	for key, s := range e.streams {
		if now.Sub(s.lastSeen) > maxAge {
			delete(e.streams, key)
		}
	}
}
