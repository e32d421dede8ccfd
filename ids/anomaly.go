package ids

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/devnolife/netsec/packet"
)

// Baseline is the aggregated traffic statistics the anomaly detector
// compares against. It is supplied externally and read-only here.
type Baseline struct {
	// ProtocolDistribution maps protocol names to their observed share.
	ProtocolDistribution map[string]float64
	// CommonPorts are destination ports normal for this network.
	CommonPorts map[int]bool
}

// suspiciousPorts are services that warrant an alert when a network's
// baseline does not normally carry them.
var suspiciousPorts = map[int]string{
	23:    "telnet",
	135:   "msrpc",
	139:   "netbios",
	445:   "smb",
	1433:  "mssql",
	3389:  "rdp",
	4444:  "metasploit handler",
	5900:  "vnc",
	6667:  "irc",
	31337: "elite backdoor",
}

// nopSledRun is matched byte-wise: regexp decodes its subject as
// UTF-8, so a run of raw 0x90 bytes never matches a rune pattern.
var nopSledRun = strings.Repeat("\x90", 8)

var suspiciousPayloads = []struct {
	name     string
	severity Severity
	re       *regexp.Regexp
}{
	{"shell command injection", SeverityHigh, regexp.MustCompile(`(;|\||&&)\s*(sh|bash|cmd|powershell|nc)\b`)},
	{"sql injection", SeverityHigh, regexp.MustCompile(`(?i)(union\s+select|or\s+1\s*=\s*1|drop\s+table|;--)`)},
	{"script injection", SeverityMedium, regexp.MustCompile(`(?i)<script[\s>]`)},
	{"path traversal", SeverityMedium, regexp.MustCompile(`\.\./\.\./`)},
}

// analyzeAnomaly flags deviations from the baseline. Without a
// baseline the protocol and port checks are skipped; the payload
// patterns always run.
func (e *Engine) analyzeAnomaly(p *packet.Packet) []*Alert {
	var alerts []*Alert

	if e.baseline != nil {
		if _, ok := e.baseline.ProtocolDistribution[p.Protocol.String()]; !ok {
			alerts = append(alerts, e.newAlert(p, MethodAnomaly, SeverityMedium, "protocol-anomaly", "",
				fmt.Sprintf("protocol %s absent from baseline", p.Protocol), nil))
		}
		if name, bad := suspiciousPorts[p.DestPort]; bad && !e.baseline.CommonPorts[p.DestPort] {
			alerts = append(alerts, e.newAlert(p, MethodAnomaly, SeverityMedium, "port-anomaly", "",
				fmt.Sprintf("suspicious destination port %d (%s)", p.DestPort, name), nil))
		}
	}

	if p.Payload != "" {
		if strings.Contains(p.Payload, nopSledRun) {
			alerts = append(alerts, e.newAlert(p, MethodAnomaly, SeverityCritical, "payload-anomaly", "",
				"suspicious payload: nop sled", nil))
		}
		for _, sp := range suspiciousPayloads {
			if sp.re.MatchString(p.Payload) {
				alerts = append(alerts, e.newAlert(p, MethodAnomaly, sp.severity, "payload-anomaly", "",
					"suspicious payload: "+sp.name, nil))
			}
		}
	}

	return alerts
}
