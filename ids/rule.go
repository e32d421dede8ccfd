package ids

import (
	"regexp"
	"strings"

	"github.com/devnolife/netsec/ipcalc"
	"github.com/devnolife/netsec/packet"
)

// Severity orders alert importance.
type Severity uint8

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// ParseSeverity maps a config string to a Severity, defaulting to low.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(s) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	}
	return SeverityLow
}

// Method tags which detector produced an alert.
type Method string

const (
	MethodSignature Method = "signature"
	MethodAnomaly   Method = "anomaly"
	MethodHeuristic Method = "heuristic"
)

// AddrSpecKind discriminates the address predicate sum type.
type AddrSpecKind uint8

const (
	AddrAny AddrSpecKind = iota
	AddrExact
	AddrCIDR
	AddrList
)

// AddrSpec is an address predicate: any, exact, CIDR or list, each
// optionally negated.
type AddrSpec struct {
	Kind   AddrSpecKind
	Value  string
	List   []string
	Negate bool
}

func AnyAddr() AddrSpec           { return AddrSpec{Kind: AddrAny} }
func Exact(ip string) AddrSpec    { return AddrSpec{Kind: AddrExact, Value: ip} }
func CIDR(cidr string) AddrSpec   { return AddrSpec{Kind: AddrCIDR, Value: cidr} }
func AddrIn(ips ...string) AddrSpec {
	return AddrSpec{Kind: AddrList, List: ips}
}

// Not negates the predicate.
func (a AddrSpec) Not() AddrSpec {
	a.Negate = !a.Negate
	return a
}

// Match reports whether ip satisfies the predicate. A malformed CIDR
// never matches its base form.
func (a AddrSpec) Match(ip string) bool {
	var m bool
	switch a.Kind {
	case AddrAny:
		m = true
	case AddrExact:
		m = a.Value == ip
	case AddrCIDR:
		m = ipcalc.CIDRContains(a.Value, ip)
	case AddrList:
		for _, v := range a.List {
			if ipcalc.MatchHost(v, ip) {
				m = true
				break
			}
		}
	}
	if a.Negate {
		return !m
	}
	return m
}

// PortSpec is the IDS port predicate: a port expression (single, range
// or comma list, "any"), optionally negated.
type PortSpec struct {
	Expr   string
	Negate bool
}

func (s PortSpec) Match(port int) bool {
	m := ipcalc.MatchPortRule(port, s.Expr)
	if s.Negate {
		return !m
	}
	return m
}

// ContentMatch requires the payload to contain a substring.
type ContentMatch struct {
	Pattern string
	NoCase  bool
}

func (c ContentMatch) Match(payload string) bool {
	if c.NoCase {
		return strings.Contains(strings.ToLower(payload), strings.ToLower(c.Pattern))
	}
	return strings.Contains(payload, c.Pattern)
}

// SizeOp discriminates the payload-size condition.
type SizeOp uint8

const (
	SizeNone SizeOp = iota
	SizeLess        // < n
	SizeGreater     // > n
	SizeEqual       // = n
	SizeBetween     // min <> max
)

// SizeCond is a payload-size condition in the dsize style.
type SizeCond struct {
	Op  SizeOp
	N   int
	Min int
	Max int
}

func (c SizeCond) Match(size int) bool {
	switch c.Op {
	case SizeNone:
		return true
	case SizeLess:
		return size < c.N
	case SizeGreater:
		return size > c.N
	case SizeEqual:
		return size == c.N
	case SizeBetween:
		return size > c.Min && size < c.Max
	}
	return false
}

// ThresholdType selects how the per-window counter gates alerts.
type ThresholdType string

const (
	ThresholdLimit     ThresholdType = "limit"     // alert while count <= N
	ThresholdThreshold ThresholdType = "threshold" // alert on every Nth count
	ThresholdBoth      ThresholdType = "both"      // alert exactly once, on the Nth
)

// TrackBy keys the threshold window.
type TrackBy string

const (
	TrackBySrc  TrackBy = "by_src"
	TrackByDst  TrackBy = "by_dst"
	TrackByBoth TrackBy = "by_both"
	TrackByRule TrackBy = "by_rule"
)

// Threshold gates rule matches through a counting window.
type Threshold struct {
	Type    ThresholdType
	Track   TrackBy
	Count   int
	Seconds int
}

// Rule is one signature. All specified predicates must hold for a
// match; the threshold gate then decides whether the match alerts.
type Rule struct {
	ID       string
	Name     string
	Enabled  bool
	Severity Severity
	Category string
	Mitre    string

	Protocol packet.Protocol
	Source   AddrSpec
	SrcPort  PortSpec
	Dest     AddrSpec
	DstPort  PortSpec

	// Flags is a Snort-style flag string; every listed flag must be
	// present in the packet.
	Flags string

	Contents []ContentMatch
	PCRE     []string
	Size     SizeCond

	Threshold *Threshold

	HitCount uint64

	// compiled PCRE programs; a nil slot marks a pattern that failed
	// to compile and is treated as non-matching.
	compiled []*regexp.Regexp
	badPCRE  int
}

// compile prepares the PCRE programs. Unparseable patterns are kept as
// nil slots so the rule degrades instead of crashing the pipeline.
func (r *Rule) compile() {
	r.compiled = make([]*regexp.Regexp, len(r.PCRE))
	r.badPCRE = 0
	for i, expr := range r.PCRE {
		re, err := regexp.Compile(expr)
		if err != nil {
			r.badPCRE++
			continue
		}
		r.compiled[i] = re
	}
}
