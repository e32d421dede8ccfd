package firewall

import (
	"fmt"
	"time"

	"github.com/devnolife/netsec/acl"
	"github.com/devnolife/netsec/packet"
)

// Action is the firewall verdict.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Zone groups interfaces under one trust level.
type Zone struct {
	Name          string
	Interfaces    []string
	TrustLevel    int // 0-100
	DefaultAction Action
}

// ZonePair is a directed relation between two zones governed by a
// named policy.
type ZonePair struct {
	Source      string
	Destination string
	Policy      string
}

// PolicyRule is one ordered predicate inside a firewall policy.
type PolicyRule struct {
	ID       string
	Sequence int
	Action   Action
	Protocol packet.Protocol

	Source      string // address, CIDR or "any"
	Destination string
	SourcePort  acl.PortSpec
	DestPort    acl.PortSpec

	SourceZone string // optional, matched against the resolved zone

	// Application matches the well-known service of the destination
	// port, e.g. "http" or "dns".
	Application string

	// Content requires the payload to contain this substring.
	Content string

	Schedule *acl.TimeWindow

	HitCount  uint64
	HitBytes  uint64
	LastHit   time.Time
	insertSeq int
}

func (r *PolicyRule) String() string {
	return fmt.Sprintf("seq=%d %s %s %s -> %s", r.Sequence, r.Action, r.Protocol, r.Source, r.Destination)
}

// Policy is an ordered rule list with a default action.
type Policy struct {
	Name          string
	Rules         []*PolicyRule
	DefaultAction Action

	nextInsert int
}

// Decision is the pipeline output for one packet.
type Decision struct {
	Action         Action
	Matched        bool
	Rule           *PolicyRule
	ACLRule        *acl.Rule
	Reason         string
	ProcessingTime time.Duration
}

// wellKnownApps maps application tags to destination ports.
var wellKnownApps = map[string][]int{
	"http":   {80, 8080},
	"https":  {443},
	"dns":    {53},
	"ssh":    {22},
	"telnet": {23},
	"smtp":   {25},
	"ftp":    {20, 21},
	"ntp":    {123},
	"snmp":   {161, 162},
}

func applicationMatches(app string, dstPort int) bool {
	ports, ok := wellKnownApps[app]
	if !ok {
		return false
	}
	for _, p := range ports {
		if p == dstPort {
			return true
		}
	}
	return false
}
