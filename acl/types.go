package acl

import (
	"fmt"
	"time"

	"github.com/devnolife/netsec/packet"
)

// Action is the verdict a rule carries.
type Action string

const (
	ActionPermit Action = "permit"
	ActionDeny   Action = "deny"
)

// Type selects how much of the packet a rule inspects. Standard ACLs
// match on source address only; extended and named ACLs evaluate the
// full 5-tuple.
type Type string

const (
	TypeStandard Type = "standard"
	TypeExtended Type = "extended"
	TypeNamed    Type = "named"
)

// PortSpecKind discriminates the PortSpec sum type.
type PortSpecKind uint8

const (
	PortAny PortSpecKind = iota
	PortEq
	PortRange
	PortList
)

// PortSpec is a port predicate: any, a single port, an inclusive range,
// or an explicit list.
type PortSpec struct {
	Kind PortSpecKind
	Port int
	Lo   int
	Hi   int
	List []int
}

func AnyPort() PortSpec           { return PortSpec{Kind: PortAny} }
func Port(p int) PortSpec         { return PortSpec{Kind: PortEq, Port: p} }
func Ports(lo, hi int) PortSpec   { return PortSpec{Kind: PortRange, Lo: lo, Hi: hi} }
func PortIn(list ...int) PortSpec { return PortSpec{Kind: PortList, List: list} }

// Match reports whether port satisfies the predicate.
func (s PortSpec) Match(port int) bool {
	switch s.Kind {
	case PortAny:
		return true
	case PortEq:
		return port == s.Port
	case PortRange:
		return port >= s.Lo && port <= s.Hi
	case PortList:
		for _, p := range s.List {
			if p == port {
				return true
			}
		}
	}
	return false
}

func (s PortSpec) String() string {
	switch s.Kind {
	case PortAny:
		return "any"
	case PortEq:
		return fmt.Sprintf("eq %d", s.Port)
	case PortRange:
		return fmt.Sprintf("range %d %d", s.Lo, s.Hi)
	case PortList:
		return fmt.Sprintf("in %v", s.List)
	}
	return "invalid"
}

// TimeWindow restricts a rule to a day-of-week set and a time-of-day
// interval. A zero window matches always.
type TimeWindow struct {
	Days      []time.Weekday
	StartHour int
	StartMin  int
	EndHour   int
	EndMin    int
}

// Active reports whether now falls inside the window.
func (w *TimeWindow) Active(now time.Time) bool {
	if w == nil {
		return true
	}
	if len(w.Days) > 0 {
		ok := false
		for _, d := range w.Days {
			if now.Weekday() == d {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if w.StartHour == 0 && w.StartMin == 0 && w.EndHour == 0 && w.EndMin == 0 {
		return true
	}
	minutes := now.Hour()*60 + now.Minute()
	start := w.StartHour*60 + w.StartMin
	end := w.EndHour*60 + w.EndMin
	if start <= end {
		return minutes >= start && minutes <= end
	}
	// Window wraps midnight.
	return minutes >= start || minutes <= end
}

// Rule is one ordered predicate inside an ACL.
type Rule struct {
	ID       string
	Sequence int
	Action   Action
	Protocol packet.Protocol

	SourceIP       string // dotted quad, or "any"
	SourceWildcard string // Cisco wildcard mask, empty means exact
	SourcePort     PortSpec

	DestIP       string
	DestWildcard string
	DestPort     PortSpec

	// Established matches only TCP segments with ACK or RST set.
	Established bool

	Window *TimeWindow

	HitCount uint64
	LastHit  time.Time

	// order breaks sequence ties by insertion order.
	order int
}

func (r *Rule) String() string {
	return fmt.Sprintf("seq=%d %s %s %s -> %s", r.Sequence, r.Action, r.Protocol,
		hostString(r.SourceIP, r.SourceWildcard), hostString(r.DestIP, r.DestWildcard))
}

func hostString(ip, wildcard string) string {
	if ip == "" || ip == "any" {
		return "any"
	}
	if wildcard == "" {
		return ip
	}
	return ip + " " + wildcard
}

// Attachment binds an ACL to an interface in one direction.
type Attachment struct {
	Interface string
	Direction packet.Direction
}

// ACL is a named ordered rule list.
type ACL struct {
	ID           string
	Name         string
	Type         Type
	ImplicitDeny bool
	Rules        []*Rule
	Attachments  []Attachment
	Created      time.Time

	nextOrder int
}

// Decision is the evaluation result handed back to the caller.
type Decision struct {
	Matched        bool
	Action         Action
	Rule           *Rule
	Reason         string
	ProcessingTime time.Duration
}
