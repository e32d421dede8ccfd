package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devnolife/netsec/acl"
	"github.com/devnolife/netsec/config"
	"github.com/devnolife/netsec/conntrack"
	"github.com/devnolife/netsec/event"
	"github.com/devnolife/netsec/firewall"
	"github.com/devnolife/netsec/ids"
	"github.com/devnolife/netsec/ipcalc"
	"github.com/devnolife/netsec/ips"
	"github.com/devnolife/netsec/nat"
	"github.com/devnolife/netsec/packet"
)

// engines is the composition root: everything the pipeline needs,
// wired to one bus.
type engines struct {
	bus     *event.Bus
	acls    *acl.Engine
	tracker *conntrack.Tracker
	nat     *nat.Engine
	fw      *firewall.Engine
	ids     *ids.Engine
	ips     *ips.Engine
}

func buildLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	logger.Out = os.Stdout

	lvl, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
		})
	}
	return logger
}

func buildEngines(cfg *config.Config, logger *logrus.Logger) (*engines, error) {
	bus := event.NewBus(logger)

	acls := acl.NewEngine(acl.Config{
		MaxACLs:        cfg.ACL.MaxACLs,
		MaxRulesPerACL: cfg.ACL.MaxRulesPerACL,
		CacheTTL:       seconds(cfg.ACL.CacheTTL),
	}, logger, bus)
	if err := loadACLs(acls, cfg.ACL.ACLs); err != nil {
		return nil, err
	}

	tracker := conntrack.NewTracker(conntrack.Config{
		TCPTimeout:  seconds(cfg.Conntrack.TCPTimeout),
		UDPTimeout:  seconds(cfg.Conntrack.UDPTimeout),
		ICMPTimeout: seconds(cfg.Conntrack.ICMPTimeout),
		MaxEntries:  cfg.Conntrack.MaxEntries,
	}, logger, bus)

	natEngine := nat.NewEngine(nat.Config{
		TranslationTimeout: seconds(cfg.NAT.Timeout),
	}, logger, bus)
	if err := loadNATRules(natEngine, cfg.NAT); err != nil {
		return nil, err
	}

	fw := firewall.NewEngine(firewall.Config{
		DefaultAction:     firewall.Action(cfg.Firewall.DefaultAction),
		AntiSpoofing:      cfg.Firewall.AntiSpoofing,
		BogonFilter:       cfg.Firewall.BogonFilter,
		OutsideTrust:      cfg.Firewall.OutsideTrust,
		MaxRulesPerPolicy: cfg.Firewall.MaxRulesPerPolicy,
	}, tracker, natEngine, acls, logger, bus)
	if err := loadZones(fw, cfg.Zones, cfg.Policies); err != nil {
		return nil, err
	}

	idsEngine := ids.NewEngine(ids.Config{
		MinSeverity:        ids.ParseSeverity(cfg.IDS.MinSeverity),
		DedupWindow:        seconds(cfg.IDS.DedupWindow),
		MaxAlertsPerSecond: cfg.IDS.MaxAlertsPerSecond,
		CapturePayload:     cfg.IDS.CapturePayload,
		MaxRules:           4096,
		MaxStoredAlerts:    cfg.IDS.MaxStoredAlerts,
		StreamMaxAge:       time.Minute,
	}, logger, bus)
	if err := loadSignatures(idsEngine, cfg.IDS); err != nil {
		return nil, err
	}

	ipsEngine := ips.NewEngine(ips.Config{
		AutoBlockThreshold: cfg.IPS.AutoBlockThreshold,
		AutoBlockDuration:  seconds(cfg.IPS.AutoBlockDuration),
		RateLimit:          cfg.IPS.RateLimit,
		SeverityActions:    severityActions(cfg.IPS.SeverityActions),
		TrackerMaxAge:      10 * time.Minute,
	}, idsEngine, logger, bus)
	for _, ip := range cfg.IPS.WhitelistIPs {
		ipsEngine.WhitelistIP(ip)
	}
	for _, port := range cfg.IPS.WhitelistPorts {
		ipsEngine.WhitelistPort(port)
	}

	return &engines{
		bus:     bus,
		acls:    acls,
		tracker: tracker,
		nat:     natEngine,
		fw:      fw,
		ids:     idsEngine,
		ips:     ipsEngine,
	}, nil
}

func (e *engines) stop() {
	e.ips.Stop()
	e.ids.Stop()
	e.fw.Stop()
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func loadACLs(engine *acl.Engine, defs []config.ACLDef) error {
	for _, def := range defs {
		typ := acl.Type(def.Type)
		if typ == "" {
			typ = acl.TypeStandard
		}
		a, err := engine.CreateACL(def.Name, typ)
		if err != nil {
			return err
		}
		if def.ImplicitDeny != nil {
			a.ImplicitDeny = *def.ImplicitDeny
		}

		for _, rd := range def.Rules {
			r, err := aclRule(rd)
			if err != nil {
				return fmt.Errorf("acl %s: %w", def.Name, err)
			}
			if err := engine.AddRule(def.Name, r); err != nil {
				return err
			}
		}

		for _, att := range def.Attach {
			iface, dir := attachment(att)
			if err := engine.Attach(def.Name, iface, dir); err != nil {
				return err
			}
		}
	}
	return nil
}

func aclRule(rd config.ACLRuleDef) (*acl.Rule, error) {
	action, err := aclAction(rd.Action)
	if err != nil {
		return nil, err
	}
	proto, err := packet.ParseProtocol(rd.Protocol)
	if err != nil {
		return nil, err
	}
	srcPort, err := portSpec(rd.SrcPort)
	if err != nil {
		return nil, err
	}
	dstPort, err := portSpec(rd.DstPort)
	if err != nil {
		return nil, err
	}
	window, err := timeWindow(rd.TimeStart, rd.TimeEnd)
	if err != nil {
		return nil, err
	}

	return &acl.Rule{
		Sequence:       rd.Sequence,
		Action:         action,
		Protocol:       proto,
		SourceIP:       rd.Source,
		SourceWildcard: rd.SourceWildcard,
		SourcePort:     srcPort,
		DestIP:         rd.Dest,
		DestWildcard:   rd.DestWildcard,
		DestPort:       dstPort,
		Established:    rd.Established,
		Window:         window,
	}, nil
}

func aclAction(s string) (acl.Action, error) {
	switch s {
	case "permit":
		return acl.ActionPermit, nil
	case "deny", "":
		return acl.ActionDeny, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// attachment splits "eth0:out" into interface and direction; the
// direction defaults to in.
func attachment(s string) (string, packet.Direction) {
	if iface, dir, ok := strings.Cut(s, ":"); ok && dir == "out" {
		return iface, packet.DirOut
	}
	iface, _, _ := strings.Cut(s, ":")
	return iface, packet.DirIn
}

// portSpec converts a port expression into the ACL predicate. Single
// ranges and plain lists are supported; mixing both is not.
func portSpec(expr string) (acl.PortSpec, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "any" {
		return acl.AnyPort(), nil
	}
	ports, ranges, err := ipcalc.ParsePortRule(expr)
	if err != nil {
		return acl.PortSpec{}, err
	}
	switch {
	case len(ranges) == 1 && len(ports) == 0:
		return acl.Ports(ranges[0][0], ranges[0][1]), nil
	case len(ranges) == 0 && len(ports) == 1:
		return acl.Port(ports[0]), nil
	case len(ranges) == 0 && len(ports) > 1:
		return acl.PortIn(ports...), nil
	}
	return acl.PortSpec{}, fmt.Errorf("unsupported port expression %q", expr)
}

// timeWindow parses "HH:MM" bounds. Both empty means no window.
func timeWindow(start, end string) (*acl.TimeWindow, error) {
	if start == "" && end == "" {
		return nil, nil
	}
	sh, sm, err := clock(start)
	if err != nil {
		return nil, err
	}
	eh, em, err := clock(end)
	if err != nil {
		return nil, err
	}
	return &acl.TimeWindow{StartHour: sh, StartMin: sm, EndHour: eh, EndMin: em}, nil
}

func clock(s string) (int, int, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("bad time %q, want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", s)
	}
	min, err := strconv.Atoi(m)
	if err != nil || min < 0 || min > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", s)
	}
	return hour, min, nil
}

func loadNATRules(engine *nat.Engine, cfg config.NATConfig) error {
	for _, rd := range cfg.Rules {
		typ := nat.RuleType(rd.Type)
		switch typ {
		case nat.Static, nat.Dynamic, nat.PAT:
		default:
			return fmt.Errorf("nat rule %s: unknown type %q", rd.Name, rd.Type)
		}

		r := &nat.Rule{
			Name:         rd.Name,
			Type:         typ,
			InsideLocal:  rd.InsideLocal,
			InsideGlobal: rd.InsideGlobal,
			Pool:         rd.Pool,
			PortLo:       rd.PortLo,
			PortHi:       rd.PortHi,
		}
		if typ == nat.PAT && r.PortLo == 0 && r.PortHi == 0 {
			r.PortLo = cfg.PATPortLo
			r.PortHi = cfg.PATPortHi
		}
		engine.AddRule(r)
	}
	return nil
}

func loadZones(fw *firewall.Engine, zones []config.ZoneConfig, policies []config.PolicyConfig) error {
	for _, zd := range zones {
		err := fw.AddZone(&firewall.Zone{
			Name:       zd.Name,
			TrustLevel: zd.TrustLevel,
			Interfaces: zd.Interfaces,
		})
		if err != nil {
			return err
		}
	}

	for _, pd := range policies {
		if _, err := fw.AddPolicy(pd.Name, firewall.ActionDeny); err != nil {
			return err
		}
		for _, rd := range pd.Rules {
			r, err := policyRule(rd)
			if err != nil {
				return fmt.Errorf("policy %s: %w", pd.Name, err)
			}
			if err := fw.AddPolicyRule(pd.Name, r); err != nil {
				return err
			}
		}
		if err := fw.AddZonePair(pd.From, pd.To, pd.Name); err != nil {
			return err
		}
	}
	return nil
}

func policyRule(rd config.PolicyRuleDef) (*firewall.PolicyRule, error) {
	action := firewall.ActionDeny
	if rd.Action == "permit" || rd.Action == "allow" {
		action = firewall.ActionAllow
	}
	proto, err := packet.ParseProtocol(rd.Protocol)
	if err != nil {
		return nil, err
	}
	srcPort, err := portSpec(rd.SrcPort)
	if err != nil {
		return nil, err
	}
	dstPort, err := portSpec(rd.DstPort)
	if err != nil {
		return nil, err
	}
	window, err := timeWindow(rd.TimeStart, rd.TimeEnd)
	if err != nil {
		return nil, err
	}

	return &firewall.PolicyRule{
		Sequence:    rd.Sequence,
		Action:      action,
		Protocol:    proto,
		Source:      rd.Source,
		Destination: rd.Dest,
		SourcePort:  srcPort,
		DestPort:    dstPort,
		Application: rd.Application,
		Content:     rd.Content,
		Schedule:    window,
	}, nil
}

func loadSignatures(engine *ids.Engine, cfg config.IDSConfig) error {
	for _, sd := range cfg.Signatures {
		r, err := signature(sd)
		if err != nil {
			return fmt.Errorf("signature %s: %w", sd.Name, err)
		}
		if err := engine.AddRule(r); err != nil {
			return err
		}
	}

	if cfg.Baseline != nil {
		ports := make(map[int]bool, len(cfg.Baseline.Ports))
		for _, p := range cfg.Baseline.Ports {
			ports[p] = true
		}
		engine.SetBaseline(&ids.Baseline{
			ProtocolDistribution: cfg.Baseline.Protocols,
			CommonPorts:          ports,
		})
	}
	return nil
}

func signature(sd config.SignatureDef) (*ids.Rule, error) {
	proto, err := packet.ParseProtocol(sd.Protocol)
	if err != nil {
		return nil, err
	}
	size, err := sizeCond(sd.Dsize)
	if err != nil {
		return nil, err
	}

	r := &ids.Rule{
		ID:       sd.ID,
		Name:     sd.Name,
		Enabled:  true,
		Severity: ids.ParseSeverity(sd.Severity),
		Category: sd.Category,
		Mitre:    sd.Mitre,
		Protocol: proto,
		Source:   addrSpec(sd.Source),
		SrcPort:  idsPortSpec(sd.SrcPort),
		Dest:     addrSpec(sd.Dest),
		DstPort:  idsPortSpec(sd.DstPort),
		Flags:    sd.Flags,
		PCRE:     sd.PCRE,
		Size:     size,
	}
	if sd.Content != "" {
		r.Contents = []ids.ContentMatch{{Pattern: sd.Content, NoCase: sd.NoCase}}
	}
	if t := sd.Threshold; t != nil {
		r.Threshold = &ids.Threshold{
			Type:    ids.ThresholdType(t.Type),
			Track:   ids.TrackBy(t.Track),
			Count:   t.Count,
			Seconds: t.Seconds,
		}
	}
	return r, nil
}

// addrSpec parses an address expression: "any", an address, a CIDR or
// a comma list, with a leading "!" negating the whole predicate.
func addrSpec(s string) ids.AddrSpec {
	s = strings.TrimSpace(s)
	negate := strings.HasPrefix(s, "!")
	s = strings.TrimPrefix(s, "!")

	var spec ids.AddrSpec
	switch {
	case s == "" || s == "any":
		spec = ids.AnyAddr()
	case strings.Contains(s, ","):
		spec = ids.AddrIn(strings.Split(s, ",")...)
	case strings.Contains(s, "/"):
		spec = ids.CIDR(s)
	default:
		spec = ids.Exact(s)
	}
	if negate {
		spec = spec.Not()
	}
	return spec
}

func idsPortSpec(s string) ids.PortSpec {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "!") {
		return ids.PortSpec{Expr: strings.TrimPrefix(s, "!"), Negate: true}
	}
	return ids.PortSpec{Expr: s}
}

// sizeCond parses a dsize expression: "<n", ">n", "=n" or "min<>max".
func sizeCond(s string) (ids.SizeCond, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ids.SizeCond{}, nil
	}
	if lo, hi, ok := strings.Cut(s, "<>"); ok {
		min, err1 := strconv.Atoi(strings.TrimSpace(lo))
		max, err2 := strconv.Atoi(strings.TrimSpace(hi))
		if err1 != nil || err2 != nil {
			return ids.SizeCond{}, fmt.Errorf("bad dsize %q", s)
		}
		return ids.SizeCond{Op: ids.SizeBetween, Min: min, Max: max}, nil
	}

	op := ids.SizeEqual
	switch {
	case strings.HasPrefix(s, "<"):
		op = ids.SizeLess
		s = s[1:]
	case strings.HasPrefix(s, ">"):
		op = ids.SizeGreater
		s = s[1:]
	case strings.HasPrefix(s, "="):
		s = s[1:]
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return ids.SizeCond{}, fmt.Errorf("bad dsize %q", s)
	}
	return ids.SizeCond{Op: op, N: n}, nil
}

func severityActions(m map[string]string) map[ids.Severity]ips.ActionType {
	out := make(map[ids.Severity]ips.ActionType, len(m))
	for sev, action := range m {
		out[ids.ParseSeverity(sev)] = ips.ActionType(action)
	}
	return out
}
