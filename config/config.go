package config

import (
	"fmt"
	"io/ioutil"

	"gopkg.in/yaml.v3"
)

// Config is the top-level file layout. Durations are expressed in
// seconds so the file stays plain-integer.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	ACL       ACLConfig       `yaml:"acl"`
	Conntrack ConntrackConfig `yaml:"conntrack"`
	NAT       NATConfig       `yaml:"nat"`
	Firewall  FirewallConfig  `yaml:"firewall"`
	IDS       IDSConfig       `yaml:"ids"`
	IPS       IPSConfig       `yaml:"ips"`
	Zones     []ZoneConfig    `yaml:"zones"`
	Policies  []PolicyConfig  `yaml:"policies"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ACLConfig struct {
	CacheTTL       int      `yaml:"cache_ttl"`
	MaxACLs        int      `yaml:"max_acls"`
	MaxRulesPerACL int      `yaml:"max_rules_per_acl"`
	ACLs           []ACLDef `yaml:"lists"`
}

type ACLDef struct {
	Name         string       `yaml:"name"`
	Type         string       `yaml:"type"`
	ImplicitDeny *bool        `yaml:"implicit_deny,omitempty"`
	Rules        []ACLRuleDef `yaml:"rules"`
	Attach       []string     `yaml:"attach"`
}

type ACLRuleDef struct {
	Sequence       int    `yaml:"seq"`
	Action         string `yaml:"action"`
	Protocol       string `yaml:"proto"`
	Source         string `yaml:"source"`
	SourceWildcard string `yaml:"source_wildcard"`
	Dest           string `yaml:"dest"`
	DestWildcard   string `yaml:"dest_wildcard"`
	SrcPort        string `yaml:"src_port"`
	DstPort        string `yaml:"dst_port"`
	Established    bool   `yaml:"established"`
	TimeStart      string `yaml:"time_start"`
	TimeEnd        string `yaml:"time_end"`
}

func (r ACLRuleDef) String() string {
	return fmt.Sprintf("seq=%d %s %s %s -> %s", r.Sequence, r.Action, r.Protocol, r.Source, r.Dest)
}

type ConntrackConfig struct {
	MaxEntries  int `yaml:"max_entries"`
	TCPTimeout  int `yaml:"tcp_timeout"`
	UDPTimeout  int `yaml:"udp_timeout"`
	ICMPTimeout int `yaml:"icmp_timeout"`
}

type NATConfig struct {
	Timeout   int          `yaml:"timeout"`
	PATPortLo int          `yaml:"pat_port_lo"`
	PATPortHi int          `yaml:"pat_port_hi"`
	Rules     []NATRuleDef `yaml:"rules"`
}

type NATRuleDef struct {
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"`
	InsideLocal  string   `yaml:"inside_local"`
	InsideGlobal string   `yaml:"inside_global"`
	Pool         []string `yaml:"pool"`
	PortLo       int      `yaml:"port_lo"`
	PortHi       int      `yaml:"port_hi"`
}

type FirewallConfig struct {
	DefaultAction     string `yaml:"default_action"`
	AntiSpoofing      bool   `yaml:"anti_spoofing"`
	BogonFilter       bool   `yaml:"bogon_filter"`
	OutsideTrust      int    `yaml:"outside_trust"`
	MaxRulesPerPolicy int    `yaml:"max_rules_per_policy"`
}

type ZoneConfig struct {
	Name       string   `yaml:"name"`
	TrustLevel int      `yaml:"trust_level"`
	Interfaces []string `yaml:"interfaces"`
}

type PolicyConfig struct {
	Name  string          `yaml:"name"`
	From  string          `yaml:"from"`
	To    string          `yaml:"to"`
	Rules []PolicyRuleDef `yaml:"rules"`
}

type PolicyRuleDef struct {
	Sequence    int    `yaml:"seq"`
	Name        string `yaml:"name"`
	Action      string `yaml:"action"`
	Protocol    string `yaml:"proto"`
	Source      string `yaml:"source"`
	Dest        string `yaml:"dest"`
	SrcPort     string `yaml:"src_port"`
	DstPort     string `yaml:"dst_port"`
	Application string `yaml:"application"`
	Content     string `yaml:"content"`
	TimeStart   string `yaml:"time_start"`
	TimeEnd     string `yaml:"time_end"`
}

type IDSConfig struct {
	MinSeverity        string         `yaml:"min_severity"`
	DedupWindow        int            `yaml:"dedup_window"`
	MaxAlertsPerSecond int            `yaml:"max_alerts_per_second"`
	CapturePayload     bool           `yaml:"capture_payload"`
	MaxStoredAlerts    int            `yaml:"max_stored_alerts"`
	Signatures         []SignatureDef `yaml:"signatures"`
	Baseline           *BaselineDef   `yaml:"baseline,omitempty"`
}

type SignatureDef struct {
	ID        string        `yaml:"id"`
	Name      string        `yaml:"name"`
	Severity  string        `yaml:"severity"`
	Category  string        `yaml:"category"`
	Mitre     string        `yaml:"mitre"`
	Protocol  string        `yaml:"proto"`
	Source    string        `yaml:"source"`
	SrcPort   string        `yaml:"src_port"`
	Dest      string        `yaml:"dest"`
	DstPort   string        `yaml:"dst_port"`
	Flags     string        `yaml:"flags"`
	Content   string        `yaml:"content"`
	NoCase    bool          `yaml:"nocase"`
	PCRE      []string      `yaml:"pcre"`
	Dsize     string        `yaml:"dsize"`
	Threshold *ThresholdDef `yaml:"threshold,omitempty"`
}

func (s SignatureDef) String() string {
	return fmt.Sprintf("%s severity=%s proto=%s %s:%s -> %s:%s", s.Name, s.Severity, s.Protocol,
		s.Source, s.SrcPort, s.Dest, s.DstPort)
}

type ThresholdDef struct {
	Type    string `yaml:"type"`
	Track   string `yaml:"track"`
	Count   int    `yaml:"count"`
	Seconds int    `yaml:"seconds"`
}

type BaselineDef struct {
	Protocols map[string]float64 `yaml:"protocols"`
	Ports     []int              `yaml:"ports"`
}

type IPSConfig struct {
	AutoBlockThreshold int               `yaml:"auto_block_threshold"`
	AutoBlockDuration  int               `yaml:"auto_block_duration"`
	RateLimit          int               `yaml:"rate_limit"`
	WhitelistIPs       []string          `yaml:"whitelist_ips"`
	WhitelistPorts     []int             `yaml:"whitelist_ports"`
	SeverityActions    map[string]string `yaml:"severity_actions"`
}

func Load(filename string) (*Config, error) {
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

var (
	defaultLogging = LoggingConfig{
		Level:  "info",
		Format: "text",
	}

	defaultACL = ACLConfig{
		CacheTTL:       60,
		MaxACLs:        256,
		MaxRulesPerACL: 1000,
	}

	defaultConntrack = ConntrackConfig{
		MaxEntries:  65536,
		TCPTimeout:  3600,
		UDPTimeout:  300,
		ICMPTimeout: 30,
	}

	defaultNAT = NATConfig{
		Timeout:   300,
		PATPortLo: 1024,
		PATPortHi: 65535,
	}

	defaultFirewall = FirewallConfig{
		DefaultAction:     "deny",
		AntiSpoofing:      true,
		BogonFilter:       true,
		OutsideTrust:      30,
		MaxRulesPerPolicy: 1000,
	}

	defaultIDS = IDSConfig{
		MinSeverity:        "low",
		DedupWindow:        5,
		MaxAlertsPerSecond: 100,
		CapturePayload:     false,
		MaxStoredAlerts:    1000,
	}

	defaultIPS = IPSConfig{
		AutoBlockThreshold: 5,
		AutoBlockDuration:  300,
		RateLimit:          1000,
		SeverityActions: map[string]string{
			"critical": "drop",
			"high":     "drop",
			"medium":   "alert",
			"low":      "alert",
		},
	}
)

// Default returns a config populated with the package defaults; Load
// layers the file on top of it.
func Default() *Config {
	return &Config{
		Logging:   defaultLogging,
		ACL:       defaultACL,
		Conntrack: defaultConntrack,
		NAT:       defaultNAT,
		Firewall:  defaultFirewall,
		IDS:       defaultIDS,
		IPS:       defaultIPS,
	}
}
