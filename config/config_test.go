package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleConfig = `
logging:
  level: debug

acl:
  cache_ttl: 30
  lists:
    - name: BLOCK_10
      type: standard
      rules:
        - seq: 10
          action: deny
          source: 10.1.2.0
          source_wildcard: 0.0.0.255
        - seq: 20
          action: permit
          source: any
      attach: [eth0]

conntrack:
  tcp_timeout: 600

nat:
  rules:
    - name: web-dnat
      type: static
      inside_local: 192.168.1.10
      inside_global: 203.0.113.10

zones:
  - name: inside
    trust_level: 100
    interfaces: [eth1]
  - name: outside
    trust_level: 0
    interfaces: [eth0]

policies:
  - name: inside-out
    from: inside
    to: outside
    rules:
      - seq: 10
        name: allow-web
        action: permit
        proto: tcp
        dst_port: "80,443"
        application: http

ids:
  min_severity: medium
  signatures:
    - name: telnet probe
      severity: high
      proto: tcp
      dst_port: "23"
      threshold:
        type: both
        track: by_src
        count: 5
        seconds: 60

ips:
  auto_block_threshold: 3
  whitelist_ips: [192.168.1.1]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "netsec.yml")
	assert.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadLayersOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	assert.NoError(t, err)

	// Explicit values from the file.
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 30, cfg.ACL.CacheTTL)
	assert.Equal(t, 600, cfg.Conntrack.TCPTimeout)
	assert.Equal(t, 3, cfg.IPS.AutoBlockThreshold)
	assert.Equal(t, "medium", cfg.IDS.MinSeverity)

	// Untouched sections keep their defaults.
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 300, cfg.Conntrack.UDPTimeout)
	assert.Equal(t, "deny", cfg.Firewall.DefaultAction)
	assert.Equal(t, 1024, cfg.NAT.PATPortLo)
	assert.Equal(t, "drop", cfg.IPS.SeverityActions["critical"])
}

func TestLoadRuleDefinitions(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	assert.NoError(t, err)

	assert.Len(t, cfg.ACL.ACLs, 1)
	acl := cfg.ACL.ACLs[0]
	assert.Equal(t, "BLOCK_10", acl.Name)
	assert.Len(t, acl.Rules, 2)
	assert.Equal(t, 10, acl.Rules[0].Sequence)
	assert.Equal(t, "0.0.0.255", acl.Rules[0].SourceWildcard)
	assert.Equal(t, []string{"eth0"}, acl.Attach)

	assert.Len(t, cfg.NAT.Rules, 1)
	assert.Equal(t, "static", cfg.NAT.Rules[0].Type)

	assert.Len(t, cfg.Zones, 2)
	assert.Equal(t, 100, cfg.Zones[0].TrustLevel)

	assert.Len(t, cfg.Policies, 1)
	assert.Equal(t, "inside", cfg.Policies[0].From)
	assert.Equal(t, "http", cfg.Policies[0].Rules[0].Application)

	assert.Len(t, cfg.IDS.Signatures, 1)
	sig := cfg.IDS.Signatures[0]
	assert.Equal(t, "telnet probe", sig.Name)
	assert.NotNil(t, sig.Threshold)
	assert.Equal(t, "both", sig.Threshold.Type)
	assert.Equal(t, 5, sig.Threshold.Count)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "logging: [not: a map"))
	assert.Error(t, err)
}
