package ipcalc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseString(t *testing.T) {
	tests := []struct {
		in      string
		out     string
		wantErr bool
	}{
		{"10.1.2.3", "10.1.2.3", false},
		{"255.255.255.255", "255.255.255.255", false},
		{"0.0.0.0", "0.0.0.0", false},
		{"256.1.1.1", "", true},
		{"::1", "", true},
		{"not-an-ip", "", true},
	}

	for _, test := range tests {
		a, err := Parse(test.in)
		if test.wantErr {
			assert.Error(t, err, "expected error for %q", test.in)
			continue
		}
		assert.NoError(t, err)
		assert.Equal(t, test.out, a.String())
	}
}

func TestMatchWildcardReflexive(t *testing.T) {
	for _, s := range []string{"10.0.0.1", "192.168.1.1", "8.8.8.8", "0.0.0.0"} {
		assert.True(t, MatchWildcardStrings(s, s, "0.0.0.0"), "zero wildcard must exact-match %s", s)
	}
}

func TestMatchWildcard(t *testing.T) {
	tests := []struct {
		ip       string
		rule     string
		wildcard string
		expected bool
	}{
		{"10.1.2.3", "10.0.0.0", "0.255.255.255", true},
		{"11.1.2.3", "10.0.0.0", "0.255.255.255", false},
		{"192.168.1.55", "192.168.1.0", "0.0.0.255", true},
		{"192.168.2.55", "192.168.1.0", "0.0.0.255", false},
		{"172.16.5.4", "172.16.5.4", "", true},
		{"172.16.5.5", "172.16.5.4", "", false},
		{"1.2.3.4", "any", "", true},
		{"garbage", "10.0.0.0", "0.255.255.255", false},
	}

	for _, test := range tests {
		got := MatchWildcardStrings(test.ip, test.rule, test.wildcard)
		assert.Equal(t, test.expected, got, "ip=%s rule=%s wc=%s", test.ip, test.rule, test.wildcard)
	}
}

func TestBogonAndPrivate(t *testing.T) {
	assert.True(t, IsPrivate("10.20.30.40"))
	assert.True(t, IsPrivate("172.31.0.1"))
	assert.False(t, IsPrivate("8.8.8.8"))

	assert.True(t, IsBogon("127.0.0.1"))
	assert.True(t, IsBogon("169.254.10.10"))
	assert.True(t, IsBogon("240.0.0.1"))
	assert.False(t, IsBogon("1.1.1.1"))
}

func TestMatchHost(t *testing.T) {
	assert.True(t, MatchHost("any", "1.2.3.4"))
	assert.True(t, MatchHost("192.168.1.0/24", "192.168.1.7"))
	assert.False(t, MatchHost("192.168.1.0/24", "192.168.2.7"))
	assert.True(t, MatchHost("10.0.0.1", "10.0.0.1"))
	assert.False(t, MatchHost("10.0.0.1", "10.0.0.2"))
}

func TestMatchPortRule(t *testing.T) {
	tests := []struct {
		port     int
		rule     string
		expected bool
	}{
		{80, "1-65535", true},
		{80, "22,80,443", true},
		{8080, "22,80,443", false},
		{100, "50-150", true},
		{200, "50-150", false},
		{80, "1-79,81-65535", false},
		{443, "any", true},
		{443, "", true},
		{443, "not-ports", false},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, MatchPortRule(test.port, test.rule),
			"port %d rule %q", test.port, test.rule)
	}
}

func TestParsePortRule(t *testing.T) {
	ports, ranges, err := ParsePortRule("22,80-90,100")
	assert.NoError(t, err)
	assert.Equal(t, []int{22, 100}, ports)
	assert.Equal(t, [][2]int{{80, 90}}, ranges)

	_, _, err = ParsePortRule("90-80")
	assert.Error(t, err)

	_, _, err = ParsePortRule("invalid")
	assert.Error(t, err)
}
