package ipcalc

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Addr is an IPv4 address held as a host-order uint32.
type Addr uint32

const maxIPv4StringLen = len("255.255.255.255")

// Parse converts a dotted-quad string to an Addr.
func Parse(s string) (Addr, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("invalid ipv4 address: %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("not an ipv4 address: %q", s)
	}
	return Addr(uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])), nil
}

// MustParse is Parse for addresses known to be valid, typically literals in
// rule tables. It panics on bad input.
func MustParse(s string) Addr {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Addr) String() string {
	b := make([]byte, maxIPv4StringLen)

	n := ubtoa(b, 0, byte(a>>24))
	b[n] = '.'
	n++

	n += ubtoa(b, n, byte(a>>16&255))
	b[n] = '.'
	n++

	n += ubtoa(b, n, byte(a>>8&255))
	b[n] = '.'
	n++

	n += ubtoa(b, n, byte(a&255))
	return string(b[:n])
}

func (a Addr) ToIP() net.IP {
	return net.IPv4(byte(a>>24), byte(a>>16), byte(a>>8), byte(a)).To4()
}

func (a Addr) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", a.String())), nil
}

// ubtoa encodes the string form of the integer v to dst[start:] and
// returns the number of bytes written to dst. The caller must ensure
// that dst has sufficient length.
func ubtoa(dst []byte, start int, v byte) int {
	if v < 10 {
		dst[start] = v + '0'
		return 1
	} else if v < 100 {
		dst[start+1] = v%10 + '0'
		dst[start] = v/10 + '0'
		return 2
	}

	dst[start+2] = v%10 + '0'
	dst[start+1] = (v/10)%10 + '0'
	dst[start] = v/100 + '0'
	return 3
}

// MatchWildcard reports whether ip matches ruleIP under a Cisco-style
// wildcard mask: bits set in the wildcard are "don't care". A zero
// wildcard therefore means exact match.
func MatchWildcard(ip, ruleIP, wildcard Addr) bool {
	return (ip^ruleIP)&^wildcard == 0
}

// MatchWildcardStrings is MatchWildcard over dotted-quad inputs. An empty
// wildcard means exact match; any unparseable input never matches.
func MatchWildcardStrings(ip, ruleIP, wildcard string) bool {
	a, err := Parse(ip)
	if err != nil {
		return false
	}
	if ruleIP == "" || ruleIP == "any" {
		return true
	}
	r, err := Parse(ruleIP)
	if err != nil {
		return false
	}
	var w Addr
	if wildcard != "" {
		w, err = Parse(wildcard)
		if err != nil {
			return false
		}
	}
	return MatchWildcard(a, r, w)
}

// CIDRContains reports whether the dotted-quad ip falls inside cidr.
// Malformed input never matches.
func CIDRContains(cidr, ip string) bool {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return network.Contains(parsed)
}

var privateCIDRs = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
}

// bogonCIDRs are reserved or non-routable ranges that must never appear
// as a source address on a public-facing interface.
var bogonCIDRs = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
}

// IsPrivate reports whether ip is in an RFC 1918 range.
func IsPrivate(ip string) bool {
	for _, cidr := range privateCIDRs {
		if CIDRContains(cidr, ip) {
			return true
		}
	}
	return false
}

// IsBogon reports whether ip is in a reserved/non-routable range.
func IsBogon(ip string) bool {
	for _, cidr := range bogonCIDRs {
		if CIDRContains(cidr, ip) {
			return true
		}
	}
	return false
}

// MatchHost matches ip against a rule host entry, which may be "any", a
// plain address, or a CIDR.
func MatchHost(host, ip string) bool {
	if host == "" || host == "any" {
		return true
	}
	if strings.Contains(host, "/") {
		return CIDRContains(host, ip)
	}
	return host == ip
}

// ParsePortRule parses a port expression of single ports and ranges,
// e.g. "22,80-90,443". It returns the single ports and the inclusive
// ranges found.
func ParsePortRule(rule string) ([]int, [][2]int, error) {
	var ports []int
	var ranges [][2]int

	for _, part := range strings.Split(rule, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "-") {
			bounds := strings.SplitN(part, "-", 2)
			lo, err := strconv.Atoi(strings.TrimSpace(bounds[0]))
			if err != nil {
				return nil, nil, fmt.Errorf("invalid port range %q: %w", part, err)
			}
			hi, err := strconv.Atoi(strings.TrimSpace(bounds[1]))
			if err != nil {
				return nil, nil, fmt.Errorf("invalid port range %q: %w", part, err)
			}
			if lo > hi || lo < 0 || hi > 65535 {
				return nil, nil, fmt.Errorf("port range out of order: %q", part)
			}
			ranges = append(ranges, [2]int{lo, hi})
			continue
		}
		p, err := strconv.Atoi(part)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port %q: %w", part, err)
		}
		if p < 0 || p > 65535 {
			return nil, nil, fmt.Errorf("port out of range: %d", p)
		}
		ports = append(ports, p)
	}

	return ports, ranges, nil
}

// MatchPortRule reports whether port satisfies a port expression as
// accepted by ParsePortRule. Malformed expressions never match.
func MatchPortRule(port int, rule string) bool {
	if rule == "" || rule == "any" {
		return true
	}
	ports, ranges, err := ParsePortRule(rule)
	if err != nil {
		return false
	}
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	for _, r := range ranges {
		if port >= r[0] && port <= r[1] {
			return true
		}
	}
	return false
}
