package packet

import (
	"fmt"
	"strings"
	"time"
)

// Protocol numbers follow the IP protocol registry where one exists;
// ARP gets a synthetic value since it is not an IP protocol.
type Protocol uint8

const (
	ProtoAny  Protocol = 0
	ProtoICMP Protocol = 1
	ProtoTCP  Protocol = 6
	ProtoUDP  Protocol = 17
	ProtoARP  Protocol = 254
)

var protocolMap = map[Protocol]string{
	ProtoAny:  "ip",
	ProtoICMP: "icmp",
	ProtoTCP:  "tcp",
	ProtoUDP:  "udp",
	ProtoARP:  "arp",
}

func (p Protocol) String() string {
	if n, ok := protocolMap[p]; ok {
		return n
	}
	return "unknown"
}

// ParseProtocol maps a protocol name from a trace record to its enum
// value. "ip" and "any" both mean any IP protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "ip", "any", "":
		return ProtoAny, nil
	case "icmp":
		return ProtoICMP, nil
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	case "arp":
		return ProtoARP, nil
	}
	return 0, fmt.Errorf("unknown protocol: %q", s)
}

// TCPFlags is a bitset of TCP header flags.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

var flagLetters = []struct {
	letter byte
	flag   TCPFlags
}{
	{'F', FlagFIN},
	{'S', FlagSYN},
	{'R', FlagRST},
	{'P', FlagPSH},
	{'A', FlagACK},
	{'U', FlagURG},
}

// ParseFlags converts a Snort-style flag string such as "SA" into a
// bitset. Unknown letters are an error.
func ParseFlags(s string) (TCPFlags, error) {
	var f TCPFlags
	for i := 0; i < len(s); i++ {
		matched := false
		for _, fl := range flagLetters {
			if s[i] == fl.letter {
				f |= fl.flag
				matched = true
				break
			}
		}
		if !matched {
			return 0, fmt.Errorf("unknown tcp flag: %q", string(s[i]))
		}
	}
	return f, nil
}

// Has reports whether every flag in want is set.
func (f TCPFlags) Has(want TCPFlags) bool {
	return f&want == want
}

func (f TCPFlags) String() string {
	var b strings.Builder
	for _, fl := range flagLetters {
		if f&fl.flag != 0 {
			b.WriteByte(fl.letter)
		}
	}
	return b.String()
}

// Direction of a packet relative to the device processing it.
type Direction string

const (
	DirIn  Direction = "in"
	DirOut Direction = "out"
)

// ARP opcodes carried on the flat record when Protocol is ProtoARP.
const (
	ARPRequest = "request"
	ARPReply   = "reply"
)

// Packet is the flat record handed to the core by the simulator layer.
// All header fields are reduced to plain values; there is no byte-level
// frame here.
type Packet struct {
	SourceIP   string   `json:"sourceIP"`
	DestIP     string   `json:"destIP"`
	SourcePort int      `json:"sourcePort,omitempty"`
	DestPort   int      `json:"destPort,omitempty"`
	Protocol   Protocol `json:"protocol"`
	TCPFlags   TCPFlags `json:"tcpFlags,omitempty"`
	Payload    string   `json:"payload,omitempty"`

	// PayloadSize carries the payload length when the record omits the
	// payload string itself.
	PayloadSize int `json:"payloadSize,omitempty"`

	Size      int       `json:"size"`
	Interface string    `json:"interface,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	Zone      string    `json:"zone,omitempty"`
	ARPOp     string    `json:"arpOp,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// PayloadLen is the transported payload length in bytes: the explicit
// PayloadSize when set, else the length of the payload string.
func (p *Packet) PayloadLen() int {
	if p.PayloadSize > 0 {
		return p.PayloadSize
	}
	return len(p.Payload)
}

func (p *Packet) String() string {
	return fmt.Sprintf("src=%s:%d dst=%s:%d proto=%s flags=%s size=%d",
		p.SourceIP, p.SourcePort, p.DestIP, p.DestPort, p.Protocol, p.TCPFlags, p.Size)
}

func (p *Packet) Copy() *Packet {
	c := *p
	return &c
}

// IsDNSQuery reports whether the packet looks like a DNS query. The
// simulator carries the query name in the payload.
func (p *Packet) IsDNSQuery() bool {
	return p.Protocol == ProtoUDP && p.DestPort == 53 && p.Payload != ""
}
