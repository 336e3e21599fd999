package types

import "strings"

// TransportProto is a SIP transport protocol name as it appears in the Via header, e.g. "UDP", "TCP", "TLS".
type TransportProto string

// Well-known transport protocols.
const (
	ProtoUDP TransportProto = "UDP"
	ProtoTCP TransportProto = "TCP"
	ProtoTLS TransportProto = "TLS"
)

func (p TransportProto) ToUpper() TransportProto { return TransportProto(strings.ToUpper(string(p))) }

func (p TransportProto) IsValid() bool {
	if p == "" {
		return false
	}
	for _, r := range p {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
			return false
		}
	}
	return true
}

// Equal compares protocols case-insensitively.
func (p TransportProto) Equal(other TransportProto) bool { return strings.EqualFold(string(p), string(other)) }

// Reliable reports whether the protocol is a reliable one.
func (p TransportProto) Reliable() bool { return !p.Equal(ProtoUDP) }

// Secured reports whether the protocol is a secured one.
func (p TransportProto) Secured() bool { return p.Equal(ProtoTLS) }

// Network returns the name of the network suitable for the net package.
func (p TransportProto) Network() string {
	if p.Equal(ProtoUDP) {
		return "udp"
	}
	return "tcp"
}

// DefaultPort returns the default well-known port of the protocol.
func (p TransportProto) DefaultPort() uint16 {
	if p.Secured() {
		return 5061
	}
	return 5060
}
