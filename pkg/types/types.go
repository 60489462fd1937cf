package types

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// Endpoint represents a network endpoint with IP and UDP port.
// IPv4-mapped IPv6 addresses are always stored unmapped so that two
// observations of the same socket compare equal.
type Endpoint struct {
	IP   netip.Addr
	Port uint16
}

// ParseEndpoint parses an "ip:port" string.
func ParseEndpoint(s string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(strings.TrimSpace(s))
	if err != nil {
		return Endpoint{}, NewOpError("parse endpoint", err)
	}
	return EndpointFromAddrPort(ap), nil
}

// EndpointFromAddrPort converts a netip.AddrPort.
func EndpointFromAddrPort(ap netip.AddrPort) Endpoint {
	return Endpoint{IP: ap.Addr().Unmap(), Port: ap.Port()}
}

// EndpointFromAddr converts the source address reported by a socket read.
// Only UDP addresses are accepted.
func EndpointFromAddr(addr net.Addr) (Endpoint, error) {
	udp, ok := addr.(*net.UDPAddr)
	if !ok || udp == nil {
		return Endpoint{}, NewOpError("convert address", fmt.Errorf("not a UDP address: %v", addr))
	}
	ap, ok := netipx.FromStdAddr(udp.IP, udp.Port, udp.Zone)
	if !ok {
		return Endpoint{}, NewOpError("convert address", fmt.Errorf("invalid UDP address: %v", addr))
	}
	return EndpointFromAddrPort(ap), nil
}

// AddrPort returns the endpoint as a netip.AddrPort.
func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(e.IP, e.Port)
}

// UDPAddr returns the endpoint as a *net.UDPAddr for socket writes.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(e.AddrPort())
}

// IsValid reports whether the endpoint has an address and a non-zero port.
func (e Endpoint) IsValid() bool {
	return e.IP.IsValid() && e.Port != 0
}

// String returns a string representation of the endpoint
func (e Endpoint) String() string {
	if !e.IP.IsValid() {
		return "invalid"
	}
	return e.AddrPort().String()
}

func (e Endpoint) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Endpoint) UnmarshalText(b []byte) error {
	parsed, err := ParseEndpoint(string(b))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// PeerType describes which side of a pair is able to send the first,
// unsolicited packet.
type PeerType uint8

const (
	// PeerFull can originate the punch.
	PeerFull PeerType = iota
	// PeerPassive waits for an inbound packet before transmitting.
	PeerPassive
)

func (t PeerType) Valid() bool {
	return t == PeerFull || t == PeerPassive
}

func (t PeerType) String() string {
	switch t {
	case PeerFull:
		return "full"
	case PeerPassive:
		return "passive"
	default:
		return fmt.Sprintf("PeerType(%d)", uint8(t))
	}
}

// ParsePeerType accepts "full" or "passive", case-insensitively.
func ParsePeerType(s string) (PeerType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full", "":
		return PeerFull, nil
	case "passive":
		return PeerPassive, nil
	default:
		return 0, fmt.Errorf("unknown peer type %q (want full or passive)", s)
	}
}

func (t PeerType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid peer type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *PeerType) UnmarshalText(b []byte) error {
	parsed, err := ParsePeerType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// OpError represents a failed operation on the network path
type OpError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError creates a new operation error
func NewOpError(op string, err error) error {
	return &OpError{
		Op:  op,
		Err: err,
	}
}
