// Package stun is a minimal RFC 5389 Binding client used to report the
// NAT-mapped address of a local socket.
package stun

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/saintparish4/hole/pkg/types"
)

const (
	// STUN message constants from RFC 5389
	magicCookie         = 0x2112A442
	bindingRequest      = 0x0001
	bindingResponse     = 0x0101
	xorMappedAddress    = 0x0020
	messageHeaderSize   = 20
	transactionIDSize   = 12
	attributeHeaderSize = 4

	// Address family constants
	familyIPv4 = 0x01
	familyIPv6 = 0x02
)

// DefaultServer is a public STUN server.
const DefaultServer = "stun.l.google.com:19302"

var errNoMappedAddress = errors.New("XOR-MAPPED-ADDRESS attribute not found")

// Client represents a STUN client
type Client struct {
	ServerAddr string
	Timeout    time.Duration
}

// NewClient creates a new STUN client
func NewClient(serverAddr string) *Client {
	if serverAddr == "" {
		serverAddr = DefaultServer
	}
	return &Client{
		ServerAddr: serverAddr,
		Timeout:    5 * time.Second,
	}
}

// Discover binds a fresh socket and returns its public endpoint as seen by
// the STUN server.
func (c *Client) Discover(ctx context.Context) (types.Endpoint, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return types.Endpoint{}, types.NewOpError("stun listen", err)
	}
	defer conn.Close()

	return c.DiscoverFrom(ctx, conn)
}

// DiscoverFrom sends a Binding Request from conn. The caller must not be
// reading from conn concurrently.
func (c *Client) DiscoverFrom(ctx context.Context, conn *net.UDPConn) (types.Endpoint, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", c.ServerAddr)
	if err != nil {
		return types.Endpoint{}, types.NewOpError("stun resolve", err)
	}

	deadline := time.Now().Add(c.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return types.Endpoint{}, types.NewOpError("stun set deadline", err)
	}
	defer conn.SetDeadline(time.Time{})

	// Unblock the read on cancellation.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	transactionID := make([]byte, transactionIDSize)
	if _, err := rand.Read(transactionID); err != nil {
		return types.Endpoint{}, types.NewOpError("stun transaction id", err)
	}

	if _, err := conn.WriteToUDP(buildBindingRequest(transactionID), serverAddr); err != nil {
		return types.Endpoint{}, types.NewOpError("stun send", err)
	}

	response := make([]byte, 1500) // MTU size
	for {
		n, from, err := conn.ReadFromUDP(response)
		if err != nil {
			if ctx.Err() != nil {
				return types.Endpoint{}, ctx.Err()
			}
			return types.Endpoint{}, types.NewOpError("stun read", err)
		}
		// Ignore anything that is not from the STUN server.
		if !from.IP.Equal(serverAddr.IP) || from.Port != serverAddr.Port {
			continue
		}

		endpoint, err := parseBindingResponse(response[:n], transactionID)
		if err != nil {
			return types.Endpoint{}, types.NewOpError("stun parse", err)
		}
		return endpoint, nil
	}
}

// buildBindingRequest creates a STUN Binding Request message
func buildBindingRequest(transactionID []byte) []byte {
	// STUN message header (20 bytes):
	// 0-1: Message Type
	// 2-3: Message Length (0 for no attributes)
	// 4-7: Magic Cookie
	// 8-19: Transaction ID
	msg := make([]byte, messageHeaderSize)
	binary.BigEndian.PutUint16(msg[0:2], bindingRequest)
	binary.BigEndian.PutUint16(msg[2:4], 0)
	binary.BigEndian.PutUint32(msg[4:8], magicCookie)
	copy(msg[8:20], transactionID)
	return msg
}

// parseBindingResponse parses a STUN Binding Response and extracts the XOR-MAPPED-ADDRESS
func parseBindingResponse(response []byte, expectedTransactionID []byte) (types.Endpoint, error) {
	if len(response) < messageHeaderSize {
		return types.Endpoint{}, fmt.Errorf("response too short: %d bytes", len(response))
	}

	messageType := binary.BigEndian.Uint16(response[0:2])
	messageLength := binary.BigEndian.Uint16(response[2:4])
	receivedMagicCookie := binary.BigEndian.Uint32(response[4:8])
	receivedTransactionID := response[8:20]

	if messageType != bindingResponse {
		return types.Endpoint{}, fmt.Errorf("unexpected message type: 0x%04x (expected 0x%04x)", messageType, bindingResponse)
	}
	if receivedMagicCookie != magicCookie {
		return types.Endpoint{}, fmt.Errorf("invalid magic cookie: 0x%08x", receivedMagicCookie)
	}
	if !bytes.Equal(receivedTransactionID, expectedTransactionID) {
		return types.Endpoint{}, errors.New("transaction ID mismatch")
	}
	if len(response) < messageHeaderSize+int(messageLength) {
		return types.Endpoint{}, fmt.Errorf("incomplete message: got %d bytes, expected %d", len(response), messageHeaderSize+int(messageLength))
	}

	payload := response[messageHeaderSize : messageHeaderSize+int(messageLength)]
	return parseAttributes(payload, receivedTransactionID)
}

// parseAttributes walks the attribute list and decodes the first
// XOR-MAPPED-ADDRESS.
func parseAttributes(payload []byte, transactionID []byte) (types.Endpoint, error) {
	pos := 0

	for pos+attributeHeaderSize <= len(payload) {
		attrType := binary.BigEndian.Uint16(payload[pos : pos+2])
		attrLength := int(binary.BigEndian.Uint16(payload[pos+2 : pos+4]))
		pos += attributeHeaderSize

		if pos+attrLength > len(payload) {
			return types.Endpoint{}, fmt.Errorf("incomplete attribute: type=0x%04x, length=%d", attrType, attrLength)
		}

		if attrType == xorMappedAddress {
			endpoint, err := decodeXORMappedAddress(payload[pos:pos+attrLength], transactionID)
			if err != nil {
				return types.Endpoint{}, fmt.Errorf("decode XOR-MAPPED-ADDRESS: %w", err)
			}
			return endpoint, nil
		}

		// Attributes are padded to 4-byte boundaries.
		pos += attrLength
		if pad := attrLength % 4; pad != 0 {
			pos += 4 - pad
		}
	}

	return types.Endpoint{}, errNoMappedAddress
}

// decodeXORMappedAddress decodes the XOR-MAPPED-ADDRESS attribute
// (RFC 5389 Section 15.2).
func decodeXORMappedAddress(value []byte, transactionID []byte) (types.Endpoint, error) {
	if len(value) < 4 {
		return types.Endpoint{}, fmt.Errorf("value too short: %d bytes", len(value))
	}

	family := value[1]
	port := binary.BigEndian.Uint16(value[2:4]) ^ uint16(magicCookie>>16)

	var addr netip.Addr
	switch family {
	case familyIPv4:
		if len(value) < 8 {
			return types.Endpoint{}, fmt.Errorf("IPv4 address too short: %d bytes", len(value))
		}
		var ip [4]byte
		binary.BigEndian.PutUint32(ip[:], binary.BigEndian.Uint32(value[4:8])^magicCookie)
		addr = netip.AddrFrom4(ip)

	case familyIPv6:
		if len(value) < 20 {
			return types.Endpoint{}, fmt.Errorf("IPv6 address too short: %d bytes", len(value))
		}
		// XOR key is the magic cookie followed by the transaction ID.
		var key, ip [16]byte
		binary.BigEndian.PutUint32(key[0:4], magicCookie)
		copy(key[4:16], transactionID)
		for i := range ip {
			ip[i] = value[4+i] ^ key[i]
		}
		addr = netip.AddrFrom16(ip)

	default:
		return types.Endpoint{}, fmt.Errorf("unsupported address family: 0x%02x", family)
	}

	return types.EndpointFromAddrPort(netip.AddrPortFrom(addr, port)), nil
}
