// Package protocol defines the datagram formats spoken between peers and the
// rendezvous server.
//
// Every datagram is a single message:
//
//	version (1) | tag (1) | msgpack body
//
// Tags are grouped by family (client→server, server→client, peer→peer) in
// disjoint ranges, so decoding a datagram with the wrong family's decoder
// fails instead of silently producing a different variant.
package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Version is the only accepted wire version.
const Version byte = 0x01

// MaxDatagramSize is the largest message a receiver is prepared to read.
const MaxDatagramSize = 1024

const headerLen = 2

// Tag identifies a message variant on the wire.
type Tag byte

const (
	// Client -> Server
	TagRegister          Tag = 0x01
	TagPing              Tag = 0x02
	TagConnectionRequest Tag = 0x03

	// Server -> Client
	TagRegisterConfirmation Tag = 0x11
	TagPong                 Tag = 0x12
	TagIntroduction         Tag = 0x13
	TagConfirm              Tag = 0x14
	TagReject               Tag = 0x15

	// Peer -> Peer
	TagDiscover Tag = 0x21
	TagPeerPing Tag = 0x22
	TagPeerPong Tag = 0x23
)

var tagNames = map[Tag]string{
	TagRegister:             "Register",
	TagPing:                 "Ping",
	TagConnectionRequest:    "ConnectionRequest",
	TagRegisterConfirmation: "RegisterConfirmation",
	TagPong:                 "Pong",
	TagIntroduction:         "Introduction",
	TagConfirm:              "Confirm",
	TagReject:               "Reject",
	TagDiscover:             "Discover",
	TagPeerPing:             "PeerPing",
	TagPeerPong:             "PeerPong",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tag(0x%02x)", byte(t))
}

// Family is the channel a message travels on.
type Family uint8

const (
	FamilyClient Family = iota // client -> server
	FamilyServer               // server -> client
	FamilyPeer                 // peer -> peer
	familyUnknown
)

func (f Family) String() string {
	switch f {
	case FamilyClient:
		return "client"
	case FamilyServer:
		return "server"
	case FamilyPeer:
		return "peer"
	default:
		return "unknown"
	}
}

// Family returns the family a tag belongs to.
func (t Tag) Family() Family {
	if _, ok := tagNames[t]; !ok {
		return familyUnknown
	}
	switch t >> 4 {
	case 0:
		return FamilyClient
	case 1:
		return FamilyServer
	case 2:
		return FamilyPeer
	default:
		return familyUnknown
	}
}

// Message is implemented by every variant of every family.
type Message interface {
	Tag() Tag

	// validate checks the decoded fields. It also seals the interface to
	// this package.
	validate() error
}

// ErrTooLarge is returned by Encode when a message would not fit a datagram.
var ErrTooLarge = errors.New("message exceeds datagram size")

// Encode serializes a message into a single datagram.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("encode: nil message")
	}
	if err := msg.validate(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Tag(), err)
	}

	body, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Tag(), err)
	}

	out := make([]byte, 0, headerLen+len(body))
	out = append(out, Version, byte(msg.Tag()))
	out = append(out, body...)

	if len(out) > MaxDatagramSize {
		return nil, fmt.Errorf("encode %s (%d bytes): %w", msg.Tag(), len(out), ErrTooLarge)
	}
	return out, nil
}

// MustEncode is Encode for messages known to be valid. It panics on error.
func MustEncode(msg Message) []byte {
	b, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return b
}
