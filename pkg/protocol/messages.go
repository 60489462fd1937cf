package protocol

import (
	"errors"

	"github.com/saintparish4/hole/pkg/types"
)

var errNameRequired = errors.New("name is required")

// --- Client -> Server ---

// ClientMessage is a message sent by a peer agent to the rendezvous server.
type ClientMessage interface {
	Message
	clientMessage()
}

// Register records the sender's observed address under Name.
type Register struct {
	Name string `msgpack:"name"`
}

// Ping is a liveness probe towards the server.
type Ping struct {
	Name string `msgpack:"name"`
}

// ConnectionRequest asks the server to introduce From to To.
type ConnectionRequest struct {
	From     string         `msgpack:"from"`
	To       string         `msgpack:"to"`
	PeerType types.PeerType `msgpack:"peer_type"`
}

func (*Register) Tag() Tag          { return TagRegister }
func (*Ping) Tag() Tag              { return TagPing }
func (*ConnectionRequest) Tag() Tag { return TagConnectionRequest }

func (*Register) clientMessage()          {}
func (*Ping) clientMessage()              {}
func (*ConnectionRequest) clientMessage() {}

func (m *Register) validate() error { return requireName(m.Name) }
func (m *Ping) validate() error     { return requireName(m.Name) }

func (m *ConnectionRequest) validate() error {
	if m.From == "" || m.To == "" {
		return errors.New("from and to are required")
	}
	if !m.PeerType.Valid() {
		return errors.New("invalid peer type")
	}
	return nil
}

// --- Server -> Client ---

// ServerMessage is a message sent by the rendezvous server to a peer agent.
type ServerMessage interface {
	Message
	serverMessage()
}

// RegisterConfirmation acknowledges a Register.
type RegisterConfirmation struct {
	Name string `msgpack:"name"`
}

// Pong answers a Ping.
type Pong struct {
	Name string `msgpack:"name"`
}

// Introduction is a ConnectionRequest forwarded to its target. Address is
// the requester's address as observed on the request datagram.
type Introduction struct {
	Name     string         `msgpack:"name"`
	Address  string         `msgpack:"address"`
	PeerType types.PeerType `msgpack:"peer_type"`
}

// Confirm tells a requester that its target was found at Address.
type Confirm struct {
	Name    string `msgpack:"name"`
	Address string `msgpack:"address"`
}

// Reject tells a requester that its target is not registered.
type Reject struct {
	Name string `msgpack:"name"`
}

func (*RegisterConfirmation) Tag() Tag { return TagRegisterConfirmation }
func (*Pong) Tag() Tag                 { return TagPong }
func (*Introduction) Tag() Tag         { return TagIntroduction }
func (*Confirm) Tag() Tag              { return TagConfirm }
func (*Reject) Tag() Tag               { return TagReject }

func (*RegisterConfirmation) serverMessage() {}
func (*Pong) serverMessage()                 {}
func (*Introduction) serverMessage()         {}
func (*Confirm) serverMessage()              {}
func (*Reject) serverMessage()               {}

func (m *RegisterConfirmation) validate() error { return requireName(m.Name) }
func (m *Pong) validate() error                 { return requireName(m.Name) }
func (m *Reject) validate() error               { return requireName(m.Name) }

func (m *Introduction) validate() error {
	if err := requireName(m.Name); err != nil {
		return err
	}
	if m.Address == "" {
		return errors.New("address is required")
	}
	if !m.PeerType.Valid() {
		return errors.New("invalid peer type")
	}
	return nil
}

func (m *Confirm) validate() error {
	if err := requireName(m.Name); err != nil {
		return err
	}
	if m.Address == "" {
		return errors.New("address is required")
	}
	return nil
}

// Endpoint parses the carried address.
func (m *Introduction) Endpoint() (types.Endpoint, error) {
	return types.ParseEndpoint(m.Address)
}

// Endpoint parses the carried address.
func (m *Confirm) Endpoint() (types.Endpoint, error) {
	return types.ParseEndpoint(m.Address)
}

// --- Peer -> Peer ---

// PeerMessage travels directly between two punched endpoints.
type PeerMessage interface {
	Message
	peerMessage()
}

// Discover is the punch packet and greeting.
type Discover struct {
	Name string `msgpack:"name"`
}

// PeerPing is the session keepalive.
type PeerPing struct{}

// PeerPong answers a PeerPing.
type PeerPong struct{}

func (*Discover) Tag() Tag { return TagDiscover }
func (*PeerPing) Tag() Tag { return TagPeerPing }
func (*PeerPong) Tag() Tag { return TagPeerPong }

func (*Discover) peerMessage() {}
func (*PeerPing) peerMessage() {}
func (*PeerPong) peerMessage() {}

func (m *Discover) validate() error { return requireName(m.Name) }
func (*PeerPing) validate() error   { return nil }
func (*PeerPong) validate() error   { return nil }

func requireName(name string) error {
	if name == "" {
		return errNameRequired
	}
	return nil
}
