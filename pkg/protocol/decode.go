package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// DecodeError reports a datagram that is not a valid message of the
// expected family. Receivers log it and drop the datagram.
type DecodeError struct {
	Want   Family
	Tag    Tag
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode %s message", e.Want)
	if e.Tag != 0 {
		msg += fmt.Sprintf(" (%s)", e.Tag)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is (or wraps) a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// DecodeClient parses a datagram received by the rendezvous server.
func DecodeClient(b []byte) (ClientMessage, error) {
	tag, body, err := splitHeader(b, FamilyClient)
	if err != nil {
		return nil, err
	}

	var msg ClientMessage
	switch tag {
	case TagRegister:
		msg = &Register{}
	case TagPing:
		msg = &Ping{}
	case TagConnectionRequest:
		msg = &ConnectionRequest{}
	}

	if err := decodeBody(FamilyClient, tag, body, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeServer parses a datagram received from the rendezvous server.
func DecodeServer(b []byte) (ServerMessage, error) {
	tag, body, err := splitHeader(b, FamilyServer)
	if err != nil {
		return nil, err
	}

	var msg ServerMessage
	switch tag {
	case TagRegisterConfirmation:
		msg = &RegisterConfirmation{}
	case TagPong:
		msg = &Pong{}
	case TagIntroduction:
		msg = &Introduction{}
	case TagConfirm:
		msg = &Confirm{}
	case TagReject:
		msg = &Reject{}
	}

	if err := decodeBody(FamilyServer, tag, body, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodePeer parses a datagram received on a peer session.
func DecodePeer(b []byte) (PeerMessage, error) {
	tag, body, err := splitHeader(b, FamilyPeer)
	if err != nil {
		return nil, err
	}

	var msg PeerMessage
	switch tag {
	case TagDiscover:
		msg = &Discover{}
	case TagPeerPing:
		msg = &PeerPing{}
	case TagPeerPong:
		msg = &PeerPong{}
	}

	if err := decodeBody(FamilyPeer, tag, body, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func splitHeader(b []byte, want Family) (Tag, []byte, error) {
	if len(b) < headerLen {
		return 0, nil, &DecodeError{Want: want, Reason: fmt.Sprintf("datagram too short (%d bytes)", len(b))}
	}
	if b[0] != Version {
		return 0, nil, &DecodeError{Want: want, Reason: fmt.Sprintf("unsupported version 0x%02x", b[0])}
	}

	tag := Tag(b[1])
	switch fam := tag.Family(); {
	case fam == familyUnknown:
		return 0, nil, &DecodeError{Want: want, Tag: tag, Reason: "unknown tag"}
	case fam != want:
		return 0, nil, &DecodeError{Want: want, Tag: tag, Reason: fmt.Sprintf("%s message on %s channel", fam, want)}
	}
	return tag, b[headerLen:], nil
}

func decodeBody(want Family, tag Tag, body []byte, msg Message) error {
	if err := msgpack.Unmarshal(body, msg); err != nil {
		return &DecodeError{Want: want, Tag: tag, Reason: "malformed body", Err: err}
	}
	if err := msg.validate(); err != nil {
		return &DecodeError{Want: want, Tag: tag, Reason: "invalid fields", Err: err}
	}
	return nil
}
