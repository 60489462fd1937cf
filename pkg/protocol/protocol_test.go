package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/hole/pkg/types"
)

func TestEncodeHeader(t *testing.T) {
	b, err := Encode(&Register{Name: "alice"})
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(b), headerLen)
	assert.Equal(t, Version, b[0])
	assert.Equal(t, byte(TagRegister), b[1])
}

func TestDecodeClientConnectionRequest(t *testing.T) {
	in := &ConnectionRequest{From: "alice", To: "bob", PeerType: types.PeerPassive}

	msg, err := DecodeClient(MustEncode(in))
	require.NoError(t, err)

	req, ok := msg.(*ConnectionRequest)
	require.True(t, ok, "expected *ConnectionRequest, got %T", msg)
	assert.Equal(t, in, req)
}

func TestDecodeServerIntroductionEndpoint(t *testing.T) {
	in := &Introduction{Name: "alice", Address: "198.51.100.7:40000", PeerType: types.PeerFull}

	msg, err := DecodeServer(MustEncode(in))
	require.NoError(t, err)

	intro := msg.(*Introduction)
	ep, err := intro.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7:40000", ep.String())
}

func TestDecodePeerEmptyVariants(t *testing.T) {
	msg, err := DecodePeer(MustEncode(&PeerPing{}))
	require.NoError(t, err)
	assert.IsType(t, &PeerPing{}, msg)

	msg, err = DecodePeer(MustEncode(&PeerPong{}))
	require.NoError(t, err)
	assert.IsType(t, &PeerPong{}, msg)
}

func TestDecodeWrongFamily(t *testing.T) {
	// A server Pong must not decode as a client message and vice versa.
	_, err := DecodeClient(MustEncode(&Pong{Name: "alice"}))
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))
	assert.Contains(t, err.Error(), "server message on client channel")

	_, err = DecodePeer(MustEncode(&Ping{Name: "alice"}))
	assert.True(t, IsDecodeError(err))

	_, err = DecodeServer(MustEncode(&Discover{Name: "alice"}))
	assert.True(t, IsDecodeError(err))
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		reason string
	}{
		{"empty", nil, "too short"},
		{"one byte", []byte{Version}, "too short"},
		{"bad version", []byte{0x7f, byte(TagRegister), 0x80}, "unsupported version"},
		{"unknown tag", []byte{Version, 0x09, 0x80}, "unknown tag"},
		{"garbage body", []byte{Version, byte(TagRegister), 0xc1}, "malformed body"},
		{"missing name", []byte{Version, byte(TagRegister), 0x80}, "invalid fields"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeClient(tt.data)
			require.Error(t, err)
			assert.True(t, IsDecodeError(err))
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	_, err := Encode(&ConnectionRequest{From: "alice"})
	assert.Error(t, err)

	_, err = Encode(&Introduction{Name: "alice", Address: "1.2.3.4:5", PeerType: types.PeerType(9)})
	assert.Error(t, err)

	_, err = Encode(nil)
	assert.Error(t, err)
}

func TestEncodeTooLarge(t *testing.T) {
	_, err := Encode(&Register{Name: strings.Repeat("x", MaxDatagramSize)})
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestTagFamily(t *testing.T) {
	assert.Equal(t, FamilyClient, TagConnectionRequest.Family())
	assert.Equal(t, FamilyServer, TagReject.Family())
	assert.Equal(t, FamilyPeer, TagDiscover.Family())
	assert.Equal(t, familyUnknown, Tag(0x2f).Family())
	assert.Equal(t, "Tag(0x2f)", Tag(0x2f).String())
}
