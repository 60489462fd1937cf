package holepunch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/hole/pkg/protocol"
)

func startMux(t *testing.T) (*Mux, context.CancelFunc) {
	t.Helper()
	conn, _ := listenLoopback(t)
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMux(conn, 8, nil)
	m.Start(ctx)
	t.Cleanup(cancel)
	return m, cancel
}

func recvDatagram(t *testing.T, ch <-chan Datagram) Datagram {
	t.Helper()
	select {
	case dg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return dg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for datagram")
		return Datagram{}
	}
}

func TestMuxRoutesBySource(t *testing.T) {
	m, _ := startMux(t)
	muxEP := mustEndpoint(t, m.LocalAddr().String())

	peerConn, peerEP := listenLoopback(t)
	otherConn, otherEP := listenLoopback(t)

	link, err := m.Link(peerEP, 4)
	require.NoError(t, err)
	defer link.Close()

	sendPeer(t, peerConn, muxEP, &protocol.PeerPing{})
	sendPeer(t, otherConn, muxEP, &protocol.PeerPong{})

	dg := recvDatagram(t, link.Inbound())
	assert.Equal(t, peerEP, dg.From)

	dg = recvDatagram(t, m.Fallback())
	assert.Equal(t, otherEP, dg.From)
}

func TestMuxDuplicateRoute(t *testing.T) {
	m, _ := startMux(t)
	_, peerEP := listenLoopback(t)

	first, err := m.Link(peerEP, 0)
	require.NoError(t, err)

	_, err = m.Link(peerEP, 0)
	assert.ErrorIs(t, err, ErrRouteExists)

	require.NoError(t, first.Close())
	assert.Equal(t, 0, m.Routes())

	second, err := m.Link(peerEP, 0)
	require.NoError(t, err)
	second.Close()
}

func TestMuxLinkCloseLeavesSocketOpen(t *testing.T) {
	m, _ := startMux(t)
	muxEP := mustEndpoint(t, m.LocalAddr().String())
	peerConn, peerEP := listenLoopback(t)

	link, err := m.Link(peerEP, 0)
	require.NoError(t, err)
	require.NoError(t, link.Close())
	assert.ErrorIs(t, link.Send([]byte("x"), peerEP), ErrLinkClosed)

	// Once unrouted, the same source lands on the fallback queue.
	sendPeer(t, peerConn, muxEP, &protocol.PeerPing{})
	dg := recvDatagram(t, m.Fallback())
	assert.Equal(t, peerEP, dg.From)
}

func TestMuxCloseEndsFallback(t *testing.T) {
	m, cancel := startMux(t)
	cancel()

	select {
	case _, ok := <-m.Fallback():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("fallback channel not closed after cancel")
	}

	_, err := m.Link(mustEndpoint(t, "127.0.0.1:9"), 0)
	assert.ErrorIs(t, err, ErrLinkClosed)
}

func TestSessionOverMuxLink(t *testing.T) {
	m, _ := startMux(t)
	muxEP := mustEndpoint(t, m.LocalAddr().String())
	peerConn, peerEP := listenLoopback(t)

	link, err := m.Link(peerEP, 0)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.LocalName = "bob"
	cfg.Remote = peerEP

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := Start(ctx, link, cfg)
	require.NoError(t, err)

	msg, from := readPeer(t, peerConn, time.Second)
	assert.IsType(t, &protocol.Discover{}, msg)
	assert.Equal(t, muxEP, from)

	s.Stop()
	require.NoError(t, s.Wait())
	assert.Equal(t, 0, m.Routes(), "stopping the session must release its route")
}
