package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/hole/pkg/holepunch"
	"github.com/saintparish4/hole/pkg/types"
)

// newTestConnection starts a session on a loopback socket aimed at a
// second loopback socket that never answers.
func newTestConnection(t *testing.T, ctx context.Context, name string) *PeerConnection {
	t.Helper()

	conn, _, err := holepunch.PrepareLocalEndpoint("127.0.0.1:0")
	require.NoError(t, err)
	peer, peerEP, err := holepunch.PrepareLocalEndpoint("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	cfg := holepunch.DefaultConfig()
	cfg.LocalName = "me"
	cfg.RemoteName = name
	cfg.Remote = peerEP
	cfg.Intervals = holepunch.Intervals{PrePunched: time.Hour, AwaitingDiscovery: time.Hour}

	s, err := holepunch.Start(ctx, holepunch.NewOwnedLink(conn, 0, nil), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Stop()
		s.Wait()
	})
	return newPeerConnection(name, s, types.PeerFull)
}

func TestRegistryInsertAndGet(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	pc := newTestConnection(t, context.Background(), "bob")
	assert.Nil(t, r.Insert(pc))

	assert.Same(t, pc, r.Get("bob"))
	assert.Nil(t, r.Get("carol"))
	assert.Equal(t, 1, r.Count())
}

func TestRegistryInsertReplacesAndStops(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	old := newTestConnection(t, context.Background(), "bob")
	r.Insert(old)

	fresh := newTestConnection(t, context.Background(), "bob")
	replaced := r.Insert(fresh)

	assert.Same(t, old, replaced)
	select {
	case <-old.Done():
	default:
		t.Fatal("replaced connection still running")
	}
	assert.Same(t, fresh, r.Get("bob"))
	assert.Equal(t, 1, r.Count())
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	pc := newTestConnection(t, context.Background(), "bob")
	r.Insert(pc)

	assert.True(t, r.Remove("bob"))
	assert.False(t, r.Remove("bob"))

	select {
	case <-pc.Done():
	default:
		t.Fatal("removed connection still running")
	}
	assert.Equal(t, 0, r.Count())
}

func TestRegistryReapsEndedSessions(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	pc := newTestConnection(t, ctx, "bob")
	r.Insert(pc)

	cancel()
	assert.Eventually(t, func() bool { return r.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRegistryCallbacks(t *testing.T) {
	r := NewRegistry()
	var added, removed atomic.Int32
	r.OnAdded = func(*PeerConnection) { added.Add(1) }
	r.OnRemoved = func(*PeerConnection) { removed.Add(1) }

	r.Insert(newTestConnection(t, context.Background(), "bob"))
	r.Insert(newTestConnection(t, context.Background(), "bob"))
	r.Remove("bob")

	assert.Eventually(t, func() bool {
		return added.Load() == 2 && removed.Load() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRegistrySnapshotSorted(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	for _, name := range []string{"carol", "alice", "bob"} {
		r.Insert(newTestConnection(t, context.Background(), name))
	}

	assert.Equal(t, []string{"alice", "bob", "carol"}, r.Names())

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "alice", snap[0].Name)
	assert.Equal(t, holepunch.Punching, snap[0].Stats.State)
	assert.Contains(t, snap[0].String(), "alice")
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry()
	a := newTestConnection(t, context.Background(), "alice")
	b := newTestConnection(t, context.Background(), "bob")
	r.Insert(a)
	r.Insert(b)

	r.Close()
	assert.Equal(t, 0, r.Count())
	for _, pc := range []*PeerConnection{a, b} {
		select {
		case <-pc.Done():
		default:
			t.Fatal("connection survived registry close")
		}
	}
}
