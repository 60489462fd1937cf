package rendezvous

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/hole/pkg/types"
)

func ep(t *testing.T, s string) types.Endpoint {
	t.Helper()
	e, err := types.ParseEndpoint(s)
	require.NoError(t, err)
	return e
}

func TestTableRegisterAndLookup(t *testing.T) {
	table := NewTable()
	now := time.Now()

	assert.False(t, table.Register("alice", ep(t, "10.0.0.1:4000"), now))
	assert.True(t, table.Register("alice", ep(t, "10.0.0.2:5000"), now.Add(time.Second)))

	got, ok := table.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, ep(t, "10.0.0.2:5000"), got)
	assert.Equal(t, 1, table.Count())

	_, ok = table.Lookup("bob")
	assert.False(t, ok)
}

func TestTableTouchKeepsAddress(t *testing.T) {
	table := NewTable()
	now := time.Now()
	table.Register("alice", ep(t, "10.0.0.1:4000"), now)

	assert.True(t, table.Touch("alice", now.Add(time.Minute)))
	assert.False(t, table.Touch("bob", now))

	e, ok := table.Get("alice")
	require.True(t, ok)
	assert.Equal(t, ep(t, "10.0.0.1:4000"), e.Endpoint)
	assert.Equal(t, now, e.RegisteredAt)
	assert.Equal(t, now.Add(time.Minute), e.LastSeen)
}

func TestTableSnapshotSorted(t *testing.T) {
	table := NewTable()
	now := time.Now()
	for _, name := range []string{"carol", "alice", "bob"} {
		table.Register(name, ep(t, "10.0.0.1:4000"), now)
	}

	snap := table.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "alice", snap[0].Name)
	assert.Equal(t, "bob", snap[1].Name)
	assert.Equal(t, "carol", snap[2].Name)

	// Snapshot entries are copies.
	snap[0].Name = "mutated"
	e, _ := table.Get("alice")
	assert.Equal(t, "alice", e.Name)
}

func TestTableCleanupStale(t *testing.T) {
	table := NewTable()
	now := time.Now()
	table.Register("old", ep(t, "10.0.0.1:4000"), now.Add(-10*time.Minute))
	table.Register("fresh", ep(t, "10.0.0.2:4000"), now)
	table.Register("touched", ep(t, "10.0.0.3:4000"), now.Add(-10*time.Minute))
	table.Touch("touched", now)

	removed := table.CleanupStale(5*time.Minute, now)
	assert.Equal(t, []string{"old"}, removed)
	assert.Equal(t, 2, table.Count())
}

func TestTableRemove(t *testing.T) {
	table := NewTable()
	table.Register("alice", ep(t, "10.0.0.1:4000"), time.Now())

	assert.True(t, table.Remove("alice"))
	assert.False(t, table.Remove("alice"))
	assert.Equal(t, 0, table.Count())
}

func TestTableStats(t *testing.T) {
	table := NewTable()
	now := time.Now()
	table.Register("a", ep(t, "10.0.0.1:1"), now)
	table.Register("b", ep(t, "10.0.0.1:2"), now.Add(-time.Hour))

	stats := table.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, now.Add(-time.Hour), stats.Oldest)
	assert.Equal(t, "Entries=2", stats.String())
}

func TestTableConcurrentAccess(t *testing.T) {
	table := NewTable()
	addr := ep(t, "10.0.0.1:4000")
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				table.Register("peer", addr, time.Now())
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				table.Snapshot()
				table.Lookup("peer")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, table.Count())
}
