package rendezvous

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/saintparish4/hole/pkg/types"
)

// Entry is one row of the waiting table.
type Entry struct {
	Name         string         `json:"name"`
	Endpoint     types.Endpoint `json:"endpoint"`
	RegisteredAt time.Time      `json:"registered_at"`
	LastSeen     time.Time      `json:"last_seen"`
}

// Table maps peer names to the control endpoint observed on their last
// Register. Writes come from the receive loop only; reads may come from the
// admin surface, hence the lock.
type Table struct {
	entries map[string]*Entry
	mu      sync.RWMutex
}

// NewTable creates an empty waiting table.
func NewTable() *Table {
	return &Table{
		entries: make(map[string]*Entry),
	}
}

// Register stores ep under name, overwriting any previous address.
// It reports whether an entry already existed.
func (t *Table) Register(name string, ep types.Endpoint, now time.Time) (replaced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, exists := t.entries[name]; exists {
		e.Endpoint = ep
		e.RegisteredAt = now
		e.LastSeen = now
		return true
	}

	t.entries[name] = &Entry{
		Name:         name,
		Endpoint:     ep,
		RegisteredAt: now,
		LastSeen:     now,
	}
	return false
}

// Lookup returns the registered endpoint for name.
func (t *Table) Lookup(name string) (types.Endpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[name]
	if !ok {
		return types.Endpoint{}, false
	}
	return e.Endpoint, true
}

// Get returns a copy of the entry for name.
func (t *Table) Get(name string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Touch refreshes LastSeen for name without changing its address.
func (t *Table) Touch(name string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[name]
	if !ok {
		return false
	}
	e.LastSeen = now
	return true
}

// Remove deletes name from the table.
func (t *Table) Remove(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[name]; !ok {
		return false
	}
	delete(t.entries, name)
	return true
}

// Count returns the number of registered names.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot returns a copy of all entries sorted by name.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := maps.Keys(t.entries)
	slices.Sort(names)

	out := make([]Entry, 0, len(names))
	for _, name := range names {
		out = append(out, *t.entries[name])
	}
	return out
}

// CleanupStale removes entries not seen since now-ttl and returns their
// names, sorted.
func (t *Table) CleanupStale(ttl time.Duration, now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-ttl)
	var removed []string

	for name, e := range t.entries {
		if e.LastSeen.Before(cutoff) {
			delete(t.entries, name)
			removed = append(removed, name)
		}
	}

	slices.Sort(removed)
	return removed
}

// TableStats contains waiting table statistics.
type TableStats struct {
	Entries int
	Oldest  time.Time
}

// Stats returns table statistics.
func (t *Table) Stats() TableStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := TableStats{Entries: len(t.entries)}
	for _, e := range t.entries {
		if stats.Oldest.IsZero() || e.RegisteredAt.Before(stats.Oldest) {
			stats.Oldest = e.RegisteredAt
		}
	}
	return stats
}

func (s TableStats) String() string {
	return fmt.Sprintf("Entries=%d", s.Entries)
}
