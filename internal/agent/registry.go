package agent

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/saintparish4/hole/pkg/holepunch"
	"github.com/saintparish4/hole/pkg/types"
)

// PeerConnection is a live session with one named peer.
type PeerConnection struct {
	Name      string
	Remote    types.Endpoint
	PeerType  types.PeerType
	Mode      holepunch.KeepaliveMode
	CreatedAt time.Time

	session *holepunch.Session
}

func newPeerConnection(name string, s *holepunch.Session, peerType types.PeerType) *PeerConnection {
	return &PeerConnection{
		Name:      name,
		Remote:    s.Remote(),
		PeerType:  peerType,
		Mode:      s.Mode(),
		CreatedAt: time.Now(),
		session:   s,
	}
}

// Session returns the underlying session.
func (pc *PeerConnection) Session() *holepunch.Session { return pc.session }

// State returns the session state.
func (pc *PeerConnection) State() holepunch.State { return pc.session.State() }

// Done is closed when the session has ended.
func (pc *PeerConnection) Done() <-chan struct{} { return pc.session.Done() }

// Stop signals the session to end and waits for it.
func (pc *PeerConnection) Stop() {
	pc.session.Stop()
	<-pc.session.Done()
}

// PeerInfo is a read-only view of a PeerConnection.
type PeerInfo struct {
	Name     string
	Remote   types.Endpoint
	PeerType types.PeerType
	Mode     holepunch.KeepaliveMode
	Stats    holepunch.Stats
	Age      time.Duration
}

func (pc *PeerConnection) Info() PeerInfo {
	return PeerInfo{
		Name:     pc.Name,
		Remote:   pc.Remote,
		PeerType: pc.PeerType,
		Mode:     pc.Mode,
		Stats:    pc.session.Stats(),
		Age:      time.Since(pc.CreatedAt).Round(time.Second),
	}
}

func (i PeerInfo) String() string {
	return fmt.Sprintf("%s %s %s/%s pings=%d pongs=%d",
		i.Name, i.Remote, i.Stats.State, i.Mode, i.Stats.PingsSent, i.Stats.PongsRecv)
}

// Registry holds at most one live PeerConnection per peer name.
type Registry struct {
	conns map[string]*PeerConnection
	mu    sync.RWMutex

	// Callbacks for lifecycle events (optional)
	OnAdded   func(pc *PeerConnection)
	OnRemoved func(pc *PeerConnection)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*PeerConnection),
	}
}

// Insert stores pc under its name. A connection already stored under that
// name is stopped and returned. Once pc's session ends on its own, pc is
// removed.
func (r *Registry) Insert(pc *PeerConnection) (replaced *PeerConnection) {
	r.mu.Lock()
	replaced = r.conns[pc.Name]
	r.conns[pc.Name] = pc
	r.mu.Unlock()

	if replaced != nil {
		replaced.Stop()
		r.notifyRemoved(replaced)
	}
	if r.OnAdded != nil {
		go r.OnAdded(pc)
	}

	go r.reap(pc)
	return replaced
}

// reap removes pc once its session ends, unless it was replaced already.
func (r *Registry) reap(pc *PeerConnection) {
	<-pc.Done()

	r.mu.Lock()
	current := r.conns[pc.Name] == pc
	if current {
		delete(r.conns, pc.Name)
	}
	r.mu.Unlock()

	if current {
		r.notifyRemoved(pc)
	}
}

func (r *Registry) notifyRemoved(pc *PeerConnection) {
	if r.OnRemoved != nil {
		go r.OnRemoved(pc)
	}
}

// Get returns the connection for name, or nil.
func (r *Registry) Get(name string) *PeerConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[name]
}

// Remove stops the connection for name and waits for it to end.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	pc, exists := r.conns[name]
	if exists {
		delete(r.conns, name)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}
	pc.Stop()
	r.notifyRemoved(pc)
	return true
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Names returns the names of all connections, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := maps.Keys(r.conns)
	r.mu.RUnlock()

	slices.Sort(names)
	return names
}

// Snapshot returns info for every connection, sorted by name.
func (r *Registry) Snapshot() []PeerInfo {
	r.mu.RLock()
	conns := maps.Values(r.conns)
	r.mu.RUnlock()

	out := make([]PeerInfo, 0, len(conns))
	for _, pc := range conns {
		out = append(out, pc.Info())
	}
	slices.SortFunc(out, func(a, b PeerInfo) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

// Close stops every connection and waits for all of them.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := maps.Values(r.conns)
	r.conns = make(map[string]*PeerConnection)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, pc := range conns {
		wg.Add(1)
		go func(pc *PeerConnection) {
			defer wg.Done()
			pc.Stop()
			r.notifyRemoved(pc)
		}(pc)
	}
	wg.Wait()
}
