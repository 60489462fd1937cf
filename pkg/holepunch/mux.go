package holepunch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/saintparish4/hole/pkg/types"
)

// ErrRouteExists is returned when a second link is requested for a remote
// endpoint that already has one on the same Mux.
var ErrRouteExists = errors.New("remote endpoint already routed")

// Mux shares one UDP socket between a control reader and any number of
// sessions. Datagrams are routed by source endpoint; anything without a
// route goes to the fallback queue.
type Mux struct {
	conn   *net.UDPConn
	logger *slog.Logger

	mu     sync.RWMutex
	routes map[netip.AddrPort]*muxLink

	fallback chan Datagram
	done     chan struct{}
	once     sync.Once
}

// NewMux wraps conn. Call Start to begin reading.
func NewMux(conn *net.UDPConn, fallbackQueue int, logger *slog.Logger) *Mux {
	if fallbackQueue <= 0 {
		fallbackQueue = DefaultQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		conn:     conn,
		logger:   logger,
		routes:   make(map[netip.AddrPort]*muxLink),
		fallback: make(chan Datagram, fallbackQueue),
		done:     make(chan struct{}),
	}
}

// Start runs the read loop until ctx is cancelled or the Mux is closed.
func (m *Mux) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			m.Close()
		case <-m.done:
		}
	}()
	go m.readLoop()
}

func (m *Mux) readLoop() {
	defer close(m.fallback)

	buf := make([]byte, BufferSize)
	for {
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-m.done:
				return
			default:
			}
			m.logger.Debug("mux read error", "err", err)
			continue
		}

		from, err := types.EndpointFromAddr(addr)
		if err != nil {
			m.logger.Debug("mux dropping datagram", "err", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		m.dispatch(Datagram{Data: data, From: from})
	}
}

func (m *Mux) dispatch(dg Datagram) {
	m.mu.RLock()
	link := m.routes[dg.From.AddrPort()]
	m.mu.RUnlock()

	if link != nil {
		select {
		case link.in <- dg:
		case <-link.done:
		default:
			m.logger.Warn("session queue full, dropping datagram", "from", dg.From)
		}
		return
	}

	select {
	case m.fallback <- dg:
	default:
		m.logger.Warn("control queue full, dropping datagram", "from", dg.From)
	}
}

// Fallback delivers datagrams whose source has no route. It is closed when
// the Mux stops reading.
func (m *Mux) Fallback() <-chan Datagram {
	return m.fallback
}

// Link registers a route for remote and returns a Link that receives only
// datagrams from it. Closing the link removes the route but leaves the
// socket open.
func (m *Mux) Link(remote types.Endpoint, queue int) (Link, error) {
	if queue <= 0 {
		queue = DefaultQueue
	}
	key := remote.AddrPort()

	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.done:
		return nil, ErrLinkClosed
	default:
	}
	if _, exists := m.routes[key]; exists {
		return nil, fmt.Errorf("%s: %w", remote, ErrRouteExists)
	}

	l := &muxLink{
		mux:    m,
		remote: key,
		in:     make(chan Datagram, queue),
		done:   make(chan struct{}),
	}
	m.routes[key] = l
	return l, nil
}

func (m *Mux) unroute(l *muxLink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.routes[l.remote] == l {
		delete(m.routes, l.remote)
	}
}

// Routes returns the number of registered links.
func (m *Mux) Routes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.routes)
}

// Send writes a datagram on the shared socket.
func (m *Mux) Send(b []byte, to types.Endpoint) error {
	if _, err := m.conn.WriteToUDP(b, to.UDPAddr()); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

func (m *Mux) LocalAddr() net.Addr { return m.conn.LocalAddr() }

// Close stops the read loop and closes the socket.
func (m *Mux) Close() error {
	var err error
	m.once.Do(func() {
		close(m.done)
		err = m.conn.Close()
	})
	return err
}

type muxLink struct {
	mux    *Mux
	remote netip.AddrPort
	in     chan Datagram
	done   chan struct{}
	once   sync.Once
}

func (l *muxLink) Send(b []byte, to types.Endpoint) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	return l.mux.Send(b, to)
}

func (l *muxLink) Inbound() <-chan Datagram { return l.in }

func (l *muxLink) LocalAddr() net.Addr { return l.mux.LocalAddr() }

func (l *muxLink) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.mux.unroute(l)
	})
	return nil
}
