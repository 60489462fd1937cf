package holepunch

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/saintparish4/hole/pkg/protocol"
	"github.com/saintparish4/hole/pkg/types"
)

const (
	// BufferSize for receiving UDP packets
	BufferSize = protocol.MaxDatagramSize

	// DefaultQueue is the inbound queue length of a link.
	DefaultQueue = 64
)

// ErrLinkClosed is returned when sending on a closed link.
var ErrLinkClosed = errors.New("link closed")

// Datagram is one received packet and its observed source.
type Datagram struct {
	Data []byte
	From types.Endpoint
}

// Link is the socket a session transmits and receives on. A link delivers
// every datagram it receives; filtering by source is the session's job.
type Link interface {
	Send(b []byte, to types.Endpoint) error
	Inbound() <-chan Datagram
	LocalAddr() net.Addr
	Close() error
}

// PrepareLocalEndpoint binds a UDP socket on addr ("" or ":0" lets the OS
// pick a port on all interfaces) and returns it with its local endpoint.
func PrepareLocalEndpoint(addr string) (*net.UDPConn, types.Endpoint, error) {
	if addr == "" {
		addr = ":0"
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, types.Endpoint{}, types.NewOpError("resolve local address", err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, types.Endpoint{}, types.NewOpError("bind UDP socket", err)
	}

	local, err := types.EndpointFromAddr(conn.LocalAddr())
	if err != nil {
		conn.Close()
		return nil, types.Endpoint{}, err
	}
	return conn, local, nil
}

// OwnedLink is a link with exclusive use of its socket. It runs its own
// reader goroutine and closes the socket on Close.
type OwnedLink struct {
	conn   *net.UDPConn
	in     chan Datagram
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// NewOwnedLink takes ownership of conn and starts reading from it.
func NewOwnedLink(conn *net.UDPConn, queue int, logger *slog.Logger) *OwnedLink {
	if queue <= 0 {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &OwnedLink{
		conn:   conn,
		in:     make(chan Datagram, queue),
		done:   make(chan struct{}),
		logger: logger,
	}
	go l.readLoop()
	return l
}

func (l *OwnedLink) readLoop() {
	defer close(l.in)

	buf := make([]byte, BufferSize)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-l.done:
				return
			default:
			}
			l.logger.Debug("link read error", "local", l.conn.LocalAddr(), "err", err)
			continue
		}

		from, err := types.EndpointFromAddr(addr)
		if err != nil {
			l.logger.Debug("link dropping datagram", "err", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case l.in <- Datagram{Data: data, From: from}:
		case <-l.done:
			return
		}
	}
}

func (l *OwnedLink) Send(b []byte, to types.Endpoint) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	if _, err := l.conn.WriteToUDP(b, to.UDPAddr()); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

func (l *OwnedLink) Inbound() <-chan Datagram { return l.in }

func (l *OwnedLink) LocalAddr() net.Addr { return l.conn.LocalAddr() }

// Close stops the reader and closes the socket.
func (l *OwnedLink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.conn.Close()
	})
	return err
}
