// Package agent is the peer side of the rendezvous protocol: it registers
// with the server, requests introductions, answers introductions from
// others, and keeps one punched session per peer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saintparish4/hole/pkg/holepunch"
	"github.com/saintparish4/hole/pkg/logging"
	"github.com/saintparish4/hole/pkg/protocol"
	"github.com/saintparish4/hole/pkg/types"
)

var (
	// ErrRejected is returned by Connect when the target is not registered.
	ErrRejected = errors.New("connection request rejected")

	// ErrTimeout is returned when the server does not answer in time.
	ErrTimeout = errors.New("no response from rendezvous server")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("agent closed")
)

// Config describes one agent.
type Config struct {
	Name   string
	Server string

	// ListenAddr is the control socket bind address.
	ListenAddr string

	RequestTimeout time.Duration
	RequestRetries int

	// ServerPingInterval is the period of Ping{name} to the server. Zero
	// disables server pings.
	ServerPingInterval time.Duration

	Intervals holepunch.Intervals
	Logger    *slog.Logger
}

// DefaultConfig returns a config with the default timeouts and keepalive
// intervals.
func DefaultConfig() Config {
	return Config{
		ListenAddr:         "0.0.0.0:0",
		RequestTimeout:     2 * time.Second,
		RequestRetries:     3,
		ServerPingInterval: 10 * time.Second,
		Intervals:          holepunch.DefaultIntervals(),
	}
}

// Agent owns the control socket. Server traffic and sessions started by
// introductions share it through a holepunch.Mux; sessions started by
// Connect get a socket of their own.
type Agent struct {
	cfg      Config
	server   types.Endpoint
	mux      *holepunch.Mux
	local    types.Endpoint
	registry *Registry
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	confirmations chan *protocol.RegisterConfirmation

	// connectSlot admits one outstanding ConnectionRequest: the server's
	// answer only names the requester, so answers cannot be told apart.
	connectSlot chan struct{}
	pendingMu   sync.Mutex
	pending     chan protocol.ServerMessage

	lastPong  atomic.Int64
	started   atomic.Bool
	closeOnce sync.Once
}

// New binds the control socket. Call Start to begin processing.
func New(cfg Config) (*Agent, error) {
	if cfg.Name == "" {
		return nil, errors.New("agent: name is required")
	}
	server, err := resolveEndpoint(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("agent: server address: %w", err)
	}

	defaults := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaults.ListenAddr
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.RequestRetries <= 0 {
		cfg.RequestRetries = defaults.RequestRetries
	}
	if cfg.Intervals.PrePunched <= 0 || cfg.Intervals.AwaitingDiscovery <= 0 {
		cfg.Intervals = defaults.Intervals
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := logging.Component(cfg.Logger, "agent").With("name", cfg.Name)

	conn, local, err := holepunch.PrepareLocalEndpoint(cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	return &Agent{
		cfg:           cfg,
		server:        server,
		mux:           holepunch.NewMux(conn, 0, logger),
		local:         local,
		registry:      NewRegistry(),
		logger:        logger,
		confirmations: make(chan *protocol.RegisterConfirmation, 1),
		connectSlot:   make(chan struct{}, 1),
	}, nil
}

func resolveEndpoint(addr string) (types.Endpoint, error) {
	udp, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return types.Endpoint{}, err
	}
	return types.EndpointFromAddr(udp)
}

// Start runs the control loop and the server ping loop until ctx is done
// or Close is called.
func (a *Agent) Start(ctx context.Context) {
	if !a.started.CompareAndSwap(false, true) {
		return
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.mux.Start(a.ctx)

	a.wg.Add(1)
	go a.controlLoop()

	if a.cfg.ServerPingInterval > 0 {
		a.wg.Add(1)
		go a.pingLoop()
	}

	a.logger.Info("agent started", "control", a.local.String(), "server", a.server.String())
}

// Close stops all sessions and releases the control socket.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.registry.Close()
		err = a.mux.Close()
		a.wg.Wait()
		a.logger.Info("agent closed")
	})
	return err
}

// Register announces the agent to the server and waits for the
// confirmation, retrying on timeout.
func (a *Agent) Register(ctx context.Context) error {
	if err := a.ready(); err != nil {
		return err
	}

	// Drop a confirmation left over from an earlier attempt.
	select {
	case <-a.confirmations:
	default:
	}

	msg := protocol.MustEncode(&protocol.Register{Name: a.cfg.Name})
	for attempt := 1; attempt <= a.cfg.RequestRetries; attempt++ {
		if err := a.mux.Send(msg, a.server); err != nil {
			return types.NewOpError("register", err)
		}

		timer := time.NewTimer(a.cfg.RequestTimeout)
		select {
		case <-a.confirmations:
			timer.Stop()
			a.logger.Info("registered", "server", a.server.String(), "attempt", attempt)
			return nil
		case <-timer.C:
			a.logger.Warn("register timed out", "attempt", attempt)
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-a.ctx.Done():
			timer.Stop()
			return ErrClosed
		}
	}
	return types.NewOpError("register", ErrTimeout)
}

// Connect asks the server to introduce this agent to the peer named to and
// starts a session once the server confirms.
//
// The request is sent from a freshly bound socket, which becomes the
// session socket. The server reports that socket's observed address to the
// target. Only one Connect runs at a time.
func (a *Agent) Connect(ctx context.Context, to string, peerType types.PeerType) (*PeerConnection, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if to == "" {
		return nil, errors.New("connect: peer name is required")
	}
	if !peerType.Valid() {
		return nil, fmt.Errorf("connect: invalid peer type %s", peerType)
	}

	select {
	case a.connectSlot <- struct{}{}:
		defer func() { <-a.connectSlot }()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.ctx.Done():
		return nil, ErrClosed
	}

	conn, _, err := holepunch.PrepareLocalEndpoint(a.punchBindAddr())
	if err != nil {
		return nil, types.NewOpError("connect", err)
	}
	link := holepunch.NewOwnedLink(conn, 0, a.logger)

	resp := make(chan protocol.ServerMessage, 1)
	a.pendingMu.Lock()
	a.pending = resp
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		a.pending = nil
		a.pendingMu.Unlock()
	}()

	req := protocol.MustEncode(&protocol.ConnectionRequest{From: a.cfg.Name, To: to, PeerType: peerType})
	a.logger.Info("requesting introduction", "peer", to, "peer_type", peerType.String(), "punch", link.LocalAddr().String())

	for attempt := 1; attempt <= a.cfg.RequestRetries; attempt++ {
		if err := link.Send(req, a.server); err != nil {
			link.Close()
			return nil, types.NewOpError("connect", err)
		}

		timer := time.NewTimer(a.cfg.RequestTimeout)
		select {
		case msg := <-resp:
			timer.Stop()
			return a.completeConnect(msg, link, to, peerType)
		case <-timer.C:
			a.logger.Warn("connection request timed out", "peer", to, "attempt", attempt)
		case <-ctx.Done():
			timer.Stop()
			link.Close()
			return nil, ctx.Err()
		case <-a.ctx.Done():
			timer.Stop()
			link.Close()
			return nil, ErrClosed
		}
	}

	link.Close()
	return nil, types.NewOpError("connect", ErrTimeout)
}

func (a *Agent) completeConnect(msg protocol.ServerMessage, link holepunch.Link, to string, peerType types.PeerType) (*PeerConnection, error) {
	switch m := msg.(type) {
	case *protocol.Reject:
		link.Close()
		a.logger.Info("introduction rejected", "peer", to)
		return nil, fmt.Errorf("connect %s: %w", to, ErrRejected)

	case *protocol.Confirm:
		remote, err := m.Endpoint()
		if err != nil {
			link.Close()
			return nil, types.NewOpError("connect", err)
		}

		cfg := a.sessionConfig(to, remote, peerType)
		cfg.Mode = holepunch.AwaitingDiscovery
		// A passive requester stays silent until the target's Discover
		// reaches the punch socket.
		cfg.WaitForPeer = peerType == types.PeerPassive

		s, err := holepunch.Start(a.ctx, link, cfg)
		if err != nil {
			link.Close()
			return nil, err
		}
		pc := newPeerConnection(to, s, peerType)
		a.registry.Insert(pc)
		a.logger.Info("introduction confirmed", "peer", to, "remote", remote.String())
		return pc, nil

	default:
		link.Close()
		return nil, fmt.Errorf("connect %s: unexpected response %s", to, msg.Tag())
	}
}

func (a *Agent) sessionConfig(name string, remote types.Endpoint, peerType types.PeerType) holepunch.Config {
	cfg := holepunch.DefaultConfig()
	cfg.LocalName = a.cfg.Name
	cfg.RemoteName = name
	cfg.Remote = remote
	cfg.PeerType = peerType
	cfg.Intervals = a.cfg.Intervals
	cfg.Logger = a.cfg.Logger
	return cfg
}

// punchBindAddr binds punch sockets on the control socket's interface.
func (a *Agent) punchBindAddr() string {
	return net.JoinHostPort(a.local.IP.String(), "0")
}

// controlLoop handles every datagram on the control socket that no session
// has claimed.
func (a *Agent) controlLoop() {
	defer a.wg.Done()

	for dg := range a.mux.Fallback() {
		if dg.From != a.server {
			a.logger.Debug("dropping datagram from unknown source", "from", dg.From.String())
			continue
		}

		msg, err := protocol.DecodeServer(dg.Data)
		if err != nil {
			a.logger.Warn("dropping undecodable server datagram", "err", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.RegisterConfirmation:
			select {
			case a.confirmations <- m:
			default:
			}
		case *protocol.Pong:
			a.lastPong.Store(time.Now().UnixNano())
		case *protocol.Introduction:
			a.handleIntroduction(m)
		case *protocol.Confirm:
			a.deliver(m)
		case *protocol.Reject:
			a.deliver(m)
		}
	}
}

func (a *Agent) deliver(msg protocol.ServerMessage) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()

	if a.pending == nil {
		a.logger.Warn("unsolicited server response", "msg", msg.Tag().String())
		return
	}
	select {
	case a.pending <- msg:
	default:
		a.logger.Debug("duplicate server response", "msg", msg.Tag().String())
	}
}

// handleIntroduction starts a session towards the introduced address on
// the control socket, which already has a confirmed path through the NAT.
func (a *Agent) handleIntroduction(m *protocol.Introduction) {
	remote, err := m.Endpoint()
	if err != nil {
		a.logger.Warn("dropping introduction with bad address", "peer", m.Name, "err", err)
		return
	}

	// The old session must release its route before a new one can take it.
	a.registry.Remove(m.Name)

	link, err := a.mux.Link(remote, 0)
	if err != nil {
		a.logger.Warn("cannot route introduced peer", "peer", m.Name, "remote", remote.String(), "err", err)
		return
	}

	cfg := a.sessionConfig(m.Name, remote, m.PeerType)
	cfg.Mode = holepunch.PrePunched

	s, err := holepunch.Start(a.ctx, link, cfg)
	if err != nil {
		link.Close()
		a.logger.Warn("cannot start session", "peer", m.Name, "err", err)
		return
	}
	a.registry.Insert(newPeerConnection(m.Name, s, m.PeerType))
	a.logger.Info("introduced", "peer", m.Name, "remote", remote.String(), "peer_type", m.PeerType.String())
}

func (a *Agent) pingLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.ServerPingInterval)
	defer ticker.Stop()

	msg := protocol.MustEncode(&protocol.Ping{Name: a.cfg.Name})
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.mux.Send(msg, a.server); err != nil {
				a.logger.Debug("server ping failed", "err", err)
			}
		}
	}
}

func (a *Agent) ready() error {
	if !a.started.Load() {
		return errors.New("agent not started")
	}
	select {
	case <-a.ctx.Done():
		return ErrClosed
	default:
		return nil
	}
}

// Name returns the agent's peer name.
func (a *Agent) Name() string { return a.cfg.Name }

// LocalEndpoint returns the bound control socket address.
func (a *Agent) LocalEndpoint() types.Endpoint { return a.local }

// Server returns the resolved rendezvous server endpoint.
func (a *Agent) Server() types.Endpoint { return a.server }

// Registry returns the live peer connections.
func (a *Agent) Registry() *Registry { return a.registry }

// LastServerPong returns when the server last answered a Ping.
func (a *Agent) LastServerPong() time.Time {
	ns := a.lastPong.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
