package holepunch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/saintparish4/hole/pkg/protocol"
	"github.com/saintparish4/hole/pkg/types"
)

// State of a peer session.
type State int32

const (
	// Punching: Discover sent (or pending), nothing heard from the peer yet.
	Punching State = iota
	// Active: at least one valid datagram arrived from the peer.
	Active
)

func (s State) String() string {
	switch s {
	case Punching:
		return "punching"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Signal is sent on a session's control channel.
type Signal int

const (
	// SignalStop asks the session to end.
	SignalStop Signal = iota
)

// Session is the per-peer task: it punches towards Remote and then keeps
// the path alive with PeerPing/PeerPong.
//
// A message on the control channel, or its closure, ends the session and
// closes the link.
type Session struct {
	ID uuid.UUID

	cfg      Config
	link     Link
	interval time.Duration
	logger   *slog.Logger

	control  chan Signal
	stopOnce sync.Once
	done     chan struct{}
	err      error

	state       atomic.Int32
	pingsSent   atomic.Uint64
	pongsSent   atomic.Uint64
	pongsRecv   atomic.Uint64
	foreign     atomic.Uint64
	malformed   atomic.Uint64
	lastPong    atomic.Int64
	startedAt   time.Time
	activatedAt atomic.Int64
}

// NewSession validates cfg and prepares a session on link. Run starts it.
func NewSession(link Link, cfg Config) (*Session, error) {
	if link == nil {
		return nil, errors.New("session: nil link")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	id := uuid.New()
	return &Session{
		ID:       id,
		cfg:      cfg,
		link:     link,
		interval: cfg.Intervals.For(cfg.Mode),
		logger: cfg.Logger.With(
			"session", id.String()[:8],
			"peer", cfg.RemoteName,
			"remote", cfg.Remote.String(),
		),
		control: make(chan Signal, 1),
		done:    make(chan struct{}),
	}, nil
}

// Start creates a session and runs it in a new goroutine.
func Start(ctx context.Context, link Link, cfg Config) (*Session, error) {
	s, err := NewSession(link, cfg)
	if err != nil {
		return nil, err
	}
	go s.Run(ctx)
	return s, nil
}

// Run drives the session until it is stopped, ctx is done, or the link
// closes. It closes the link before returning.
func (s *Session) Run(ctx context.Context) error {
	s.startedAt = time.Now()
	defer close(s.done)
	defer s.link.Close()

	s.logger.Info("session punching",
		"mode", s.cfg.Mode.String(),
		"interval", s.interval,
		"peer_type", s.cfg.PeerType.String(),
		"local", s.link.LocalAddr(),
	)

	if !s.cfg.WaitForPeer {
		s.sendDiscover()
	}

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.err = ctx.Err()
			s.logger.Info("session cancelled", "err", s.err)
			return s.err

		case sig, ok := <-s.control:
			if ok {
				s.logger.Info("session stopped by owner", "signal", int(sig))
			} else {
				s.logger.Info("session control channel closed")
			}
			return nil

		case dg, ok := <-s.link.Inbound():
			if !ok {
				s.err = ErrLinkClosed
				s.logger.Info("session link closed")
				return s.err
			}
			if s.handle(dg) {
				resetTimer(timer, s.interval)
			}

		case <-timer.C:
			s.keepalive()
			timer.Reset(s.interval)
		}
	}
}

// handle processes one datagram and reports whether the keepalive timer
// should be reset.
func (s *Session) handle(dg Datagram) bool {
	if dg.From != s.cfg.Remote {
		s.foreign.Add(1)
		s.logger.Debug("dropping datagram from unexpected source", "from", dg.From.String())
		return false
	}

	msg, err := protocol.DecodePeer(dg.Data)
	if err != nil {
		s.malformed.Add(1)
		s.logger.Warn("dropping undecodable datagram", "err", err)
		return false
	}

	if s.state.CompareAndSwap(int32(Punching), int32(Active)) {
		s.activatedAt.Store(time.Now().UnixNano())
		s.logger.Info("session active", "first", msg.Tag().String(), "after", time.Since(s.startedAt))
		if s.cfg.WaitForPeer {
			s.sendDiscover()
		}
	}

	switch m := msg.(type) {
	case *protocol.PeerPing:
		s.send(&protocol.PeerPong{})
		s.pongsSent.Add(1)
	case *protocol.PeerPong:
		s.pongsRecv.Add(1)
		s.lastPong.Store(time.Now().UnixNano())
		return true
	case *protocol.Discover:
		s.logger.Debug("discover from peer", "name", m.Name)
	}
	return false
}

func (s *Session) keepalive() {
	if s.cfg.WaitForPeer && s.State() == Punching {
		s.logger.Debug("still waiting for peer, keepalive suppressed")
		return
	}
	s.send(&protocol.PeerPing{})
	s.pingsSent.Add(1)
}

func (s *Session) sendDiscover() {
	s.send(&protocol.Discover{Name: s.cfg.LocalName})
}

func (s *Session) send(msg protocol.PeerMessage) {
	b, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error("encode failed", "msg", msg.Tag().String(), "err", err)
		return
	}
	if err := s.link.Send(b, s.cfg.Remote); err != nil {
		s.logger.Debug("send failed", "msg", msg.Tag().String(), "err", err)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// Control returns the channel used by the owner to signal the session.
func (s *Session) Control() chan<- Signal {
	return s.control
}

// Stop closes the control channel. It is safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.control)
	})
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session has ended and returns its error, if any.
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Remote returns the peer endpoint.
func (s *Session) Remote() types.Endpoint {
	return s.cfg.Remote
}

// Interval returns the keepalive interval picked from the session mode.
func (s *Session) Interval() time.Duration {
	return s.interval
}

// Mode returns the keepalive mode.
func (s *Session) Mode() KeepaliveMode {
	return s.cfg.Mode
}

// Stats is a snapshot of session counters.
type Stats struct {
	State     State
	Mode      KeepaliveMode
	PingsSent uint64
	PongsSent uint64
	PongsRecv uint64
	Foreign   uint64
	Malformed uint64
	LastPong  time.Time
	ActiveAt  time.Time
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	st := Stats{
		State:     s.State(),
		Mode:      s.cfg.Mode,
		PingsSent: s.pingsSent.Load(),
		PongsSent: s.pongsSent.Load(),
		PongsRecv: s.pongsRecv.Load(),
		Foreign:   s.foreign.Load(),
		Malformed: s.malformed.Load(),
	}
	if ns := s.lastPong.Load(); ns != 0 {
		st.LastPong = time.Unix(0, ns)
	}
	if ns := s.activatedAt.Load(); ns != 0 {
		st.ActiveAt = time.Unix(0, ns)
	}
	return st
}
