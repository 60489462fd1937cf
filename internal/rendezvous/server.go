package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"

	"github.com/saintparish4/hole/pkg/protocol"
	"github.com/saintparish4/hole/pkg/types"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("rendezvous: server closed")

// Server is the rendezvous node. It owns one UDP socket and handles every
// datagram on a single receive loop.
type Server struct {
	table   *Table
	monitor *Monitor
	limiter limiter.Store
	logger  *slog.Logger

	// Configuration
	Addr              string
	EntryTTL          time.Duration
	CleanupInterval   time.Duration
	RateLimitTokens   uint64
	RateLimitInterval time.Duration

	mu        sync.Mutex
	conn      *net.UDPConn
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	startedAt time.Time

	datagrams     atomic.Uint64
	decodeErrors  atomic.Uint64
	rateLimited   atomic.Uint64
	registrations atomic.Uint64
	pings         atomic.Uint64
	matches       atomic.Uint64
	rejects       atomic.Uint64
	unroutable    atomic.Uint64
	sendErrors    atomic.Uint64
	expired       atomic.Uint64
}

// Config holds server configuration options.
type Config struct {
	Addr string

	// EntryTTL expires waiting table entries not refreshed by Register or
	// Ping. Zero keeps entries forever.
	EntryTTL        time.Duration
	CleanupInterval time.Duration

	// RateLimitTokens datagrams are accepted per source IP per
	// RateLimitInterval. Zero disables rate limiting.
	RateLimitTokens   uint64
	RateLimitInterval time.Duration

	// Upgrader enables the /ws event feed on the admin surface.
	Upgrader Upgrader

	Logger *slog.Logger
}

// DefaultConfig returns the default configuration: no expiry, no rate limit.
func DefaultConfig() Config {
	return Config{
		Addr:              ":9000",
		CleanupInterval:   time.Minute,
		RateLimitInterval: time.Second,
		Logger:            slog.Default(),
	}
}

// NewServer creates a server. Call ListenAndServe or Serve to run it.
func NewServer(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "rendezvous")

	s := &Server{
		table:             NewTable(),
		monitor:           NewMonitor(cfg.Upgrader, logger),
		logger:            logger,
		Addr:              cfg.Addr,
		EntryTTL:          cfg.EntryTTL,
		CleanupInterval:   cfg.CleanupInterval,
		RateLimitTokens:   cfg.RateLimitTokens,
		RateLimitInterval: cfg.RateLimitInterval,
		ready:             make(chan struct{}),
		done:              make(chan struct{}),
	}

	if cfg.RateLimitTokens > 0 {
		interval := cfg.RateLimitInterval
		if interval <= 0 {
			interval = time.Second
		}
		store, err := memorystore.New(&memorystore.Config{
			Tokens:        cfg.RateLimitTokens,
			Interval:      interval,
			SweepInterval: time.Minute,
			SweepMinTTL:   time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		s.limiter = store
	}

	return s, nil
}

// ListenAndServe binds Addr and runs the receive loop until ctx is done or
// Close is called. A bind failure is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.Addr)
	if err != nil {
		return types.NewOpError("resolve", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return types.NewOpError("bind", err)
	}
	return s.Serve(ctx, conn)
}

// Serve runs the receive loop on conn. The server takes ownership of conn.
func (s *Server) Serve(ctx context.Context, conn *net.UDPConn) error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		conn.Close()
		return ErrServerClosed
	default:
	}
	s.conn = conn
	s.startedAt = time.Now()
	close(s.ready)
	s.mu.Unlock()

	s.logger.Info("listening", "addr", conn.LocalAddr().String(),
		"ttl", s.EntryTTL, "rate_limit", s.RateLimitTokens)

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	if s.EntryTTL > 0 {
		go s.cleanupLoop()
	}

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("read error", "err", err)
			continue
		}

		from, err := types.EndpointFromAddr(addr)
		if err != nil {
			s.logger.Debug("dropping datagram", "err", err)
			continue
		}

		s.datagrams.Add(1)
		if !s.allow(from) {
			continue
		}
		s.handleDatagram(buf[:n], from)
	}
}

// allow applies the per-source-IP rate limit.
func (s *Server) allow(from types.Endpoint) bool {
	if s.limiter == nil {
		return true
	}
	_, _, _, ok, err := s.limiter.Take(context.Background(), from.IP.String())
	if err != nil {
		s.logger.Error("rate limiter", "err", err)
		return true
	}
	if !ok {
		s.rateLimited.Add(1)
		s.logger.Debug("rate limited", "from", from.String())
	}
	return ok
}

// cleanupLoop periodically expires stale waiting table entries.
func (s *Server) cleanupLoop() {
	interval := s.CleanupInterval
	if interval <= 0 || interval > s.EntryTTL {
		interval = s.EntryTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.expire(now)
		}
	}
}

func (s *Server) expire(now time.Time) []string {
	removed := s.table.CleanupStale(s.EntryTTL, now)
	for _, name := range removed {
		s.expired.Add(1)
		s.monitor.Publish(Event{Type: EventExpired, Name: name})
	}
	if len(removed) > 0 {
		s.logger.Info("cleanup: expired stale entries", "count", len(removed), "names", removed)
	}
	return removed
}

// Ready is closed once the socket is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// LocalAddr returns the bound address, or nil before Ready.
func (s *Server) LocalAddr() net.Addr {
	select {
	case <-s.ready:
		return s.conn.LocalAddr()
	default:
		return nil
	}
}

// Close stops the receive loop and releases the socket. Safe to call more
// than once.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			err = conn.Close()
		}
		if s.limiter != nil {
			s.limiter.Close(context.Background())
		}
		s.monitor.Close()
		s.logger.Info("server closed")
	})
	return err
}

// Done is closed when the server has been closed.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Table returns the waiting table for external access.
func (s *Server) Table() *Table {
	return s.table
}

// Monitor returns the event monitor for external access.
func (s *Server) Monitor() *Monitor {
	return s.monitor
}

// Stats is a snapshot of server counters.
type Stats struct {
	Entries       int       `json:"entries"`
	Subscribers   int       `json:"subscribers"`
	Datagrams     uint64    `json:"datagrams"`
	DecodeErrors  uint64    `json:"decode_errors"`
	RateLimited   uint64    `json:"rate_limited"`
	Registrations uint64    `json:"registrations"`
	Pings         uint64    `json:"pings"`
	Matches       uint64    `json:"matches"`
	Rejects       uint64    `json:"rejects"`
	Unroutable    uint64    `json:"unroutable"`
	SendErrors    uint64    `json:"send_errors"`
	Expired       uint64    `json:"expired"`
	StartedAt     time.Time `json:"started_at"`
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	started := s.startedAt
	s.mu.Unlock()

	return Stats{
		Entries:       s.table.Count(),
		Subscribers:   s.monitor.Subscribers(),
		Datagrams:     s.datagrams.Load(),
		DecodeErrors:  s.decodeErrors.Load(),
		RateLimited:   s.rateLimited.Load(),
		Registrations: s.registrations.Load(),
		Pings:         s.pings.Load(),
		Matches:       s.matches.Load(),
		Rejects:       s.rejects.Load(),
		Unroutable:    s.unroutable.Load(),
		SendErrors:    s.sendErrors.Load(),
		Expired:       s.expired.Load(),
		StartedAt:     started,
	}
}
