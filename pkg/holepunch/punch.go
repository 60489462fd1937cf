package holepunch

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/saintparish4/hole/pkg/types"
)

const (
	// DefaultPrePunchedInterval keeps an already confirmed mapping warm.
	DefaultPrePunchedInterval = 5 * time.Second

	// DefaultAwaitingDiscoveryInterval is used by a session on a freshly
	// bound socket that has not been discovered by its peer yet.
	DefaultAwaitingDiscoveryInterval = 7 * time.Second
)

// KeepaliveMode records how a session's socket came to be, which decides
// its keepalive interval.
type KeepaliveMode int

const (
	// PrePunched sessions reuse a socket with a confirmed path.
	PrePunched KeepaliveMode = iota
	// AwaitingDiscovery sessions bound a fresh socket and wait to be
	// discovered by the peer.
	AwaitingDiscovery
)

func (m KeepaliveMode) String() string {
	switch m {
	case PrePunched:
		return "pre-punched"
	case AwaitingDiscovery:
		return "awaiting-discovery"
	default:
		return fmt.Sprintf("KeepaliveMode(%d)", int(m))
	}
}

// Intervals holds the keepalive interval for each mode.
type Intervals struct {
	PrePunched        time.Duration
	AwaitingDiscovery time.Duration
}

// DefaultIntervals returns the 5s / 7s keepalive intervals.
func DefaultIntervals() Intervals {
	return Intervals{
		PrePunched:        DefaultPrePunchedInterval,
		AwaitingDiscovery: DefaultAwaitingDiscoveryInterval,
	}
}

// For returns the interval for mode.
func (iv Intervals) For(mode KeepaliveMode) time.Duration {
	if mode == AwaitingDiscovery {
		return iv.AwaitingDiscovery
	}
	return iv.PrePunched
}

// Config describes one peer session.
type Config struct {
	// LocalName is announced in Discover.
	LocalName string

	// RemoteName is used for logging only.
	RemoteName string

	// Remote is the only endpoint whose datagrams are processed.
	Remote types.Endpoint

	// PeerType is the type the requester declared for the pair.
	PeerType types.PeerType

	Mode      KeepaliveMode
	Intervals Intervals

	// WaitForPeer suppresses all transmission until the first datagram
	// from Remote arrives.
	WaitForPeer bool

	Logger *slog.Logger
}

// DefaultConfig returns a config with the default keepalive intervals.
func DefaultConfig() Config {
	return Config{
		Intervals: DefaultIntervals(),
		Logger:    slog.Default(),
	}
}

func (c *Config) validate() error {
	if c.LocalName == "" {
		return errors.New("local name is required")
	}
	if !c.Remote.IsValid() {
		return fmt.Errorf("invalid remote endpoint %s", c.Remote)
	}
	if !c.PeerType.Valid() {
		return fmt.Errorf("invalid peer type %s", c.PeerType)
	}
	if c.Mode != PrePunched && c.Mode != AwaitingDiscovery {
		return fmt.Errorf("invalid keepalive mode %s", c.Mode)
	}
	if c.Intervals.PrePunched <= 0 || c.Intervals.AwaitingDiscovery <= 0 {
		defaults := DefaultIntervals()
		if c.Intervals.PrePunched <= 0 {
			c.Intervals.PrePunched = defaults.PrePunched
		}
		if c.Intervals.AwaitingDiscovery <= 0 {
			c.Intervals.AwaitingDiscovery = defaults.AwaitingDiscovery
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
