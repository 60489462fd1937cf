package rendezvous

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// Conn is the subset of a WebSocket connection the monitor needs.
// *websocket.Conn from gorilla/websocket satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// WebSocket message types (matching gorilla/websocket constants)
const (
	TextMessage  = 1
	CloseMessage = 8
	PingMessage  = 9
)

// Upgrader abstracts the WebSocket upgrade so the monitor can be tested
// without a network.
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (Conn, error)
}

// EventType names a waiting table or matchmaking event.
type EventType string

const (
	EventRegistered EventType = "registered"
	EventMatched    EventType = "matched"
	EventRejected   EventType = "rejected"
	EventExpired    EventType = "expired"
)

// Event is published to every monitor subscriber as a JSON text frame.
type Event struct {
	Type      EventType `json:"type"`
	Name      string    `json:"name"`
	Target    string    `json:"target,omitempty"`
	Address   string    `json:"address,omitempty"`
	PeerType  string    `json:"peer_type,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// Monitor fans server events out to WebSocket subscribers. A subscriber
// that cannot keep up is dropped.
type Monitor struct {
	upgrader Upgrader

	mu   sync.Mutex
	subs map[uint64]*subscriber
	next uint64

	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	QueueSize    int

	logger *slog.Logger
}

type subscriber struct {
	id   uint64
	conn Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// NewMonitor creates a monitor. Pass a nil upgrader to disable /ws.
func NewMonitor(upgrader Upgrader, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		upgrader:     upgrader,
		subs:         make(map[uint64]*subscriber),
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		QueueSize:    32,
		logger:       logger,
	}
}

// Subscribe attaches conn to the event feed and starts its writer. The
// returned function detaches it and closes conn.
func (m *Monitor) Subscribe(conn Conn) (unsubscribe func()) {
	m.mu.Lock()
	m.next++
	sub := &subscriber{
		id:   m.next,
		conn: conn,
		send: make(chan []byte, m.QueueSize),
		done: make(chan struct{}),
	}
	m.subs[sub.id] = sub
	m.mu.Unlock()

	go m.writeLoop(sub)

	return func() { m.drop(sub) }
}

func (m *Monitor) drop(sub *subscriber) {
	m.mu.Lock()
	delete(m.subs, sub.id)
	m.mu.Unlock()
	sub.close()
}

// Subscribers returns the number of attached subscribers.
func (m *Monitor) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Publish sends ev to every subscriber without blocking.
func (m *Monitor) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("marshal event", "err", err)
		return
	}

	m.mu.Lock()
	var slow []*subscriber
	for _, sub := range m.subs {
		select {
		case sub.send <- data:
		default:
			slow = append(slow, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range slow {
		m.logger.Warn("dropping slow monitor subscriber", "id", sub.id)
		m.drop(sub)
	}
}

// Close detaches every subscriber.
func (m *Monitor) Close() {
	m.mu.Lock()
	subs := maps.Values(m.subs)
	m.subs = make(map[uint64]*subscriber)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// writeLoop owns all writes to the subscriber connection.
func (m *Monitor) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(m.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.done:
			return

		case data := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(m.WriteTimeout))
			if err := sub.conn.WriteMessage(TextMessage, data); err != nil {
				m.logger.Debug("monitor write failed", "id", sub.id, "err", err)
				m.drop(sub)
				return
			}

		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(m.WriteTimeout))
			if err := sub.conn.WriteMessage(PingMessage, nil); err != nil {
				m.drop(sub)
				return
			}
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client goes
// away. Frames sent by the client are discarded.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m.upgrader == nil {
		http.Error(w, "WebSocket upgrader not configured", http.StatusInternalServerError)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Debug("upgrade error", "err", err)
		return
	}

	unsubscribe := m.Subscribe(conn)
	defer unsubscribe()

	conn.SetReadLimit(4 * 1024)
	conn.SetReadDeadline(time.Now().Add(m.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.PongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
