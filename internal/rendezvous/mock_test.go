package rendezvous

import (
	"errors"
	"sync"
	"time"
)

// mockConn is an in-memory Conn. Reads block until Close.
type mockConn struct {
	mu       sync.Mutex
	closed   bool
	written  [][]byte
	types    []int
	writeErr error
	closedCh chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{closedCh: make(chan struct{})}
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("connection closed")
	}
	if m.writeErr != nil {
		return m.writeErr
	}
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	m.written = append(m.written, dataCopy)
	m.types = append(m.types, messageType)
	return nil
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	<-m.closedCh
	return 0, nil, errors.New("connection closed")
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

func (m *mockConn) SetWriteDeadline(t time.Time) error          { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error           { return nil }
func (m *mockConn) SetReadLimit(limit int64)                    {}
func (m *mockConn) SetPongHandler(h func(appData string) error) {}

func (m *mockConn) setWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// textFrames returns the text frames written so far.
func (m *mockConn) textFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	for i, t := range m.types {
		if t == TextMessage {
			out = append(out, m.written[i])
		}
	}
	return out
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
