package rendezvous

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorPublishFansOut(t *testing.T) {
	m := NewMonitor(nil, nil)
	defer m.Close()

	a, b := newMockConn(), newMockConn()
	m.Subscribe(a)
	m.Subscribe(b)
	assert.Equal(t, 2, m.Subscribers())

	m.Publish(Event{Type: EventMatched, Name: "alice", Target: "bob"})

	for _, c := range []*mockConn{a, b} {
		require.Eventually(t, func() bool { return len(c.textFrames()) == 1 }, time.Second, 5*time.Millisecond)

		var ev Event
		require.NoError(t, json.Unmarshal(c.textFrames()[0], &ev))
		assert.Equal(t, EventMatched, ev.Type)
		assert.Equal(t, "bob", ev.Target)
		assert.NotZero(t, ev.Timestamp)
	}
}

func TestMonitorUnsubscribeClosesConn(t *testing.T) {
	m := NewMonitor(nil, nil)
	c := newMockConn()

	unsubscribe := m.Subscribe(c)
	unsubscribe()
	unsubscribe()

	assert.Equal(t, 0, m.Subscribers())
	assert.True(t, c.isClosed())
}

func TestMonitorDropsFailingSubscriber(t *testing.T) {
	m := NewMonitor(nil, nil)
	defer m.Close()

	bad := newMockConn()
	bad.setWriteError(errors.New("broken pipe"))
	m.Subscribe(bad)

	m.Publish(Event{Type: EventRegistered, Name: "alice"})

	assert.Eventually(t, func() bool { return m.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, bad.isClosed())
}

func TestMonitorDropsSlowSubscriber(t *testing.T) {
	m := NewMonitor(nil, nil)
	defer m.Close()

	// An unbuffered queue with a writer that is not ready yet cannot
	// accept the event, so the subscriber is dropped.
	c := newMockConn()
	m.mu.Lock()
	m.next++
	sub := &subscriber{id: m.next, conn: c, send: make(chan []byte), done: make(chan struct{})}
	m.subs[sub.id] = sub
	m.mu.Unlock()

	m.Publish(Event{Type: EventRegistered, Name: "alice"})
	assert.Equal(t, 0, m.Subscribers())
	assert.True(t, c.isClosed())
}

func TestMonitorPingLoop(t *testing.T) {
	m := NewMonitor(nil, nil)
	m.PingInterval = 20 * time.Millisecond
	defer m.Close()

	c := newMockConn()
	m.Subscribe(c)

	assert.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, typ := range c.types {
			if typ == PingMessage {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestMonitorCloseDetachesAll(t *testing.T) {
	m := NewMonitor(nil, nil)
	a, b := newMockConn(), newMockConn()
	m.Subscribe(a)
	m.Subscribe(b)

	m.Close()
	assert.Equal(t, 0, m.Subscribers())
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
}
