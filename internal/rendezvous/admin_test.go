package rendezvous

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/hole/pkg/protocol"
)

func newAdmin(t *testing.T) (*AdminServer, *Server) {
	t.Helper()
	srv, err := NewServer(DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return NewAdminServer(":0", srv), srv
}

func get(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var body map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestAdminHealth(t *testing.T) {
	admin, srv := newAdmin(t)

	w, body := get(t, admin.Handler(), http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "timestamp")

	srv.Close()
	_, body = get(t, admin.Handler(), http.MethodGet, "/health")
	assert.Equal(t, "closed", body["status"])
}

func TestAdminMethodNotAllowed(t *testing.T) {
	admin, _ := newAdmin(t)

	for _, path := range []string{"/health", "/api/stats", "/api/peers", "/api/peers/alice"} {
		w, _ := get(t, admin.Handler(), http.MethodPost, path)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, path)
	}
}

func TestAdminStats(t *testing.T) {
	admin, srv := newAdmin(t)
	srv.Table().Register("alice", ep(t, "10.0.0.1:4000"), time.Now())
	srv.registrations.Add(1)

	w, body := get(t, admin.Handler(), http.MethodGet, "/api/stats")
	require.Equal(t, http.StatusOK, w.Code)

	stats := body["server"].(map[string]interface{})
	assert.Equal(t, float64(1), stats["entries"])
	assert.Equal(t, float64(1), stats["registrations"])
}

func TestAdminPeers(t *testing.T) {
	admin, srv := newAdmin(t)
	now := time.Now()
	srv.Table().Register("bob", ep(t, "10.0.0.2:5000"), now)
	srv.Table().Register("alice", ep(t, "10.0.0.1:4000"), now)

	w, body := get(t, admin.Handler(), http.MethodGet, "/api/peers")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["count"])

	peers := body["peers"].([]interface{})
	require.Len(t, peers, 2)
	first := peers[0].(map[string]interface{})
	assert.Equal(t, "alice", first["name"])
	assert.Equal(t, "10.0.0.1:4000", first["endpoint"])
}

func TestAdminPeerByName(t *testing.T) {
	admin, srv := newAdmin(t)
	srv.Table().Register("alice", ep(t, "10.0.0.1:4000"), time.Now())

	w, body := get(t, admin.Handler(), http.MethodGet, "/api/peers/alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", body["name"])

	w, _ = get(t, admin.Handler(), http.MethodGet, "/api/peers/bob")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = get(t, admin.Handler(), http.MethodGet, "/api/peers/")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminNotFound(t *testing.T) {
	admin, _ := newAdmin(t)

	w, body := get(t, admin.Handler(), http.MethodGet, "/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not found", body["error"])
	assert.Equal(t, "/nope", body["path"])
}

func TestAdminCORSPreflight(t *testing.T) {
	admin, _ := newAdmin(t)

	w, _ := get(t, admin.Handler(), http.MethodOptions, "/api/peers")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestAdminWebSocketWithoutUpgrader(t *testing.T) {
	admin, _ := newAdmin(t)

	w, _ := get(t, admin.Handler(), http.MethodGet, "/ws")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAdminWebSocketEventFeed(t *testing.T) {
	srv, addr := startServer(t, func(c *Config) {
		c.Upgrader = NewGorillaUpgrader()
	})
	admin := NewAdminServer(":0", srv)

	hs := httptest.NewServer(admin.Handler())
	defer hs.Close()

	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.Monitor().Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	alice := newClient(t, addr)
	alice.register("alice")
	alice.send(&protocol.ConnectionRequest{From: "alice", To: "bob"})
	alice.recv()

	var ev Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventRegistered, ev.Type)
	assert.Equal(t, "alice", ev.Name)
	assert.Equal(t, alice.ep.String(), ev.Address)

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventRejected, ev.Type)
	assert.Equal(t, "bob", ev.Target)
}
