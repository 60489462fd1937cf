package rendezvous

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// AdminServer exposes read-only HTTP endpoints and the WebSocket event feed
// for a running rendezvous Server.
type AdminServer struct {
	srv *Server

	httpServer *http.Server
	mux        *http.ServeMux

	// Configuration
	Addr        string
	ReadTimeout time.Duration

	logger *slog.Logger
}

// NewAdminServer creates the admin surface for srv.
func NewAdminServer(addr string, srv *Server) *AdminServer {
	a := &AdminServer{
		srv:         srv,
		mux:         http.NewServeMux(),
		Addr:        addr,
		ReadTimeout: 15 * time.Second,
		logger:      srv.logger,
	}
	a.setupRoutes()
	return a
}

// setupRoutes configures HTTP routes.
func (a *AdminServer) setupRoutes() {
	a.mux.Handle("/ws", a.srv.monitor)

	a.mux.HandleFunc("/health", a.handleHealth)
	a.mux.HandleFunc("/api/stats", a.handleStats)
	a.mux.HandleFunc("/api/peers", a.handlePeers)
	a.mux.HandleFunc("/api/peers/", a.handlePeer) // /api/peers/{name}

	a.mux.HandleFunc("/", a.handleNotFound)
}

// ListenAndServe serves the admin surface until Shutdown. No write timeout
// is set because /ws connections are long-lived.
func (a *AdminServer) ListenAndServe() error {
	a.httpServer = &http.Server{
		Addr:        a.Addr,
		Handler:     a.Handler(),
		ReadTimeout: a.ReadTimeout,
	}

	a.logger.Info("admin listening", "addr", a.Addr)
	err := a.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Shutdown(ctx)
}

// Handler returns the routes wrapped in the CORS middleware.
func (a *AdminServer) Handler() http.Handler {
	return corsMiddleware(a.mux)
}

// corsMiddleware adds CORS headers for cross-origin requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (a *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "ok"
	select {
	case <-a.srv.Done():
		status = "closed"
	default:
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (a *AdminServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"server":    a.srv.Stats(),
		"timestamp": time.Now().UnixMilli(),
	})
}

// handlePeers lists the waiting table sorted by name.
func (a *AdminServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	peers := a.srv.table.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peers": peers,
		"count": len(peers),
	})
}

// handlePeer returns one waiting table entry.
func (a *AdminServer) handlePeer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := r.URL.Path[len("/api/peers/"):]
	if name == "" {
		http.Error(w, "peer name required", http.StatusBadRequest)
		return
	}

	entry, ok := a.srv.table.Get(name)
	if !ok {
		http.Error(w, "peer not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *AdminServer) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]interface{}{
		"error": "not found",
		"path":  r.URL.Path,
	})
}
