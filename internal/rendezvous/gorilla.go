package rendezvous

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// GorillaUpgrader adapts websocket.Upgrader to the Upgrader interface.
type GorillaUpgrader struct {
	*websocket.Upgrader
}

// NewGorillaUpgrader creates an upgrader that accepts any origin. The
// admin listener is expected to be bound to a private address.
func NewGorillaUpgrader() *GorillaUpgrader {
	return &GorillaUpgrader{
		Upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Upgrade implements Upgrader.
func (g *GorillaUpgrader) Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (Conn, error) {
	conn, err := g.Upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
