package wsapi

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/CK6170/labctl-go/internal/bus"
)

// upgrader upgrades HTTP requests to WebSockets. Local/LAN tool, not a
// public-facing service, so CheckOrigin stays permissive.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS upgrades the connection and registers it as its own subscriber
// on the outbound bus, so each client gets the bus's bounded-queue,
// drop-oldest delivery and a stalled or slow client can never hold up the
// pollers publishing into it. bus.Message's JSON shape is already the
// wire envelope, so messages are written as-is. The read loop exists only
// to detect client disconnects; the stream is broadcast-only.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	clientID := "ws-" + uuid.NewString()
	var writeMu sync.Mutex
	s.wsHub.Subscribe(clientID, func(m bus.Message) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(m); err != nil {
			// the read loop notices the dead connection and tears down
			s.log.WithError(err).WithField("client", clientID).Debug("ws: write failed")
		}
	})
	defer func() {
		s.wsHub.Unsubscribe(clientID)
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
