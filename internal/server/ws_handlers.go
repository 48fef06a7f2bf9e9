package server

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// upgrader upgrades HTTP requests to WebSockets.
//
// Security note: CheckOrigin returns true to keep local use frictionless.
// This is acceptable for a local single-user service, but should be restricted if
// the server is ever exposed beyond localhost.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// local service; allow all
		return true
	},
}

// handleWSEvents streams switch presses, calibrations and readings.
func (s *Server) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	s.handleWSHub(w, r, s.ws)
}

// handleWSHub is the shared "upgrade + register + read-loop" for a hub.
//
// This endpoint does not handle incoming messages; the read-loop
// exists to detect client disconnects and trigger cleanup.
func (s *Server) handleWSHub(w http.ResponseWriter, r *http.Request, hub *WSHub) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := hub.Add(conn)

	// Keep reading until client disconnects
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			hub.Remove(client)
			return
		}
	}
}
