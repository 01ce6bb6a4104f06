package main

import (
	"net/http"
	"net/url"
	"slices"

	"github.com/gorilla/websocket"
)

// WebsocketHandler serves the session protocol at /ws for browser editors.
// Same-origin requests are always accepted; allowedOrigins lists extra
// origins, and "*" accepts any.
func (s *Server) WebsocketHandler(allowedOrigins []string) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  16 * 1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin) {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		s.handleWebsocket(conn)
	})
	return mux
}

func (s *Server) handleWebsocket(conn *websocket.Conn) {
	p := newPeer(wsTransport{conn: conn}, s.logger)
	if !s.addPeer(p) {
		conn.Close()
		return
	}
	defer s.dropPeer(p)

	conn.SetReadLimit(maxMessageSize)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		s.handleRaw(p, data)
	}
}
