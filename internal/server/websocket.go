package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"campushub/internal/hub"
)

// GET /chat/ws upgrades the single realtime connection for a session.
// Browsers cannot set headers on websocket dials, so the token rides the
// query string; a bearer header is accepted for non-browser clients.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.tokenVerifier == nil || s.hub == nil {
		writeError(w, http.StatusInternalServerError, "realtime gateway not configured")
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = bearerToken(r)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	user, err := s.tokenVerifier.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed", "user_id", user.ID, "err", err)
		return
	}

	conn := hub.NewConn(s.hub, ws, user, s.logger)
	s.hub.Register(conn)
	go conn.WritePump()
	go conn.ReadPump()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
