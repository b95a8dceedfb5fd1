// Package server exposes the chat and notification HTTP API.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"campushub/internal/app"
	"campushub/internal/hub"
	"campushub/internal/ratelimit"
	"campushub/internal/usertoken"
	"campushub/internal/util"
	"campushub/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Hub            *hub.Hub
	TokenVerifier  *usertoken.Verifier
	MessageLimiter *ratelimit.FixedWindowLimiter
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server exposes HTTP endpoints for the chat and notification service.
type Server struct {
	app            *app.App
	hub            *hub.Hub
	tokenVerifier  *usertoken.Verifier
	messageLimiter *ratelimit.FixedWindowLimiter
	allowedOrigins []string
	logger         *slog.Logger
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		app:            cfg.App,
		hub:            cfg.Hub,
		tokenVerifier:  cfg.TokenVerifier,
		messageLimiter: cfg.MessageLimiter,
		allowedOrigins: cfg.AllowedOrigins,
		logger:         logger,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("campushub", util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/chat/ws", s.handleWebsocket)

	s.mux.Handle("/chat/room", s.withIdentity(s.handleRoom))
	s.mux.Handle("/chat/rooms", s.withIdentity(s.handleRooms))
	s.mux.Handle("/chat/rooms/", s.withIdentity(s.handleRoomMessages))
	s.mux.Handle("/chat/messages/", s.withIdentity(s.handleMessageByID))

	s.mux.Handle("/notifications", s.withIdentity(s.handleNotifications))
	s.mux.Handle("/notifications/unread-count", s.withIdentity(s.handleUnreadCount))
	s.mux.Handle("/notifications/mark-all/read", s.withIdentity(s.handleMarkAllRead))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type identityHandler func(http.ResponseWriter, *http.Request, domain.Identity)

func (s *Server) withIdentity(next identityHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil {
			writeError(w, http.StatusInternalServerError, "token verifier not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.tokenVerifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

type roomRequest struct {
	CourseID  string `json:"courseId"`
	SectionID string `json:"sectionId"`
}

// POST /chat/room resolves (and creates on first use) the room for a
// course section.
func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req roomRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.CourseID) == "" || strings.TrimSpace(req.SectionID) == "" {
		writeError(w, http.StatusBadRequest, "courseId and sectionId are required")
		return
	}
	room, err := s.app.EnsureRoom(r.Context(), user, req.CourseID, req.SectionID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rooms, err := s.app.ListRooms(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

type messageRequest struct {
	Body string `json:"body"`
}

// /chat/rooms/{roomId}/messages
func (s *Server) handleRoomMessages(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	path := strings.TrimPrefix(r.URL.Path, "/chat/rooms/")
	parts := strings.SplitN(path, "/", 2)
	roomID := parts[0]
	if roomID == "" || len(parts) != 2 || parts[1] != "messages" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.handleListMessages(w, r, roomID)
	case http.MethodPost:
		s.handlePostMessage(w, r, user, roomID)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, roomID string) {
	var before time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		before = parsed
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	msgs, err := s.app.ListMessages(r.Context(), roomID, before, limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, user domain.Identity, roomID string) {
	if s.messageLimiter != nil && !s.messageLimiter.Allow(user.ID) {
		writeError(w, http.StatusTooManyRequests, "too many messages, slow down")
		return
	}
	var req messageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	msg, err := s.app.PostMessage(r.Context(), user, roomID, req.Body)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if s.hub != nil {
		s.hub.BroadcastMessage(msg)
	}
	writeJSON(w, http.StatusCreated, msg)
}

// DELETE /chat/messages/{messageId}
func (s *Server) handleMessageByID(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	messageID := strings.TrimPrefix(r.URL.Path, "/chat/messages/")
	if messageID == "" || strings.Contains(messageID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	tomb, err := s.app.DeleteMessage(r.Context(), user, messageID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if s.hub != nil {
		s.hub.BroadcastDeleted(tomb.RoomID, tomb.ID)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.app.ListNotifications(r.Context(), user, page, limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	count, err := s.app.UnreadCount(r.Context(), user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": count})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	if r.Method != http.MethodPatch {
		methodNotAllowed(w)
		return
	}
	if err := s.app.MarkAllRead(r.Context(), user); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrNoAccess), errors.Is(err, app.ErrRoomNotFound), errors.Is(err, app.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrEmptyBody):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrDeleteForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		s.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path,
			"request_id", util.RequestIDFromRequest(r), "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
