package testserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"SpeakMateClient/internal/protocol"
)

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/ws/conversation/{id}", s.handleWebSocket)

	api := s.router.PathPrefix("/sessions").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/{id}/end", s.handleEndSession).Methods(http.MethodPut)
	api.HandleFunc("/{id}/errors", s.handleGetErrors).Methods(http.MethodGet)
	api.HandleFunc("/{id}/conversation", s.handleGetConversation).Methods(http.MethodGet)

	s.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "healthy",
			"connections": s.ConnectionCount(),
			"timestamp":   time.Now().UTC(),
		})
	}).Methods(http.MethodGet)
}

// authMiddleware 校验 Bearer token
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Token != "" {
			auth := r.Header.Get("Authorization")
			if strings.TrimPrefix(auth, "Bearer ") != s.config.Token || !strings.HasPrefix(auth, "Bearer ") {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Not authenticated"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type createSessionRequest struct {
	Mode  string `json:"mode"`
	Topic string `json:"topic,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid body"})
		return
	}
	if req.Mode == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "mode is required"})
		return
	}

	rec := s.CreateSession(req.Mode, req.Topic)
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.getSession(mux.Vars(r)["id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Session not found"})
		return
	}

	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.getSession(mux.Vars(r)["id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Session not found"})
		return
	}

	duration, err := strconv.Atoi(r.URL.Query().Get("duration_seconds"))
	if err != nil || duration < 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "duration_seconds must be a non-negative integer"})
		return
	}

	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	now := time.Now().UTC()
	rec.DurationSeconds = duration
	rec.EndedAt = &now
	rec.ended = true
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetErrors(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.getSession(mux.Vars(r)["id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Session not found"})
		return
	}

	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	errs := append([]protocol.DetectedError{}, rec.errors...)
	writeJSON(w, http.StatusOK, errs)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.getSession(mux.Vars(r)["id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Session not found"})
		return
	}

	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	turns := append([]TurnRecord{}, rec.turns...)
	writeJSON(w, http.StatusOK, turns)
}
