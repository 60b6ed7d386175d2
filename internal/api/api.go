// Package api provides the control-plane REST handlers: session
// lifecycle, the sandbox completion callback, CRDT state sync, and pool
// visibility.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joescharf/warden/internal/models"
	"github.com/joescharf/warden/internal/orchestrator"
	"github.com/joescharf/warden/internal/statesync"
	"github.com/joescharf/warden/internal/store"
)

// Server provides the REST API handlers.
type Server struct {
	store         store.Store
	orch          *orchestrator.Orchestrator
	continuity    *statesync.Manager
	callbackToken string
	log           *slog.Logger
}

// NewServer creates a new API server. callbackToken guards the
// sandbox-facing callback and state routes.
func NewServer(s store.Store, orch *orchestrator.Orchestrator, cont *statesync.Manager, callbackToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:         s,
		orch:          orch,
		continuity:    cont,
		callbackToken: callbackToken,
		log:           logger,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.createSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/cancel", s.cancelSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/logs", s.getSessionLogs)

	mux.HandleFunc("POST /api/v1/callbacks/completion", s.requireToken(s.completionCallback))

	mux.HandleFunc("POST /api/v1/state/{scope}/updates", s.requireToken(s.pushStateUpdate))
	mux.HandleFunc("GET /api/v1/state/{scope}/updates", s.listStateUpdates)
	mux.HandleFunc("GET /api/v1/state/{scope}", s.getFullState)
	mux.HandleFunc("POST /api/v1/state/{scope}/compact", s.compactState)

	mux.HandleFunc("GET /api/v1/pool", s.poolStatus)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireToken authenticates sandbox-originated requests with the signed
// callback token passed into the environment.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || s.callbackToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.callbackToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid callback token")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionListFilter{
		Scope:  r.URL.Query().Get("scope"),
		Status: models.SessionStatus(r.URL.Query().Get("status")),
		Limit:  50,
	}
	sessions, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope        string `json:"scope"`
		Prompt       string `json:"prompt"`
		SystemPrompt string `json:"system_prompt"`
		Model        string `json:"model"`
		Template     string `json:"template"`
		Restore      bool   `json:"restore"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Scope == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "scope and prompt are required")
		return
	}

	receipt, err := s.orch.StartSession(r.Context(), req.Scope, req.Prompt, orchestrator.StartOptions{
		Template:     req.Template,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		RestoreScope: req.Restore,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Cancel(r.Context(), id); err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) getSessionLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	logs, err := s.store.GetSessionLogs(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// --- Callbacks ---

func (s *Server) completionCallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		orchestrator.CompletionPayload
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if err := s.orch.HandleCompletion(r.Context(), req.SessionID, &req.CompletionPayload); err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- CRDT state ---

func (s *Server) pushStateUpdate(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	var req struct {
		ClientID string          `json:"client_id"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.continuity.PushUpdate(r.Context(), scope, req.Payload, req.ClientID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (s *Server) listStateUpdates(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		since = parsed
	}
	updates, err := s.continuity.UpdatesSince(r.Context(), scope, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updates)
}

func (s *Server) getFullState(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	state, err := s.continuity.FullState(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) compactState(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	snap, err := s.continuity.Compact(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot_id": snap.ID,
		"created_at":  snap.CreatedAt,
	})
}

// --- Pool ---

func (s *Server) poolStatus(w http.ResponseWriter, r *http.Request) {
	template := r.URL.Query().Get("template")
	entries, err := s.store.ListPoolEntries(r.Context(), template)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
