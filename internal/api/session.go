package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crucible-run/crucible/internal/model"
	"github.com/crucible-run/crucible/internal/overlay"
	"github.com/crucible-run/crucible/internal/runner"
	"github.com/crucible-run/crucible/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 4 << 20 // 4 MB
)

// Condition strings surfaced in error envelopes so clients can distinguish
// failure classes without parsing messages.
const (
	condNotFound      = "not_found"
	condEvicted       = "session_evicted"
	condWorkerFailure = "worker_failure"
)

// submitRequest is the JSON body for POST /v1/sessions.
type submitRequest struct {
	Runtime    string          `json:"runtime"`
	Source     string          `json:"source"`
	Entrypoint string          `json:"entrypoint,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
	TimeoutS   *int            `json:"timeout_s,omitempty"`
}

// listSessionsResponse wraps the paginated list response.
type listSessionsResponse struct {
	Sessions []*model.Session `json:"sessions"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Runtime == "" {
		s.writeError(w, http.StatusBadRequest, "runtime is required")
		return
	}
	if req.Source == "" {
		s.writeError(w, http.StatusBadRequest, "source is required")
		return
	}

	overrides, err := overlay.Parse(req.Config)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "config must be a JSON object")
		return
	}

	hash := sha256.Sum256([]byte(req.Source))
	sess := &model.Session{
		ID:        model.NewID(),
		Status:    model.StatusQueued,
		Runtime:   req.Runtime,
		InputHash: hex.EncodeToString(hash[:]),
		TimeoutS:  req.TimeoutS,
		CreatedAt: time.Now().UTC(),
	}

	art := runner.Artifact{
		Runtime:    req.Runtime,
		Source:     req.Source,
		Entrypoint: req.Entrypoint,
	}

	if err := s.engine.Submit(r.Context(), sess, art, overrides); err != nil {
		s.logger.Error("submit session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit session")
		return
	}

	s.writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeSessionError(w, id, err)
		return
	}

	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	sessions, total, err := s.store.ListSessions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	if sessions == nil {
		sessions = []*model.Session{}
	}

	s.writeJSON(w, http.StatusOK, listSessionsResponse{
		Sessions: sessions,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrEvicted) {
			s.writeSessionError(w, id, err)
			return
		}
		s.logger.Error("cancel session", "session_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel session")
		return
	}

	// Cancellation is advisory; the terminal transition arrives when the
	// worker confirms termination.
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": id,
		"status":     "cancel_requested",
	})
}

// writeSessionError maps store lookup failures to the HTTP surface,
// distinguishing "we forgot about your task" from "no such task".
func (s *Server) writeSessionError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, store.ErrEvicted):
		s.writeCondition(w, http.StatusGone, condEvicted, "session output has been evicted")
	case errors.Is(err, store.ErrNotFound):
		s.writeCondition(w, http.StatusNotFound, condNotFound, "session not found")
	default:
		s.logger.Error("get session", "session_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get session")
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeCondition writes a JSON error response with a machine-readable condition.
func (s *Server) writeCondition(w http.ResponseWriter, status int, condition, message string) {
	s.writeJSON(w, status, map[string]string{"error": message, "condition": condition})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
