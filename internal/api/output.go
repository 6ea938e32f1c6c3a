package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crucible-run/crucible/internal/model"
)

// chunkJSON is one output chunk in the poll response.
type chunkJSON struct {
	Seq  int    `json:"seq"`
	Data string `json:"data"`
}

// outputResponse is the JSON response for GET /v1/sessions/{id}/output.
// NextOffset is the `from` value a client passes on its next poll to resume
// exactly where this response left off.
type outputResponse struct {
	SessionID  string      `json:"session_id"`
	Status     string      `json:"status"`
	Terminal   bool        `json:"terminal"`
	Diagnostic string      `json:"diagnostic,omitempty"`
	Condition  string      `json:"condition,omitempty"`
	Chunks     []chunkJSON `json:"chunks"`
	NextOffset int         `json:"next_offset"`
}

// handleGetOutput implements the short-poll contract: return every chunk with
// seq >= from that is available right now plus the current lifecycle state,
// and never block waiting for more. Re-polling is the client's decision.
func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	from := parseIntQuery(r, "from", 0)
	if from < 0 {
		from = 0
	}

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeSessionError(w, id, err)
		return
	}

	chunks, err := s.store.GetChunks(r.Context(), id, from)
	if err != nil {
		s.logger.Error("get chunks", "session_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get output")
		return
	}

	if err := s.store.TouchPolled(r.Context(), id); err != nil {
		// Poll bookkeeping must not fail the read.
		s.logger.Error("touch session", "session_id", id, "error", err)
	}

	resp := outputResponse{
		SessionID:  id,
		Status:     sess.Status,
		Terminal:   model.IsTerminal(sess.Status),
		Chunks:     make([]chunkJSON, 0, len(chunks)),
		NextOffset: from,
	}
	for _, c := range chunks {
		resp.Chunks = append(resp.Chunks, chunkJSON{Seq: c.Seq, Data: c.Data})
		resp.NextOffset = c.Seq + 1
	}
	if sess.Status == model.StatusFailed {
		resp.Condition = condWorkerFailure
		resp.Diagnostic = sess.Diagnostic
	}

	s.writeJSON(w, http.StatusOK, resp)
}
