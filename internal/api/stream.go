package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crucible-run/crucible/internal/model"
)

// handleStreamOutput streams a running session's chunks as server-sent
// events. Short-polling /output remains the primary contract; the stream is
// a convenience for clients that keep a connection open.
func (s *Server) handleStreamOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeSessionError(w, id, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Terminal sessions have nothing live to stream; the poll endpoint
	// serves retained output.
	if model.IsTerminal(sess.Status) {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Safe even if the session finished between the status check above and
	// this call: Subscribe on a closed topic returns a closed channel and
	// the loop below exits immediately.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				// Session finished; send an explicit done event before closing.
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEChunk(w, chunk); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEChunk writes one chunk as an SSE data event carrying the JSON
// encoding of {seq, data}.
func writeSSEChunk(w http.ResponseWriter, chunk model.OutputChunk) error {
	payload, err := json.Marshal(chunkJSON{Seq: chunk.Seq, Data: chunk.Data})
	if err != nil {
		return err
	}
	for seg := range strings.SplitSeq(string(payload), "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err = fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
