package api

import "net/http"

func (s *Server) handleListRuntimes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"runtimes": s.registry.List(),
	})
}
