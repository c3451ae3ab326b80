package controlplane

import (
	"net/http"

	"github.com/R3E-Network/req2run-engine/internal/version"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.FullVersion()})
}
