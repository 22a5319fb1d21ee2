package api

import (
	"net/http"

	"github.com/otherjamesbrown/vcmatrix/pkg/buildinfo"
	"github.com/otherjamesbrown/vcmatrix/pkg/health"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": health.StatusOK})
}

// handleReadyz runs the dependency checks; an unavailable report is 503.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, health.Report{Status: health.StatusOK})
		return
	}
	report := s.deps.Health.Run(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Get(s.cfg.ServiceName))
}
