package httpapi

import "net/http"

// handlePerfLatency serves the rolling per-stage turn latency window.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	snap := s.metrics.SnapshotTurnStages()
	respondJSON(w, http.StatusOK, map[string]any{
		"generated_at":    snap.GeneratedAt,
		"window_size":     snap.WindowSize,
		"stages":          snap.Stages,
		"indicators":      snap.Indicators,
		"active_sessions": s.sessions.ActiveCount(),
	})
}
