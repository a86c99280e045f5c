package httpapi

import "net/http"

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"window_size": 0,
			"stages":      []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}

// handlePerfReset clears the rolling stage window so a new run starts clean.
// Prometheus counters are cumulative and stay untouched.
func (s *Server) handlePerfReset(w http.ResponseWriter, _ *http.Request) {
	dropped := s.metrics.ResetTurnStages()
	s.logger.WithField("dropped_samples", dropped).Info("stage latency window reset")
	respondJSON(w, http.StatusOK, map[string]any{
		"reset":           true,
		"dropped_samples": dropped,
	})
}
