package httpapi

import "net/http"

// HealthzHandler reports basic process liveness; sidefx has no external
// dependency on the liveness path itself (only readiness checks connectivity).
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler reports whether Postgres and the broker are reachable.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{}
		ready := true

		if s.DBCheck != nil {
			if err := s.DBCheck(r.Context()); err != nil {
				checks["db"] = err.Error()
				ready = false
			} else {
				checks["db"] = "ok"
			}
		}
		if s.BrokerCheck != nil {
			if err := s.BrokerCheck(r.Context()); err != nil {
				checks["broker"] = err.Error()
				ready = false
			} else {
				checks["broker"] = "ok"
			}
		}

		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
	}
}
