package server

import (
	"log/slog"
	"net/http"
)

var plainCT = []string{"text/plain; charset=utf-8"}

func writeProbe(w http.ResponseWriter, status int, body string) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// handleHealthz reports liveness only; it never touches storage or workers.
func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeProbe(w, http.StatusOK, "ok")
}

// handleReadyz reports whether snapshot storage is reachable.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if check := s.deps.ReadyCheck; check != nil {
		if err := check(r.Context()); err != nil {
			slog.LogAttrs(r.Context(), slog.LevelWarn, "readiness check failed",
				slog.String("error", err.Error()))
			writeProbe(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeProbe(w, http.StatusOK, "ok")
}
