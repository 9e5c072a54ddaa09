package health

import (
	"encoding/json"
	"net/http"
)

// Handler exposes the manager over HTTP:
//
//	/healthz  liveness, always 200 while the process answers
//	/readyz   readiness, 503 until every critical check passes
//	/health   full JSON report
func Handler(m *Manager) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !m.Ready(r.Context()) {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		overall := m.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !overall.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(overall)
	})

	return mux
}
