package app

import (
	"net/http"

	"pairlink/cmd/internal/audit"
	"pairlink/cmd/internal/metrics"
	"pairlink/cmd/internal/pairing/pairapi"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	rec *audit.PostgresRecorder,
	m *metrics.Metrics,
	pair *pairapi.Handler,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && rec == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if rec != nil {
			if err := auditReady(r.Context(), rec); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}

	pair.Register(mux)
}
