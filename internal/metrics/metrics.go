package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gustycube/avasite/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	ProbesTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "avasite_probes_total", Help: "probes executed"}, []string{"kind", "result"})
	ProbeRTT      = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "avasite_probe_rtt_ms", Help: "rtt of successful probes in milliseconds", Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000}}, []string{"kind"})
	ResultsTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "avasite_results_total", Help: "check results produced"}, []string{"status"})
	Iterations    = prometheus.NewCounter(prometheus.CounterOpts{Name: "avasite_iterations_total", Help: "completed check iterations"})
	StatusChanges = prometheus.NewCounter(prometheus.CounterOpts{Name: "avasite_status_changes_total", Help: "observed status transitions"})
	SinkErrors    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "avasite_sink_errors_total", Help: "result sink write failures"}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(ProbesTotal, ProbeRTT, ResultsTotal, Iterations, StatusChanges, SinkErrors)
}

// ObserveProbe counts one probe of the given kind and records its rtt when it succeeded.
func ObserveProbe(kind string, ok bool, rttMs float64) {
	if !ok {
		ProbesTotal.WithLabelValues(kind, "fail").Inc()
		return
	}
	ProbesTotal.WithLabelValues(kind, "ok").Inc()
	ProbeRTT.WithLabelValues(kind).Observe(rttMs)
}

// Router exposes /metrics next to the health endpoints.
func Router(healthHandler *health.Handler) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", healthHandler.HealthHandler)
	r.Get("/ready", healthHandler.ReadinessHandler)
	r.Get("/live", healthHandler.LivenessHandler)
	return r
}

func ServeWithHealth(addr string, healthHandler *health.Handler, log *zap.SugaredLogger) {
	if err := http.ListenAndServe(addr, Router(healthHandler)); err != nil {
		log.Warnw("metrics server stopped", "err", err)
	}
}
