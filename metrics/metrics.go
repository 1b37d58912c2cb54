// Package metrics exposes Prometheus-format metrics on a dedicated listener.
package metrics

import (
	"context"
	"net/http"

	vmetrics "github.com/VictoriaMetrics/metrics"
)

// MetricsServer serves the process metrics set on its own address so the
// operational surface stays off the public API listeners.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on addr.
func New(addr string) *MetricsServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		vmetrics.WritePrometheus(w, true)
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// ListenAndServe blocks serving metrics until Shutdown or failure.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

// Package-level counters used by the orchestrator and the polling layer.
var (
	ProvisionSuccess = vmetrics.GetOrCreateCounter("provisioning_backend_provision_success_total")
	ProvisionFailure = vmetrics.GetOrCreateCounter("provisioning_backend_provision_failure_total")
	DeprovisionTotal = vmetrics.GetOrCreateCounter("provisioning_backend_deprovision_total")
	PollTimeouts     = vmetrics.GetOrCreateCounter("provisioning_backend_poll_timeouts_total")
)
