// Package metrics declares the Prometheus collectors kubedoor-agent exposes
// on /metrics, mirroring the registration pattern of
// cmd/machine-api-operator/main.go (a dedicated registry plus the default Go
// and process collectors) rather than the global default registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	AdmissionRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kubedoor_agent_admission_requests_total",
		Help: "Total admission requests handled by the mutating webhook, by decision.",
	}, []string{"decision"})

	ScaleOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kubedoor_agent_scale_operations_total",
		Help: "Total scale operations processed, by outcome.",
	}, []string{"outcome"})

	CordonErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kubedoor_agent_cordon_errors_total",
		Help: "Total node cordon/uncordon operations that failed.",
	}, []string{"operation"})

	TunnelReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kubedoor_agent_tunnel_reconnects_total",
		Help: "Total number of times the master tunnel connection was re-established.",
	})

	TunnelEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kubedoor_agent_tunnel_events_total",
		Help: "Total Kubernetes watch events forwarded over the master tunnel, by kind.",
	}, []string{"kind"})
)

// stringPointerDeref returns the string p points to, or "" when p is nil.
func stringPointerDeref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Register adds every collector declared here to reg.
func Register(reg *prometheus.Registry) {
	reg.MustRegister(
		AdmissionRequestsTotal,
		ScaleOperationsTotal,
		CordonErrorsTotal,
		TunnelReconnectsTotal,
		TunnelEventsTotal,
	)
}
