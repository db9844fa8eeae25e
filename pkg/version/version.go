// Package version carries the build-time version string of kubedoor-agent
// and exposes it both for the tunnel handshake and for a startup metric.
package version

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Raw is replaced with the real version at build time via -ldflags.
	Raw = "v0.0.0-was-not-built-properly"

	// String is the human-friendly representation reported in logs and by
	// /api/health; the tunnel handshake query string (?ver=) carries Raw.
	String = fmt.Sprintf("kubedoor-agent %s", Raw)
)

func init() {
	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kubedoor_agent_build_info",
			Help: "A metric with a constant '1' value labeled by the agent's build version.",
		},
		[]string{"version"},
	)
	buildInfo.WithLabelValues(Raw).Set(1)
	prometheus.MustRegister(buildInfo)
}
