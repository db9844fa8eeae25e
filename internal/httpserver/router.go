// Package httpserver wires the chi mux backing the §6 route table: the
// admission webhook, the scale/restart/update-image/cron/balance_node
// orchestrator endpoints, the admis_switch control surface, and the
// read-only inventory views. Grounded on the teacher's
// cmd/machine-api-operator/start.go's startHTTPSMetricServer shape for
// the TLS listener, generalized from a metrics-only mux to the full
// route table chi affords.
package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"k8s.io/klog/v2"

	"github.com/cassinfra/kubedoor-agent/pkg/admission"
	"github.com/cassinfra/kubedoor-agent/pkg/inventory"
	"github.com/cassinfra/kubedoor-agent/pkg/nodescheduler"
	"github.com/cassinfra/kubedoor-agent/pkg/orchestrator"
	"github.com/cassinfra/kubedoor-agent/pkg/version"
)

// Deps bundles every component the router dispatches into — the mutator,
// the orchestrator, the node scheduler, the inventory views — so New
// never has to reach past its own arguments.
type Deps struct {
	Mutator      *admission.Mutator
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *nodescheduler.Scheduler
	Inventory    *inventory.Views
}

// New builds the chi.Router serving the port-443 HTTPS listener's route
// table from SPEC_FULL.md §6.
func New(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/api/health", serveHealth)

	r.Post("/api/admis", d.Mutator.ServeAdmisMutate)
	r.Get("/api/admis_switch", d.Mutator.ServeAdmisSwitch)

	r.Post("/api/scale", d.serveScale)
	r.Post("/api/restart", d.serveRestart)
	r.Post("/api/update-image", d.serveUpdateImage)
	r.Post("/api/cron", d.serveCron)
	r.Post("/api/balance_node", d.serveBalanceNode)

	r.Get("/api/nodes", d.Inventory.ServeNodes)
	r.Get("/api/events", d.Inventory.ServeEvents)
	r.Get("/api/get_dpm_pods", d.Inventory.ServeDpmPods)

	r.Get("/api/nodes/list", d.serveNodesList)
	r.Post("/api/nodes/cordon", d.serveNodesCordon)
	r.Post("/api/nodes/uncordon", d.serveNodesUncordon)

	r.Get("/api/agent/configmaps", d.Inventory.ServeConfigMaps)
	r.Get("/api/agent/services", d.Inventory.ServeServices)
	r.Get("/api/agent/ingresses", d.Inventory.ServeIngresses)
	r.Get("/api/agent/pods", d.Inventory.ServePods)
	r.Get("/api/agent/statefulsets", d.Inventory.ServeStatefulSets)
	r.Get("/api/agent/daemonsets", d.Inventory.ServeDaemonSets)

	// The full res/ops YAML surface (create|apply|replace, per-resource
	// content/delete) is out of scope per spec.md Non-goals beyond the
	// three-way-merge contract pkg/resourceops implements; these routes
	// exist so the table in §6 is complete but return 501 until a caller
	// needs more than the merge contract itself.
	r.Post("/api/agent/res/ops", serveNotImplemented)
	r.Get("/api/agent/res/content", serveNotImplemented)
	r.Delete("/api/agent/res/delete", serveNotImplemented)

	return r
}

func serveHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"ver": version.String, "status": "healthy"})
}

func serveNotImplemented(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "not implemented: out of scope per spec Non-goals", http.StatusNotImplemented)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.Errorf("httpserver: encode response: %v", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "decode request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}
