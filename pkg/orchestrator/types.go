// Package orchestrator implements the scale/restart/update-image batch
// operations of the /api/scale, /api/restart, /api/update-image,
// /api/cron, and /api/balance_node routes, grounded on
// _examples/original_source/src/kubedoor-agent/scaler/{scale_service,
// restart_service}.py.
package orchestrator

import "time"

// NodeLoad is one candidate node's CPU load, supplied in the request body
// for the add_label node-selection branches.
type NodeLoad struct {
	Node    string  `json:"node"`
	CPULoad float64 `json:"cpu_load"`
}

// DeploymentTarget is one {namespace, name, num} entry in a scale/restart
// batch, plus the cross-cutting flags and optional CronJob bookkeeping.
type DeploymentTarget struct {
	Namespace string
	Name      string
	Replicas  int64 // desired replica count (scale); ignored by restart

	AddLabel  bool
	Scheduler bool
	Temp      bool
	Isolate   bool
	CCI       bool
	Interval  time.Duration

	// AllowListNodes is the cordon-except allow-list when Scheduler is set.
	AllowListNodes []string
	// CandidateNodes is the CPU-load-ranked candidate list the add_label
	// branches select from.
	CandidateNodes []NodeLoad

	// JobName/JobType identify the CronJob that fired this request, if any;
	// a "once" job is deleted after it runs.
	JobName string
	JobType string

	// FromCron marks a request that originated from a CronJob firing,
	// matching the "not called from a CronJob" CCI guard in §4.5.1.
	FromCron bool
}

// ItemResult is one deployment's outcome within a batch response.
type ItemResult struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Message   string `json:"message"`
}
