package httpserver

import (
	"net/http"
	"time"

	"github.com/cassinfra/kubedoor-agent/internal/apierr"
	"github.com/cassinfra/kubedoor-agent/pkg/cronjob"
	"github.com/cassinfra/kubedoor-agent/pkg/orchestrator"
)

// scaleRequest is the /api/scale body: a batch of deployments plus the
// cross-cutting flags from spec.md §4.5.
type scaleRequest struct {
	DeploymentList []struct {
		Namespace      string                   `json:"namespace"`
		DeploymentName string                   `json:"deployment_name"`
		Num            int64                    `json:"num"`
		JobName        string                   `json:"job_name"`
		JobType        string                   `json:"job_type"`
		CandidateNodes []orchestrator.NodeLoad `json:"candidate_nodes"`
	} `json:"deployment_list"`
	NodeScheduler []string `json:"node_scheduler"`
	AddLabel      bool     `json:"add_label"`
	Scheduler     bool     `json:"scheduler"`
	Temp          bool     `json:"temp"`
	Isolate       bool     `json:"isolate"`
	CCI           bool     `json:"cci"`
	Interval      int      `json:"interval"`
	FromCron      bool     `json:"from_cron"`
}

func (req scaleRequest) targets() []orchestrator.DeploymentTarget {
	targets := make([]orchestrator.DeploymentTarget, 0, len(req.DeploymentList))
	for _, d := range req.DeploymentList {
		targets = append(targets, orchestrator.DeploymentTarget{
			Namespace:      d.Namespace,
			Name:           d.DeploymentName,
			Replicas:       d.Num,
			AddLabel:       req.AddLabel,
			Scheduler:      req.Scheduler,
			Temp:           req.Temp,
			Isolate:        req.Isolate,
			CCI:            req.CCI,
			Interval:       time.Duration(req.Interval) * time.Second,
			AllowListNodes: req.NodeScheduler,
			CandidateNodes: d.CandidateNodes,
			JobName:        d.JobName,
			JobType:        d.JobType,
			FromCron:       req.FromCron,
		})
	}
	return targets
}

func (d Deps) serveScale(w http.ResponseWriter, r *http.Request) {
	var req scaleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AddLabel && req.Scheduler {
		http.Error(w, "add_label and scheduler are mutually exclusive", http.StatusBadRequest)
		return
	}

	results, err := d.Orchestrator.Scale(r.Context(), req.targets())
	if err != nil {
		http.Error(w, err.Error(), apierr.StatusCode(err))
		return
	}
	writeJSON(w, results)
}

// restartRequest carries the deployment list plus the scheduler and
// interval flags; it has no Num (restart ignores replica count) and none
// of scaleRequest's add_label/temp/isolate/cci/from_cron flags.
type restartRequest struct {
	DeploymentList []struct {
		Namespace      string `json:"namespace"`
		DeploymentName string `json:"deployment_name"`
		JobName        string `json:"job_name"`
		JobType        string `json:"job_type"`
	} `json:"deployment_list"`
	NodeScheduler []string `json:"node_scheduler"`
	Scheduler     bool     `json:"scheduler"`
	Interval      int      `json:"interval"`
}

func (req restartRequest) targets() []orchestrator.DeploymentTarget {
	targets := make([]orchestrator.DeploymentTarget, 0, len(req.DeploymentList))
	for _, d := range req.DeploymentList {
		targets = append(targets, orchestrator.DeploymentTarget{
			Namespace:      d.Namespace,
			Name:           d.DeploymentName,
			Scheduler:      req.Scheduler,
			Interval:       time.Duration(req.Interval) * time.Second,
			AllowListNodes: req.NodeScheduler,
			JobName:        d.JobName,
			JobType:        d.JobType,
		})
	}
	return targets
}

func (d Deps) serveRestart(w http.ResponseWriter, r *http.Request) {
	var req restartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	results, err := d.Orchestrator.Restart(r.Context(), req.targets())
	if err != nil {
		http.Error(w, err.Error(), apierr.StatusCode(err))
		return
	}
	writeJSON(w, results)
}

type updateImageRequest struct {
	Namespace  string `json:"namespace"`
	Deployment string `json:"deployment_name"`
	Image      string `json:"image"`
}

func (d Deps) serveUpdateImage(w http.ResponseWriter, r *http.Request) {
	var req updateImageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, err := d.Orchestrator.UpdateImage(r.Context(), req.Namespace, req.Deployment, req.Image)
	if err != nil {
		http.Error(w, err.Error(), apierr.StatusCode(err))
		return
	}
	writeJSON(w, status)
}

type cronRequest struct {
	OpType         string          `json:"op_type"`
	DeploymentName string          `json:"deployment_name"`
	ServiceJSON    string          `json:"service_json"`
	Time           *cronjob.TimeExpr `json:"time"`
	CronExpr       string          `json:"cron_expr"`
	AddLabel       bool            `json:"add_label"`
	Scheduler      bool            `json:"scheduler"`
}

func (d Deps) serveCron(w http.ResponseWriter, r *http.Request) {
	var req cronRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := d.Orchestrator.CreateCron(r.Context(), cronjob.Request{
		OpType:         req.OpType,
		DeploymentName: req.DeploymentName,
		ServiceJSON:    req.ServiceJSON,
		TimeExpr:       req.Time,
		CronExpr:       req.CronExpr,
		AddLabel:       req.AddLabel,
		Scheduler:      req.Scheduler,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

type balanceNodeRequest struct {
	Source         string `json:"source"`
	Target         string `json:"target"`
	TopDeployments []struct {
		Namespace  string `json:"namespace"`
		Deployment string `json:"deployment"`
	} `json:"top_deployments"`
}

func (d Deps) serveBalanceNode(w http.ResponseWriter, r *http.Request) {
	var req balanceNodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	targets := make([]orchestrator.BalanceTarget, 0, len(req.TopDeployments))
	for _, dep := range req.TopDeployments {
		targets = append(targets, orchestrator.BalanceTarget{
			Namespace:  dep.Namespace,
			Name:       dep.Deployment,
			SourceNode: req.Source,
			TargetNode: req.Target,
		})
	}
	results := d.Orchestrator.BalanceNode(r.Context(), targets)
	writeJSON(w, results)
}

func (d Deps) serveNodesList(w http.ResponseWriter, r *http.Request) {
	status, err := d.Scheduler.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, status)
}

type nodesExceptRequest struct {
	Exclude []string `json:"exclude"`
}

func (d Deps) serveNodesCordon(w http.ResponseWriter, r *http.Request) {
	var req nodesExceptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	batch, err := d.Scheduler.CordonExcept(r.Context(), req.Exclude)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, batch)
}

func (d Deps) serveNodesUncordon(w http.ResponseWriter, r *http.Request) {
	var req nodesExceptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := d.Scheduler.UncordonExcept(req.Exclude, 0, nil); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "scheduled"})
}
