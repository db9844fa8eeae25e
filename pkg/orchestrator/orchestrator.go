package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/cassinfra/kubedoor-agent/internal/apierr"
	"github.com/cassinfra/kubedoor-agent/pkg/chatbridge"
	"github.com/cassinfra/kubedoor-agent/pkg/cronjob"
	"github.com/cassinfra/kubedoor-agent/pkg/metrics"
	"github.com/cassinfra/kubedoor-agent/pkg/nodescheduler"
	"github.com/cassinfra/kubedoor-agent/pkg/orchestrator/cci"
)

const (
	defaultScaleUncordonDelay   = 10 * time.Second
	defaultRestartUncordonDelay = 120 * time.Second
	delabelReconcileDelay       = 2 * time.Second
	patchConflictAttempts       = 3
	patchConflictBackoff        = 1 * time.Second
)

// Orchestrator drives the batch scale/restart/update-image/cron/balance
// operations, delegating node cordon fan-out to nodescheduler and CCI
// burst scaling to the cci package.
type Orchestrator struct {
	client         kubernetes.Interface
	scheduler      *nodescheduler.Scheduler
	cci            *cci.Scaler
	cronFactory    *cronjob.Factory
	notifier       chatbridge.Notifier
	nodeLabelValue string
}

func New(client kubernetes.Interface, dyn dynamic.Interface, scheduler *nodescheduler.Scheduler, notifier chatbridge.Notifier, nodeLabelValue string) *Orchestrator {
	return &Orchestrator{
		client:         client,
		scheduler:      scheduler,
		cci:            cci.New(client, dyn),
		cronFactory:    cronjob.New(client),
		notifier:       notifier,
		nodeLabelValue: nodeLabelValue,
	}
}

func (o *Orchestrator) notify(namespace, name, msg string) {
	if o.notifier == nil {
		return
	}
	o.notifier.Send(context.Background(), fmt.Sprintf("[%s/%s] %s", namespace, name, msg))
}

func labelKey(namespace, name string) string { return namespace + "." + name }

// Scale runs the batch §4.5.1 procedure over every target in order,
// pausing Interval between deployments.
func (o *Orchestrator) Scale(ctx context.Context, targets []DeploymentTarget) ([]ItemResult, error) {
	results := make([]ItemResult, 0, len(targets))
	for i, t := range targets {
		if t.AddLabel && t.Scheduler {
			results = append(results, ItemResult{Namespace: t.Namespace, Name: t.Name, Message: "add_label and scheduler are mutually exclusive"})
			continue
		}
		results = append(results, o.scaleOne(ctx, t))
		if i < len(targets)-1 && t.Interval > 0 {
			time.Sleep(t.Interval)
		}
	}
	return results, nil
}

func (o *Orchestrator) scaleOne(ctx context.Context, t DeploymentTarget) ItemResult {
	res := ItemResult{Namespace: t.Namespace, Name: t.Name}

	dep, err := o.client.AppsV1().Deployments(t.Namespace).Get(ctx, t.Name, metav1.GetOptions{})
	if err != nil {
		res.Message = fmt.Sprintf("get deployment: %v", err)
		return res
	}
	currentReplicas := int64(0)
	if dep.Spec.Replicas != nil {
		currentReplicas = int64(*dep.Spec.Replicas)
	}

	delScaleTemp := false
	annotations := map[string]*string{}
	if t.Temp {
		v := fmt.Sprintf("%s@%d-->%d", time.Now().Format("2006-01-02 15:04:05"), currentReplicas, t.Replicas)
		annotations["scale.temp"] = &v
	} else if _, ok := dep.Annotations["scale.temp"]; ok {
		delScaleTemp = true
		annotations["scale.temp"] = nil
	}

	if t.Replicas > currentReplicas && t.AddLabel {
		if err := o.labelUpForScale(ctx, t, currentReplicas); err != nil {
			res.Message = err.Error()
			return res
		}
	} else if t.Replicas < currentReplicas && t.AddLabel {
		if err := o.labelDownForScale(ctx, t, currentReplicas); err != nil {
			res.Message = err.Error()
			return res
		}
	}

	if t.Scheduler {
		if err := o.withCordonWindow(ctx, t.AllowListNodes, func() error {
			return o.patchReplicasAndAnnotations(ctx, t.Namespace, t.Name, t.Replicas, annotations, t.Temp || delScaleTemp)
		}); err != nil {
			res.Message = err.Error()
			return res
		}
		o.scheduleDelayedUncordon(t.AllowListNodes, defaultScaleUncordonDelay, t.Namespace, t.Name)
	} else if t.CCI && !t.FromCron {
		var scaleTempPatch []byte
		if t.Temp || delScaleTemp {
			raw, err := json.Marshal(map[string]any{
				"metadata": map[string]any{"annotations": annotations},
				"spec":     map[string]any{"replicas": t.Replicas},
			})
			if err != nil {
				res.Message = err.Error()
				return res
			}
			scaleTempPatch = raw
		}
		if err := o.cci.ExecuteScaling(ctx, t.Namespace, t.Name, currentReplicas, t.Replicas, t.Temp || delScaleTemp, scaleTempPatch); err != nil {
			res.Message = err.Error()
			return res
		}
	} else {
		if err := o.patchReplicasAndAnnotations(ctx, t.Namespace, t.Name, t.Replicas, annotations, t.Temp || delScaleTemp); err != nil {
			res.Message = err.Error()
			return res
		}
	}

	if t.JobName != "" {
		if err := o.cronFactory.DeleteIfOnce(ctx, t.JobName, t.JobType); err != nil {
			klog.Warningf("orchestrator: delete cronjob %s: %v", t.JobName, err)
		}
	}

	metrics.ScaleOperationsTotal.WithLabelValues("success").Inc()
	res.OK = true
	res.Message = "scaled"
	return res
}

// labelUpForScale implements the num>current add_label branch: label the
// lowest-CPU-load candidate nodes not already labeled until num nodes (one
// more with Isolate) carry the label, refusing if there aren't enough.
func (o *Orchestrator) labelUpForScale(ctx context.Context, t DeploymentTarget, currentReplicas int64) error {
	need := t.Replicas
	if t.Isolate {
		need++
	}

	labeled, err := o.labeledNodeNames(ctx, t.Namespace, t.Name)
	if err != nil {
		return err
	}
	need -= int64(len(labeled))
	if need <= 0 {
		return nil
	}

	candidates := make([]NodeLoad, 0, len(t.CandidateNodes))
	for _, c := range t.CandidateNodes {
		if _, already := labeled[c.Node]; !already {
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CPULoad < candidates[j].CPULoad })

	if int64(len(candidates)) < need {
		return apierr.NewFatal(500, "剩余可调度节点不足: 需要 %d, 可用 %d", need, len(candidates))
	}

	for i := int64(0); i < need; i++ {
		if err := o.labelNode(ctx, candidates[i].Node, t.Namespace, t.Name); err != nil {
			return fmt.Errorf("label node %s: %w", candidates[i].Node, err)
		}
	}
	return nil
}

// labelDownForScale implements the num<current add_label branch: pick the
// highest-CPU-load labeled nodes, unlabel them, and evict one pod per
// freed node.
func (o *Orchestrator) labelDownForScale(ctx context.Context, t DeploymentTarget, currentReplicas int64) error {
	remove := currentReplicas - t.Replicas

	labeled, err := o.labeledNodeNames(ctx, t.Namespace, t.Name)
	if err != nil {
		return err
	}

	candidates := make([]NodeLoad, 0, len(t.CandidateNodes))
	for _, c := range t.CandidateNodes {
		if _, ok := labeled[c.Node]; ok {
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CPULoad > candidates[j].CPULoad })

	if int64(len(candidates)) < remove {
		remove = int64(len(candidates))
	}

	for i := int64(0); i < remove; i++ {
		node := candidates[i].Node
		if err := o.unlabelNode(ctx, node, t.Namespace, t.Name); err != nil {
			return fmt.Errorf("unlabel node %s: %w", node, err)
		}
		if err := o.deleteOnePodOnNode(ctx, t.Namespace, t.Name, node); err != nil {
			return fmt.Errorf("evict pod on node %s: %w", node, err)
		}
	}
	if remove > 0 {
		time.Sleep(delabelReconcileDelay)
	}
	return nil
}

func (o *Orchestrator) labeledNodeNames(ctx context.Context, namespace, name string) (map[string]struct{}, error) {
	key := labelKey(namespace, name)
	nodes, err := o.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{LabelSelector: key + "=" + o.nodeLabelValue})
	if err != nil {
		return nil, fmt.Errorf("list labeled nodes: %w", err)
	}
	set := make(map[string]struct{}, len(nodes.Items))
	for _, n := range nodes.Items {
		set[n.Name] = struct{}{}
	}
	return set, nil
}

func (o *Orchestrator) labelNode(ctx context.Context, node, namespace, name string) error {
	patch := []byte(fmt.Sprintf(`{"metadata":{"labels":{%q:%q}}}`, labelKey(namespace, name), o.nodeLabelValue))
	_, err := o.client.CoreV1().Nodes().Patch(ctx, node, types.MergePatchType, patch, metav1.PatchOptions{})
	return err
}

func (o *Orchestrator) unlabelNode(ctx context.Context, node, namespace, name string) error {
	patch := []byte(fmt.Sprintf(`{"metadata":{"labels":{%q:null}}}`, labelKey(namespace, name)))
	_, err := o.client.CoreV1().Nodes().Patch(ctx, node, types.MergePatchType, patch, metav1.PatchOptions{})
	return err
}

// deleteOnePodOnNode deletes one pod of this deployment scheduled onto
// node, matching "targeted by the deployment's selector AND
// spec.nodeName=<node>".
func (o *Orchestrator) deleteOnePodOnNode(ctx context.Context, namespace, name, node string) error {
	dep, err := o.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return err
	}
	selector := metav1.FormatLabelSelector(dep.Spec.Selector)
	pods, err := o.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
		FieldSelector: "spec.nodeName=" + node,
	})
	if err != nil {
		return err
	}
	if len(pods.Items) == 0 {
		return nil
	}
	return o.client.CoreV1().Pods(namespace).Delete(ctx, pods.Items[0].Name, metav1.DeleteOptions{})
}

// withCordonWindow cordons everything except allowList, runs fn, and
// rolls back with an uncordon-except when any node fails to cordon (fn is
// then not run) or when fn returns an error.
func (o *Orchestrator) withCordonWindow(ctx context.Context, allowList []string, fn func() error) error {
	batch, err := o.scheduler.CordonExcept(ctx, allowList)
	if err != nil {
		return fmt.Errorf("cordon-except: %w", err)
	}
	if batch.ErrorCount > 0 {
		if uerr := o.scheduler.UncordonExcept(allowList, 0, nil); uerr != nil {
			klog.Errorf("orchestrator: rollback uncordon-except failed: %v", uerr)
		}
		return fmt.Errorf("cordon-except: %d/%d nodes failed to cordon", batch.ErrorCount, len(batch.Results))
	}
	if err := fn(); err != nil {
		if uerr := o.scheduler.UncordonExcept(allowList, 0, nil); uerr != nil {
			klog.Errorf("orchestrator: rollback uncordon-except failed: %v", uerr)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) scheduleDelayedUncordon(allowList []string, delay time.Duration, namespace, name string) {
	_ = o.scheduler.UncordonExcept(allowList, delay, func(message string) {
		o.notify(namespace, name, message)
	})
}

// patchReplicasAndAnnotations patches replicas via PATCH /scale unless
// fullSpec is set (temp=true or del_scale_temp), in which case the
// annotation change rides along in a full deployment patch. Retries up
// to 3x on 409 with a 1s backoff.
func (o *Orchestrator) patchReplicasAndAnnotations(ctx context.Context, namespace, name string, replicas int64, annotations map[string]*string, fullSpec bool) error {
	return o.retryPatch(ctx, func() error {
		if !fullSpec {
			patch := []byte(fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas))
			_, err := o.client.AppsV1().Deployments(namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{}, "scale")
			return err
		}
		annoPatch := map[string]any{}
		for k, v := range annotations {
			annoPatch[k] = v
		}
		body := map[string]any{
			"metadata": map[string]any{"annotations": annoPatch},
			"spec":     map[string]any{"replicas": replicas},
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		_, err = o.client.AppsV1().Deployments(namespace).Patch(ctx, name, types.MergePatchType, raw, metav1.PatchOptions{})
		return err
	})
}

// Restart runs the batch §4.5.2 procedure: same outer shell as Scale but
// patches a restartedAt annotation on the pod template instead of
// replicas, and uses the 120s uncordon delay.
func (o *Orchestrator) Restart(ctx context.Context, targets []DeploymentTarget) ([]ItemResult, error) {
	results := make([]ItemResult, 0, len(targets))
	for i, t := range targets {
		results = append(results, o.restartOne(ctx, t))
		if i < len(targets)-1 && t.Interval > 0 {
			time.Sleep(t.Interval)
		}
	}
	return results, nil
}

func (o *Orchestrator) restartOne(ctx context.Context, t DeploymentTarget) ItemResult {
	res := ItemResult{Namespace: t.Namespace, Name: t.Name}

	restart := func() error {
		return o.retryPatch(ctx, func() error {
			patch := []byte(fmt.Sprintf(
				`{"spec":{"template":{"metadata":{"annotations":{"kubectl.kubernetes.io/restartedAt":%q}}}}}`,
				time.Now().Format(time.RFC3339),
			))
			_, err := o.client.AppsV1().Deployments(t.Namespace).Patch(ctx, t.Name, types.MergePatchType, patch, metav1.PatchOptions{})
			return err
		})
	}

	var err error
	if t.Scheduler {
		err = o.withCordonWindow(ctx, t.AllowListNodes, restart)
		o.scheduleDelayedUncordon(t.AllowListNodes, defaultRestartUncordonDelay, t.Namespace, t.Name)
	} else {
		err = restart()
	}
	if err != nil {
		res.Message = err.Error()
		return res
	}

	if t.JobName != "" {
		if derr := o.cronFactory.DeleteIfOnce(ctx, t.JobName, t.JobType); derr != nil {
			klog.Warningf("orchestrator: delete cronjob %s: %v", t.JobName, derr)
		}
	}

	res.OK = true
	res.Message = "restarted"
	return res
}

// CreateCron builds and submits the CronJob backing a delayed or recurring
// scale/restart operation.
func (o *Orchestrator) CreateCron(ctx context.Context, req cronjob.Request) error {
	return o.cronFactory.Create(ctx, req)
}
