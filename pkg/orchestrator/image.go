package orchestrator

import (
	"context"
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/klog/v2"
)

const (
	defaultImagePollInterval = 3 * time.Second
	defaultImageSLA          = 300 * time.Second
)

// MonitorPhase is the DeploymentMonitor's progress contract, reported to
// the caller and the chat bridge.
type MonitorPhase string

const (
	PhaseRolling MonitorPhase = "rolling"
	PhaseReady   MonitorPhase = "ready"
	PhaseTimeout MonitorPhase = "timeout"
)

// MonitorStatus is one progress snapshot from DeploymentMonitor.
type MonitorStatus struct {
	Phase   MonitorPhase  `json:"phase"`
	Ready   int32         `json:"ready"`
	Desired int32         `json:"desired"`
	Elapsed time.Duration `json:"elapsed"`
}

// UpdateImage patches a deployment's primary container image then polls
// readyReplicas against the desired replica count up to an SLA deadline,
// matching the upimage_monitor / DeploymentMonitor contract named in
// spec.md §4.5.3 and supplemented from original_source in SPEC_FULL.md
// §4.5.6.
func (o *Orchestrator) UpdateImage(ctx context.Context, namespace, name, image string) (MonitorStatus, error) {
	patch := []byte(fmt.Sprintf(`{"spec":{"template":{"spec":{"containers":[{"name":%q,"image":%q}]}}}}`, "app", image))
	dep, err := o.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return MonitorStatus{}, fmt.Errorf("get deployment: %w", err)
	}
	if len(dep.Spec.Template.Spec.Containers) > 0 {
		patch = []byte(fmt.Sprintf(`{"spec":{"template":{"spec":{"containers":[{"name":%q,"image":%q}]}}}}`, dep.Spec.Template.Spec.Containers[0].Name, image))
	}
	if _, err := o.client.AppsV1().Deployments(namespace).Patch(ctx, name, types.StrategicMergePatchType, patch, metav1.PatchOptions{}); err != nil {
		return MonitorStatus{}, fmt.Errorf("patch image: %w", err)
	}

	return o.DeploymentMonitor(ctx, namespace, name, defaultImagePollInterval, defaultImageSLA)
}

// DeploymentMonitor polls status.readyReplicas against spec.replicas on
// interval until they match or the SLA deadline elapses, notifying the
// chat bridge on completion or timeout.
func (o *Orchestrator) DeploymentMonitor(ctx context.Context, namespace, name string, interval, sla time.Duration) (MonitorStatus, error) {
	deadline := time.Now().Add(sla)
	start := time.Now()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		dep, err := o.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return MonitorStatus{}, fmt.Errorf("get deployment: %w", err)
		}
		desired := int32(1)
		if dep.Spec.Replicas != nil {
			desired = *dep.Spec.Replicas
		}
		status := MonitorStatus{Ready: dep.Status.ReadyReplicas, Desired: desired, Elapsed: time.Since(start)}

		if status.Ready == status.Desired {
			status.Phase = PhaseReady
			o.notify(namespace, name, fmt.Sprintf("镜像更新完成: %d/%d 就绪, 耗时 %s", status.Ready, status.Desired, status.Elapsed.Round(time.Second)))
			return status, nil
		}
		if time.Now().After(deadline) {
			status.Phase = PhaseTimeout
			o.notify(namespace, name, fmt.Sprintf("镜像更新超时: %d/%d 就绪, 耗时 %s", status.Ready, status.Desired, status.Elapsed.Round(time.Second)))
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
			klog.V(4).Infof("orchestrator: polling deployment %s/%s image rollout: %d/%d ready", namespace, name, status.Ready, status.Desired)
		}
	}
}
