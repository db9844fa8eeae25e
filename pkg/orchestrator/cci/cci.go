// Package cci implements CCI burst scaling onto virtual nodes, grounded
// on _examples/original_source/src/kubedoor-agent/scaler/cci_scaler.py.
package cci

import (
	"context"
	"fmt"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

const (
	scheduleGroup   = "scheduling.cci.io"
	scheduleVersion = "v2"
	schedulePlural  = "scheduleprofiles"

	burstingNodeKeyword = "bursting-node"
)

var scheduleProfileGVR = schema.GroupVersionResource{Group: scheduleGroup, Version: scheduleVersion, Resource: schedulePlural}

// Scaler applies a ScheduleProfile and temporarily uncordons the cluster's
// bursting (virtual CCI) nodes so a deployment can scale onto them.
type Scaler struct {
	typed   kubernetes.Interface
	dynamic dynamic.Interface
}

func New(typed kubernetes.Interface, dyn dynamic.Interface) *Scaler {
	return &Scaler{typed: typed, dynamic: dyn}
}

func isBurstingNode(n corev1.Node) bool {
	if strings.Contains(strings.ToLower(n.Name), burstingNodeKeyword) {
		return true
	}
	for k, v := range n.Labels {
		if strings.Contains(strings.ToLower(k), burstingNodeKeyword) || strings.Contains(strings.ToLower(v), burstingNodeKeyword) {
			return true
		}
	}
	return false
}

// FindBurstingNodeNames returns every node name recognized as a bursting
// (virtual CCI) node, matching _find_bursting_node_names.
func (s *Scaler) FindBurstingNodeNames(ctx context.Context) ([]string, error) {
	list, err := s.typed.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("cci: list nodes: %w", err)
	}
	var names []string
	for _, n := range list.Items {
		if isBurstingNode(n) {
			names = append(names, n.Name)
		}
	}
	return names, nil
}

func (s *Scaler) setNodesSchedulable(ctx context.Context, nodeNames []string, schedulable bool) error {
	patch := []byte(fmt.Sprintf(`{"spec":{"unschedulable":%t}}`, !schedulable))
	for _, name := range nodeNames {
		if _, err := s.typed.CoreV1().Nodes().Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{}); err != nil {
			return fmt.Errorf("cci: set node %s schedulable=%t: %w", name, schedulable, err)
		}
	}
	return nil
}

func appLabel(dep *appsv1.Deployment) string {
	if v, ok := dep.Spec.Selector.MatchLabels["app"]; ok {
		return v
	}
	if v, ok := dep.Labels["app"]; ok {
		return v
	}
	return dep.Name
}

// applyScheduleProfile creates or patches the deployment's ScheduleProfile,
// matching _apply_cci_schedule_profile's exact shape.
func (s *Scaler) applyScheduleProfile(ctx context.Context, namespace, name string, currentReplicas int64, app string) error {
	profile := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": scheduleGroup + "/" + scheduleVersion,
		"kind":       "ScheduleProfile",
		"metadata": map[string]any{
			"name":      name,
			"namespace": namespace,
		},
		"spec": map[string]any{
			"strategy": "localPrefer",
			"location": map[string]any{
				"cci": map[string]any{
					"scaleDownPriority": int64(100),
				},
				"local": map[string]any{
					"maxNum":            currentReplicas,
					"scaleDownPriority": int64(10),
				},
			},
			"objectLabels": map[string]any{
				"matchLabels": map[string]any{"app": app},
			},
			"virtualNodes": []any{
				map[string]any{"type": burstingNodeKeyword},
			},
		},
	}}

	client := s.dynamic.Resource(scheduleProfileGVR).Namespace(namespace)
	_, err := client.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = client.Create(ctx, profile, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	_, err = client.Update(ctx, profile, metav1.UpdateOptions{})
	return err
}

// PatchReplicasWithRetry patches a deployment's replica count with 3
// attempts / 1s backoff on a 409 conflict, matching
// patch_deployment_replicas_with_retry. fullSpec selects the full
// deployment PATCH (used when the scale.temp annotation needs updating
// too) instead of the /scale subresource.
func PatchReplicasWithRetry(ctx context.Context, client kubernetes.Interface, namespace, name string, replicas int64, fullSpec bool, scaleTempPatch []byte) error {
	return retry.Do(
		func() error {
			if fullSpec {
				patch := scaleTempPatch
				if patch == nil {
					patch = []byte(fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas))
				}
				_, err := client.AppsV1().Deployments(namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{})
				return err
			}
			patch := []byte(fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas))
			_, err := client.AppsV1().Deployments(namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{}, "scale")
			return err
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool { return apierrors.IsConflict(err) }),
		retry.Context(ctx),
	)
}

// ExecuteScaling uncordons the bursting nodes, applies the ScheduleProfile,
// patches the deployment's replica count, then always re-cordons the
// bursting nodes — even on error — matching execute_cci_scaling's
// try/finally, realized here as a deferred re-cordon that preserves the
// original error instead of masking it.
func (s *Scaler) ExecuteScaling(ctx context.Context, namespace, name string, currentReplicas, newReplicas int64, fullSpec bool, scaleTempPatch []byte) (err error) {
	burstNodes, err := s.FindBurstingNodeNames(ctx)
	if err != nil {
		return err
	}

	if err := s.setNodesSchedulable(ctx, burstNodes, true); err != nil {
		return fmt.Errorf("cci: uncordon bursting nodes: %w", err)
	}
	defer func() {
		if cordonErr := s.setNodesSchedulable(ctx, burstNodes, false); cordonErr != nil {
			klog.Errorf("cci: re-cordon bursting nodes for %s/%s failed: %v", namespace, name, cordonErr)
			if err == nil {
				err = fmt.Errorf("cci: re-cordon bursting nodes: %w", cordonErr)
			}
		}
	}()

	dep, getErr := s.typed.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if getErr != nil {
		return fmt.Errorf("cci: get deployment: %w", getErr)
	}

	if err = s.applyScheduleProfile(ctx, namespace, name, currentReplicas, appLabel(dep)); err != nil {
		return fmt.Errorf("cci: apply schedule profile: %w", err)
	}

	if err = PatchReplicasWithRetry(ctx, s.typed, namespace, name, newReplicas, fullSpec, scaleTempPatch); err != nil {
		return fmt.Errorf("cci: patch replicas: %w", err)
	}
	return nil
}
