// Supplemented from original_source's stateful_daemon_manager.py per
// SPEC_FULL.md §4.5.7: StatefulSet/DaemonSet restart and scale reuse the
// same retry-on-409 patch helper as Deployment scale, with no
// cordon-window or pinned-node treatment (those remain Deployment-only).
package orchestrator

import (
	"context"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v4"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
)

func (o *Orchestrator) retryPatch(ctx context.Context, do func() error) error {
	return retry.Do(
		do,
		retry.Attempts(patchConflictAttempts),
		retry.Delay(patchConflictBackoff),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool { return apierrors.IsConflict(err) }),
		retry.Context(ctx),
	)
}

// ScaleStatefulSet patches a StatefulSet's replica count via PATCH /scale.
func (o *Orchestrator) ScaleStatefulSet(ctx context.Context, namespace, name string, replicas int64) error {
	return o.retryPatch(ctx, func() error {
		patch := []byte(fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas))
		_, err := o.client.AppsV1().StatefulSets(namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{}, "scale")
		return err
	})
}

// RestartStatefulSet patches the restartedAt annotation on a StatefulSet's
// pod template, triggering a rolling restart.
func (o *Orchestrator) RestartStatefulSet(ctx context.Context, namespace, name string) error {
	return o.retryPatch(ctx, func() error {
		patch := []byte(fmt.Sprintf(
			`{"spec":{"template":{"metadata":{"annotations":{"kubectl.kubernetes.io/restartedAt":%q}}}}}`,
			time.Now().Format(time.RFC3339),
		))
		_, err := o.client.AppsV1().StatefulSets(namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{})
		return err
	})
}

// RestartDaemonSet patches the restartedAt annotation on a DaemonSet's pod
// template. DaemonSets have no replica count, so there is no corresponding
// ScaleDaemonSet.
func (o *Orchestrator) RestartDaemonSet(ctx context.Context, namespace, name string) error {
	return o.retryPatch(ctx, func() error {
		patch := []byte(fmt.Sprintf(
			`{"spec":{"template":{"metadata":{"annotations":{"kubectl.kubernetes.io/restartedAt":%q}}}}}`,
			time.Now().Format(time.RFC3339),
		))
		_, err := o.client.AppsV1().DaemonSets(namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{})
		return err
	})
}
