package admission

import (
	"context"
	"encoding/base64"
	"fmt"

	admissionregistrationv1 "k8s.io/api/admissionregistration/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/cassinfra/kubedoor-agent/lib/resourcemerge"
)

const (
	webhookConfigName  = "kubedoor-admis-configuration"
	webhookName        = "kubedoor-admis.mutating.webhook"
	webhookServiceNS   = "kubedoor"
	webhookServiceName = "kubedoor-agent"
	webhookServicePath = "/api/admis"
	webhookServicePort = 443

	ignoreLabelKey   = "kubedoor-ignore"
	ignoreLabelValue = "true"
)

var ignoredNamespaces = []string{"kube-system", "kubedoor"}

// GetMutatingWebhook reports whether the webhook configuration currently
// exists, matching _get_mutating_webhook's {is_on: bool} shape.
func GetMutatingWebhook(ctx context.Context, client kubernetes.Interface) (bool, error) {
	_, err := client.AdmissionregistrationV1().MutatingWebhookConfigurations().Get(ctx, webhookConfigName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("admission: get webhook configuration: %w", err)
	}
	return true, nil
}

func buildRequired(caBundle string) *admissionregistrationv1.MutatingWebhookConfiguration {
	failurePolicy := admissionregistrationv1.Fail
	matchPolicy := admissionregistrationv1.Equivalent
	sideEffects := admissionregistrationv1.SideEffectClassNone
	reinvocation := admissionregistrationv1.NeverReinvocationPolicy
	scope := admissionregistrationv1.AllScopes
	timeoutSeconds := int32(30)
	decoded, _ := base64.StdEncoding.DecodeString(caBundle)

	return &admissionregistrationv1.MutatingWebhookConfiguration{
		ObjectMeta: metav1.ObjectMeta{Name: webhookConfigName},
		Webhooks: []admissionregistrationv1.MutatingWebhook{
			{
				Name: webhookName,
				ClientConfig: admissionregistrationv1.WebhookClientConfig{
					Service: &admissionregistrationv1.ServiceReference{
						Namespace: webhookServiceNS,
						Name:      webhookServiceName,
						Path:      strPtr(webhookServicePath),
						Port:      int32Ptr(webhookServicePort),
					},
					CABundle: decoded,
				},
				Rules: []admissionregistrationv1.RuleWithOperations{
					{
						Operations: []admissionregistrationv1.OperationType{
							admissionregistrationv1.Create,
							admissionregistrationv1.Update,
						},
						Rule: admissionregistrationv1.Rule{
							APIGroups:   []string{"apps"},
							APIVersions: []string{"v1"},
							Resources:   []string{"deployments", "deployments/scale"},
							Scope:       &scope,
						},
					},
				},
				FailurePolicy: &failurePolicy,
				MatchPolicy:   &matchPolicy,
				NamespaceSelector: &metav1.LabelSelector{
					MatchExpressions: []metav1.LabelSelectorRequirement{
						{Key: ignoreLabelKey, Operator: metav1.LabelSelectorOpDoesNotExist},
					},
				},
				SideEffects:             &sideEffects,
				TimeoutSeconds:          &timeoutSeconds,
				AdmissionReviewVersions: []string{"v1"},
				ReinvocationPolicy:      &reinvocation,
			},
		},
	}
}

func strPtr(s string) *string { return &s }
func int32Ptr(i int32) *int32 { return &i }

// CreateMutatingWebhook creates (or updates in place) the webhook
// configuration and labels the kube-system/kubedoor namespaces so the
// NamespaceSelector's DoesNotExist rule excludes them, matching
// _create_mutating_webhook.
//
// The get-then-create-or-merge-then-update shape is grounded on the
// teacher's pkg/operator/webhook_configuration.go
// applyMutatingWebhookConfiguration.
func CreateMutatingWebhook(ctx context.Context, client kubernetes.Interface, caBundle string) error {
	required := buildRequired(caBundle)
	webhooks := client.AdmissionregistrationV1().MutatingWebhookConfigurations()

	existing, err := webhooks.Get(ctx, required.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := webhooks.Create(ctx, required, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("admission: create webhook configuration: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("admission: get webhook configuration: %w", err)
	} else {
		modified := resourcemerge.BoolPtr(false)
		existingCopy := existing.DeepCopy()
		resourcemerge.EnsureObjectMeta(modified, &existingCopy.ObjectMeta, required.ObjectMeta)
		existingCopy.Webhooks = required.Webhooks
		if _, err := webhooks.Update(ctx, existingCopy, metav1.UpdateOptions{}); err != nil {
			return fmt.Errorf("admission: update webhook configuration: %w", err)
		}
	}

	for _, ns := range ignoredNamespaces {
		if err := setNamespaceIgnoreLabel(ctx, client, ns, true); err != nil {
			klog.Warningf("admission: label namespace %s: %v", ns, err)
		}
	}
	return nil
}

// DeleteMutatingWebhook removes the webhook configuration and the
// namespace labels it relies on, matching _delete_mutating_webhook.
func DeleteMutatingWebhook(ctx context.Context, client kubernetes.Interface) error {
	err := client.AdmissionregistrationV1().MutatingWebhookConfigurations().Delete(ctx, webhookConfigName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("admission: delete webhook configuration: %w", err)
	}
	for _, ns := range ignoredNamespaces {
		if err := setNamespaceIgnoreLabel(ctx, client, ns, false); err != nil {
			klog.Warningf("admission: unlabel namespace %s: %v", ns, err)
		}
	}
	return nil
}

func setNamespaceIgnoreLabel(ctx context.Context, client kubernetes.Interface, namespace string, add bool) error {
	var patch []byte
	if add {
		patch = []byte(fmt.Sprintf(`{"metadata":{"labels":{"%s":"%s"}}}`, ignoreLabelKey, ignoreLabelValue))
	} else {
		patch = []byte(fmt.Sprintf(`{"metadata":{"labels":{"%s":null}}}`, ignoreLabelKey))
	}
	_, err := client.CoreV1().Namespaces().Patch(ctx, namespace, types.MergePatchType, patch, metav1.PatchOptions{})
	return err
}
