// Package resourcemerge implements the apply-or-update idiom the teacher's
// pkg/operator/webhook_configuration.go calls through
// library-go's resourcemerge package: get the existing object, merge in
// the labels and annotations the required object wants, and report
// whether anything changed. That package is dropped
// here along with the rest of openshift/library-go, so the merge
// primitive itself is reimplemented narrowly for the one object kind this
// module manages: MutatingWebhookConfiguration (see pkg/admission).
package resourcemerge

import metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

// BoolPtr mirrors the teacher's own resourcemerge.BoolPtr helper used as
// the out-parameter convention for "did this merge change anything".
func BoolPtr(val bool) *bool { return &val }

// EnsureObjectMeta copies labels and annotations from required into
// existing, setting *modified to true if anything changed. Owner
// references are not merged. Existing keys not present in required are
// left untouched, matching library-go's additive merge semantics.
func EnsureObjectMeta(modified *bool, existing *metav1.ObjectMeta, required metav1.ObjectMeta) {
	setMapIfChanged(modified, &existing.Labels, required.Labels)
	setMapIfChanged(modified, &existing.Annotations, required.Annotations)
}

func setMapIfChanged(modified *bool, existing *map[string]string, required map[string]string) {
	if len(required) == 0 {
		return
	}
	if *existing == nil {
		*existing = map[string]string{}
	}
	for k, v := range required {
		if cur, ok := (*existing)[k]; !ok || cur != v {
			(*existing)[k] = v
			*modified = true
		}
	}
}
