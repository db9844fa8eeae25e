// Package resourceops implements the contract-only slice of the YAML
// apply/create/replace surface spec.md keeps in scope per SPEC_FULL.md
// §4.9: a GVK dispatch table and a three-way-merge helper for named list
// fields. The full apply/create/replace surface itself is out of scope
// (spec.md Non-goals).
package resourceops

import (
	"fmt"

	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
)

// ResourceOps binds a GroupVersionKind to its REST mapping: the
// GroupVersionResource (carrying the resource plural) and whether it's
// namespaced. ResourceInterfaceFor builds the matching dynamic client
// interface from it.
type ResourceOps struct {
	GVR        schema.GroupVersionResource
	Namespaced bool
}

// GVKDispatch maps a GroupVersionKind to its ResourceOps, replacing the
// Python original's runtime attribute lookup on (apiVersion, kind).
var GVKDispatch = map[schema.GroupVersionKind]ResourceOps{
	{Group: "apps", Version: "v1", Kind: "Deployment"}: {
		GVR:        schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"},
		Namespaced: true,
	},
	{Group: "apps", Version: "v1", Kind: "StatefulSet"}: {
		GVR:        schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "statefulsets"},
		Namespaced: true,
	},
	{Group: "apps", Version: "v1", Kind: "DaemonSet"}: {
		GVR:        schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "daemonsets"},
		Namespaced: true,
	},
	{Group: "", Version: "v1", Kind: "ConfigMap"}: {
		GVR:        schema.GroupVersionResource{Group: "", Version: "v1", Resource: "configmaps"},
		Namespaced: true,
	},
	{Group: "", Version: "v1", Kind: "Service"}: {
		GVR:        schema.GroupVersionResource{Group: "", Version: "v1", Resource: "services"},
		Namespaced: true,
	},
	{Group: "networking.k8s.io", Version: "v1", Kind: "Ingress"}: {
		GVR:        schema.GroupVersionResource{Group: "networking.k8s.io", Version: "v1", Resource: "ingresses"},
		Namespaced: true,
	},
}

// ResourceInterfaceFor resolves the namespaced or cluster-scoped dynamic
// resource interface for a GVK, per GVKDispatch.
func ResourceInterfaceFor(client dynamic.Interface, gvk schema.GroupVersionKind, namespace string) (dynamic.ResourceInterface, error) {
	ops, ok := GVKDispatch[gvk]
	if !ok {
		return nil, fmt.Errorf("resourceops: no dispatch entry for %s", gvk)
	}
	res := client.Resource(ops.GVR)
	if ops.Namespaced {
		return res.Namespace(namespace), nil
	}
	return res, nil
}

// namedListFields are merged by their "name" key rather than replaced
// wholesale, mirroring k8s.io/apimachinery/pkg/util/strategicpatch's
// merge-key convention for these specific fields (not the full
// strategic-merge-patch machinery — see DESIGN.md).
var namedListFields = map[string]bool{
	"containers":     true,
	"initContainers": true,
	"volumes":        true,
	"volumeMounts":   true,
	"ports":          true,
	"env":            true,
	"envFrom":        true,
}

// ThreeWayMerge returns live moved toward desired, while preserving live
// fields that lastApplied didn't manage and the caller hasn't changed — a
// three-way strategic merge restricted to namedListFields merging by
// "name" and every other list replaced wholesale. The result is the full
// merged object, not a patch holding only the differences from live.
func ThreeWayMerge(desired, lastApplied, live map[string]any) (map[string]any, error) {
	return mergeMaps(desired, lastApplied, live), nil
}

func mergeMaps(desired, lastApplied, live map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range live {
		out[k] = v
	}
	for k, dv := range desired {
		lv := lastApplied[k]
		ov := live[k]

		switch dvTyped := dv.(type) {
		case map[string]any:
			lvMap, _ := lv.(map[string]any)
			ovMap, _ := ov.(map[string]any)
			out[k] = mergeMaps(dvTyped, lvMap, ovMap)
		case []any:
			if namedListFields[k] {
				lvList, _ := lv.([]any)
				ovList, _ := ov.([]any)
				out[k] = mergeNamedList(dvTyped, lvList, ovList)
			} else {
				out[k] = dvTyped
			}
		default:
			out[k] = dv
		}
	}
	for k := range lastApplied {
		if _, inDesired := desired[k]; !inDesired {
			delete(out, k)
		}
	}
	return out
}

func nameKey(item any) (string, bool) {
	m, ok := item.(map[string]any)
	if !ok {
		return "", false
	}
	name, ok := m["name"].(string)
	return name, ok
}

// mergeNamedList merges three named-element lists by the "name" key:
// desired entries win, entries present only in live (added out-of-band)
// are kept, entries present in lastApplied but dropped from desired are
// removed.
func mergeNamedList(desired, lastApplied, live []any) []any {
	liveByName := map[string]any{}
	var liveOrder []string
	for _, item := range live {
		if name, ok := nameKey(item); ok {
			if _, seen := liveByName[name]; !seen {
				liveOrder = append(liveOrder, name)
			}
			liveByName[name] = item
		}
	}

	lastAppliedNames := map[string]bool{}
	for _, item := range lastApplied {
		if name, ok := nameKey(item); ok {
			lastAppliedNames[name] = true
		}
	}

	desiredByName := map[string]any{}
	var desiredOrder []string
	for _, item := range desired {
		if name, ok := nameKey(item); ok {
			desiredByName[name] = item
			desiredOrder = append(desiredOrder, name)
		}
	}

	merged := map[string]any{}
	var order []string
	for _, name := range liveOrder {
		if lastAppliedNames[name] && desiredByName[name] == nil {
			continue // removed upstream
		}
		merged[name] = liveByName[name]
		order = append(order, name)
	}
	for _, name := range desiredOrder {
		if _, exists := merged[name]; !exists {
			order = append(order, name)
		}
		merged[name] = desiredByName[name]
	}

	out := make([]any, 0, len(order))
	for _, name := range order {
		out = append(out, merged[name])
	}
	return out
}
