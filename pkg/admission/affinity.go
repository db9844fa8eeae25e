package admission

import (
	"fmt"
	"strconv"
	"strings"
)

const legacySchedulerMarker = "kubedoor-scheduler"

// BuildAffinity reproduces _get_deployment_affinity's exact JSON shape: a
// required nodeAffinity pinning the deployment to nodes labeled
// "<namespace>.<deployment>"=nodeLabelValue, plus a podAntiAffinity
// spreading pods with label app=podLabel across hosts.
func BuildAffinity(namespace, deployment, nodeLabelValue, podLabel string) map[string]any {
	labelKey := fmt.Sprintf("%s.%s", namespace, deployment)
	return map[string]any{
		"nodeAffinity": map[string]any{
			"requiredDuringSchedulingIgnoredDuringExecution": map[string]any{
				"nodeSelectorTerms": []any{
					map[string]any{
						"matchExpressions": []any{
							map[string]any{
								"key":      labelKey,
								"operator": "In",
								"values":   []any{nodeLabelValue},
							},
						},
					},
				},
			},
		},
		"podAntiAffinity": map[string]any{
			"requiredDuringSchedulingIgnoredDuringExecution": []any{
				map[string]any{
					"labelSelector": map[string]any{
						"matchExpressions": []any{
							map[string]any{
								"key":      "app",
								"operator": "In",
								"values":   []any{podLabel},
							},
						},
					},
					"topologyKey": "kubernetes.io/hostname",
				},
			},
		},
	}
}

// HasLegacyAffinity reports whether an existing pod template's affinity
// carries the pre-per-deployment "kubedoor-scheduler" nodeAffinity
// marker, mirroring _get_deployment_affinity_old's sole remaining
// purpose: detecting stale affinity left by the old scheme so it can be
// removed when scheduler turns false. See DESIGN.md Open Questions.
func HasLegacyAffinity(affinity map[string]any) bool {
	if affinity == nil {
		return false
	}
	raw := fmt.Sprintf("%v", affinity["nodeAffinity"])
	return strings.Contains(raw, legacySchedulerMarker)
}

// ProcessMaxUnavailable mirrors _process_max_unavailable's branch order
// verbatim, per DESIGN.md's Open Questions resolution: numeric types
// pass through first, then a "%"-suffixed string is treated as a
// percentage fraction, then any string containing "." is parsed as a
// float, and only otherwise is it parsed as a bare int. This order is
// preserved even though it looks backwards for already-numeric JSON
// payloads, because the Python original's isinstance checks ran in this
// sequence and callers may depend on it.
func ProcessMaxUnavailable(maxUnavailable any) (float64, error) {
	switch v := maxUnavailable.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		if strings.HasSuffix(v, "%") {
			pct, err := strconv.ParseFloat(strings.TrimSuffix(v, "%"), 64)
			if err != nil {
				return 0, fmt.Errorf("admission: parse percent maxUnavailable %q: %w", v, err)
			}
			return pct / 100, nil
		}
		if strings.Contains(v, ".") {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return 0, fmt.Errorf("admission: parse float maxUnavailable %q: %w", v, err)
			}
			return f, nil
		}
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("admission: parse int maxUnavailable %q: %w", v, err)
		}
		return float64(i), nil
	default:
		return 0, fmt.Errorf("admission: unsupported maxUnavailable type %T", v)
	}
}
