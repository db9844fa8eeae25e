// Package admission implements kubedoor-agent's mutating webhook, grounded
// on
// _examples/original_source/src/kubedoor-agent/func_manager/admis_service.py
// (AdmisService.admis_mutate/admis_switch). Admission wire types come
// directly from k8s.io/api/admission/v1 rather than
// sigs.k8s.io/controller-runtime/pkg/webhook/admission's dedicated
// manager-bound server, because this handler is one route on a shared
// chi mux (see internal/httpserver) rather than the sole purpose of its
// own listener — but the naming idiom (Allowed/Denied) is carried over
// from the teacher's pkg/webhooks vocabulary.
package admission

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const scaleTempLayout = "2006-01-02 15:04:05"
const scaleTempFreshWindow = 5 * time.Minute

// ScaleTempAnnotation is the parsed form of the "scale.temp" annotation
// Python writes as f"{now}@{old}-->{new}", e.g.
// "2026-07-31 10:00:00@3-->5".
type ScaleTempAnnotation struct {
	SetAt time.Time
	Old   int64
	New   int64
}

// ParseScaleTemp parses the scale.temp annotation value. ok is false if
// raw is empty or malformed.
func ParseScaleTemp(raw string) (ScaleTempAnnotation, bool) {
	parts := strings.SplitN(raw, "@", 2)
	if len(parts) != 2 {
		return ScaleTempAnnotation{}, false
	}
	t, err := time.ParseInLocation(scaleTempLayout, parts[0], time.Local)
	if err != nil {
		return ScaleTempAnnotation{}, false
	}
	oldNew := strings.SplitN(parts[1], "-->", 2)
	if len(oldNew) != 2 {
		return ScaleTempAnnotation{}, false
	}
	oldV, err1 := strconv.ParseInt(oldNew[0], 10, 64)
	newV, err2 := strconv.ParseInt(oldNew[1], 10, 64)
	if err1 != nil || err2 != nil {
		return ScaleTempAnnotation{}, false
	}
	return ScaleTempAnnotation{SetAt: t, Old: oldV, New: newV}, true
}

// IsFresh reports whether the annotation was set within the 5-minute
// window admis_mutate treats as "this replica change was caused by our
// own scale.temp patch, not an external actor".
func (a ScaleTempAnnotation) IsFresh(now time.Time) bool {
	return now.Sub(a.SetAt) <= scaleTempFreshWindow && now.Sub(a.SetAt) >= 0
}

// PolicyAnswer is the decoded form of the master's response to an
// AdmisFrame, which arrives either as a 2-element short form
// [http_code, message] or an 8-element long form
// [pod_count, pod_count_ai, pod_count_manual, request_cpu_m,
// request_mem_mb, limit_cpu_m, limit_mem_mb, scheduler].
type PolicyAnswer struct {
	IsShort bool

	HTTPCode int
	Message  string

	PodCount       int64
	PodCountAI     int64
	PodCountManual int64
	RequestCPUMilli int64
	RequestMemMiB   int64
	LimitCPUMilli   int64
	LimitMemMiB     int64
	Scheduler       bool
}

// DecodePolicyAnswer parses the master's raw JSON array response.
func DecodePolicyAnswer(raw json.RawMessage) (PolicyAnswer, error) {
	var generic []any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return PolicyAnswer{}, fmt.Errorf("admission: decode policy answer: %w", err)
	}

	switch len(generic) {
	case 2:
		code, _ := toInt64(generic[0])
		msg, _ := generic[1].(string)
		return PolicyAnswer{IsShort: true, HTTPCode: int(code), Message: msg}, nil
	case 8:
		pc, _ := toInt64(generic[0])
		pcAI, _ := toInt64(generic[1])
		pcManual, _ := toInt64(generic[2])
		reqCPU, _ := toInt64(generic[3])
		reqMem, _ := toInt64(generic[4])
		limCPU, _ := toInt64(generic[5])
		limMem, _ := toInt64(generic[6])
		scheduler, _ := generic[7].(bool)
		return PolicyAnswer{
			PodCount:        pc,
			PodCountAI:      pcAI,
			PodCountManual:  pcManual,
			RequestCPUMilli: reqCPU,
			RequestMemMiB:   reqMem,
			LimitCPUMilli:   limCPU,
			LimitMemMiB:     limMem,
			Scheduler:       scheduler,
		}, nil
	default:
		return PolicyAnswer{}, fmt.Errorf("admission: unexpected policy answer length %d", len(generic))
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// Replicas computes the effective replica count per admis_mutate:
// pod_count_manual takes priority if non-negative, else pod_count_ai,
// else the base pod_count.
func (p PolicyAnswer) Replicas() int64 {
	if p.PodCountManual >= 0 {
		return p.PodCountManual
	}
	if p.PodCountAI >= 0 {
		return p.PodCountAI
	}
	return p.PodCount
}

// FloorResources applies the flooring rules admis_mutate uses before
// building the container resources patch: CPU requests in (0,10) floor
// to 10m, and a memory request of exactly 0 floors to 1MiB.
func (p PolicyAnswer) FloorResources() (cpuMilli, memMiB int64) {
	cpuMilli, memMiB = p.RequestCPUMilli, p.RequestMemMiB
	if cpuMilli > 0 && cpuMilli < 10 {
		cpuMilli = 10
	}
	if memMiB == 0 {
		memMiB = 1
	}
	return cpuMilli, memMiB
}

// JSONPatchOp is one element of the JSONPatch array admis_mutate returns
// in the AdmissionReview response.
type JSONPatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}
