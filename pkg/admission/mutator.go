package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/cassinfra/kubedoor-agent/pkg/chatbridge"
	"github.com/cassinfra/kubedoor-agent/pkg/metrics"
	"github.com/cassinfra/kubedoor-agent/pkg/tunnel"
)

const masterDecisionTimeout = 30 * time.Second

// TunnelDialer is the subset of *pkg/tunnel.Tunnel the mutator needs,
// kept as an interface so unit tests can substitute a fake master
// connection.
type TunnelDialer interface {
	Current() *tunnel.Conn
	RequestAdmisDecision(ctx context.Context, namespace, deployment string, timeout time.Duration) (json.RawMessage, error)
}

// Mutator implements the admis_switch/admis_mutate surface of
// admis_service.py's AdmisService.
type Mutator struct {
	client         kubernetes.Interface
	tunnel         TunnelDialer
	notifier       chatbridge.Notifier
	nodeLabelValue string
	caBundle       string
}

// New builds a Mutator. nodeLabelValue is NODE_LABLE_VALUE and caBundle is
// BASE64CA from config.
func New(client kubernetes.Interface, tun TunnelDialer, notifier chatbridge.Notifier, nodeLabelValue, caBundle string) *Mutator {
	return &Mutator{client: client, tunnel: tun, notifier: notifier, nodeLabelValue: nodeLabelValue, caBundle: caBundle}
}

// Response is this package's admission.Allowed/Denied equivalent,
// naming carried over from the teacher's controller-runtime-based
// vocabulary even though this handler doesn't use that package's server.
type Response struct {
	Allowed bool
	Code    int32
	Message string
	Patch   []JSONPatchOp
}

func Allowed(msg string) Response             { return Response{Allowed: true, Message: msg} }
func Denied(code int32, msg string) Response  { return Response{Allowed: false, Code: code, Message: msg} }
func PatchedFrom(patch []JSONPatchOp) Response { return Response{Allowed: true, Patch: patch} }

// admissionObject captures the fields admis_mutate reads off either a
// Deployment or a Scale object — annotations, replicas, and (Deployment
// only) the pod template.
type admissionObject struct {
	Metadata struct {
		Annotations map[string]string `json:"annotations"`
		Labels      map[string]string `json:"labels"`
	} `json:"metadata"`
	Spec struct {
		Replicas *int32          `json:"replicas"`
		Template json.RawMessage `json:"template,omitempty"`
	} `json:"spec"`
}

// ServeAdmisMutate implements the /api/admis HTTP route: decode the
// AdmissionReview, run the decision table, and respond with a patched or
// denied AdmissionReview.
func (m *Mutator) ServeAdmisMutate(w http.ResponseWriter, r *http.Request) {
	var review admissionv1.AdmissionReview
	if err := json.NewDecoder(r.Body).Decode(&review); err != nil {
		http.Error(w, fmt.Sprintf("decode admission review: %v", err), http.StatusBadRequest)
		return
	}
	if review.Request == nil {
		http.Error(w, "admission review missing request", http.StatusBadRequest)
		return
	}

	resp := m.Mutate(r.Context(), *review.Request)
	metrics.AdmissionRequestsTotal.WithLabelValues(decisionLabel(resp)).Inc()

	out := admissionv1.AdmissionReview{
		TypeMeta: review.TypeMeta,
		Response: &admissionv1.AdmissionResponse{
			UID:     review.Request.UID,
			Allowed: resp.Allowed,
		},
	}
	if !resp.Allowed {
		out.Response.Result = &metav1.Status{Code: resp.Code, Message: resp.Message}
	}
	if len(resp.Patch) > 0 {
		patchType := admissionv1.PatchTypeJSONPatch
		raw, err := json.Marshal(resp.Patch)
		if err != nil {
			http.Error(w, fmt.Sprintf("marshal patch: %v", err), http.StatusInternalServerError)
			return
		}
		out.Response.Patch = raw
		out.Response.PatchType = &patchType
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		klog.Errorf("admission: encode response: %v", err)
	}
}

func decisionLabel(r Response) string {
	if r.Allowed {
		return "allowed"
	}
	return "denied"
}

// Mutate runs the ten-row decision table from admis_mutate.
func (m *Mutator) Mutate(ctx context.Context, req admissionv1.AdmissionRequest) Response {
	kind := req.Kind.Kind
	isScaleKind := kind == "Scale"
	op := string(req.Operation)
	namespace, name := req.Namespace, req.Name

	var obj admissionObject
	if err := json.Unmarshal(req.Object.Raw, &obj); err != nil {
		return Denied(400, fmt.Sprintf("decode object: %v", err))
	}

	freshScaleTemp := false
	if raw, ok := obj.Metadata.Annotations["scale.temp"]; ok {
		if parsed, ok2 := ParseScaleTemp(raw); ok2 && parsed.IsFresh(time.Now()) {
			freshScaleTemp = true
		}
	}

	templateChanged := true
	templateUnchangedReplicasChanged := false
	if op == "UPDATE" && kind == "Deployment" && len(req.OldObject.Raw) > 0 {
		var old admissionObject
		if err := json.Unmarshal(req.OldObject.Raw, &old); err == nil {
			sameTemplate := bytes.Equal(obj.Spec.Template, old.Spec.Template)
			replicasChanged := obj.Spec.Replicas != nil && old.Spec.Replicas != nil && *obj.Spec.Replicas != *old.Spec.Replicas
			templateChanged = !sameTemplate
			templateUnchangedReplicasChanged = sameTemplate && replicasChanged
		}
	}

	// Row 1: our own scale.temp patch echoing back — pass through with
	// no patch and no master contact at all.
	if freshScaleTemp && ((isScaleKind && op == "UPDATE") || templateUnchangedReplicasChanged) {
		return Allowed("scale.temp freshness window")
	}

	conn := m.tunnel.Current()
	if conn == nil {
		return Denied(503, "连接 kubedoor-master 失败")
	}

	raw, err := m.tunnel.RequestAdmisDecision(ctx, namespace, name, masterDecisionTimeout)
	if err != nil {
		return Denied(504, "等待 kubedoor-master 响应超时")
	}

	answer, err := DecodePolicyAnswer(raw)
	if err != nil {
		klog.Errorf("admission: %v", err)
		return Denied(500, err.Error())
	}

	if answer.IsShort {
		if answer.HTTPCode == 200 {
			return Allowed("")
		}
		return Denied(int32(answer.HTTPCode), answer.Message)
	}

	replicas := answer.Replicas()
	cpuMilli, memMiB := answer.FloorResources()

	switch {
	case isScaleKind && op == "UPDATE":
		return m.scaleOnly(replicas)
	case kind == "Deployment" && op == "CREATE":
		return m.updateAll(ctx, namespace, name, replicas, answer, cpuMilli, memMiB)
	case kind == "Deployment" && op == "UPDATE" && templateChanged:
		return m.updateAll(ctx, namespace, name, replicas, answer, cpuMilli, memMiB)
	default:
		return Allowed("no scaling decision required")
	}
}

func (m *Mutator) scaleOnly(replicas int64) Response {
	return PatchedFrom([]JSONPatchOp{
		{Op: "replace", Path: "/spec/replicas", Value: replicas},
	})
}

// updateAll builds the full patch set from _update_all: affinity
// (add or remove, depending on the scheduler flag), maxUnavailable,
// replicas, and container resources.
func (m *Mutator) updateAll(ctx context.Context, namespace, name string, replicas int64, answer PolicyAnswer, cpuMilli, memMiB int64) Response {
	patches := make([]JSONPatchOp, 0, 5)

	dep, err := m.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		klog.Warningf("admission: fetch deployment %s/%s for affinity/maxUnavailable: %v", namespace, name, err)
	}

	if answer.Scheduler {
		appLabel := ""
		var maxUnavailable any = "25%"
		if dep != nil {
			if v, ok := dep.Spec.Selector.MatchLabels["app"]; ok {
				appLabel = v
			} else if v, ok := dep.Labels["app"]; ok {
				appLabel = v
			} else {
				appLabel = name
			}
			if dep.Spec.Strategy.RollingUpdate != nil && dep.Spec.Strategy.RollingUpdate.MaxUnavailable != nil {
				maxUnavailable = dep.Spec.Strategy.RollingUpdate.MaxUnavailable.StrVal
				if maxUnavailable == "" {
					maxUnavailable = dep.Spec.Strategy.RollingUpdate.MaxUnavailable.IntValue()
				}
			}
		}

		affinity := BuildAffinity(namespace, name, m.nodeLabelValue, appLabel)
		patches = append(patches, JSONPatchOp{Op: "replace", Path: "/spec/template/spec/affinity", Value: affinity})

		ratio, err := ProcessMaxUnavailable(maxUnavailable)
		var maxUnavailableValue any = maxUnavailable
		if err == nil && float64(replicas)*ratio < 1 {
			maxUnavailableValue = 1
		}
		patches = append(patches, JSONPatchOp{Op: "replace", Path: "/spec/strategy/rollingUpdate/maxUnavailable", Value: maxUnavailableValue})
	} else if dep != nil && dep.Spec.Template.Spec.Affinity != nil {
		raw, _ := json.Marshal(dep.Spec.Template.Spec.Affinity)
		var affinityMap map[string]any
		_ = json.Unmarshal(raw, &affinityMap)
		if HasLegacyAffinity(affinityMap) {
			patches = append(patches, JSONPatchOp{Op: "remove", Path: "/spec/template/spec/affinity/nodeAffinity"})
		}
	}

	patches = append(patches, JSONPatchOp{Op: "replace", Path: "/spec/replicas", Value: replicas})

	resources := map[string]map[string]string{"requests": {}, "limits": {}}
	if cpuMilli > 0 {
		resources["requests"]["cpu"] = fmt.Sprintf("%dm", cpuMilli)
	} else {
		m.warn(namespace, name, "request_cpu_m <= 0，跳过 CPU 请求设置")
	}
	if memMiB > 0 {
		resources["requests"]["memory"] = fmt.Sprintf("%dMi", memMiB)
	} else {
		m.warn(namespace, name, "request_mem_mb <= 0，跳过内存请求设置")
	}
	if answer.LimitCPUMilli > 0 {
		resources["limits"]["cpu"] = fmt.Sprintf("%dm", answer.LimitCPUMilli)
	} else {
		m.warn(namespace, name, "limit_cpu_m <= 0，跳过 CPU 限制设置")
	}
	if answer.LimitMemMiB > 0 {
		resources["limits"]["memory"] = fmt.Sprintf("%dMi", answer.LimitMemMiB)
	} else {
		m.warn(namespace, name, "limit_mem_mb <= 0，跳过内存限制设置")
	}

	patches = append(patches, JSONPatchOp{Op: "add", Path: "/spec/template/spec/containers/0/resources", Value: resources})

	return PatchedFrom(patches)
}

func (m *Mutator) warn(namespace, name, msg string) {
	if m.notifier == nil {
		return
	}
	m.notifier.Send(context.Background(), fmt.Sprintf("[%s/%s] %s", namespace, name, msg))
}

// ServeAdmisSwitch implements GET /api/admis_switch?action=get|on|off.
func (m *Mutator) ServeAdmisSwitch(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	ctx := r.Context()

	switch action {
	case "get":
		on, err := GetMutatingWebhook(ctx, m.client)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]bool{"is_on": on})
	case "on":
		on, err := GetMutatingWebhook(ctx, m.client)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if on {
			writeJSON(w, map[string]any{"success": true, "message": "Webhook is already opened!"})
			return
		}
		if err := CreateMutatingWebhook(ctx, m.client, m.caBundle); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"success": true, "message": "Webhook opened"})
	case "off":
		on, err := GetMutatingWebhook(ctx, m.client)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !on {
			writeJSON(w, map[string]any{"success": true, "message": "Webhook is already closed!"})
			return
		}
		if err := DeleteMutatingWebhook(ctx, m.client); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"success": true, "message": "Webhook closed"})
	default:
		http.Error(w, "action must be one of get|on|off", http.StatusBadRequest)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
