package tunnel

import "encoding/json"

// Frame types exchanged over the master tunnel, grounded on
// kubedoor-agent.py's process_request/handle_http_request/stream_pod_logs.
const (
	FrameRequest       = "request"
	FrameAdmis         = "admis"
	FrameStartPodLogs  = "start_pod_logs"
	FrameStopPodLogs   = "stop_pod_logs"
	FrameHeartbeat     = "heartbeat"
	FrameK8sEvent      = "k8s_event"
	FramePodLogs       = "pod_logs"
	FrameResponse      = "response"
)

// Envelope is the outer {"type": "..."} discriminator every frame carries.
// Concrete fields are decoded lazily via json.RawMessage since the shape
// differs per type.
type Envelope struct {
	Type string `json:"type"`
}

// RequestFrame relays an HTTP call the master wants proxied to this
// agent's local HTTP surface (or the port-81 pod-manager sidecar).
type RequestFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Method    string          `json:"method"`
	Path      string          `json:"path"`
	Query     string          `json:"query,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// ResponseFrame carries the result of a RequestFrame back to the master.
type ResponseFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Response  any    `json:"response"`
}

// AdmisFrame asks the master for a scaling policy decision for one
// in-flight admission review.
type AdmisFrame struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id"`
	Namespace  string `json:"namespace"`
	Deployment string `json:"deployment"`
}

// StartPodLogsFrame / StopPodLogsFrame manage a pod-log streaming session.
type StartPodLogsFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Namespace    string `json:"namespace"`
	PodName      string `json:"pod_name"`
	Container    string `json:"container,omitempty"`
}

type StopPodLogsFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
}

// PodLogsFrame carries pod-log streaming lifecycle and error events. Log
// lines themselves are sent as raw (non-JSON) text frames, matching
// stream_pod_logs's ws.send_str(line) calls.
type PodLogsFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Status       string `json:"status,omitempty"`
	Error        string `json:"error,omitempty"`
}

// HeartbeatFrame is sent every heartbeatInterval to keep the tunnel alive.
type HeartbeatFrame struct {
	Type string `json:"type"`
}

// K8sEventFrame forwards one watched Kubernetes event upstream, matching
// k8s_event_monitor.py's {"type": "k8s_event", "data": event_data,
// "timestamp": datetime.now().isoformat()}.
type K8sEventFrame struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}
