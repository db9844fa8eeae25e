// Package tunnel maintains the persistent WebSocket connection from this
// agent to the remote kubedoor-master, grounded on
// _examples/original_source/src/kubedoor-agent/kubedoor-agent.py's
// connect_to_server/heartbeat/monitor_health_check/process_request and the
// exact timing constants in func_manager/event_monitor_config.py.
package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/cassinfra/kubedoor-agent/pkg/metrics"
	"github.com/cassinfra/kubedoor-agent/pkg/version"
)

// Timing constants lifted verbatim from event_monitor_config.py.
const (
	HeartbeatInterval     = 5 * time.Second
	HealthCheckInterval   = 30 * time.Second
	EventTimeoutThreshold = 300 * time.Second
	StatsReportInterval   = 120 * time.Second
	ReconnectDelay        = 5 * time.Second

	eventStreamBackoffBase = 2 * time.Second
	eventStreamBackoffCap  = 60 * time.Second
	eventStreamMaxAttempts = 5
)

// RequestHandler relays a RequestFrame to the agent's own HTTP surface (or
// the port-81 pod-manager sidecar) and returns the response payload to
// embed in a ResponseFrame, matching handle_http_request.
type RequestHandler func(ctx context.Context, f RequestFrame) any

// EventSource produces the next Kubernetes watch event to forward
// upstream; when Next returns an error, eventStreamLoop backs off per
// eventStreamBackoffBase/Cap/MaxAttempts. It blocks until an event is
// available or ctx is done.
type EventSource interface {
	Next(ctx context.Context) (any, error)
}

// PodLogStreamer starts streaming one pod's logs to the tunnel until ctx
// is canceled (stop_pod_logs) or the stream ends.
type PodLogStreamer interface {
	Stream(ctx context.Context, conn *Conn, connectionID, namespace, pod, container string) error
}

// Conn is the thin wrapper around the live websocket connection the rest
// of the package writes frames through; all writes are serialized with a
// mutex since gorilla/websocket connections are not safe for concurrent
// writers.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *Conn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *Conn) WriteText(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(s))
}

// Tunnel owns the reconnect loop and the single active session.
type Tunnel struct {
	masterURL  string
	env        string
	onRequest  RequestHandler
	events     EventSource
	podLogs    PodLogStreamer

	mu      sync.Mutex
	current *Conn

	pendingMu sync.Mutex
	pending   map[string]chan policyAnswer

	podLogCancels sync.Map // connection_id -> context.CancelFunc
}

type policyAnswer struct {
	raw json.RawMessage
}

// New builds a Tunnel. onRequest, events, and podLogs are the three
// pluggable surfaces the rest of the agent provides; events/podLogs may
// be nil if this deployment doesn't forward cluster events or stream pod
// logs.
func New(masterURL, env string, onRequest RequestHandler, events EventSource, podLogs PodLogStreamer) *Tunnel {
	return &Tunnel{
		masterURL: masterURL,
		env:       env,
		onRequest: onRequest,
		events:    events,
		podLogs:   podLogs,
		pending:   make(map[string]chan policyAnswer),
	}
}

// Run loops forever: connect, run the session until any goroutine fails,
// tear down, sleep ReconnectDelay, repeat. It returns only when ctx is
// canceled, matching connect_to_server's `while True`.
func (t *Tunnel) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := t.runOnce(ctx); err != nil {
			klog.Warningf("tunnel: session ended: %v", err)
		}
		t.setCurrent(nil)
		metrics.TunnelReconnectsTotal.Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ReconnectDelay):
		}
	}
}

func (t *Tunnel) dialURL() (string, error) {
	u, err := url.Parse(t.masterURL)
	if err != nil {
		return "", err
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("env", t.env)
	q.Set("ver", version.Raw)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *Tunnel) runOnce(ctx context.Context) error {
	dialURL, err := t.dialURL()
	if err != nil {
		return fmt.Errorf("tunnel: build dial url: %w", err)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("tunnel: dial %s: %w", dialURL, err)
	}
	defer ws.Close()

	conn := &Conn{ws: ws}
	t.setCurrent(conn)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(sessionCtx)
	g.Go(func() error { return t.inboundLoop(gctx, conn) })
	g.Go(func() error { return t.heartbeatLoop(gctx, conn) })
	g.Go(func() error { return t.healthMonitorLoop(gctx) })
	if t.events != nil {
		g.Go(func() error { return t.eventStreamLoop(gctx, conn) })
	}

	return g.Wait()
}

func (t *Tunnel) setCurrent(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = c
}

// Current returns the active tunnel connection, or nil if disconnected.
// Admission mutation and request relaying both consult this.
func (t *Tunnel) Current() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// heartbeatLoop sends {"type":"heartbeat"} every HeartbeatInterval.
func (t *Tunnel) heartbeatLoop(ctx context.Context, conn *Conn) error {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := conn.WriteJSON(HeartbeatFrame{Type: FrameHeartbeat}); err != nil {
				return fmt.Errorf("tunnel: heartbeat send: %w", err)
			}
		}
	}
}

// healthMonitorLoop ticks every HealthCheckInterval and writes a health log
// line once per StatsReportInterval. It does not check whether the event
// streamer is running or how long ago the last event arrived
// (EventTimeoutThreshold is not consulted), and it never ends the session.
func (t *Tunnel) healthMonitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(HealthCheckInterval)
	defer ticker.Stop()
	lastStats := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if now.Sub(lastStats) >= StatsReportInterval {
				klog.V(2).Infof("tunnel: health check ok at %s", now.Format(time.RFC3339))
				lastStats = now
			}
		}
	}
}

// inboundLoop reads frames from the master and dispatches them by type,
// matching process_request's dispatch on frame["type"].
func (t *Tunnel) inboundLoop(ctx context.Context, conn *Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("tunnel: read: %w", err)
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			klog.Warningf("tunnel: dropping unparseable frame: %v", err)
			continue
		}

		switch env.Type {
		case FrameAdmis:
			t.resolveAdmis(data)
		case FrameRequest:
			go t.handleRequest(ctx, conn, data)
		case FrameStartPodLogs:
			t.handleStartPodLogs(ctx, conn, data)
		case FrameStopPodLogs:
			t.handleStopPodLogs(data)
		default:
			klog.V(4).Infof("tunnel: ignoring frame type %q", env.Type)
		}
	}
}

func (t *Tunnel) handleRequest(ctx context.Context, conn *Conn, data []byte) {
	var f RequestFrame
	if err := json.Unmarshal(data, &f); err != nil {
		klog.Warningf("tunnel: bad request frame: %v", err)
		return
	}
	var resp any
	if t.onRequest != nil {
		resp = t.onRequest(ctx, f)
	} else {
		resp = map[string]any{"success": false, "error": "no request handler configured"}
	}
	if err := conn.WriteJSON(ResponseFrame{Type: FrameResponse, RequestID: f.RequestID, Response: resp}); err != nil {
		klog.Warningf("tunnel: send response: %v", err)
	}
}

func (t *Tunnel) handleStartPodLogs(ctx context.Context, conn *Conn, data []byte) {
	var f StartPodLogsFrame
	if err := json.Unmarshal(data, &f); err != nil {
		klog.Warningf("tunnel: bad start_pod_logs frame: %v", err)
		return
	}
	if t.podLogs == nil {
		return
	}
	streamCtx, cancel := context.WithCancel(ctx)
	t.podLogCancels.Store(f.ConnectionID, cancel)
	go func() {
		defer t.podLogCancels.Delete(f.ConnectionID)
		if err := t.podLogs.Stream(streamCtx, conn, f.ConnectionID, f.Namespace, f.PodName, f.Container); err != nil {
			klog.V(2).Infof("tunnel: pod log stream %s ended: %v", f.ConnectionID, err)
		}
	}()
}

func (t *Tunnel) handleStopPodLogs(data []byte) {
	var f StopPodLogsFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	if cancel, ok := t.podLogCancels.LoadAndDelete(f.ConnectionID); ok {
		cancel.(context.CancelFunc)()
	}
}

// eventStreamLoop forwards Kubernetes events to the master, backing off
// exponentially (base 2s, cap 60s) for up to eventStreamMaxAttempts
// consecutive failures before giving up this session.
func (t *Tunnel) eventStreamLoop(ctx context.Context, conn *Conn) error {
	attempts := 0
	for {
		ev, err := t.events.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempts++
			if attempts > eventStreamMaxAttempts {
				return fmt.Errorf("tunnel: event stream exhausted retries: %w", err)
			}
			backoff := eventStreamBackoffBase * time.Duration(1<<uint(attempts-1))
			if backoff > eventStreamBackoffCap {
				backoff = eventStreamBackoffCap
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}
		attempts = 0

		frame := K8sEventFrame{Type: FrameK8sEvent, Data: ev, Timestamp: time.Now().Format(time.RFC3339Nano)}
		if err := conn.WriteJSON(frame); err != nil {
			return fmt.Errorf("tunnel: event send: %w", err)
		}
		metrics.TunnelEventsTotal.WithLabelValues("forwarded").Inc()
	}
}

// RequestAdmisDecision asks the master for a policy decision on one
// admission review and blocks up to timeout for the answer, matching
// admis_mutate's asyncio.Future + asyncio.wait_for(..., timeout=30).
func (t *Tunnel) RequestAdmisDecision(ctx context.Context, namespace, deployment string, timeout time.Duration) (json.RawMessage, error) {
	conn := t.Current()
	if conn == nil {
		return nil, fmt.Errorf("tunnel: not connected")
	}

	requestID := uuid.NewString()
	ch := make(chan policyAnswer, 1)

	t.pendingMu.Lock()
	t.pending[requestID] = ch
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, requestID)
		t.pendingMu.Unlock()
	}()

	if err := conn.WriteJSON(AdmisFrame{Type: FrameAdmis, RequestID: requestID, Namespace: namespace, Deployment: deployment}); err != nil {
		return nil, fmt.Errorf("tunnel: send admis frame: %w", err)
	}

	select {
	case ans := <-ch:
		return ans.raw, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("tunnel: timed out waiting for master decision")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Tunnel) resolveAdmis(data []byte) {
	var env struct {
		RequestID string          `json:"request_id"`
		DeployRes json.RawMessage `json:"deploy_res"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		klog.Warningf("tunnel: bad admis response: %v", err)
		return
	}

	t.pendingMu.Lock()
	ch, ok := t.pending[env.RequestID]
	t.pendingMu.Unlock()
	if !ok {
		klog.V(4).Infof("tunnel: admis response for unknown/expired request %s", env.RequestID)
		return
	}
	ch <- policyAnswer{raw: env.DeployRes}
}
