package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/cassinfra/kubedoor-agent/pkg/tunnel"
)

const (
	podManagerPathPrefix = "/api/pod/"
	sidecarTimeout       = 30 * time.Second
)

// requestHandler builds the tunnel.RequestHandler that relays a master-
// initiated request frame to this agent's own HTTPS mux, or to the
// sidecar pod-manager on port 81 when the path falls under
// podManagerPathPrefix, matching handle_http_request's routing rule
// (SPEC_FULL.md §4.3).
func requestHandler(mux http.Handler) tunnel.RequestHandler {
	sidecar := &http.Client{Timeout: sidecarTimeout}

	return func(ctx context.Context, f tunnel.RequestFrame) any {
		if strings.HasPrefix(f.Path, podManagerPathPrefix) {
			return relaySidecar(ctx, sidecar, f)
		}
		return relayLocal(mux, f)
	}
}

func relayLocal(mux http.Handler, f tunnel.RequestFrame) any {
	target := f.Path
	if f.Query != "" {
		target += "?" + f.Query
	}

	req := httptest.NewRequest(f.Method, target, bytes.NewReader(f.Body))
	if len(f.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	return map[string]any{
		"status": rec.Code,
		"body":   rec.Body.String(),
	}
}

func relaySidecar(ctx context.Context, client *http.Client, f tunnel.RequestFrame) any {
	url := sidecarBaseURL + f.Path
	if f.Query != "" {
		url += "?" + f.Query
	}

	req, err := http.NewRequestWithContext(ctx, f.Method, url, bytes.NewReader(f.Body))
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}
	}
	if len(f.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		klog.Warningf("relay: pod-manager sidecar call %s %s failed: %v", f.Method, f.Path, err)
		return map[string]any{"success": false, "error": err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}
	}

	return map[string]any{
		"status": resp.StatusCode,
		"body":   string(body),
	}
}
