package tunnel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestRequestAdmisDecisionTimesOutWithoutMasterReply(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		// Drain the admis frame but never answer it.
		ws.ReadMessage()
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	tun := New(wsURL, "test-env", nil, nil, nil)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	tun.setCurrent(&Conn{ws: ws})

	_, err = tun.RequestAdmisDecision(context.Background(), "ns", "dep", 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error, got nil")
	}
}

func TestResolveAdmisReadsDeployResField(t *testing.T) {
	tun := New("ws://example.invalid", "test-env", nil, nil, nil)

	ch := make(chan policyAnswer, 1)
	tun.pendingMu.Lock()
	tun.pending["req-1"] = ch
	tun.pendingMu.Unlock()

	tun.resolveAdmis([]byte(`{"type":"admis","request_id":"req-1","deploy_res":[4,-1,-1,100,128,200,256,false]}`))

	select {
	case ans := <-ch:
		if string(ans.raw) != `[4,-1,-1,100,128,200,256,false]` {
			t.Fatalf("unexpected payload: %s", ans.raw)
		}
	default:
		t.Fatalf("expected resolveAdmis to deliver the deploy_res payload")
	}
}

func TestCurrentNilWhenDisconnected(t *testing.T) {
	tun := New("ws://example.invalid", "test-env", nil, nil, nil)
	if tun.Current() != nil {
		t.Fatalf("expected nil current connection before any dial")
	}
}
