// Package k8sclient bundles the Kubernetes clientsets kubedoor-agent needs
// into one acquisition, matching the shape of
// _examples/original_source/src/kubedoor-agent/k8s_client_manager.py's
// K8sClientManager: a single in-cluster config load feeds every typed
// clientset the rest of the agent uses.
//
// Go has no async context manager, so the __aenter__/__aexit__ pattern
// becomes a plain constructor: New returns a *Session the caller owns for
// as long as it stays in scope. There is no Close, because client-go
// clientsets hold no per-session resource that needs releasing the way the
// Python code's aiohttp session did.
package k8sclient

import (
	"fmt"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// Session bundles every client this agent talks to Kubernetes through.
type Session struct {
	Typed   kubernetes.Interface
	Dynamic dynamic.Interface
}

var defaultSession *Session

// New loads the in-cluster config and builds a fresh Session. Short-lived
// callers (delayed uncordon, one-shot scheduler operations) call New again
// to get their own Session rather than reaching into another goroutine's,
// mirroring the Python original's "async with K8sClientManager()" used by
// _delayed_uncordon_execution and _schedule_uncordon.
func New() (*Session, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("k8sclient: load in-cluster config: %w", err)
	}

	typed, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("k8sclient: build typed clientset: %w", err)
	}

	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("k8sclient: build dynamic client: %w", err)
	}

	return &Session{Typed: typed, Dynamic: dyn}, nil
}

// Init builds the process-wide default session used by the HTTP server and
// the tunnel's long-lived goroutines. Must be called once at startup
// before Default is used.
func Init() error {
	s, err := New()
	if err != nil {
		return err
	}
	defaultSession = s
	return nil
}

// Default returns the process-wide session built by Init.
func Default() *Session {
	return defaultSession
}
