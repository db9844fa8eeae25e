package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/cassinfra/kubedoor-agent/internal/config"
	"github.com/cassinfra/kubedoor-agent/internal/httpserver"
	"github.com/cassinfra/kubedoor-agent/pkg/admission"
	"github.com/cassinfra/kubedoor-agent/pkg/chatbridge"
	"github.com/cassinfra/kubedoor-agent/pkg/inventory"
	"github.com/cassinfra/kubedoor-agent/pkg/k8sclient"
	"github.com/cassinfra/kubedoor-agent/pkg/metrics"
	"github.com/cassinfra/kubedoor-agent/pkg/nodescheduler"
	"github.com/cassinfra/kubedoor-agent/pkg/orchestrator"
	"github.com/cassinfra/kubedoor-agent/pkg/tunnel"
	"github.com/cassinfra/kubedoor-agent/pkg/version"
)

const (
	defaultListenPort  = 443
	defaultMetricsPort = 9090
	servingCertFile    = "/app/serving-certs/tls.crt"
	servingKeyFile     = "/app/serving-certs/tls.key"
	sidecarBaseURL     = "http://127.0.0.1:81"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the KubeDoor agent",
	Long:  "",
	RunE:  runStartCmd,
}

func init() {
	rootCmd.AddCommand(startCmd)

	klog.InitFlags(nil)
	flag.Parse()
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
}

func runStartCmd(cmd *cobra.Command, args []string) error {
	klog.Infof("Version: %s", version.String)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := k8sclient.Init(); err != nil {
		return fmt.Errorf("build kubernetes session: %w", err)
	}
	session := k8sclient.Default()

	notifier := chatbridge.NewSlackNotifier(cfg.MsgToken)
	scheduler := nodescheduler.New(session.Typed, 0, 0)
	orch := orchestrator.New(session.Typed, session.Dynamic, scheduler, notifier, cfg.NodeLabelValue)
	views := inventory.New(session.Typed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tun *tunnel.Tunnel
	mutator := admission.New(session.Typed, tunnelDialer(&tun), notifier, cfg.NodeLabelValue, cfg.Base64CA)

	mux := httpserver.New(httpserver.Deps{
		Mutator:      mutator,
		Orchestrator: orch,
		Scheduler:    scheduler,
		Inventory:    views,
	})

	tun = tunnel.New(cfg.KubedoorMaster, cfg.PromK8sTagValue, requestHandler(mux), nil, nil)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return tun.Run(gctx) })
	g.Go(func() error { return serveHTTPS(gctx, mux) })
	g.Go(func() error { return serveMetrics(gctx) })
	g.Go(func() error { return waitForSignal(gctx, cancel) })

	return g.Wait()
}

// tunnelDialer returns an admission.TunnelDialer bound to a *tunnel.Tunnel
// that is assigned after this call returns — the admission mutator and the
// tunnel are mutually referential (the mutator asks the tunnel for policy
// decisions; the tunnel relays HTTP requests into the mutator's mux), so
// the pointer is read lazily through the closure rather than threaded
// through a second constructor argument.
func tunnelDialer(tun **tunnel.Tunnel) *tunnelHandle {
	return &tunnelHandle{tun: tun}
}

type tunnelHandle struct {
	tun **tunnel.Tunnel
}

func (h *tunnelHandle) Current() *tunnel.Conn {
	return (*h.tun).Current()
}

func (h *tunnelHandle) RequestAdmisDecision(ctx context.Context, namespace, deployment string, timeout time.Duration) (json.RawMessage, error) {
	return (*h.tun).RequestAdmisDecision(ctx, namespace, deployment, timeout)
}

func serveHTTPS(ctx context.Context, handler http.Handler) error {
	port := defaultListenPort
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}
	return runUntilShutdown(ctx, server, func() error {
		return server.ListenAndServeTLS(servingCertFile, servingKeyFile)
	})
}

func serveMetrics(ctx context.Context) error {
	port := defaultMetricsPort
	if raw, ok := os.LookupEnv("METRICS_PORT"); ok {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse METRICS_PORT %q: %w", raw, err)
		}
		port = v
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	metrics.Register(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	return runUntilShutdown(ctx, server, server.ListenAndServe)
}

func runUntilShutdown(ctx context.Context, server *http.Server, serve func() error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- serve() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func waitForSignal(ctx context.Context, cancel context.CancelFunc) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		klog.Infof("received signal %s, shutting down", sig)
		cancel()
		return nil
	}
}
