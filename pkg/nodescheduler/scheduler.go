// Package nodescheduler cordons and uncordons cluster nodes in bulk,
// grounded on
// _examples/original_source/src/kubedoor-agent/k8s_node_scheduler.py's
// K8sNodeScheduler line for line: a semaphore-bounded concurrent fan-out,
// a per-operation timeout, one retry after a fixed delay, and a detached
// delayed-uncordon path that outlives the request that scheduled it.
package nodescheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/cassinfra/kubedoor-agent/pkg/k8sclient"
)

const (
	defaultMaxConcurrentOperations = 20
	defaultOperationTimeout        = 30 * time.Second
	defaultRetryDelay              = 2 * time.Second
	defaultUncordonDelay           = 10 * time.Second
)

// OpResult mirrors the {node_name, operation, status, message, timestamp}
// dict the Python original returns per node.
type OpResult struct {
	NodeName  string
	Operation string
	Status    string // "success" or "error"
	Message   string
	Timestamp time.Time
}

// BatchResult mirrors cordon_nodes_exclude's aggregate return shape.
type BatchResult struct {
	SuccessCount int
	ErrorCount   int
	Results      []OpResult
	Duration     time.Duration
}

// ErrorCallback is invoked after a delayed uncordon finishes with at least
// one failure (or fails outright). It mirrors the Python original's
// error_callback, which may be sync or async there; here it's just a
// func(string) run on the same detached goroutine.
type ErrorCallback func(message string)

// Scheduler cordons/uncordons nodes against one Kubernetes clientset.
type Scheduler struct {
	client                  kubernetes.Interface
	maxConcurrentOperations int
	operationTimeout        time.Duration
}

// New builds a Scheduler with the teacher-original defaults (20 concurrent
// operations, 30s per-op timeout). Pass 0 for either to keep the default.
func New(client kubernetes.Interface, maxConcurrentOperations int, operationTimeout time.Duration) *Scheduler {
	if maxConcurrentOperations <= 0 {
		maxConcurrentOperations = defaultMaxConcurrentOperations
	}
	if operationTimeout <= 0 {
		operationTimeout = defaultOperationTimeout
	}
	return &Scheduler{client: client, maxConcurrentOperations: maxConcurrentOperations, operationTimeout: operationTimeout}
}

// AllNodeNames lists every node name in the cluster.
func (s *Scheduler) AllNodeNames(ctx context.Context) ([]string, error) {
	list, err := s.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("nodescheduler: list nodes: %w", err)
	}
	names := make([]string, 0, len(list.Items))
	for _, n := range list.Items {
		names = append(names, n.Name)
	}
	return names, nil
}

func filterExclude(all []string, exclude map[string]struct{}) []string {
	out := make([]string, 0, len(all))
	for _, n := range all {
		if _, skip := exclude[n]; !skip {
			out = append(out, n)
		}
	}
	return out
}

func toSet(names []string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

func (s *Scheduler) setUnschedulable(ctx context.Context, client kubernetes.Interface, nodeName string, unschedulable bool) error {
	patch := []byte(fmt.Sprintf(`{"spec":{"unschedulable":%t}}`, unschedulable))
	_, err := client.CoreV1().Nodes().Patch(ctx, nodeName, types.MergePatchType, patch, metav1.PatchOptions{})
	return err
}

func (s *Scheduler) cordonSingle(ctx context.Context, client kubernetes.Interface, nodeName string) OpResult {
	return s.singleOp(ctx, client, nodeName, "cordon", true)
}

func (s *Scheduler) uncordonSingle(ctx context.Context, client kubernetes.Interface, nodeName string) OpResult {
	return s.singleOp(ctx, client, nodeName, "uncordon", false)
}

// singleOp performs one cordon/uncordon with the original's retry
// semantics: max_retries=1, retry_delay=2s.
func (s *Scheduler) singleOp(ctx context.Context, client kubernetes.Interface, nodeName, operation string, unschedulable bool) OpResult {
	err := retry.Do(
		func() error { return s.setUnschedulable(ctx, client, nodeName, unschedulable) },
		retry.Attempts(2), // one attempt plus one retry
		retry.Delay(defaultRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
	)
	if err != nil {
		return OpResult{NodeName: nodeName, Operation: operation, Status: "error", Message: err.Error(), Timestamp: time.Now()}
	}
	return OpResult{NodeName: nodeName, Operation: operation, Status: "success", Timestamp: time.Now()}
}

// fanOut runs op against every node in targets with at most
// maxConcurrentOperations in flight, each bounded by operationTimeout.
func (s *Scheduler) fanOut(ctx context.Context, client kubernetes.Interface, targets []string, op func(context.Context, kubernetes.Interface, string) OpResult) BatchResult {
	start := time.Now()
	sem := make(chan struct{}, s.maxConcurrentOperations)
	results := make([]OpResult, len(targets))

	var wg sync.WaitGroup
	for i, node := range targets {
		wg.Add(1)
		go func(i int, node string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			opCtx, cancel := context.WithTimeout(ctx, s.operationTimeout)
			defer cancel()

			done := make(chan OpResult, 1)
			go func() { done <- op(opCtx, client, node) }()

			select {
			case r := <-done:
				results[i] = r
			case <-opCtx.Done():
				results[i] = OpResult{NodeName: node, Status: "error", Message: "operation timed out", Timestamp: time.Now()}
			}
		}(i, node)
	}
	wg.Wait()

	batch := BatchResult{Results: results, Duration: time.Since(start)}
	for _, r := range results {
		if r.Status == "success" {
			batch.SuccessCount++
		} else {
			batch.ErrorCount++
		}
	}
	return batch
}

// CordonExcept cordons every node except those named in exclude.
func (s *Scheduler) CordonExcept(ctx context.Context, exclude []string) (BatchResult, error) {
	all, err := s.AllNodeNames(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	targets := filterExclude(all, toSet(exclude))
	return s.fanOut(ctx, s.client, targets, s.cordonSingle), nil
}

// UncordonExcept schedules a delayed uncordon of every node except those in
// exclude and returns nil once it is scheduled (an error only if listing
// the nodes fails) — it never blocks on the actual uncordon, matching
// uncordon_nodes_exclude's asyncio.create_task fire-and-forget.
func (s *Scheduler) UncordonExcept(exclude []string, delay time.Duration, onError ErrorCallback) error {
	if delay <= 0 {
		delay = defaultUncordonDelay
	}
	all, err := s.AllNodeNames(context.Background())
	if err != nil {
		return err
	}
	targets := filterExclude(all, toSet(exclude))

	go s.delayedUncordon(targets, delay, onError)
	return nil
}

// delayedUncordon runs on its own goroutine, detached from any request
// context, using its own Kubernetes session so it survives the HTTP
// handler that scheduled it — mirroring _delayed_uncordon_execution's
// fresh K8sClientManager() session.
func (s *Scheduler) delayedUncordon(targets []string, delay time.Duration, onError ErrorCallback) {
	time.Sleep(delay)

	session, err := k8sclient.New()
	if err != nil {
		klog.Errorf("nodescheduler: delayed uncordon: build session: %v", err)
		if onError != nil {
			onError(fmt.Sprintf("延迟解除封锁失败: %v", err))
		}
		return
	}

	batch := s.fanOut(context.Background(), session.Typed, targets, s.uncordonSingle)
	if batch.ErrorCount > 0 && onError != nil {
		onError(fmt.Sprintf("延迟解除封锁部分失败: %d/%d", batch.ErrorCount, len(targets)))
	}
}

// SchedulingStatus mirrors get_nodes_scheduling_status's summary shape.
type SchedulingStatus struct {
	SchedulableNodes   []string
	UnschedulableNodes []string
	SchedulableCount   int
	UnschedulableCount int
	TotalNodes         int
}

// Status reports which nodes are currently schedulable.
func (s *Scheduler) Status(ctx context.Context) (SchedulingStatus, error) {
	list, err := s.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return SchedulingStatus{}, fmt.Errorf("nodescheduler: list nodes: %w", err)
	}

	var st SchedulingStatus
	for _, n := range list.Items {
		if isUnschedulable(n) {
			st.UnschedulableNodes = append(st.UnschedulableNodes, n.Name)
		} else {
			st.SchedulableNodes = append(st.SchedulableNodes, n.Name)
		}
	}
	st.SchedulableCount = len(st.SchedulableNodes)
	st.UnschedulableCount = len(st.UnschedulableNodes)
	st.TotalNodes = len(list.Items)
	return st, nil
}

func isUnschedulable(n corev1.Node) bool {
	return n.Spec.Unschedulable
}

// IgnoreNotFound maps a node-not-found error to nil, matching how the
// Python original tolerates nodes disappearing mid-fan-out.
func IgnoreNotFound(err error) error {
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}
