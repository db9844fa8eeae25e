package nodescheduler

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func newFakeNodes(names ...string) *fake.Clientset {
	cs := fake.NewSimpleClientset()
	for _, name := range names {
		n := corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: name}}
		if _, err := cs.CoreV1().Nodes().Create(context.Background(), &n, metav1.CreateOptions{}); err != nil {
			panic(err)
		}
	}
	return cs
}

func TestCordonExceptSkipsExcludedNodes(t *testing.T) {
	client := newFakeNodes("node-a", "node-b", "node-c")
	s := New(client, 0, 0)

	result, err := s.CordonExcept(context.Background(), []string{"node-b"})
	if err != nil {
		t.Fatalf("CordonExcept: %v", err)
	}
	if result.SuccessCount != 2 || result.ErrorCount != 0 {
		t.Fatalf("expected 2 successes, got %+v", result)
	}

	n, err := client.CoreV1().Nodes().Get(context.Background(), "node-a", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get node-a: %v", err)
	}
	if !n.Spec.Unschedulable {
		t.Fatalf("expected node-a to be cordoned")
	}

	n, err = client.CoreV1().Nodes().Get(context.Background(), "node-b", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get node-b: %v", err)
	}
	if n.Spec.Unschedulable {
		t.Fatalf("expected excluded node-b to remain schedulable")
	}
}

func TestStatusReportsSchedulability(t *testing.T) {
	client := newFakeNodes("node-a", "node-b")
	ctx := context.Background()
	n, _ := client.CoreV1().Nodes().Get(ctx, "node-a", metav1.GetOptions{})
	n.Spec.Unschedulable = true
	if _, err := client.CoreV1().Nodes().Update(ctx, n, metav1.UpdateOptions{}); err != nil {
		t.Fatalf("update: %v", err)
	}

	s := New(client, 0, 0)
	st, err := s.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.TotalNodes != 2 || st.UnschedulableCount != 1 || st.SchedulableCount != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestUncordonExceptIsFireAndForget(t *testing.T) {
	client := newFakeNodes("node-a")
	ctx := context.Background()
	n, _ := client.CoreV1().Nodes().Get(ctx, "node-a", metav1.GetOptions{})
	n.Spec.Unschedulable = true
	if _, err := client.CoreV1().Nodes().Update(ctx, n, metav1.UpdateOptions{}); err != nil {
		t.Fatalf("update: %v", err)
	}

	s := New(client, 0, 0)
	errCh := make(chan string, 1)
	if err := s.UncordonExcept(nil, 10*time.Millisecond, func(msg string) { errCh <- msg }); err != nil {
		t.Fatalf("UncordonExcept: %v", err)
	}

	// UncordonExcept must return before the delay elapses.
	select {
	case msg := <-errCh:
		t.Fatalf("callback fired too early: %s", msg)
	default:
	}
}
