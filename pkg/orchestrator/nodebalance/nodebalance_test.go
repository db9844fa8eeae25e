package nodebalance

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func newNode(name string, labels map[string]string) *corev1.Node {
	return &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels}}
}

func TestSelectLeastLoadedNodesPrefersFewerLabels(t *testing.T) {
	client := fake.NewSimpleClientset(
		newNode("node-a", map[string]string{"ns.dep1": "web-pinned"}),
		newNode("node-b", nil),
		newNode("node-c", map[string]string{"ns.dep1": "web-pinned", "ns.dep2": "web-pinned"}),
	)
	b := New(client, "web-pinned")

	names, err := b.SelectLeastLoadedNodes(context.Background(), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) != 2 || names[0] != "node-b" || names[1] != "node-a" {
		t.Fatalf("unexpected order: %v", names)
	}
}

func TestBalanceLabelsAndReleasesStaleNodes(t *testing.T) {
	client := fake.NewSimpleClientset(
		newNode("node-a", map[string]string{"default.web": "web-pinned"}),
		newNode("node-b", nil),
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "web-5f6d9c7b85-abcde", Namespace: "default"},
			Spec:       corev1.PodSpec{NodeName: "node-a"},
		},
	)
	b := New(client, "web-pinned")

	result := b.Balance(context.Background(), "default", "web", 1)
	if !result.OK {
		t.Fatalf("expected success, got: %s", result.Message)
	}

	node, err := client.CoreV1().Nodes().Get(context.Background(), "node-b", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get node-b: %v", err)
	}
	if node.Labels["default.web"] != "web-pinned" {
		t.Fatalf("expected node-b to be labeled, got %v", node.Labels)
	}

	staleNode, err := client.CoreV1().Nodes().Get(context.Background(), "node-a", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get node-a: %v", err)
	}
	if _, ok := staleNode.Labels["default.web"]; ok {
		t.Fatalf("expected node-a label removed, got %v", staleNode.Labels)
	}

	_, err = client.CoreV1().Pods("default").Get(context.Background(), "web-5f6d9c7b85-abcde", metav1.GetOptions{})
	if err == nil {
		t.Fatalf("expected stranded pod to be deleted")
	}
}
