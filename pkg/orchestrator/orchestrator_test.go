package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
	ktesting "k8s.io/client-go/testing"

	"github.com/cassinfra/kubedoor-agent/pkg/nodescheduler"
)

func int32ptr(v int32) *int32 { return &v }

func newOrchestrator(objs ...runtime.Object) (*Orchestrator, *fake.Clientset) {
	client := fake.NewSimpleClientset(objs...)
	dyn := dynamicfake.NewSimpleDynamicClient(runtime.NewScheme())
	sched := nodescheduler.New(client, 0, 0)
	return New(client, dyn, sched, nil, "kubedoor-pinned"), client
}

func TestScalePlainBranchPatchesReplicas(t *testing.T) {
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default"},
		Spec:       appsv1.DeploymentSpec{Replicas: int32ptr(2)},
	}
	o, client := newOrchestrator(dep)

	results, err := o.Scale(context.Background(), []DeploymentTarget{
		{Namespace: "default", Name: "web", Replicas: 5},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || !results[0].OK {
		t.Fatalf("unexpected result: %+v", results)
	}

	got, err := client.AppsV1().Deployments("default").Get(context.Background(), "web", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if got.Spec.Replicas == nil || *got.Spec.Replicas != 5 {
		t.Fatalf("expected replicas=5, got %v", got.Spec.Replicas)
	}
}

func TestScaleRejectsAddLabelAndSchedulerTogether(t *testing.T) {
	o, _ := newOrchestrator()
	results, err := o.Scale(context.Background(), []DeploymentTarget{
		{Namespace: "default", Name: "web", Replicas: 3, AddLabel: true, Scheduler: true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].OK {
		t.Fatalf("expected rejection, got OK result")
	}
}

func TestRestartPatchesRestartedAtAnnotation(t *testing.T) {
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default"},
		Spec:       appsv1.DeploymentSpec{Replicas: int32ptr(2)},
	}
	o, client := newOrchestrator(dep)

	results, err := o.Restart(context.Background(), []DeploymentTarget{
		{Namespace: "default", Name: "web"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !results[0].OK {
		t.Fatalf("unexpected result: %+v", results[0])
	}

	got, err := client.AppsV1().Deployments("default").Get(context.Background(), "web", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if _, ok := got.Spec.Template.Annotations["kubectl.kubernetes.io/restartedAt"]; !ok {
		t.Fatalf("expected restartedAt annotation, got %v", got.Spec.Template.Annotations)
	}
}

func TestScaleSchedulerBranchAbortsWhenCordonPartiallyFails(t *testing.T) {
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default"},
		Spec:       appsv1.DeploymentSpec{Replicas: int32ptr(2)},
	}
	node := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "n2"}}
	o, client := newOrchestrator(dep, node)

	client.PrependReactor("patch", "nodes", func(action ktesting.Action) (bool, runtime.Object, error) {
		return true, nil, fmt.Errorf("simulated cordon failure")
	})

	results, err := o.Scale(context.Background(), []DeploymentTarget{
		{Namespace: "default", Name: "web", Replicas: 5, Scheduler: true, AllowListNodes: []string{"n1"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].OK {
		t.Fatalf("expected failure result, got %+v", results)
	}

	got, err := client.AppsV1().Deployments("default").Get(context.Background(), "web", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if got.Spec.Replicas == nil || *got.Spec.Replicas != 2 {
		t.Fatalf("expected replicas unchanged at 2, got %v", got.Spec.Replicas)
	}
}

func TestBalanceNodeRelabelsAndEvictsPods(t *testing.T) {
	objs := []runtime.Object{
		&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-a", Labels: map[string]string{"default.web": "kubedoor-pinned"}}},
		&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-b"}},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "web-5f6d9c7b85-abcde", Namespace: "default"},
			Spec:       corev1.PodSpec{NodeName: "node-a"},
		},
	}
	o, client := newOrchestrator(objs...)

	results := o.BalanceNode(context.Background(), []BalanceTarget{
		{Namespace: "default", Name: "web", SourceNode: "node-a", TargetNode: "node-b"},
	})
	if len(results) != 1 || !results[0].OK {
		t.Fatalf("unexpected result: %+v", results)
	}

	_, err := client.CoreV1().Pods("default").Get(context.Background(), "web-5f6d9c7b85-abcde", metav1.GetOptions{})
	if err == nil {
		t.Fatalf("expected pod on source node to be deleted")
	}
}

func TestDeploymentMonitorReportsReadyWithinSLA(t *testing.T) {
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default"},
		Spec:       appsv1.DeploymentSpec{Replicas: int32ptr(2)},
		Status:     appsv1.DeploymentStatus{ReadyReplicas: 2},
	}
	o, _ := newOrchestrator(dep)

	status, err := o.DeploymentMonitor(context.Background(), "default", "web", 10*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Phase != PhaseReady {
		t.Fatalf("expected ready phase, got %v", status)
	}
}
