// Package inventory implements the read-only /api/agent/{...} and
// /api/nodes, /api/events, /api/get_dpm_pods views. spec.md places this
// surface out of scope beyond a straight List/Get passthrough — see
// SPEC_FULL.md §4.8 — so these handlers carry no business rules.
package inventory

import (
	"encoding/json"
	"net/http"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Views serves the thin read-only inventory surface against one
// Kubernetes clientset.
type Views struct {
	client kubernetes.Interface
}

func New(client kubernetes.Interface) *Views { return &Views{client: client} }

func (v *Views) writeList(w http.ResponseWriter, r *http.Request, list any, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

func namespaceOf(r *http.Request) string {
	if ns := r.URL.Query().Get("namespace"); ns != "" {
		return ns
	}
	return metav1.NamespaceAll
}

func (v *Views) ServeNodes(w http.ResponseWriter, r *http.Request) {
	list, err := v.client.CoreV1().Nodes().List(r.Context(), metav1.ListOptions{})
	v.writeList(w, r, list, err)
}

func (v *Views) ServeEvents(w http.ResponseWriter, r *http.Request) {
	list, err := v.client.CoreV1().Events(namespaceOf(r)).List(r.Context(), metav1.ListOptions{})
	v.writeList(w, r, list, err)
}

// ServeDpmPods lists pods for the deployment(s) pod-manager wants to
// display, filtered by the standard "app" label when given.
func (v *Views) ServeDpmPods(w http.ResponseWriter, r *http.Request) {
	opts := metav1.ListOptions{}
	if app := r.URL.Query().Get("app"); app != "" {
		opts.LabelSelector = "app=" + app
	}
	list, err := v.client.CoreV1().Pods(namespaceOf(r)).List(r.Context(), opts)
	v.writeList(w, r, list, err)
}

func (v *Views) ServeConfigMaps(w http.ResponseWriter, r *http.Request) {
	list, err := v.client.CoreV1().ConfigMaps(namespaceOf(r)).List(r.Context(), metav1.ListOptions{})
	v.writeList(w, r, list, err)
}

func (v *Views) ServeServices(w http.ResponseWriter, r *http.Request) {
	list, err := v.client.CoreV1().Services(namespaceOf(r)).List(r.Context(), metav1.ListOptions{})
	v.writeList(w, r, list, err)
}

func (v *Views) ServeIngresses(w http.ResponseWriter, r *http.Request) {
	list, err := v.client.NetworkingV1().Ingresses(namespaceOf(r)).List(r.Context(), metav1.ListOptions{})
	v.writeList(w, r, list, err)
}

func (v *Views) ServePods(w http.ResponseWriter, r *http.Request) {
	list, err := v.client.CoreV1().Pods(namespaceOf(r)).List(r.Context(), metav1.ListOptions{})
	v.writeList(w, r, list, err)
}

func (v *Views) ServeStatefulSets(w http.ResponseWriter, r *http.Request) {
	list, err := v.client.AppsV1().StatefulSets(namespaceOf(r)).List(r.Context(), metav1.ListOptions{})
	v.writeList(w, r, list, err)
}

func (v *Views) ServeDaemonSets(w http.ResponseWriter, r *http.Request) {
	list, err := v.client.AppsV1().DaemonSets(namespaceOf(r)).List(r.Context(), metav1.ListOptions{})
	v.writeList(w, r, list, err)
}
