// Package nodebalance implements the pinned-node labeling balance used to
// spread a deployment's pods across the least-loaded eligible nodes,
// grounded on _examples/original_source/src/kubedoor-agent/scaler/node_balancer.py.
package nodebalance

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
)

// ItemResult is the per-deployment outcome reported back in BalanceNode's
// always-200 response body.
type ItemResult struct {
	Namespace  string `json:"namespace"`
	Deployment string `json:"deployment"`
	OK         bool   `json:"ok"`
	Message    string `json:"message"`
}

// Balancer relabels deployments onto their least-loaded eligible nodes and
// evicts pods left behind on nodes that no longer carry the label.
type Balancer struct {
	client         kubernetes.Interface
	nodeLabelValue string
}

func New(client kubernetes.Interface, nodeLabelValue string) *Balancer {
	return &Balancer{client: client, nodeLabelValue: nodeLabelValue}
}

func labelKey(namespace, deployment string) string {
	return namespace + "." + deployment
}

// getLabeledNodesCount returns, for every schedulable node, how many
// namespace.deployment labels it already carries — used to prefer the
// least-loaded nodes, matching get_labeled_nodes_count.
func (b *Balancer) getLabeledNodesCount(ctx context.Context) (map[string]int, error) {
	nodes, err := b.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("nodebalance: list nodes: %w", err)
	}
	counts := make(map[string]int)
	for _, n := range nodes.Items {
		if n.Spec.Unschedulable {
			continue
		}
		count := 0
		for k, v := range n.Labels {
			if v == b.nodeLabelValue && strings.Contains(k, ".") {
				count++
			}
		}
		counts[n.Name] = count
	}
	return counts, nil
}

// SelectLeastLoadedNodes picks n node names with the fewest existing
// namespace.deployment labels, breaking ties by name for determinism.
func (b *Balancer) SelectLeastLoadedNodes(ctx context.Context, n int) ([]string, error) {
	counts, err := b.getLabeledNodesCount(ctx)
	if err != nil {
		return nil, err
	}
	type nc struct {
		name  string
		count int
	}
	list := make([]nc, 0, len(counts))
	for name, c := range counts {
		list = append(list, nc{name, c})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].count != list[j].count {
			return list[i].count < list[j].count
		}
		return list[i].name < list[j].name
	})
	if n > len(list) {
		n = len(list)
	}
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		names = append(names, list[i].name)
	}
	return names, nil
}

type nodePercent struct {
	name    string
	percent float64
}

// SelectDelLabelNodes ranks the nodes currently carrying this deployment's
// label by the fraction of their total namespace.deployment labels that
// belong to *other* deployments (descending), so the busiest-by-other-load
// nodes are freed first, matching select_del_label_nodes.
func (b *Balancer) SelectDelLabelNodes(ctx context.Context, namespace, deployment string, n int) ([]string, error) {
	key := labelKey(namespace, deployment)
	nodes, err := b.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("nodebalance: list nodes: %w", err)
	}

	var candidates []nodePercent
	for _, node := range nodes.Items {
		if v, ok := node.Labels[key]; !ok || v != b.nodeLabelValue {
			continue
		}
		total, other := 0, 0
		for k, v := range node.Labels {
			if v != b.nodeLabelValue || !strings.Contains(k, ".") {
				continue
			}
			total++
			if k != key {
				other++
			}
		}
		pct := 0.0
		if total > 0 {
			pct = float64(other) / float64(total)
		}
		candidates = append(candidates, nodePercent{node.Name, pct})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].percent != candidates[j].percent {
			return candidates[i].percent > candidates[j].percent
		}
		return candidates[i].name < candidates[j].name
	})

	if n > len(candidates) {
		n = len(candidates)
	}
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		names = append(names, candidates[i].name)
	}
	return names, nil
}

func (b *Balancer) updateNodeWithLabel(ctx context.Context, node, namespace, deployment string) error {
	patch := []byte(fmt.Sprintf(`{"metadata":{"labels":{%q:%q}}}`, labelKey(namespace, deployment), b.nodeLabelValue))
	_, err := b.client.CoreV1().Nodes().Patch(ctx, node, types.MergePatchType, patch, metav1.PatchOptions{})
	return err
}

func (b *Balancer) delNodeWithLabel(ctx context.Context, node, namespace, deployment string) error {
	patch := []byte(fmt.Sprintf(`{"metadata":{"labels":{%q:null}}}`, labelKey(namespace, deployment)))
	_, err := b.client.CoreV1().Nodes().Patch(ctx, node, types.MergePatchType, patch, metav1.PatchOptions{})
	return err
}

// deletePodsInAvailableNodes evicts pods belonging to this deployment that
// landed on a node no longer carrying its label, matching
// delete_pods_in_available_nodes. podNameRegex matches
// "^<deployment>-[a-z0-9]+-[a-z0-9]+$", the ReplicaSet+random-suffix shape
// Kubernetes generates for Deployment-owned pods.
func (b *Balancer) deletePodsInAvailableNodes(ctx context.Context, namespace, deployment string, nodes []string) error {
	podNameRegex := regexp.MustCompile(fmt.Sprintf(`^%s-[a-z0-9]+-[a-z0-9]+$`, regexp.QuoteMeta(deployment)))
	nodeSet := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		nodeSet[n] = struct{}{}
	}

	pods, err := b.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("nodebalance: list pods: %w", err)
	}
	for _, p := range pods.Items {
		if !podNameRegex.MatchString(p.Name) {
			continue
		}
		if _, ok := nodeSet[p.Spec.NodeName]; !ok {
			continue
		}
		if err := b.client.CoreV1().Pods(namespace).Delete(ctx, p.Name, metav1.DeleteOptions{}); err != nil {
			return fmt.Errorf("nodebalance: delete pod %s: %w", p.Name, err)
		}
	}
	return nil
}

// Balance relabels a single deployment onto replicas least-loaded nodes,
// dropping the label from any node that no longer needs it, and evicts
// stranded pods so the scheduler can reschedule them onto labeled nodes.
func (b *Balancer) Balance(ctx context.Context, namespace, deployment string, replicas int) ItemResult {
	result := ItemResult{Namespace: namespace, Deployment: deployment}

	targets, err := b.SelectLeastLoadedNodes(ctx, replicas)
	if err != nil {
		result.Message = err.Error()
		return result
	}
	for _, node := range targets {
		if err := b.updateNodeWithLabel(ctx, node, namespace, deployment); err != nil {
			result.Message = fmt.Sprintf("label %s: %v", node, err)
			return result
		}
	}

	stale, err := b.staleLabeledNodes(ctx, namespace, deployment, targets)
	if err != nil {
		result.Message = err.Error()
		return result
	}
	for _, node := range stale {
		if err := b.delNodeWithLabel(ctx, node, namespace, deployment); err != nil {
			result.Message = fmt.Sprintf("unlabel %s: %v", node, err)
			return result
		}
	}

	if len(stale) > 0 {
		if err := b.deletePodsInAvailableNodes(ctx, namespace, deployment, stale); err != nil {
			result.Message = err.Error()
			return result
		}
	}

	result.OK = true
	result.Message = fmt.Sprintf("balanced onto %d node(s), released %d", len(targets), len(stale))
	return result
}

func (b *Balancer) staleLabeledNodes(ctx context.Context, namespace, deployment string, keep []string) ([]string, error) {
	key := labelKey(namespace, deployment)
	keepSet := make(map[string]struct{}, len(keep))
	for _, n := range keep {
		keepSet[n] = struct{}{}
	}
	nodes, err := b.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("nodebalance: list nodes: %w", err)
	}
	var stale []string
	for _, n := range nodes.Items {
		if v, ok := n.Labels[key]; ok && v == b.nodeLabelValue {
			if _, keeping := keepSet[n.Name]; !keeping {
				stale = append(stale, n.Name)
			}
		}
	}
	return stale, nil
}

// Item is one deployment to balance, as posted to the balance_node endpoint.
type Item struct {
	Namespace  string
	Deployment string
	Replicas   int
}

// BalanceAll balances every item independently, collecting a per-item
// result regardless of failure — matching the handler's always-200,
// per-item-results contract.
func (b *Balancer) BalanceAll(ctx context.Context, items []Item) []ItemResult {
	results := make([]ItemResult, 0, len(items))
	for _, it := range items {
		results = append(results, b.Balance(ctx, it.Namespace, it.Deployment, it.Replicas))
	}
	return results
}
