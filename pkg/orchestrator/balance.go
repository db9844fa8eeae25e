package orchestrator

import (
	"context"
	"fmt"
	"regexp"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// BalanceTarget is one {source_node, target_node, deployment} move in a
// /api/balance_node batch.
type BalanceTarget struct {
	Namespace  string
	Name       string
	SourceNode string
	TargetNode string
}

// BalanceNode runs §4.5.4 for every target independently, always
// collecting a per-item result rather than failing the whole batch.
func (o *Orchestrator) BalanceNode(ctx context.Context, targets []BalanceTarget) []ItemResult {
	results := make([]ItemResult, 0, len(targets))
	for _, t := range targets {
		results = append(results, o.balanceOne(ctx, t))
	}
	return results
}

func (o *Orchestrator) balanceOne(ctx context.Context, t BalanceTarget) ItemResult {
	res := ItemResult{Namespace: t.Namespace, Name: t.Name}

	if err := o.unlabelNode(ctx, t.SourceNode, t.Namespace, t.Name); err != nil {
		res.Message = fmt.Sprintf("unlabel source node: %v", err)
		return res
	}
	if err := o.labelNode(ctx, t.TargetNode, t.Namespace, t.Name); err != nil {
		res.Message = fmt.Sprintf("label target node: %v", err)
		return res
	}
	if err := o.deletePodsOnSourceNode(ctx, t.Namespace, t.Name, t.SourceNode); err != nil {
		res.Message = fmt.Sprintf("evict pods on source node: %v", err)
		return res
	}

	res.OK = true
	res.Message = "balanced"
	return res
}

// deletePodsOnSourceNode deletes every pod of this deployment on
// sourceNode whose name matches "^<name>-[a-z0-9]+-[a-z0-9]+$", matching
// §4.5.4 step 3.
func (o *Orchestrator) deletePodsOnSourceNode(ctx context.Context, namespace, name, sourceNode string) error {
	podNameRegex := regexp.MustCompile(fmt.Sprintf(`^%s-[a-z0-9]+-[a-z0-9]+$`, regexp.QuoteMeta(name)))

	pods, err := o.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{FieldSelector: "spec.nodeName=" + sourceNode})
	if err != nil {
		return err
	}
	for _, p := range pods.Items {
		if !podNameRegex.MatchString(p.Name) {
			continue
		}
		if err := o.client.CoreV1().Pods(namespace).Delete(ctx, p.Name, metav1.DeleteOptions{}); err != nil {
			return fmt.Errorf("delete pod %s: %w", p.Name, err)
		}
	}
	return nil
}
