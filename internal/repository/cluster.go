package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"

	"github.com/kirychukyurii/aks-pool-scaler/internal/config"
	"github.com/kirychukyurii/aks-pool-scaler/internal/model"
)

const (
	// agentPoolLabel is the AKS-managed label carrying the pool name on every node
	agentPoolLabel = "agentpool"

	// Preparation taint repelling scheduling until a node has been prepared
	preparationTaintKey   = "pool-scaler/preparing"
	preparationTaintValue = "true"
)

// ClusterRepository defines the interface for Kubernetes API operations
type ClusterRepository interface {
	// ListPoolNodes returns the nodes labeled as members of the agent pool
	ListPoolNodes(ctx context.Context, pool string) ([]model.ClusterNode, error)

	// TaintNode marks a node unschedulable for pods without the preparation toleration
	TaintNode(ctx context.Context, name string) error

	// UntaintNode removes the preparation taint, exposing the node to the scheduler
	UntaintNode(ctx context.Context, name string) error

	// CordonNode marks a node unschedulable without touching running pods
	CordonNode(ctx context.Context, name string) error

	// PodsOnNode lists evictable running pods on a node, DaemonSet pods excluded
	PodsOnNode(ctx context.Context, name string) ([]model.PodRef, error)

	// EvictPod requests an API-initiated eviction of a single pod
	EvictPod(ctx context.Context, pod model.PodRef) error

	// CountPodsInPhase counts pods in the given phase within a namespace
	CountPodsInPhase(ctx context.Context, namespace, phase string) (int, error)
}

// kubernetesRepository implements ClusterRepository
type kubernetesRepository struct {
	client kubernetes.Interface
	logger *slog.Logger
}

// NewClusterRepository creates a repository backed by the given kubeconfig
// file, or by the in-cluster service account when the path is empty
func NewClusterRepository(cfg config.KubernetesConfig, logger *slog.Logger) (ClusterRepository, error) {
	restCfg, err := buildRESTConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes client config: %w", err)
	}

	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	return NewClusterRepositoryWithClient(client, logger), nil
}

// NewClusterRepositoryWithClient wraps an existing clientset
func NewClusterRepositoryWithClient(client kubernetes.Interface, logger *slog.Logger) ClusterRepository {
	return &kubernetesRepository{
		client: client,
		logger: logger,
	}
}

func buildRESTConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	return rest.InClusterConfig()
}

// ListPoolNodes returns the nodes labeled as members of the agent pool
func (r *kubernetesRepository) ListPoolNodes(ctx context.Context, pool string) ([]model.ClusterNode, error) {
	nodes, err := r.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{
		LabelSelector: agentPoolLabel + "=" + pool,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes in pool %s: %w", pool, err)
	}

	members := make([]model.ClusterNode, 0, len(nodes.Items))
	for i := range nodes.Items {
		node := &nodes.Items[i]
		members = append(members, model.ClusterNode{
			Name:          node.Name,
			Ready:         nodeReady(node),
			Unschedulable: node.Spec.Unschedulable,
			Tainted:       hasPreparationTaint(node),
			CreatedAt:     node.CreationTimestamp.Time,
		})
	}

	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })

	return members, nil
}

// TaintNode marks a node unschedulable for pods without the preparation toleration
func (r *kubernetesRepository) TaintNode(ctx context.Context, name string) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		node, err := r.client.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		if hasPreparationTaint(node) {
			return nil
		}
		node.Spec.Taints = append(node.Spec.Taints, corev1.Taint{
			Key:    preparationTaintKey,
			Value:  preparationTaintValue,
			Effect: corev1.TaintEffectNoSchedule,
		})
		_, err = r.client.CoreV1().Nodes().Update(ctx, node, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to taint node %s: %w", name, err)
	}

	r.logger.Debug("applied preparation taint", slog.String("node", name))

	return nil
}

// UntaintNode removes the preparation taint, exposing the node to the scheduler
func (r *kubernetesRepository) UntaintNode(ctx context.Context, name string) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		node, err := r.client.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		if !hasPreparationTaint(node) {
			return nil
		}
		taints := make([]corev1.Taint, 0, len(node.Spec.Taints))
		for _, taint := range node.Spec.Taints {
			if taint.Key != preparationTaintKey {
				taints = append(taints, taint)
			}
		}
		node.Spec.Taints = taints
		_, err = r.client.CoreV1().Nodes().Update(ctx, node, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to untaint node %s: %w", name, err)
	}

	r.logger.Debug("removed preparation taint", slog.String("node", name))

	return nil
}

// CordonNode marks a node unschedulable without touching running pods
func (r *kubernetesRepository) CordonNode(ctx context.Context, name string) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		node, err := r.client.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		if node.Spec.Unschedulable {
			return nil
		}
		node.Spec.Unschedulable = true
		_, err = r.client.CoreV1().Nodes().Update(ctx, node, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to cordon node %s: %w", name, err)
	}

	r.logger.Debug("cordoned node", slog.String("node", name))

	return nil
}

// PodsOnNode lists evictable running pods on a node, DaemonSet pods excluded
func (r *kubernetesRepository) PodsOnNode(ctx context.Context, name string) ([]model.PodRef, error) {
	selector := fmt.Sprintf("spec.nodeName=%s,status.phase=%s", name, corev1.PodRunning)
	pods, err := r.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods on node %s: %w", name, err)
	}

	refs := make([]model.PodRef, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		// DaemonSet pods are pinned to the node and cannot be evicted
		if ownedByDaemonSet(pod) {
			continue
		}
		refs = append(refs, model.PodRef{Namespace: pod.Namespace, Name: pod.Name})
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })

	return refs, nil
}

// EvictPod requests an API-initiated eviction of a single pod
func (r *kubernetesRepository) EvictPod(ctx context.Context, pod model.PodRef) error {
	eviction := &policyv1.Eviction{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: pod.Namespace,
			Name:      pod.Name,
		},
	}
	if err := r.client.PolicyV1().Evictions(pod.Namespace).Evict(ctx, eviction); err != nil {
		return fmt.Errorf("failed to evict pod %s: %w", pod, err)
	}

	return nil
}

// CountPodsInPhase counts pods in the given phase within a namespace
func (r *kubernetesRepository) CountPodsInPhase(ctx context.Context, namespace, phase string) (int, error) {
	pods, err := r.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to list pods in namespace %s: %w", namespace, err)
	}

	count := 0
	for i := range pods.Items {
		if string(pods.Items[i].Status.Phase) == phase {
			count++
		}
	}

	return count, nil
}

// nodeReady checks the NodeReady condition
func nodeReady(node *corev1.Node) bool {
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// hasPreparationTaint reports whether the node carries the preparation taint
func hasPreparationTaint(node *corev1.Node) bool {
	for _, taint := range node.Spec.Taints {
		if taint.Key == preparationTaintKey {
			return true
		}
	}
	return false
}

// ownedByDaemonSet reports whether a pod is controlled by a DaemonSet
func ownedByDaemonSet(pod *corev1.Pod) bool {
	for _, ref := range pod.OwnerReferences {
		if ref.Controller != nil && *ref.Controller && ref.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}
