package health

import (
	"context"
	"fmt"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// NodeStatus is the health summary of one node.
type NodeStatus struct {
	Name    string
	Ready   bool
	Version string
	Roles   []string
}

// WorkloadStatus describes a deployment or daemonset that is not fully
// available.
type WorkloadStatus struct {
	Kind      string
	Namespace string
	Name      string
	Ready     int32
	Want      int32
}

// Status is a point-in-time health snapshot of a cluster.
type Status struct {
	Nodes     []NodeStatus
	PodPhases map[string]map[corev1.PodPhase]int
	Unhealthy []WorkloadStatus
}

// Healthy reports whether every node is ready and no workload is
// degraded.
func (s *Status) Healthy() bool {
	for _, n := range s.Nodes {
		if !n.Ready {
			return false
		}
	}
	return len(s.Unhealthy) == 0
}

// ClusterStatus collects a health snapshot: node readiness, pod phase
// counts per namespace, and degraded deployments/daemonsets.
func ClusterStatus(ctx context.Context, client kubernetes.Interface) (*Status, error) {
	ret := &Status{
		PodPhases: map[string]map[corev1.PodPhase]int{},
	}

	nodes, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	for _, node := range nodes.Items {
		ret.Nodes = append(ret.Nodes, NodeStatus{
			Name:    node.Name,
			Ready:   NodeReady(node),
			Version: node.Status.NodeInfo.KubeletVersion,
			Roles:   nodeRoles(node),
		})
	}
	sort.Slice(ret.Nodes, func(i, j int) bool { return ret.Nodes[i].Name < ret.Nodes[j].Name })

	pods, err := client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing pods: %w", err)
	}
	for _, pod := range pods.Items {
		phases := ret.PodPhases[pod.Namespace]
		if phases == nil {
			phases = map[corev1.PodPhase]int{}
			ret.PodPhases[pod.Namespace] = phases
		}
		phases[pod.Status.Phase]++
	}

	deploys, err := client.AppsV1().Deployments(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	for _, d := range deploys.Items {
		want := int32(1)
		if d.Spec.Replicas != nil {
			want = *d.Spec.Replicas
		}
		if d.Status.AvailableReplicas != want {
			ret.Unhealthy = append(ret.Unhealthy, WorkloadStatus{
				Kind:      "Deployment",
				Namespace: d.Namespace,
				Name:      d.Name,
				Ready:     d.Status.AvailableReplicas,
				Want:      want,
			})
		}
	}

	daemons, err := client.AppsV1().DaemonSets(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing daemonsets: %w", err)
	}
	for _, d := range daemons.Items {
		if d.Status.NumberAvailable != d.Status.DesiredNumberScheduled {
			ret.Unhealthy = append(ret.Unhealthy, WorkloadStatus{
				Kind:      "DaemonSet",
				Namespace: d.Namespace,
				Name:      d.Name,
				Ready:     d.Status.NumberAvailable,
				Want:      d.Status.DesiredNumberScheduled,
			})
		}
	}

	return ret, nil
}

func nodeRoles(node corev1.Node) []string {
	var roles []string
	for label := range node.Labels {
		if strings.HasPrefix(label, "node-role.kubernetes.io/") {
			roles = append(roles, strings.TrimPrefix(label, "node-role.kubernetes.io/"))
		}
	}
	sort.Strings(roles)
	if len(roles) == 0 {
		roles = []string{"worker"}
	}
	return roles
}
