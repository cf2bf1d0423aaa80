package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestClusterStatus(t *testing.T) {
	controller := node("demo-controller", true)
	controller.Labels = map[string]string{"node-role.kubernetes.io/control-plane": ""}
	controller.Status.NodeInfo.KubeletVersion = "v1.29.0"
	worker := node("demo-node1", false)

	client := fake.NewSimpleClientset(
		controller,
		worker,
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Namespace: "demo", Name: "app-service-0"},
			Status:     corev1.PodStatus{Phase: corev1.PodRunning},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Namespace: "demo", Name: "db-service-0"},
			Status:     corev1.PodStatus{Phase: corev1.PodPending},
		},
		deployment("demo", "app-service", 1, 1),
		deployment("demo", "db-service", 1, 0),
	)

	st, err := ClusterStatus(context.Background(), client)
	require.NoError(t, err)

	require.Len(t, st.Nodes, 2)
	// Nodes come back sorted by name.
	assert.Equal(t, "demo-controller", st.Nodes[0].Name)
	assert.True(t, st.Nodes[0].Ready)
	assert.Equal(t, []string{"control-plane"}, st.Nodes[0].Roles)
	assert.Equal(t, "v1.29.0", st.Nodes[0].Version)
	assert.Equal(t, "demo-node1", st.Nodes[1].Name)
	assert.False(t, st.Nodes[1].Ready)
	assert.Equal(t, []string{"worker"}, st.Nodes[1].Roles, "unlabeled nodes default to the worker role")

	assert.Equal(t, 1, st.PodPhases["demo"][corev1.PodRunning])
	assert.Equal(t, 1, st.PodPhases["demo"][corev1.PodPending])

	require.Len(t, st.Unhealthy, 1)
	assert.Equal(t, WorkloadStatus{
		Kind:      "Deployment",
		Namespace: "demo",
		Name:      "db-service",
		Ready:     0,
		Want:      1,
	}, st.Unhealthy[0])

	assert.False(t, st.Healthy())
}

func TestStatusHealthy(t *testing.T) {
	st := &Status{
		Nodes: []NodeStatus{{Name: "a", Ready: true}},
	}
	assert.True(t, st.Healthy())

	st.Unhealthy = []WorkloadStatus{{Kind: "DaemonSet", Name: "kube-flannel-ds"}}
	assert.False(t, st.Healthy())

	st = &Status{Nodes: []NodeStatus{{Name: "a", Ready: false}}}
	assert.False(t, st.Healthy())
}

func TestClusterStatusDaemonSets(t *testing.T) {
	client := fake.NewSimpleClientset(&appsv1.DaemonSet{
		ObjectMeta: metav1.ObjectMeta{Namespace: "kube-system", Name: "kube-proxy"},
		Status:     appsv1.DaemonSetStatus{DesiredNumberScheduled: 2, NumberAvailable: 1},
	})

	st, err := ClusterStatus(context.Background(), client)
	require.NoError(t, err)
	require.Len(t, st.Unhealthy, 1)
	assert.Equal(t, "DaemonSet", st.Unhealthy[0].Kind)
	assert.Equal(t, int32(1), st.Unhealthy[0].Ready)
	assert.Equal(t, int32(2), st.Unhealthy[0].Want)
}
