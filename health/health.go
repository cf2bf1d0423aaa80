// Package health polls Kubernetes resources until they are ready, and
// summarizes cluster state for status reporting.
package health

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// DefaultInterval is the polling interval used by the Wait helpers.
const DefaultInterval = 2 * time.Second

// PollUntil invokes test every interval until it returns true, an
// error, or ctx expires.
func PollUntil(ctx context.Context, interval time.Duration, test func(context.Context) (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := test(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForAPIServerReady waits until the API server answers discovery
// requests requiredSuccesses times in a row. Freshly bootstrapped
// control planes answer once and then drop connections while their
// components restart, so a single success is not enough.
func WaitForAPIServerReady(ctx context.Context, client kubernetes.Interface, requiredSuccesses int) error {
	if requiredSuccesses < 1 {
		requiredSuccesses = 1
	}
	successes := 0
	return PollUntil(ctx, DefaultInterval, func(ctx context.Context) (bool, error) {
		if _, err := client.Discovery().ServerVersion(); err != nil {
			successes = 0
			return false, nil
		}
		successes++
		return successes >= requiredSuccesses, nil
	})
}

// NodeReady reports whether a node's Ready condition is true.
func NodeReady(node corev1.Node) bool {
	for _, cond := range node.Status.Conditions {
		if cond.Type != corev1.NodeReady {
			continue
		}
		return cond.Status == corev1.ConditionTrue
	}
	return false
}

// WaitForNodesReady waits until the cluster has exactly want nodes and
// all of them are Ready.
func WaitForNodesReady(ctx context.Context, client kubernetes.Interface, want int) error {
	return PollUntil(ctx, DefaultInterval, func(ctx context.Context) (bool, error) {
		nodes, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
		if err != nil {
			return false, nil
		}
		if len(nodes.Items) != want {
			return false, nil
		}
		for _, node := range nodes.Items {
			if !NodeReady(node) {
				return false, nil
			}
		}
		return true, nil
	})
}

// DeploymentAvailable reports whether all of a deployment's replicas
// are available.
func DeploymentAvailable(ctx context.Context, client kubernetes.Interface, namespace, name string) (bool, error) {
	deploy, err := client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return false, err
	}
	want := int32(1)
	if deploy.Spec.Replicas != nil {
		want = *deploy.Spec.Replicas
	}
	return deploy.Status.AvailableReplicas == want, nil
}

// DaemonSetReady reports whether a daemonset is scheduled everywhere
// it wants to be and all of those pods are available.
func DaemonSetReady(ctx context.Context, client kubernetes.Interface, namespace, name string) (bool, error) {
	ds, err := client.AppsV1().DaemonSets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return false, err
	}
	if ds.Status.DesiredNumberScheduled == 0 {
		return false, nil
	}
	return ds.Status.NumberAvailable == ds.Status.DesiredNumberScheduled, nil
}

// WaitForDeploymentAvailable polls until the deployment is fully
// available.
func WaitForDeploymentAvailable(ctx context.Context, client kubernetes.Interface, namespace, name string) error {
	return PollUntil(ctx, DefaultInterval, func(ctx context.Context) (bool, error) {
		return DeploymentAvailable(ctx, client, namespace, name)
	})
}

// WaitForDaemonSetReady polls until the daemonset is fully available.
func WaitForDaemonSetReady(ctx context.Context, client kubernetes.Interface, namespace, name string) error {
	return PollUntil(ctx, DefaultInterval, func(ctx context.Context) (bool, error) {
		return DaemonSetReady(ctx, client, namespace, name)
	})
}

// WaitForPodsRunning waits until at least want pods matching selector
// in namespace are Running and Ready.
func WaitForPodsRunning(ctx context.Context, client kubernetes.Interface, namespace, selector string, want int) error {
	return PollUntil(ctx, DefaultInterval, func(ctx context.Context) (bool, error) {
		pods, err := client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			return false, nil
		}
		running := 0
		for _, pod := range pods.Items {
			if pod.Status.Phase == corev1.PodRunning && podReady(pod) {
				running++
			}
		}
		return running >= want, nil
	})
}

func podReady(pod corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
