package smoke

import (
	"context"
	"fmt"
	"io"
	"net/http"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"
)

// Forwarder is an open port-forward to a pod. Close terminates it.
type Forwarder struct {
	// LocalPort is the ephemeral localhost port mapped to the pod.
	LocalPort uint16
	stopCh    chan struct{}
}

// URL returns the local base URL of the forwarded endpoint.
func (f *Forwarder) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", f.LocalPort)
}

func (f *Forwarder) Close() {
	close(f.stopCh)
}

// ForwardToService opens a port-forward to a ready pod backing the
// named service, on an ephemeral local port.
func ForwardToService(ctx context.Context, restcfg *rest.Config, client kubernetes.Interface, namespace, service string, port int) (*Forwarder, error) {
	svc, err := client.CoreV1().Services(namespace).Get(ctx, service, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting service %s/%s: %w", namespace, service, err)
	}
	if len(svc.Spec.Selector) == 0 {
		return nil, fmt.Errorf("service %s/%s has no selector", namespace, service)
	}

	pods, err := client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(svc.Spec.Selector).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("listing pods for %s/%s: %w", namespace, service, err)
	}
	podName := ""
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodRunning {
			podName = pod.Name
			break
		}
	}
	if podName == "" {
		return nil, fmt.Errorf("no running pod backs service %s/%s", namespace, service)
	}

	req := client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(podName).
		SubResource("portforward")

	transport, upgrader, err := spdy.RoundTripperFor(restcfg)
	if err != nil {
		return nil, fmt.Errorf("building SPDY transport: %w", err)
	}
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, req.URL())

	stopCh := make(chan struct{})
	readyCh := make(chan struct{})
	fw, err := portforward.New(dialer,
		[]string{fmt.Sprintf("0:%d", port)},
		stopCh, readyCh, io.Discard, io.Discard)
	if err != nil {
		return nil, fmt.Errorf("creating port forward: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- fw.ForwardPorts() }()

	select {
	case <-readyCh:
	case err := <-errCh:
		return nil, fmt.Errorf("port forward to %s: %w", podName, err)
	case <-ctx.Done():
		close(stopCh)
		return nil, ctx.Err()
	}

	ports, err := fw.GetPorts()
	if err != nil || len(ports) == 0 {
		close(stopCh)
		return nil, fmt.Errorf("resolving forwarded port: %w", err)
	}

	return &Forwarder{LocalPort: ports[0].Local, stopCh: stopCh}, nil
}
