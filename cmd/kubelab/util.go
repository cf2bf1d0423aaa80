package main

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// kubeClient builds a Kubernetes client from the --kubeconfig flag,
// falling back to the KUBECONFIG environment variable.
func kubeClient() (*kubernetes.Clientset, *rest.Config, error) {
	path := viper.GetString("kubeconfig")
	if path == "" {
		path = os.Getenv("KUBECONFIG")
	}
	if path == "" {
		return nil, nil, fmt.Errorf("kubeconfig not specified (use --kubeconfig or KUBECONFIG)")
	}

	restcfg, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading kubeconfig %q: %v", path, err)
	}
	client, err := kubernetes.NewForConfig(restcfg)
	if err != nil {
		return nil, nil, err
	}
	return client, restcfg, nil
}
