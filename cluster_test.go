package kubelab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubelab-io/kubelab/internal/assets"
)

func TestSplitManifest(t *testing.T) {
	manifest := []byte(`---
apiVersion: v1
kind: Namespace
metadata:
  name: demo
---

---
apiVersion: v1
kind: Service
metadata:
  name: app-service
`)
	docs := splitManifest(manifest)
	require.Len(t, docs, 2)
	assert.Contains(t, string(docs[0]), "kind: Namespace")
	assert.Contains(t, string(docs[1]), "kind: Service")
}

func TestWorkloadRefs(t *testing.T) {
	manifest := []byte(`apiVersion: v1
kind: Namespace
metadata:
  name: demo
---
apiVersion: apps/v1
kind: Deployment
metadata:
  name: app-service
  namespace: demo
spec:
  selector:
    matchLabels:
      app: app-service
  template:
    metadata:
      labels:
        app: app-service
    spec:
      containers:
      - name: app-service
        image: localhost:30000/demosvc:latest
---
apiVersion: apps/v1
kind: DaemonSet
metadata:
  name: kube-flannel-ds
  namespace: kube-flannel
spec:
  selector:
    matchLabels:
      app: flannel
  template:
    metadata:
      labels:
        app: flannel
    spec:
      containers:
      - name: kube-flannel
        image: docker.io/flannel/flannel:v0.24.2
`)
	deployments, daemons, err := workloadRefs(manifest)
	require.NoError(t, err)
	require.Len(t, deployments, 1)
	assert.Equal(t, "app-service", deployments[0].Name)
	assert.Equal(t, "demo", deployments[0].Namespace)
	require.Len(t, daemons, 1)
	assert.Equal(t, "kube-flannel-ds", daemons[0].Name)
	assert.Equal(t, "kube-flannel", daemons[0].Namespace)
}

func TestWorkloadRefsSkipsUnknownKinds(t *testing.T) {
	manifest := []byte(`apiVersion: example.com/v1
kind: FancyCustomResource
metadata:
  name: whatever
`)
	deployments, daemons, err := workloadRefs(manifest)
	require.NoError(t, err)
	assert.Empty(t, deployments)
	assert.Empty(t, daemons)
}

// The embedded manifests must stay parseable and keep naming the
// workloads the installers wait on.
func TestBuiltinManifests(t *testing.T) {
	tests := []struct {
		asset       string
		deployments []string
		daemons     []string
	}{
		{"registry.yaml", []string{"registry"}, nil},
		{"otel-collector.yaml", []string{"otel-collector"}, nil},
		{"demo.yaml", []string{"db-service", "auth-service", "app-service"}, nil},
		{"net/flannel.yaml", nil, []string{"kube-flannel-ds"}},
	}

	for _, tc := range tests {
		bs, err := assets.Manifest(tc.asset)
		require.NoError(t, err, tc.asset)

		deployments, daemons, err := workloadRefs(bs)
		require.NoError(t, err, tc.asset)

		var names []string
		for _, d := range deployments {
			names = append(names, d.Name)
		}
		assert.Equal(t, tc.deployments, names, tc.asset)

		names = nil
		for _, d := range daemons {
			names = append(names, d.Name)
		}
		assert.Equal(t, tc.daemons, names, tc.asset)
	}
}

func TestKubeconfigRewrite(t *testing.T) {
	in := []byte(`apiVersion: v1
clusters:
- cluster:
    server: https://172.20.0.1:6443
  name: demo
`)
	out := apiAddrRe.ReplaceAll(in, []byte("https://127.0.0.1:50000"))
	assert.Contains(t, string(out), "server: https://127.0.0.1:50000")
	assert.NotContains(t, string(out), "172.20.0.1")
}
