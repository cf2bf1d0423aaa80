// Package assets holds the YAML manifests that kubelab installs into
// clusters: the network addon, the in-cluster registry, the telemetry
// collector and the demo workload.
package assets

import (
	"embed"
	"path"
)

//go:embed manifests
var manifests embed.FS

// Manifest returns the named builtin manifest, e.g. "registry.yaml" or
// "net/flannel.yaml".
func Manifest(name string) ([]byte, error) {
	return manifests.ReadFile(path.Join("manifests", name))
}

// MustManifest is Manifest for names known at compile time.
func MustManifest(name string) []byte {
	bs, err := Manifest(name)
	if err != nil {
		panic(err)
	}
	return bs
}
