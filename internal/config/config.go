// Package config holds the on-disk state format for a lab directory.
package config

import (
	"encoding/json"
	"net"
	"os"
	"time"
)

// Lab is the persisted state of a lab directory, written on Save and
// read back on Open.
type Lab struct {
	NextPort int
	NextIPv4 net.IP
	NextIPv6 net.IP
	Saved    time.Time

	Images   map[string]*Image
	VMs      map[string]*VM
	Clusters map[string]*Cluster
}

// Image is a registered VM backing image.
type Image struct {
	Name string
	File string
}

// VM is the persisted state of a single virtual machine.
type VM struct {
	Hostname     string
	ImageName    string
	MemoryMiB    int
	PortForwards map[int]int
	MAC          string
	IPv4         net.IP
	IPv6         net.IP
	NoKVM        bool
}

// Cluster is the persisted state of a bootstrapped Kubernetes cluster.
type Cluster struct {
	Name              string
	NumNodes          int
	KubernetesVersion string
	Kubeconfig        []byte
}

func Read(path string) (*Lab, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ret Lab
	if err := json.Unmarshal(bs, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func Write(path string, cfg *Lab) error {
	bs, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, bs, 0600)
}
