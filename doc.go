// Package kubelab stands up disposable local Kubernetes clusters for
// development and testing, and deploys an OpenTelemetry-instrumented
// demo workload onto them.
//
// The top-level object is a Lab, rooted in a state directory on disk.
// Everything else lives inside a Lab: bare VMs (lab.NewVM) and full
// kubeadm-bootstrapped Kubernetes clusters (lab.NewCluster). Closing
// the Lab shuts down every VM it owns; Save snapshots the VMs so that
// a later Open resumes the lab where it left off.
//
// VMs
//
// Each VM boots a copy-on-write fork of a registered qcow2 backing
// image. It gets two network interfaces: a qemu user-mode NIC that
// provides internet access and host port forwards, and a NIC on a
// virtual LAN shared by every VM in the same Lab. The host reaches a
// VM only through forwarded ports (vm.ForwardedPort); VMs reach each
// other through their LAN addresses.
//
// Backing images must run an SSH server on port 22 accepting
// root/root, and must have kubeadm, a kubelet and a container runtime
// preinstalled for cluster use.
//
// Clusters
//
// NewCluster allocates one controller VM and a configurable number of
// worker VMs. Start runs kubeadm init on the controller, joins the
// workers in parallel, and rewrites the admin kubeconfig so that
// standard tooling on the host (kubectl, client-go) reaches the API
// server through a forwarded port. InstallNetworkAddon, InstallRegistry
// and ApplyManifest layer workloads on top, each waiting for the
// resources they create to become ready.
package kubelab
