package kubelab

import (
	"bytes"
	"fmt"
	"text/template"
)

// bootstrapToken is the fixed kubeadm bootstrap token used inside
// labs. Clusters are only reachable through host port forwards, so a
// well-known token is fine here.
const bootstrapToken = "000000.0000000000000000"

// defaultKubernetesVersion is used when ClusterConfig doesn't pin one.
const defaultKubernetesVersion = "1.29.0"

const podSubnet = "10.32.0.0/12"

var initConfigTmpl = template.Must(template.New("init").Parse(`apiVersion: kubeadm.k8s.io/v1beta3
kind: InitConfiguration
bootstrapTokens:
- token: "{{.Token}}"
  ttl: "24h"
localAPIEndpoint:
  advertiseAddress: {{.NodeIP}}
nodeRegistration:
  kubeletExtraArgs:
    node-ip: {{.NodeIP}}
---
apiVersion: kubeadm.k8s.io/v1beta3
kind: ClusterConfiguration
clusterName: "{{.ClusterName}}"
kubernetesVersion: "v{{.KubernetesVersion}}"
networking:
  podSubnet: "{{.PodSubnet}}"
apiServer:
  certSANs:
  - "127.0.0.1"
`))

var joinConfigTmpl = template.Must(template.New("join").Parse(`apiVersion: kubeadm.k8s.io/v1beta3
kind: JoinConfiguration
discovery:
  bootstrapToken:
    token: "{{.Token}}"
    apiServerEndpoint: "{{.APIServerEndpoint}}"
    unsafeSkipCAVerification: true
nodeRegistration:
  kubeletExtraArgs:
    node-ip: {{.NodeIP}}
`))

type initConfigParams struct {
	Token             string
	NodeIP            string
	ClusterName       string
	KubernetesVersion string
	PodSubnet         string
}

type joinConfigParams struct {
	Token             string
	APIServerEndpoint string
	NodeIP            string
}

func renderInitConfig(p initConfigParams) ([]byte, error) {
	if p.Token == "" {
		p.Token = bootstrapToken
	}
	if p.KubernetesVersion == "" {
		p.KubernetesVersion = defaultKubernetesVersion
	}
	if p.PodSubnet == "" {
		p.PodSubnet = podSubnet
	}
	var buf bytes.Buffer
	if err := initConfigTmpl.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("rendering kubeadm init config: %w", err)
	}
	return buf.Bytes(), nil
}

func renderJoinConfig(p joinConfigParams) ([]byte, error) {
	if p.Token == "" {
		p.Token = bootstrapToken
	}
	var buf bytes.Buffer
	if err := joinConfigTmpl.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("rendering kubeadm join config: %w", err)
	}
	return buf.Bytes(), nil
}
