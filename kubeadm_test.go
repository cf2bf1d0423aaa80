package kubelab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderInitConfig(t *testing.T) {
	bs, err := renderInitConfig(initConfigParams{
		NodeIP:      "172.20.0.1",
		ClusterName: "demo",
	})
	require.NoError(t, err)
	cfg := string(bs)

	assert.Contains(t, cfg, "kind: InitConfiguration")
	assert.Contains(t, cfg, "kind: ClusterConfiguration")
	assert.Contains(t, cfg, `token: "`+bootstrapToken+`"`)
	assert.Contains(t, cfg, "advertiseAddress: 172.20.0.1")
	assert.Contains(t, cfg, "node-ip: 172.20.0.1")
	assert.Contains(t, cfg, `clusterName: "demo"`)
	assert.Contains(t, cfg, `kubernetesVersion: "v`+defaultKubernetesVersion+`"`)
	assert.Contains(t, cfg, `podSubnet: "`+podSubnet+`"`)
	// The apiserver cert must be valid for the host-side forward.
	assert.Contains(t, cfg, `- "127.0.0.1"`)
}

func TestRenderInitConfigPinsVersion(t *testing.T) {
	bs, err := renderInitConfig(initConfigParams{
		NodeIP:            "172.20.0.1",
		ClusterName:       "demo",
		KubernetesVersion: "1.28.4",
	})
	require.NoError(t, err)
	assert.Contains(t, string(bs), `kubernetesVersion: "v1.28.4"`)
}

func TestRenderJoinConfig(t *testing.T) {
	bs, err := renderJoinConfig(joinConfigParams{
		APIServerEndpoint: "172.20.0.1:6443",
		NodeIP:            "172.20.0.2",
	})
	require.NoError(t, err)
	cfg := string(bs)

	assert.Contains(t, cfg, "kind: JoinConfiguration")
	assert.Contains(t, cfg, `token: "`+bootstrapToken+`"`)
	assert.Contains(t, cfg, `apiServerEndpoint: "172.20.0.1:6443"`)
	assert.Contains(t, cfg, "unsafeSkipCAVerification: true")
	assert.Contains(t, cfg, "node-ip: 172.20.0.2")
}
