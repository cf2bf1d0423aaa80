package assets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifest(t *testing.T) {
	for _, name := range []string{"registry.yaml", "otel-collector.yaml", "demo.yaml", "net/flannel.yaml"} {
		bs, err := Manifest(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, bs, name)
	}

	_, err := Manifest("no-such.yaml")
	assert.Error(t, err)
}

func TestMustManifestPanics(t *testing.T) {
	assert.Panics(t, func() { MustManifest("no-such.yaml") })
}
