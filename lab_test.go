package kubelab

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCheckTools(t *testing.T) {
	require.NoError(t, checkTools([]string{"sh"}))

	err := checkTools([]string{"sh", "definitely-not-a-real-tool-1", "definitely-not-a-real-tool-2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definitely-not-a-real-tool-1")
	assert.Contains(t, err.Error(), "definitely-not-a-real-tool-2")
	assert.NotContains(t, err.Error(), "sh,")
}

func TestAllocators(t *testing.T) {
	l := &Lab{
		nextPort: 50000,
		nextIP4:  net.ParseIP("172.20.0.1").To4(),
		nextIP6:  net.ParseIP("fd00::1"),
	}

	assert.Equal(t, 50000, l.port())
	assert.Equal(t, 50001, l.port())

	first := l.ipv4()
	second := l.ipv4()
	assert.Equal(t, "172.20.0.1", first.String())
	assert.Equal(t, "172.20.0.2", second.String())
	// Handed-out addresses must not alias the allocator's state.
	assert.Equal(t, "172.20.0.1", first.String())

	assert.Equal(t, "fd00::1", l.ipv6().String())
	assert.Equal(t, "fd00::2", l.ipv6().String())
}

func TestSaved(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, Saved(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, labStateFile), []byte("{}"), 0600))
	assert.True(t, Saved(dir))
}

// mkTestLab builds a Lab around an on-disk state directory without
// spawning any of the lab's subprocesses.
func mkTestLab(t *testing.T) *Lab {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "lab")
	for _, sub := range []string{"", "vm", "img", "tmp"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0700))
	}
	return &Lab{
		dir:      dir,
		log:      zap.NewNop(),
		shutdown: func() {},
		vms:      map[string]*VM{},
		clusters: map[string]*Cluster{},
	}
}

func TestCloseRemovesUnsavedLab(t *testing.T) {
	l := mkTestLab(t)
	require.NoError(t, l.Close())

	// Nothing was saved, so the directory is gone and the same path
	// can be created again.
	_, err := os.Stat(l.dir)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, Saved(l.dir))
}

func TestCloseKeepsSavedLab(t *testing.T) {
	l := mkTestLab(t)
	require.NoError(t, os.WriteFile(filepath.Join(l.dir, labStateFile), []byte("{}"), 0600))
	require.NoError(t, l.Close())

	// The saved state survives for a later Open; only scratch space
	// goes away.
	assert.True(t, Saved(l.dir))
	_, err := os.Stat(filepath.Join(l.dir, "tmp"))
	assert.True(t, os.IsNotExist(err))

	// Closing twice is harmless.
	require.NoError(t, l.Close())
}
