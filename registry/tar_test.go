package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
}

func TestTarBuildContext(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Dockerfile"), "FROM scratch\n")
	writeFile(t, filepath.Join(dir, "cmd", "demosvc", "main.go"), "package main\n")
	writeFile(t, filepath.Join(dir, ".git", "HEAD"), "ref: refs/heads/main\n")

	r, err := tarBuildContext(dir)
	require.NoError(t, err)

	names, err := listTar(r)
	require.NoError(t, err)
	assert.Contains(t, names, "Dockerfile")
	assert.Contains(t, names, "cmd/demosvc/main.go")
	for _, name := range names {
		assert.NotContains(t, name, ".git", "VCS metadata leaked into the build context: %s", name)
	}
}

func TestTarBuildContextMissingDir(t *testing.T) {
	_, err := tarBuildContext(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestInClusterRef(t *testing.T) {
	assert.Equal(t, "localhost:30000/demosvc:latest",
		InClusterRef("127.0.0.1:50002/demosvc:latest", "localhost:30000"))
	assert.Equal(t, "localhost:30000/demosvc",
		InClusterRef("demosvc", "localhost:30000"))
}
