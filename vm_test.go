package kubelab

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeForwards(t *testing.T) {
	fwds := map[int]int{
		6443:  50001,
		22:    50000,
		30000: 50002,
	}
	got := makeForwards(fwds)
	// Clauses come out sorted by guest port, so qemu command lines are
	// stable across runs.
	want := "hostfwd=tcp:127.0.0.1:50000-:22," +
		"hostfwd=tcp:127.0.0.1:50001-:6443," +
		"hostfwd=tcp:127.0.0.1:50002-:30000"
	assert.Equal(t, want, got)

	assert.Equal(t, "", makeForwards(nil))
}

func TestRandomMAC(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		mac := randomMAC()
		assert.True(t, strings.HasPrefix(mac, "52:"), "MAC %q is not locally administered", mac)
		assert.False(t, seen[mac], "duplicate MAC %q", mac)
		seen[mac] = true
	}
}

func TestReadToPrompt(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"QEMU 8.2 monitor - type 'help' for more information\r\n(qemu) ", "QEMU 8.2 monitor - type 'help' for more information"},
		{"\r\n(qemu) ", ""},
		{"stop\x1b[Ksavevm snap\r\n(qemu) ", "savevm snap"},
		{"line one\r\nline two\r\n(qemu) ", "line one\nline two"},
	}
	for _, tc := range tests {
		got, err := readToPrompt(bytes.NewReader([]byte(tc.in)))
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestReadToPromptEOF(t *testing.T) {
	_, err := readToPrompt(bytes.NewReader([]byte("no prompt here")))
	assert.Error(t, err)
}

func TestValidateVMConfig(t *testing.T) {
	_, err := validateVMConfig(nil)
	assert.Error(t, err)
	_, err = validateVMConfig(&VMConfig{})
	assert.Error(t, err)

	in := &VMConfig{ImageName: "base"}
	cfg, err := validateVMConfig(in)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Hostname)
	assert.Equal(t, 1024, cfg.MemoryMiB)
	assert.True(t, cfg.PortForwards[22], "SSH must always be forwarded")
	// The caller's config must not be mutated.
	assert.Empty(t, in.Hostname)
	assert.Nil(t, in.PortForwards)
}

func TestVMConfigCopy(t *testing.T) {
	orig := &VMConfig{
		Hostname:     "demo-controller",
		ImageName:    "base",
		MemoryMiB:    2048,
		PortForwards: map[int]bool{6443: true},
	}
	cp := orig.Copy()
	cp.PortForwards[30000] = true
	assert.False(t, orig.PortForwards[30000])
	assert.Equal(t, "demo-controller", cp.Hostname)
}

func TestBootResumedVM(t *testing.T) {
	// A VM reconstructed from saved state must not consider itself
	// started, or opening a saved lab could never boot it.
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	stopped := make(chan bool)
	close(stopped)
	vm := &VM{
		cfg:     &vmState{Hostname: "resumed"},
		stopped: stopped,
		monIn:   w,
		monOut:  io.NopCloser(strings.NewReader("\r\n(qemu) ")),
	}

	// boot gets past the started gate and resumes the CPUs; the
	// pre-closed stopped channel then ends the SSH wait.
	err = vm.boot()
	require.EqualError(t, err, "VM exited while waiting for SSH")

	buf := make([]byte, 16)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "cont\n", string(buf[:n]))

	// A second boot is still rejected.
	require.EqualError(t, vm.boot(), "already started")
}
