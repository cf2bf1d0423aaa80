package kubelab

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/kubelab-io/kubelab/internal/config"
)

// vmState is the persisted portion of a VM, shared with the lab state
// file.
type vmState = config.VM

// VMConfig is the configuration for a virtual machine.
type VMConfig struct {
	// Hostname for the VM. Randomly generated if empty.
	Hostname string
	// ImageName names a backing image previously registered with
	// Lab.RegisterImage.
	ImageName string
	// MemoryMiB is the VM's memory size. Defaults to 1024.
	MemoryMiB int
	// PortForwards lists guest ports that must be reachable from the
	// host. Port 22 is always forwarded.
	PortForwards map[int]bool
	// CommandLog, if set, receives a transcript of every command
	// executed on the VM.
	CommandLog io.Writer
	// NoKVM disables hardware virtualization.
	NoKVM bool
}

// Copy returns a deep copy of the VM config.
func (v *VMConfig) Copy() *VMConfig {
	ret := &VMConfig{
		Hostname:     v.Hostname,
		ImageName:    v.ImageName,
		MemoryMiB:    v.MemoryMiB,
		PortForwards: make(map[int]bool),
		CommandLog:   v.CommandLog,
		NoKVM:        v.NoKVM,
	}
	for fwd, on := range v.PortForwards {
		ret.PortForwards[fwd] = on
	}
	return ret
}

// VM is a virtual machine on the lab's LAN, driven over SSH.
type VM struct {
	cfg *vmState
	dir string

	commandLog io.Writer

	// Closed when the qemu process has exited.
	stopped chan bool

	mu sync.Mutex

	// Qemu subprocess that runs the VM.
	cmd *exec.Cmd

	// Link to the qemu monitor, used for pause/snapshot control.
	monIn  io.WriteCloser
	monOut io.ReadCloser

	// SSH connection to the VM.
	ssh *ssh.Client

	started bool
	closed  bool
}

func validateVMConfig(cfg *VMConfig) (*VMConfig, error) {
	if cfg == nil || cfg.ImageName == "" {
		return nil, errors.New("no ImageName in VMConfig")
	}

	cfg = cfg.Copy()

	if cfg.Hostname == "" {
		cfg.Hostname = randomHostname()
	}
	if cfg.MemoryMiB == 0 {
		cfg.MemoryMiB = 1024
	}

	cfg.PortForwards[22] = true

	return cfg, nil
}

func (l *Lab) mkVM(cfg *vmState, dir, diskPath string, commandLog io.Writer, resume bool) (*VM, error) {
	ret := &VM{
		cfg:        cfg,
		dir:        dir,
		commandLog: commandLog,
		stopped:    make(chan bool),
	}
	ret.cmd = exec.Command(
		"qemu-system-x86_64",
		"-m", strconv.Itoa(cfg.MemoryMiB),
		"-device", "virtio-net,netdev=net0,mac=52:54:00:12:34:56",
		"-device", fmt.Sprintf("virtio-net,netdev=net1,mac=%s", cfg.MAC),
		"-device", "virtio-rng-pci,rng=rng0",
		"-object", "rng-random,filename=/dev/urandom,id=rng0",
		"-netdev", fmt.Sprintf("user,id=net0,%s", makeForwards(cfg.PortForwards)),
		"-netdev", fmt.Sprintf("vde,id=net1,sock=%s", l.switchSock()),
		"-drive", fmt.Sprintf("if=virtio,file=%s,media=disk", diskPath),
		"-nographic",
		"-serial", "null",
		"-monitor", "stdio",
		"-S",
	)
	if !cfg.NoKVM {
		ret.cmd.Args = append(ret.cmd.Args, "-enable-kvm")
	}
	if resume {
		ret.cmd.Args = append(ret.cmd.Args, "-loadvm", "snap")
	}
	ret.cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	ret.cmd.Stderr = os.Stderr

	monIn, err := ret.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	ret.monIn = monIn
	monOut, err := ret.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	ret.monOut = monOut

	if err := ret.cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting VM: %w", err)
	}
	go func() {
		ret.cmd.Wait()
		close(ret.stopped)
	}()

	if _, err := readToPrompt(ret.monOut); err != nil {
		ret.Close()
		return nil, fmt.Errorf("reading qemu monitor prompt: %w", err)
	}

	return ret, nil
}

// NewVM creates an unstarted VM with the given configuration.
func (l *Lab) NewVM(cfg *VMConfig) (*VM, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.newVMLocked(cfg)
}

func (l *Lab) newVMLocked(cfg *VMConfig) (*VM, error) {
	if l.closed {
		return nil, errors.New("lab is closed")
	}

	cfg, err := validateVMConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("validating VM config: %w", err)
	}

	if l.vms[cfg.Hostname] != nil {
		return nil, fmt.Errorf("lab already has a VM named %q", cfg.Hostname)
	}

	img := l.images[cfg.ImageName]
	if img == nil {
		return nil, fmt.Errorf("no such image %q", cfg.ImageName)
	}

	dir := filepath.Join(l.dir, "vm", cfg.Hostname)
	if err := os.Mkdir(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating VM state dir: %w", err)
	}

	// Fork the backing image copy-on-write, so VMs stay cheap and the
	// base image stays pristine.
	diskPath := filepath.Join(dir, "disk.qcow2")
	disk := exec.Command(
		"qemu-img",
		"create",
		"-f", "qcow2",
		"-b", img.File,
		"-F", "qcow2",
		diskPath,
	)
	if out, err := disk.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("creating VM disk: %w\n%s", err, string(out))
	}

	wantPorts := []int{}
	for fwd := range cfg.PortForwards {
		wantPorts = append(wantPorts, fwd)
	}
	sort.Ints(wantPorts)
	fwds := map[int]int{}
	for _, fwd := range wantPorts {
		fwds[fwd] = l.port()
	}

	state := &vmState{
		Hostname:     cfg.Hostname,
		ImageName:    cfg.ImageName,
		MemoryMiB:    cfg.MemoryMiB,
		PortForwards: fwds,
		MAC:          randomMAC(),
		IPv4:         l.ipv4(),
		IPv6:         l.ipv6(),
		NoKVM:        cfg.NoKVM,
	}

	vm, err := l.mkVM(state, dir, diskPath, cfg.CommandLog, false)
	if err != nil {
		return nil, fmt.Errorf("creating VM: %w", err)
	}

	l.vms[cfg.Hostname] = vm
	return vm, nil
}

func (l *Lab) resumeVM(state *vmState) (*VM, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dir := filepath.Join(l.dir, "vm", state.Hostname)
	diskPath := filepath.Join(dir, "disk.qcow2")
	if _, err := os.Stat(diskPath); err != nil {
		return nil, fmt.Errorf("VM disk missing: %w", err)
	}

	// Left unstarted so Open's boot pass can resume the CPUs.
	vm, err := l.mkVM(state, dir, diskPath, nil, true)
	if err != nil {
		return nil, err
	}

	l.vms[state.Hostname] = vm
	return vm, nil
}

// Start boots the virtual machine and configures its LAN addresses.
func (v *VM) Start() error {
	if err := v.boot(); err != nil {
		return err
	}

	err := v.RunMultiple(
		"hostnamectl set-hostname "+v.cfg.Hostname,
		fmt.Sprintf("ip addr add %s/24 dev ens4", v.cfg.IPv4),
		fmt.Sprintf("ip addr add %s/64 dev ens4", v.cfg.IPv6),
		"ip link set dev ens4 up",
	)
	if err != nil {
		v.Close()
		return err
	}

	return nil
}

// boot resumes the VM's CPUs and waits for SSH to come up.
func (v *VM) boot() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.started {
		return errors.New("already started")
	}
	v.started = true

	if _, err := fmt.Fprintf(v.monIn, "cont\n"); err != nil {
		v.closeWithLock()
		return err
	}
	if _, err := readToPrompt(v.monOut); err != nil {
		v.closeWithLock()
		return err
	}

	for {
		select {
		case <-v.stopped:
			return errors.New("VM exited while waiting for SSH")
		default:
		}

		sshCfg := &ssh.ClientConfig{
			User:            "root",
			Auth:            []ssh.AuthMethod{ssh.Password("root")},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         time.Second,
		}

		client, err := ssh.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", v.ForwardedPort(22)), sshCfg)
		if err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		v.ssh = client
		break
	}

	return nil
}

// Wait blocks until the VM shuts down, or ctx expires.
func (v *VM) Wait(ctx context.Context) error {
	select {
	case <-v.stopped:
		return nil
	case <-ctx.Done():
		return errors.New("timeout")
	}
}

// Run executes a command on the VM and returns its combined output.
func (v *VM) Run(command string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.ssh == nil {
		return nil, errors.New("VM not started")
	}

	sess, err := v.ssh.NewSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	var out bytes.Buffer
	sess.Stdout = &out
	sess.Stderr = &out
	if v.commandLog != nil {
		sess.Stdout = io.MultiWriter(&out, v.commandLog)
		sess.Stderr = sess.Stdout
		fmt.Fprintln(v.commandLog, "+ "+command)
	}

	if err := sess.Run(command); err != nil {
		return out.Bytes(), fmt.Errorf("running %q: %w", command, err)
	}
	return out.Bytes(), nil
}

// RunMultiple runs commands in order, stopping at the first failure.
func (v *VM) RunMultiple(commands ...string) error {
	for _, cmd := range commands {
		if _, err := v.Run(cmd); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile writes bs to path on the VM.
func (v *VM) WriteFile(path string, bs []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.ssh == nil {
		return errors.New("VM not started")
	}

	sess, err := v.ssh.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	sess.Stdin = bytes.NewBuffer(bs)
	if v.commandLog != nil {
		fmt.Fprintf(v.commandLog, "+ (write file %s)\n", path)
	}

	return sess.Run("cat >" + path)
}

// ReadFile reads the contents of path on the VM.
func (v *VM) ReadFile(path string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.ssh == nil {
		return nil, errors.New("VM not started")
	}

	sess, err := v.ssh.NewSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	if v.commandLog != nil {
		fmt.Fprintf(v.commandLog, "+ (read file %s)\n", path)
	}
	return sess.Output("cat " + path)
}

// Close kills the VM.
func (v *VM) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closeWithLock()
}

func (v *VM) closeWithLock() error {
	if v.closed {
		return nil
	}
	v.closed = true
	v.cmd.Process.Kill()
	<-v.stopped
	return nil
}

// pause stops the VM's CPUs, so a snapshot isn't racing the guest.
func (v *VM) pause() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return errors.New("cannot pause closed VM")
	}

	if _, err := fmt.Fprintf(v.monIn, "stop\n"); err != nil {
		return err
	}
	_, err := readToPrompt(v.monOut)
	return err
}

// snapshot writes a qemu savevm snapshot and shuts the VM down. The
// VM must be paused first.
func (v *VM) snapshot() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return errors.New("cannot snapshot closed VM")
	}
	v.closed = true

	if _, err := fmt.Fprintf(v.monIn, "savevm snap\n"); err != nil {
		return err
	}
	if _, err := readToPrompt(v.monOut); err != nil {
		return err
	}

	// No monitor response for quit; the process exit closes v.stopped.
	if _, err := fmt.Fprintf(v.monIn, "quit\n"); err != nil {
		return err
	}
	<-v.stopped

	return nil
}

func (v *VM) Hostname() string {
	return v.cfg.Hostname
}

// ForwardedPort returns the port on localhost that maps to the given
// port on the VM, or 0 if the port is not forwarded.
func (v *VM) ForwardedPort(dst int) int {
	return v.cfg.PortForwards[dst]
}

func (v *VM) IPv4() net.IP { return v.cfg.IPv4 }
func (v *VM) IPv6() net.IP { return v.cfg.IPv6 }

var (
	qemuPrompt = []byte("\r\n(qemu) ")
	ansiCSIK   = []byte("\x1b[K")
)

// readToPrompt reads until the next (qemu) monitor prompt and returns
// whatever came before it.
func readToPrompt(r io.Reader) (string, error) {
	var buf bytes.Buffer
	b := make([]byte, 100)
	for {
		n, err := r.Read(b)
		if err != nil {
			return "", err
		}
		buf.Write(b[:n])
		have := buf.Bytes()
		if bytes.HasSuffix(have, qemuPrompt) {
			ret := bytes.TrimSuffix(have, qemuPrompt)
			if i := bytes.LastIndex(ret, ansiCSIK); i != -1 {
				ret = ret[i+len(ansiCSIK):]
			}
			return strings.TrimSpace(strings.ReplaceAll(string(ret), "\r\n", "\n")), nil
		}
	}
}

func randomMAC() string {
	mac := make(net.HardwareAddr, 6)
	if _, err := rand.Read(mac); err != nil {
		panic("system ran out of randomness")
	}
	// Use a locally administered address so we never collide with real
	// hardware.
	mac[0] = 0x52
	return mac.String()
}

func randomHostname() string {
	rnd := make([]byte, 6)
	if _, err := rand.Read(rnd); err != nil {
		panic("system ran out of randomness")
	}
	return fmt.Sprintf("vm%x", rnd)
}

// makeForwards renders hostfwd clauses for the qemu user-mode NIC.
func makeForwards(fwds map[int]int) string {
	ret := make([]string, 0, len(fwds))
	keys := make([]int, 0, len(fwds))
	for dst := range fwds {
		keys = append(keys, dst)
	}
	sort.Ints(keys)
	for _, dst := range keys {
		ret = append(ret, fmt.Sprintf("hostfwd=tcp:127.0.0.1:%d-:%d", fwds[dst], dst))
	}
	return strings.Join(ret, ",")
}
