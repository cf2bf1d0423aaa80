package kubelab

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubelab-io/kubelab/internal/config"
)

var labTools = []string{
	"vde_switch",
	"qemu-system-x86_64",
	"qemu-img",
}

// checkTools returns an error listing every required host command that
// is not available on the system.
func checkTools(tools []string) error {
	missing := []string{}
	for _, tool := range tools {
		_, err := exec.LookPath(tool)
		if err != nil {
			var e *exec.Error
			if errors.As(err, &e) && errors.Is(e.Err, exec.ErrNotFound) {
				missing = append(missing, tool)
				continue
			}
			return err
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required tools missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// A Lab is a collection of VMs and Kubernetes clusters rooted in a
// state directory. All lab resources share one virtual LAN.
type Lab struct {
	dir string
	log *zap.Logger

	ctx      context.Context
	shutdown context.CancelFunc

	// vde_switch process providing the shared LAN, and its control
	// socket path.
	swtch *exec.Cmd
	sock  string

	mu       sync.Mutex
	nextPort int
	nextIP4  net.IP
	nextIP6  net.IP
	images   map[string]*config.Image
	vms      map[string]*VM
	clusters map[string]*Cluster

	closed   bool
	closeErr error
}

const labStateFile = "lab.json"

// Saved reports whether dir holds a saved lab that Open can resume.
func Saved(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, labStateFile))
	return err == nil
}

// Create makes a new empty lab in dir, which must not already exist.
// The ctx controls the lab's overall lifetime: cancellation destroys
// it. A nil log disables logging.
func Create(ctx context.Context, dir string, log *zap.Logger) (*Lab, error) {
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("lab directory %q already exists", dir)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg := &config.Lab{
		NextPort: 50000,
		NextIPv4: net.ParseIP("172.20.0.1"),
		NextIPv6: net.ParseIP("fd00::1"),
	}
	return mkLab(ctx, dir, cfg, log, false)
}

// Open resumes a previously saved lab from dir, booting its VMs from
// their snapshots and reconnecting its cluster clients.
func Open(ctx context.Context, dir string, log *zap.Logger) (*Lab, error) {
	cfg, err := config.Read(filepath.Join(dir, labStateFile))
	if err != nil {
		return nil, fmt.Errorf("reading lab state: %w", err)
	}

	l, err := mkLab(ctx, dir, cfg, log, true)
	if err != nil {
		return nil, err
	}

	for hostname := range cfg.VMs {
		if _, err := l.resumeVM(cfg.VMs[hostname]); err != nil {
			l.Close()
			return nil, fmt.Errorf("resuming VM %q: %w", hostname, err)
		}
	}
	for hostname, vm := range l.vms {
		if err := vm.boot(); err != nil {
			l.Close()
			return nil, fmt.Errorf("booting VM %q: %w", hostname, err)
		}
	}
	for name := range cfg.Clusters {
		if err := l.resumeCluster(cfg.Clusters[name]); err != nil {
			l.Close()
			return nil, fmt.Errorf("resuming cluster %q: %w", name, err)
		}
	}

	return l, nil
}

func mkLab(ctx context.Context, dir string, cfg *config.Lab, log *zap.Logger, resume bool) (*Lab, error) {
	if err := checkTools(labTools); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	if !resume {
		for _, sub := range []string{"", "vm", "img"} {
			if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
				return nil, err
			}
		}
	}

	ctx, shutdown := context.WithCancel(ctx)
	sock := filepath.Join(dir, "switch")

	ret := &Lab{
		dir:      dir,
		log:      log,
		ctx:      ctx,
		shutdown: shutdown,
		nextPort: cfg.NextPort,
		nextIP4:  cfg.NextIPv4.To4(),
		nextIP6:  cfg.NextIPv6,
		images:   map[string]*config.Image{},
		vms:      map[string]*VM{},
		clusters: map[string]*Cluster{},
		sock:     sock,
		swtch: exec.CommandContext(
			ctx,
			"vde_switch",
			"--sock", sock,
			"-m", "0600",
		),
	}
	for name, img := range cfg.Images {
		ret.images[name] = img
	}

	if err := ret.swtch.Start(); err != nil {
		ret.Close()
		return nil, fmt.Errorf("starting virtual switch: %w", err)
	}
	// The lab cannot function without its LAN, so a dead switch or a
	// canceled parent context tears everything down.
	go func() {
		ret.swtch.Wait()
		ret.log.Warn("virtual switch exited, closing lab")
		ret.Close()
	}()
	go func() {
		<-ctx.Done()
		ret.Close()
	}()

	ret.log.Info("lab ready", zap.String("dir", dir), zap.Bool("resumed", resume))
	return ret, nil
}

// Dir returns the lab's state directory.
func (l *Lab) Dir() string {
	return l.dir
}

// Tmpdir creates a temporary directory inside the lab's state
// directory. It is removed when the lab is closed or saved.
func (l *Lab) Tmpdir(prefix string) (string, error) {
	base := filepath.Join(l.dir, "tmp")
	if err := os.MkdirAll(base, 0700); err != nil {
		return "", err
	}
	return os.MkdirTemp(base, prefix)
}

// Context returns a context that is canceled when the lab shuts down.
func (l *Lab) Context() context.Context {
	return l.ctx
}

// RegisterImage records a qcow2 backing image under name, copying it
// into the lab directory so later runs do not depend on the source
// path.
func (l *Lab) RegisterImage(name, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("lab is closed")
	}
	if l.images[name] != nil {
		return fmt.Errorf("lab already has an image named %q", name)
	}

	dst := filepath.Join(l.dir, "img", name+".qcow2")
	bs, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading image %q: %w", path, err)
	}
	if err := os.WriteFile(dst, bs, 0600); err != nil {
		return fmt.Errorf("copying image into lab: %w", err)
	}

	l.images[name] = &config.Image{Name: name, File: dst}
	l.log.Info("registered image", zap.String("name", name), zap.String("file", dst))
	return nil
}

// Image returns the file path of a registered backing image, or ""
// if no image has that name.
func (l *Lab) Image(name string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if img := l.images[name]; img != nil {
		return img.File
	}
	return ""
}

// VM returns the VM with the given hostname, or nil.
func (l *Lab) VM(hostname string) *VM {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vms[hostname]
}

// VMs returns all VMs in the lab.
func (l *Lab) VMs() []*VM {
	l.mu.Lock()
	defer l.mu.Unlock()
	ret := make([]*VM, 0, len(l.vms))
	for _, vm := range l.vms {
		ret = append(ret, vm)
	}
	return ret
}

// Cluster returns the cluster with the given name, or nil.
func (l *Lab) Cluster(name string) *Cluster {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clusters[name]
}

// Clusters returns all clusters in the lab.
func (l *Lab) Clusters() []*Cluster {
	l.mu.Lock()
	defer l.mu.Unlock()
	ret := make([]*Cluster, 0, len(l.clusters))
	for _, c := range l.clusters {
		ret = append(ret, c)
	}
	return ret
}

// Save snapshots all VMs and persists the lab state, then shuts the
// lab down. A saved lab can be resumed with Open.
func (l *Lab) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("lab is closed")
	}

	for hostname, vm := range l.vms {
		if err := vm.pause(); err != nil {
			return fmt.Errorf("pausing VM %q: %w", hostname, err)
		}
	}
	for hostname, vm := range l.vms {
		if err := vm.snapshot(); err != nil {
			return fmt.Errorf("snapshotting VM %q: %w", hostname, err)
		}
	}

	cfg := &config.Lab{
		NextPort: l.nextPort,
		NextIPv4: l.nextIP4,
		NextIPv6: l.nextIP6,
		Saved:    time.Now(),
		Images:   map[string]*config.Image{},
		VMs:      map[string]*config.VM{},
		Clusters: map[string]*config.Cluster{},
	}
	for name, img := range l.images {
		cfg.Images[name] = img
	}
	for hostname, vm := range l.vms {
		cfg.VMs[hostname] = vm.cfg
	}
	for name, c := range l.clusters {
		cfg.Clusters[name] = c.cfg
	}

	if err := config.Write(filepath.Join(l.dir, labStateFile), cfg); err != nil {
		return fmt.Errorf("writing lab state: %w", err)
	}

	l.log.Info("lab saved", zap.String("dir", l.dir))
	return l.closeWithLock()
}

// Close shuts down all lab resources without saving. VM disks revert
// to their last snapshot the next time the lab is opened.
func (l *Lab) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeWithLock()
}

func (l *Lab) closeWithLock() error {
	if l.closed {
		return l.closeErr
	}
	l.closed = true

	for _, vm := range l.vms {
		vm.Close()
	}
	l.shutdown()
	// A lab that was never saved has nothing to resume. Remove the
	// whole directory so the same path can be created again.
	if _, err := os.Stat(filepath.Join(l.dir, labStateFile)); os.IsNotExist(err) {
		l.closeErr = os.RemoveAll(l.dir)
	} else {
		l.closeErr = os.RemoveAll(filepath.Join(l.dir, "tmp"))
	}

	l.log.Info("lab closed", zap.String("dir", l.dir))
	return l.closeErr
}

// Wait blocks until the lab shuts down, or ctx expires.
func (l *Lab) Wait(ctx context.Context) error {
	select {
	case <-l.ctx.Done():
		return nil
	case <-ctx.Done():
		return errors.New("timeout")
	}
}

func (l *Lab) switchSock() string {
	return l.sock
}

// ipv4 hands out the next LAN IPv4 address. Callers must hold l.mu.
func (l *Lab) ipv4() net.IP {
	ret := l.nextIP4
	l.nextIP4 = make(net.IP, 4)
	copy(l.nextIP4, ret)
	l.nextIP4[3]++
	return ret
}

// ipv6 hands out the next LAN IPv6 address. Callers must hold l.mu.
func (l *Lab) ipv6() net.IP {
	ret := l.nextIP6
	l.nextIP6 = make(net.IP, 16)
	copy(l.nextIP6, ret)
	l.nextIP6[15]++
	return ret
}

// port hands out the next host port for forwarding. Callers must hold
// l.mu.
func (l *Lab) port() int {
	ret := l.nextPort
	l.nextPort++
	return ret
}
