package kubelab

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kubelab-io/kubelab/health"
	"github.com/kubelab-io/kubelab/internal/assets"
	"github.com/kubelab-io/kubelab/internal/config"
)

// RegistryNodePort is the NodePort of the in-cluster image registry.
// Within the cluster the registry resolves as localhost:30000 on every
// node.
const RegistryNodePort = 30000

// InClusterRegistryAddr is how pod specs refer to the in-cluster
// registry.
const InClusterRegistryAddr = "localhost:30000"

// ClusterConfig is the configuration for a virtual Kubernetes cluster.
type ClusterConfig struct {
	Name string
	// NumNodes is the number of worker nodes, in addition to the
	// controller.
	NumNodes int
	// KubernetesVersion pins the version passed to kubeadm. Defaults
	// to the toolkit's default version.
	KubernetesVersion string
	// VMConfig is the template for the cluster's VMs.
	VMConfig *VMConfig
}

// Cluster is a kubeadm-bootstrapped Kubernetes cluster running on lab
// VMs.
type Cluster struct {
	mu sync.Mutex

	lab *Lab
	log *zap.Logger
	dir string

	cfg *config.Cluster

	// Kubernetes client connected through the forwarded API port.
	client  *kubernetes.Clientset
	restcfg *rest.Config

	controller *VM
	nodes      []*VM

	started bool
}

func randomClusterName() string {
	rnd := make([]byte, 6)
	if _, err := rand.Read(rnd); err != nil {
		panic("system ran out of randomness")
	}
	return fmt.Sprintf("cluster%x", rnd)
}

// NewCluster creates an unstarted Kubernetes cluster with the given
// configuration.
func (l *Lab) NewCluster(cfg *ClusterConfig) (*Cluster, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cfg == nil {
		return nil, errors.New("no ClusterConfig specified")
	}
	if cfg.VMConfig == nil {
		return nil, errors.New("ClusterConfig is missing VMConfig")
	}
	if cfg.Name == "" {
		cfg.Name = randomClusterName()
	}
	if cfg.KubernetesVersion == "" {
		cfg.KubernetesVersion = defaultKubernetesVersion
	}
	if l.clusters[cfg.Name] != nil {
		return nil, fmt.Errorf("lab already has a cluster named %q", cfg.Name)
	}

	dir := filepath.Join(l.dir, "cluster", cfg.Name)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating cluster state dir: %w", err)
	}

	ret := &Cluster{
		lab: l,
		log: l.log.With(zap.String("cluster", cfg.Name)),
		dir: dir,
		cfg: &config.Cluster{
			Name:              cfg.Name,
			NumNodes:          cfg.NumNodes,
			KubernetesVersion: cfg.KubernetesVersion,
		},
	}

	controllerCfg := cfg.VMConfig.Copy()
	controllerCfg.Hostname = fmt.Sprintf("%s-controller", cfg.Name)
	controllerCfg.PortForwards[6443] = true
	controllerCfg.PortForwards[RegistryNodePort] = true
	ctrl, err := l.newVMLocked(controllerCfg)
	if err != nil {
		return nil, fmt.Errorf("creating controller VM: %w", err)
	}
	ret.controller = ctrl

	for i := 0; i < cfg.NumNodes; i++ {
		nodeCfg := cfg.VMConfig.Copy()
		nodeCfg.Hostname = fmt.Sprintf("%s-node%d", cfg.Name, i+1)
		node, err := l.newVMLocked(nodeCfg)
		if err != nil {
			return nil, fmt.Errorf("creating node %d: %w", i+1, err)
		}
		ret.nodes = append(ret.nodes, node)
	}

	l.clusters[cfg.Name] = ret
	return ret, nil
}

func (l *Lab) resumeCluster(cfg *config.Cluster) error {
	dir := filepath.Join(l.dir, "cluster", cfg.Name)
	ret := &Cluster{
		lab:        l,
		log:        l.log.With(zap.String("cluster", cfg.Name)),
		dir:        dir,
		cfg:        cfg,
		controller: l.vms[fmt.Sprintf("%s-controller", cfg.Name)],
		started:    true,
	}
	if ret.controller == nil {
		return fmt.Errorf("cluster %q has no controller VM", cfg.Name)
	}
	for i := 0; i < cfg.NumNodes; i++ {
		node := l.vms[fmt.Sprintf("%s-node%d", cfg.Name, i+1)]
		if node == nil {
			return fmt.Errorf("cluster %q is missing node %d", cfg.Name, i+1)
		}
		ret.nodes = append(ret.nodes, node)
	}

	if err := ret.mkKubeClient(); err != nil {
		return err
	}

	l.clusters[cfg.Name] = ret
	return nil
}

// Start bootstraps the cluster: kubeadm init on the controller, then
// kubeadm join on all workers in parallel, then waits for every node
// to register with the API server.
func (c *Cluster) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errors.New("already started")
	}
	c.started = true

	c.log.Info("bootstrapping controller")
	if err := c.startController(); err != nil {
		return err
	}

	var g errgroup.Group
	for _, node := range c.nodes {
		node := node
		g.Go(func() error {
			c.log.Info("joining node", zap.String("node", node.Hostname()))
			return c.startNode(node)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	err := health.PollUntil(ctx, health.DefaultInterval, func(ctx context.Context) (bool, error) {
		nodes, err := c.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
		if err != nil {
			return false, nil
		}
		return len(nodes.Items) == c.cfg.NumNodes+1, nil
	})
	if err != nil {
		return fmt.Errorf("waiting for nodes to register: %w", err)
	}

	c.log.Info("cluster bootstrapped", zap.Int("nodes", c.cfg.NumNodes+1))
	return nil
}

func (c *Cluster) mkKubeClient() error {
	if err := os.WriteFile(c.Kubeconfig(), c.cfg.Kubeconfig, 0600); err != nil {
		return fmt.Errorf("writing kubeconfig: %w", err)
	}

	cc, err := clientcmd.NewClientConfigFromBytes(c.cfg.Kubeconfig)
	if err != nil {
		return err
	}

	restcfg, err := cc.ClientConfig()
	if err != nil {
		return err
	}
	c.restcfg = restcfg

	c.client, err = kubernetes.NewForConfig(restcfg)
	return err
}

var apiAddrRe = regexp.MustCompile("https://.*:6443")

func (c *Cluster) startController() error {
	if err := c.controller.Start(); err != nil {
		return err
	}

	initCfg, err := renderInitConfig(initConfigParams{
		NodeIP:            c.controller.IPv4().String(),
		ClusterName:       c.cfg.Name,
		KubernetesVersion: c.cfg.KubernetesVersion,
	})
	if err != nil {
		return err
	}
	if err := c.controller.WriteFile("/tmp/kubeadm.conf", initCfg); err != nil {
		return err
	}

	err = c.controller.RunMultiple(
		"kubeadm init --config=/tmp/kubeadm.conf --ignore-preflight-errors=NumCPU,Mem",
		"KUBECONFIG=/etc/kubernetes/admin.conf kubectl taint nodes --all node-role.kubernetes.io/control-plane-",
	)
	if err != nil {
		return err
	}

	kubeconfig, err := c.controller.ReadFile("/etc/kubernetes/admin.conf")
	if err != nil {
		return err
	}
	// Point the kubeconfig at the forwarded API port, so host-side
	// tooling can use it unchanged.
	c.cfg.Kubeconfig = apiAddrRe.ReplaceAll(
		kubeconfig,
		[]byte("https://127.0.0.1:"+strconv.Itoa(c.controller.ForwardedPort(6443))),
	)

	return c.mkKubeClient()
}

func (c *Cluster) startNode(node *VM) error {
	if err := node.Start(); err != nil {
		return err
	}

	controllerAddr := &net.TCPAddr{
		IP:   c.controller.IPv4(),
		Port: 6443,
	}
	joinCfg, err := renderJoinConfig(joinConfigParams{
		APIServerEndpoint: controllerAddr.String(),
		NodeIP:            node.IPv4().String(),
	})
	if err != nil {
		return err
	}
	if err := node.WriteFile("/tmp/kubeadm.conf", joinCfg); err != nil {
		return err
	}

	_, err = node.Run("kubeadm join --config=/tmp/kubeadm.conf")
	return err
}

func (c *Cluster) Name() string {
	return c.cfg.Name
}

// Kubeconfig returns the path of the cluster's admin kubeconfig on the
// host.
func (c *Cluster) Kubeconfig() string {
	return filepath.Join(c.dir, "kubeconfig")
}

// workloadRefs extracts the Deployments and DaemonSets named by a
// multi-document manifest, so applying it can wait for them.
// Documents with kinds outside the core scheme (CRDs, CNI custom
// resources) are skipped rather than rejected.
func workloadRefs(manifest []byte) (deployments, daemons []metav1.ObjectMeta, err error) {
	decode := scheme.Codecs.UniversalDeserializer().Decode

	for _, doc := range splitManifest(manifest) {
		obj, _, err := decode(doc, nil, nil)
		if err != nil {
			if runtime.IsNotRegisteredError(err) || runtime.IsMissingKind(err) {
				continue
			}
			return nil, nil, fmt.Errorf("decoding manifest document: %w", err)
		}

		switch o := obj.(type) {
		case *appsv1.Deployment:
			deployments = append(deployments, o.ObjectMeta)
		case *appsv1.DaemonSet:
			daemons = append(daemons, o.ObjectMeta)
		}
	}

	return deployments, daemons, nil
}

// splitManifest splits a YAML stream on document separators, dropping
// empty documents.
func splitManifest(manifest []byte) [][]byte {
	var docs [][]byte
	for _, doc := range strings.Split("\n"+string(manifest), "\n---") {
		doc = strings.TrimSpace(doc)
		if doc == "" {
			continue
		}
		docs = append(docs, []byte(doc))
	}
	return docs
}

// ApplyManifest applies a YAML manifest to the cluster and waits for
// the Deployments and DaemonSets it contains to become ready. The name
// is either a builtin asset name or a path to a file.
func (c *Cluster) ApplyManifest(ctx context.Context, name string) error {
	return c.applyManifest(ctx, name, "")
}

func (c *Cluster) applyManifest(ctx context.Context, name, assetDir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return errors.New("cluster not started yet")
	}

	var (
		bs  []byte
		err error
	)
	if !strings.ContainsAny(name, "./") {
		bs, err = assets.Manifest(filepath.Join(assetDir, name+".yaml"))
	} else {
		bs, err = os.ReadFile(name)
	}
	if err != nil {
		return err
	}

	deployments, daemons, err := workloadRefs(bs)
	if err != nil {
		return err
	}

	if err := c.controller.WriteFile("/tmp/manifest.yaml", bs); err != nil {
		return err
	}
	if _, err := c.controller.Run("KUBECONFIG=/etc/kubernetes/admin.conf kubectl apply -f /tmp/manifest.yaml"); err != nil {
		return err
	}

	c.log.Info("applied manifest",
		zap.String("manifest", name),
		zap.Int("deployments", len(deployments)),
		zap.Int("daemonsets", len(daemons)))

	return health.PollUntil(ctx, health.DefaultInterval, func(ctx context.Context) (bool, error) {
		for _, d := range deployments {
			ok, err := health.DeploymentAvailable(ctx, c.client, d.Namespace, d.Name)
			if err != nil || !ok {
				return false, err
			}
		}
		for _, d := range daemons {
			ok, err := health.DaemonSetReady(ctx, c.client, d.Namespace, d.Name)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// InstallNetworkAddon applies a CNI manifest ("flannel" is builtin,
// anything else is a file path) and waits for every node to become
// Ready.
func (c *Cluster) InstallNetworkAddon(ctx context.Context, name string) error {
	if err := c.applyManifest(ctx, name, "net"); err != nil {
		return err
	}
	return health.WaitForNodesReady(ctx, c.KubernetesClient(), c.cfg.NumNodes+1)
}

// InstallRegistry deploys the in-cluster image registry, reachable
// from the host via RegistryAddr and from pods at localhost:30000.
func (c *Cluster) InstallRegistry(ctx context.Context) error {
	return c.applyManifest(ctx, "registry", "")
}

// InstallOtelCollector deploys an OpenTelemetry collector that the
// demo services export traces and metrics to.
func (c *Cluster) InstallOtelCollector(ctx context.Context) error {
	return c.applyManifest(ctx, "otel-collector", "")
}

// KubernetesClient returns a clientset connected to the cluster.
func (c *Cluster) KubernetesClient() *kubernetes.Clientset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// RESTConfig returns the client-go REST config for the cluster.
func (c *Cluster) RESTConfig() *rest.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restcfg
}

// Controller returns the VM running the control plane.
func (c *Cluster) Controller() *VM {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

// Nodes returns the worker VMs.
func (c *Cluster) Nodes() []*VM {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes
}

// RegistryAddr returns the host-side address of the in-cluster
// registry.
func (c *Cluster) RegistryAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("127.0.0.1:%d", c.controller.ForwardedPort(RegistryNodePort))
}

// WaitFor invokes test repeatedly until it reports done, an error, or
// ctx expires.
func (c *Cluster) WaitFor(ctx context.Context, test func(context.Context) (bool, error)) error {
	return health.PollUntil(ctx, 100*time.Millisecond, test)
}
