package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kubelab-io/kubelab"
	"github.com/kubelab-io/kubelab/health"
	"github.com/kubelab-io/kubelab/internal/assets"
	"github.com/kubelab-io/kubelab/registry"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Build the demo image, push it to the cluster registry and deploy the services",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDeploy(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(deployCmd)
	deployCmd.Flags().String("kubeconfig", "", "path to the cluster kubeconfig")
	deployCmd.Flags().String("registry", "", "host-side address of the cluster registry, as printed by kubelab up")
	deployCmd.Flags().String("context-dir", ".", "docker build context for the demo image")
	deployCmd.Flags().String("dockerfile", "Dockerfile", "dockerfile path, relative to the build context")
	deployCmd.Flags().Duration("timeout", 5*time.Minute, "how long to wait for the services to become available")
}

func runDeploy(ctx context.Context) error {
	log, err := mkLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	client, _, err := kubeClient()
	if err != nil {
		return err
	}
	registryAddr := viper.GetString("registry")
	if registryAddr == "" {
		return fmt.Errorf("registry address not specified (use --registry)")
	}

	builder, err := registry.NewBuilder(log)
	if err != nil {
		return fmt.Errorf("connecting to docker: %v", err)
	}
	if viper.GetBool("verbose") {
		builder.Output = os.Stderr
	}
	ref, err := builder.BuildAndPush(ctx,
		viper.GetString("context-dir"),
		viper.GetString("dockerfile"),
		"demosvc",
		registryAddr)
	if err != nil {
		return fmt.Errorf("building demo image: %v", err)
	}
	log.Info("image pushed",
		zap.String("ref", ref),
		zap.String("in_cluster", registry.InClusterRef(ref, kubelab.InClusterRegistryAddr)))

	if err := applyManifest(ctx, assets.MustManifest("demo.yaml")); err != nil {
		return fmt.Errorf("applying demo manifest: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, viper.GetDuration("timeout"))
	defer cancel()
	for _, name := range []string{"db-service", "auth-service", "app-service"} {
		log.Info("waiting for deployment", zap.String("name", name))
		if err := health.WaitForDeploymentAvailable(ctx, client, "demo", name); err != nil {
			return fmt.Errorf("deployment %q did not become available: %v", name, err)
		}
	}
	log.Info("demo deployed")
	return nil
}

// applyManifest shells out to the host's kubectl, since the CLI talks
// to clusters through a kubeconfig rather than a lab handle.
func applyManifest(ctx context.Context, manifest []byte) error {
	dir, err := os.MkdirTemp("", "kubelab-deploy")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, manifest, 0600); err != nil {
		return err
	}

	kubeconfig := viper.GetString("kubeconfig")
	if kubeconfig == "" {
		kubeconfig = os.Getenv("KUBECONFIG")
	}
	cmd := exec.CommandContext(ctx, "kubectl", "--kubeconfig", kubeconfig, "apply", "-f", path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("kubectl apply: %v\n%s", err, out)
	}
	return nil
}
