package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kubelab-io/kubelab"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Boot VMs and bring up a kubeadm cluster",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUp()
	},
}

func init() {
	rootCmd.AddCommand(upCmd)
	upCmd.Flags().String("name", "demo", "cluster name")
	upCmd.Flags().Int("nodes", 1, "number of worker nodes")
	upCmd.Flags().String("image", "base", "name of the registered VM base image")
	upCmd.Flags().String("image-file", "", "qcow2 image file to register before booting")
	upCmd.Flags().Int("memory", 2048, "memory per VM, in MiB")
	upCmd.Flags().String("kubernetes-version", "", "Kubernetes version to install")
	upCmd.Flags().String("network-addon", "flannel", "network addon manifest (builtin name or path)")
	upCmd.Flags().Bool("no-kvm", false, "disable KVM acceleration")
	upCmd.Flags().Bool("save", false, "snapshot and save the lab on exit instead of destroying it")
	upCmd.Flags().Bool("wait", false, "keep the cluster running until interrupted")
}

func runUp() error {
	dir, err := labDir()
	if err != nil {
		return err
	}
	log, err := mkLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lab, err := openOrCreateLab(ctx, dir, log)
	if err != nil {
		return fmt.Errorf("opening lab: %v", err)
	}
	// Close tears the lab down unless Save ran first.
	defer lab.Close()

	imageName := viper.GetString("image")
	if f := viper.GetString("image-file"); f != "" {
		if err := lab.RegisterImage(imageName, f); err != nil {
			return fmt.Errorf("registering image: %v", err)
		}
	}

	name := viper.GetString("name")
	cluster := lab.Cluster(name)
	if cluster == nil {
		cfg := &kubelab.ClusterConfig{
			Name:              name,
			NumNodes:          viper.GetInt("nodes"),
			KubernetesVersion: viper.GetString("kubernetes-version"),
			VMConfig: &kubelab.VMConfig{
				ImageName: imageName,
				MemoryMiB: viper.GetInt("memory"),
				NoKVM:     viper.GetBool("no-kvm"),
			},
		}
		if viper.GetBool("verbose") {
			cfg.VMConfig.CommandLog = os.Stderr
		}
		cluster, err = lab.NewCluster(cfg)
		if err != nil {
			return fmt.Errorf("creating cluster: %v", err)
		}
		if err := cluster.Start(ctx); err != nil {
			return fmt.Errorf("starting cluster: %v", err)
		}
		if err := cluster.InstallNetworkAddon(ctx, viper.GetString("network-addon")); err != nil {
			return fmt.Errorf("installing network addon: %v", err)
		}
		if err := cluster.InstallRegistry(ctx); err != nil {
			return fmt.Errorf("installing registry: %v", err)
		}
		if err := cluster.InstallOtelCollector(ctx); err != nil {
			return fmt.Errorf("installing opentelemetry collector: %v", err)
		}
	}

	log.Info("cluster ready",
		zap.String("cluster", cluster.Name()),
		zap.String("kubeconfig", cluster.Kubeconfig()),
		zap.String("registry", cluster.RegistryAddr()))
	fmt.Printf(`Cluster %s is up. To talk to Kubernetes:

export KUBECONFIG=%s

Registry for kubelab deploy: %s
`, cluster.Name(), cluster.Kubeconfig(), cluster.RegistryAddr())

	if viper.GetBool("wait") {
		fmt.Println("Cluster is up. Press Ctrl+C to shut down.")
		lab.Wait(ctx)
	}

	if viper.GetBool("save") {
		log.Info("saving lab")
		if err := lab.Save(); err != nil {
			return fmt.Errorf("saving lab: %v", err)
		}
	}
	return nil
}

func openOrCreateLab(ctx context.Context, dir string, log *zap.Logger) (*kubelab.Lab, error) {
	if kubelab.Saved(dir) {
		return kubelab.Open(ctx, dir, log)
	}
	return kubelab.Create(ctx, dir, log)
}
