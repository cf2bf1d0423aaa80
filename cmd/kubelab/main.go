// Command kubelab stands up local kubeadm Kubernetes clusters in VMs
// and deploys the OpenTelemetry demo workload onto them.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootFlags = struct {
	dir     string
	verbose bool
}{}

var rootCmd = &cobra.Command{
	Use:          "kubelab",
	Short:        "A toolkit for local kubeadm Kubernetes clusters and the OpenTelemetry demo",
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&rootFlags.dir, "dir", "d", "", "lab state directory")
	rootCmd.PersistentFlags().BoolVarP(&rootFlags.verbose, "verbose", "v", false, "log at debug level and show commands run on VMs")
	viper.BindPFlag("dir", rootCmd.PersistentFlags().Lookup("dir"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig layers in kubelab.yaml and KUBELAB_* environment
// variables under the flags.
func initConfig() {
	viper.SetConfigName("kubelab")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
	}
	viper.SetEnvPrefix("KUBELAB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.ReadInConfig()
}

// labDir resolves the lab directory from flag, config or env.
func labDir() (string, error) {
	dir := viper.GetString("dir")
	if dir == "" {
		return "", fmt.Errorf("lab directory not specified (use --dir, kubelab.yaml or KUBELAB_DIR)")
	}
	return dir, nil
}

// mkLogger builds the CLI logger: human-readable, debug level when
// verbose.
func mkLogger() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !viper.GetBool("verbose") {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		cfg.DisableCaller = true
		cfg.DisableStacktrace = true
	}
	return cfg.Build()
}
