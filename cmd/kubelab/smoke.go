package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kubelab-io/kubelab/smoke"
)

var smokeCmd = &cobra.Command{
	Use:   "smoke",
	Short: "Run end-to-end smoke checks against the deployed demo services",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSmoke(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(smokeCmd)
	smokeCmd.Flags().String("kubeconfig", "", "path to the cluster kubeconfig")
	smokeCmd.Flags().Duration("timeout", 2*time.Minute, "overall deadline for the checks")
}

func runSmoke(ctx context.Context) error {
	log, err := mkLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	client, restcfg, err := kubeClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, viper.GetDuration("timeout"))
	defer cancel()

	results, err := smoke.NewChecker(restcfg, client, log).Run(ctx)
	if err != nil {
		return err
	}
	if n := smoke.Failures(results); n > 0 {
		return fmt.Errorf("%d of %d checks failed", n, len(results))
	}
	fmt.Printf("All %d checks passed.\n", len(results))
	return nil
}
