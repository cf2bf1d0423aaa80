package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubelab-io/kubelab/demo/loadgen"
)

var loadgenFlags loadgen.Config

var loadgenCmd = &cobra.Command{
	Use:   "loadgen",
	Short: "Generate authenticated traffic against the app service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoadgen()
	},
}

func init() {
	loadgenCmd.Flags().StringVar(&loadgenFlags.AppURL, "app-url", "http://localhost:8080", "base URL of the app service")
	loadgenCmd.Flags().StringVar(&loadgenFlags.AuthURL, "auth-url", "http://localhost:8081", "base URL of the auth service")
	loadgenCmd.Flags().IntVar(&loadgenFlags.Workers, "workers", 10, "concurrent workers")
	loadgenCmd.Flags().Float64Var(&loadgenFlags.Rate, "rate", 10, "requests per second per worker")
	loadgenCmd.Flags().DurationVar(&loadgenFlags.Duration, "duration", time.Minute, "how long to run")
	loadgenCmd.Flags().StringVar(&loadgenFlags.Username, "username", "admin", "login user")
	loadgenCmd.Flags().StringVar(&loadgenFlags.Password, "password", "admin123", "login password")
	loadgenCmd.Flags().Float64Var(&loadgenFlags.ErrorRate, "error-rate", 0.05, "fraction of deliberately failing requests appended after the run (negative disables)")
}

func runLoadgen() error {
	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := loadgen.New(loadgenFlags, log).Run(ctx)
	if err != nil {
		return err
	}
	fmt.Println(report)
	return nil
}
