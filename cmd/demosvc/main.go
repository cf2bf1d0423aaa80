// Command demosvc runs the services of the OpenTelemetry demo
// workload. A single binary carries all three services plus a load
// generator; the Kubernetes manifests pick the role via the first
// argument.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubelab-io/kubelab/demo/appsvc"
	"github.com/kubelab-io/kubelab/demo/authsvc"
	"github.com/kubelab-io/kubelab/demo/dbsvc"
	"github.com/kubelab-io/kubelab/demo/store"
	"github.com/kubelab-io/kubelab/demo/telemetry"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var addrFlag string

var rootCmd = &cobra.Command{
	Use:          "demosvc",
	Short:        "OpenTelemetry demo services",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "listen address (defaults to the service's standard port)")
	rootCmd.AddCommand(appCmd, authCmd, dbCmd, loadgenCmd)
}

var appCmd = &cobra.Command{
	Use:   "app",
	Short: "Run the main application service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runService("app-service", func(ctx context.Context, tel *telemetry.Telemetry, log *zap.Logger) error {
			svc := appsvc.New(appsvc.ConfigFromEnv(), tel, log)
			return svc.Run(ctx, addrFlag)
		})
	},
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Run the authentication service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runService("auth-service", func(ctx context.Context, tel *telemetry.Telemetry, log *zap.Logger) error {
			svc := authsvc.New(authsvc.ConfigFromEnv(), tel, log)
			return svc.Run(ctx, addrFlag)
		})
	},
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Run the database service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runService("db-service", func(ctx context.Context, tel *telemetry.Telemetry, log *zap.Logger) error {
			st, err := store.Open(dbPath(), artificialLatency())
			if err != nil {
				return fmt.Errorf("opening store: %v", err)
			}
			defer st.Close()

			svc, err := dbsvc.New(st, tel, log)
			if err != nil {
				return err
			}
			return svc.Run(ctx, addrFlag)
		})
	},
}

// runService wires up logging and telemetry, runs the service until
// SIGINT/SIGTERM, and flushes the OTel providers on the way out.
func runService(name string, run func(context.Context, *telemetry.Telemetry, *zap.Logger) error) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.Named(name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, name)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	return run(ctx, tel, log)
}

func dbPath() string {
	if p := os.Getenv("DB_PATH"); p != "" {
		return p
	}
	return "./data/app.db"
}

func artificialLatency() time.Duration {
	ms := 100
	if v := os.Getenv("ARTIFICIAL_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			ms = n
		}
	}
	return time.Duration(ms) * time.Millisecond
}
