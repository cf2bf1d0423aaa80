package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kubelab-io/kubelab"
)

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Resume a saved lab and snapshot it again",
	Long: `Resume a saved lab, let its VMs settle, and write a fresh
snapshot. Useful after host reboots to verify a lab still resumes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSave()
	},
}

func init() {
	rootCmd.AddCommand(saveCmd)
}

func runSave() error {
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

	lab, err := kubelab.Open(ctx, dir, log)
	if err != nil {
		return fmt.Errorf("opening lab: %v", err)
	}
	defer lab.Close()

	if err := lab.Save(); err != nil {
		return fmt.Errorf("saving lab: %v", err)
	}
	return nil
}
