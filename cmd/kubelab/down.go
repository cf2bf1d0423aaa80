package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Destroy a lab, deleting its VM disks and saved state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDown()
	},
}

func init() {
	rootCmd.AddCommand(downCmd)
}

func runDown() error {
	dir, err := labDir()
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("no lab at %q", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("deleting lab: %v", err)
	}
	fmt.Printf("Deleted lab %s\n", dir)
	return nil
}
