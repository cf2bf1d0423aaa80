package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kubelab-io/kubelab/health"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node, pod and workload health for the cluster",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("kubeconfig", "", "path to the cluster kubeconfig")
}

func runStatus(cmd *cobra.Command) error {
	client, _, err := kubeClient()
	if err != nil {
		return err
	}

	st, err := health.ClusterStatus(cmd.Context(), client)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tREADY\tROLES\tVERSION")
	for _, n := range st.Nodes {
		fmt.Fprintf(w, "%s\t%v\t%s\t%s\n", n.Name, n.Ready, strings.Join(n.Roles, ","), n.Version)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "NAMESPACE\tPODS")
	namespaces := make([]string, 0, len(st.PodPhases))
	for ns := range st.PodPhases {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	for _, ns := range namespaces {
		phases := st.PodPhases[ns]
		parts := make([]string, 0, len(phases))
		for phase, n := range phases {
			parts = append(parts, fmt.Sprintf("%d %s", n, phase))
		}
		sort.Strings(parts)
		fmt.Fprintf(w, "%s\t%s\n", ns, strings.Join(parts, ", "))
	}

	if len(st.Unhealthy) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "DEGRADED\tNAMESPACE\tNAME\tREADY")
		for _, u := range st.Unhealthy {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\n", u.Kind, u.Namespace, u.Name, u.Ready, u.Want)
		}
	}
	w.Flush()

	if !st.Healthy() {
		return fmt.Errorf("cluster is not healthy")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "\nCluster is healthy.")
	return nil
}
