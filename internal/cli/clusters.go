package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/sekimon/internal/breaker"
	"github.com/ashita-ai/sekimon/internal/control"
	"github.com/ashita-ai/sekimon/internal/ratelimit"
)

func init() {
	clustersCmd.AddCommand(clusterGetCmd, clusterResetCmd)
	busCmd.AddCommand(busResetCmd)
	rootCmd.AddCommand(clustersCmd, busCmd)
}

var clustersCmd = &cobra.Command{
	Use:     "clusters",
	Aliases: []string{"cl"},
	Short:   "List configured clusters with kill-switch and breaker state",
	Args:    cobra.NoArgs,
	RunE:    runClusters,
}

var clusterGetCmd = &cobra.Command{
	Use:   "get <cluster>",
	Short: "Show one cluster's status as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runClusterGet,
}

var clusterResetCmd = &cobra.Command{
	Use:   "reset-breaker <cluster>",
	Short: "Force a cluster's circuit breaker closed",
	Args:  cobra.ExactArgs(1),
	RunE:  runClusterReset,
}

var busCmd = &cobra.Command{
	Use:   "bus",
	Short: "Event bus operations",
}

var busResetCmd = &cobra.Command{
	Use:   "reset-breaker",
	Short: "Force the event bus breaker closed",
	Args:  cobra.NoArgs,
	RunE:  runBusReset,
}

func runClusters(cmd *cobra.Command, args []string) error {
	var clusters []control.ClusterStatus
	if err := newClient().Do(cmd.Context(), http.MethodGet, "/admin/clusters", nil, &clusters); err != nil {
		return err
	}
	if len(clusters) == 0 {
		printf(cmd, "No clusters configured.\n")
		return nil
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].ClusterID < clusters[j].ClusterID })

	w := newTable(cmd)
	_, _ = fmt.Fprintln(w, "CLUSTER\tKILL SWITCH\tBREAKER\tFAILURES\tUSAGE")
	for _, c := range clusters {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			c.ClusterID,
			onOff(c.KillSwitch.Enabled),
			c.Breaker.State,
			c.Breaker.Failures, c.Breaker.Threshold,
			formatUsage(c),
		)
	}
	return w.Flush()
}

func formatUsage(c control.ClusterStatus) string {
	var parts []string
	for _, win := range []ratelimit.Window{ratelimit.Minute, ratelimit.Hour, ratelimit.Day} {
		if n, ok := c.Usage.Counts[win]; ok {
			parts = append(parts, fmt.Sprintf("%s=%d", win, n))
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func runClusterGet(cmd *cobra.Command, args []string) error {
	var st control.ClusterStatus
	if err := newClient().Do(cmd.Context(), http.MethodGet, "/admin/clusters/"+url.PathEscape(args[0]), nil, &st); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), st)
}

func runClusterReset(cmd *cobra.Command, args []string) error {
	var st control.ClusterStatus
	path := "/admin/clusters/" + url.PathEscape(args[0]) + "/breaker/reset"
	if err := newClient().Do(cmd.Context(), http.MethodPost, path, nil, &st); err != nil {
		return err
	}
	printf(cmd, "breaker for %s is %s\n", st.ClusterID, st.Breaker.State)
	return nil
}

func runBusReset(cmd *cobra.Command, args []string) error {
	var snap breaker.Snapshot
	if err := newClient().Do(cmd.Context(), http.MethodPost, "/admin/bus/breaker/reset", nil, &snap); err != nil {
		return err
	}
	printf(cmd, "bus breaker is %s\n", snap.State)
	return nil
}
