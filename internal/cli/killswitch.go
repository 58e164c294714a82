package cli

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/sekimon/internal/model"
)

var (
	ksCluster string
	ksReason  string
)

func init() {
	for _, c := range []*cobra.Command{killSwitchOnCmd, killSwitchOffCmd} {
		c.Flags().StringVar(&ksCluster, "cluster", "", "scope the switch to one cluster")
		c.Flags().StringVar(&ksReason, "reason", "", "reason recorded with the change")
	}
	killSwitchCmd.AddCommand(killSwitchOnCmd, killSwitchOffCmd)
	rootCmd.AddCommand(killSwitchCmd)
}

var killSwitchCmd = &cobra.Command{
	Use:     "killswitch",
	Aliases: []string{"ks"},
	Short:   "Show the global and engaged cluster kill-switches",
	Args:    cobra.NoArgs,
	RunE:    runKillSwitchGet,
}

var killSwitchOnCmd = &cobra.Command{
	Use:   "on",
	Short: "Engage a kill-switch (global unless --cluster is set)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setKillSwitch(cmd, true)
	},
}

var killSwitchOffCmd = &cobra.Command{
	Use:   "off",
	Short: "Release a kill-switch (global unless --cluster is set)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setKillSwitch(cmd, false)
	},
}

type killSwitchState struct {
	Global   model.KillSwitch   `json:"global"`
	Clusters []model.KillSwitch `json:"clusters"`
}

func runKillSwitchGet(cmd *cobra.Command, args []string) error {
	var st killSwitchState
	if err := newClient().Do(cmd.Context(), http.MethodGet, "/admin/killswitch", nil, &st); err != nil {
		return err
	}
	w := newTable(cmd)
	_, _ = fmt.Fprintln(w, "SCOPE\tSTATE\tREASON\tCHANGED BY\tCHANGED AT")
	for _, ks := range append([]model.KillSwitch{st.Global}, st.Clusters...) {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			orDash(ks.Scope), onOff(ks.Enabled), orDash(ks.Reason), orDash(ks.ChangedBy), formatTime(ks.ChangedAt))
	}
	return w.Flush()
}

func setKillSwitch(cmd *cobra.Command, enabled bool) error {
	path := "/admin/killswitch"
	if ksCluster != "" {
		path = "/admin/clusters/" + url.PathEscape(ksCluster) + "/killswitch"
	}
	var ks model.KillSwitch
	req := model.KillSwitchRequest{Enabled: enabled, Reason: ksReason}
	if err := newClient().Do(cmd.Context(), http.MethodPut, path, req, &ks); err != nil {
		return err
	}
	printf(cmd, "kill-switch %s is %s\n", ks.Scope, onOff(ks.Enabled))
	return nil
}
