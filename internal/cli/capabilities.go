package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/sekimon/internal/model"
)

var (
	capTool     string
	capResource string
	capFile     string
	capAgent    string
	capIdentity string
	capTier     string
)

func init() {
	capabilitiesCmd.Flags().StringVar(&capTool, "tool", "", "only the server providing this tool")
	capabilitiesCmd.Flags().StringVar(&capResource, "resource", "", "only the server providing this resource")
	capRegisterCmd.Flags().StringVarP(&capFile, "file", "f", "-", "JSON server definition, - for stdin")
	capCheckCmd.Flags().StringVar(&capAgent, "agent", "", "agent id to check (required)")
	capCheckCmd.Flags().StringVar(&capIdentity, "identity", "", "check on behalf of this identity")
	capCheckCmd.Flags().StringVar(&capTier, "tier", "", "check on behalf of this tier")
	_ = capCheckCmd.MarkFlagRequired("agent")

	capabilitiesCmd.AddCommand(capRegisterCmd, capDeleteCmd, capCheckCmd)
	rootCmd.AddCommand(capabilitiesCmd)
}

var capabilitiesCmd = &cobra.Command{
	Use:     "capabilities",
	Aliases: []string{"caps"},
	Short:   "List registered capability servers",
	Args:    cobra.NoArgs,
	RunE:    runCapabilities,
}

var capRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register or replace a capability server from JSON",
	Args:  cobra.NoArgs,
	RunE:  runCapRegister,
}

var capDeleteCmd = &cobra.Command{
	Use:     "delete <server>",
	Aliases: []string{"rm"},
	Short:   "Unregister a capability server",
	Args:    cobra.ExactArgs(1),
	RunE:    runCapDelete,
}

var capCheckCmd = &cobra.Command{
	Use:   "check <server>",
	Short: "Check whether an agent may invoke a capability server",
	Args:  cobra.ExactArgs(1),
	RunE:  runCapCheck,
}

type capabilityList struct {
	Servers []model.CapabilityServer `json:"servers"`
	Total   int                      `json:"total"`
}

func runCapabilities(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if capTool != "" {
		q.Set("tool", capTool)
	}
	if capResource != "" {
		q.Set("resource", capResource)
	}
	path := "/v1/capabilities"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var list capabilityList
	if err := newClient().Do(cmd.Context(), http.MethodGet, path, nil, &list); err != nil {
		return err
	}
	if list.Total == 0 {
		printf(cmd, "No capability servers registered.\n")
		return nil
	}
	w := newTable(cmd)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tTOOLS\tRESOURCES\tAPPROVAL")
	for _, s := range list.Servers {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
			s.ID, orDash(s.Name),
			orDash(strings.Join(s.Tools, ",")),
			orDash(strings.Join(s.Resources, ",")),
			s.Permissions.RequiresApproval,
		)
	}
	return w.Flush()
}

func runCapRegister(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if capFile != "-" {
		f, err := os.Open(capFile)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	var def model.CapabilityServer
	if err := json.NewDecoder(r).Decode(&def); err != nil {
		return fmt.Errorf("parse server definition: %w", err)
	}

	var created model.CapabilityServer
	if err := newClient().Do(cmd.Context(), http.MethodPost, "/v1/capabilities", def, &created); err != nil {
		return err
	}
	printf(cmd, "registered %s (%d tools, %d resources)\n", created.ID, len(created.Tools), len(created.Resources))
	return nil
}

func runCapDelete(cmd *cobra.Command, args []string) error {
	if err := newClient().Do(cmd.Context(), http.MethodDelete, "/v1/capabilities/"+url.PathEscape(args[0]), nil, nil); err != nil {
		return err
	}
	printf(cmd, "unregistered %s\n", args[0])
	return nil
}

func runCapCheck(cmd *cobra.Command, args []string) error {
	req := model.CheckPermissionRequest{AgentID: capAgent, IdentityID: capIdentity}
	if capTier != "" {
		t := model.TierID(strings.ToUpper(capTier))
		req.TierID = &t
	}
	var res struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
	}
	path := "/v1/capabilities/" + url.PathEscape(args[0]) + "/check"
	if err := newClient().Do(cmd.Context(), http.MethodPost, path, req, &res); err != nil {
		return err
	}
	if res.Allowed {
		printf(cmd, "allowed\n")
		return nil
	}
	printf(cmd, "denied: %s\n", orDash(res.Reason))
	return nil
}
