package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/sekimon/internal/model"
)

var auditLimit int

func init() {
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 50, "number of entries")
	actionCmd.AddCommand(actionGetCmd)
	rootCmd.AddCommand(auditCmd, actionCmd)
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List recent passport grants, newest first",
	Args:  cobra.NoArgs,
	RunE:  runAudit,
}

var actionCmd = &cobra.Command{
	Use:   "action",
	Short: "Inspect billable actions",
}

var actionGetCmd = &cobra.Command{
	Use:   "get <action-id>",
	Short: "Show a billable action and its status history",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionGet,
}

func runAudit(cmd *cobra.Command, args []string) error {
	q := url.Values{"limit": {strconv.Itoa(auditLimit)}}
	var entries []model.AccessAudit
	if err := newClient().Do(cmd.Context(), http.MethodGet, "/admin/audit?"+q.Encode(), nil, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		printf(cmd, "No audit entries.\n")
		return nil
	}
	w := newTable(cmd)
	_, _ = fmt.Fprintln(w, "TIME\tIDENTITY\tTIER\tRESOURCE\tFEATURE\tSOURCE")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			formatTime(e.CreatedAt), e.IdentityID, e.TierID, e.Resource, orDash(e.Feature), e.Source)
	}
	return w.Flush()
}

type actionView struct {
	Action  model.BillableAction   `json:"action"`
	History []model.BillableAction `json:"history"`
}

func runActionGet(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid action id %q: %w", args[0], err)
	}
	var view actionView
	if err := newClient().Do(cmd.Context(), http.MethodGet, "/admin/actions/"+id.String(), nil, &view); err != nil {
		return err
	}
	a := view.Action
	w := newTable(cmd)
	printRow(w, "ID", a.ID)
	printRow(w, "ACTION", a.Action)
	printRow(w, "CALLER", orDash(a.CallerID))
	printRow(w, "AMOUNT", fmt.Sprintf("%d %s", a.Amount, a.Currency))
	printRow(w, "STATUS", a.Status)
	printRow(w, "TRACE", orDash(a.TraceID))
	printRow(w, "IDEMPOTENCY KEY", a.IdempotencyKey)
	if a.FailureReason != "" {
		printRow(w, "FAILURE", a.FailureReason)
	}
	printRow(w, "CREATED", formatTime(a.CreatedAt))
	if err := w.Flush(); err != nil {
		return err
	}
	if len(view.History) > 1 {
		printf(cmd, "\nHISTORY\n")
		for _, h := range view.History {
			printf(cmd, "  %s  %s\n", formatTime(h.CreatedAt), h.Status)
		}
	}
	return nil
}
