package cli

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/sekimon/internal/model"
)

var passportTokenOnly bool

func init() {
	passportCmd.Flags().BoolVar(&passportTokenOnly, "token-only", false, "print only the token")
	rootCmd.AddCommand(passportCmd)
}

var passportCmd = &cobra.Command{
	Use:   "passport",
	Short: "Exchange the API key for a signed passport",
	Args:  cobra.NoArgs,
	RunE:  runPassport,
}

func runPassport(cmd *cobra.Command, args []string) error {
	var p model.PassportResponse
	if err := newClient().Do(cmd.Context(), http.MethodPost, "/v1/passport", nil, &p); err != nil {
		return err
	}
	if passportTokenOnly {
		printf(cmd, "%s\n", p.Token)
		return nil
	}
	w := newTable(cmd)
	printRow(w, "CALLER", p.CallerID)
	printRow(w, "TIER", p.TierID)
	printRow(w, "EXPIRES", formatTime(p.ExpiresAt))
	printRow(w, "TOKEN", p.Token)
	return w.Flush()
}
