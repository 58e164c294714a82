package cli

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/sekimon/internal/model"
)

func init() {
	rootCmd.AddCommand(healthCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show gateway health",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	var h model.HealthResponse
	if err := newClient().Do(cmd.Context(), http.MethodGet, "/health", nil, &h); err != nil {
		return err
	}
	w := newTable(cmd)
	printRow(w, "STATUS", h.Status)
	printRow(w, "VERSION", h.Version)
	printRow(w, "KILL SWITCH", onOff(h.GlobalKillSwitch))
	printRow(w, "BUS CIRCUIT", h.BusCircuit)
	printRow(w, "IDEMPOTENCY", h.Idempotency)
	printRow(w, "SUBSCRIBERS", h.EventSubscribers)
	printRow(w, "UPTIME", (time.Duration(h.Uptime) * time.Second).String())
	return w.Flush()
}
