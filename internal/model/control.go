package model

import "time"

// KillSwitchGlobal is the scope of the global kill-switch.
const KillSwitchGlobal = "global"

// KillSwitch is a global or per-cluster gate. It only changes through an
// explicit administrative action.
type KillSwitch struct {
	Scope     string    `json:"scope"`
	Enabled   bool      `json:"enabled"`
	Reason    string    `json:"reason,omitempty"`
	ChangedBy string    `json:"changed_by,omitempty"`
	ChangedAt time.Time `json:"changed_at,omitempty"`
}

// Control decision reasons.
const (
	ReasonGlobalKillSwitch = "global_kill_switch"
	ReasonClusterDisabled  = "cluster_disabled"
	ReasonCircuitOpen      = "circuit_open"
	ReasonRateLimited      = "rate_limited"
)
