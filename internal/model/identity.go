package model

// IdentitySource records which credential produced a CallerIdentity.
type IdentitySource string

const (
	SourceAPIKey   IdentitySource = "api-key"
	SourceWallet   IdentitySource = "wallet"
	SourcePassport IdentitySource = "passport"
	SourceDefault  IdentitySource = "default"
)

// AnonymousCallerID is the caller id assigned when no credential resolved.
const AnonymousCallerID = "anonymous"

// CallerIdentity is the resolved identity of a request. It is resolved once
// per request and never mutated.
type CallerIdentity struct {
	CallerID   string         `json:"caller_id"`
	TierID     TierID         `json:"tier_id"`
	Tier       Tier           `json:"tier"`
	Source     IdentitySource `json:"source"`
	IsElevated bool           `json:"is_elevated"`
}

// IsDefault reports whether no credential was presented or none was valid.
func (c CallerIdentity) IsDefault() bool {
	return c.Source == SourceDefault
}
