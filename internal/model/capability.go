package model

// CapabilityPermissions are the allowlists checked before a provider may be
// invoked. Empty agent and identity lists allow everyone; a nil tier list
// allows every tier.
type CapabilityPermissions struct {
	AllowedAgents     []string `json:"allowed_agents"`
	AllowedIdentities []string `json:"allowed_identities"`
	AllowedTiers      []TierID `json:"allowed_tiers,omitempty"`
	RequiresApproval  bool     `json:"requires_approval"`
}

// CapabilityServer is a provider of tools and resources.
type CapabilityServer struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Tools       []string              `json:"tools"`
	Resources   []string              `json:"resources"`
	Permissions CapabilityPermissions `json:"permissions"`
}
