// Package identity implements the bearer-token and API-key credential
// scheme for organizations and agents (C5): signed JWTs carrying
// {sub: agent_id, org: org_id, scope, iat, exp}, validated against the
// registry's active/inactive state machine.
package identity

import "github.com/golang-jwt/jwt/v5"

// Claims extends standard JWT registered claims with the gateway's
// subject/org/scope triple.
type Claims struct {
	jwt.RegisteredClaims
	OrgID string   `json:"org"`
	Scope []string `json:"scope,omitempty"`
}

// AgentID returns the token subject, which is always an agent_id.
func (c Claims) AgentID() string { return c.Subject }

// HasScope reports whether the token grants a named scope.
func (c Claims) HasScope(scope string) bool {
	for _, s := range c.Scope {
		if s == scope {
			return true
		}
	}
	return false
}

const (
	ScopeValidate     = "validate"
	ScopeOrgAdmin     = "org:admin"
	ScopeAgentAdmin   = "agent:admin"
	ScopeAuditRead    = "audit:read"
)
