package identity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sealgate/gateway/pkg/ledger"
)

// ErrInactiveAgent, ErrInactiveOrg, ErrOrgMismatch and ErrBadAPIKey are the
// sentinel failure reasons a Verifier returns; registry lookup errors are
// returned wrapped alongside them.
var (
	ErrInactiveAgent = errors.New("identity: agent is inactive")
	ErrInactiveOrg   = errors.New("identity: organization is inactive")
	ErrOrgMismatch   = errors.New("identity: token org does not match agent registry")
	ErrBadAPIKey     = errors.New("identity: api key does not match")
)

// Registry is the subset of the audit ledger's identity operations a
// Verifier needs. Implemented by *ledger.PostgresLedger and
// *ledger.SQLiteLedger.
type Registry interface {
	GetAgent(ctx context.Context, agentID string) (ledger.Agent, error)
	GetOrg(ctx context.Context, orgID string) (ledger.Organization, error)
}

// Verifier validates bearer tokens and API keys against both their
// cryptographic material and the registry's active/inactive state
// machine.
type Verifier struct {
	tokens   *TokenManager
	registry Registry
}

// NewVerifier constructs a Verifier.
func NewVerifier(tokens *TokenManager, registry Registry) *Verifier {
	return &Verifier{tokens: tokens, registry: registry}
}

// VerifyBearerToken validates signature and expiry, then confirms the
// agent and its organization are both active and that the token's org
// claim matches the registry's record for that agent.
func (v *Verifier) VerifyBearerToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := v.tokens.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	agent, err := v.registry.GetAgent(ctx, claims.AgentID())
	if err != nil {
		return nil, fmt.Errorf("identity: agent lookup: %w", err)
	}
	if !agent.Active {
		return nil, ErrInactiveAgent
	}
	if agent.OrgID != claims.OrgID {
		return nil, ErrOrgMismatch
	}

	org, err := v.registry.GetOrg(ctx, claims.OrgID)
	if err != nil {
		return nil, fmt.Errorf("identity: org lookup: %w", err)
	}
	if !org.Active {
		return nil, ErrInactiveOrg
	}

	return claims, nil
}

// VerifyAPIKey checks a long-lived credential in constant time against
// the hash stored for the agent, then applies the same active-state
// checks as VerifyBearerToken.
func (v *Verifier) VerifyAPIKey(ctx context.Context, agentID, presentedKey string) (ledger.Agent, error) {
	agent, err := v.registry.GetAgent(ctx, agentID)
	if err != nil {
		return ledger.Agent{}, fmt.Errorf("identity: agent lookup: %w", err)
	}
	if agent.APIKeyHash == "" {
		return ledger.Agent{}, ErrBadAPIKey
	}
	if subtle.ConstantTimeCompare([]byte(HashAPIKey(presentedKey)), []byte(agent.APIKeyHash)) != 1 {
		return ledger.Agent{}, ErrBadAPIKey
	}
	if !agent.Active {
		return ledger.Agent{}, ErrInactiveAgent
	}

	org, err := v.registry.GetOrg(ctx, agent.OrgID)
	if err != nil {
		return ledger.Agent{}, fmt.Errorf("identity: org lookup: %w", err)
	}
	if !org.Active {
		return ledger.Agent{}, ErrInactiveOrg
	}
	return agent, nil
}

// HashAPIKey computes the value stored in Agent.APIKeyHash for a raw key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
