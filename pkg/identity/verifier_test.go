package identity

import (
	"context"
	"testing"
	"time"

	"github.com/sealgate/gateway/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	agents map[string]ledger.Agent
	orgs   map[string]ledger.Organization
}

func (f *fakeRegistry) GetAgent(ctx context.Context, agentID string) (ledger.Agent, error) {
	a, ok := f.agents[agentID]
	if !ok {
		return ledger.Agent{}, ledger.ErrNotFound
	}
	return a, nil
}

func (f *fakeRegistry) GetOrg(ctx context.Context, orgID string) (ledger.Organization, error) {
	o, ok := f.orgs[orgID]
	if !ok {
		return ledger.Organization{}, ledger.ErrNotFound
	}
	return o, nil
}

func newTestVerifier(t *testing.T) (*Verifier, *TokenManager, *fakeRegistry) {
	t.Helper()
	ks, err := NewInMemoryKeySet()
	require.NoError(t, err)
	tm := NewTokenManager(ks, "sealgate-test")
	reg := &fakeRegistry{
		agents: map[string]ledger.Agent{
			"agent-1": {AgentID: "agent-1", OrgID: "org-1", Active: true},
		},
		orgs: map[string]ledger.Organization{
			"org-1": {OrgID: "org-1", Active: true},
		},
	}
	return NewVerifier(tm, reg), tm, reg
}

func TestVerifyBearerToken_Valid(t *testing.T) {
	v, tm, _ := newTestVerifier(t)
	tok, err := tm.IssueToken("agent-1", "org-1", []string{ScopeValidate}, time.Hour)
	require.NoError(t, err)

	claims, err := v.VerifyBearerToken(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", claims.AgentID())
	assert.True(t, claims.HasScope(ScopeValidate))
}

func TestVerifyBearerToken_InactiveAgentRejected(t *testing.T) {
	v, tm, reg := newTestVerifier(t)
	a := reg.agents["agent-1"]
	a.Active = false
	reg.agents["agent-1"] = a

	tok, err := tm.IssueToken("agent-1", "org-1", nil, time.Hour)
	require.NoError(t, err)

	_, err = v.VerifyBearerToken(context.Background(), tok)
	assert.ErrorIs(t, err, ErrInactiveAgent)
}

func TestVerifyBearerToken_OrgMismatchRejected(t *testing.T) {
	v, tm, reg := newTestVerifier(t)
	reg.orgs["org-2"] = ledger.Organization{OrgID: "org-2", Active: true}

	tok, err := tm.IssueToken("agent-1", "org-2", nil, time.Hour)
	require.NoError(t, err)

	_, err = v.VerifyBearerToken(context.Background(), tok)
	assert.ErrorIs(t, err, ErrOrgMismatch)
}

func TestVerifyBearerToken_ExpiredRejected(t *testing.T) {
	v, tm, _ := newTestVerifier(t)
	tok, err := tm.IssueToken("agent-1", "org-1", nil, -time.Hour)
	require.NoError(t, err)

	_, err = v.VerifyBearerToken(context.Background(), tok)
	assert.Error(t, err)
}

func TestVerifyAPIKey_ValidAndInvalid(t *testing.T) {
	v, _, reg := newTestVerifier(t)
	a := reg.agents["agent-1"]
	a.APIKeyHash = HashAPIKey("correct-key")
	reg.agents["agent-1"] = a

	_, err := v.VerifyAPIKey(context.Background(), "agent-1", "correct-key")
	require.NoError(t, err)

	_, err = v.VerifyAPIKey(context.Background(), "agent-1", "wrong-key")
	assert.ErrorIs(t, err, ErrBadAPIKey)
}
