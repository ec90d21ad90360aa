package httpapi

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealgate/gateway/pkg/identity"
	"github.com/sealgate/gateway/pkg/ledger"
	"github.com/sealgate/gateway/pkg/orchestrator"
	"github.com/sealgate/gateway/pkg/policyengine"
	"github.com/sealgate/gateway/pkg/ratelimit"
	"github.com/sealgate/gateway/pkg/seal"

	_ "modernc.org/sqlite"
)

// fakePolicyEngine serves the OPA-style envelope policyengine.Adapter
// expects, approving stripe create_payment calls under $50.00.
func fakePolicyEngine(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input struct {
				Provider   string         `json:"provider"`
				Method     string         `json:"method"`
				Parameters map[string]any `json:"parameters"`
			} `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		allow := true
		reasons := []string{}
		if req.Input.Provider == "stripe" && req.Input.Method == "create_payment" {
			if amount, ok := req.Input.Parameters["amount"].(float64); ok && amount >= 5000 {
				allow = false
				reasons = append(reasons, "Payment amount exceeds $50.00 limit")
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"allow":        allow,
				"deny_reasons": reasons,
				"version":      "v-test-1",
			},
		})
	}))
}

func newTestServer(t *testing.T, engineURL string) (http.Handler, *ledger.SQLiteLedger) {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	lgr := ledger.NewSQLiteLedger(db)
	require.NoError(t, lgr.Init(t.Context()))

	keySet, err := identity.NewInMemoryKeySet()
	require.NoError(t, err)
	tokens := identity.NewTokenManager(keySet, "sealgate-test")
	verifier := identity.NewVerifier(tokens, lgr)

	sealKeys := seal.NewKeyRing()
	require.NoError(t, sealKeys.GenerateKey("k1"))
	sealEngine := seal.NewEngine(sealKeys, 5*time.Minute, lgr)

	policyAdapter := policyengine.New(policyengine.Config{BaseURL: engineURL, Timeout: 2 * time.Second})
	orch := orchestrator.New(policyAdapter, sealEngine, lgr)

	srv := NewServer(orch, sealEngine, lgr, tokens, verifier, policyAdapter, false)
	router := NewRouter(srv, verifier, RouterConfig{
		MaxBodyBytes:    256 * 1024,
		RequestDeadline: 5 * time.Second,
		ValidatePolicy:  ratelimit.Policy{RPM: 6000, Burst: 100},
		Limiter:         ratelimit.NewInMemoryLimiterStore(),
	})
	return router, lgr
}

func paymentManifest(amount float64, dryRun bool) []byte {
	body, _ := json.Marshal(map[string]any{
		"agent":  map[string]any{"agent_id": "agent-1", "org_id": "org-1"},
		"action": map[string]any{"provider": "stripe", "method": "create_payment", "parameters": map[string]any{"amount": amount}},
		"justification": map[string]any{"reasoning": "paying a vendor invoice"},
		"environment":    "production",
		"dry_run":        dryRun,
	})
	return body
}

func TestValidate_ApprovedUnderLimitPayment(t *testing.T) {
	engine := fakePolicyEngine(t)
	defer engine.Close()
	router, _ := newTestServer(t, engine.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/manifest/validate", bytes.NewReader(paymentManifest(3500, false)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp validateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Approved)
	require.NotNil(t, resp.Seal)
	assert.WithinDuration(t, resp.Seal.IssuedAt.Add(5*time.Minute), resp.Seal.ExpiresAt, time.Second)
}

func TestValidate_DeniedOverLimitPayment(t *testing.T) {
	engine := fakePolicyEngine(t)
	defer engine.Close()
	router, _ := newTestServer(t, engine.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/manifest/validate", bytes.NewReader(paymentManifest(7500, false)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp validateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Approved)
	assert.Contains(t, resp.DenialReason, "exceeds")
	require.NotNil(t, resp.Seal)
	assert.False(t, resp.Seal.Approved)
}

func TestSealReplay_SecondMarkExecutedReportsAlready(t *testing.T) {
	engine := fakePolicyEngine(t)
	defer engine.Close()
	router, _ := newTestServer(t, engine.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/manifest/validate", bytes.NewReader(paymentManifest(4500, false)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var resp validateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Seal)

	first := httptest.NewRequest(http.MethodPost, "/v1/seal/mark-executed?seal_id="+resp.Seal.SealID, nil)
	w1 := httptest.NewRecorder()
	router.ServeHTTP(w1, first)
	require.Equal(t, http.StatusOK, w1.Code)
	var out1 markExecutedResponse
	require.NoError(t, json.Unmarshal(w1.Body.Bytes(), &out1))
	assert.True(t, out1.MarkedExecuted)

	second := httptest.NewRequest(http.MethodPost, "/v1/seal/mark-executed?seal_id="+resp.Seal.SealID, nil)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, second)
	assert.Equal(t, http.StatusConflict, w2.Code)

	verifyReq := httptest.NewRequest(http.MethodGet, "/v1/seal/verify?seal_id="+resp.Seal.SealID, nil)
	w3 := httptest.NewRecorder()
	router.ServeHTTP(w3, verifyReq)
	require.Equal(t, http.StatusOK, w3.Code)
	var vresp verifyResponse
	require.NoError(t, json.Unmarshal(w3.Body.Bytes(), &vresp))
	assert.True(t, vresp.AlreadyExecuted)
}

func TestValidate_PolicyEngineUnavailableDegradesToDenial(t *testing.T) {
	router, lgr := newTestServer(t, "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodPost, "/v1/manifest/validate", bytes.NewReader(paymentManifest(10, false)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp validateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Approved)
	assert.Equal(t, "policy engine unavailable", resp.DenialReason)
	assert.Equal(t, "unknown", resp.PolicyVersion)

	m, err := lgr.GetManifest(t.Context(), resp.ManifestID)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", m.AgentID)
}

func TestValidate_DryRunOmitsLedgerAppend(t *testing.T) {
	engine := fakePolicyEngine(t)
	defer engine.Close()
	router, lgr := newTestServer(t, engine.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/manifest/validate", bytes.NewReader(paymentManifest(10, true)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp validateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	_, err := lgr.GetManifest(t.Context(), resp.ManifestID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestValidate_SchemaViolationRejectsUnknownField(t *testing.T) {
	engine := fakePolicyEngine(t)
	defer engine.Close()
	router, _ := newTestServer(t, engine.URL)

	body := []byte(`{"agent":{"agent_id":"a","org_id":"o"},"action":{"provider":"p","method":"m","parameters":{}},"justification":{"reasoning":"r"},"environment":"production","unexpected_field":true}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/manifest/validate", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrgAndAgentRegistrationRoundTrip(t *testing.T) {
	engine := fakePolicyEngine(t)
	defer engine.Close()
	router, _ := newTestServer(t, engine.URL)

	regBody, _ := json.Marshal(map[string]string{"org_name": "Acme", "contact_email": "ops@acme.test"})
	req := httptest.NewRequest(http.MethodPost, "/v1/orgs/register", bytes.NewReader(regBody))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var orgResp orgRegisterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &orgResp))
	assert.NotEmpty(t, orgResp.JWTToken)

	getReq := httptest.NewRequest(http.MethodGet, "/v1/orgs/"+orgResp.OrgID, nil)
	getReq.Header.Set("Authorization", "Bearer "+orgResp.JWTToken)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, getReq)
	assert.Equal(t, http.StatusOK, w2.Code)
}

func TestCrossTenantAuditQueryIsScopedToToken(t *testing.T) {
	engine := fakePolicyEngine(t)
	defer engine.Close()
	router, _ := newTestServer(t, engine.URL)

	regBody, _ := json.Marshal(map[string]string{"org_name": "Org A"})
	req := httptest.NewRequest(http.MethodPost, "/v1/orgs/register", bytes.NewReader(regBody))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	var orgResp orgRegisterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &orgResp))

	queryReq := httptest.NewRequest(http.MethodGet, "/v1/audit/query?org_id=org-b-doesnotmatch", nil)
	queryReq.Header.Set("Authorization", "Bearer "+orgResp.JWTToken)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, queryReq)
	require.Equal(t, http.StatusOK, w2.Code)

	var result map[string]any
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &result))
	assert.Equal(t, float64(0), result["total"], "token's org is substituted for any org_id the caller supplies")
}
