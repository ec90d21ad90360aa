package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sealgate/gateway/pkg/identity"
	"github.com/sealgate/gateway/pkg/ledger"
	"github.com/sealgate/gateway/pkg/orchestrator"
	"github.com/sealgate/gateway/pkg/policyengine"
	"github.com/sealgate/gateway/pkg/seal"
)

// Server wires every dependency the REST surface needs; it holds no
// business logic of its own beyond request/response translation.
type Server struct {
	orch       *orchestrator.Orchestrator
	seals      *seal.Engine
	store      Store
	tokens     *identity.TokenManager
	verifier   *identity.Verifier
	policy     *policyengine.Adapter
	requireAuth bool
}

// NewServer constructs the handler set.
func NewServer(orch *orchestrator.Orchestrator, seals *seal.Engine, store Store, tokens *identity.TokenManager, verifier *identity.Verifier, policy *policyengine.Adapter, requireAuth bool) *Server {
	return &Server{orch: orch, seals: seals, store: store, tokens: tokens, verifier: verifier, policy: policy, requireAuth: requireAuth}
}

// --- POST /v1/manifest/validate ---

type validateResponse struct {
	ManifestID    string     `json:"manifest_id"`
	Approved      bool       `json:"approved"`
	Seal          *seal.Seal `json:"seal,omitempty"`
	DenialReason  string     `json:"denial_reason,omitempty"`
	PolicyVersion string     `json:"policy_version"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeTooLarge(w, tooLarge.Limit)
			return
		}
		writeBadRequest(w, "malformed_body", "could not read request body", nil)
		return
	}

	doc, err := validateManifestSchema(raw)
	if err != nil {
		writeBadRequest(w, "schema_violation", err.Error(), nil)
		return
	}
	wm, err := decodeWireManifest(doc)
	if err != nil {
		writeBadRequest(w, "schema_violation", "manifest did not match the expected shape", nil)
		return
	}

	claims := claimsFromContext(r.Context())
	if s.requireAuth && claims == nil {
		s.logAuthEvent(r, ledger.EventManifestAuthFail, "", "", "missing bearer token")
		writeUnauthorized(w, "this deployment requires an authenticated caller for validate")
		return
	}

	req := orchestrator.Request{
		AgentID:         wm.Agent.AgentID,
		OrgID:           wm.Agent.OrgID,
		UserID:          wm.Agent.UserID,
		Provider:        wm.Action.Provider,
		Method:          wm.Action.Method,
		Parameters:      wm.Action.Parameters,
		Reasoning:       wm.Justification.Reasoning,
		ConfidenceScore: wm.Justification.ConfidenceScore,
		Environment:     wm.Environment,
		RawManifest:     raw,
		DryRun:          wm.DryRun,
		IdentityClaims:  claims,
	}

	result, err := s.orch.Validate(r.Context(), req)
	if err != nil {
		if errors.Is(err, orchestrator.ErrIdentityMismatch) {
			s.logAuthEvent(r, ledger.EventManifestAuthFail, wm.Agent.AgentID, wm.Agent.OrgID, "identity mismatch")
			writeForbidden(w, "manifest identity does not match the authenticated caller")
			return
		}
		writeInternal(w, err)
		return
	}
	if claims != nil {
		s.logAuthEvent(r, ledger.EventManifestAuthOK, wm.Agent.AgentID, wm.Agent.OrgID, "")
	}

	writeJSON(w, http.StatusOK, validateResponse{
		ManifestID:    result.ManifestID,
		Approved:      result.Approved,
		Seal:          result.Seal,
		DenialReason:  result.DenialReason,
		PolicyVersion: result.PolicyVersion,
	})
}

// --- POST /v1/seal/mark-executed ---

type markExecutedResponse struct {
	SealID         string    `json:"seal_id"`
	MarkedExecuted bool      `json:"marked_executed"`
	ExecutedAt     time.Time `json:"executed_at"`
}

func (s *Server) handleMarkExecuted(w http.ResponseWriter, r *http.Request) {
	sealID := r.URL.Query().Get("seal_id")
	if sealID == "" {
		writeBadRequest(w, "missing_seal_id", "seal_id query parameter is required", nil)
		return
	}

	outcome, err := s.seals.MarkExecuted(r.Context(), sealID)
	if err != nil {
		writeInternal(w, err)
		return
	}

	if outcome.AlreadyExecuted {
		writeProblem(w, http.StatusConflict, "already_executed", "seal was already marked executed", map[string]any{
			"seal_id":     sealID,
			"executed_at": outcome.ExecutedAt,
		})
		return
	}

	writeJSON(w, http.StatusOK, markExecutedResponse{
		SealID:         sealID,
		MarkedExecuted: outcome.MarkedExecuted,
		ExecutedAt:     outcome.ExecutedAt,
	})
}

// --- GET /v1/seal/verify ---

type verifyResponse struct {
	SealID          string     `json:"seal_id"`
	Valid           bool       `json:"valid"`
	Approved        bool       `json:"approved"`
	Expired         bool       `json:"expired"`
	AlreadyExecuted bool       `json:"already_executed"`
	ManifestID      string     `json:"manifest_id"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
}

func (s *Server) handleVerifySeal(w http.ResponseWriter, r *http.Request) {
	sealID := r.URL.Query().Get("seal_id")
	if sealID == "" {
		writeBadRequest(w, "missing_seal_id", "seal_id query parameter is required", nil)
		return
	}

	ls, err := s.store.GetSeal(r.Context(), sealID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeNotFound(w, "seal")
			return
		}
		writeInternal(w, err)
		return
	}

	full := &seal.Seal{
		SealID: ls.SealID, ManifestID: ls.ManifestID, Approved: ls.Approved,
		PolicyVersion: ls.PolicyVersion, DenialReason: ls.DenialReason,
		Signature: ls.Signature, PublicKey: ls.PublicKey,
		IssuedAt: ls.IssuedAt, ExpiresAt: ls.ExpiresAt,
		WasExecuted: ls.WasExecuted, ExecutedAt: ls.ExecutedAt,
	}

	result, err := s.seals.Verify(r.Context(), full)
	if err != nil {
		writeInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{
		SealID:          ls.SealID,
		Valid:           result.Valid,
		Approved:        result.Approved,
		Expired:         result.Expired,
		AlreadyExecuted: result.AlreadyExecuted,
		ManifestID:      ls.ManifestID,
		IssuedAt:        ls.IssuedAt,
		ExpiresAt:       ls.ExpiresAt,
	})
}

// --- GET /v1/audit/query and /v1/audit/stats ---

func (s *Server) resolveAuditScope(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims := claimsFromContext(r.Context())
	if claims != nil {
		return claims.OrgID, true
	}
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		writeUnauthorized(w, "org_id is required for unauthenticated audit access")
		return "", false
	}
	return orgID, true
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.resolveAuditScope(w, r)
	if !ok {
		return
	}

	f := ledger.Filters{
		OrgID:    orgID,
		AgentID:  r.URL.Query().Get("agent_id"),
		Provider: r.URL.Query().Get("provider"),
	}
	if v := r.URL.Query().Get("approved"); v != "" {
		b := v == "true"
		f.Approved = &b
	}

	limit := ledger.DefaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	result, err := s.store.Query(r.Context(), f, ledger.Pagination{Limit: limit, Offset: offset})
	if err != nil {
		writeInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total":   result.Total,
		"limit":   limit,
		"offset":  offset,
		"records": result.Records,
	})
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.resolveAuditScope(w, r)
	if !ok {
		return
	}

	stats, err := s.store.Stats(r.Context(), ledger.Filters{OrgID: orgID})
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Organization / agent bootstrap ---

type orgRegisterRequest struct {
	OrgName      string `json:"org_name"`
	ContactEmail string `json:"contact_email"`
	AdminName    string `json:"admin_agent_name"`
}

type orgRegisterResponse struct {
	OrgID      string `json:"org_id"`
	OrgName    string `json:"org_name"`
	AdminAgent string `json:"admin_agent"`
	JWTToken   string `json:"jwt_token"`
}

func (s *Server) handleOrgRegister(w http.ResponseWriter, r *http.Request) {
	var req orgRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed_body", "invalid JSON body", nil)
		return
	}
	if req.OrgName == "" {
		writeBadRequest(w, "missing_field", "org_name is required", nil)
		return
	}

	orgID := uuid.NewString()
	now := time.Now().UTC()
	org := ledger.Organization{OrgID: orgID, Name: req.OrgName, ContactEmail: req.ContactEmail, CreatedAt: now, Active: true}
	if err := s.store.RegisterOrg(r.Context(), org); err != nil {
		writeInternal(w, err)
		return
	}

	adminName := req.AdminName
	if adminName == "" {
		adminName = "admin"
	}
	agentID := uuid.NewString()
	agent := ledger.Agent{AgentID: agentID, OrgID: orgID, Name: adminName, CreatedAt: now, Active: true}
	if err := s.store.RegisterAgent(r.Context(), agent); err != nil {
		writeInternal(w, err)
		return
	}

	token, err := s.tokens.IssueToken(agentID, orgID, []string{identity.ScopeOrgAdmin, identity.ScopeAgentAdmin, identity.ScopeValidate, identity.ScopeAuditRead}, 0)
	if err != nil {
		writeInternal(w, err)
		return
	}
	s.logAuthEvent(r, ledger.EventTokenIssue, agentID, orgID, "")

	writeJSON(w, http.StatusOK, orgRegisterResponse{OrgID: orgID, OrgName: req.OrgName, AdminAgent: agentID, JWTToken: token})
}

func (s *Server) handleOrgGet(w http.ResponseWriter, r *http.Request, orgID string) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeUnauthorized(w, "")
		return
	}
	if claims.OrgID != orgID {
		s.logAuthEvent(r, ledger.EventManifestAuthFail, claims.AgentID(), claims.OrgID, "org scope mismatch")
		writeForbidden(w, "token is not scoped to this organization")
		return
	}

	org, err := s.store.GetOrg(r.Context(), orgID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeNotFound(w, "organization")
			return
		}
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

type agentRegisterRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeUnauthorized(w, "")
		return
	}
	if !claims.HasScope(identity.ScopeAgentAdmin) {
		writeForbidden(w, "token lacks agent-admin scope")
		return
	}

	var req agentRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed_body", "invalid JSON body", nil)
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "missing_field", "name is required", nil)
		return
	}

	agentID := uuid.NewString()
	agent := ledger.Agent{
		AgentID: agentID, OrgID: claims.OrgID, Name: req.Name, Description: req.Description,
		CreatedAt: time.Now().UTC(), Active: true,
	}
	if err := s.store.RegisterAgent(r.Context(), agent); err != nil {
		writeInternal(w, err)
		return
	}

	token, err := s.tokens.IssueToken(agentID, claims.OrgID, []string{identity.ScopeValidate}, 0)
	if err != nil {
		writeInternal(w, err)
		return
	}
	s.logAuthEvent(r, ledger.EventTokenIssue, agentID, claims.OrgID, "")

	writeJSON(w, http.StatusOK, map[string]any{"agent": agent, "jwt_token": token})
}

func (s *Server) handleAgentsList(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeUnauthorized(w, "")
		return
	}

	agents, err := s.store.ListAgentsByOrg(r.Context(), claims.OrgID)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"org_id": claims.OrgID, "agents": agents})
}

// --- Health and discovery ---

// pinger is implemented by both ledger backends (PostgresLedger,
// SQLiteLedger); Store only requires it when present.
type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) checkDatabase(ctx context.Context) string {
	p, ok := s.store.(pinger)
	if !ok {
		return "unknown"
	}
	if err := p.Ping(ctx); err != nil {
		return "unavailable"
	}
	return "ok"
}

func (s *Server) checkPolicyEngine() string {
	if s.policy.PolicyVersion() == "unknown" {
		return "unavailable"
	}
	return "ok"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"database":      s.checkDatabase(r.Context()),
		"policy_engine": s.checkPolicyEngine(),
		"version":       "v1",
	})
}

// handleReady backs /readyz: unlike /health (always 200, advisory), this
// reports 503 when a dependency the validate path needs is down, so a
// load balancer or orchestrator can pull the instance out of rotation.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	database := s.checkDatabase(r.Context())
	policyEngine := s.checkPolicyEngine()

	status := http.StatusOK
	ready := "ok"
	if database != "ok" || policyEngine != "ok" {
		status = http.StatusServiceUnavailable
		ready = "not_ready"
	}

	writeJSON(w, status, map[string]any{
		"status":        ready,
		"database":      database,
		"policy_engine": policyEngine,
	})
}

func (s *Server) handleManifestHealth(w http.ResponseWriter, r *http.Request) {
	version := s.policy.PolicyVersion()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"engine_available": version != "unknown",
		"policy_version":  version,
		"policy_loaded":   version != "unknown",
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "sealgate",
		"version": "v1",
		"endpoints": []string{
			"/v1/manifest/validate",
			"/v1/seal/mark-executed",
			"/v1/seal/verify",
			"/v1/audit/query",
			"/v1/audit/stats",
			"/v1/orgs/register",
			"/v1/agents/register",
			"/health",
			"/readyz",
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) logAuthEvent(r *http.Request, eventType, agentID, orgID, failureReason string) {
	_ = s.store.RecordAuthEvent(r.Context(), ledger.AuthEvent{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		AgentID:       agentID,
		OrgID:         orgID,
		Endpoint:      r.URL.Path,
		IP:            r.RemoteAddr,
		Success:       failureReason == "",
		FailureReason: failureReason,
		CreatedAt:     time.Now().UTC(),
	})
}
