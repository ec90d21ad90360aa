package httpapi

import (
	"net/http"
	"time"

	"github.com/sealgate/gateway/pkg/identity"
	"github.com/sealgate/gateway/pkg/ratelimit"
)

// RouterConfig bounds the middleware chains wrapped around the handlers.
type RouterConfig struct {
	MaxBodyBytes    int64
	RequestDeadline time.Duration
	ValidatePolicy  ratelimit.Policy
	Limiter         ratelimit.LimiterStore
}

// NewRouter assembles the full mux: schema validation happens inside the
// handler itself, enforced before any other work; this layer handles
// auth, size limits, deadlines, and backpressure.
func NewRouter(s *Server, verifier *identity.Verifier, cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	validateChain := withDeadline(cfg.RequestDeadline,
		withBackpressure(cfg.Limiter, cfg.ValidatePolicy,
			optionalBearerAuth(verifier, http.HandlerFunc(s.handleValidate))))
	mux.Handle("POST /v1/manifest/validate", withBodyLimit(cfg.MaxBodyBytes, validateChain))

	mux.Handle("POST /v1/seal/mark-executed", withDeadline(cfg.RequestDeadline, http.HandlerFunc(s.handleMarkExecuted)))
	mux.Handle("GET /v1/seal/verify", withDeadline(cfg.RequestDeadline, http.HandlerFunc(s.handleVerifySeal)))

	mux.Handle("GET /v1/audit/query", withDeadline(cfg.RequestDeadline, optionalBearerAuth(verifier, http.HandlerFunc(s.handleAuditQuery))))
	mux.Handle("GET /v1/audit/stats", withDeadline(cfg.RequestDeadline, optionalBearerAuth(verifier, http.HandlerFunc(s.handleAuditStats))))

	mux.Handle("POST /v1/orgs/register", withBodyLimit(cfg.MaxBodyBytes, http.HandlerFunc(s.handleOrgRegister)))
	mux.Handle("GET /v1/orgs/{org_id}", requireBearerAuth(verifier, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handleOrgGet(w, r, r.PathValue("org_id"))
	})))

	mux.Handle("POST /v1/agents/register", withBodyLimit(cfg.MaxBodyBytes, requireBearerAuth(verifier, http.HandlerFunc(s.handleAgentRegister))))
	mux.Handle("GET /v1/agents", requireBearerAuth(verifier, http.HandlerFunc(s.handleAgentsList)))

	mux.Handle("GET /health", http.HandlerFunc(s.handleHealth))
	mux.Handle("GET /readyz", http.HandlerFunc(s.handleReady))
	mux.Handle("GET /v1/manifest/health", http.HandlerFunc(s.handleManifestHealth))
	mux.Handle("GET /{$}", http.HandlerFunc(s.handleRoot))

	return mux
}
