// Package policyengine adapts the gateway's manifest model to an external
// policy-evaluation engine (OPA- or Cedar-style) over HTTP. The adapter
// owns the RPC, the load/reload lifecycle, and the fail-closed contract:
// any unreachable engine, malformed response, or
// deadline overrun becomes a denial, never an error the caller must
// special-case.
package policyengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// DefaultEvaluateTimeout bounds a single evaluation call before it is
// treated as unavailable.
const DefaultEvaluateTimeout = 2 * time.Second

// Query is the {agent, action, justification, environment} projection
// of a manifest sent to the engine.
type Query struct {
	Agent         string         `json:"agent"`
	OrgID         string         `json:"org_id"`
	Provider      string         `json:"provider"`
	Method        string         `json:"method"`
	Parameters    map[string]any `json:"parameters"`
	Reasoning     string         `json:"reasoning,omitempty"`
	Confidence    *float64       `json:"confidence_score,omitempty"`
	Environment   string         `json:"environment"`
}

// Decision is the adapter's output to the validation orchestrator.
type Decision struct {
	Approved      bool     `json:"approved"`
	DenialReason  string   `json:"denial_reason,omitempty"`
	PolicyVersion string   `json:"policy_version"`
	MatchedRules  []string `json:"matched_rules,omitempty"`
}

// denyUnavailable is the fixed fail-closed decision returned whenever the
// engine cannot be reached or its response cannot be trusted.
func denyUnavailable() *Decision {
	return &Decision{Approved: false, DenialReason: "policy engine unavailable", PolicyVersion: "unknown"}
}

// engineRequest/engineResponse model the wire contract with the external
// engine's management/decision API. Adapted from the OPA-style envelope
// (`{"input": ...}` request, `{"result": ...}` response).
type engineRequest struct {
	Input Query `json:"input"`
}

type engineResponse struct {
	Result *engineResult `json:"result"`
}

type engineResult struct {
	Allow       bool     `json:"allow"`
	DenyReasons []string `json:"deny_reasons,omitempty"`
	Version     string   `json:"version"`
	MatchedIDs  []string `json:"matched_rule_ids,omitempty"`
}

// loadedPolicy is the process-wide, atomically-swapped active policy
// reference: reader-preferring concurrency, a single writer reloads
// atomically by swapping a reference.
type loadedPolicy struct {
	version string
}

// Adapter talks to a single external policy engine endpoint.
type Adapter struct {
	baseURL      string
	decidePath   string
	client       *http.Client
	timeout      time.Duration
	active       atomic.Pointer[loadedPolicy]
	uploadPolicy func(ctx context.Context, artifact []byte, bundleName string) (version string, err error)
}

// Config configures an Adapter.
type Config struct {
	BaseURL    string
	DecidePath string // default "/v1/data/gateway/authz"
	UploadPath string // not read by New; Upload sends only through SetUploadFunc
	Timeout    time.Duration
	HTTPClient *http.Client
}

// New constructs an Adapter. The HTTP client's own timeout is set from
// cfg.Timeout unless one is already provided, so a slow DNS lookup or TLS
// handshake cannot exceed the evaluation deadline either.
func New(cfg Config) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultEvaluateTimeout
	}
	decidePath := cfg.DecidePath
	if decidePath == "" {
		decidePath = "/v1/data/gateway/authz"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	a := &Adapter{
		baseURL:    cfg.BaseURL,
		decidePath: decidePath,
		client:     client,
		timeout:    timeout,
	}
	a.active.Store(&loadedPolicy{version: "unknown"})
	return a
}

// PolicyVersion returns the currently cached version, read without
// locking (atomic pointer load).
func (a *Adapter) PolicyVersion() string {
	return a.active.Load().version
}

// Reload swaps in a new policy version atomically. In-flight evaluations
// keep whatever version they already captured; only evaluations starting
// after the swap observe the new one.
func (a *Adapter) Reload(version string) {
	a.active.Store(&loadedPolicy{version: version})
}

// Evaluate calls the external engine and returns a Decision. It is
// fail-closed: any transport error, non-200 response, or malformed body
// degrades to denyUnavailable() rather than propagating an error, because
// evaluate() itself must never force the caller into error-handling; a
// denial is always a valid, auditable answer.
func (a *Adapter) Evaluate(ctx context.Context, q Query) *Decision {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	body, err := json.Marshal(engineRequest{Input: q})
	if err != nil {
		return denyUnavailable()
	}

	url := a.baseURL + a.decidePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return denyUnavailable()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return denyUnavailable()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return denyUnavailable()
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return denyUnavailable()
	}

	var er engineResponse
	if err := json.Unmarshal(raw, &er); err != nil || er.Result == nil {
		return denyUnavailable()
	}

	version := er.Result.Version
	if version == "" {
		version = a.PolicyVersion()
	}

	if !er.Result.Allow {
		reason := "denied by policy"
		if len(er.Result.DenyReasons) > 0 {
			reason = er.Result.DenyReasons[0]
		}
		return &Decision{Approved: false, DenialReason: reason, PolicyVersion: version, MatchedRules: er.Result.MatchedIDs}
	}

	return &Decision{Approved: true, PolicyVersion: version, MatchedRules: er.Result.MatchedIDs}
}

// Upload hands a compiled policy artifact, under the stable bundle name
// "gateway", to the upload function set with SetUploadFunc and caches the
// version it reports back. With no upload function set, Upload sends
// nothing to the engine: it only caches the given version locally.
func (a *Adapter) Upload(ctx context.Context, artifact []byte, version string) error {
	if a.uploadPolicy != nil {
		v, err := a.uploadPolicy(ctx, artifact, "gateway")
		if err != nil {
			return fmt.Errorf("policyengine: upload failed: %w", err)
		}
		a.Reload(v)
		return nil
	}
	a.Reload(version)
	return nil
}

// SetUploadFunc overrides how Upload pushes bytes to the engine; used by
// tests and by alternative transports (e.g. Cedar's sidecar admin API).
func (a *Adapter) SetUploadFunc(fn func(ctx context.Context, artifact []byte, bundleName string) (string, error)) {
	a.uploadPolicy = fn
}
