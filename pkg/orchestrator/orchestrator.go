// Package orchestrator implements the hot-path validation algorithm (C6):
// evaluate a manifest against policy, always issue a seal, and persist
// both unless the caller asked for a dry run.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sealgate/gateway/pkg/identity"
	"github.com/sealgate/gateway/pkg/ledger"
	"github.com/sealgate/gateway/pkg/observability"
	"github.com/sealgate/gateway/pkg/policyengine"
	"github.com/sealgate/gateway/pkg/seal"
)

// PolicyEvaluator is the subset of policyengine.Adapter the orchestrator
// depends on.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, q policyengine.Query) *policyengine.Decision
}

// SealIssuer is the subset of seal.Engine the orchestrator depends on.
type SealIssuer interface {
	Issue(manifestID string, approved bool, policyVersion, denialReason string) (*seal.Seal, error)
}

// LedgerAppender is the subset of the audit ledger the orchestrator
// depends on.
type LedgerAppender interface {
	Append(ctx context.Context, m ledger.Manifest, s ledger.Seal) error
}

// Request is what C7 hands the orchestrator after schema validation.
type Request struct {
	AgentID         string
	OrgID           string
	UserID          string
	Provider        string
	Method          string
	Parameters      map[string]any
	Reasoning       string
	ConfidenceScore *float64
	Environment     string
	RawManifest     []byte
	DryRun          bool

	// IdentityClaims is non-nil when the caller authenticated; present so
	// step 2 of the algorithm (agent_id/org_id consistency check) can run.
	IdentityClaims *identity.Claims
}

// Result is returned to C7.
type Result struct {
	ManifestID    string
	Approved      bool
	Seal          *seal.Seal
	DenialReason  string
	PolicyVersion string
	MatchedRules  []string
}

// ErrIdentityMismatch signals step 2 of the algorithm: the manifest's
// (agent_id, org_id) does not match the authenticated caller's claims.
var ErrIdentityMismatch = fmt.Errorf("orchestrator: manifest identity does not match authenticated caller")

// ErrAppendFailed wraps a ledger append failure; the caller must not
// treat the request as authorized: return 5xx, never a seal the client
// might act upon.
type ErrAppendFailed struct{ Err error }

func (e *ErrAppendFailed) Error() string { return fmt.Sprintf("orchestrator: ledger append failed: %v", e.Err) }
func (e *ErrAppendFailed) Unwrap() error { return e.Err }

const maxDuplicateRetries = 1

// Orchestrator runs the hot-path validate algorithm.
type Orchestrator struct {
	policy PolicyEvaluator
	seals  SealIssuer
	ledger LedgerAppender
	newID  func() string
	obs    *observability.Provider
}

// New constructs an Orchestrator.
func New(policy PolicyEvaluator, seals SealIssuer, ledgerStore LedgerAppender) *Orchestrator {
	return &Orchestrator{policy: policy, seals: seals, ledger: ledgerStore, newID: uuid.NewString}
}

// WithObservability attaches RED-metrics/tracing instrumentation to every
// Validate call. Optional: an Orchestrator built without it behaves
// exactly as before.
func (o *Orchestrator) WithObservability(p *observability.Provider) *Orchestrator {
	o.obs = p
	return o
}

// Validate runs the full algorithm:
//  1. assign manifest_id and created_at
//  2. check identity consistency if present
//  3. evaluate against policy
//  4. always issue a seal
//  5. append to the ledger unless dry_run
//  6. return the outcome
func (o *Orchestrator) Validate(ctx context.Context, req Request) (*Result, error) {
	if o.obs != nil {
		var done func(error)
		ctx, done = o.obs.TrackValidate(ctx, req.Provider, req.Method)
		var err error
		defer func() { done(err) }()
		result, verr := o.validate(ctx, req)
		err = verr
		return result, verr
	}
	return o.validate(ctx, req)
}

func (o *Orchestrator) validate(ctx context.Context, req Request) (*Result, error) {
	if req.IdentityClaims != nil {
		if req.IdentityClaims.AgentID() != req.AgentID || req.IdentityClaims.OrgID != req.OrgID {
			return nil, ErrIdentityMismatch
		}
	}

	decision := o.policy.Evaluate(ctx, policyengine.Query{
		Agent:       req.AgentID,
		OrgID:       req.OrgID,
		Provider:    req.Provider,
		Method:      req.Method,
		Parameters:  req.Parameters,
		Reasoning:   req.Reasoning,
		Confidence:  req.ConfidenceScore,
		Environment: req.Environment,
	})

	var attempt int
	for {
		manifestID := o.newID()
		createdAt := time.Now().UTC()

		s, err := o.issueSeal(ctx, manifestID, decision.Approved, decision.PolicyVersion, decision.DenialReason)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: seal issuance failed: %w", err)
		}

		result := &Result{
			ManifestID:    manifestID,
			Approved:      decision.Approved,
			Seal:          s,
			DenialReason:  decision.DenialReason,
			PolicyVersion: decision.PolicyVersion,
			MatchedRules:  decision.MatchedRules,
		}

		if req.DryRun {
			return result, nil
		}

		raw := req.RawManifest
		if raw == nil {
			raw, _ = json.Marshal(req.Parameters)
		}

		m := ledger.Manifest{
			ManifestID:      manifestID,
			CreatedAt:       createdAt,
			AgentID:         req.AgentID,
			OrgID:           req.OrgID,
			UserID:          req.UserID,
			Provider:        req.Provider,
			Method:          req.Method,
			Parameters:      req.Parameters,
			Reasoning:       req.Reasoning,
			ConfidenceScore: req.ConfidenceScore,
			Environment:     req.Environment,
			RawManifest:     raw,
			PolicyVersion:   decision.PolicyVersion,
		}
		ls := ledger.Seal{
			SealID:        s.SealID,
			ManifestID:    s.ManifestID,
			Approved:      s.Approved,
			PolicyVersion: s.PolicyVersion,
			DenialReason:  s.DenialReason,
			Signature:     s.Signature,
			PublicKey:     s.PublicKey,
			IssuedAt:      s.IssuedAt,
			ExpiresAt:     s.ExpiresAt,
		}

		err = o.ledger.Append(ctx, m, ls)
		if err == nil {
			return result, nil
		}
		if attempt < maxDuplicateRetries && isDuplicateID(err) {
			attempt++
			continue
		}
		return nil, &ErrAppendFailed{Err: err}
	}
}

// issueSeal calls SealIssuer.Issue, nesting a TrackIssue span under the
// caller's TrackValidate span when observability is attached.
func (o *Orchestrator) issueSeal(ctx context.Context, manifestID string, approved bool, policyVersion, denialReason string) (*seal.Seal, error) {
	if o.obs == nil {
		return o.seals.Issue(manifestID, approved, policyVersion, denialReason)
	}
	_, done := o.obs.TrackIssue(ctx, approved)
	s, err := o.seals.Issue(manifestID, approved, policyVersion, denialReason)
	done(err)
	return s, err
}

func isDuplicateID(err error) bool {
	return errors.Is(err, ledger.ErrDuplicateID)
}
