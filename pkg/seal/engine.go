package seal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sealgate/gateway/pkg/observability"
)

// DefaultTTL is the seal lifetime absent an explicit configuration: long
// enough to bridge normal network execution latency, short enough that a
// leaked seal has a bounded blast radius.
const DefaultTTL = 5 * time.Minute

// ExecutionStore tracks the one-time-use execution state of a seal. It is
// implemented by the audit ledger (C4) so that mark_executed is a single
// conditional-update statement serialized by the store.
type ExecutionStore interface {
	// MarkExecuted transitions (was_executed=false, executed_at=nil) to
	// (true, t) exactly once. It returns the execution state observed
	// after the attempt (so a second caller learns the first's timestamp)
	// and whether the seal was already executed before this call (false
	// when this call itself performed the transition).
	MarkExecuted(ctx context.Context, sealID string, at time.Time) (wasAlreadyExecuted bool, executedAt time.Time, err error)

	// ExecutionState returns the current (was_executed, executed_at) for a
	// seal without mutating it.
	ExecutionState(ctx context.Context, sealID string) (wasExecuted bool, executedAt *time.Time, err error)
}

// Clock abstracts time for deterministic testing.
type Clock func() time.Time

// Engine issues and verifies seals.
type Engine struct {
	keys  *KeyRing
	ttl   time.Duration
	clock Clock
	store ExecutionStore
	obs   *observability.Provider
}

// NewEngine constructs a seal engine. store may be nil at construction
// time and set later via SetExecutionStore, since the ledger and seal
// engine are typically wired together during startup.
func NewEngine(keys *KeyRing, ttl time.Duration, store ExecutionStore) *Engine {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Engine{keys: keys, ttl: ttl, clock: time.Now, store: store}
}

// WithClock overrides the clock, for deterministic TTL tests.
func (e *Engine) WithClock(c Clock) *Engine {
	e.clock = c
	return e
}

// SetExecutionStore wires the ledger used for one-time-use tracking.
func (e *Engine) SetExecutionStore(store ExecutionStore) {
	e.store = store
}

// WithObservability attaches tracing/metrics to MarkExecuted calls.
// Optional: an Engine built without it behaves exactly as before.
func (e *Engine) WithObservability(p *observability.Provider) *Engine {
	e.obs = p
	return e
}

// Issue computes issued_at/expires_at, builds the canonical payload,
// signs it, and returns the full Seal record. Issuance never consults the
// execution store; a freshly issued seal is always unexecuted.
func (e *Engine) Issue(manifestID string, approved bool, policyVersion string, denialReason string) (*Seal, error) {
	now := e.clock().UTC()
	payload := Payload{
		ManifestID:    manifestID,
		Approved:      approved,
		PolicyVersion: policyVersion,
		IssuedAt:      now,
		ExpiresAt:     now.Add(e.ttl),
		DenialReason:  denialReason,
	}

	canon, err := payload.CanonicalBytes()
	if err != nil {
		return nil, fmt.Errorf("seal: canonicalization failed: %w", err)
	}

	_, sigHex, pubHex, err := e.keys.Sign(canon)
	if err != nil {
		return nil, fmt.Errorf("seal: signing failed: %w", err)
	}

	return &Seal{
		SealID:        uuid.NewString(),
		ManifestID:    payload.ManifestID,
		Approved:      payload.Approved,
		PolicyVersion: payload.PolicyVersion,
		DenialReason:  payload.DenialReason,
		Signature:     sigHex,
		PublicKey:     pubHex,
		IssuedAt:      payload.IssuedAt,
		ExpiresAt:     payload.ExpiresAt,
	}, nil
}

// VerifyResult is the outcome of an independent seal verification call.
type VerifyResult struct {
	Valid           bool
	Approved        bool
	Expired         bool
	AlreadyExecuted bool
	ExecutedAt      *time.Time
}

// Verify recomputes the canonical payload from the seal's stored fields,
// checks the signature, the TTL, and (if an execution store is wired)
// the one-time-use state. It never mutates state.
func (e *Engine) Verify(ctx context.Context, s *Seal) (*VerifyResult, error) {
	canon, err := s.Payload().CanonicalBytes()
	if err != nil {
		return nil, fmt.Errorf("seal: canonicalization failed: %w", err)
	}

	ok, err := VerifyDetached(s.PublicKey, s.Signature, canon)
	if err != nil {
		return &VerifyResult{Valid: false}, nil
	}

	result := &VerifyResult{
		Valid:    ok,
		Approved: s.Approved,
		Expired:  !e.clock().Before(s.ExpiresAt),
	}

	if e.store != nil {
		wasExecuted, executedAt, err := e.store.ExecutionState(ctx, s.SealID)
		if err != nil {
			return nil, fmt.Errorf("seal: execution state lookup failed: %w", err)
		}
		result.AlreadyExecuted = wasExecuted
		result.ExecutedAt = executedAt
	} else {
		result.AlreadyExecuted = s.WasExecuted
		result.ExecutedAt = s.ExecutedAt
	}

	if !ok {
		result.Valid = false
	} else if result.Expired || !result.Approved {
		result.Valid = false
	}

	return result, nil
}

// MarkExecutedOutcome is returned by MarkExecuted.
type MarkExecutedOutcome struct {
	MarkedExecuted  bool
	AlreadyExecuted bool
	ExecutedAt      time.Time
}

// MarkExecuted transitions the seal to executed exactly once. A seal
// that is expired or was never approved may still be marked; execution-time
// enforcement of TTL/approval is a
// downstream-executor responsibility that calls Verify first.
func (e *Engine) MarkExecuted(ctx context.Context, sealID string) (outcome *MarkExecutedOutcome, err error) {
	if e.obs != nil {
		var done func(error)
		ctx, done = e.obs.TrackMarkExecuted(ctx, sealID)
		defer func() { done(err) }()
	}

	if e.store == nil {
		return nil, fmt.Errorf("seal: no execution store configured")
	}

	wasAlready, executedAt, err := e.store.MarkExecuted(ctx, sealID, e.clock().UTC())
	if err != nil {
		return nil, err
	}

	return &MarkExecutedOutcome{
		MarkedExecuted:  !wasAlready,
		AlreadyExecuted: wasAlready,
		ExecutedAt:      executedAt,
	}, nil
}
