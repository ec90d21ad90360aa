// Package seal implements the cryptographic authorization token ("seal")
// issued by the gateway for every validated manifest: Ed25519 signing over
// a canonical payload, TTL enforcement, and one-time-use execution
// tracking.
package seal

import (
	"time"

	"github.com/sealgate/gateway/pkg/canonical"
)

// Payload is the signed portion of a seal: {manifest_id, approved,
// policy_version, issued_at, expires_at, denial_reason?}.
type Payload struct {
	ManifestID    string    `json:"manifest_id"`
	Approved      bool      `json:"approved"`
	PolicyVersion string    `json:"policy_version"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	DenialReason  string    `json:"denial_reason,omitempty"`
}

// CanonicalBytes returns the exact byte string signatures are computed
// over and recomputed from during verification.
func (p Payload) CanonicalBytes() ([]byte, error) {
	return canonical.Serialize(p)
}

// Seal is the full record persisted and returned to clients. Signature
// and PublicKey are hex-encoded.
type Seal struct {
	SealID        string    `json:"seal_id"`
	ManifestID    string    `json:"manifest_id"`
	Approved      bool      `json:"approved"`
	PolicyVersion string    `json:"policy_version"`
	DenialReason  string    `json:"denial_reason,omitempty"`
	Signature     string    `json:"signature"`
	PublicKey     string    `json:"public_key"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	WasExecuted   bool      `json:"was_executed"`
	ExecutedAt    *time.Time `json:"executed_at,omitempty"`
}

// Payload reconstructs the signed payload from the persisted seal fields,
// so verification is reproducible from the persisted fields alone.
func (s *Seal) Payload() Payload {
	return Payload{
		ManifestID:    s.ManifestID,
		Approved:      s.Approved,
		PolicyVersion: s.PolicyVersion,
		IssuedAt:      s.IssuedAt,
		ExpiresAt:     s.ExpiresAt,
		DenialReason:  s.DenialReason,
	}
}
