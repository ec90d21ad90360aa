// Package ledger is the durable, queryable audit ledger (C4): manifests,
// seals, organizations, agents, and auth events. Immutability is enforced
// at the store, not the application: manifest and auth-event rows never
// accept UPDATE or DELETE, and a seal row accepts exactly one transition,
// (was_executed=false, executed_at=NULL) -> (true, t).
package ledger

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Get-style lookups that find no row.
var ErrNotFound = errors.New("ledger: not found")

// ErrDuplicateID is returned by Append when manifest_id collides with an
// existing row.
var ErrDuplicateID = errors.New("ledger: manifest id already exists")

// Manifest is the durable record of an agent's proposed action.
type Manifest struct {
	ManifestID      string
	CreatedAt       time.Time
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
	PolicyVersion   string
}

// Seal is the durable record of a signed authorization decision.
type Seal struct {
	SealID        string
	ManifestID    string
	Approved      bool
	PolicyVersion string
	DenialReason  string
	Signature     string
	PublicKey     string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	WasExecuted   bool
	ExecutedAt    *time.Time
}

// Organization is a tenant boundary.
type Organization struct {
	OrgID        string
	Name         string
	ContactEmail string
	CreatedAt    time.Time
	Active       bool
}

// Agent belongs to exactly one Organization.
type Agent struct {
	AgentID     string
	OrgID       string
	Name        string
	Description string
	APIKeyHash  string
	CreatedAt   time.Time
	Active      bool
}

// AuthEvent is an immutable forensic record.
type AuthEvent struct {
	EventID       string
	EventType     string
	AgentID       string
	OrgID         string
	Endpoint      string
	IP            string
	Success       bool
	FailureReason string
	CreatedAt     time.Time
}

const (
	EventLogin               = "login"
	EventTokenIssue          = "token_issue"
	EventTokenValidateFail   = "token_validate_fail"
	EventManifestAuthOK      = "manifest_auth_ok"
	EventManifestAuthFail    = "manifest_auth_fail"
)

// Record pairs a Manifest with its Seal, the unit returned by queries.
type Record struct {
	Manifest Manifest
	Seal     Seal
}

// Filters restricts Query and Stats to a subset of records.
type Filters struct {
	OrgID       string
	AgentID     string
	Provider    string
	Approved    *bool
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

// Pagination bounds a Query call. MaxPageSize is enforced by the store
// regardless of what the caller requests.
type Pagination struct {
	Limit  int
	Offset int
}

// MaxPageSize is the hard ceiling on a single Query page.
const MaxPageSize = 200

// DefaultPageSize is used when Pagination.Limit is zero or negative.
const DefaultPageSize = 50

// QueryResult is returned by Query.
type QueryResult struct {
	Total   int
	Records []Record
}

// Stats is returned by the Stats aggregate.
type Stats struct {
	Total          int
	Approved       int
	Denied         int
	ApprovalRate   float64
	ByProvider     map[string]int
	TopAgents      []AgentCount
	DenialsByReason map[string]int
}

// AgentCount is one entry of the Stats.TopAgents ranking.
type AgentCount struct {
	AgentID string
	Count   int
}
