package httpapi

import (
	"context"
	"time"

	"github.com/sealgate/gateway/pkg/ledger"
)

// Store is the subset of the audit ledger / identity store the HTTP
// layer depends on directly (beyond what it reaches through the
// orchestrator).
type Store interface {
	GetSeal(ctx context.Context, sealID string) (ledger.Seal, error)
	GetManifest(ctx context.Context, manifestID string) (ledger.Manifest, error)
	MarkExecuted(ctx context.Context, sealID string, at time.Time) (bool, time.Time, error)
	Query(ctx context.Context, f ledger.Filters, p ledger.Pagination) (ledger.QueryResult, error)
	Stats(ctx context.Context, f ledger.Filters) (ledger.Stats, error)

	RegisterOrg(ctx context.Context, o ledger.Organization) error
	GetOrg(ctx context.Context, orgID string) (ledger.Organization, error)
	RegisterAgent(ctx context.Context, a ledger.Agent) error
	GetAgent(ctx context.Context, agentID string) (ledger.Agent, error)
	ListAgentsByOrg(ctx context.Context, orgID string) ([]ledger.Agent, error)
	RecordAuthEvent(ctx context.Context, e ledger.AuthEvent) error
}
