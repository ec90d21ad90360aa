package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrDuplicateOrg and ErrDuplicateAgent signal a registration collision on
// a caller-supplied id.
var (
	ErrDuplicateOrg   = errors.New("ledger: org id already exists")
	ErrDuplicateAgent = errors.New("ledger: agent id already exists")
)

// RegisterOrg inserts a new organization, active by default.
func (l *PostgresLedger) RegisterOrg(ctx context.Context, o Organization) error {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO organizations (org_id, name, contact_email, created_at, active)
		VALUES ($1,$2,$3,$4,TRUE) ON CONFLICT (org_id) DO NOTHING`,
		o.OrgID, o.Name, nullString(o.ContactEmail), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger: register org: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrDuplicateOrg
	}
	return nil
}

// GetOrg fetches a single organization by id.
func (l *PostgresLedger) GetOrg(ctx context.Context, orgID string) (Organization, error) {
	var o Organization
	var contact sql.NullString
	err := l.db.QueryRowContext(ctx,
		"SELECT org_id, name, contact_email, created_at, active FROM organizations WHERE org_id = $1", orgID,
	).Scan(&o.OrgID, &o.Name, &contact, &o.CreatedAt, &o.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Organization{}, ErrNotFound
		}
		return Organization{}, fmt.Errorf("ledger: get org: %w", err)
	}
	o.ContactEmail = contact.String
	return o, nil
}

// SetOrgActive is the only mutation organizations permit after creation.
func (l *PostgresLedger) SetOrgActive(ctx context.Context, orgID string, active bool) error {
	res, err := l.db.ExecContext(ctx, "UPDATE organizations SET active = $1 WHERE org_id = $2", active, orgID)
	if err != nil {
		return fmt.Errorf("ledger: set org active: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RegisterAgent inserts a new agent scoped to an existing organization.
func (l *PostgresLedger) RegisterAgent(ctx context.Context, a Agent) error {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, org_id, name, description, api_key_hash, created_at, active)
		VALUES ($1,$2,$3,$4,$5,$6,TRUE) ON CONFLICT (agent_id) DO NOTHING`,
		a.AgentID, a.OrgID, a.Name, nullString(a.Description), nullString(a.APIKeyHash), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger: register agent: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrDuplicateAgent
	}
	return nil
}

// GetAgent fetches a single agent by id.
func (l *PostgresLedger) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var a Agent
	var description, apiKeyHash sql.NullString
	err := l.db.QueryRowContext(ctx,
		"SELECT agent_id, org_id, name, description, api_key_hash, created_at, active FROM agents WHERE agent_id = $1", agentID,
	).Scan(&a.AgentID, &a.OrgID, &a.Name, &description, &apiKeyHash, &a.CreatedAt, &a.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, fmt.Errorf("ledger: get agent: %w", err)
	}
	a.Description = description.String
	a.APIKeyHash = apiKeyHash.String
	return a, nil
}

// ListAgentsByOrg lists every agent registered to an organization.
func (l *PostgresLedger) ListAgentsByOrg(ctx context.Context, orgID string) ([]Agent, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT agent_id, org_id, name, description, api_key_hash, created_at, active FROM agents WHERE org_id = $1 ORDER BY created_at", orgID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	agents := make([]Agent, 0)
	for rows.Next() {
		var a Agent
		var description, apiKeyHash sql.NullString
		if err := rows.Scan(&a.AgentID, &a.OrgID, &a.Name, &description, &apiKeyHash, &a.CreatedAt, &a.Active); err != nil {
			return nil, fmt.Errorf("ledger: scan agent: %w", err)
		}
		a.Description = description.String
		a.APIKeyHash = apiKeyHash.String
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// SetAgentActive is the only mutation agents permit after creation.
func (l *PostgresLedger) SetAgentActive(ctx context.Context, agentID string, active bool) error {
	res, err := l.db.ExecContext(ctx, "UPDATE agents SET active = $1 WHERE agent_id = $2", active, agentID)
	if err != nil {
		return fmt.Errorf("ledger: set agent active: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordAuthEvent appends a forensic record. Auth events are never read
// back by the hot path. An insert failure is returned to the caller; the
// HTTP layer's logAuthEvent discards it, so a ledger hiccup cannot block
// an otherwise-valid request.
func (l *PostgresLedger) RecordAuthEvent(ctx context.Context, e AuthEvent) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO auth_events (event_id, event_type, agent_id, org_id, endpoint, ip, success, failure_reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.EventID, e.EventType, nullString(e.AgentID), nullString(e.OrgID), nullString(e.Endpoint),
		nullString(e.IP), e.Success, nullString(e.FailureReason), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger: record auth event: %w", err)
	}
	return nil
}
