package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLedger is an embeddable implementation of the same audit ledger
// contract as PostgresLedger, for local development and tests that want
// real SQL semantics without a running database server. Timestamps are
// stored as fixed-width RFC 3339 UTC text; immutability is enforced with SQLite triggers using
// RAISE(ABORT, ...), the SQLite analogue of the Postgres PL/pgSQL guards.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger wraps an already-open *sql.DB (driver "sqlite" via
// modernc.org/sqlite).
func NewSQLiteLedger(db *sql.DB) *SQLiteLedger {
	return &SQLiteLedger{db: db}
}

// Ping reports whether the underlying connection is usable, for
// liveness/readiness checks; it does not touch ledger tables.
func (l *SQLiteLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

const sqliteSchema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS organizations (
	org_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	contact_email TEXT,
	created_at TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL REFERENCES organizations(org_id),
	name TEXT NOT NULL,
	description TEXT,
	api_key_hash TEXT,
	created_at TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS manifests (
	manifest_id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	org_id TEXT NOT NULL,
	user_id TEXT,
	provider TEXT NOT NULL,
	method TEXT NOT NULL,
	parameters TEXT,
	reasoning TEXT,
	confidence_score REAL,
	environment TEXT NOT NULL,
	raw_manifest BLOB,
	policy_version TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_manifests_agent_id ON manifests(agent_id);
CREATE INDEX IF NOT EXISTS idx_manifests_org_id ON manifests(org_id);
CREATE INDEX IF NOT EXISTS idx_manifests_created_at ON manifests(created_at);
CREATE INDEX IF NOT EXISTS idx_manifests_provider ON manifests(provider);

CREATE TABLE IF NOT EXISTS seals (
	seal_id TEXT PRIMARY KEY,
	manifest_id TEXT NOT NULL REFERENCES manifests(manifest_id),
	approved INTEGER NOT NULL,
	policy_version TEXT NOT NULL,
	denial_reason TEXT,
	signature TEXT NOT NULL,
	public_key TEXT NOT NULL,
	issued_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	was_executed INTEGER NOT NULL DEFAULT 0,
	executed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_seals_manifest_id ON seals(manifest_id);
CREATE INDEX IF NOT EXISTS idx_seals_approved ON seals(approved);

CREATE TABLE IF NOT EXISTS auth_events (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	agent_id TEXT,
	org_id TEXT,
	endpoint TEXT,
	ip TEXT,
	success INTEGER NOT NULL,
	failure_reason TEXT,
	created_at TEXT NOT NULL
);

CREATE TRIGGER IF NOT EXISTS manifests_no_update BEFORE UPDATE ON manifests
BEGIN SELECT RAISE(ABORT, 'manifests rows are append-only'); END;

CREATE TRIGGER IF NOT EXISTS manifests_no_delete BEFORE DELETE ON manifests
BEGIN SELECT RAISE(ABORT, 'manifests rows are append-only'); END;

CREATE TRIGGER IF NOT EXISTS auth_events_no_update BEFORE UPDATE ON auth_events
BEGIN SELECT RAISE(ABORT, 'auth_events rows are append-only'); END;

CREATE TRIGGER IF NOT EXISTS auth_events_no_delete BEFORE DELETE ON auth_events
BEGIN SELECT RAISE(ABORT, 'auth_events rows are append-only'); END;

CREATE TRIGGER IF NOT EXISTS seals_no_delete BEFORE DELETE ON seals
BEGIN SELECT RAISE(ABORT, 'seals rows cannot be deleted'); END;

CREATE TRIGGER IF NOT EXISTS seals_guard_update BEFORE UPDATE ON seals
WHEN NEW.manifest_id <> OLD.manifest_id OR NEW.approved <> OLD.approved
	OR NEW.policy_version <> OLD.policy_version OR NEW.signature <> OLD.signature
	OR NEW.public_key <> OLD.public_key OR NEW.issued_at <> OLD.issued_at
	OR NEW.expires_at <> OLD.expires_at OR (OLD.was_executed = 1 AND NEW.was_executed = 0)
	OR NEW.denial_reason IS NOT OLD.denial_reason
	OR (OLD.was_executed = 1 AND NEW.executed_at IS NOT OLD.executed_at)
BEGIN SELECT RAISE(ABORT, 'seals rows are frozen except (was_executed, executed_at)'); END;

CREATE TRIGGER IF NOT EXISTS orgs_guard_update BEFORE UPDATE ON organizations
WHEN NEW.org_id <> OLD.org_id OR NEW.name <> OLD.name OR NEW.created_at <> OLD.created_at
	OR NEW.contact_email IS NOT OLD.contact_email
BEGIN SELECT RAISE(ABORT, 'organizations rows are frozen except active'); END;

CREATE TRIGGER IF NOT EXISTS agents_guard_update BEFORE UPDATE ON agents
WHEN NEW.agent_id <> OLD.agent_id OR NEW.org_id <> OLD.org_id OR NEW.name <> OLD.name
	OR NEW.created_at <> OLD.created_at OR NEW.description IS NOT OLD.description
	OR NEW.api_key_hash IS NOT OLD.api_key_hash
BEGIN SELECT RAISE(ABORT, 'agents rows are frozen except active'); END;
`

// Init creates the schema and triggers. Safe to call repeatedly.
func (l *SQLiteLedger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, sqliteSchema)
	return err
}

// fmtTime writes a fixed-width UTC RFC 3339 timestamp (always nine
// fractional digits), so text order matches time order in ORDER BY and
// range filters.
func fmtTime(t time.Time) string { return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00") }

func parseTimeStrict(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Append inserts a manifest and its seal in a single transaction.
func (l *SQLiteLedger) Append(ctx context.Context, m Manifest, s Seal) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	paramsJSON, err := json.Marshal(m.Parameters)
	if err != nil {
		return fmt.Errorf("ledger: marshal parameters: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO manifests (manifest_id, created_at, agent_id, org_id, user_id, provider, method,
			parameters, reasoning, confidence_score, environment, raw_manifest, policy_version)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ManifestID, fmtTime(m.CreatedAt), m.AgentID, m.OrgID, nullString(m.UserID), m.Provider, m.Method,
		string(paramsJSON), m.Reasoning, m.ConfidenceScore, m.Environment, []byte(m.RawManifest), m.PolicyVersion,
	)
	if err != nil {
		return fmt.Errorf("ledger: insert manifest: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: rows affected: %w", err)
	}
	if rows == 0 {
		return ErrDuplicateID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO seals (seal_id, manifest_id, approved, policy_version, denial_reason,
			signature, public_key, issued_at, expires_at, was_executed, executed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.SealID, s.ManifestID, s.Approved, s.PolicyVersion, nullString(s.DenialReason),
		s.Signature, s.PublicKey, fmtTime(s.IssuedAt), fmtTime(s.ExpiresAt), s.WasExecuted, nullExecutedAt(s.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("ledger: insert seal: %w", err)
	}

	return tx.Commit()
}

func nullExecutedAt(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// MarkExecuted implements seal.ExecutionStore with the same conditional
// UPDATE pattern as PostgresLedger.
func (l *SQLiteLedger) MarkExecuted(ctx context.Context, sealID string, at time.Time) (bool, time.Time, error) {
	res, err := l.db.ExecContext(ctx,
		"UPDATE seals SET was_executed = 1, executed_at = ? WHERE seal_id = ? AND was_executed = 0",
		fmtTime(at), sealID)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("ledger: mark executed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("ledger: rows affected: %w", err)
	}
	if rows == 1 {
		return false, at, nil
	}

	wasExecuted, executedAt, err := l.ExecutionState(ctx, sealID)
	if err != nil {
		return false, time.Time{}, err
	}
	if !wasExecuted || executedAt == nil {
		return false, time.Time{}, fmt.Errorf("ledger: seal %s not found", sealID)
	}
	return true, *executedAt, nil
}

// ExecutionState reads (was_executed, executed_at) without mutating it.
func (l *SQLiteLedger) ExecutionState(ctx context.Context, sealID string) (bool, *time.Time, error) {
	var wasExecuted bool
	var executedAt sql.NullString
	err := l.db.QueryRowContext(ctx, "SELECT was_executed, executed_at FROM seals WHERE seal_id = ?", sealID).
		Scan(&wasExecuted, &executedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil, ErrNotFound
		}
		return false, nil, fmt.Errorf("ledger: execution state: %w", err)
	}
	if executedAt.Valid && executedAt.String != "" {
		t, err := parseTimeStrict(executedAt.String)
		if err != nil {
			return false, nil, fmt.Errorf("ledger: corrupt executed_at: %w", err)
		}
		return wasExecuted, &t, nil
	}
	return wasExecuted, nil, nil
}

// GetManifest fetches a single manifest by id.
func (l *SQLiteLedger) GetManifest(ctx context.Context, manifestID string) (Manifest, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT manifest_id, created_at, agent_id, org_id, user_id, provider, method,
			parameters, reasoning, confidence_score, environment, raw_manifest, policy_version
		FROM manifests WHERE manifest_id = ?`, manifestID)
	return scanSQLiteManifest(row)
}

// GetSeal fetches a single seal by id.
func (l *SQLiteLedger) GetSeal(ctx context.Context, sealID string) (Seal, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT seal_id, manifest_id, approved, policy_version, denial_reason, signature,
			public_key, issued_at, expires_at, was_executed, executed_at
		FROM seals WHERE seal_id = ?`, sealID)
	return scanSQLiteSeal(row)
}

func scanSQLiteManifest(row rowScanner) (Manifest, error) {
	var m Manifest
	var userID, reasoning, paramsJSON sql.NullString
	var confidence sql.NullFloat64
	var createdAt string
	var rawManifest []byte

	err := row.Scan(&m.ManifestID, &createdAt, &m.AgentID, &m.OrgID, &userID, &m.Provider, &m.Method,
		&paramsJSON, &reasoning, &confidence, &m.Environment, &rawManifest, &m.PolicyVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Manifest{}, ErrNotFound
		}
		return Manifest{}, fmt.Errorf("ledger: scan manifest: %w", err)
	}

	t, err := parseTimeStrict(createdAt)
	if err != nil {
		return Manifest{}, fmt.Errorf("ledger: corrupt created_at: %w", err)
	}
	m.CreatedAt = t
	m.UserID = userID.String
	m.Reasoning = reasoning.String
	if confidence.Valid {
		v := confidence.Float64
		m.ConfidenceScore = &v
	}
	m.RawManifest = rawManifest
	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &m.Parameters); err != nil {
			return Manifest{}, fmt.Errorf("ledger: corrupt parameters: %w", err)
		}
	}
	return m, nil
}

func scanSQLiteSeal(row rowScanner) (Seal, error) {
	var s Seal
	var denialReason, executedAt sql.NullString
	var issuedAt, expiresAt string

	err := row.Scan(&s.SealID, &s.ManifestID, &s.Approved, &s.PolicyVersion, &denialReason,
		&s.Signature, &s.PublicKey, &issuedAt, &expiresAt, &s.WasExecuted, &executedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Seal{}, ErrNotFound
		}
		return Seal{}, fmt.Errorf("ledger: scan seal: %w", err)
	}
	s.DenialReason = denialReason.String

	if s.IssuedAt, err = parseTimeStrict(issuedAt); err != nil {
		return Seal{}, fmt.Errorf("ledger: corrupt issued_at: %w", err)
	}
	if s.ExpiresAt, err = parseTimeStrict(expiresAt); err != nil {
		return Seal{}, fmt.Errorf("ledger: corrupt expires_at: %w", err)
	}
	if executedAt.Valid && executedAt.String != "" {
		t, err := parseTimeStrict(executedAt.String)
		if err != nil {
			return Seal{}, fmt.Errorf("ledger: corrupt executed_at: %w", err)
		}
		s.ExecutedAt = &t
	}
	return s, nil
}

// Query filters manifest+seal pairs, ordered by created_at descending.
func (l *SQLiteLedger) Query(ctx context.Context, f Filters, p Pagination) (QueryResult, error) {
	where, args := buildSQLiteWhere(f)
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}

	var total int
	countQuery := "SELECT count(*) FROM manifests m JOIN seals s ON s.manifest_id = m.manifest_id" + where
	if err := l.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return QueryResult{}, fmt.Errorf("ledger: count: %w", err)
	}

	query := `
		SELECT m.manifest_id, m.created_at, m.agent_id, m.org_id, m.user_id, m.provider, m.method,
			m.parameters, m.reasoning, m.confidence_score, m.environment, m.raw_manifest, m.policy_version,
			s.seal_id, s.approved, s.policy_version, s.denial_reason, s.signature, s.public_key,
			s.issued_at, s.expires_at, s.was_executed, s.executed_at
		FROM manifests m JOIN seals s ON s.manifest_id = m.manifest_id` + where +
		" ORDER BY m.created_at DESC LIMIT ? OFFSET ?"

	rows, err := l.db.QueryContext(ctx, query, append(append([]any{}, args...), limit, offset)...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("ledger: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var m Manifest
		var s Seal
		var userID, reasoning, paramsJSON, denialReason, executedAt sql.NullString
		var confidence sql.NullFloat64
		var createdAt, issuedAt, expiresAt string
		var rawManifest []byte

		err := rows.Scan(&m.ManifestID, &createdAt, &m.AgentID, &m.OrgID, &userID, &m.Provider, &m.Method,
			&paramsJSON, &reasoning, &confidence, &m.Environment, &rawManifest, &m.PolicyVersion,
			&s.SealID, &s.Approved, &s.PolicyVersion, &denialReason, &s.Signature, &s.PublicKey,
			&issuedAt, &expiresAt, &s.WasExecuted, &executedAt)
		if err != nil {
			return QueryResult{}, fmt.Errorf("ledger: scan row: %w", err)
		}

		if m.CreatedAt, err = parseTimeStrict(createdAt); err != nil {
			return QueryResult{}, fmt.Errorf("ledger: corrupt created_at: %w", err)
		}
		m.UserID = userID.String
		m.Reasoning = reasoning.String
		if confidence.Valid {
			v := confidence.Float64
			m.ConfidenceScore = &v
		}
		m.RawManifest = rawManifest
		if paramsJSON.Valid && paramsJSON.String != "" {
			_ = json.Unmarshal([]byte(paramsJSON.String), &m.Parameters)
		}

		s.ManifestID = m.ManifestID
		s.DenialReason = denialReason.String
		if s.IssuedAt, err = parseTimeStrict(issuedAt); err != nil {
			return QueryResult{}, fmt.Errorf("ledger: corrupt issued_at: %w", err)
		}
		if s.ExpiresAt, err = parseTimeStrict(expiresAt); err != nil {
			return QueryResult{}, fmt.Errorf("ledger: corrupt expires_at: %w", err)
		}
		if executedAt.Valid && executedAt.String != "" {
			t, err := parseTimeStrict(executedAt.String)
			if err != nil {
				return QueryResult{}, fmt.Errorf("ledger: corrupt executed_at: %w", err)
			}
			s.ExecutedAt = &t
		}

		records = append(records, Record{Manifest: m, Seal: s})
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("ledger: rows: %w", err)
	}

	return QueryResult{Total: total, Records: records}, nil
}

// Stats aggregates approval counts, per-provider breakdown, top agents by
// volume, and denial reasons over the filtered window.
func (l *SQLiteLedger) Stats(ctx context.Context, f Filters) (Stats, error) {
	where, args := buildSQLiteWhere(f)

	var total, approved int
	err := l.db.QueryRowContext(ctx,
		"SELECT count(*), count(*) FILTER (WHERE s.approved = 1) FROM manifests m JOIN seals s ON s.manifest_id = m.manifest_id"+where,
		args...,
	).Scan(&total, &approved)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger: stats totals: %w", err)
	}

	stats := Stats{
		Total:           total,
		Approved:        approved,
		Denied:          total - approved,
		ByProvider:      map[string]int{},
		DenialsByReason: map[string]int{},
	}
	if total > 0 {
		stats.ApprovalRate = float64(approved) / float64(total)
	}

	providerRows, err := l.db.QueryContext(ctx,
		"SELECT m.provider, count(*) FROM manifests m JOIN seals s ON s.manifest_id = m.manifest_id"+where+" GROUP BY m.provider",
		args...,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger: stats by provider: %w", err)
	}
	defer func() { _ = providerRows.Close() }()
	for providerRows.Next() {
		var provider string
		var count int
		if err := providerRows.Scan(&provider, &count); err != nil {
			return Stats{}, fmt.Errorf("ledger: scan provider stats: %w", err)
		}
		stats.ByProvider[provider] = count
	}

	agentRows, err := l.db.QueryContext(ctx,
		"SELECT m.agent_id, count(*) c FROM manifests m JOIN seals s ON s.manifest_id = m.manifest_id"+where+
			" GROUP BY m.agent_id ORDER BY c DESC LIMIT 10",
		args...,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger: stats top agents: %w", err)
	}
	defer func() { _ = agentRows.Close() }()
	for agentRows.Next() {
		var ac AgentCount
		if err := agentRows.Scan(&ac.AgentID, &ac.Count); err != nil {
			return Stats{}, fmt.Errorf("ledger: scan agent stats: %w", err)
		}
		stats.TopAgents = append(stats.TopAgents, ac)
	}

	reasonWhere := where
	if reasonWhere == "" {
		reasonWhere = " WHERE s.denial_reason IS NOT NULL"
	} else {
		reasonWhere += " AND s.denial_reason IS NOT NULL"
	}
	reasonRows, err := l.db.QueryContext(ctx,
		"SELECT s.denial_reason, count(*) FROM manifests m JOIN seals s ON s.manifest_id = m.manifest_id"+reasonWhere+" GROUP BY s.denial_reason",
		args...,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger: stats denial reasons: %w", err)
	}
	defer func() { _ = reasonRows.Close() }()
	for reasonRows.Next() {
		var reason string
		var count int
		if err := reasonRows.Scan(&reason, &count); err != nil {
			return Stats{}, fmt.Errorf("ledger: scan denial reasons: %w", err)
		}
		stats.DenialsByReason[reason] = count
	}

	return stats, nil
}

func buildSQLiteWhere(f Filters) (string, []any) {
	var clauses []string
	var args []any

	if f.OrgID != "" {
		clauses = append(clauses, "m.org_id = ?")
		args = append(args, f.OrgID)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "m.agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Provider != "" {
		clauses = append(clauses, "m.provider = ?")
		args = append(args, f.Provider)
	}
	if f.Approved != nil {
		clauses = append(clauses, "s.approved = ?")
		args = append(args, *f.Approved)
	}
	if f.CreatedFrom != nil {
		clauses = append(clauses, "m.created_at >= ?")
		args = append(args, fmtTime(*f.CreatedFrom))
	}
	if f.CreatedTo != nil {
		clauses = append(clauses, "m.created_at <= ?")
		args = append(args, fmtTime(*f.CreatedTo))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// RegisterOrg inserts a new organization, active by default.
func (l *SQLiteLedger) RegisterOrg(ctx context.Context, o Organization) error {
	res, err := l.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO organizations (org_id, name, contact_email, created_at, active) VALUES (?,?,?,?,1)",
		o.OrgID, o.Name, nullString(o.ContactEmail), fmtTime(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("ledger: register org: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrDuplicateOrg
	}
	return nil
}

// GetOrg fetches a single organization by id.
func (l *SQLiteLedger) GetOrg(ctx context.Context, orgID string) (Organization, error) {
	var o Organization
	var contact sql.NullString
	var createdAt string
	var active bool
	err := l.db.QueryRowContext(ctx,
		"SELECT org_id, name, contact_email, created_at, active FROM organizations WHERE org_id = ?", orgID,
	).Scan(&o.OrgID, &o.Name, &contact, &createdAt, &active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Organization{}, ErrNotFound
		}
		return Organization{}, fmt.Errorf("ledger: get org: %w", err)
	}
	o.ContactEmail = contact.String
	o.Active = active
	if o.CreatedAt, err = parseTimeStrict(createdAt); err != nil {
		return Organization{}, fmt.Errorf("ledger: corrupt created_at: %w", err)
	}
	return o, nil
}

// SetOrgActive is the only mutation organizations permit after creation.
func (l *SQLiteLedger) SetOrgActive(ctx context.Context, orgID string, active bool) error {
	res, err := l.db.ExecContext(ctx, "UPDATE organizations SET active = ? WHERE org_id = ?", active, orgID)
	if err != nil {
		return fmt.Errorf("ledger: set org active: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RegisterAgent inserts a new agent scoped to an existing organization.
func (l *SQLiteLedger) RegisterAgent(ctx context.Context, a Agent) error {
	res, err := l.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO agents (agent_id, org_id, name, description, api_key_hash, created_at, active) VALUES (?,?,?,?,?,?,1)",
		a.AgentID, a.OrgID, a.Name, nullString(a.Description), nullString(a.APIKeyHash), fmtTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("ledger: register agent: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrDuplicateAgent
	}
	return nil
}

// GetAgent fetches a single agent by id.
func (l *SQLiteLedger) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var a Agent
	var description, apiKeyHash sql.NullString
	var createdAt string
	err := l.db.QueryRowContext(ctx,
		"SELECT agent_id, org_id, name, description, api_key_hash, created_at, active FROM agents WHERE agent_id = ?", agentID,
	).Scan(&a.AgentID, &a.OrgID, &a.Name, &description, &apiKeyHash, &createdAt, &a.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, fmt.Errorf("ledger: get agent: %w", err)
	}
	a.Description = description.String
	a.APIKeyHash = apiKeyHash.String
	if a.CreatedAt, err = parseTimeStrict(createdAt); err != nil {
		return Agent{}, fmt.Errorf("ledger: corrupt created_at: %w", err)
	}
	return a, nil
}

// ListAgentsByOrg lists every agent registered to an organization.
func (l *SQLiteLedger) ListAgentsByOrg(ctx context.Context, orgID string) ([]Agent, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT agent_id, org_id, name, description, api_key_hash, created_at, active FROM agents WHERE org_id = ? ORDER BY created_at", orgID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	agents := make([]Agent, 0)
	for rows.Next() {
		var a Agent
		var description, apiKeyHash sql.NullString
		var createdAt string
		if err := rows.Scan(&a.AgentID, &a.OrgID, &a.Name, &description, &apiKeyHash, &createdAt, &a.Active); err != nil {
			return nil, fmt.Errorf("ledger: scan agent: %w", err)
		}
		a.Description = description.String
		a.APIKeyHash = apiKeyHash.String
		if a.CreatedAt, err = parseTimeStrict(createdAt); err != nil {
			return nil, fmt.Errorf("ledger: corrupt created_at: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// SetAgentActive is the only mutation agents permit after creation.
func (l *SQLiteLedger) SetAgentActive(ctx context.Context, agentID string, active bool) error {
	res, err := l.db.ExecContext(ctx, "UPDATE agents SET active = ? WHERE agent_id = ?", active, agentID)
	if err != nil {
		return fmt.Errorf("ledger: set agent active: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordAuthEvent appends a forensic record.
func (l *SQLiteLedger) RecordAuthEvent(ctx context.Context, e AuthEvent) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO auth_events (event_id, event_type, agent_id, org_id, endpoint, ip, success, failure_reason, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		e.EventID, e.EventType, nullString(e.AgentID), nullString(e.OrgID), nullString(e.Endpoint),
		nullString(e.IP), e.Success, nullString(e.FailureReason), fmtTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("ledger: record auth event: %w", err)
	}
	return nil
}
