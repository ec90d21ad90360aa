package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresLedger is the durable SQL-backed implementation of the audit
// ledger. Immutability is enforced with triggers created by Init, not by
// withholding UPDATE/DELETE statements in application code: immutability
// is a property of the store, not the application.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger wraps an already-open *sql.DB (driver "postgres" via
// github.com/lib/pq).
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Ping reports whether the underlying connection pool can reach Postgres,
// for liveness/readiness checks; it does not touch ledger tables.
func (l *PostgresLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS organizations (
	org_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	contact_email TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL REFERENCES organizations(org_id),
	name TEXT NOT NULL,
	description TEXT,
	api_key_hash TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS manifests (
	manifest_id TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	agent_id TEXT NOT NULL,
	org_id TEXT NOT NULL,
	user_id TEXT,
	provider TEXT NOT NULL,
	method TEXT NOT NULL,
	parameters JSONB,
	reasoning TEXT,
	confidence_score DOUBLE PRECISION,
	environment TEXT NOT NULL,
	raw_manifest JSONB,
	policy_version TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_manifests_agent_id ON manifests(agent_id);
CREATE INDEX IF NOT EXISTS idx_manifests_org_id ON manifests(org_id);
CREATE INDEX IF NOT EXISTS idx_manifests_created_at ON manifests(created_at);
CREATE INDEX IF NOT EXISTS idx_manifests_provider ON manifests(provider);
CREATE INDEX IF NOT EXISTS idx_manifests_environment ON manifests(environment);

CREATE TABLE IF NOT EXISTS seals (
	seal_id TEXT PRIMARY KEY,
	manifest_id TEXT NOT NULL REFERENCES manifests(manifest_id),
	approved BOOLEAN NOT NULL,
	policy_version TEXT NOT NULL,
	denial_reason TEXT,
	signature TEXT NOT NULL,
	public_key TEXT NOT NULL,
	issued_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	was_executed BOOLEAN NOT NULL DEFAULT FALSE,
	executed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_seals_manifest_id ON seals(manifest_id);
CREATE INDEX IF NOT EXISTS idx_seals_approved ON seals(approved);
CREATE INDEX IF NOT EXISTS idx_seals_issued_at ON seals(issued_at);

CREATE TABLE IF NOT EXISTS auth_events (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	agent_id TEXT,
	org_id TEXT,
	endpoint TEXT,
	ip TEXT,
	success BOOLEAN NOT NULL,
	failure_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE OR REPLACE FUNCTION reject_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION '% rows are append-only', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS manifests_immutable ON manifests;
CREATE TRIGGER manifests_immutable
	BEFORE UPDATE OR DELETE ON manifests
	FOR EACH ROW EXECUTE FUNCTION reject_mutation();

DROP TRIGGER IF EXISTS auth_events_immutable ON auth_events;
CREATE TRIGGER auth_events_immutable
	BEFORE UPDATE OR DELETE ON auth_events
	FOR EACH ROW EXECUTE FUNCTION reject_mutation();

CREATE OR REPLACE FUNCTION reject_delete() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION '% rows cannot be deleted', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS seals_no_delete ON seals;
CREATE TRIGGER seals_no_delete
	BEFORE DELETE ON seals
	FOR EACH ROW EXECUTE FUNCTION reject_delete();

CREATE OR REPLACE FUNCTION seals_guard_update() RETURNS trigger AS $$
BEGIN
	IF NEW.manifest_id <> OLD.manifest_id OR NEW.approved <> OLD.approved
		OR NEW.policy_version <> OLD.policy_version OR NEW.signature <> OLD.signature
		OR NEW.public_key <> OLD.public_key OR NEW.issued_at <> OLD.issued_at
		OR NEW.expires_at <> OLD.expires_at
		OR NEW.denial_reason IS DISTINCT FROM OLD.denial_reason THEN
		RAISE EXCEPTION 'seals rows are frozen except (was_executed, executed_at)';
	END IF;
	IF OLD.was_executed AND NOT NEW.was_executed THEN
		RAISE EXCEPTION 'was_executed cannot revert to false';
	END IF;
	IF OLD.was_executed AND NEW.executed_at IS DISTINCT FROM OLD.executed_at THEN
		RAISE EXCEPTION 'executed_at is fixed once a seal is executed';
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS seals_guarded_update ON seals;
CREATE TRIGGER seals_guarded_update
	BEFORE UPDATE ON seals
	FOR EACH ROW EXECUTE FUNCTION seals_guard_update();

CREATE OR REPLACE FUNCTION orgs_guard_update() RETURNS trigger AS $$
BEGIN
	IF NEW.org_id <> OLD.org_id OR NEW.name <> OLD.name OR NEW.contact_email IS DISTINCT FROM OLD.contact_email
		OR NEW.created_at <> OLD.created_at THEN
		RAISE EXCEPTION 'organizations rows are frozen except active';
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS orgs_guarded_update ON organizations;
CREATE TRIGGER orgs_guarded_update
	BEFORE UPDATE ON organizations
	FOR EACH ROW EXECUTE FUNCTION orgs_guard_update();

CREATE OR REPLACE FUNCTION agents_guard_update() RETURNS trigger AS $$
BEGIN
	IF NEW.agent_id <> OLD.agent_id OR NEW.org_id <> OLD.org_id OR NEW.name <> OLD.name
		OR NEW.description IS DISTINCT FROM OLD.description
		OR NEW.api_key_hash IS DISTINCT FROM OLD.api_key_hash OR NEW.created_at <> OLD.created_at THEN
		RAISE EXCEPTION 'agents rows are frozen except active';
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS agents_guarded_update ON agents;
CREATE TRIGGER agents_guarded_update
	BEFORE UPDATE ON agents
	FOR EACH ROW EXECUTE FUNCTION agents_guard_update();
`

// Init creates the schema and its immutability triggers. Safe to call
// repeatedly at startup.
func (l *PostgresLedger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, pgSchema)
	return err
}

// Append inserts a manifest and its seal in a single transaction. If the
// manifest_id already exists, it returns ErrDuplicateID; the ledger
// rejects the collision and the orchestrator regenerates and retries once.
func (l *PostgresLedger) Append(ctx context.Context, m Manifest, s Seal) error {
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
		INSERT INTO manifests (manifest_id, created_at, agent_id, org_id, user_id, provider, method,
			parameters, reasoning, confidence_score, environment, raw_manifest, policy_version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (manifest_id) DO NOTHING`,
		m.ManifestID, m.CreatedAt, m.AgentID, m.OrgID, nullString(m.UserID), m.Provider, m.Method,
		paramsJSON, m.Reasoning, m.ConfidenceScore, m.Environment, []byte(m.RawManifest), m.PolicyVersion,
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
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		s.SealID, s.ManifestID, s.Approved, s.PolicyVersion, nullString(s.DenialReason),
		s.Signature, s.PublicKey, s.IssuedAt, s.ExpiresAt, s.WasExecuted, s.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("ledger: insert seal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

// MarkExecuted implements seal.ExecutionStore via the conditional update
// `WHERE was_executed=false`, the single-statement compare-and-swap that
// makes mark_executed serialize correctly under concurrent callers.
func (l *PostgresLedger) MarkExecuted(ctx context.Context, sealID string, at time.Time) (bool, time.Time, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE seals SET was_executed = TRUE, executed_at = $1
		WHERE seal_id = $2 AND was_executed = FALSE`, at, sealID)
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
func (l *PostgresLedger) ExecutionState(ctx context.Context, sealID string) (bool, *time.Time, error) {
	var wasExecuted bool
	var executedAt sql.NullTime
	err := l.db.QueryRowContext(ctx, `SELECT was_executed, executed_at FROM seals WHERE seal_id = $1`, sealID).
		Scan(&wasExecuted, &executedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil, ErrNotFound
		}
		return false, nil, fmt.Errorf("ledger: execution state: %w", err)
	}
	if executedAt.Valid {
		return wasExecuted, &executedAt.Time, nil
	}
	return wasExecuted, nil, nil
}

// GetManifest fetches a single manifest by id.
func (l *PostgresLedger) GetManifest(ctx context.Context, manifestID string) (Manifest, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT manifest_id, created_at, agent_id, org_id, user_id, provider, method,
			parameters, reasoning, confidence_score, environment, raw_manifest, policy_version
		FROM manifests WHERE manifest_id = $1`, manifestID)
	return scanManifest(row)
}

// GetSeal fetches a single seal by id.
func (l *PostgresLedger) GetSeal(ctx context.Context, sealID string) (Seal, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT seal_id, manifest_id, approved, policy_version, denial_reason, signature,
			public_key, issued_at, expires_at, was_executed, executed_at
		FROM seals WHERE seal_id = $1`, sealID)
	return scanSeal(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManifest(row rowScanner) (Manifest, error) {
	var m Manifest
	var userID, reasoning sql.NullString
	var confidence sql.NullFloat64
	var paramsJSON, rawManifest []byte

	err := row.Scan(&m.ManifestID, &m.CreatedAt, &m.AgentID, &m.OrgID, &userID, &m.Provider, &m.Method,
		&paramsJSON, &reasoning, &confidence, &m.Environment, &rawManifest, &m.PolicyVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Manifest{}, ErrNotFound
		}
		return Manifest{}, fmt.Errorf("ledger: scan manifest: %w", err)
	}

	m.UserID = userID.String
	m.Reasoning = reasoning.String
	if confidence.Valid {
		v := confidence.Float64
		m.ConfidenceScore = &v
	}
	m.RawManifest = rawManifest
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &m.Parameters); err != nil {
			return Manifest{}, fmt.Errorf("ledger: corrupt parameters: %w", err)
		}
	}
	return m, nil
}

func scanSeal(row rowScanner) (Seal, error) {
	var s Seal
	var denialReason sql.NullString
	var executedAt sql.NullTime

	err := row.Scan(&s.SealID, &s.ManifestID, &s.Approved, &s.PolicyVersion, &denialReason,
		&s.Signature, &s.PublicKey, &s.IssuedAt, &s.ExpiresAt, &s.WasExecuted, &executedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Seal{}, ErrNotFound
		}
		return Seal{}, fmt.Errorf("ledger: scan seal: %w", err)
	}
	s.DenialReason = denialReason.String
	if executedAt.Valid {
		s.ExecutedAt = &executedAt.Time
	}
	return s, nil
}

// Query filters manifest+seal pairs, ordered by created_at descending.
func (l *PostgresLedger) Query(ctx context.Context, f Filters, p Pagination) (QueryResult, error) {
	where, args := buildWhere(f)
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
		fmt.Sprintf(" ORDER BY m.created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)

	rows, err := l.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("ledger: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var m Manifest
		var s Seal
		var userID, reasoning, denialReason sql.NullString
		var confidence sql.NullFloat64
		var paramsJSON, rawManifest []byte
		var executedAt sql.NullTime

		err := rows.Scan(&m.ManifestID, &m.CreatedAt, &m.AgentID, &m.OrgID, &userID, &m.Provider, &m.Method,
			&paramsJSON, &reasoning, &confidence, &m.Environment, &rawManifest, &m.PolicyVersion,
			&s.SealID, &s.Approved, &s.PolicyVersion, &denialReason, &s.Signature, &s.PublicKey,
			&s.IssuedAt, &s.ExpiresAt, &s.WasExecuted, &executedAt)
		if err != nil {
			return QueryResult{}, fmt.Errorf("ledger: scan row: %w", err)
		}

		m.UserID = userID.String
		m.Reasoning = reasoning.String
		if confidence.Valid {
			v := confidence.Float64
			m.ConfidenceScore = &v
		}
		m.RawManifest = rawManifest
		if len(paramsJSON) > 0 {
			_ = json.Unmarshal(paramsJSON, &m.Parameters)
		}
		s.ManifestID = m.ManifestID
		s.DenialReason = denialReason.String
		if executedAt.Valid {
			s.ExecutedAt = &executedAt.Time
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
func (l *PostgresLedger) Stats(ctx context.Context, f Filters) (Stats, error) {
	where, args := buildWhere(f)

	var total, approved int
	err := l.db.QueryRowContext(ctx,
		"SELECT count(*), count(*) FILTER (WHERE s.approved) FROM manifests m JOIN seals s ON s.manifest_id = m.manifest_id"+where,
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

// buildWhere renders Filters into a SQL WHERE clause against the aliases
// used by Query/Stats (m for manifests, s for seals).
func buildWhere(f Filters) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.OrgID != "" {
		add("m.org_id = $%d", f.OrgID)
	}
	if f.AgentID != "" {
		add("m.agent_id = $%d", f.AgentID)
	}
	if f.Provider != "" {
		add("m.provider = $%d", f.Provider)
	}
	if f.Approved != nil {
		add("s.approved = $%d", *f.Approved)
	}
	if f.CreatedFrom != nil {
		add("m.created_at >= $%d", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		add("m.created_at <= $%d", *f.CreatedTo)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
