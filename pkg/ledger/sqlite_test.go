package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l := NewSQLiteLedger(db)
	require.NoError(t, l.Init(context.Background()))
	return l
}

func sampleManifest(id string) Manifest {
	return Manifest{
		ManifestID:    id,
		CreatedAt:     time.Now().UTC(),
		AgentID:       "agent-1",
		OrgID:         "org-1",
		Provider:      "stripe",
		Method:        "create_payment",
		Parameters:    map[string]any{"amount": 42.0},
		Reasoning:     "paying invoice",
		Environment:   "production",
		RawManifest:   []byte(`{"provider":"stripe"}`),
		PolicyVersion: "v1",
	}
}

func sampleSeal(manifestID string) Seal {
	now := time.Now().UTC()
	return Seal{
		SealID:        "seal-" + manifestID,
		ManifestID:    manifestID,
		Approved:      true,
		PolicyVersion: "v1",
		Signature:     "deadbeef",
		PublicKey:     "cafebabe",
		IssuedAt:      now,
		ExpiresAt:     now.Add(5 * time.Minute),
	}
}

func TestAppend_ThenGet(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	m := sampleManifest("m-1")
	s := sampleSeal("m-1")
	require.NoError(t, l.Append(ctx, m, s))

	got, err := l.GetManifest(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "stripe", got.Provider)
	assert.Equal(t, 42.0, got.Parameters["amount"])

	gotSeal, err := l.GetSeal(ctx, "seal-m-1")
	require.NoError(t, err)
	assert.True(t, gotSeal.Approved)
	assert.False(t, gotSeal.WasExecuted)
}

func TestAppend_DuplicateManifestIDRejected(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	m := sampleManifest("m-dup")
	require.NoError(t, l.Append(ctx, m, sampleSeal("m-dup")))

	m2 := sampleManifest("m-dup")
	err := l.Append(ctx, m2, Seal{SealID: "seal-other", ManifestID: "m-dup", Signature: "x", PublicKey: "y",
		IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestManifests_AreImmutable(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, sampleManifest("m-2"), sampleSeal("m-2")))

	_, err := l.db.ExecContext(ctx, "UPDATE manifests SET provider = 'github' WHERE manifest_id = ?", "m-2")
	assert.Error(t, err)

	_, err = l.db.ExecContext(ctx, "DELETE FROM manifests WHERE manifest_id = ?", "m-2")
	assert.Error(t, err)
}

func TestSeals_OnlyExecutionFieldsMutable(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, sampleManifest("m-3"), sampleSeal("m-3")))

	_, err := l.db.ExecContext(ctx, "UPDATE seals SET approved = 0 WHERE seal_id = ?", "seal-m-3")
	assert.Error(t, err, "approved must be frozen after insert")

	_, err = l.db.ExecContext(ctx, "UPDATE seals SET was_executed = 1, executed_at = ? WHERE seal_id = ?",
		fmtTime(time.Now()), "seal-m-3")
	assert.NoError(t, err, "was_executed transition is the one allowed mutation")
}

func TestMarkExecuted_OneTimeUseViaStore(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, sampleManifest("m-4"), sampleSeal("m-4")))

	at := time.Now().UTC().Truncate(time.Second)
	wasAlready, executedAt, err := l.MarkExecuted(ctx, "seal-m-4", at)
	require.NoError(t, err)
	assert.False(t, wasAlready)
	assert.WithinDuration(t, at, executedAt, time.Second)

	wasAlready2, executedAt2, err := l.MarkExecuted(ctx, "seal-m-4", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, wasAlready2)
	assert.Equal(t, executedAt.Unix(), executedAt2.Unix())
}

func TestQuery_FiltersAndPagination(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := "m-q-" + string(rune('a'+i))
		m := sampleManifest(id)
		if i%2 == 0 {
			m.Provider = "github"
		}
		require.NoError(t, l.Append(ctx, m, sampleSeal(id)))
	}

	res, err := l.Query(ctx, Filters{Provider: "github"}, Pagination{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	for _, r := range res.Records {
		assert.Equal(t, "github", r.Manifest.Provider)
	}

	page, err := l.Query(ctx, Filters{}, Pagination{Limit: 2, Offset: 0})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Len(t, page.Records, 2)
}

func TestStats_ApprovalRateAndBreakdowns(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	approved := sampleManifest("m-s1")
	require.NoError(t, l.Append(ctx, approved, sampleSeal("m-s1")))

	denied := sampleManifest("m-s2")
	deniedSeal := sampleSeal("m-s2")
	deniedSeal.Approved = false
	deniedSeal.DenialReason = "amount exceeds limit"
	require.NoError(t, l.Append(ctx, denied, deniedSeal))

	stats, err := l.Stats(ctx, Filters{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Approved)
	assert.Equal(t, 1, stats.Denied)
	assert.InDelta(t, 0.5, stats.ApprovalRate, 0.001)
	assert.Equal(t, 1, stats.DenialsByReason["amount exceeds limit"])
	assert.Equal(t, 2, stats.ByProvider["stripe"])
}

func TestIdentity_RegisterAndDeactivate(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	org := Organization{OrgID: "org-x", Name: "Acme", ContactEmail: "ops@acme.test", CreatedAt: time.Now()}
	require.NoError(t, l.RegisterOrg(ctx, org))
	require.ErrorIs(t, l.RegisterOrg(ctx, org), ErrDuplicateOrg)

	agent := Agent{AgentID: "agent-x", OrgID: "org-x", Name: "bot-1", CreatedAt: time.Now()}
	require.NoError(t, l.RegisterAgent(ctx, agent))

	got, err := l.GetAgent(ctx, "agent-x")
	require.NoError(t, err)
	assert.True(t, got.Active)

	require.NoError(t, l.SetAgentActive(ctx, "agent-x", false))
	got2, err := l.GetAgent(ctx, "agent-x")
	require.NoError(t, err)
	assert.False(t, got2.Active)

	agents, err := l.ListAgentsByOrg(ctx, "org-x")
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestRecordAuthEvent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	err := l.RecordAuthEvent(ctx, AuthEvent{
		EventID: "evt-1", EventType: EventManifestAuthFail, AgentID: "agent-1", OrgID: "org-1",
		Success: false, FailureReason: "org mismatch", CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	_, err = l.db.ExecContext(ctx, "UPDATE auth_events SET success = 1 WHERE event_id = ?", "evt-1")
	assert.Error(t, err)
}
