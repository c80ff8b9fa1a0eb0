package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gavelhq/gavel/internal/ledger"
)

const testPolicyVersion = "1.0.0"

// escalate appends an INBOUND_INTENT followed by a POLICY_EVAL:ESCALATED
// referencing it, and returns the intent event id.
func escalate(t *testing.T, ctx context.Context, l *ledger.MemoryLedger, actorID, actionType, content string) string {
	t.Helper()
	intent, err := l.Append(ctx, actorID, ledger.ActionInboundIntent, map[string]interface{}{
		"action_type": actionType,
		"content":     content,
	}, testPolicyVersion)
	require.NoError(t, err)

	_, err = l.Append(ctx, actorID, ledger.ActionPolicyEvalEscalated, map[string]interface{}{
		"intent_event_id": intent.ID,
		"risk_score":      0.9,
	}, testPolicyVersion)
	require.NoError(t, err)

	return intent.ID
}

func newClock(start time.Time) (*time.Time, func() time.Time) {
	t := start
	return &t, func() time.Time { return t }
}

func TestRegistry_StateMachineBoundaries(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now, clockFn := newClock(start)

	l := ledger.NewMemoryLedger().WithClock(clockFn)
	reg := NewRegistry(l, time.Hour).WithClock(clockFn)

	intentID := escalate(t, ctx, l, "agent-1", "bash", "rm -rf /tmp/x")

	state, err := reg.State(ctx, intentID)
	require.NoError(t, err)
	require.Equal(t, PendingReview, state)

	*now = start.Add(299 * time.Second)
	state, err = reg.State(ctx, intentID)
	require.NoError(t, err)
	require.Equal(t, PendingReview, state)

	*now = start.Add(300 * time.Second)
	state, err = reg.State(ctx, intentID)
	require.NoError(t, err)
	require.Equal(t, HumanRequired, state)

	*now = start.Add(3600 * time.Second)
	state, err = reg.State(ctx, intentID)
	require.NoError(t, err)
	require.Equal(t, HumanRequired, state, "exactly at the ttl boundary is still HUMAN_REQUIRED, not yet timed out")

	*now = start.Add(3601 * time.Second)
	state, err = reg.State(ctx, intentID)
	require.NoError(t, err)
	require.Equal(t, AutoDeniedTimeout, state)
}

func TestRegistry_GrantThenStateResolved(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, clockFn := newClock(start)

	l := ledger.NewMemoryLedger().WithClock(clockFn)
	reg := NewRegistry(l, time.Hour).WithClock(clockFn)

	intentID := escalate(t, ctx, l, "agent-1", "bash", "sudo rm -rf /")

	grant, err := reg.Grant(ctx, intentID, "policy-evt", "human:alice")
	require.NoError(t, err)
	require.Equal(t, ledger.ActionHumanApprovalGranted, grant.ActionType)

	state, err := reg.State(ctx, intentID)
	require.NoError(t, err)
	require.Equal(t, Resolved, state)

	_, err = reg.Grant(ctx, intentID, "policy-evt", "human:bob")
	require.ErrorIs(t, err, ErrAlreadyResolved)
}

// A grant, once consumed, is one-shot: a later retry of the same intent
// fingerprint finds nothing left to consume.
func TestRegistry_ConsumeIfValid_OneShot(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, clockFn := newClock(start)

	l := ledger.NewMemoryLedger().WithClock(clockFn)
	reg := NewRegistry(l, time.Hour).WithClock(clockFn)

	intentID := escalate(t, ctx, l, "agent-1", "bash", "  deploy staging  ")
	_, err := reg.Grant(ctx, intentID, "policy-evt", "human:alice")
	require.NoError(t, err)

	fp := NewFingerprint("agent-1", "bash", "deploy staging")

	retry, err := l.Append(ctx, "agent-1", ledger.ActionInboundIntent, map[string]interface{}{
		"action_type": "bash",
		"content":     "deploy staging",
	}, testPolicyVersion)
	require.NoError(t, err)

	consumed, err := reg.ConsumeIfValid(ctx, fp, retry.ID)
	require.NoError(t, err)
	require.NotNil(t, consumed)
	require.Equal(t, ledger.ActionApprovalConsumed, consumed.ActionType)

	retry2, err := l.Append(ctx, "agent-1", ledger.ActionInboundIntent, map[string]interface{}{
		"action_type": "bash",
		"content":     "deploy staging",
	}, testPolicyVersion)
	require.NoError(t, err)

	consumedAgain, err := reg.ConsumeIfValid(ctx, fp, retry2.ID)
	require.NoError(t, err)
	require.Nil(t, consumedAgain, "a grant may be consumed only once")
}

// A grant is actor-scoped: it cannot be consumed by a different actor's
// retry of the same action_type and content.
func TestRegistry_ConsumeIfValid_ActorScoped(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, clockFn := newClock(start)

	l := ledger.NewMemoryLedger().WithClock(clockFn)
	reg := NewRegistry(l, time.Hour).WithClock(clockFn)

	intentID := escalate(t, ctx, l, "agent-1", "bash", "deploy staging")
	_, err := reg.Grant(ctx, intentID, "policy-evt", "human:alice")
	require.NoError(t, err)

	otherFP := NewFingerprint("agent-2", "bash", "deploy staging")
	retry, err := l.Append(ctx, "agent-2", ledger.ActionInboundIntent, map[string]interface{}{
		"action_type": "bash",
		"content":     "deploy staging",
	}, testPolicyVersion)
	require.NoError(t, err)

	consumed, err := reg.ConsumeIfValid(ctx, otherFP, retry.ID)
	require.NoError(t, err)
	require.Nil(t, consumed, "a different actor must not be able to consume agent-1's grant")
}

// A grant older than the registry ttl is no longer consumable.
func TestRegistry_ConsumeIfValid_ExpiredGrantInvisible(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now, clockFn := newClock(start)

	l := ledger.NewMemoryLedger().WithClock(clockFn)
	reg := NewRegistry(l, time.Hour).WithClock(clockFn)

	intentID := escalate(t, ctx, l, "agent-1", "bash", "deploy staging")
	_, err := reg.Grant(ctx, intentID, "policy-evt", "human:alice")
	require.NoError(t, err)

	*now = start.Add(time.Hour + time.Second)

	fp := NewFingerprint("agent-1", "bash", "deploy staging")
	retry, err := l.Append(ctx, "agent-1", ledger.ActionInboundIntent, map[string]interface{}{
		"action_type": "bash",
		"content":     "deploy staging",
	}, testPolicyVersion)
	require.NoError(t, err)

	consumed, err := reg.ConsumeIfValid(ctx, fp, retry.ID)
	require.NoError(t, err)
	require.Nil(t, consumed, "an expired grant must not be consumable")
}

// Denial is exclusive: a later grant cannot undo an earlier denial's
// blocking effect on consumption, and once denied the intent can't also be
// granted.
func TestRegistry_Deny_BlocksFurtherResolution(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, clockFn := newClock(start)

	l := ledger.NewMemoryLedger().WithClock(clockFn)
	reg := NewRegistry(l, time.Hour).WithClock(clockFn)

	intentID := escalate(t, ctx, l, "agent-1", "bash", "deploy prod")

	denial, err := reg.Deny(ctx, intentID, "policy-evt", "too risky", "human:alice")
	require.NoError(t, err)
	require.Equal(t, ledger.ActionHumanDenial, denial.ActionType)

	state, err := reg.State(ctx, intentID)
	require.NoError(t, err)
	require.Equal(t, Resolved, state)

	_, err = reg.Grant(ctx, intentID, "policy-evt", "human:bob")
	require.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestRegistry_CheckTimeouts_AppendsAutoDeniedOnlyPastTTL(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now, clockFn := newClock(start)

	l := ledger.NewMemoryLedger().WithClock(clockFn)
	reg := NewRegistry(l, time.Hour).WithClock(clockFn)

	stale := escalate(t, ctx, l, "agent-1", "bash", "rm -rf /data")
	fresh := escalate(t, ctx, l, "agent-2", "bash", "rm -rf /tmp/cache")

	*now = start.Add(2 * time.Hour)

	appended, err := reg.CheckTimeouts(ctx)
	require.NoError(t, err)
	require.Len(t, appended, 2, "both escalated intents are now past ttl")

	staleState, err := reg.State(ctx, stale)
	require.NoError(t, err)
	require.Equal(t, Resolved, staleState)

	freshState, err := reg.State(ctx, fresh)
	require.NoError(t, err)
	require.Equal(t, Resolved, freshState)

	again, err := reg.CheckTimeouts(ctx)
	require.NoError(t, err)
	require.Empty(t, again, "already-resolved intents must not be timed out twice")
}

func TestNormalize_TrimsAndNFCs(t *testing.T) {
	require.Equal(t, "deploy staging", Normalize("  deploy staging  "))
}
