package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedger_GenesisAndChain(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	first, err := l.Append(ctx, "agent:a", ActionInboundIntent, map[string]interface{}{"x": 1}, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, first.PreviousEventHash)

	second, err := l.Append(ctx, "agent:a", ActionPolicyEvalApproved, map[string]interface{}{"x": 2}, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, first.EventHash, second.PreviousEventHash)

	result, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, result.ChainValid)
	assert.Equal(t, 2, result.TotalEvents)
	assert.Nil(t, result.BreakAt)
}

func TestMemoryLedger_VerifyDetectsTamper(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	first, err := l.Append(ctx, "agent:a", ActionInboundIntent, map[string]interface{}{"cmd": "ls"}, "1.0.0")
	require.NoError(t, err)
	_, err = l.Append(ctx, "agent:a", ActionPolicyEvalApproved, map[string]interface{}{}, "1.0.0")
	require.NoError(t, err)

	ok := l.Tamper(first.ID, func(e *AuditEvent) { e.ActorID = "agent:evil" })
	require.True(t, ok)

	result, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, result.ChainValid)
	require.NotNil(t, result.BreakAt)
	assert.Equal(t, first.ID, *result.BreakAt)
}

func TestMemoryLedger_HashIsDeterministicAcrossInstances(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }

	a := NewMemoryLedger().WithClock(clock)
	b := NewMemoryLedger().WithClock(clock)

	ea, err := a.Append(ctx, "agent:a", ActionInboundIntent, map[string]interface{}{"k": "v"}, "1.0.0")
	require.NoError(t, err)
	eb, err := b.Append(ctx, "agent:a", ActionInboundIntent, map[string]interface{}{"k": "v"}, "1.0.0")
	require.NoError(t, err)

	assert.Equal(t, ea.EventHash, eb.EventHash)
}

func TestMemoryLedger_ListFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	_, err := l.Append(ctx, "agent:a", ActionInboundIntent, nil, "1.0.0")
	require.NoError(t, err)
	_, err = l.Append(ctx, "human:alice", ActionHumanApprovalGranted, nil, "1.0.0")
	require.NoError(t, err)

	events, err := l.List(ctx, Filter{ActorID: "human:alice"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ActionHumanApprovalGranted, events[0].ActionType)
}

func TestMemoryLedger_HeadReflectsTip(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	head, err := l.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, head)

	e, err := l.Append(ctx, "agent:a", ActionInboundIntent, nil, "1.0.0")
	require.NoError(t, err)

	head, err = l.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, e.EventHash, head)
}
