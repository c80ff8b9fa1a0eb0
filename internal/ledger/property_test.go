package ledger

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestChainInvariants_Property checks that for any sequence of appends,
// every event's previous_event_hash equals its predecessor's event_hash
// (or GENESIS for the first), every event_hash recomputes correctly, the
// chain length equals the append count, and Verify agrees.
func TestChainInvariants_Property(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("append sequence forms a single valid chain", prop.ForAll(
		func(actorIDs []string) bool {
			ctx := context.Background()
			l := NewMemoryLedger()
			for i, actor := range actorIDs {
				if _, err := l.Append(ctx, actor, ActionInboundIntent, map[string]interface{}{"i": i}, "1.0.0"); err != nil {
					return false
				}
			}
			result, err := l.Verify(ctx)
			if err != nil {
				return false
			}
			return result.ChainValid && result.TotalEvents == len(actorIDs) && result.BreakAt == nil
		},
		gen.SliceOf(gen.OneConstOf("agent:a", "agent:b", "human:alice")),
	))

	properties.TestingRun(t)
}
