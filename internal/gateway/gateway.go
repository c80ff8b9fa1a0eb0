// Package gateway wires the Ledger, Policy Engine, Approval Registry,
// Identity allow-list, and Blast Box behind the HTTP surface described in
// the external interfaces: propose, execute, approve, deny, health.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gavelhq/gavel/internal/approval"
	"github.com/gavelhq/gavel/internal/blastbox"
	"github.com/gavelhq/gavel/internal/identity"
	"github.com/gavelhq/gavel/internal/ledger"
	"github.com/gavelhq/gavel/internal/policy"
)

// Gateway holds every dependency a handler might need. Handlers are thin:
// authenticate, validate, delegate to the Ledger/Policy/Approval/Blast Box
// packages, and translate the result to an HTTP response.
type Gateway struct {
	Ledger     ledger.Ledger
	Identities *identity.Registry
	Bearer     identity.BearerAuthenticator
	Approvals  *approval.Registry
	PolicyExt  *policy.Extension // nil when no POLICY_RULES_PATH is configured
	Validator  *IntentValidator
	BlastBox   blastbox.Config
	// MaxConcurrentBlastBox bounds how many Blast Box runs HandleExecute
	// will start at once; <=0 (the zero value) means unbounded.
	MaxConcurrentBlastBox int
	// ReviewAllowPaths, when non-nil, scopes every post-execution evidence
	// review to these path prefixes; nil skips the scope-compliance check
	// entirely. See internal/review.
	ReviewAllowPaths []string
	// Clock is used only by evidence review's reviewed_at stamp; tests
	// override it for determinism.
	Clock func() time.Time

	blastBoxOnce  sync.Once
	blastBoxSlots chan struct{}
}

// ErrBlastBoxBusy is returned by acquireBlastBoxSlot when ctx is canceled
// while waiting for a free slot under MaxConcurrentBlastBox.
var ErrBlastBoxBusy = errors.New("blast box at capacity")

// acquireBlastBoxSlot blocks until a Blast Box run slot is free (or ctx
// ends) and returns a release func the caller must defer. With
// MaxConcurrentBlastBox <= 0 it never blocks.
func (g *Gateway) acquireBlastBoxSlot(ctx context.Context) (func(), error) {
	if g.MaxConcurrentBlastBox <= 0 {
		return func() {}, nil
	}
	g.blastBoxOnce.Do(func() {
		g.blastBoxSlots = make(chan struct{}, g.MaxConcurrentBlastBox)
	})
	select {
	case g.blastBoxSlots <- struct{}{}:
		return func() { <-g.blastBoxSlots }, nil
	case <-ctx.Done():
		return nil, ErrBlastBoxBusy
	}
}

func (g *Gateway) clock() time.Time {
	if g.Clock != nil {
		return g.Clock()
	}
	return time.Now()
}

// evaluate runs the mandatory policy table and, if configured, the CEL
// extension layer on top of it.
func (g *Gateway) evaluate(actionType, content string) policy.Result {
	result := policy.Evaluate(actionType, content)
	if g.PolicyExt != nil {
		result = g.PolicyExt.Apply(actionType, content, result)
	}
	return result
}

// policyVersion returns the version stamped into POLICY_EVAL events: the
// extension's version when one is loaded (it incorporates the mandatory
// table implicitly), otherwise the mandatory table's own Version.
func (g *Gateway) policyVersion() string {
	if g.PolicyExt != nil {
		return g.PolicyExt.Version()
	}
	return policy.Version
}

// checkTimeoutsLoop runs the Approval Registry's sweep on an interval
// until ctx is canceled, for the in-process background half of the
// timeout sweep (the other half is the `gavel sweep` CLI command).
func (g *Gateway) checkTimeoutsLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			denied, err := g.Approvals.CheckTimeouts(ctx)
			if err != nil {
				slog.Error("approval timeout sweep failed", "error", err)
				continue
			}
			if len(denied) > 0 {
				slog.Info("approval timeout sweep auto-denied intents", "count", len(denied))
			}
		}
	}
}

// RunBackgroundSweep starts checkTimeoutsLoop and returns immediately; the
// caller is responsible for canceling ctx on shutdown.
func (g *Gateway) RunBackgroundSweep(ctx context.Context, interval time.Duration) {
	go g.checkTimeoutsLoop(ctx, interval)
}

// chainUnavailable reports whether the ledger cannot currently be read,
// used by the health handler.
func chainUnavailable(err error) bool {
	return err != nil && !errors.Is(err, ledger.ErrNotFound)
}
