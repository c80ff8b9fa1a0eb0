package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gavelhq/gavel/internal/ledger"
)

// State is a point in an escalated intent's review lifecycle.
type State string

const (
	PendingReview     State = "PENDING_REVIEW"
	HumanRequired     State = "HUMAN_REQUIRED"
	Resolved          State = "RESOLVED"
	AutoDeniedTimeout State = "AUTO_DENIED_TIMEOUT"
)

// HumanRequiredAfter is the elapsed duration after which a PENDING_REVIEW
// intent becomes HUMAN_REQUIRED.
const HumanRequiredAfter = 300 * time.Second

var (
	ErrNotFound              = errors.New("intent not found")
	ErrAlreadyResolved       = errors.New("ALREADY_RESOLVED")
	ErrApproverNotAuthorized = errors.New("APPROVER_NOT_AUTHORIZED")
)

// Registry is a stateless projection over a Ledger. It owns nothing of
// its own: every operation reads the current event set, derives a view,
// and (for mutating operations) appends a new event under the ledger's
// own tip lock.
type Registry struct {
	ledger    ledger.Ledger
	ttl       time.Duration
	clock     func() time.Time
	templates *TemplateSet
}

// NewRegistry creates a Registry backed by l. ttl is APPROVAL_TTL_SECONDS
// (default 3600s) — the window within which a grant remains consumable,
// unless a Template overrides it for the intent's action_type.
func NewRegistry(l ledger.Ledger, ttl time.Duration) *Registry {
	return &Registry{ledger: l, ttl: ttl, clock: time.Now}
}

func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// WithTemplates layers approval templates (per-action_type TTL override
// and multi-approver quorum) on top of the registry's default
// single-approver model. A nil set restores the default model.
func (r *Registry) WithTemplates(ts *TemplateSet) *Registry {
	r.templates = ts
	return r
}

// templateFor returns the template governing intent, keyed on its
// action_type, or nil if none is configured.
func (r *Registry) templateFor(intent *ledger.AuditEvent) *Template {
	actionType, _ := intent.IntentPayload["action_type"].(string)
	return r.templates.For(actionType)
}

// Grant appends a HUMAN_APPROVAL_GRANTED event for intentEventID, unless
// the intent is already resolved. When a Template gates the intent's
// action_type with approver_roles, approverActor must be one of them. An
// intent governed by a quorum > 1 template is not Resolved until enough
// distinct approvers have each granted it.
func (r *Registry) Grant(ctx context.Context, intentEventID, policyEventID, approverActor string) (*ledger.AuditEvent, error) {
	intent, err := r.ledger.GetByID(ctx, intentEventID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	state, err := r.State(ctx, intentEventID)
	if err != nil {
		return nil, err
	}
	if state == Resolved || state == AutoDeniedTimeout {
		return nil, ErrAlreadyResolved
	}

	if !r.templateFor(intent).allowsApprover(approverActor) {
		return nil, ErrApproverNotAuthorized
	}

	now := r.clock()
	return r.ledger.Append(ctx, approverActor, ledger.ActionHumanApprovalGranted, map[string]interface{}{
		"intent_event_id": intentEventID,
		"policy_event_id": policyEventID,
		"granted_at":      now.UTC().Format(time.RFC3339Nano),
		"actor_id":        intent.ActorID,
	}, policyVersionOf(intent))
}

// Deny appends a HUMAN_DENIAL event for intentEventID. Denial is
// exclusive — once written, it blocks any subsequent consumption for the
// same intent regardless of any later grant, including one that would
// otherwise have completed a template's quorum.
func (r *Registry) Deny(ctx context.Context, intentEventID, policyEventID, reason, approverActor string) (*ledger.AuditEvent, error) {
	intent, err := r.ledger.GetByID(ctx, intentEventID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	state, err := r.State(ctx, intentEventID)
	if err != nil {
		return nil, err
	}
	if state == Resolved || state == AutoDeniedTimeout {
		return nil, ErrAlreadyResolved
	}

	if !r.templateFor(intent).allowsApprover(approverActor) {
		return nil, ErrApproverNotAuthorized
	}

	return r.ledger.Append(ctx, approverActor, ledger.ActionHumanDenial, map[string]interface{}{
		"intent_event_id": intentEventID,
		"policy_event_id": policyEventID,
		"reason":          reason,
	}, policyVersionOf(intent))
}

// ConsumeIfValid looks for an escalated intent matching fp whose grants —
// checked against its governing Template's quorum and TTL, or the
// single-approver default absent one — currently satisfy that quorum with
// at least one still-unexpired grant, and have not already been denied or
// consumed, and if found appends an APPROVAL_CONSUMED event referencing
// the newest contributing grant and newIntentEventID. Returns nil, nil if
// no such grant set exists — this is not an error, just "no upgrade
// available".
func (r *Registry) ConsumeIfValid(ctx context.Context, fp Fingerprint, newIntentEventID string) (*ledger.AuditEvent, error) {
	events, err := r.ledger.List(ctx, ledger.Filter{})
	if err != nil {
		return nil, err
	}

	denials := deniedIntents(events)
	consumedOrigins := consumedIntents(events)
	now := r.clock()

	var bestIntentID string
	var bestGrant *ledger.AuditEvent
	var bestOrigin *ledger.AuditEvent

	for intentID, grants := range groupGrantsByIntent(events) {
		if denials[intentID] || consumedOrigins[intentID] {
			continue
		}
		origin, err := r.ledger.GetByID(ctx, intentID)
		if err != nil {
			continue
		}
		if !fingerprintOf(origin).Matches(fp) {
			continue
		}

		tmpl := r.templateFor(origin)
		valid, newest := validGrants(grants, now, ttlOf(tmpl, r.ttl))
		if newest == nil || distinctApprovers(valid) < quorumOf(tmpl) {
			continue // quorum not yet met, or every contributing grant has expired
		}

		if bestGrant == nil || newest.CreatedAt.After(bestGrant.CreatedAt) {
			bestIntentID, bestGrant, bestOrigin = intentID, newest, origin
		}
	}

	if bestGrant == nil {
		return nil, nil
	}

	return r.ledger.Append(ctx, fp.ActorID, ledger.ActionApprovalConsumed, map[string]interface{}{
		"grant_event_id":      bestGrant.ID,
		"original_intent_id":  bestIntentID,
		"consuming_intent_id": newIntentEventID,
	}, policyVersionOf(bestOrigin))
}

// CheckTimeouts scans every escalated intent that has neither been
// resolved nor already marked timed out, and for those whose elapsed time
// exceeds their governing ttl (template-overridden, or the registry
// default), appends AUTO_DENIED_TIMEOUT. Returns the appended events.
func (r *Registry) CheckTimeouts(ctx context.Context) ([]*ledger.AuditEvent, error) {
	events, err := r.ledger.List(ctx, ledger.Filter{})
	if err != nil {
		return nil, err
	}

	escalated := escalatedIntents(events)
	resolvedSet := r.resolvedIntents(events)
	actionTypes := intentActionTypes(events)
	now := r.clock()

	var out []*ledger.AuditEvent
	for intentID, evalEvent := range escalated {
		if resolvedSet[intentID] {
			continue
		}
		ttl := ttlOf(r.templates.For(actionTypes[intentID]), r.ttl)
		if now.Sub(evalEvent.CreatedAt) <= ttl {
			continue
		}
		evt, err := r.ledger.Append(ctx, "system:approval-sweep", ledger.ActionAutoDeniedTimeout, map[string]interface{}{
			"intent_event_id": intentID,
			"policy_event_id": evalEvent.ID,
		}, policyVersionOf(evalEvent))
		if err != nil {
			return out, err
		}
		out = append(out, evt)
	}
	return out, nil
}

// State derives the review-lifecycle state for a single intent.
func (r *Registry) State(ctx context.Context, intentEventID string) (State, error) {
	events, err := r.ledger.List(ctx, ledger.Filter{})
	if err != nil {
		return "", err
	}

	escalated := escalatedIntents(events)
	evalEvent, isEscalated := escalated[intentEventID]
	if !isEscalated {
		// Never escalated (e.g. APPROVED/DENIED directly) has no
		// registry state; callers should not ask about it.
		return "", fmt.Errorf("intent %s was never escalated", intentEventID)
	}

	if r.resolvedIntents(events)[intentEventID] {
		return Resolved, nil
	}

	ttl := ttlOf(r.templates.For(intentActionTypes(events)[intentEventID]), r.ttl)
	elapsed := r.clock().Sub(evalEvent.CreatedAt)
	switch {
	case elapsed > ttl:
		return AutoDeniedTimeout, nil
	case elapsed >= HumanRequiredAfter:
		return HumanRequired, nil
	default:
		return PendingReview, nil
	}
}

// resolvedIntents returns the set of intent_event_ids that have reached a
// final outcome: a denial, an auto-deny timeout, a consumption, or —
// accounting for a governing Template's quorum — enough distinct granting
// approvers (default quorum 1, so a single grant resolves an
// ungoverned intent exactly as before Templates existed).
func (r *Registry) resolvedIntents(events []*ledger.AuditEvent) map[string]bool {
	out := make(map[string]bool)
	for _, e := range events {
		switch e.ActionType {
		case ledger.ActionHumanDenial, ledger.ActionAutoDeniedTimeout:
			if id, ok := e.IntentPayload["intent_event_id"].(string); ok {
				out[id] = true
			}
		case ledger.ActionApprovalConsumed:
			if id, ok := e.IntentPayload["original_intent_id"].(string); ok {
				out[id] = true
			}
		}
	}

	actionTypes := intentActionTypes(events)
	for intentID, grants := range groupGrantsByIntent(events) {
		if out[intentID] {
			continue
		}
		if distinctApprovers(grants) >= quorumOf(r.templates.For(actionTypes[intentID])) {
			out[intentID] = true
		}
	}

	return out
}

func policyVersionOf(e *ledger.AuditEvent) string {
	if e == nil {
		return ""
	}
	return e.PolicyVersion
}

func fingerprintOf(intent *ledger.AuditEvent) Fingerprint {
	actionType, _ := intent.IntentPayload["action_type"].(string)
	content, _ := intent.IntentPayload["content"].(string)
	return NewFingerprint(intent.ActorID, actionType, content)
}

func parseGrantedAt(g *ledger.AuditEvent) (time.Time, error) {
	s, _ := g.IntentPayload["granted_at"].(string)
	return time.Parse(time.RFC3339Nano, s)
}

// validGrants filters grants to those not yet expired (ttl past their own
// granted_at) and returns that subset plus the newest one of them.
func validGrants(grants []*ledger.AuditEvent, now time.Time, ttl time.Duration) ([]*ledger.AuditEvent, *ledger.AuditEvent) {
	var valid []*ledger.AuditEvent
	var newest *ledger.AuditEvent
	for _, g := range grants {
		grantedAt, err := parseGrantedAt(g)
		if err != nil {
			continue
		}
		if now.After(grantedAt.Add(ttl)) {
			continue // expired grants are invisible to consumption
		}
		valid = append(valid, g)
		if newest == nil || g.CreatedAt.After(newest.CreatedAt) {
			newest = g
		}
	}
	return valid, newest
}

// groupGrantsByIntent maps intent_event_id -> every HUMAN_APPROVAL_GRANTED
// event recorded against it, in ledger order.
func groupGrantsByIntent(events []*ledger.AuditEvent) map[string][]*ledger.AuditEvent {
	out := make(map[string][]*ledger.AuditEvent)
	for _, e := range events {
		if e.ActionType == ledger.ActionHumanApprovalGranted {
			if id, ok := e.IntentPayload["intent_event_id"].(string); ok {
				out[id] = append(out[id], e)
			}
		}
	}
	return out
}

// distinctApprovers counts unique granting actors among grants — the
// quorum a Template counts against.
func distinctApprovers(grants []*ledger.AuditEvent) int {
	seen := make(map[string]bool)
	for _, g := range grants {
		seen[g.ActorID] = true
	}
	return len(seen)
}

// deniedIntents returns the set of intent_event_ids that have a
// HUMAN_DENIAL recorded against them; denial is exclusive and final.
func deniedIntents(events []*ledger.AuditEvent) map[string]bool {
	out := make(map[string]bool)
	for _, e := range events {
		if e.ActionType == ledger.ActionHumanDenial {
			if id, ok := e.IntentPayload["intent_event_id"].(string); ok {
				out[id] = true
			}
		}
	}
	return out
}

// consumedIntents returns the set of intent_event_ids whose grants have
// already been consumed by an earlier APPROVAL_CONSUMED event; a
// quorum-satisfying grant set is one-shot, same as a single grant was.
func consumedIntents(events []*ledger.AuditEvent) map[string]bool {
	out := make(map[string]bool)
	for _, e := range events {
		if e.ActionType == ledger.ActionApprovalConsumed {
			if id, ok := e.IntentPayload["original_intent_id"].(string); ok {
				out[id] = true
			}
		}
	}
	return out
}

// escalatedIntents maps intent_event_id -> the POLICY_EVAL:ESCALATED
// event that escalated it (the source of truth for "elapsed").
func escalatedIntents(events []*ledger.AuditEvent) map[string]*ledger.AuditEvent {
	out := make(map[string]*ledger.AuditEvent)
	for _, e := range events {
		if e.ActionType == ledger.ActionPolicyEvalEscalated {
			if id, ok := e.IntentPayload["intent_event_id"].(string); ok {
				out[id] = e
			}
		}
	}
	return out
}

// intentActionTypes maps an INBOUND_INTENT event's own id to its
// action_type, the key a Template is matched against.
func intentActionTypes(events []*ledger.AuditEvent) map[string]string {
	out := make(map[string]string)
	for _, e := range events {
		if e.ActionType == ledger.ActionInboundIntent {
			if at, ok := e.IntentPayload["action_type"].(string); ok {
				out[e.ID] = at
			}
		}
	}
	return out
}
