// Package ledger implements the append-only, hash-chained audit spine.
//
// Every side-effecting decision in this system — an agent's proposal, a
// policy verdict, a human's approval, a sandboxed execution — becomes one
// AuditEvent here. Events are chained by SHA-256 over their predecessor's
// hash (see computeEventHash), so tampering with any past event is
// detectable by Verify. The only legal mutation is Append; there is no
// Update or Delete on this interface by design.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gavelhq/gavel/internal/canon"
	"github.com/gavelhq/gavel/internal/ids"
)

// GenesisHash is the sentinel previous_event_hash of the first event ever
// appended to a chain.
const GenesisHash = "GENESIS"

// Closed vocabulary of action types. Administrative types beyond this list
// are permitted for operational bookkeeping (SYSTEM_BOOTSTRAP, POLICY_RELOADED)
// but the five decision-bearing types below are produced only by the
// components named in their comments.
const (
	ActionInboundIntent       = "INBOUND_INTENT"
	ActionPolicyEvalApproved  = "POLICY_EVAL:APPROVED"
	ActionPolicyEvalDenied    = "POLICY_EVAL:DENIED"
	ActionPolicyEvalEscalated = "POLICY_EVAL:ESCALATED"
	ActionHumanApprovalGranted = "HUMAN_APPROVAL_GRANTED"
	ActionHumanDenial          = "HUMAN_DENIAL"
	ActionApprovalConsumed     = "APPROVAL_CONSUMED"
	ActionAutoDeniedTimeout    = "AUTO_DENIED_TIMEOUT"
	ActionEvidencePacket       = "EVIDENCE_PACKET"
	ActionEvidenceReview       = "EVIDENCE_REVIEW_DETERMINISTIC"
	ActionSystemBootstrap      = "SYSTEM_BOOTSTRAP"
	ActionPolicyReloaded       = "POLICY_RELOADED"
)

// PolicyEvalAction maps a decision string to its POLICY_EVAL:* action type.
func PolicyEvalAction(decision string) string {
	return "POLICY_EVAL:" + decision
}

var (
	// ErrSerializationConflict is returned when the store could not
	// serialize two concurrent appends at the tip. Callers may retry.
	ErrSerializationConflict = errors.New("CHAIN_SERIALIZATION_CONFLICT")
	// ErrImmutabilityViolation indicates an attempted mutation of an
	// already-appended event was rejected by the storage layer.
	ErrImmutabilityViolation = errors.New("LEDGER_IMMUTABILITY_VIOLATION")
	// ErrNotFound indicates no event exists with the requested id.
	ErrNotFound = errors.New("event not found")
)

// AuditEvent is the atomic, immutable unit of the audit spine.
//
// Fields are a fixed struct, not a generic map, so that encoding/json
// always emits them in the same field order — the hash must be stable
// regardless of how a caller happens to construct the value.
type AuditEvent struct {
	ID                string                 `json:"id"`
	CreatedAt         time.Time              `json:"created_at"`
	ActorID           string                 `json:"actor_id"`
	ActionType        string                 `json:"action_type"`
	IntentPayload     map[string]interface{} `json:"intent_payload"`
	PolicyVersion     string                 `json:"policy_version"`
	EventHash         string                 `json:"event_hash"`
	PreviousEventHash string                 `json:"previous_event_hash"`
}

// VerifyResult is the outcome of a full chain walk.
type VerifyResult struct {
	TotalEvents int     `json:"total_events"`
	ChainValid  bool    `json:"chain_valid"`
	BreakAt     *string `json:"break_at"`
}

// Filter narrows a List query. A zero-value Filter matches every event.
type Filter struct {
	ActorID    string
	ActionType string
	Since      time.Time
	Limit      int
}

// Ledger is the append-only, hash-chained audit spine. Implementations
// (Postgres, embedded SQLite, or an in-memory fake for tests) must
// serialize Append calls through a single exclusive tip lock so that every
// event chains off exactly one predecessor and hashes stay reproducible
// under concurrency — see the Postgres and SQLite backends.
type Ledger interface {
	// Append attaches a new event to the chain tip. created_at,
	// previous_event_hash and event_hash are computed internally; callers
	// never set them directly.
	Append(ctx context.Context, actorID, actionType string, payload map[string]interface{}, policyVersion string) (*AuditEvent, error)

	GetByID(ctx context.Context, id string) (*AuditEvent, error)
	List(ctx context.Context, filter Filter) ([]*AuditEvent, error)

	// Verify walks the chain in ascending (created_at, id) order and
	// recomputes every event_hash, returning the id of the first break.
	Verify(ctx context.Context) (*VerifyResult, error)

	// Head returns the event_hash of the most recently appended event, or
	// GenesisHash if the chain is empty.
	Head(ctx context.Context) (string, error)

	Close() error
}

// computeEventHash computes:
//
//	event_hash = SHA256(previous_event_hash | actor_id | action_type | canonical(payload) | policy_version | canonical(created_at))
//
// joined with a single pipe byte between each field.
func computeEventHash(previousHash, actorID, actionType string, payload map[string]interface{}, policyVersion string, createdAt time.Time) (string, error) {
	payloadJSON, err := canon.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("ledger: canonicalize payload: %w", err)
	}
	input := previousHash + "|" + actorID + "|" + actionType + "|" + string(payloadJSON) + "|" + policyVersion + "|" + canon.Time(createdAt)
	return canon.Hash([]byte(input)), nil
}

// newEvent builds the next event in the chain given the current tip hash.
// clock is injected so tests can control created_at.
func newEvent(previousHash, actorID, actionType string, payload map[string]interface{}, policyVersion string, now time.Time) (*AuditEvent, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	hash, err := computeEventHash(previousHash, actorID, actionType, payload, policyVersion, now)
	if err != nil {
		return nil, err
	}
	return &AuditEvent{
		ID:                ids.New(),
		CreatedAt:         now,
		ActorID:           actorID,
		ActionType:        actionType,
		IntentPayload:     payload,
		PolicyVersion:     policyVersion,
		EventHash:         hash,
		PreviousEventHash: previousHash,
	}, nil
}

// verifyChain recomputes hashes over events (already sorted ascending by
// created_at, id) and returns the standard VerifyResult shape. Shared by
// every backend so they agree bit-for-bit on what "valid" means.
func verifyChain(events []*AuditEvent) *VerifyResult {
	result := &VerifyResult{TotalEvents: len(events)}
	prev := GenesisHash
	for _, e := range events {
		if e.PreviousEventHash != prev {
			id := e.ID
			result.BreakAt = &id
			result.ChainValid = false
			return result
		}
		recomputed, err := computeEventHash(e.PreviousEventHash, e.ActorID, e.ActionType, e.IntentPayload, e.PolicyVersion, e.CreatedAt)
		if err != nil || recomputed != e.EventHash {
			id := e.ID
			result.BreakAt = &id
			result.ChainValid = false
			return result
		}
		prev = e.EventHash
	}
	result.ChainValid = true
	return result
}

func matchesFilter(e *AuditEvent, f Filter) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.ActionType != "" && e.ActionType != f.ActionType {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}
