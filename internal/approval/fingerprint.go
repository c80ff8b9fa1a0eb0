// Package approval implements the Approval Registry: a pure projection
// over the Ledger that tracks the lifecycle of ESCALATED intents through
// human review, one-shot consumption, and timeout.
package approval

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize trims surrounding whitespace and applies Unicode NFC
// normalization, and nothing else — no case-folding, no command-specific
// canonicalization.
func Normalize(content string) string {
	return norm.NFC.String(strings.TrimSpace(content))
}

// Fingerprint is the (actor_id, action_type, normalized content) tuple
// that ties a re-propose back to a grant.
type Fingerprint struct {
	ActorID    string
	ActionType string
	Content    string
}

// NewFingerprint builds a Fingerprint with content already normalized.
func NewFingerprint(actorID, actionType, content string) Fingerprint {
	return Fingerprint{ActorID: actorID, ActionType: actionType, Content: Normalize(content)}
}

// Matches reports whether two fingerprints refer to the same proposal.
func (f Fingerprint) Matches(other Fingerprint) bool {
	return f.ActorID == other.ActorID && f.ActionType == other.ActionType && f.Content == other.Content
}
