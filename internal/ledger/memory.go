package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLedger is an in-process, hash-chained ledger. It implements the
// same Append/Verify contract as the Postgres and SQLite backends and is
// used by unit tests and by the approval/policy packages' own tests so
// they don't need a database to exercise chain behavior.
type MemoryLedger struct {
	mu     sync.Mutex
	events []*AuditEvent
	byID   map[string]*AuditEvent
	clock  func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byID:  make(map[string]*AuditEvent),
		clock: time.Now,
	}
}

// WithClock overrides the clock used to stamp created_at, for deterministic
// tests of the 300s/3600s approval timeout boundaries.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

func (l *MemoryLedger) Append(ctx context.Context, actorID, actionType string, payload map[string]interface{}, policyVersion string) (*AuditEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tip := GenesisHash
	if n := len(l.events); n > 0 {
		tip = l.events[n-1].EventHash
	}

	event, err := newEvent(tip, actorID, actionType, payload, policyVersion, l.clock())
	if err != nil {
		return nil, err
	}
	l.events = append(l.events, event)
	l.byID[event.ID] = event
	return event, nil
}

func (l *MemoryLedger) GetByID(ctx context.Context, id string) (*AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (l *MemoryLedger) List(ctx context.Context, filter Filter) ([]*AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*AuditEvent, 0, len(l.events))
	for _, e := range l.events {
		if matchesFilter(e, filter) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (l *MemoryLedger) Verify(ctx context.Context) (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return verifyChain(l.events), nil
}

func (l *MemoryLedger) Head(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return GenesisHash, nil
	}
	return l.events[len(l.events)-1].EventHash, nil
}

func (l *MemoryLedger) Close() error { return nil }

// Tamper mutates an already-appended event in place, bypassing Append
// entirely. It exists only so tests can exercise tamper detection against
// a ledger that has no application-level guard against mutation — real
// backends refuse this at the storage layer via triggers; MemoryLedger
// intentionally has no such guard because nothing in this package's own
// code path ever calls Tamper.
func (l *MemoryLedger) Tamper(id string, mutate func(*AuditEvent)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byID[id]
	if !ok {
		return false
	}
	mutate(e)
	return true
}
