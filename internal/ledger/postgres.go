package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// postgresSchema creates the audit_events table, its indexes, and the
// row-level triggers that make immutability a storage-layer interlock
// rather than an application convention.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	actor_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	intent_payload JSONB NOT NULL,
	policy_version TEXT NOT NULL,
	event_hash TEXT NOT NULL,
	previous_event_hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS audit_events_created_at_idx ON audit_events (created_at);
CREATE INDEX IF NOT EXISTS audit_events_actor_id_idx ON audit_events (actor_id);
CREATE INDEX IF NOT EXISTS audit_events_action_type_idx ON audit_events (action_type);
CREATE UNIQUE INDEX IF NOT EXISTS audit_events_previous_hash_uidx ON audit_events (previous_event_hash);

CREATE OR REPLACE FUNCTION audit_events_immutability() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'LEDGER_IMMUTABILITY_VIOLATION: audit_events rows are append-only';
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS audit_events_no_update ON audit_events;
CREATE TRIGGER audit_events_no_update
	BEFORE UPDATE ON audit_events
	FOR EACH ROW EXECUTE FUNCTION audit_events_immutability();

DROP TRIGGER IF EXISTS audit_events_no_delete ON audit_events;
CREATE TRIGGER audit_events_no_delete
	BEFORE DELETE ON audit_events
	FOR EACH ROW EXECUTE FUNCTION audit_events_immutability();

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	response_status INT NOT NULL,
	response_body BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// PostgresLedger is the durable, multi-process-safe Ledger backend. The
// append path takes an exclusive advisory lock for the duration of a
// single transaction around a "read tip, compute hash, insert" sequence,
// rather than relying on last-writer-wins, so the chain tip is always a
// single strictly-serialized resource.
type PostgresLedger struct {
	db    *sql.DB
	clock func() time.Time
}

// tipLockKey is an arbitrary, fixed advisory lock id scoping the single
// logical writer over the chain tip. Picked once and never reused
// elsewhere in this schema.
const tipLockKey = 0x6761_7665_6c5f_7430

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db, clock: time.Now}
}

func (l *PostgresLedger) WithClock(clock func() time.Time) *PostgresLedger {
	l.clock = clock
	return l
}

// Init creates the schema. Safe to call repeatedly (every statement is
// idempotent via IF NOT EXISTS / OR REPLACE / DROP-then-CREATE).
func (l *PostgresLedger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, postgresSchema)
	return err
}

func (l *PostgresLedger) Append(ctx context.Context, actorID, actionType string, payload map[string]interface{}, policyVersion string) (*AuditEvent, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, tipLockKey); err != nil {
		return nil, fmt.Errorf("ledger: acquire tip lock: %w", err)
	}

	tip := GenesisHash
	row := tx.QueryRowContext(ctx, `SELECT event_hash FROM audit_events ORDER BY created_at DESC, id DESC LIMIT 1`)
	var tipScan sql.NullString
	if err := row.Scan(&tipScan); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger: read tip: %w", err)
	}
	if tipScan.Valid && tipScan.String != "" {
		tip = tipScan.String
	}

	event, err := newEvent(tip, actorID, actionType, payload, policyVersion, l.clock())
	if err != nil {
		return nil, err
	}

	payloadJSON, err := json.Marshal(event.IntentPayload)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (id, created_at, actor_id, action_type, intent_payload, policy_version, event_hash, previous_event_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, event.ID, event.CreatedAt, event.ActorID, event.ActionType, payloadJSON, event.PolicyVersion, event.EventHash, event.PreviousEventHash)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSerializationConflict
		}
		return nil, fmt.Errorf("ledger: insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit: %w", err)
	}
	return event, nil
}

func (l *PostgresLedger) GetByID(ctx context.Context, id string) (*AuditEvent, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, created_at, actor_id, action_type, intent_payload, policy_version, event_hash, previous_event_hash
		FROM audit_events WHERE id = $1
	`, id)
	return scanEvent(row)
}

func (l *PostgresLedger) List(ctx context.Context, filter Filter) ([]*AuditEvent, error) {
	query := `
		SELECT id, created_at, actor_id, action_type, intent_payload, policy_version, event_hash, previous_event_hash
		FROM audit_events WHERE 1=1
	`
	args := []interface{}{}
	if filter.ActorID != "" {
		args = append(args, filter.ActorID)
		query += fmt.Sprintf(" AND actor_id = $%d", len(args))
	}
	if filter.ActionType != "" {
		args = append(args, filter.ActionType)
		query += fmt.Sprintf(" AND action_type = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*AuditEvent
	for rows.Next() {
		e, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) Verify(ctx context.Context) (*VerifyResult, error) {
	events, err := l.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	return verifyChain(events), nil
}

func (l *PostgresLedger) Head(ctx context.Context) (string, error) {
	row := l.db.QueryRowContext(ctx, `SELECT event_hash FROM audit_events ORDER BY created_at DESC, id DESC LIMIT 1`)
	var hash string
	if err := row.Scan(&hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GenesisHash, nil
		}
		return "", err
	}
	return hash, nil
}

func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scanner) (*AuditEvent, error) {
	return scanEventRows(row)
}

func scanEventRows(row scanner) (*AuditEvent, error) {
	var (
		e           AuditEvent
		payloadJSON []byte
	)
	err := row.Scan(&e.ID, &e.CreatedAt, &e.ActorID, &e.ActionType, &payloadJSON, &e.PolicyVersion, &e.EventHash, &e.PreviousEventHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ledger: scan event: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &e.IntentPayload); err != nil {
		return nil, fmt.Errorf("ledger: corrupt intent_payload for event %s: %w", e.ID, err)
	}
	return &e, nil
}

// isUniqueViolation recognizes Postgres's unique_violation SQLSTATE
// (23505), which the previous_event_hash unique index raises if two
// writers somehow race past the advisory lock (e.g. a stale connection
// retrying after a lost commit).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code.Name() == "unique_violation"
}
