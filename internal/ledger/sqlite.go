package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteSchema mirrors postgresSchema as closely as SQLite's trigger
// syntax allows. RAISE(ABORT, ...) inside a BEFORE trigger aborts the
// statement before it touches the row, giving the same storage-level
// immutability interlock as the Postgres trigger function.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	intent_payload TEXT NOT NULL,
	policy_version TEXT NOT NULL,
	event_hash TEXT NOT NULL,
	previous_event_hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS audit_events_created_at_idx ON audit_events (created_at);
CREATE INDEX IF NOT EXISTS audit_events_actor_id_idx ON audit_events (actor_id);
CREATE INDEX IF NOT EXISTS audit_events_action_type_idx ON audit_events (action_type);
CREATE UNIQUE INDEX IF NOT EXISTS audit_events_previous_hash_uidx ON audit_events (previous_event_hash);

CREATE TRIGGER IF NOT EXISTS audit_events_no_update
	BEFORE UPDATE ON audit_events
BEGIN
	SELECT RAISE(ABORT, 'LEDGER_IMMUTABILITY_VIOLATION');
END;

CREATE TRIGGER IF NOT EXISTS audit_events_no_delete
	BEFORE DELETE ON audit_events
BEGIN
	SELECT RAISE(ABORT, 'LEDGER_IMMUTABILITY_VIOLATION');
END;

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	response_status INTEGER NOT NULL,
	response_body BLOB NOT NULL,
	created_at TEXT NOT NULL
);
`

// SQLiteLedger is the embedded "Lite Mode" backend used when DATABASE_URL
// is unset, mirroring cmd/helm/main.go's Postgres-or-SQLite fallback. It
// satisfies the same Ledger interface as PostgresLedger so the Gateway
// never has to know which backend it is talking to.
type SQLiteLedger struct {
	db    *sql.DB
	clock func() time.Time
	// appendMu stands in for the exclusive tip lock: SQLite serializes
	// writers at the database level, but BEGIN IMMEDIATE alone does not
	// stop two goroutines inside this process from interleaving their
	// tip-read-then-insert sequence, so this mutex closes that gap.
	appendMu sync.Mutex
}

// NewSQLiteLedger opens (creating if necessary) a SQLite database file at
// path and returns a ready-to-Init Ledger backend.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteLedger{db: db, clock: time.Now}, nil
}

func (l *SQLiteLedger) WithClock(clock func() time.Time) *SQLiteLedger {
	l.clock = clock
	return l
}

func (l *SQLiteLedger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (l *SQLiteLedger) Append(ctx context.Context, actorID, actionType string, payload map[string]interface{}, policyVersion string) (*AuditEvent, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.CreatedAt.Format(time.RFC3339Nano), event.ActorID, event.ActionType, payloadJSON, event.PolicyVersion, event.EventHash, event.PreviousEventHash)
	if err != nil {
		return nil, fmt.Errorf("ledger: insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit: %w", err)
	}
	return event, nil
}

func (l *SQLiteLedger) GetByID(ctx context.Context, id string) (*AuditEvent, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, created_at, actor_id, action_type, intent_payload, policy_version, event_hash, previous_event_hash
		FROM audit_events WHERE id = ?
	`, id)
	return scanSQLiteEvent(row)
}

func (l *SQLiteLedger) List(ctx context.Context, filter Filter) ([]*AuditEvent, error) {
	query := `
		SELECT id, created_at, actor_id, action_type, intent_payload, policy_version, event_hash, previous_event_hash
		FROM audit_events WHERE 1=1
	`
	var args []interface{}
	if filter.ActorID != "" {
		query += " AND actor_id = ?"
		args = append(args, filter.ActorID)
	}
	if filter.ActionType != "" {
		query += " AND action_type = ?"
		args = append(args, filter.ActionType)
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.Format(time.RFC3339Nano))
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*AuditEvent
	for rows.Next() {
		e, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) Verify(ctx context.Context) (*VerifyResult, error) {
	events, err := l.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	return verifyChain(events), nil
}

func (l *SQLiteLedger) Head(ctx context.Context) (string, error) {
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

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func scanSQLiteEvent(row scanner) (*AuditEvent, error) {
	var (
		e            AuditEvent
		payloadJSON  []byte
		createdAtRaw string
	)
	err := row.Scan(&e.ID, &createdAtRaw, &e.ActorID, &e.ActionType, &payloadJSON, &e.PolicyVersion, &e.EventHash, &e.PreviousEventHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ledger: scan event: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtRaw)
	if err != nil {
		return nil, fmt.Errorf("ledger: corrupt created_at for event %s: %w", e.ID, err)
	}
	e.CreatedAt = createdAt
	if err := json.Unmarshal(payloadJSON, &e.IntentPayload); err != nil {
		return nil, fmt.Errorf("ledger: corrupt intent_payload for event %s: %w", e.ID, err)
	}
	return &e, nil
}
