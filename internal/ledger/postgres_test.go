package ledger

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresLedger_AppendLocksComputesAndInserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewPostgresLedger(db).WithClock(func() time.Time { return fixed })

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).WithArgs(int64(tipLockKey)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT event_hash FROM audit_events ORDER BY created_at DESC, id DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"event_hash"}))
	mock.ExpectExec(`INSERT INTO audit_events`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	event, err := l.Append(context.Background(), "agent:a", ActionInboundIntent, map[string]interface{}{"cmd": "ls"}, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, event.PreviousEventHash)
	assert.NotEmpty(t, event.EventHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_AppendChainsOffExistingTip(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPostgresLedger(db)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).WithArgs(int64(tipLockKey)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT event_hash FROM audit_events ORDER BY created_at DESC, id DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"event_hash"}).AddRow("deadbeef"))
	mock.ExpectExec(`INSERT INTO audit_events`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	event, err := l.Append(context.Background(), "agent:a", ActionInboundIntent, nil, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", event.PreviousEventHash)
}
