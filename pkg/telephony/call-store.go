package telephony

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ============================================
// CALL PERSISTENCE
// ============================================

// CallState tracks the lifecycle of a bridged call
type CallState string

const (
	CallStateInitiated  CallState = "initiated"
	CallStateInProgress CallState = "in_progress"
	CallStateCompleted  CallState = "completed"
	CallStateFailed     CallState = "failed"
)

// CallRecord is one row in the calls table
type CallRecord struct {
	ID          uuid.UUID  `json:"id"`
	CallSID     string     `json:"call_sid"`
	StreamSID   string     `json:"stream_sid"`
	AccountSID  string     `json:"account_sid"`
	State       CallState  `json:"state"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CallStore persists call lifecycle records. All methods are no-ops when
// constructed without a pool, so the bridge runs fine without a database.
type CallStore struct {
	db *pgxpool.Pool
}

// NewCallStore creates a call store backed by the given pool (may be nil)
func NewCallStore(db *pgxpool.Pool) *CallStore {
	return &CallStore{db: db}
}

// EnsureSchema creates the calls table if it does not exist
func (cs *CallStore) EnsureSchema(ctx context.Context) error {
	if cs == nil || cs.db == nil {
		return nil
	}

	query := `
		CREATE TABLE IF NOT EXISTS calls (
			id UUID PRIMARY KEY,
			call_sid TEXT NOT NULL,
			stream_sid TEXT NOT NULL,
			account_sid TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			error_detail TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`

	_, err := cs.db.Exec(ctx, query)
	return err
}

// CreateCall inserts a new call record in the initiated state
func (cs *CallStore) CreateCall(ctx context.Context, record *CallRecord) error {
	if cs == nil || cs.db == nil {
		return nil
	}

	now := time.Now().UTC()
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	record.State = CallStateInitiated
	record.StartedAt = now
	record.CreatedAt = now
	record.UpdatedAt = now

	query := `
		INSERT INTO calls (
			id, call_sid, stream_sid, account_sid,
			state, started_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := cs.db.Exec(ctx, query,
		record.ID, record.CallSID, record.StreamSID, record.AccountSID,
		record.State, record.StartedAt, record.CreatedAt, record.UpdatedAt,
	)

	return err
}

// MarkInProgress transitions a call to in_progress once audio starts flowing
// and backfills the stream identifier, which the webhook cannot know when it
// inserts the row.
func (cs *CallStore) MarkInProgress(ctx context.Context, id uuid.UUID, streamSID string) error {
	if cs == nil || cs.db == nil {
		return nil
	}

	query := `
		UPDATE calls SET
			state = $1,
			stream_sid = $2,
			updated_at = $3
		WHERE id = $4
	`

	_, err := cs.db.Exec(ctx, query, CallStateInProgress, streamSID, time.Now().UTC(), id)
	return err
}

// Finish records the terminal state of a call. An empty errorDetail marks the
// call completed, anything else marks it failed.
func (cs *CallStore) Finish(ctx context.Context, id uuid.UUID, errorDetail string) error {
	if cs == nil || cs.db == nil {
		return nil
	}

	state := CallStateCompleted
	if errorDetail != "" {
		state = CallStateFailed
	}

	now := time.Now().UTC()

	query := `
		UPDATE calls SET
			state = $1,
			error_detail = $2,
			ended_at = $3,
			updated_at = $4
		WHERE id = $5
	`

	_, err := cs.db.Exec(ctx, query, state, errorDetail, now, now, id)
	return err
}

// GetCallBySID retrieves a call record by its provider call SID
func (cs *CallStore) GetCallBySID(ctx context.Context, callSID string) (*CallRecord, error) {
	if cs == nil || cs.db == nil {
		return nil, nil
	}

	query := `
		SELECT id, call_sid, stream_sid, account_sid,
		       state, error_detail,
		       started_at, ended_at, created_at, updated_at
		FROM calls
		WHERE call_sid = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var record CallRecord
	err := cs.db.QueryRow(ctx, query, callSID).Scan(
		&record.ID, &record.CallSID, &record.StreamSID, &record.AccountSID,
		&record.State, &record.ErrorDetail,
		&record.StartedAt, &record.EndedAt, &record.CreatedAt, &record.UpdatedAt,
	)

	if err != nil {
		return nil, err
	}

	return &record, nil
}
