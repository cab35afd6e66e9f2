package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrCallNotFound is returned when no call matches the lookup key
	ErrCallNotFound = errors.New("call not found")

	// ErrAgentNotFound is returned when the call's agent does not exist
	ErrAgentNotFound = errors.New("agent not found")

	// ErrTerminalStatus is returned when UpdateCallStatus is asked to end a call
	ErrTerminalStatus = errors.New("terminal status must be set by CompleteCall or FailCall")
)

// Querier is the subset of *pgxpool.Pool used by PostgresStore
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore reads call context and writes call outcomes
type PostgresStore struct {
	db  Querier
	now func() time.Time
}

// NewPostgresStore wraps a pool (or any Querier)
func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Connect opens a connection pool and verifies it with a ping
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// ============================================
// READS
// ============================================

// GetCallByControlID returns the most recent call with the given carrier ID
func (s *PostgresStore) GetCallByControlID(ctx context.Context, callControlID string) (*CallRecord, error) {
	query := `
		SELECT id, workspace_id, agent_id, call_control_id,
		       from_number, to_number, status,
		       COALESCE(forward_to, ''), created_at
		FROM calls
		WHERE call_control_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var call CallRecord
	err := s.db.QueryRow(ctx, query, callControlID).Scan(
		&call.ID, &call.WorkspaceID, &call.AgentID, &call.CallControlID,
		&call.FromNumber, &call.ToNumber, &call.Status,
		&call.ForwardTo, &call.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCallNotFound, callControlID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load call %s: %w", callControlID, err)
	}
	return &call, nil
}

// GetAgent returns the agent configuration
func (s *PostgresStore) GetAgent(ctx context.Context, agentID uuid.UUID) (*Agent, error) {
	query := `
		SELECT id, workspace_id, name, system_prompt,
		       COALESCE(voice_id, ''), COALESCE(temperature, 0),
		       COALESCE(max_tokens, 0), COALESCE(initial_greeting, '')
		FROM agents
		WHERE id = $1
	`

	var agent Agent
	err := s.db.QueryRow(ctx, query, agentID).Scan(
		&agent.ID, &agent.WorkspaceID, &agent.Name, &agent.SystemPrompt,
		&agent.VoiceID, &agent.Temperature,
		&agent.MaxTokens, &agent.InitialGreeting,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %s: %w", agentID, err)
	}
	return &agent, nil
}

// ListKnowledgeBase returns the workspace FAQs in display order
func (s *PostgresStore) ListKnowledgeBase(ctx context.Context, workspaceID uuid.UUID) ([]KnowledgeBaseEntry, error) {
	query := `
		SELECT question, answer
		FROM knowledge_base_entries
		WHERE workspace_id = $1
		ORDER BY position, created_at
	`

	rows, err := s.db.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge base: %w", err)
	}
	defer rows.Close()

	var entries []KnowledgeBaseEntry
	for rows.Next() {
		var entry KnowledgeBaseEntry
		if err := rows.Scan(&entry.Question, &entry.Answer); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge base entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read knowledge base: %w", err)
	}
	return entries, nil
}

// MatchContact looks up a caller by phone number. Returns nil, nil when the
// caller is unknown.
func (s *PostgresStore) MatchContact(ctx context.Context, workspaceID uuid.UUID, phoneNumber string) (*Contact, error) {
	if phoneNumber == "" {
		return nil, nil
	}

	query := `
		SELECT COALESCE(first_name, ''), COALESCE(last_name, ''), COALESCE(company, '')
		FROM contacts
		WHERE workspace_id = $1 AND phone_number = $2
		LIMIT 1
	`

	var contact Contact
	err := s.db.QueryRow(ctx, query, workspaceID, phoneNumber).Scan(
		&contact.FirstName, &contact.LastName, &contact.Company,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to match contact: %w", err)
	}
	return &contact, nil
}

// ============================================
// WRITES
// ============================================

// UpdateCallStatus sets a non-terminal status on a call by ID. A call that
// already reached completed or failed keeps its status; terminal statuses
// are written only by CompleteCall and FailCall.
func (s *PostgresStore) UpdateCallStatus(ctx context.Context, callID uuid.UUID, status CallStatus) error {
	if status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalStatus, status)
	}

	query := `
		UPDATE calls SET status = $1, updated_at = $2
		WHERE id = $3 AND status NOT IN ('completed', 'failed')
	`

	if _, err := s.db.Exec(ctx, query, status, s.now(), callID); err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}
	return nil
}

// UpdateStatusByControlID sets the status of a call by carrier ID. Calls
// already in a terminal status are left untouched.
func (s *PostgresStore) UpdateStatusByControlID(ctx context.Context, callControlID string, status CallStatus) error {
	query := `
		UPDATE calls SET status = $1, updated_at = $2
		WHERE call_control_id = $3 AND status NOT IN ('completed', 'failed')
	`

	if _, err := s.db.Exec(ctx, query, status, s.now(), callControlID); err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}
	return nil
}

// MarkVoicemail flags a call as having entered voicemail mode
func (s *PostgresStore) MarkVoicemail(ctx context.Context, callID uuid.UUID) error {
	query := `UPDATE calls SET is_voicemail = TRUE, updated_at = $1 WHERE id = $2`

	tag, err := s.db.Exec(ctx, query, s.now(), callID)
	if err != nil {
		return fmt.Errorf("failed to mark voicemail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	return nil
}

// FailCall records a call that could not be bridged
func (s *PostgresStore) FailCall(ctx context.Context, callID uuid.UUID, reason string) error {
	query := `
		UPDATE calls SET
			status = $1,
			error_message = $2,
			ended_at = $3,
			updated_at = $3
		WHERE id = $4
	`

	if _, err := s.db.Exec(ctx, query, StatusFailed, reason, s.now(), callID); err != nil {
		return fmt.Errorf("failed to mark call failed: %w", err)
	}
	return nil
}

// CompleteCall writes the final outcome of a bridged call
func (s *PostgresStore) CompleteCall(ctx context.Context, callID uuid.UUID, result CallResult) error {
	query := `
		UPDATE calls SET
			status = $1,
			duration_seconds = $2,
			transcript = $3,
			is_voicemail = is_voicemail OR $4,
			voicemail_transcription = COALESCE($5, voicemail_transcription),
			ended_at = $6,
			updated_at = $6
		WHERE id = $7
	`

	transcript := result.Transcript
	if transcript == nil {
		transcript = []TranscriptEntry{}
	}
	transcriptJSON, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}

	var voicemailTranscription *string
	if result.IsVoicemail {
		transcription := result.VoicemailTranscription
		voicemailTranscription = &transcription
	}

	status := result.Status
	if status == "" {
		status = StatusCompleted
	}
	endedAt := result.EndedAt
	if endedAt.IsZero() {
		endedAt = s.now()
	}

	tag, err := s.db.Exec(ctx, query,
		status,
		result.DurationSeconds,
		transcriptJSON,
		result.IsVoicemail,
		voicemailTranscription,
		endedAt,
		callID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	return nil
}
