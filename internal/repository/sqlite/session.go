package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/tomatic/tomatic-backend/internal/models"
	"github.com/tomatic/tomatic-backend/internal/repository"
)

// SessionStore implements repository.SessionStore using SQLite
type SessionStore struct {
	db *sqlx.DB
}

// NewSessionStore creates a new SQLite session store
func NewSessionStore(db *sqlx.DB) repository.SessionStore {
	return &SessionStore{db: db}
}

// sessionRow mirrors the sessions table; message bodies travel as a JSON
// document in the messages column.
type sessionRow struct {
	SessionID   string         `db:"session_id"`
	Name        sql.NullString `db:"name"`
	PromptName  sql.NullString `db:"prompt_name"`
	Messages    string         `db:"messages"`
	CreatedAtMs int64          `db:"created_at_ms"`
	UpdatedAtMs int64          `db:"updated_at_ms"`
}

// Put inserts or replaces the session record. The write runs in a transaction
// so a failure leaves no partial state; the recency index is native and stays
// consistent with the row.
func (s *SessionStore) Put(ctx context.Context, session *models.ChatSession) error {
	body, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("failed to serialize messages: %w", err)
	}

	row := sessionRow{
		SessionID:   session.SessionID,
		Name:        toNullString(session.Name),
		PromptName:  toNullString(session.PromptName),
		Messages:    string(body),
		CreatedAtMs: session.CreatedAtMs,
		UpdatedAtMs: session.UpdatedAtMs,
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO sessions (session_id, name, prompt_name, messages, created_at_ms, updated_at_ms)
		VALUES (:session_id, :name, :prompt_name, :messages, :created_at_ms, :updated_at_ms)
		ON CONFLICT(session_id) DO UPDATE SET
			name = excluded.name,
			prompt_name = excluded.prompt_name,
			messages = excluded.messages,
			created_at_ms = excluded.created_at_ms,
			updated_at_ms = excluded.updated_at_ms
	`

	if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to put session: %w", err)
	}

	return tx.Commit()
}

// Get retrieves a session by ID. Absence is not an error: returns (nil, nil).
func (s *SessionStore) Get(ctx context.Context, id string) (*models.ChatSession, error) {
	var row sessionRow
	query := `
		SELECT session_id, name, prompt_name, messages, created_at_ms, updated_at_ms
		FROM sessions
		WHERE session_id = ?
	`

	err := s.db.GetContext(ctx, &row, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var messages []models.Message
	if err := json.Unmarshal([]byte(row.Messages), &messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages for session %s: %w", id, err)
	}

	return &models.ChatSession{
		SessionID:   row.SessionID,
		Messages:    messages,
		Name:        fromNullString(row.Name),
		PromptName:  fromNullString(row.PromptName),
		CreatedAtMs: row.CreatedAtMs,
		UpdatedAtMs: row.UpdatedAtMs,
	}, nil
}

// ListIDsByRecency returns all session ids, newest updated_at first. Ties are
// broken by rowid so the order is deterministic. Message bodies are not read.
func (s *SessionStore) ListIDsByRecency(ctx context.Context) ([]string, error) {
	ids := []string{}
	query := `SELECT session_id FROM sessions ORDER BY updated_at_ms DESC, rowid DESC`

	if err := s.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("failed to list session ids: %w", err)
	}

	return ids, nil
}

// Delete removes a session. Deleting a non-existent id is a no-op.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
