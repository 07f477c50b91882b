package repository

import (
	"context"
	"errors"

	"github.com/tomatic/tomatic-backend/internal/models"
)

// ErrNotFound is returned by stores when a session id has no record.
var ErrNotFound = errors.New("session not found")

// SessionStore is durable keyed storage for chat sessions plus a secondary
// ordering on last-update time. Pure storage: no session lifecycle logic.
//
// Writes to the same session id must be serialized by the caller
// (last-writer-wins at full-record granularity); interleaved operations on
// different ids are safe.
type SessionStore interface {
	// Put inserts or replaces the full record for session.SessionID.
	// Idempotent; commits record and index entry atomically.
	Put(ctx context.Context, session *models.ChatSession) error

	// Get returns the session, or nil with no error when the id is absent.
	Get(ctx context.Context, id string) (*models.ChatSession, error)

	// ListIDsByRecency returns all session ids ordered newest-updated first,
	// ties broken by insertion order. Never loads message bodies.
	ListIDsByRecency(ctx context.Context) ([]string, error)

	// Delete removes the record; deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
}
