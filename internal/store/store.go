package store

import (
	"context"
	"errors"
	"time"

	"github.com/crucible-run/crucible/internal/model"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// ErrEvicted is returned when a session existed but its record and output
// have been garbage-collected. Distinct from ErrNotFound so callers can tell
// "your task errored" apart from "we forgot about your task".
var ErrEvicted = errors.New("session evicted")

// ErrInvalidTransition is returned when a session status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// SessionStats holds aggregate execution statistics.
type SessionStats struct {
	Total          int            `json:"total"`
	CountByStatus  map[string]int `json:"count_by_status"`
	CountByRuntime map[string]int `json:"count_by_runtime"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for sessions and their output.
type Store interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, int, error)

	// UpdateSessionStatus applies a transition-checked status change.
	// Terminal statuses are sticky: ErrInvalidTransition on any attempt to
	// leave one.
	UpdateSessionStatus(ctx context.Context, id, status string) error

	// FinishSession records the terminal outcome: status, diagnostic,
	// duration, finished timestamp.
	FinishSession(ctx context.Context, s *model.Session) error

	// AppendChunk persists one output chunk. seq must equal the session's
	// next sequence number; the gapless counter advances atomically with
	// the insert.
	AppendChunk(ctx context.Context, sessionID string, seq int, data []byte) error

	// GetChunks returns all chunks with sequence number >= from, in
	// ascending sequence order.
	GetChunks(ctx context.Context, sessionID string, from int) ([]model.OutputChunk, error)

	// TouchPolled records that a client polled the session, deferring eviction.
	TouchPolled(ctx context.Context, id string) error

	// EvictIdle marks terminal sessions not polled since cutoff as evicted
	// and deletes their chunks. Returns the evicted session IDs.
	EvictIdle(ctx context.Context, cutoff time.Time) ([]string, error)

	SessionStats(ctx context.Context) (*SessionStats, error)
	Close() error
}
