package model

import (
	"encoding/json"
	"time"
)

// Session status constants.
const (
	StatusQueued    = "queued"
	StatusCompiling = "compiling"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"

	// StatusEvicted marks a session whose output has been garbage-collected.
	// It is set only by the eviction janitor, never by a worker.
	StatusEvicted = "evicted"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no entries: once reached they are sticky.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusCompiling: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusCompiling: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether a status is terminal for the worker lifecycle.
// Evicted sessions were terminal before eviction and count as terminal too.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusEvicted:
		return true
	}
	return false
}

// OutputChunk is one ordered unit of execution output. Seq is gapless and
// monotonically increasing within a session, starting at 0.
type OutputChunk struct {
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the server-side record of one submitted execution. It maps a
// submission to the worker handling it, the worker's lifecycle state, and the
// output accumulated so far.
type Session struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Runtime string `json:"runtime"`

	// InputHash identifies the submitted artifact; the artifact body itself
	// is not retained after submission.
	InputHash string `json:"input_hash,omitempty"`

	// Diagnostic carries the opaque compile/run failure payload for failed
	// sessions. It is surfaced verbatim and never interpreted.
	Diagnostic string `json:"diagnostic,omitempty"`

	// EffectiveConfig is the JSON snapshot of the base configuration with the
	// submission's overlay applied. It belongs to this session alone.
	EffectiveConfig json.RawMessage `json:"effective_config,omitempty"`

	// NextSeq is the sequence number the next output chunk will receive,
	// i.e. the number of chunks emitted so far.
	NextSeq int `json:"next_seq"`

	TimeoutS     *int       `json:"timeout_s,omitempty"`
	DurationMS   *int       `json:"duration_ms,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
}
