package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/crucible-run/crucible/internal/model"

	_ "modernc.org/sqlite"
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
    id               TEXT PRIMARY KEY,
    status           TEXT NOT NULL,
    runtime          TEXT NOT NULL,
    input_hash       TEXT,
    diagnostic       TEXT,
    effective_config BLOB,
    next_seq         INTEGER NOT NULL DEFAULT 0,
    timeout_s        INTEGER,
    duration_ms      INTEGER,
    created_at       DATETIME NOT NULL,
    started_at       DATETIME,
    finished_at      DATETIME,
    last_polled_at   DATETIME
)`

const createChunksTable = `
CREATE TABLE IF NOT EXISTS chunks (
    session_id TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    data       BLOB NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (session_id, seq)
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createSessionsTable, createChunksTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (
			id, status, runtime, input_hash, diagnostic, effective_config,
			next_seq, timeout_s, duration_ms, created_at, started_at,
			finished_at, last_polled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Status, sess.Runtime, sess.InputHash, sess.Diagnostic,
		[]byte(sess.EffectiveConfig), sess.NextSeq, sess.TimeoutS,
		sess.DurationMS, sess.CreatedAt, sess.StartedAt, sess.FinishedAt,
		sess.LastPolledAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID. Evicted sessions return ErrEvicted.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := s.getSession(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == model.StatusEvicted {
		return nil, ErrEvicted
	}
	return sess, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getSession(ctx context.Context, q queryer, id string) (*model.Session, error) {
	sess := &model.Session{}
	var cfg []byte
	err := q.QueryRowContext(ctx,
		`SELECT id, status, runtime, input_hash, diagnostic, effective_config,
			next_seq, timeout_s, duration_ms, created_at, started_at,
			finished_at, last_polled_at
		FROM sessions WHERE id = ?`, id,
	).Scan(
		&sess.ID, &sess.Status, &sess.Runtime, &sess.InputHash, &sess.Diagnostic,
		&cfg, &sess.NextSeq, &sess.TimeoutS, &sess.DurationMS, &sess.CreatedAt,
		&sess.StartedAt, &sess.FinishedAt, &sess.LastPolledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.EffectiveConfig = cfg
	return sess, nil
}

// ListSessions returns a paginated list of sessions ordered by created_at DESC,
// along with the total count.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, status, runtime, input_hash, diagnostic, effective_config,
			next_seq, timeout_s, duration_ms, created_at, started_at,
			finished_at, last_polled_at
		FROM sessions ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess := &model.Session{}
		var cfg []byte
		if err := rows.Scan(
			&sess.ID, &sess.Status, &sess.Runtime, &sess.InputHash, &sess.Diagnostic,
			&cfg, &sess.NextSeq, &sess.TimeoutS, &sess.DurationMS, &sess.CreatedAt,
			&sess.StartedAt, &sess.FinishedAt, &sess.LastPolledAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		sess.EffectiveConfig = cfg
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, total, nil
}

// UpdateSessionStatus applies a transition-checked status change inside a
// transaction. Attempts to leave a terminal status return ErrInvalidTransition.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cur, err := s.getSession(ctx, tx, id)
	if err != nil {
		return err
	}
	if cur.Status == model.StatusEvicted {
		return ErrEvicted
	}
	if !model.ValidTransition(cur.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusCompiling:
		_, err = tx.ExecContext(ctx,
			"UPDATE sessions SET status = ?, started_at = ? WHERE id = ?",
			status, now, id)
	case model.IsTerminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE sessions SET status = ?, finished_at = ? WHERE id = ?",
			status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE sessions SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}

	return tx.Commit()
}

// FinishSession records the terminal outcome for a session. The transition
// check applies; the diagnostic and duration are written alongside the status.
func (s *SQLiteStore) FinishSession(ctx context.Context, sess *model.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cur, err := s.getSession(ctx, tx, sess.ID)
	if err != nil {
		return err
	}
	if cur.Status == model.StatusEvicted {
		return ErrEvicted
	}
	if !model.ValidTransition(cur.Status, sess.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, sess.Status)
	}

	now := time.Now().UTC()
	finished := sess.FinishedAt
	if finished == nil {
		finished = &now
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, diagnostic = ?, duration_ms = ?,
			finished_at = ? WHERE id = ?`,
		sess.Status, sess.Diagnostic, sess.DurationMS, finished, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}

	return tx.Commit()
}

// AppendChunk inserts one output chunk and advances the session's gapless
// sequence counter in the same transaction. A seq that does not match the
// counter is rejected.
func (s *SQLiteStore) AppendChunk(ctx context.Context, sessionID string, seq int, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx,
		"SELECT next_seq FROM sessions WHERE id = ?", sessionID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read next seq: %w", err)
	}
	if seq != next {
		return fmt.Errorf("chunk seq %d out of order, next is %d", seq, next)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO chunks (session_id, seq, data, created_at) VALUES (?, ?, ?, ?)",
		sessionID, seq, data, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET next_seq = ? WHERE id = ?", seq+1, sessionID,
	); err != nil {
		return fmt.Errorf("advance next seq: %w", err)
	}

	return tx.Commit()
}

// GetChunks returns all chunks for a session with seq >= from, ascending.
func (s *SQLiteStore) GetChunks(ctx context.Context, sessionID string, from int) ([]model.OutputChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, data, created_at FROM chunks
		WHERE session_id = ? AND seq >= ? ORDER BY seq ASC`,
		sessionID, from,
	)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()

	var chunks []model.OutputChunk
	for rows.Next() {
		var c model.OutputChunk
		var data []byte
		if err := rows.Scan(&c.SessionID, &c.Seq, &data, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Data = string(data)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	return chunks, nil
}

// TouchPolled records the poll time, deferring idle eviction.
func (s *SQLiteStore) TouchPolled(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_polled_at = ? WHERE id = ?",
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// EvictIdle marks terminal sessions with no poll activity since cutoff as
// evicted and deletes their chunks. The session row is kept as a tombstone so
// later polls get a "session evicted" condition rather than a bare not-found.
func (s *SQLiteStore) EvictIdle(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM sessions
		WHERE status IN (?, ?, ?)
		AND COALESCE(last_polled_at, finished_at, created_at) < ?`,
		model.StatusCompleted, model.StatusFailed, model.StatusCancelled, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("select idle sessions: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate idle sessions: %w", err)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			"UPDATE sessions SET status = ?, diagnostic = '', effective_config = NULL WHERE id = ?",
			model.StatusEvicted, id,
		); err != nil {
			return nil, fmt.Errorf("evict session %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE session_id = ?", id,
		); err != nil {
			return nil, fmt.Errorf("delete chunks for %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit eviction: %w", err)
	}
	return ids, nil
}

// SessionStats returns aggregate counts and average duration.
func (s *SQLiteStore) SessionStats(ctx context.Context) (*SessionStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &SessionStats{
		CountByStatus:  make(map[string]int),
		CountByRuntime: make(map[string]int),
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM sessions GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	rows, err = tx.QueryContext(ctx,
		"SELECT runtime, COUNT(*) FROM sessions GROUP BY runtime")
	if err != nil {
		return nil, fmt.Errorf("count by runtime: %w", err)
	}
	for rows.Next() {
		var runtime string
		var n int
		if err := rows.Scan(&runtime, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan runtime count: %w", err)
		}
		stats.CountByRuntime[runtime] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runtime counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM sessions WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}
