package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crucible-run/crucible/internal/model"
	"github.com/crucible-run/crucible/internal/overlay"
	"github.com/crucible-run/crucible/internal/runner"
	"github.com/crucible-run/crucible/internal/store"
)

// DefaultTimeoutS is the default execution timeout in seconds when the
// submission specifies none.
const DefaultTimeoutS = 30

// Engine coordinates asynchronous compile-and-run sessions. Each submission
// gets its own worker goroutine and its own effective configuration snapshot;
// a slow compile or run never blocks unrelated submissions or polls.
type Engine struct {
	store      store.Store
	registry   *runner.Registry
	logger     *slog.Logger
	baseConfig overlay.Map
	broker     *ChunkBroker
	wg         sync.WaitGroup

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

// NewEngine creates a new execution engine. baseConfig is the shared
// configuration every session's overlay is layered on; the engine only ever
// reads it.
func NewEngine(s store.Store, reg *runner.Registry, baseConfig overlay.Map, logger *slog.Logger) *Engine {
	if baseConfig == nil {
		baseConfig = overlay.Map{}
	}
	return &Engine{
		store:      s,
		registry:   reg,
		logger:     logger,
		baseConfig: baseConfig,
		broker:     NewChunkBroker(),
		cancel:     make(map[string]context.CancelFunc),
	}
}

// Broker returns the engine's chunk broker for live SSE subscription.
func (e *Engine) Broker() *ChunkBroker {
	return e.broker
}

// Submit snapshots the effective configuration, persists the session as
// queued, and launches asynchronous execution in a goroutine. It returns as
// soon as the record is durable, never waiting for compilation or execution.
func (e *Engine) Submit(ctx context.Context, sess *model.Session, art runner.Artifact, overrides overlay.Map) error {
	effective := overlay.Overlay(e.baseConfig, overrides)
	snapshot, err := json.Marshal(effective)
	if err != nil {
		return fmt.Errorf("snapshot effective config: %w", err)
	}
	sess.EffectiveConfig = snapshot

	if err := e.store.CreateSession(ctx, sess); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	// Register the cancel handle before the goroutine starts so a cancel
	// request can never race past a queued session.
	timeoutS := DefaultTimeoutS
	if sess.TimeoutS != nil && *sess.TimeoutS > 0 {
		timeoutS = *sess.TimeoutS
	}
	runCtx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutS)*time.Second)
	e.mu.Lock()
	e.cancel[sess.ID] = cancel
	e.mu.Unlock()

	sCopy := *sess
	e.wg.Go(func() {
		defer cancel()
		e.execute(runCtx, &sCopy, art, effective, timeoutS)
	})

	return nil
}

// Cancel requests cooperative termination of a session's worker. The session
// transitions to cancelled only after the underlying runtime confirms
// termination; Cancel itself returns immediately. Cancelling a session that
// has already reached a terminal state is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	cancel, ok := e.cancel[id]
	e.mu.Unlock()

	if ok {
		cancel()
		return nil
	}

	// No live worker: report eviction/not-found, tolerate terminal sessions.
	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if !model.IsTerminal(sess.Status) {
		// A non-terminal session without a cancel handle means the server
		// restarted underneath it; the worker is gone.
		return fmt.Errorf("session %s has no live worker", id)
	}
	return nil
}

// Wait blocks until all in-flight worker goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// execute runs one session lifecycle: queued -> compiling -> running ->
// completed/failed/cancelled. The effective configuration belongs to this
// session alone.
func (e *Engine) execute(ctx context.Context, sess *model.Session, art runner.Artifact, effective overlay.Map, timeoutS int) {
	sessionsActive.Inc()
	defer sessionsActive.Dec()

	// Close the live stream and drop the cancel handle when execution
	// finishes, regardless of outcome.
	defer func() {
		e.broker.Close(sess.ID)
		e.mu.Lock()
		delete(e.cancel, sess.ID)
		e.mu.Unlock()
	}()

	if err := e.transition(sess.ID, model.StatusCompiling); err != nil {
		e.logger.Error("failed to transition to compiling", "session_id", sess.ID, "error", err)
		e.finish(sess.ID, model.StatusFailed, fmt.Sprintf("failed to start: %v", err), nil)
		return
	}

	start := time.Now()

	rt, err := e.registry.Resolve(art.Runtime)
	if err != nil {
		e.finish(sess.ID, model.StatusFailed, fmt.Sprintf("resolve runtime: %v", err), &start)
		return
	}

	unit, err := rt.Compile(ctx, art, effective)
	if err != nil {
		if ctx.Err() == context.Canceled {
			e.finish(sess.ID, model.StatusCancelled, "", &start)
			return
		}
		// The diagnostic is the compiler's output, surfaced verbatim.
		e.finish(sess.ID, model.StatusFailed, err.Error(), &start)
		return
	}

	if err := e.transition(sess.ID, model.StatusRunning); err != nil {
		e.logger.Error("failed to transition to running", "session_id", sess.ID, "error", err)
		e.finish(sess.ID, model.StatusFailed, fmt.Sprintf("failed to start run: %v", err), &start)
		return
	}

	// Emit assigns the gapless sequence number, persists the chunk, then
	// publishes it to live subscribers. Chunks flow as they are produced so
	// a slow or disconnected client never stalls the worker. The sequence
	// advances only when the chunk is durable: a persist failure stops
	// emission and fails the session, because completed must mean the full
	// output is retrievable until eviction.
	var (
		emitMu     sync.Mutex
		nextSeq    int
		persistErr error
	)
	emit := func(data []byte) {
		emitMu.Lock()
		defer emitMu.Unlock()
		if persistErr != nil {
			return
		}
		if err := e.store.AppendChunk(context.Background(), sess.ID, nextSeq, data); err != nil {
			persistErr = err
			e.logger.Error("failed to persist chunk", "session_id", sess.ID, "seq", nextSeq, "error", err)
			return
		}
		e.broker.Publish(sess.ID, model.OutputChunk{
			SessionID: sess.ID,
			Seq:       nextSeq,
			Data:      string(data),
			CreatedAt: time.Now().UTC(),
		})
		nextSeq++
		chunksEmitted.Inc()
	}

	result, err := rt.Run(ctx, unit, emit)
	durationMS := int(time.Since(start).Milliseconds())
	if result.DurationMS > 0 {
		durationMS = result.DurationMS
	}

	emitMu.Lock()
	chunkErr := persistErr
	emitMu.Unlock()

	switch {
	case chunkErr != nil:
		// Output was truncated server-side; reporting success would hide
		// the loss behind a completed status.
		e.finishWithDuration(sess.ID, model.StatusFailed,
			fmt.Sprintf("failed to persist output: %v", chunkErr), durationMS)
	case err != nil && ctx.Err() == context.Canceled:
		// Run has returned, so termination is confirmed.
		e.finishWithDuration(sess.ID, model.StatusCancelled, "", durationMS)
	case err != nil && ctx.Err() == context.DeadlineExceeded:
		e.finishWithDuration(sess.ID, model.StatusFailed,
			fmt.Sprintf("session timed out after %ds", timeoutS), durationMS)
	case err != nil:
		diag := result.Diagnostic
		if diag == "" {
			diag = err.Error()
		}
		e.finishWithDuration(sess.ID, model.StatusFailed, diag, durationMS)
	default:
		e.finishWithDuration(sess.ID, model.StatusCompleted, "", durationMS)
	}
}

func (e *Engine) transition(id, status string) error {
	return e.store.UpdateSessionStatus(context.Background(), id, status)
}

// finish marks a session terminal with the given diagnostic. startedAt may be
// nil if execution never started.
func (e *Engine) finish(id, status, diagnostic string, startedAt *time.Time) {
	var durationMS int
	if startedAt != nil {
		durationMS = int(time.Since(*startedAt).Milliseconds())
	}
	e.finishWithDuration(id, status, diagnostic, durationMS)
}

func (e *Engine) finishWithDuration(id, status, diagnostic string, durationMS int) {
	now := time.Now().UTC()
	err := e.store.FinishSession(context.Background(), &model.Session{
		ID:         id,
		Status:     status,
		Diagnostic: diagnostic,
		DurationMS: &durationMS,
		FinishedAt: &now,
	})
	if err != nil {
		e.logger.Error("failed to finish session", "session_id", id, "status", status, "error", err)
		return
	}
	sessionsFinished.WithLabelValues(status).Inc()
}

// RunJanitor evicts idle terminal sessions every sweep interval until ctx is
// cancelled. Sessions untouched for longer than ttl lose their record and
// output; later polls receive a distinct "session evicted" condition.
func (e *Engine) RunJanitor(ctx context.Context, ttl, sweep time.Duration) {
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-ttl)
			ids, err := e.store.EvictIdle(ctx, cutoff)
			if err != nil {
				e.logger.Error("eviction sweep failed", "error", err)
				continue
			}
			for _, id := range ids {
				e.broker.Drop(id)
			}
			if len(ids) > 0 {
				sessionsEvicted.Add(float64(len(ids)))
				e.logger.Info("evicted idle sessions", "count", len(ids))
			}
		}
	}
}
