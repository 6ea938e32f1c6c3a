// Package client provides the caller-side half of the coordination
// protocol: a correlation registry that pairs submissions with their
// eventual outcomes, and an HTTP client that drives a submission against
// a running server, delivering output chunks and exactly one terminal
// result to the original caller.
package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Condition classifies the terminal outcome handed to a failure handler.
type Condition string

const (
	// ConditionTimeout means the pending entry's deadline elapsed with no
	// matching response.
	ConditionTimeout Condition = "timeout"
	// ConditionWorkerFailure carries the worker's diagnostic, verbatim.
	ConditionWorkerFailure Condition = "worker_failure"
	// ConditionCancelled confirms a cooperative cancellation.
	ConditionCancelled Condition = "cancelled"
	// ConditionSessionEvicted means the server garbage-collected the
	// session before its output was drained.
	ConditionSessionEvicted Condition = "session_evicted"
	// ConditionTransportError means the HTTP exchange failed after the
	// configured number of retries.
	ConditionTransportError Condition = "transport_error"
)

// DefaultSubmitTimeout bounds a pending entry when the caller passes zero.
const DefaultSubmitTimeout = 60 * time.Second

// Handlers receive the single terminal outcome of a submission. Either
// OnSuccess or OnFailure fires, never both, never more than once. A nil
// handler is skipped.
type Handlers struct {
	OnSuccess func(result any)
	OnFailure func(cond Condition, detail string)
}

// Transport forwards a registered submission toward the coordination
// server. Send runs on its own goroutine and may block for the life of
// the exchange; returning an error fails the entry with
// ConditionTransportError unless the entry was already consumed.
type Transport interface {
	Send(ctx context.Context, token string, payload any) error
}

// pending is one outstanding submission. Entries are consumed exactly
// once, under the registry mutex, by whichever of delivery, failure,
// timeout, or invalidation gets there first.
type pending struct {
	token     string
	namespace string
	handlers  Handlers
	timer     *time.Timer
}

// Registry tracks outstanding submissions and routes each response to the
// caller that issued it. Responses for tokens no longer tracked, whether
// timed out, invalidated, or simply unknown, are discarded silently:
// staleness is an expected outcome of teardown races, not an error.
//
// All methods are safe for concurrent use.
type Registry struct {
	transport Transport
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]*pending
}

// NewRegistry creates a registry that dispatches submissions through
// transport.
func NewRegistry(transport Transport, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		transport: transport,
		logger:    logger,
		entries:   make(map[string]*pending),
	}
}

// Submit registers a pending entry under namespace, hands payload to the
// transport on a fresh goroutine, and returns the entry's token without
// waiting for anything. The token is unique for the life of the entry;
// ULIDs make reuse a non-concern.
func (r *Registry) Submit(ctx context.Context, namespace string, payload any, h Handlers, timeout time.Duration) string {
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	token := namespace + "." + ulid.Make().String()

	p := &pending{
		token:     token,
		namespace: namespace,
		handlers:  h,
	}

	// The timer is armed only after the entry is registered, so expiry can
	// never observe a token that is not yet in the table.
	r.mu.Lock()
	r.entries[token] = p
	p.timer = time.AfterFunc(timeout, func() { r.expire(token) })
	r.mu.Unlock()

	go func() {
		if err := r.transport.Send(ctx, token, payload); err != nil {
			r.Fail(token, ConditionTransportError, err.Error())
		}
	}()

	return token
}

// Deliver routes a successful result to the entry's success handler and
// removes the entry. It reports whether a handler was invoked; false
// means the token was stale and the result was discarded.
func (r *Registry) Deliver(token string, result any) bool {
	p := r.take(token)
	if p == nil {
		r.logger.Debug("discarding stale response", "token", token)
		return false
	}
	if p.handlers.OnSuccess != nil {
		p.handlers.OnSuccess(result)
	}
	return true
}

// Fail routes a terminal failure to the entry's failure handler and
// removes the entry. Stale tokens are discarded silently, same as Deliver.
func (r *Registry) Fail(token string, cond Condition, detail string) bool {
	p := r.take(token)
	if p == nil {
		r.logger.Debug("discarding stale failure", "token", token, "condition", string(cond))
		return false
	}
	if p.handlers.OnFailure != nil {
		p.handlers.OnFailure(cond, detail)
	}
	return true
}

// InvalidateNamespace drops every pending entry under namespace without
// invoking any handler: the owning component is gone and cannot observe
// an outcome. Later deliveries for those tokens hit the stale path.
func (r *Registry) InvalidateNamespace(namespace string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for token, p := range r.entries {
		if p.namespace != namespace {
			continue
		}
		p.timer.Stop()
		delete(r.entries, token)
	}
}

// Active reports whether token still has a pending entry. Long-running
// transports use it to stop doing work for callers that have gone away.
func (r *Registry) Active(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[token]
	return ok
}

// Pending returns the number of outstanding entries.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// take removes and returns the entry for token, or nil if it is not
// tracked. Stopping the timer here makes consumption and expiry mutually
// exclusive.
func (r *Registry) take(token string) *pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.entries[token]
	if !ok {
		return nil
	}
	p.timer.Stop()
	delete(r.entries, token)
	return p
}

// expire fires the failure handler for a deadline that elapsed. The entry
// may already be gone if a response won the race; that is the stale path.
func (r *Registry) expire(token string) {
	r.mu.Lock()
	p, ok := r.entries[token]
	if ok {
		delete(r.entries, token)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if p.handlers.OnFailure != nil {
		p.handlers.OnFailure(ConditionTimeout, "no response before deadline")
	}
}
