package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeTransport records sends and optionally fails them.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []string
	err    error
	sendCh chan string
}

func (f *fakeTransport) Send(_ context.Context, token string, _ any) error {
	f.mu.Lock()
	f.sent = append(f.sent, token)
	f.mu.Unlock()
	if f.sendCh != nil {
		f.sendCh <- token
	}
	return f.err
}

func newTestRegistry(t *testing.T, tr Transport) *Registry {
	t.Helper()
	if tr == nil {
		tr = &fakeTransport{}
	}
	return NewRegistry(tr, nil)
}

func TestSubmitReturnsNamespacedToken(t *testing.T) {
	tr := &fakeTransport{sendCh: make(chan string, 1)}
	r := newTestRegistry(t, tr)

	token := r.Submit(context.Background(), "editor-1", "payload", Handlers{}, time.Minute)
	if !strings.HasPrefix(token, "editor-1.") {
		t.Fatalf("token %q not scoped to its namespace", token)
	}

	select {
	case sent := <-tr.sendCh:
		if sent != token {
			t.Fatalf("transport saw token %q, want %q", sent, token)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transport never received the payload")
	}
}

func TestTokensNeverCollide(t *testing.T) {
	r := newTestRegistry(t, nil)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token := r.Submit(context.Background(), "ns", nil, Handlers{}, time.Minute)
		if seen[token] {
			t.Fatalf("token %q issued twice", token)
		}
		seen[token] = true
	}
}

func TestDeliverAtMostOnce(t *testing.T) {
	r := newTestRegistry(t, nil)

	var calls atomic.Int32
	token := r.Submit(context.Background(), "ns", nil, Handlers{
		OnSuccess: func(any) { calls.Add(1) },
	}, time.Minute)

	// Race many delivery attempts for the same token.
	var wg sync.WaitGroup
	var delivered atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Deliver(token, "result") {
				delivered.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := delivered.Load(); got != 1 {
		t.Fatalf("delivered %d times, want exactly 1", got)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("success handler ran %d times, want exactly 1", got)
	}
	if r.Pending() != 0 {
		t.Fatalf("entry not removed after delivery")
	}
}

func TestDeliverUnknownTokenIsSilent(t *testing.T) {
	r := newTestRegistry(t, nil)

	if r.Deliver("ns.01UNKNOWN", "result") {
		t.Fatal("delivery to an unknown token reported success")
	}
}

func TestTimeoutFiresFailureOnce(t *testing.T) {
	r := newTestRegistry(t, nil)

	failures := make(chan Condition, 2)
	token := r.Submit(context.Background(), "ns", nil, Handlers{
		OnSuccess: func(any) { t.Error("success handler fired for a timed-out entry") },
		OnFailure: func(cond Condition, _ string) { failures <- cond },
	}, 20*time.Millisecond)

	select {
	case cond := <-failures:
		if cond != ConditionTimeout {
			t.Fatalf("failure condition = %q, want %q", cond, ConditionTimeout)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired the failure handler")
	}

	// A late response is the stale case, not a second callback.
	if r.Deliver(token, "late") {
		t.Fatal("delivery after timeout reported success")
	}
	select {
	case <-failures:
		t.Fatal("failure handler fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

// Even a deadline that elapses the instant Submit registers the entry
// must fire the failure handler exactly once per entry.
func TestImmediateTimeoutAlwaysExpires(t *testing.T) {
	r := newTestRegistry(t, nil)

	const n = 200
	fired := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		r.Submit(context.Background(), "ns", nil, Handlers{
			OnFailure: func(Condition, string) { fired <- struct{}{} },
		}, time.Nanosecond)
	}

	deadline := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-fired:
		case <-deadline:
			t.Fatalf("only %d of %d entries expired", i, n)
		}
	}
	if got := r.Pending(); got != 0 {
		t.Fatalf("%d entries left pending after expiry", got)
	}
}

func TestInvalidateNamespace(t *testing.T) {
	r := newTestRegistry(t, nil)

	var fired atomic.Int32
	handlers := Handlers{
		OnSuccess: func(any) { fired.Add(1) },
		OnFailure: func(Condition, string) { fired.Add(1) },
	}

	doomed := r.Submit(context.Background(), "window-a", nil, handlers, time.Minute)
	survivor := r.Submit(context.Background(), "window-b", nil, handlers, time.Minute)

	r.InvalidateNamespace("window-a")

	// Invalidation invokes neither handler; the owner is gone.
	if got := fired.Load(); got != 0 {
		t.Fatalf("invalidation fired %d handlers, want 0", got)
	}
	if r.Deliver(doomed, "result") {
		t.Fatal("delivery after invalidation reported success")
	}

	// Other namespaces are untouched.
	if !r.Active(survivor) {
		t.Fatal("invalidation removed an entry from another namespace")
	}
	if !r.Deliver(survivor, "result") {
		t.Fatal("surviving entry did not accept delivery")
	}
}

func TestTransportErrorFailsEntry(t *testing.T) {
	tr := &fakeTransport{err: errors.New("connection refused")}
	r := newTestRegistry(t, tr)

	failures := make(chan Condition, 1)
	details := make(chan string, 1)
	r.Submit(context.Background(), "ns", nil, Handlers{
		OnFailure: func(cond Condition, detail string) {
			failures <- cond
			details <- detail
		},
	}, time.Minute)

	select {
	case cond := <-failures:
		if cond != ConditionTransportError {
			t.Fatalf("failure condition = %q, want %q", cond, ConditionTransportError)
		}
		if detail := <-details; !strings.Contains(detail, "connection refused") {
			t.Fatalf("failure detail %q lost the transport error", detail)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transport error never surfaced")
	}
}
