package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crucible-run/crucible/internal/model"
	"github.com/crucible-run/crucible/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeSession() *model.Session {
	return &model.Session{
		ID:        model.NewID(),
		Status:    model.StatusQueued,
		Runtime:   "python",
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	sess := makeSession()
	sess.EffectiveConfig = []byte(`{"opt":"X"}`)

	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != model.StatusQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}
	if got.Runtime != "python" {
		t.Errorf("runtime = %q, want python", got.Runtime)
	}
	if string(got.EffectiveConfig) != `{"opt":"X"}` {
		t.Errorf("effective config = %s, want snapshot preserved", got.EffectiveConfig)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStatusTransitionChecked(t *testing.T) {
	s := newTestStore(t)
	sess := makeSession()
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// queued -> running skips compiling and must be rejected.
	err := s.UpdateSessionStatus(context.Background(), sess.ID, model.StatusRunning)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}

	if err := s.UpdateSessionStatus(context.Background(), sess.ID, model.StatusCompiling); err != nil {
		t.Fatalf("queued -> compiling: %v", err)
	}
	if err := s.UpdateSessionStatus(context.Background(), sess.ID, model.StatusRunning); err != nil {
		t.Fatalf("compiling -> running: %v", err)
	}

	got, _ := s.GetSession(context.Background(), sess.ID)
	if got.StartedAt == nil {
		t.Error("started_at not set on compiling transition")
	}
}

func TestTerminalStatusSticky(t *testing.T) {
	s := newTestStore(t)
	sess := makeSession()
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.UpdateSessionStatus(context.Background(), sess.ID, model.StatusCompiling); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateSessionStatus(context.Background(), sess.ID, model.StatusFailed); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateSessionStatus(context.Background(), sess.ID, model.StatusRunning)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("leaving failed: err = %v, want ErrInvalidTransition", err)
	}

	got, _ := s.GetSession(context.Background(), sess.ID)
	if got.Status != model.StatusFailed {
		t.Errorf("status = %q, failed must be sticky", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at not set on terminal transition")
	}
}

func TestFinishSessionKeepsDiagnostic(t *testing.T) {
	s := newTestStore(t)
	sess := makeSession()
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateSessionStatus(context.Background(), sess.ID, model.StatusCompiling); err != nil {
		t.Fatal(err)
	}

	dur := 42
	if err := s.FinishSession(context.Background(), &model.Session{
		ID:         sess.ID,
		Status:     model.StatusFailed,
		Diagnostic: "SyntaxError: unexpected indent",
		DurationMS: &dur,
	}); err != nil {
		t.Fatalf("FinishSession: %v", err)
	}

	got, _ := s.GetSession(context.Background(), sess.ID)
	if got.Diagnostic != "SyntaxError: unexpected indent" {
		t.Errorf("diagnostic = %q, not preserved verbatim", got.Diagnostic)
	}
	if got.DurationMS == nil || *got.DurationMS != 42 {
		t.Errorf("duration = %v, want 42", got.DurationMS)
	}
}

func TestAppendChunkGapless(t *testing.T) {
	s := newTestStore(t)
	sess := makeSession()
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	for i, data := range []string{"compiling", "running", "done"} {
		if err := s.AppendChunk(context.Background(), sess.ID, i, []byte(data)); err != nil {
			t.Fatalf("AppendChunk(%d): %v", i, err)
		}
	}

	// Out-of-order seq is rejected.
	if err := s.AppendChunk(context.Background(), sess.ID, 5, []byte("gap")); err == nil {
		t.Error("AppendChunk with a gap should fail")
	}

	chunks, err := s.GetChunks(context.Background(), sess.ID, 0)
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.Seq != i {
			t.Errorf("chunk[%d].Seq = %d, want %d", i, c.Seq, i)
		}
	}

	got, _ := s.GetSession(context.Background(), sess.ID)
	if got.NextSeq != 3 {
		t.Errorf("next_seq = %d, want 3", got.NextSeq)
	}
}

func TestGetChunksFromOffset(t *testing.T) {
	s := newTestStore(t)
	sess := makeSession()
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := s.AppendChunk(context.Background(), sess.ID, i, []byte{byte('a' + i)}); err != nil {
			t.Fatal(err)
		}
	}

	chunks, err := s.GetChunks(context.Background(), sess.ID, 3)
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Seq != 3 || chunks[1].Seq != 4 {
		t.Errorf("chunks from 3 = %+v, want seqs [3 4]", chunks)
	}

	// Re-reading an already acknowledged range is allowed until eviction.
	again, err := s.GetChunks(context.Background(), sess.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 5 {
		t.Errorf("re-read returned %d chunks, want 5", len(again))
	}
}

func TestEvictIdle(t *testing.T) {
	s := newTestStore(t)

	finished := makeSession()
	if err := s.CreateSession(context.Background(), finished); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateSessionStatus(context.Background(), finished.ID, model.StatusCompiling); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendChunk(context.Background(), finished.ID, 0, []byte("out")); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateSessionStatus(context.Background(), finished.ID, model.StatusFailed); err != nil {
		t.Fatal(err)
	}

	active := makeSession()
	if err := s.CreateSession(context.Background(), active); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateSessionStatus(context.Background(), active.ID, model.StatusCompiling); err != nil {
		t.Fatal(err)
	}

	// Cutoff in the future: every idle terminal session qualifies.
	ids, err := s.EvictIdle(context.Background(), time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("EvictIdle: %v", err)
	}
	if len(ids) != 1 || ids[0] != finished.ID {
		t.Errorf("evicted %v, want [%s]", ids, finished.ID)
	}

	// Evicted session reports the distinct condition, not a bare not-found.
	if _, err := s.GetSession(context.Background(), finished.ID); !errors.Is(err, store.ErrEvicted) {
		t.Errorf("err = %v, want ErrEvicted", err)
	}

	chunks, err := s.GetChunks(context.Background(), finished.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 0 {
		t.Errorf("chunks survived eviction: %v", chunks)
	}

	// Non-terminal sessions are never evicted.
	if _, err := s.GetSession(context.Background(), active.ID); err != nil {
		t.Errorf("active session affected by eviction: %v", err)
	}
}

func TestEvictRespectsRecentPoll(t *testing.T) {
	s := newTestStore(t)
	sess := makeSession()
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateSessionStatus(context.Background(), sess.ID, model.StatusCompiling); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateSessionStatus(context.Background(), sess.ID, model.StatusFailed); err != nil {
		t.Fatal(err)
	}
	if err := s.TouchPolled(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}

	ids, err := s.EvictIdle(context.Background(), time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("recently polled session evicted: %v", ids)
	}
}

func TestListSessionsPagination(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		sess := makeSession()
		sess.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := s.CreateSession(context.Background(), sess); err != nil {
			t.Fatal(err)
		}
	}

	page, total, err := s.ListSessions(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Errorf("page size = %d, want 2", len(page))
	}
}

func TestSessionStats(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		sess := makeSession()
		if err := s.CreateSession(context.Background(), sess); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.SessionStats(context.Background())
	if err != nil {
		t.Fatalf("SessionStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus[model.StatusQueued] != 3 {
		t.Errorf("queued count = %d, want 3", stats.CountByStatus[model.StatusQueued])
	}
	if stats.CountByRuntime["python"] != 3 {
		t.Errorf("python count = %d, want 3", stats.CountByRuntime["python"])
	}
}
