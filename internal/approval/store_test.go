package approval

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/dataguard/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func decision(id string) model.Decision {
	return model.Decision{
		DecisionID:    id,
		ProposalID:    "p-" + id,
		Verdict:       model.RequireApproval,
		Reason:        "needs review",
		RequiresHuman: true,
	}
}

func openOne(t *testing.T, tbl *Table, id string, at time.Time) Approval {
	t.Helper()
	a, err := tbl.Open(decision(id), model.CallContext{AgentID: "agent", TenantID: "acme"}, "bash", at)
	if err != nil {
		t.Fatalf("Open(%s): %v", id, err)
	}
	return a
}

func TestOpenCreatesPending(t *testing.T) {
	tbl := NewTable()
	a := openOne(t, tbl, "d1", t0)
	if a.Status != StatusPending {
		t.Errorf("expected pending, got %s", a.Status)
	}
	if a.TenantID != "acme" || a.AgentID != "agent" || a.ToolName != "bash" {
		t.Errorf("unexpected metadata: %+v", a)
	}
	if a.Decision.ProposalID != "p-d1" {
		t.Errorf("expected decision carried, got %+v", a.Decision)
	}
}

func TestOpenTwiceFails(t *testing.T) {
	tbl := NewTable()
	openOne(t, tbl, "d1", t0)
	_, err := tbl.Open(decision("d1"), model.CallContext{}, "bash", t0)
	if !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
}

func TestOpenRejectsBadKey(t *testing.T) {
	tbl := NewTable()
	for _, id := range []string{"", "../etc/passwd", "a/b", "a b"} {
		if _, err := tbl.Open(decision(id), model.CallContext{}, "x", t0); err == nil {
			t.Errorf("expected error for id %q", id)
		}
	}
}

func TestResolveApprove(t *testing.T) {
	tbl := NewTable()
	openOne(t, tbl, "d1", t0)
	a, err := tbl.Resolve("d1", true, "alice", t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != StatusApproved || a.Reviewer != "alice" {
		t.Errorf("unexpected approval: %+v", a)
	}
	if a.ResolvedAt == nil || !a.ResolvedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("unexpected resolved_at: %v", a.ResolvedAt)
	}
}

func TestResolveReject(t *testing.T) {
	tbl := NewTable()
	openOne(t, tbl, "d1", t0)
	a, err := tbl.Resolve("d1", false, "bob", t0)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != StatusRejected {
		t.Errorf("expected rejected, got %s", a.Status)
	}
}

func TestResolveUnknown(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.Resolve("missing", true, "x", t0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := tbl.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from Get, got %v", err)
	}
}

func TestResolveTwice(t *testing.T) {
	tbl := NewTable()
	openOne(t, tbl, "d1", t0)
	if _, err := tbl.Resolve("d1", true, "alice", t0); err != nil {
		t.Fatal(err)
	}
	a, err := tbl.Resolve("d1", false, "mallory", t0)
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if a.Status != StatusApproved || a.Reviewer != "alice" {
		t.Errorf("first resolution must stand, got %+v", a)
	}
}

func TestResolveExactlyOnceConcurrent(t *testing.T) {
	tbl := NewTable()
	openOne(t, tbl, "race", t0)

	const n = 64
	var wins, already atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := tbl.Resolve("race", i%2 == 0, fmt.Sprintf("r%d", i), t0)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyResolved):
				already.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly 1 winner, got %d", wins.Load())
	}
	if already.Load() != n-1 {
		t.Errorf("expected %d AlreadyResolved, got %d", n-1, already.Load())
	}
}

func TestUnrelatedApprovalsIndependent(t *testing.T) {
	tbl := NewTable()
	const n = 50
	for i := 0; i < n; i++ {
		openOne(t, tbl, fmt.Sprintf("d%d", i), t0)
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := tbl.Resolve(fmt.Sprintf("d%d", i), true, "r", t0); err != nil {
				t.Errorf("resolve d%d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if got := len(tbl.Pending()); got != 0 {
		t.Errorf("expected no pending, got %d", got)
	}
	if got := tbl.PendingCount(); got != 0 {
		t.Errorf("expected pending count 0, got %d", got)
	}
}

func TestPendingOrderedOldestFirst(t *testing.T) {
	tbl := NewTable()
	openOne(t, tbl, "late", t0.Add(2*time.Minute))
	openOne(t, tbl, "early", t0)
	openOne(t, tbl, "mid", t0.Add(time.Minute))
	openOne(t, tbl, "done", t0)
	if _, err := tbl.Resolve("done", true, "r", t0); err != nil {
		t.Fatal(err)
	}

	pending := tbl.Pending()
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	want := []string{"early", "mid", "late"}
	for i, a := range pending {
		if a.DecisionID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], a.DecisionID)
		}
	}
	if len(tbl.List()) != 4 {
		t.Errorf("expected 4 approvals in List, got %d", len(tbl.List()))
	}
}

func TestExpire(t *testing.T) {
	tbl := NewTable()
	openOne(t, tbl, "old", t0)
	openOne(t, tbl, "fresh", t0.Add(50*time.Minute))

	closed := tbl.Expire(30*time.Minute, t0.Add(time.Hour))
	if len(closed) != 1 || closed[0].DecisionID != "old" {
		t.Fatalf("expected old expired, got %+v", closed)
	}
	if closed[0].Status != StatusRejected || closed[0].Reviewer != ExpiredReviewer {
		t.Errorf("unexpected expired approval: %+v", closed[0])
	}
	a, _ := tbl.Get("fresh")
	if a.Status != StatusPending {
		t.Errorf("fresh approval must stay pending, got %s", a.Status)
	}
}

func TestPrune(t *testing.T) {
	tbl := NewTable()
	openOne(t, tbl, "a", t0)
	openOne(t, tbl, "b", t0)
	if _, err := tbl.Resolve("a", true, "r", t0); err != nil {
		t.Fatal(err)
	}
	if n := tbl.Prune(time.Hour, t0.Add(2*time.Hour)); n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
	if tbl.Len() != 1 {
		t.Errorf("expected 1 left, got %d", tbl.Len())
	}
	if tbl.PendingCount() != 1 {
		t.Errorf("expected pending count 1, got %d", tbl.PendingCount())
	}
	if _, err := tbl.Get("b"); err != nil {
		t.Errorf("expected pending approval kept: %v", err)
	}
}

func TestPruneRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	openOne(t, s, "old", t0)
	openOne(t, s, "recent", t0)
	if _, err := s.Resolve("old", false, "r", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Resolve("recent", true, "r", t0.Add(90*time.Minute)); err != nil {
		t.Fatal(err)
	}

	if n := s.Prune(time.Hour, t0.Add(2*time.Hour)); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "old.json")); !os.IsNotExist(err) {
		t.Errorf("expected old.json removed, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "recent.json")); err != nil {
		t.Errorf("expected recent.json kept: %v", err)
	}
}

func TestStorePersistsAndRestores(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	openOne(t, s, "keep", t0)
	openOne(t, s, "resolved", t0)
	if _, err := s.Resolve("resolved", false, "carol", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "keep.json")); err != nil {
		t.Fatalf("expected approval file: %v", err)
	}

	restored, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if restored.Len() != 2 {
		t.Fatalf("expected 2 restored approvals, got %d", restored.Len())
	}
	if p := restored.Pending(); len(p) != 1 || p[0].DecisionID != "keep" {
		t.Errorf("expected keep pending after restore, got %+v", p)
	}
	if restored.PendingCount() != 1 {
		t.Errorf("expected pending count 1 after restore, got %d", restored.PendingCount())
	}
	if _, err := restored.Resolve("resolved", true, "x", t0); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("restored resolution must stand, got %v", err)
	}
}

func TestStoreIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}
}
