// internal/gitsession/manager_test.go
package gitsession

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"codepunk/internal/gitcmd"
	"codepunk/internal/workdir"
)

func setupTestRepo(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	repo, err := os.MkdirTemp("", "gitsession-repo-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(repo) })

	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.name", "Test User"},
		{"config", "user.email", "test@example.com"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		if err := cmd.Run(); err != nil {
			t.Fatalf("git %v failed: %v", args, err)
		}
	}

	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("# repo"), 0644); err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{
		{"add", "README.md"},
		{"commit", "-m", "initial"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		if err := cmd.Run(); err != nil {
			t.Fatalf("git %v failed: %v", args, err)
		}
	}
	return repo
}

func newTestManager(t *testing.T, repo string) (*Manager, *workdir.Override) {
	t.Helper()

	stateDir, err := os.MkdirTemp("", "gitsession-state-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(stateDir) })

	store, err := OpenStateStore(stateDir)
	if err != nil {
		t.Fatalf("OpenStateStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	worktreeBase, err := os.MkdirTemp("", "gitsession-wt-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(worktreeBase) })

	opts := DefaultOptions()
	opts.WorktreeBasePath = worktreeBase
	opts.SessionTimeoutMinutes = 30

	override := workdir.New(repo)
	mgr := NewManager(opts, gitcmd.NewRunner(), store, override, nil)
	t.Cleanup(func() { mgr.Close() })
	return mgr, override
}

func TestSingleActiveSession(t *testing.T) {
	repo := setupTestRepo(t)
	mgr, override := newTestManager(t, repo)
	ctx := context.Background()

	first, err := mgr.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if first.State != StateActive {
		t.Errorf("expected active session, got %s", first.State)
	}
	if first.BaseBranch != "main" {
		t.Errorf("expected session anchored to main, got %q", first.BaseBranch)
	}
	if len(first.BaseCommit) != 40 {
		t.Errorf("expected full base commit hash, got %q", first.BaseCommit)
	}
	if !override.Active() || override.Get() != first.WorktreePath {
		t.Error("workdir override should point at the session worktree")
	}

	second, err := mgr.Begin(ctx)
	if err != nil {
		t.Fatalf("second Begin failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Begin must be idempotent while active: %s vs %s", first.ID, second.ID)
	}
}

func TestCommitToolCall(t *testing.T) {
	repo := setupTestRepo(t)
	mgr, _ := newTestManager(t, repo)
	ctx := context.Background()

	t.Run("BeforeBegin", func(t *testing.T) {
		if err := mgr.CommitToolCall(ctx, "write_file", "a.txt"); err == nil {
			t.Error("CommitToolCall before Begin must be an error, not a no-op")
		}
	})

	session, err := mgr.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("CommitsInOrder", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(session.WorktreePath, "a.txt"), []byte("a"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := mgr.CommitToolCall(ctx, "write_file", "a.txt"); err != nil {
			t.Fatalf("CommitToolCall failed: %v", err)
		}

		if err := os.WriteFile(filepath.Join(session.WorktreePath, "b.txt"), []byte("b"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := mgr.CommitToolCall(ctx, "shell", "make"); err != nil {
			t.Fatalf("CommitToolCall failed: %v", err)
		}

		calls := mgr.Current().CommittedToolCalls
		if len(calls) != 2 {
			t.Fatalf("expected 2 committed tool calls, got %d", len(calls))
		}
		if calls[0].ToolName != "write_file" || calls[1].ToolName != "shell" {
			t.Errorf("commit order wrong: %+v", calls)
		}
		if calls[0].CommitHash == "" || calls[0].CommitHash == calls[1].CommitHash {
			t.Error("each tool call should get its own commit")
		}
	})

	t.Run("EmptyCommitAllowed", func(t *testing.T) {
		if err := mgr.CommitToolCall(ctx, "shell", "true"); err != nil {
			t.Fatalf("empty commit should succeed: %v", err)
		}
	})
}

func TestEndAccept(t *testing.T) {
	repo := setupTestRepo(t)
	mgr, override := newTestManager(t, repo)
	ctx := context.Background()

	session, err := mgr.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(session.WorktreePath, "feature.txt"), []byte("done"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := mgr.CommitToolCall(ctx, "write_file", "feature.txt"); err != nil {
		t.Fatal(err)
	}

	if err := mgr.End(ctx, true); err != nil {
		t.Fatalf("End(accept) failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(repo, "feature.txt")); err != nil {
		t.Error("accepted session changes should land in the real workspace")
	}
	if override.Active() {
		t.Error("override should be cleared after End")
	}
	if mgr.Current().State != StateEnded {
		t.Errorf("expected Ended, got %s", mgr.Current().State)
	}
}

func TestEndAcceptGuards(t *testing.T) {
	t.Run("BranchSwitchedMidSession", func(t *testing.T) {
		repo := setupTestRepo(t)
		mgr, _ := newTestManager(t, repo)
		ctx := context.Background()

		session, err := mgr.Begin(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(session.WorktreePath, "f.txt"), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := mgr.CommitToolCall(ctx, "write_file", "f.txt"); err != nil {
			t.Fatal(err)
		}

		cmd := exec.Command("git", "checkout", "-b", "other")
		cmd.Dir = repo
		if err := cmd.Run(); err != nil {
			t.Fatalf("git checkout failed: %v", err)
		}

		if err := mgr.End(ctx, true); err == nil {
			t.Fatal("accept must refuse to merge into a branch the session was not started from")
		}
		if _, err := os.Stat(filepath.Join(repo, "f.txt")); !os.IsNotExist(err) {
			t.Error("refused merge must not touch the checked-out branch")
		}
	})

	t.Run("DirtyWorkspace", func(t *testing.T) {
		repo := setupTestRepo(t)
		mgr, _ := newTestManager(t, repo)
		ctx := context.Background()

		if _, err := mgr.Begin(ctx); err != nil {
			t.Fatal(err)
		}

		// Tracked file modified in the real checkout while the session ran.
		if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("# edited"), 0644); err != nil {
			t.Fatal(err)
		}

		if err := mgr.End(ctx, true); err == nil {
			t.Fatal("accept must refuse to merge over uncommitted tracked changes")
		}
	})
}

func TestEndDiscard(t *testing.T) {
	repo := setupTestRepo(t)
	mgr, _ := newTestManager(t, repo)
	ctx := context.Background()

	session, err := mgr.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(session.WorktreePath, "scrap.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := mgr.CommitToolCall(ctx, "write_file", "scrap.txt"); err != nil {
		t.Fatal(err)
	}

	if err := mgr.End(ctx, false); err != nil {
		t.Fatalf("End(discard) failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(repo, "scrap.txt")); !os.IsNotExist(err) {
		t.Error("discarded session changes must not touch the real workspace")
	}
	if _, err := os.Stat(session.WorktreePath); !os.IsNotExist(err) {
		t.Error("worktree should be removed on discard")
	}
}

func TestMarkFailed(t *testing.T) {
	repo := setupTestRepo(t)
	mgr, override := newTestManager(t, repo)
	ctx := context.Background()

	if _, err := mgr.Begin(ctx); err != nil {
		t.Fatal(err)
	}

	if err := mgr.MarkFailed(ctx, "tool panicked"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	current := mgr.Current()
	if current.State != StateFailed {
		t.Errorf("expected Failed, got %s", current.State)
	}
	if current.FailureReason != "tool panicked" {
		t.Errorf("failure reason not recorded: %q", current.FailureReason)
	}
	if override.Active() {
		t.Error("override should be cleared after failure")
	}

	// A failed session does not block a new one.
	next, err := mgr.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin after failure failed: %v", err)
	}
	if next.ID == current.ID {
		t.Error("expected a fresh session after failure")
	}
}

func TestTimeoutRevert(t *testing.T) {
	repo := setupTestRepo(t)
	mgr, override := newTestManager(t, repo)
	mgr.opts.SessionTimeoutMinutes = 1
	ctx := context.Background()

	base := time.Now()
	mgr.now = func() time.Time { return base }

	session, err := mgr.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(session.WorktreePath, "pending.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	// Within the window: nothing happens.
	mgr.now = func() time.Time { return base.Add(30 * time.Second) }
	mgr.CheckTimeout(ctx)
	if mgr.Current().State != StateActive {
		t.Fatalf("session should survive 30s idle, got %s", mgr.Current().State)
	}

	// Past the window: timed out and reverted.
	mgr.now = func() time.Time { return base.Add(2 * time.Minute) }
	mgr.CheckTimeout(ctx)

	if mgr.Current().State != StateTimedOut {
		t.Fatalf("expected TimedOut, got %s", mgr.Current().State)
	}
	if _, err := os.Stat(filepath.Join(repo, "pending.txt")); !os.IsNotExist(err) {
		t.Error("real workspace must show none of the session's changes")
	}
	if override.Active() {
		t.Error("override should be cleared after timeout")
	}
}

func TestCleanupOrphans(t *testing.T) {
	repo := setupTestRepo(t)
	mgr, _ := newTestManager(t, repo)
	ctx := context.Background()

	// Simulate a crash: a durable record left active with a stray worktree.
	staleWorktree, err := os.MkdirTemp("", "stale-wt-*")
	if err != nil {
		t.Fatal(err)
	}
	rec := &SessionRecord{
		SessionID:      "stale-session",
		Workspace:      repo,
		BranchName:     "ai/session/old",
		WorktreePath:   staleWorktree,
		State:          StateActive,
		StartedAt:      time.Now().Add(-2 * time.Hour),
		LastActivityAt: time.Now().Add(-2 * time.Hour),
	}
	if err := mgr.store.Save(rec); err != nil {
		t.Fatal(err)
	}

	if err := mgr.CleanupOrphans(ctx); err != nil {
		t.Fatalf("CleanupOrphans failed: %v", err)
	}

	got, err := mgr.store.Get("stale-session")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateTimedOut {
		t.Errorf("orphan should be resolved to TimedOut, got %s", got.State)
	}
	if _, err := os.Stat(staleWorktree); !os.IsNotExist(err) {
		t.Error("stale worktree should be removed")
	}

	stale, err := mgr.store.Stale(repo)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Errorf("no stale sessions should remain, got %d", len(stale))
	}
}
