// internal/gitsession/manager.go
package gitsession

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"codepunk/internal/gitcmd"
	"codepunk/internal/gitrepo"
	"codepunk/internal/watcher"
	"codepunk/internal/workdir"
)

const (
	activityDebounce = 1 * time.Second
	sweepInterval    = 30 * time.Second
)

// Manager owns the git session lifecycle: branch/worktree creation, one
// commit per mutating tool call, idle-timeout revert and orphan recovery.
// At most one session is active per workspace.
type Manager struct {
	opts     Options
	runner   gitcmd.Git
	store    *StateStore
	override *workdir.Override
	logger   *slog.Logger

	// injectable clock so timeout logic is testable
	now func() time.Time

	mu       sync.Mutex
	session  *Session
	repoPath string

	activity  *watcher.Watcher
	sweepOnce sync.Once
	done      chan struct{}
}

// NewManager creates a Manager for the workspace behind override.Base().
func NewManager(opts Options, runner gitcmd.Git, store *StateStore, override *workdir.Override, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:     opts,
		runner:   runner,
		store:    store,
		override: override,
		logger:   logger,
		now:      time.Now,
		repoPath: override.Base(),
		done:     make(chan struct{}),
	}
}

// IsEnabled reports whether sessions apply to this workspace: enabled in
// configuration and the workspace is a real repository.
func (m *Manager) IsEnabled() bool {
	return m.opts.Enabled && gitrepo.IsRepository(m.repoPath)
}

// AutoStart reports whether the first mutating tool call may start a session
// on its own.
func (m *Manager) AutoStart() bool {
	return m.opts.AutoStartSession
}

// Active reports whether a session is currently active or committing.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.stateLocked() {
	case StateActive, StateCommitting:
		return true
	}
	return false
}

// Current returns the current (or most recent) session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Begin starts a session: a branch off the current HEAD checked out into an
// isolated worktree. Idempotent while a session is active, so lazy starts
// from the interceptor converge on one session.
func (m *Manager) Begin(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		switch m.session.State {
		case StateActive, StateCommitting:
			return m.session, nil
		}
	}

	repo, err := gitrepo.Open(m.repoPath, m.runner)
	if err != nil {
		return nil, err
	}
	// The base branch is the merge target on accept; a detached HEAD has no
	// branch to merge back into, so it cannot host a session.
	baseBranch, err := repo.CurrentBranch(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve session base branch: %w", err)
	}
	baseCommit, err := repo.HeadCommit(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve session base commit: %w", err)
	}

	shortID := uuid.New().String()[:8]
	branch := fmt.Sprintf("%s/%s-%s", m.opts.BranchPrefix, m.now().Format("20060102-150405"), shortID)
	worktreePath := filepath.Join(m.opts.WorktreeBasePath, "codepunk-session-"+shortID)

	if res := m.runner.Run(ctx, m.repoPath, "worktree", "add", "-b", branch, worktreePath, "HEAD"); !res.Ok() {
		return nil, fmt.Errorf("create session worktree: %w", res.Err())
	}

	now := m.now()
	session := &Session{
		ID:             uuid.New().String(),
		BranchName:     branch,
		BaseBranch:     baseBranch,
		BaseCommit:     baseCommit,
		WorktreePath:   worktreePath,
		State:          StateActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	m.session = session
	m.persist(session)

	m.override.Set(worktreePath)
	m.startActivityWatcher(worktreePath)
	m.startSweep()

	m.logger.Info("session started", "id", session.ID, "branch", branch, "worktree", worktreePath)
	return session, nil
}

// CommitToolCall stages and commits all worktree changes on behalf of one
// successful mutating tool call. Empty commits are allowed so the commit
// trail stays one-to-one with tool calls.
func (m *Manager) CommitToolCall(ctx context.Context, toolName, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || m.session.State != StateActive {
		return fmt.Errorf("cannot commit tool call in state %s", m.stateLocked())
	}

	session := m.session
	session.State = StateCommitting

	message := toolName
	if summary != "" {
		message = fmt.Sprintf("%s: %s", toolName, summary)
	}

	if res := m.runner.Run(ctx, session.WorktreePath, "add", "-A"); !res.Ok() {
		session.State = StateActive
		return fmt.Errorf("stage session changes: %w", res.Err())
	}
	if res := m.runner.Run(ctx, session.WorktreePath, "commit", "--allow-empty", "-m", message); !res.Ok() {
		session.State = StateActive
		return fmt.Errorf("commit session changes: %w", res.Err())
	}

	hash, err := m.runner.Output(ctx, session.WorktreePath, "rev-parse", "HEAD")
	if err != nil {
		session.State = StateActive
		return fmt.Errorf("resolve session commit: %w", err)
	}

	now := m.now()
	session.CommittedToolCalls = append(session.CommittedToolCalls, CommittedToolCall{
		ToolName:   toolName,
		Summary:    summary,
		CommitHash: hash,
		At:         now,
	})
	session.LastActivityAt = now
	session.State = StateActive
	m.persist(session)
	return nil
}

// UpdateActivity bumps the session's last-activity timestamp without
// committing. Called for failed or cancelled tool results so a struggling
// agent doesn't get timed out mid-run.
func (m *Manager) UpdateActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || m.session.State != StateActive {
		return
	}
	m.session.LastActivityAt = m.now()
	m.persist(m.session)
}

// MarkFailed transitions the session to Failed after an unhandled error
// during tool execution. The branch is kept or discarded per
// KeepFailedSessionBranches; the worktree always goes.
func (m *Manager) MarkFailed(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return fmt.Errorf("no session to mark failed")
	}
	switch m.session.State {
	case StateActive, StateCommitting:
	default:
		return fmt.Errorf("cannot mark session failed in state %s", m.session.State)
	}

	session := m.session
	session.State = StateFailed
	session.FailureReason = reason

	m.deactivateLocked()
	m.removeWorktree(ctx, session)
	if !m.opts.KeepFailedSessionBranches {
		m.deleteBranch(ctx, session.BranchName)
	}
	m.persist(session)

	m.logger.Warn("session failed", "id", session.ID, "reason", reason)
	return nil
}

// End finishes the session explicitly. accept merges the real branch
// forward to the session branch; discard deletes branch and worktree
// without merging.
func (m *Manager) End(ctx context.Context, accept bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || m.session.State != StateActive {
		return fmt.Errorf("cannot end session in state %s", m.stateLocked())
	}

	session := m.session
	if accept {
		repo, err := gitrepo.Open(m.repoPath, m.runner)
		if err != nil {
			return err
		}
		// Merge only into the branch the session was started from. A
		// checkout that happened mid-session would otherwise silently
		// receive the session's commits.
		branch, err := repo.CurrentBranch(ctx)
		if err != nil {
			return fmt.Errorf("resolve merge target: %w", err)
		}
		if branch != session.BaseBranch {
			return fmt.Errorf("checked-out branch changed from %s to %s, refusing to merge session", session.BaseBranch, branch)
		}
		status, err := repo.Status(ctx)
		if err != nil {
			return fmt.Errorf("check merge target: %w", err)
		}
		if status.HasTrackedChanges() {
			return fmt.Errorf("workspace has uncommitted tracked changes, refusing to merge session")
		}

		res := m.runner.Run(ctx, m.repoPath, "merge", "--ff-only", session.BranchName)
		if !res.Ok() {
			// Base moved since the session began; fall back to a merge commit.
			res = m.runner.Run(ctx, m.repoPath, "merge", "--no-ff", "-m",
				"Merge session "+session.BranchName, session.BranchName)
		}
		if !res.Ok() {
			return fmt.Errorf("merge session branch: %w", res.Err())
		}
	}

	m.deactivateLocked()
	m.removeWorktree(ctx, session)
	m.deleteBranch(ctx, session.BranchName)

	session.State = StateEnded
	m.persist(session)

	m.logger.Info("session ended", "id", session.ID, "accepted", accept,
		"commits", len(session.CommittedToolCalls))
	return nil
}

// CheckTimeout transitions an idle session to TimedOut. Called periodically
// by the background sweep; exported so a host can also trigger it on its own
// schedule.
func (m *Manager) CheckTimeout(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || m.session.State != StateActive {
		return
	}
	if m.now().Sub(m.session.LastActivityAt) <= m.opts.Timeout() {
		return
	}

	session := m.session
	session.State = StateTimedOut

	m.deactivateLocked()
	if m.opts.AutoRevertOnTimeout {
		m.removeWorktree(ctx, session)
		if !m.opts.KeepFailedSessionBranches {
			m.deleteBranch(ctx, session.BranchName)
		}
	}
	m.persist(session)

	m.logger.Warn("session timed out", "id", session.ID,
		"idle", m.now().Sub(session.LastActivityAt).Round(time.Second))
}

// CleanupOrphans resolves sessions left active by a crashed process:
// worktrees are removed and the durable records are marked timed out.
func (m *Manager) CleanupOrphans(ctx context.Context) error {
	records, err := m.store.Stale(m.repoPath)
	if err != nil {
		return fmt.Errorf("list stale sessions: %w", err)
	}

	for _, rec := range records {
		if _, statErr := os.Stat(rec.WorktreePath); statErr == nil {
			if res := m.runner.Run(ctx, m.repoPath, "worktree", "remove", "--force", rec.WorktreePath); !res.Ok() {
				os.RemoveAll(rec.WorktreePath)
			}
		}
		if m.opts.AutoRevertOnTimeout && !m.opts.KeepFailedSessionBranches {
			m.deleteBranch(ctx, rec.BranchName)
		}

		rec.State = StateTimedOut
		if err := m.store.Save(&rec); err != nil {
			m.logger.Warn("failed to update orphaned session record", "id", rec.SessionID, "error", err)
		}
		m.logger.Info("cleaned up orphaned session", "id", rec.SessionID, "branch", rec.BranchName)
	}

	if len(records) > 0 {
		m.runner.Run(ctx, m.repoPath, "worktree", "prune")
	}
	return nil
}

// Close stops the background sweep and the activity watcher. The current
// session, if any, is left as-is for the next process to recover.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.done:
	default:
		close(m.done)
	}
	if m.activity != nil {
		m.activity.Close()
		m.activity = nil
	}
	return nil
}

// persist writes the durable projection of a session.
func (m *Manager) persist(session *Session) {
	rec := &SessionRecord{
		SessionID:      session.ID,
		Workspace:      m.repoPath,
		BranchName:     session.BranchName,
		WorktreePath:   session.WorktreePath,
		State:          session.State,
		StartedAt:      session.StartedAt,
		LastActivityAt: session.LastActivityAt,
		FailureReason:  session.FailureReason,
	}
	if err := m.store.Save(rec); err != nil {
		m.logger.Warn("failed to persist session state", "id", session.ID, "error", err)
	}
}

// deactivateLocked clears the worktree redirect and stops activity tracking.
func (m *Manager) deactivateLocked() {
	m.override.Clear()
	if m.activity != nil {
		m.activity.Close()
		m.activity = nil
	}
}

func (m *Manager) removeWorktree(ctx context.Context, session *Session) {
	if res := m.runner.Run(ctx, m.repoPath, "worktree", "remove", "--force", session.WorktreePath); !res.Ok() {
		os.RemoveAll(session.WorktreePath)
		m.runner.Run(ctx, m.repoPath, "worktree", "prune")
	}
}

func (m *Manager) deleteBranch(ctx context.Context, branch string) {
	m.runner.Run(ctx, m.repoPath, "branch", "-D", branch)
}

func (m *Manager) stateLocked() State {
	if m.session == nil {
		return StateNotStarted
	}
	return m.session.State
}

func (m *Manager) startActivityWatcher(worktreePath string) {
	w, err := watcher.New(worktreePath, activityDebounce, m.UpdateActivity)
	if err != nil {
		m.logger.Warn("activity watcher unavailable", "error", err)
		return
	}
	if err := w.Start(); err != nil {
		w.Close()
		return
	}
	m.activity = w
}

func (m *Manager) startSweep() {
	m.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					m.CheckTimeout(context.Background())
				case <-m.done:
					return
				}
			}
		}()
	})
}
