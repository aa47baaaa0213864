// internal/gitsession/models.go
package gitsession

import (
	"os"
	"path/filepath"
	"time"
)

// State is the lifecycle state of a git session. Transitions are an explicit
// switch in the Manager; illegal transitions are errors.
type State int

const (
	StateNotStarted State = iota
	StateActive
	StateCommitting
	StateTimedOut
	StateFailed
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateActive:
		return "active"
	case StateCommitting:
		return "committing"
	case StateTimedOut:
		return "timed-out"
	case StateFailed:
		return "failed"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// ParseState converts a stored state string back to a State.
func ParseState(s string) State {
	switch s {
	case "active":
		return StateActive
	case "committing":
		return StateCommitting
	case "timed-out":
		return StateTimedOut
	case "failed":
		return StateFailed
	case "ended":
		return StateEnded
	default:
		return StateNotStarted
	}
}

// CommittedToolCall is one commit made on behalf of a tool call.
type CommittedToolCall struct {
	ToolName   string    `json:"tool_name"`
	Summary    string    `json:"summary"`
	CommitHash string    `json:"commit_hash"`
	At         time.Time `json:"at"`
}

// Session represents one agent working period isolated behind a branch and
// worktree.
type Session struct {
	ID                 string              `json:"id"`
	BranchName         string              `json:"branch_name"`
	BaseBranch         string              `json:"base_branch"`
	BaseCommit         string              `json:"base_commit"`
	WorktreePath       string              `json:"worktree_path"`
	State              State               `json:"state"`
	StartedAt          time.Time           `json:"started_at"`
	LastActivityAt     time.Time           `json:"last_activity_at"`
	CommittedToolCalls []CommittedToolCall `json:"committed_tool_calls,omitempty"`
	FailureReason      string              `json:"failure_reason,omitempty"`
}

// Options holds git session configuration.
type Options struct {
	Enabled                          bool   `yaml:"enabled"`
	AutoStartSession                 bool   `yaml:"auto_start_session"`
	BranchPrefix                     string `yaml:"branch_prefix"`
	WorktreeBasePath                 string `yaml:"worktree_base_path"`
	SessionTimeoutMinutes            int    `yaml:"session_timeout_minutes"`
	AutoRevertOnTimeout              bool   `yaml:"auto_revert_on_timeout"`
	CleanupOrphanedSessionsOnStartup bool   `yaml:"cleanup_orphaned_sessions_on_startup"`
	KeepFailedSessionBranches        bool   `yaml:"keep_failed_session_branches"`
	StateStorePath                   string `yaml:"state_store_path"`
}

// DefaultOptions returns the default session configuration.
func DefaultOptions() Options {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Options{
		Enabled:                          true,
		AutoStartSession:                 true,
		BranchPrefix:                     "ai/session",
		WorktreeBasePath:                 os.TempDir(),
		SessionTimeoutMinutes:            30,
		AutoRevertOnTimeout:              true,
		CleanupOrphanedSessionsOnStartup: true,
		KeepFailedSessionBranches:        false,
		StateStorePath:                   filepath.Join(home, ".codepunk", "git-sessions"),
	}
}

// Timeout returns SessionTimeoutMinutes as a duration.
func (o Options) Timeout() time.Duration {
	return time.Duration(o.SessionTimeoutMinutes) * time.Minute
}
