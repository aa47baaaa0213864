// internal/checkpoint/shadow.go
package checkpoint

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"codepunk/internal/gitcmd"
)

const (
	botName  = "codepunk"
	botEmail = "bot@codepunk.local"
)

// ShadowStore snapshots the workspace into a hidden mirror repository, so
// any tool call can be rolled back whether or not the workspace itself is
// under version control.
//
// Layout under <CheckpointDirectory>/<workspaceHash>/:
//
//	mirror/    full copy of the workspace, its own git history
//	metadata/  one JSON record per checkpoint
type ShadowStore struct {
	opts   Options
	runner gitcmd.Git
	logger *slog.Logger

	mu          sync.Mutex
	workspace   string
	mirrorDir   string
	index       *metaIndex
	initialized bool
}

// NewShadowStore creates a ShadowStore. Initialize must be called before any
// checkpoint operation.
func NewShadowStore(opts Options, runner gitcmd.Git, logger *slog.Logger) *ShadowStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShadowStore{opts: opts, runner: runner, logger: logger}
}

// WorkspaceHash derives the mirror identity from the absolute workspace
// path. Deterministic, so repeated runs reuse the same mirror.
func WorkspaceHash(workspacePath string) string {
	abs, err := filepath.Abs(workspacePath)
	if err != nil {
		abs = workspacePath
	}
	sum := sha256.Sum256([]byte(abs))
	return fmt.Sprintf("%x", sum)[:16]
}

// Initialize creates the mirror and metadata directories and turns the
// mirror into a git repository with a fixed bot identity. Idempotent.
func (s *ShadowStore) Initialize(ctx context.Context, workspacePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	abs, err := filepath.Abs(workspacePath)
	if err != nil {
		return storeErr(KindIO, "resolve workspace path", err)
	}

	root := filepath.Join(s.opts.CheckpointDirectory, WorkspaceHash(abs))
	mirrorDir := filepath.Join(root, "mirror")
	metadataDir := filepath.Join(root, "metadata")

	for _, dir := range []string{mirrorDir, metadataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return storeErr(KindIO, "create checkpoint directories", err)
		}
	}

	if _, err := os.Stat(filepath.Join(mirrorDir, ".git")); os.IsNotExist(err) {
		steps := [][]string{
			{"init"},
			{"config", "user.name", botName},
			{"config", "user.email", botEmail},
			{"config", "commit.gpgsign", "false"},
		}
		for _, args := range steps {
			if res := s.runner.Run(ctx, mirrorDir, args...); !res.Ok() {
				if res.Cancelled {
					return storeErr(KindCancelled, "initialize mirror", res.Err())
				}
				return storeErr(KindCommandFailed, "initialize mirror", res.Err())
			}
		}
		s.logger.Info("initialized shadow mirror", "workspace", abs, "mirror", mirrorDir)
	}

	s.workspace = abs
	s.mirrorDir = mirrorDir
	s.index = &metaIndex{dir: metadataDir}
	s.initialized = true
	return nil
}

// CreateCheckpoint snapshots the entire workspace into the mirror and
// commits it. Empty commits are allowed so every tool call gets a
// checkpoint, changed or not.
func (s *ShadowStore) CreateCheckpoint(ctx context.Context, toolCallID, toolName, description string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, storeErr(KindNotInitialized, "store not initialized", nil)
	}

	id := uuid.New().String()
	ign := loadIgnoreMatcher(s.workspace)

	if err := mirrorTree(ctx, s.workspace, s.mirrorDir, ign); err != nil {
		if ctx.Err() != nil {
			return nil, storeErr(KindCancelled, "mirror workspace", err)
		}
		return nil, storeErr(KindIO, "mirror workspace", err)
	}

	if res := s.runner.Run(ctx, s.mirrorDir, "add", "-A"); !res.Ok() {
		return nil, s.commandErr("stage mirror changes", res)
	}

	message := fmt.Sprintf("checkpoint %s: %s", id, toolName)
	if description != "" {
		message += "\n\n" + description
	}
	if res := s.runner.Run(ctx, s.mirrorDir, "commit", "--allow-empty", "-m", message); !res.Ok() {
		return nil, s.commandErr("commit checkpoint", res)
	}

	hash, err := s.runner.Output(ctx, s.mirrorDir, "rev-parse", "HEAD")
	if err != nil {
		return nil, storeErr(KindCommandFailed, "resolve checkpoint commit", err)
	}

	cp := &Checkpoint{
		ID:            id,
		ToolCallID:    toolCallID,
		ToolName:      toolName,
		Description:   description,
		CreatedAt:     time.Now(),
		CommitHash:    hash,
		ModifiedFiles: s.commitFiles(ctx, hash),
	}

	// Metadata is written only after the commit succeeded; an aborted
	// creation never leaves a dangling index entry.
	if err := s.index.write(cp); err != nil {
		return nil, storeErr(KindSerialization, "write checkpoint metadata", err)
	}

	if s.opts.AutoPrune && s.opts.MaxCheckpoints > 0 {
		if removed, err := s.index.prune(s.opts.MaxCheckpoints); err == nil && len(removed) > 0 {
			s.logger.Debug("pruned checkpoints", "count", len(removed))
		}
	}

	return cp, nil
}

// RestoreCheckpoint rewrites the mirror worktree to exactly the checkpoint's
// tree, then overlays the mirror back onto the workspace. Workspace files
// absent from the snapshot are left in place (overlay semantics).
func (s *ShadowStore) RestoreCheckpoint(ctx context.Context, checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return storeErr(KindNotInitialized, "store not initialized", nil)
	}

	cp, err := s.index.read(checkpointID)
	if err != nil {
		if os.IsNotExist(err) {
			return storeErr(KindNotFound, fmt.Sprintf("checkpoint %s not found", checkpointID), nil)
		}
		return storeErr(KindSerialization, "read checkpoint metadata", err)
	}

	// read-tree loads the snapshot into the index without moving HEAD, so
	// subsequent checkpoints keep committing on the same branch.
	// checkout-index writes the snapshot files and clean removes mirror
	// files the snapshot does not contain; the worktree must equal the
	// snapshot exactly, or stale leftovers from a prior restore would leak
	// into the overlay. The sequence also handles empty snapshots, where a
	// pathspec checkout has nothing to match and fails.
	steps := [][]string{
		{"read-tree", cp.CommitHash},
		{"checkout-index", "-f", "-a"},
		{"clean", "-fdx"},
	}
	for _, args := range steps {
		if res := s.runner.Run(ctx, s.mirrorDir, args...); !res.Ok() {
			return s.commandErr("reset mirror to checkpoint", res)
		}
	}

	if err := overlayTree(ctx, s.mirrorDir, s.workspace); err != nil {
		if ctx.Err() != nil {
			return storeErr(KindCancelled, "restore workspace", err)
		}
		return storeErr(KindIO, "restore workspace", err)
	}

	s.logger.Info("restored checkpoint", "id", cp.ID, "commit", cp.CommitHash)
	return nil
}

// ListCheckpoints returns up to limit checkpoints, newest first. limit <= 0
// means no limit.
func (s *ShadowStore) ListCheckpoints(limit int) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, storeErr(KindNotInitialized, "store not initialized", nil)
	}
	checkpoints, err := s.index.list()
	if err != nil {
		return nil, storeErr(KindIO, "list checkpoint metadata", err)
	}
	if limit > 0 && len(checkpoints) > limit {
		checkpoints = checkpoints[:limit]
	}
	return checkpoints, nil
}

// GetCheckpoint returns one checkpoint by id. Corrupt metadata is reported,
// not skipped.
func (s *ShadowStore) GetCheckpoint(checkpointID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, storeErr(KindNotInitialized, "store not initialized", nil)
	}
	cp, err := s.index.read(checkpointID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storeErr(KindNotFound, fmt.Sprintf("checkpoint %s not found", checkpointID), nil)
		}
		return nil, storeErr(KindSerialization, "read checkpoint metadata", err)
	}
	return cp, nil
}

// PruneCheckpoints deletes metadata beyond the keepCount most recent. The
// mirror commits stay in history but become unreferenced by the index.
func (s *ShadowStore) PruneCheckpoints(keepCount int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, storeErr(KindNotInitialized, "store not initialized", nil)
	}
	removed, err := s.index.prune(keepCount)
	if err != nil {
		return 0, storeErr(KindIO, "prune checkpoint metadata", err)
	}
	return len(removed), nil
}

// commitFiles lists the paths touched by a commit relative to its parent.
func (s *ShadowStore) commitFiles(ctx context.Context, hash string) []string {
	out, err := s.runner.Output(ctx, s.mirrorDir,
		"diff-tree", "--no-commit-id", "--name-only", "-r", "--root", hash)
	if err != nil || out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

func (s *ShadowStore) commandErr(message string, res gitcmd.Result) *StoreError {
	if res.Cancelled {
		return storeErr(KindCancelled, message, res.Err())
	}
	if res.ExitCode == -1 {
		return storeErr(KindToolUnavailable, message, res.Err())
	}
	return storeErr(KindCommandFailed, message, res.Err())
}
