// internal/checkpoint/store.go
package checkpoint

import (
	"context"
	"log/slog"

	"codepunk/internal/gitcmd"
)

// Store creates, lists, restores and prunes workspace checkpoints.
// Implementations: ShadowStore (git mirror) and SnapshotStore
// (content-addressed fallback when git is unavailable).
type Store interface {
	Initialize(ctx context.Context, workspacePath string) error
	CreateCheckpoint(ctx context.Context, toolCallID, toolName, description string) (*Checkpoint, error)
	RestoreCheckpoint(ctx context.Context, checkpointID string) error
	ListCheckpoints(limit int) ([]Checkpoint, error)
	GetCheckpoint(checkpointID string) (*Checkpoint, error)
	PruneCheckpoints(keepCount int) (int, error)
}

// NewStore returns the git-mirror store when the git binary resolves,
// otherwise the snapshot store. Both honor the same metadata layout, so a
// workspace can be inspected with either.
func NewStore(opts Options, runner gitcmd.Git, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.Default()
	}
	if runner != nil && runner.Available() {
		return NewShadowStore(opts, runner, logger)
	}
	logger.Warn("git binary unavailable, using snapshot checkpoint store")
	return NewSnapshotStore(opts, logger)
}
