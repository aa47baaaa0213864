// codepunk.go
//
// Package codepunk gives an autonomous coding agent a safety net around
// workspace mutations: whole-workspace checkpoints in a hidden mirror
// repository, and isolated branch/worktree sessions committed one change-set
// per tool call.
package codepunk

import (
	"context"
	"fmt"
	"log/slog"

	"codepunk/internal/checkpoint"
	"codepunk/internal/config"
	"codepunk/internal/gitcmd"
	"codepunk/internal/gitsession"
	"codepunk/internal/tools"
	"codepunk/internal/workdir"
)

// Config re-exports the process-wide configuration.
type Config = config.Config

// LoadConfig reads the configuration at the standard location.
func LoadConfig() (*Config, error) {
	return config.Load(config.DefaultPath())
}

// Safety bundles the checkpoint store and the session manager for one
// workspace. Checkpoints is nil when checkpointing is disabled.
type Safety struct {
	Checkpoints checkpoint.Store
	Sessions    *gitsession.Manager
	Workdir     *workdir.Override

	stateStore *gitsession.StateStore
}

// New assembles the subsystem for workspacePath. Orphaned sessions from a
// crashed prior process are cleaned up here when configured.
func New(ctx context.Context, workspacePath string, cfg *Config, logger *slog.Logger) (*Safety, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	runner := gitcmd.NewRunner()
	override := workdir.New(workspacePath)

	var store checkpoint.Store
	if cfg.Checkpointing.Enabled {
		store = checkpoint.NewStore(cfg.Checkpointing, runner, logger)
		if err := store.Initialize(ctx, workspacePath); err != nil {
			return nil, fmt.Errorf("initialize checkpoint store: %w", err)
		}
	}

	stateStore, err := gitsession.OpenStateStore(cfg.GitSession.StateStorePath)
	if err != nil {
		return nil, fmt.Errorf("open session state store: %w", err)
	}

	manager := gitsession.NewManager(cfg.GitSession, runner, stateStore, override, logger)
	if cfg.GitSession.CleanupOrphanedSessionsOnStartup && manager.IsEnabled() {
		if err := manager.CleanupOrphans(ctx); err != nil {
			logger.Warn("orphaned session cleanup failed", "error", err)
		}
	}

	return &Safety{
		Checkpoints: store,
		Sessions:    manager,
		Workdir:     override,
		stateStore:  stateStore,
	}, nil
}

// Wrap decorates a tool dispatcher with session management.
func (s *Safety) Wrap(inner tools.Dispatcher, logger *slog.Logger) tools.Dispatcher {
	return tools.NewSessionInterceptor(inner, s.Sessions, logger)
}

// Close releases the manager's background resources and the state store.
func (s *Safety) Close() error {
	s.Sessions.Close()
	return s.stateStore.Close()
}
