// internal/checkpoint/models.go
package checkpoint

import (
	"os"
	"path/filepath"
	"time"
)

// Checkpoint represents an immutable snapshot of the workspace tied to one
// tool invocation.
type Checkpoint struct {
	ID            string    `json:"id"`
	ToolCallID    string    `json:"tool_call_id"`
	ToolName      string    `json:"tool_name"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	CommitHash    string    `json:"commit_hash,omitempty"`
	ModifiedFiles []string  `json:"modified_files,omitempty"`
}

// Options holds checkpoint configuration, loaded once at startup.
type Options struct {
	Enabled             bool   `yaml:"enabled"`
	CheckpointDirectory string `yaml:"checkpoint_directory"`
	MaxCheckpoints      int    `yaml:"max_checkpoints"`
	AutoPrune           bool   `yaml:"auto_prune"`
}

// DefaultOptions returns the default checkpoint configuration.
func DefaultOptions() Options {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Options{
		Enabled:             true,
		CheckpointDirectory: filepath.Join(home, ".codepunk", "checkpoints"),
		MaxCheckpoints:      100,
		AutoPrune:           true,
	}
}
