// internal/checkpoint/snapshot.go
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// SnapshotStore is the checkpoint store used when no git binary is
// available. Files are kept in a content-addressed pool, zstd-compressed and
// keyed by content hash, so unchanged files cost nothing per checkpoint.
//
// Layout under <CheckpointDirectory>/<workspaceHash>/:
//
//	content_pool/  one compressed blob per distinct file content
//	refs/          one JSON file list per checkpoint
//	metadata/      one JSON record per checkpoint (same index as ShadowStore)
type SnapshotStore struct {
	opts   Options
	logger *slog.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu          sync.Mutex
	workspace   string
	poolDir     string
	refsDir     string
	index       *metaIndex
	initialized bool
}

// fileRef records one workspace file as of a checkpoint.
type fileRef struct {
	Path string `json:"path"` // relative to the workspace root
	Hash string `json:"hash"`
	Size int64  `json:"size"`
	Mode uint32 `json:"mode"`
}

// NewSnapshotStore creates a SnapshotStore.
func NewSnapshotStore(opts Options, logger *slog.Logger) *SnapshotStore {
	if logger == nil {
		logger = slog.Default()
	}
	encoder, _ := zstd.NewWriter(nil)
	decoder, _ := zstd.NewReader(nil)
	return &SnapshotStore{opts: opts, logger: logger, encoder: encoder, decoder: decoder}
}

// Initialize creates the pool, refs and metadata directories. Idempotent.
func (s *SnapshotStore) Initialize(ctx context.Context, workspacePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	abs, err := filepath.Abs(workspacePath)
	if err != nil {
		return storeErr(KindIO, "resolve workspace path", err)
	}

	root := filepath.Join(s.opts.CheckpointDirectory, WorkspaceHash(abs))
	poolDir := filepath.Join(root, "content_pool")
	refsDir := filepath.Join(root, "refs")
	metadataDir := filepath.Join(root, "metadata")

	for _, dir := range []string{poolDir, refsDir, metadataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return storeErr(KindIO, "create checkpoint directories", err)
		}
	}

	s.workspace = abs
	s.poolDir = poolDir
	s.refsDir = refsDir
	s.index = &metaIndex{dir: metadataDir}
	s.initialized = true
	return nil
}

// CreateCheckpoint snapshots every workspace file into the content pool.
func (s *SnapshotStore) CreateCheckpoint(ctx context.Context, toolCallID, toolName, description string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, storeErr(KindNotInitialized, "store not initialized", nil)
	}

	id := uuid.New().String()

	prev := s.latestRefs()

	refs, err := s.snapshotWorkspace(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, storeErr(KindCancelled, "snapshot workspace", err)
		}
		return nil, storeErr(KindIO, "snapshot workspace", err)
	}

	refsJSON, err := json.MarshalIndent(refs, "", "  ")
	if err != nil {
		return nil, storeErr(KindSerialization, "marshal file refs", err)
	}
	if err := os.WriteFile(filepath.Join(s.refsDir, id+".json"), refsJSON, 0644); err != nil {
		return nil, storeErr(KindIO, "write file refs", err)
	}

	cp := &Checkpoint{
		ID:            id,
		ToolCallID:    toolCallID,
		ToolName:      toolName,
		Description:   description,
		CreatedAt:     time.Now(),
		ModifiedFiles: diffRefs(prev, refs),
	}

	if err := s.index.write(cp); err != nil {
		return nil, storeErr(KindSerialization, "write checkpoint metadata", err)
	}

	if s.opts.AutoPrune && s.opts.MaxCheckpoints > 0 {
		if removed, err := s.index.prune(s.opts.MaxCheckpoints); err == nil {
			for _, rid := range removed {
				os.Remove(filepath.Join(s.refsDir, rid+".json"))
			}
		}
	}

	return cp, nil
}

// RestoreCheckpoint overlays the checkpoint's files back onto the workspace.
func (s *SnapshotStore) RestoreCheckpoint(ctx context.Context, checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return storeErr(KindNotInitialized, "store not initialized", nil)
	}

	if _, err := s.index.read(checkpointID); err != nil {
		if os.IsNotExist(err) {
			return storeErr(KindNotFound, fmt.Sprintf("checkpoint %s not found", checkpointID), nil)
		}
		return storeErr(KindSerialization, "read checkpoint metadata", err)
	}

	refs, err := s.readRefs(checkpointID)
	if err != nil {
		return storeErr(KindSerialization, "read file refs", err)
	}

	for _, ref := range refs {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return storeErr(KindCancelled, "restore workspace", ctxErr)
		}
		compressed, err := os.ReadFile(filepath.Join(s.poolDir, ref.Hash))
		if err != nil {
			return storeErr(KindIO, fmt.Sprintf("read pool blob for %s", ref.Path), err)
		}
		content, err := s.decoder.DecodeAll(compressed, nil)
		if err != nil {
			return storeErr(KindSerialization, fmt.Sprintf("decompress %s", ref.Path), err)
		}
		target := filepath.Join(s.workspace, ref.Path)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return storeErr(KindIO, fmt.Sprintf("create dir for %s", ref.Path), err)
		}
		if err := os.WriteFile(target, content, os.FileMode(ref.Mode)); err != nil {
			return storeErr(KindIO, fmt.Sprintf("restore %s", ref.Path), err)
		}
	}

	s.logger.Info("restored checkpoint", "id", checkpointID, "files", len(refs))
	return nil
}

// ListCheckpoints returns up to limit checkpoints, newest first.
func (s *SnapshotStore) ListCheckpoints(limit int) ([]Checkpoint, error) {
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

// GetCheckpoint returns one checkpoint by id.
func (s *SnapshotStore) GetCheckpoint(checkpointID string) (*Checkpoint, error) {
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

// PruneCheckpoints deletes metadata and refs beyond the keepCount most
// recent. Pool blobs stay; they may be shared by surviving checkpoints.
func (s *SnapshotStore) PruneCheckpoints(keepCount int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, storeErr(KindNotInitialized, "store not initialized", nil)
	}
	removed, err := s.index.prune(keepCount)
	if err != nil {
		return 0, storeErr(KindIO, "prune checkpoint metadata", err)
	}
	for _, rid := range removed {
		os.Remove(filepath.Join(s.refsDir, rid+".json"))
	}
	return len(removed), nil
}

// snapshotWorkspace walks the workspace and stores every regular file in the
// content pool, returning the ref list.
func (s *SnapshotStore) snapshotWorkspace(ctx context.Context) ([]fileRef, error) {
	ign := loadIgnoreMatcher(s.workspace)

	var refs []fileRef
	err := filepath.WalkDir(s.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, err := filepath.Rel(s.workspace, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if excluded(rel, ign) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		hash := fmt.Sprintf("%x", sha256.Sum256(content))
		poolFile := filepath.Join(s.poolDir, hash)
		if _, statErr := os.Stat(poolFile); os.IsNotExist(statErr) {
			compressed := s.encoder.EncodeAll(content, nil)
			if err := os.WriteFile(poolFile, compressed, 0644); err != nil {
				return err
			}
		}

		refs = append(refs, fileRef{
			Path: rel,
			Hash: hash,
			Size: info.Size(),
			Mode: uint32(info.Mode().Perm()),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

func (s *SnapshotStore) readRefs(id string) ([]fileRef, error) {
	data, err := os.ReadFile(filepath.Join(s.refsDir, id+".json"))
	if err != nil {
		return nil, err
	}
	var refs []fileRef
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

// latestRefs returns the ref list of the most recent checkpoint, or nil.
func (s *SnapshotStore) latestRefs() []fileRef {
	checkpoints, err := s.index.list()
	if err != nil || len(checkpoints) == 0 {
		return nil
	}
	refs, err := s.readRefs(checkpoints[0].ID)
	if err != nil {
		return nil
	}
	return refs
}

// diffRefs lists paths added, changed or removed between two snapshots.
func diffRefs(prev, next []fileRef) []string {
	prevByPath := make(map[string]string, len(prev))
	for _, ref := range prev {
		prevByPath[ref.Path] = ref.Hash
	}

	var changed []string
	seen := make(map[string]bool, len(next))
	for _, ref := range next {
		seen[ref.Path] = true
		if prevByPath[ref.Path] != ref.Hash {
			changed = append(changed, ref.Path)
		}
	}
	for _, ref := range prev {
		if !seen[ref.Path] {
			changed = append(changed, ref.Path)
		}
	}
	return changed
}
