// internal/checkpoint/index.go
package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// metaIndex is the on-disk metadata index shared by both store
// implementations: one <checkpointId>.json per checkpoint under the
// workspace's metadata directory.
type metaIndex struct {
	dir string
}

func (ix *metaIndex) path(id string) string {
	return filepath.Join(ix.dir, id+".json")
}

// write persists a checkpoint record. Called only after the underlying
// snapshot/commit succeeded so an aborted creation never corrupts the index.
func (ix *metaIndex) write(cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(ix.path(cp.ID), data, 0644)
}

// read loads a single record. A missing file yields os.ErrNotExist.
func (ix *metaIndex) read(id string) (*Checkpoint, error) {
	data, err := os.ReadFile(ix.path(id))
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// list returns all readable records, newest first. Corrupt records are
// skipped here; GetCheckpoint reports them instead.
func (ix *metaIndex) list() ([]Checkpoint, error) {
	entries, err := os.ReadDir(ix.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var checkpoints []Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(ix.dir, entry.Name()))
		if err != nil {
			continue
		}
		var cp Checkpoint
		if json.Unmarshal(data, &cp) == nil {
			checkpoints = append(checkpoints, cp)
		}
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].CreatedAt.After(checkpoints[j].CreatedAt)
	})

	return checkpoints, nil
}

// prune deletes records beyond the keep most recent, oldest first, and
// returns the ids it removed.
func (ix *metaIndex) prune(keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	checkpoints, err := ix.list()
	if err != nil {
		return nil, err
	}
	if len(checkpoints) <= keep {
		return nil, nil
	}

	// Oldest first, so an interrupted prune still leaves the newest records.
	var removed []string
	for i := len(checkpoints) - 1; i >= keep; i-- {
		cp := checkpoints[i]
		if err := os.Remove(ix.path(cp.ID)); err != nil && !os.IsNotExist(err) {
			continue
		}
		removed = append(removed, cp.ID)
	}
	return removed, nil
}
