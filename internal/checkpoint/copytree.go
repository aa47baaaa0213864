// internal/checkpoint/copytree.go
package checkpoint

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// Directories never mirrored regardless of ignore rules: the workspace's own
// version control and the agent's internal state.
var alwaysExcluded = map[string]bool{
	".git":      true,
	".codepunk": true,
}

// loadIgnoreMatcher compiles the workspace root .gitignore, if any. A nil
// matcher means nothing extra is excluded.
func loadIgnoreMatcher(workspace string) gitignore.IgnoreParser {
	matcher, err := gitignore.CompileIgnoreFile(filepath.Join(workspace, ".gitignore"))
	if err != nil {
		return nil
	}
	return matcher
}

// excluded applies at any depth: a vendored repository's .git directory must
// not reach the mirror, where add -A would record it as an empty gitlink.
func excluded(rel string, ign gitignore.IgnoreParser) bool {
	for _, seg := range strings.Split(rel, string(filepath.Separator)) {
		if alwaysExcluded[seg] {
			return true
		}
	}
	if ign != nil && ign.MatchesPath(rel) {
		return true
	}
	return false
}

// mirrorTree makes dst an exact copy of src (minus exclusions): files are
// copied over and entries that vanished from src are deleted from dst. The
// copy is cancellable between file operations.
func mirrorTree(ctx context.Context, src, dst string, ign gitignore.IgnoreParser) error {
	if err := copyTree(ctx, src, dst, ign); err != nil {
		return err
	}
	return removeExtraneous(ctx, src, dst, ign)
}

// overlayTree copies src files onto dst without deleting anything already in
// dst. Used for restore, which is deliberately overlay rather than
// exact-mirror.
func overlayTree(ctx context.Context, src, dst string) error {
	return copyTree(ctx, src, dst, nil)
}

func copyTree(ctx context.Context, src, dst string, ign gitignore.IgnoreParser) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, err := filepath.Rel(src, path)
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

		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			// Symlinks and specials are not snapshotted.
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// removeExtraneous deletes dst entries with no counterpart in src so the
// mirror commit records deletions. dst's own .git is never touched.
func removeExtraneous(ctx context.Context, src, dst string, ign gitignore.IgnoreParser) error {
	return filepath.WalkDir(dst, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, err := filepath.Rel(dst, path)
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

		if _, statErr := os.Lstat(filepath.Join(src, rel)); os.IsNotExist(statErr) {
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return rmErr
			}
			if d.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
}
