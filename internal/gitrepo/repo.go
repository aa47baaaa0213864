// internal/gitrepo/repo.go
package gitrepo

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"

	"codepunk/internal/gitcmd"
)

// Repo is a read-side view of the user's repository, consumed by the session
// manager to anchor and verify sessions. Mutations go through gitcmd
// directly; go-git is only used for introspection.
type Repo struct {
	path   string
	repo   *git.Repository
	runner gitcmd.Git
}

// Status sorts pending changes into the three buckets the session layer
// cares about.
type Status struct {
	Branch    string
	Staged    []string
	Modified  []string
	Untracked []string
}

// IsClean reports a fully pristine working tree.
func (st *Status) IsClean() bool {
	return len(st.Staged) == 0 && len(st.Modified) == 0 && len(st.Untracked) == 0
}

// HasTrackedChanges reports staged or modified tracked files. Untracked
// files are deliberately not counted; they cannot conflict with a merge.
func (st *Status) HasTrackedChanges() bool {
	return len(st.Staged) > 0 || len(st.Modified) > 0
}

// IsRepository reports whether path is inside a git repository.
func IsRepository(path string) bool {
	_, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	return err == nil
}

// Open opens the repository at path.
func Open(path string, runner gitcmd.Git) (*Repo, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("not a git repository: %s", path)
		}
		return nil, fmt.Errorf("open git repository: %w", err)
	}
	return &Repo{path: path, repo: repo, runner: runner}, nil
}

// Path returns the working tree path the repo was opened at.
func (r *Repo) Path() string {
	return r.path
}

// Status returns the pending changes of the working tree.
func (r *Repo) Status(ctx context.Context) (*Status, error) {
	worktree, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("get worktree: %w", err)
	}
	raw, err := worktree.Status()
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}

	st := &Status{}
	if branch, err := r.CurrentBranch(ctx); err == nil {
		st.Branch = branch
	}

	for path, fileStatus := range raw {
		switch {
		case fileStatus.Worktree == git.Untracked:
			st.Untracked = append(st.Untracked, path)
		case fileStatus.Staging != git.Unmodified:
			st.Staged = append(st.Staged, path)
		case fileStatus.Worktree != git.Unmodified:
			st.Modified = append(st.Modified, path)
		}
	}
	return st, nil
}

// CurrentBranch returns the name of the current branch.
// Uses the git binary instead of go-git because go-git doesn't handle
// worktrees correctly.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	branch, err := r.runner.Output(ctx, r.path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("get current branch: %w", err)
	}
	if branch == "HEAD" {
		return "", fmt.Errorf("HEAD is detached")
	}
	return branch, nil
}

// HeadCommit returns the hash of the current HEAD commit.
func (r *Repo) HeadCommit(ctx context.Context) (string, error) {
	hash, err := r.runner.Output(ctx, r.path, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("get HEAD commit: %w", err)
	}
	return hash, nil
}
