// Package gitx wraps the git invocations helmsman needs: plan-mode reverts,
// per-task worktree isolation, and the fold-back merge. Every call is an
// argv vector through exec.CommandContext; nothing is ever passed through a
// shell.
package gitx

import (
	"context"
	"fmt"
	"strings"
)

// Run executes git with args in dir and returns trimmed combined output.
func Run(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := runGit(ctx, dir, args...)
	if err != nil {
		return "", fmt.Errorf("git %s: %w\noutput: %s", strings.Join(args, " "), err, out)
	}
	return out, nil
}

// IsRepo reports whether dir is inside a git working tree.
func IsRepo(ctx context.Context, dir string) bool {
	out, err := runGit(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentBranch returns the checked-out branch name, or an error in detached
// HEAD state.
func CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if out == "HEAD" {
		return "", fmt.Errorf("repository at %s is in detached HEAD state", dir)
	}
	return out, nil
}

// ChangedFile is one entry of git status --porcelain.
type ChangedFile struct {
	Path      string
	Untracked bool
}

// Status lists modified and untracked files in dir.
func Status(ctx context.Context, dir string) ([]ChangedFile, error) {
	out, err := Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []ChangedFile
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		code, path := line[:2], strings.TrimSpace(line[3:])
		// Renames list "old -> new"; the new path is what exists on disk.
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		files = append(files, ChangedFile{Path: path, Untracked: code == "??"})
	}
	return files, nil
}

// Restore discards working-tree changes to path. Untracked files have nothing
// to restore from, the caller removes those directly.
func Restore(ctx context.Context, dir, path string) error {
	_, err := Run(ctx, dir, "checkout", "--", path)
	return err
}

// WorktreeAdd creates a worktree at path on a new branch cut from base.
func WorktreeAdd(ctx context.Context, repoDir, path, branch, base string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if base != "" {
		args = append(args, base)
	}
	_, err := Run(ctx, repoDir, args...)
	return err
}

// WorktreeRemove detaches the worktree at path from repoDir.
func WorktreeRemove(ctx context.Context, repoDir, path string, force bool) error {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	_, err := Run(ctx, repoDir, args...)
	return err
}

// BranchExists reports whether branch exists as a local ref.
func BranchExists(ctx context.Context, repoDir, branch string) bool {
	_, err := runGit(ctx, repoDir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// BranchDelete force-deletes a local branch.
func BranchDelete(ctx context.Context, repoDir, branch string) error {
	_, err := Run(ctx, repoDir, "branch", "-D", branch)
	return err
}

// CheckoutNewBranch creates and checks out branch in repoDir.
func CheckoutNewBranch(ctx context.Context, repoDir, branch string) error {
	_, err := Run(ctx, repoDir, "checkout", "-b", branch)
	return err
}

// Checkout switches repoDir to branch.
func Checkout(ctx context.Context, repoDir, branch string) error {
	_, err := Run(ctx, repoDir, "checkout", branch)
	return err
}

// MergeConflictError marks a merge that stopped on conflicts. The merge is
// already aborted when this is returned; the source branch is untouched.
type MergeConflictError struct {
	Branch string
	Output string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge of %s conflicted", e.Branch)
}

// Merge merges branch into the current branch of repoDir. Conflicts abort
// the merge and surface as *MergeConflictError so the caller can distinguish
// them from plumbing failures.
func Merge(ctx context.Context, repoDir, branch string) error {
	out, err := runGit(ctx, repoDir, "merge", "--no-ff", "--no-edit", branch)
	if err == nil {
		return nil
	}
	if strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
		_, _ = runGit(ctx, repoDir, "merge", "--abort")
		return &MergeConflictError{Branch: branch, Output: out}
	}
	return fmt.Errorf("git merge %s: %w\noutput: %s", branch, err, out)
}

// CommitAll stages everything and commits; a clean tree is not an error.
func CommitAll(ctx context.Context, repoDir, message string) error {
	if _, err := Run(ctx, repoDir, "add", "-A"); err != nil {
		return err
	}
	out, err := runGit(ctx, repoDir, "commit", "-m", message)
	if err != nil && strings.Contains(out, "nothing to commit") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("git commit: %w\noutput: %s", err, out)
	}
	return nil
}
