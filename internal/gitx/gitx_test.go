package gitx

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// initRepo creates a git repository with one commit and returns its path.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	ctx := context.Background()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
	} {
		if _, err := Run(ctx, dir, args...); err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
	}
	writeFile(t, dir, "README.md", "hello\n")
	if err := CommitAll(ctx, dir, "initial"); err != nil {
		t.Fatal(err)
	}
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestStatusAndRestore(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()

	writeFile(t, dir, "README.md", "modified\n")
	writeFile(t, dir, "scratch.go", "package scratch\n")

	files, err := Status(ctx, dir)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	byPath := map[string]ChangedFile{}
	for _, f := range files {
		byPath[f.Path] = f
	}
	if f, ok := byPath["README.md"]; !ok || f.Untracked {
		t.Fatalf("README.md entry = %+v, ok=%v", f, ok)
	}
	if f, ok := byPath["scratch.go"]; !ok || !f.Untracked {
		t.Fatalf("scratch.go entry = %+v, ok=%v", f, ok)
	}

	if err := Restore(ctx, dir, "README.md"); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "README.md"))
	if string(data) != "hello\n" {
		t.Fatalf("README.md after restore = %q", data)
	}
}

func TestWorktreeLifecycle(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()

	wt := filepath.Join(t.TempDir(), "wt-1")
	if err := WorktreeAdd(ctx, dir, wt, "helmsman/task-1", "main"); err != nil {
		t.Fatalf("WorktreeAdd: %v", err)
	}
	if !IsRepo(ctx, wt) {
		t.Fatal("worktree is not a git repo")
	}
	branch, err := CurrentBranch(ctx, wt)
	if err != nil || branch != "helmsman/task-1" {
		t.Fatalf("worktree branch = %q, err=%v", branch, err)
	}

	if err := WorktreeRemove(ctx, dir, wt, true); err != nil {
		t.Fatalf("WorktreeRemove: %v", err)
	}
	if err := BranchDelete(ctx, dir, "helmsman/task-1"); err != nil {
		t.Fatalf("BranchDelete: %v", err)
	}
	if BranchExists(ctx, dir, "helmsman/task-1") {
		t.Fatal("branch survived delete")
	}
}

func TestMergeCleanAndConflicting(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()

	// Clean merge: change a new file on a branch.
	if err := CheckoutNewBranch(ctx, dir, "feature/clean"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "feature.md", "clean change\n")
	if err := CommitAll(ctx, dir, "clean change"); err != nil {
		t.Fatal(err)
	}
	if err := Checkout(ctx, dir, "main"); err != nil {
		t.Fatal(err)
	}
	if err := Merge(ctx, dir, "feature/clean"); err != nil {
		t.Fatalf("clean merge: %v", err)
	}

	// Conflicting merge: both sides edit the same line.
	if err := CheckoutNewBranch(ctx, dir, "feature/conflict"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "README.md", "branch version\n")
	if err := CommitAll(ctx, dir, "branch edit"); err != nil {
		t.Fatal(err)
	}
	if err := Checkout(ctx, dir, "main"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "README.md", "main version\n")
	if err := CommitAll(ctx, dir, "main edit"); err != nil {
		t.Fatal(err)
	}

	err := Merge(ctx, dir, "feature/conflict")
	var conflict *MergeConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("conflicting merge error = %v, want *MergeConflictError", err)
	}
	// The abort must leave main clean.
	files, _ := Status(ctx, dir)
	if len(files) != 0 {
		t.Fatalf("tree dirty after aborted merge: %+v", files)
	}
}
