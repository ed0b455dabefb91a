package gitx

import (
	"context"
	"os/exec"
	"strings"
)

// runGit is the single chokepoint for git execution. It returns combined
// output (trimmed) alongside the error so callers can inspect conflict
// markers on failure.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
