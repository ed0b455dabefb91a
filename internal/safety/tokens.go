// Package safety validates externally influenced tokens before they are used
// as arguments to any external process. Every pattern is closed: a token either
// matches the full anchored expression or it is rejected. There is no
// escaping, quoting, or sanitizing step: invalid tokens never reach an argv.
package safety

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Action indicates the outcome of a token check.
type Action int

const (
	// ActionAllow means the token is safe to use as a process argument.
	ActionAllow Action = iota
	// ActionBlock means the token must be rejected; no process is invoked.
	ActionBlock
)

// CheckResult is the outcome of a token check.
type CheckResult struct {
	Action  Action
	Reason  string
	Pattern string // which pattern was applied (for logging)
}

// MustAllow returns an error if the check result is Block.
func (r CheckResult) MustAllow() error {
	if r.Action == ActionBlock {
		return fmt.Errorf("unsafe token rejected: %s", r.Reason)
	}
	return nil
}

var (
	// Auto-fix branches are machine-generated; the whole namespace is closed
	// to <prefix>/auto-<digits> so a branch name can never smuggle shell
	// metacharacters, flags, or path traversal into a git invocation.
	autoFixBranchRe = regexp.MustCompile(`^[a-z][a-z0-9-]*/auto-[0-9]+$`)

	// Model and platform identifiers come from config or operator overrides.
	identRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

	// Worktree branch names for parallel tasks: <prefix>/task-<digits>.
	taskBranchRe = regexp.MustCompile(`^[a-z][a-z0-9-]*/task-[0-9]+$`)
)

// CheckAutoFixBranch validates a watchdog fix branch name.
func CheckAutoFixBranch(name string) CheckResult {
	return checkPattern(name, autoFixBranchRe, "auto-fix branch")
}

// CheckTaskBranch validates a parallel-task worktree branch name.
func CheckTaskBranch(name string) CheckResult {
	return checkPattern(name, taskBranchRe, "task branch")
}

// CheckModel validates a model identifier before it is passed to a backend.
func CheckModel(model string) CheckResult {
	return checkPattern(model, identRe, "model identifier")
}

// CheckPlatform validates a platform/backend name.
func CheckPlatform(platform string) CheckResult {
	return checkPattern(platform, identRe, "platform identifier")
}

// CheckProjectPath validates a project path: it must be absolute and clean,
// so a registry entry cannot point an invocation at a relative or
// traversal-constructed location.
func CheckProjectPath(path string) CheckResult {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return CheckResult{Action: ActionBlock, Reason: "empty project path"}
	}
	if !filepath.IsAbs(trimmed) {
		return CheckResult{Action: ActionBlock, Reason: "project path must be absolute", Pattern: "absolute"}
	}
	if filepath.Clean(trimmed) != trimmed {
		return CheckResult{Action: ActionBlock, Reason: "project path must be clean", Pattern: "clean"}
	}
	return CheckResult{Action: ActionAllow, Pattern: "absolute+clean"}
}

func checkPattern(token string, re *regexp.Regexp, what string) CheckResult {
	if strings.TrimSpace(token) == "" {
		return CheckResult{Action: ActionBlock, Reason: "empty " + what}
	}
	if !re.MatchString(token) {
		return CheckResult{
			Action:  ActionBlock,
			Reason:  fmt.Sprintf("%s %q does not match allowed pattern", what, token),
			Pattern: re.String(),
		}
	}
	return CheckResult{Action: ActionAllow, Pattern: re.String()}
}
