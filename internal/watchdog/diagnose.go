package watchdog

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/basket/helmsman/internal/audit"
	"github.com/basket/helmsman/internal/config"
	"github.com/basket/helmsman/internal/gitx"
	"github.com/basket/helmsman/internal/runner"
	"github.com/basket/helmsman/internal/safety"
)

// severityRe matches the marker the diagnosis prompt asks for, e.g.
// "HELMSMAN_SEVERITY: 4".
var severityRe = regexp.MustCompile(`HELMSMAN_SEVERITY:\s*([1-5])`)

// diagnose runs exactly one read-only diagnostic turn on the free tier,
// feeding it the component's recent log lines. DiagnosisPending guards the
// turn itself and a pending fix branch; once the diagnosis is delivered with
// no fix in flight it clears, so the next escalation can diagnose again.
func (w *Watchdog) diagnose(ctx context.Context, state *State, comp string) {
	state.DiagnosisPending = true

	target := w.cfg.ResolveTier(config.TierFree)
	prompt := fmt.Sprintf(
		"The %s component of a task orchestrator crashed %d times in the last hour. "+
			"Read the log excerpt below and explain the most likely cause. "+
			"End with a line 'HELMSMAN_SEVERITY: <1-5>' where 5 means a clear code defect.\n\n%s",
		comp, state.CrashCounters[comp], w.logTail(comp),
	)

	res, err := w.invoker.Run(ctx, runner.Request{
		Platform: target.Platform,
		Model:    target.Model,
		Prompt:   prompt,
		WorkDir:  w.cfg.HomeDir,
		ReadOnly: true,
		Timeout:  10 * time.Minute,
	})
	if err != nil {
		w.log.Error("diagnosis invocation failed", "error", err)
		state.DiagnosisPending = false
		return
	}

	severity := parseSeverity(res.Output)
	w.log.Info("diagnosis complete", "component", comp, "severity", severity)
	audit.Record(ctx, "watchdog", "component.diagnose", "allow",
		fmt.Sprintf("%s severity %d", comp, severity))
	w.notify(fmt.Sprintf("🩺 diagnosis for %s (severity %d):\n%s", comp, severity, summarize(res.Output)))

	fix := w.cfg.Watchdog.AutoFix
	if fix.Enabled && fix.RepoPath != "" && severity >= w.severityThreshold() {
		w.attemptFix(ctx, state, res.Output)
	}
	if state.PendingFixBranch == "" {
		state.DiagnosisPending = false
	}
}

func (w *Watchdog) severityThreshold() int {
	if t := w.cfg.Watchdog.AutoFix.SeverityThreshold; t >= 1 && t <= 5 {
		return t
	}
	return 4
}

// attemptFix drives one guarded fix: a fresh branch with a closed-pattern
// name, one agent turn, the configured test gate, and an operator decision.
// Nothing is ever merged from here.
func (w *Watchdog) attemptFix(ctx context.Context, state *State, diagnosis string) {
	fix := w.cfg.Watchdog.AutoFix
	repo := fix.RepoPath
	branch := fmt.Sprintf("%s/auto-%d", fix.BranchPrefix, w.now().Unix())
	if res := safety.CheckAutoFixBranch(branch); res.Action == safety.ActionBlock {
		w.log.Error("fix branch rejected", "branch", branch, "reason", res.Reason)
		return
	}

	base, err := gitx.CurrentBranch(ctx, repo)
	if err != nil {
		w.log.Error("auto-fix needs a branch checkout", "error", err)
		return
	}
	if err := gitx.CheckoutNewBranch(ctx, repo, branch); err != nil {
		w.log.Error("create fix branch", "error", err)
		return
	}

	target := w.cfg.ResolveTier(config.TierMid)
	res, err := w.invoker.Run(ctx, runner.Request{
		Platform: target.Platform,
		Model:    target.Model,
		Prompt: "Fix the defect described in this crash diagnosis. Change only what the fix requires.\n\n" +
			diagnosis,
		WorkDir: repo,
		Timeout: 20 * time.Minute,
	})
	if err != nil || res.Outcome != runner.OutcomeCompleted {
		w.log.Warn("fix attempt did not complete", "error", err, "outcome", string(res.Outcome))
		w.abandonFix(ctx, repo, base, branch)
		return
	}
	if err := gitx.CommitAll(ctx, repo, "watchdog: automated fix attempt"); err != nil {
		w.log.Error("commit fix attempt", "error", err)
		w.abandonFix(ctx, repo, base, branch)
		return
	}

	if err := w.runTestGate(ctx, repo, fix.TestCommand); err != nil {
		w.log.Warn("fix branch failed its test gate", "branch", branch, "error", err)
		audit.Record(ctx, "watchdog", "autofix.attempt", "deny", branch+": test gate failed")
		w.notify(fmt.Sprintf("🧪 auto-fix attempt failed its tests and was discarded (%s)", branch))
		w.abandonFix(ctx, repo, base, branch)
		return
	}

	// Leave the branch in place for the operator; return the checkout to its
	// base so whatever else uses the repo is undisturbed.
	if err := gitx.Checkout(ctx, repo, base); err != nil {
		w.log.Error("return to base branch", "error", err, "base", base)
	}
	state.PendingFixBranch = branch
	w.log.Info("fix branch ready for operator review", "branch", branch)
	audit.Record(ctx, "watchdog", "autofix.attempt", "allow", branch+": tests passed, awaiting operator")
	w.notify(fmt.Sprintf("✅ auto-fix on %s passed its tests. Reply /fix apply to merge and restart, or /fix discard.", branch))
}

// abandonFix reverts half-finished work, returns to the base branch, and
// deletes the failed fix branch.
func (w *Watchdog) abandonFix(ctx context.Context, repo, base, branch string) {
	if files, err := gitx.Status(ctx, repo); err == nil {
		for _, f := range files {
			if f.Untracked {
				_ = os.Remove(filepath.Join(repo, f.Path))
			} else {
				_ = gitx.Restore(ctx, repo, f.Path)
			}
		}
	}
	if err := gitx.Checkout(ctx, repo, base); err != nil {
		w.log.Error("return to base branch", "error", err, "base", base)
		return
	}
	_ = gitx.BranchDelete(ctx, repo, branch)
}

// runTestGate executes the configured test argv in repo.
func (w *Watchdog) runTestGate(ctx context.Context, repo string, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("no test command configured")
	}
	gateCtx, cancel := context.WithTimeout(ctx, 15*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(gateCtx, argv[0], argv[1:]...)
	cmd.Dir = repo
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w\n%s", err, tailLines(string(out), 20))
	}
	return nil
}

// logTail collects the newest lines of the component's log file for the
// diagnosis prompt.
func (w *Watchdog) logTail(comp string) string {
	lines := w.cfg.Watchdog.DiagnosisLogLines
	if lines <= 0 {
		lines = 200
	}
	path := filepath.Join(w.cfg.LogDir(), comp+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		return "(no log available)"
	}
	defer f.Close()

	var tail []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		tail = append(tail, scanner.Text())
		if len(tail) > lines {
			tail = tail[1:]
		}
	}
	if len(tail) == 0 {
		return "(log empty)"
	}
	return strings.Join(tail, "\n")
}

func parseSeverity(output string) int {
	m := severityRe.FindStringSubmatch(output)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// summarize trims a diagnosis for chat delivery.
func summarize(output string) string {
	out := strings.TrimSpace(output)
	if len(out) > 1500 {
		out = out[:1500] + "…"
	}
	return out
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
