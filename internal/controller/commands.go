package controller

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/helmsman/internal/audit"
	"github.com/basket/helmsman/internal/bus"
	"github.com/basket/helmsman/internal/config"
	"github.com/basket/helmsman/internal/dispatch"
	"github.com/basket/helmsman/internal/gitx"
	"github.com/basket/helmsman/internal/otel"
	"github.com/basket/helmsman/internal/plan"
	"github.com/basket/helmsman/internal/runner"
	"github.com/basket/helmsman/internal/safety"
	"github.com/basket/helmsman/internal/sessionlock"
)

// handleCommand dispatches one operator message and returns the reply text.
func (c *Controller) handleCommand(ctx context.Context, payload string) string {
	fields := strings.Fields(strings.TrimSpace(payload))
	if len(fields) == 0 {
		return ""
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	ctx, span := otel.StartSpan(ctx, otel.Tracer(), "operator.command",
		otel.AttrCommand.String(cmd),
		otel.AttrPlanStatus.String(string(c.plans.Load().Status)),
	)
	defer span.End()

	c.log.Info("command received", "command", cmd)

	switch cmd {
	case "/plan":
		return c.cmdPlan(ctx, strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(payload), fields[0])))
	case "/review":
		return c.cmdReview(ctx)
	case "/approve":
		return c.cmdApprove(ctx, args)
	case "/continue":
		return c.cmdContinue()
	case "/override":
		return c.cmdOverride(ctx, args)
	case "/replan":
		return c.cmdReplan(ctx)
	case "/stop":
		return c.cmdStop(ctx)
	case "/restart":
		return c.cmdRestart(ctx)
	case "/forcekill":
		return c.cmdForceKill(ctx)
	case "/clearlock":
		return c.cmdClearLock(ctx)
	case "/watchdog":
		return c.cmdWatchdog(ctx)
	case "/diagnose":
		return c.cmdDiagnose(ctx)
	case "/fix":
		return c.cmdFix(ctx, args)
	case "/project":
		return c.cmdProject(args)
	case "/status":
		return c.cmdStatus(ctx)
	default:
		return fmt.Sprintf("Unknown command %s. Try /status.", cmd)
	}
}

// cmdPlan runs a planning turn: plan mode on, one agent invocation that must
// emit a plan document, plan-mode enforcement, then the proposal lands in
// pending_review.
func (c *Controller) cmdPlan(ctx context.Context, goal string) string {
	if goal == "" {
		return "Usage: /plan <what you want done>"
	}
	p := c.plans.Load()
	if p.Status != plan.StatusNone {
		return fmt.Sprintf("A plan already exists (%s). /replan to discard it first.", p.Status)
	}
	projectPath, err := c.registry.SelectedPath()
	if err != nil {
		return "No project selected. /project use <name> first."
	}
	reclaimed, err := c.lock.Acquire(os.Getpid())
	if err != nil {
		return lockBusyMessage(err)
	}
	c.noteLockReclaim(ctx, reclaimed)
	defer c.lock.Release()

	if err := c.marker.Set(); err != nil {
		return "Could not enter plan mode: " + err.Error()
	}

	target := c.cfg.ResolveTier(config.TierTop)
	res, err := c.invoker.Run(ctx, runner.Request{
		Platform: target.Platform,
		Model:    target.Model,
		Prompt:   planPrompt(goal),
		WorkDir:  projectPath,
		Timeout:  c.cfg.TaskTimeout(),
	})

	// Plan mode holds regardless of how the turn went.
	if reverted, enfErr := plan.EnforcePlanMode(ctx, projectPath, c.cfg.TrimmedAllowedExtensions()); enfErr != nil {
		c.log.Error("plan mode enforcement", "error", enfErr)
	} else if len(reverted) > 0 {
		c.log.Warn("plan mode reverted files", "count", len(reverted), "files", strings.Join(reverted, ", "))
	}

	if err != nil {
		return "Planning turn failed: " + err.Error()
	}
	if res.Outcome != runner.OutcomeCompleted {
		return fmt.Sprintf("Planning turn ended with %s; no plan recorded.", res.Outcome)
	}

	raw := extractJSON(res.Output)
	if raw == "" {
		return "The agent produced no plan document. Try /plan again with a sharper goal."
	}
	proposed, err := plan.Parse([]byte(raw))
	if err != nil {
		return "Proposed plan rejected: " + err.Error()
	}
	proposed.Goal = goal
	proposed.ProjectPath = projectPath
	if err := proposed.Advance(plan.StatusPendingReview); err != nil {
		return err.Error()
	}
	if err := c.plans.Save(proposed); err != nil {
		return "Could not persist the plan: " + err.Error()
	}

	audit.Record(ctx, "operator", "plan.propose", "allow", goal)
	c.bus.Publish(bus.TopicPlanProposed, proposed)
	return "Proposed plan:\n" + renderPlan(proposed) + "\n/review to walk through it."
}

func (c *Controller) cmdReview(ctx context.Context) string {
	p := c.plans.Load()
	switch p.Status {
	case plan.StatusPendingReview:
		if err := p.Advance(plan.StatusConfirming); err != nil {
			return err.Error()
		}
		if err := c.plans.Save(p); err != nil {
			return "Could not persist the plan: " + err.Error()
		}
		audit.Record(ctx, "operator", "plan.review", "allow", "")
		return renderPlan(p) + "\n/approve [auto|step] to run, /override <task> <platform> <model> to retarget, /replan to discard."
	case plan.StatusConfirming:
		return renderPlan(p) + "\nAwaiting /approve."
	case plan.StatusNone:
		return "No plan. /plan <goal> to make one."
	default:
		return fmt.Sprintf("Plan is %s.\n%s", p.Status, renderPlan(p))
	}
}

func (c *Controller) cmdApprove(ctx context.Context, args []string) string {
	mode := dispatch.ModeAuto
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "auto":
		case "step":
			mode = dispatch.ModeStep
		default:
			return "Usage: /approve [auto|step]"
		}
	}

	p := c.plans.Load()
	if p.Status != plan.StatusConfirming {
		return fmt.Sprintf("Nothing to approve (plan is %s). /review first.", p.Status)
	}

	// The dispatch runs in the plan's originating project, not wherever the
	// registry pointer is today.
	d, err := dispatch.Approve(p, p.ProjectPath, mode)
	if err != nil {
		audit.Record(ctx, "operator", "plan.approve", "deny", err.Error())
		return "Approval rejected: " + err.Error()
	}

	if err := p.Advance(plan.StatusApproved); err != nil {
		return err.Error()
	}
	if err := p.Advance(plan.StatusExecuting); err != nil {
		return err.Error()
	}
	if err := c.plans.Save(p); err != nil {
		return "Could not persist the plan: " + err.Error()
	}
	if err := c.dispatches.Save(d); err != nil {
		return "Could not persist the dispatch: " + err.Error()
	}
	// Approval ends plan mode.
	if err := c.marker.Clear(); err != nil {
		c.log.Warn("clear plan mode marker", "error", err)
	}

	if err := c.startDispatch(ctx, d); err != nil {
		return lockBusyMessage(err)
	}
	audit.Record(ctx, "operator", "plan.approve", "allow", string(mode))
	c.bus.Publish(bus.TopicPlanApproved, d)
	return fmt.Sprintf("Approved. Dispatch %s running in %s mode (%d tasks).", shortID(d.ID), mode, len(d.Tasks))
}

// cmdContinue arms the step gate by touching the continue flag; the engine
// polls for it.
func (c *Controller) cmdContinue() string {
	d, ok := c.dispatches.Load()
	if !ok || d.Mode != dispatch.ModeStep {
		return "No step-mode dispatch is waiting."
	}
	if err := os.MkdirAll(c.cfg.StateDir(), 0o755); err != nil {
		return "Could not arm the continue flag: " + err.Error()
	}
	f, err := os.OpenFile(c.cfg.ContinueFlagPath(), os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return "Could not arm the continue flag: " + err.Error()
	}
	f.Close()
	return "Continuing."
}

func (c *Controller) cmdOverride(ctx context.Context, args []string) string {
	if len(args) != 3 {
		return "Usage: /override <task-id> <platform> <model>"
	}
	taskID, err := strconv.Atoi(args[0])
	if err != nil {
		return "Task id must be a number."
	}
	platform, model := args[1], args[2]
	if res := safety.CheckPlatform(platform); res.Action == safety.ActionBlock {
		audit.Record(ctx, "operator", "plan.override", "deny", res.Reason)
		return "Platform rejected: " + res.Reason
	}
	if res := safety.CheckModel(model); res.Action == safety.ActionBlock {
		audit.Record(ctx, "operator", "plan.override", "deny", res.Reason)
		return "Model rejected: " + res.Reason
	}

	p := c.plans.Load()
	if p.Status != plan.StatusConfirming {
		return fmt.Sprintf("Overrides only apply during confirmation (plan is %s).", p.Status)
	}
	task, ok := p.TaskByID(taskID)
	if !ok {
		return fmt.Sprintf("No task %d in the plan.", taskID)
	}
	task.Platform = platform
	task.Model = model
	if err := c.plans.Save(p); err != nil {
		return "Could not persist the plan: " + err.Error()
	}
	audit.Record(ctx, "operator", "plan.override", "allow", fmt.Sprintf("task %d -> %s/%s", taskID, platform, model))
	return fmt.Sprintf("Task %d will run on %s (%s).", taskID, platform, model)
}

func (c *Controller) cmdReplan(ctx context.Context) string {
	p := c.plans.Load()
	if p.Status == plan.StatusExecuting {
		return "A dispatch is executing. /stop it before replanning."
	}
	if err := c.plans.Reset(); err != nil {
		return "Could not discard the plan: " + err.Error()
	}
	if err := c.dispatches.Clear(); err != nil {
		return "Could not discard the dispatch: " + err.Error()
	}
	if err := c.marker.Clear(); err != nil {
		c.log.Warn("clear plan mode marker", "error", err)
	}
	audit.Record(ctx, "operator", "plan.replan", "allow", "")
	return "Plan discarded. /plan <goal> to start over."
}

func (c *Controller) cmdStop(ctx context.Context) string {
	p := c.plans.Load()
	if p.Status != plan.StatusExecuting {
		return fmt.Sprintf("Nothing to stop (plan is %s).", p.Status)
	}
	if err := p.Advance(plan.StatusStopped); err != nil {
		return err.Error()
	}
	if err := c.plans.Save(p); err != nil {
		return "Could not persist the plan: " + err.Error()
	}
	if err := c.requestStop(); err != nil {
		return "Could not arm the stop flag: " + err.Error()
	}
	audit.Record(ctx, "operator", "dispatch.stop", "allow", "")
	c.bus.Publish(bus.TopicPlanStopped, p)
	return "Stopping after the current task."
}

// cmdRestart resumes the persisted dispatch: completed tasks stay done, the
// rest run again from where the document left off.
func (c *Controller) cmdRestart(ctx context.Context) string {
	if c.dispatchRunning() {
		return "A dispatch is already running. /stop it first."
	}
	d, ok := c.dispatches.Load()
	if !ok {
		return "No dispatch to restart."
	}
	if d.Finished() {
		return "The dispatch already finished. /replan to start something new."
	}

	p := c.plans.Load()
	if p.Status == plan.StatusStopped {
		// stopped -> none -> ... is the replan path; resuming re-enters
		// executing directly through the persisted document.
		p.Status = plan.StatusExecuting
		if err := c.plans.Save(p); err != nil {
			return "Could not persist the plan: " + err.Error()
		}
	}
	if err := c.startDispatch(ctx, d); err != nil {
		return lockBusyMessage(err)
	}
	audit.Record(ctx, "operator", "dispatch.restart", "allow", d.ID)
	return fmt.Sprintf("Resuming dispatch %s.", shortID(d.ID))
}

func (c *Controller) cmdForceKill(ctx context.Context) string {
	killed := 0
	if c.killer != nil {
		killed = c.killer.ForceKill()
	}
	c.killDispatch()
	// The lock goes unconditionally; a killed process cannot release it.
	if err := c.lock.Release(); err != nil {
		return "Processes killed but the lock would not clear: " + err.Error()
	}
	audit.Record(ctx, "operator", "session.forcekill", "allow", fmt.Sprintf("%d processes", killed))
	return fmt.Sprintf("Force-killed %d process group(s) and released the session lock.", killed)
}

func (c *Controller) cmdClearLock(ctx context.Context) string {
	holder, alive, exists := c.lock.Holder()
	if !exists {
		return "No session lock held."
	}
	if err := c.lock.Release(); err != nil {
		return "Could not clear the lock: " + err.Error()
	}
	audit.Record(ctx, "operator", "session.clearlock", "allow", fmt.Sprintf("pid %d alive=%v", holder.HolderPID, alive))
	if alive {
		return fmt.Sprintf("Cleared a lock held by live pid %d. Make sure that was intended.", holder.HolderPID)
	}
	return "Cleared a stale lock."
}

func (c *Controller) cmdWatchdog(ctx context.Context) string {
	s := c.wdState.Load()
	var b strings.Builder
	b.WriteString("Watchdog window (last hour):\n")
	if len(s.RestartTimestamps) == 0 {
		b.WriteString("  no restarts\n")
	}
	for comp, stamps := range s.RestartTimestamps {
		b.WriteString(fmt.Sprintf("  %s: %d restart(s)\n", comp, len(stamps)))
	}
	if s.DiagnosisPending {
		b.WriteString("  diagnosis pending\n")
	}
	if s.PendingFixBranch != "" {
		b.WriteString("  fix branch awaiting decision: " + s.PendingFixBranch + " (/fix apply|discard)\n")
	}
	if entries, err := audit.Tail(ctx, 5); err == nil && len(entries) > 0 {
		b.WriteString("Recent audit entries:\n")
		for _, e := range entries {
			line := fmt.Sprintf("  %s %s %s %s", e["ts"], e["actor"], e["action"], e["decision"])
			if e["detail"] != "" {
				line += " · " + e["detail"]
			}
			b.WriteString(line + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// cmdDiagnose runs an on-demand read-only diagnosis over the controller log.
func (c *Controller) cmdDiagnose(ctx context.Context) string {
	target := c.cfg.ResolveTier(config.TierFree)
	res, err := c.invoker.Run(ctx, runner.Request{
		Platform: target.Platform,
		Model:    target.Model,
		Prompt: "Review this orchestrator log excerpt and summarize anything unhealthy. " +
			"Be brief.\n\n" + c.controllerLogTail(),
		WorkDir:  c.cfg.HomeDir,
		ReadOnly: true,
		Timeout:  10 * time.Minute,
	})
	if err != nil {
		return "Diagnosis failed: " + err.Error()
	}
	audit.Record(ctx, "operator", "watchdog.diagnose", "allow", "")
	out := strings.TrimSpace(res.Output)
	if len(out) > 1500 {
		out = out[:1500] + "…"
	}
	if out == "" {
		return "Diagnosis produced no output."
	}
	return out
}

// cmdFix applies or discards the watchdog's pending fix branch. This is the
// operator gate: nothing merges without it.
func (c *Controller) cmdFix(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "Usage: /fix apply|discard"
	}
	s := c.wdState.Load()
	branch := s.PendingFixBranch
	if branch == "" {
		return "No fix branch is waiting."
	}
	repo := c.cfg.Watchdog.AutoFix.RepoPath
	if repo == "" {
		return "Auto-fix repository is not configured."
	}
	if res := safety.CheckAutoFixBranch(branch); res.Action == safety.ActionBlock {
		return "Recorded branch fails validation, refusing to touch it: " + res.Reason
	}

	switch strings.ToLower(args[0]) {
	case "apply":
		if err := gitx.Merge(ctx, repo, branch); err != nil {
			audit.Record(ctx, "operator", "watchdog.fix", "error", err.Error())
			return "Merge failed: " + err.Error()
		}
		_ = gitx.BranchDelete(ctx, repo, branch)
		s.PendingFixBranch = ""
		s.DiagnosisPending = false
		if err := c.wdState.Save(s); err != nil {
			return "Merged, but could not persist watchdog state: " + err.Error()
		}
		audit.Record(ctx, "operator", "watchdog.fix", "allow", "apply "+branch)
		return fmt.Sprintf("Merged %s. Restart the daemon to pick it up (/restart after redeploy).", branch)
	case "discard":
		if err := gitx.BranchDelete(ctx, repo, branch); err != nil {
			return "Could not delete the branch: " + err.Error()
		}
		s.PendingFixBranch = ""
		s.DiagnosisPending = false
		if err := c.wdState.Save(s); err != nil {
			return "Discarded, but could not persist watchdog state: " + err.Error()
		}
		audit.Record(ctx, "operator", "watchdog.fix", "allow", "discard "+branch)
		return fmt.Sprintf("Discarded %s.", branch)
	default:
		return "Usage: /fix apply|discard"
	}
}

func (c *Controller) cmdProject(args []string) string {
	if len(args) == 2 && strings.ToLower(args[0]) == "use" {
		if err := c.registry.Use(args[1]); err != nil {
			return err.Error()
		}
		path, _ := c.registry.SelectedPath()
		return fmt.Sprintf("Now working in %s (%s). Plans already approved keep their own project.", args[1], path)
	}
	if len(args) == 3 && strings.ToLower(args[0]) == "add" {
		if err := c.registry.Add(args[1], args[2]); err != nil {
			return fmt.Sprintf("Rejected: %v", err)
		}
		return fmt.Sprintf("Registered %s -> %s", args[1], args[2])
	}
	names, selected := c.registry.List()
	if len(names) == 0 {
		return "No projects registered. /project add <name> <path> to register one."
	}
	var b strings.Builder
	b.WriteString("Projects:\n")
	for _, name := range names {
		marker := "  "
		if name == selected {
			marker = "* "
		}
		b.WriteString(marker + name + "\n")
	}
	b.WriteString("/project use <name> to switch.")
	return b.String()
}

func (c *Controller) cmdStatus(ctx context.Context) string {
	var b strings.Builder

	if holder, alive, exists := c.lock.Holder(); exists {
		b.WriteString(fmt.Sprintf("Lock: pid %d (alive=%v) since %s\n",
			holder.HolderPID, alive, holder.AcquiredAt.Format(time.RFC3339)))
	} else {
		b.WriteString("Lock: free\n")
	}

	p := c.plans.Load()
	b.WriteString("Plan: " + string(p.Status))
	if p.Goal != "" {
		b.WriteString(" · " + p.Goal)
	}
	b.WriteString("\n")
	if c.marker.Enabled() {
		b.WriteString("Plan mode: ON\n")
	}

	if d, ok := c.dispatches.Load(); ok {
		done, errored, pending := d.Counts()
		b.WriteString(fmt.Sprintf("Dispatch %s (%s): %d done, %d errored, %d pending\n",
			shortID(d.ID), d.Mode, done, errored, pending))
		b.WriteString("Project: " + d.ProjectPath + "\n")
	}

	b.WriteString(c.cmdWatchdog(ctx))
	return strings.TrimRight(b.String(), "\n")
}

func lockBusyMessage(err error) string {
	if errors.Is(err, sessionlock.ErrHeld) {
		return "The agent session is busy: " + err.Error() + "\n/forcekill or /clearlock if it is wedged."
	}
	return "Could not take the session lock: " + err.Error()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderPlan(p plan.Plan) string {
	var b strings.Builder
	for _, t := range p.Tasks {
		b.WriteString(fmt.Sprintf("%d. [%s] %s", t.ID, t.Status, t.Description))
		var notes []string
		if len(t.Deps) > 0 {
			notes = append(notes, "after "+intsToString(t.Deps))
		}
		if t.Parallel {
			notes = append(notes, "parallel")
		}
		if t.Platform != "" || t.Model != "" {
			notes = append(notes, strings.TrimSpace(t.Platform+" "+t.Model))
		} else if t.Tier != "" {
			notes = append(notes, t.Tier+" tier")
		}
		if len(notes) > 0 {
			b.WriteString(" (" + strings.Join(notes, ", ") + ")")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func intsToString(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func planPrompt(goal string) string {
	return "Break the following goal into a short task plan and output ONLY a JSON " +
		"document in a ```json fence with this shape:\n" +
		`{"tasks": [{"id": 1, "description": "...", "tier": "top|mid|free", ` +
		`"parallel": false, "deps": [], "scope_boundary": "..."}]}` + "\n" +
		"Ids start at 1; deps reference earlier ids; mark independent tasks parallel.\n\nGoal: " + goal
}

// controllerLogTail returns the newest controller log lines for on-demand
// diagnosis.
func (c *Controller) controllerLogTail() string {
	f, err := os.Open(filepath.Join(c.cfg.LogDir(), "controller.jsonl"))
	if err != nil {
		return "(no controller log available)"
	}
	defer f.Close()

	limit := c.cfg.Watchdog.DiagnosisLogLines
	if limit <= 0 {
		limit = 200
	}
	var tail []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		tail = append(tail, scanner.Text())
		if len(tail) > limit {
			tail = tail[1:]
		}
	}
	if len(tail) == 0 {
		return "(controller log empty)"
	}
	return strings.Join(tail, "\n")
}

// extractJSON pulls the first JSON object out of a model response, preferring
// a fenced block.
func extractJSON(s string) string {
	if i := strings.Index(s, "```json"); i >= 0 {
		rest := s[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return strings.TrimSpace(s[start : end+1])
	}
	return ""
}
