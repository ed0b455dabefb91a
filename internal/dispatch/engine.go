package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/helmsman/internal/bus"
	"github.com/basket/helmsman/internal/config"
	"github.com/basket/helmsman/internal/gitx"
	"github.com/basket/helmsman/internal/otel"
	"github.com/basket/helmsman/internal/plan"
	"github.com/basket/helmsman/internal/runner"
	"github.com/basket/helmsman/internal/safety"
	"github.com/basket/helmsman/internal/shared"
)

// ErrDeadlock is returned when pending tasks remain but none can ever become
// eligible. The dispatch stops; nothing is skipped silently.
var ErrDeadlock = errors.New("dispatch deadlocked: pending tasks with unsatisfiable dependencies")

// ErrStopped is returned when the operator's stop flag is consumed between
// tasks. The in-flight task always finishes first.
var ErrStopped = errors.New("dispatch stopped by operator")

// Invoker runs one agent turn. Satisfied by *runner.Runner.
type Invoker interface {
	Run(ctx context.Context, req runner.Request) (runner.Result, error)
}

// Engine drives a dispatch to completion.
type Engine struct {
	cfg     config.Config
	store   *Store
	invoker Invoker
	bus     *bus.Bus
	log     *slog.Logger
	metrics *otel.Metrics
}

func NewEngine(cfg config.Config, store *Store, invoker Invoker, b *bus.Bus, log *slog.Logger, metrics *otel.Metrics) *Engine {
	return &Engine{cfg: cfg, store: store, invoker: invoker, bus: b, log: log, metrics: metrics}
}

// Execute runs d until every task is done, errored, or unreachable. The
// document is re-saved after every task so a crash resumes where it left
// off. A stop flag is consumed between tasks and never interrupts a turn;
// cancelling ctx is the force-kill path and tears down in-flight invocations.
func (e *Engine) Execute(ctx context.Context, d Dispatch) error {
	ctx = shared.WithDispatchID(ctx, d.ID)
	ctx, span := otel.StartSpan(ctx, otel.Tracer(), "dispatch.execute",
		otel.AttrDispatchID.String(d.ID),
		otel.AttrProjectPath.String(d.ProjectPath),
	)
	defer span.End()
	e.log.Info("dispatch starting",
		"dispatch_id", d.ID,
		"project", d.ProjectPath,
		"mode", string(d.Mode),
		"tasks", len(d.Tasks),
	)

	// A flag left behind by a crash must not stop a fresh run.
	_ = os.Remove(e.cfg.StopFlagPath())

	first := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		elig := Eligible(d.Tasks)
		if len(elig) == 0 {
			break
		}
		if e.stopRequested() {
			e.log.Info("stop flag consumed", "dispatch_id", d.ID)
			return ErrStopped
		}

		if d.Mode == ModeStep && !first {
			if err := e.waitForContinue(ctx); err != nil {
				return err
			}
		}
		first = false

		// The lowest-id eligible task always runs next; a parallel group
		// forms only when that task is itself parallel.
		group := parallelGroup(elig, e.parallelLimit())
		if len(group) >= 2 && group[0].ID == elig[0].ID {
			e.runParallel(ctx, &d, group)
		} else {
			e.runTask(ctx, &d, elig[0].ID, d.ProjectPath)
		}
		if err := e.store.Save(d); err != nil {
			e.log.Error("persist dispatch", "error", err, "dispatch_id", d.ID)
		}
	}

	done, errored, pending := d.Counts()
	ev := bus.DispatchEvent{
		DispatchID:  d.ID,
		ProjectPath: d.ProjectPath,
		Done:        done,
		Errored:     errored,
		Pending:     pending,
	}
	if Blocked(d.Tasks) {
		e.log.Error("dispatch deadlocked", "dispatch_id", d.ID, "pending", pending)
		e.bus.Publish(bus.TopicDispatchStuck, ev)
		return ErrDeadlock
	}

	e.log.Info("dispatch finished",
		"dispatch_id", d.ID,
		"done", done,
		"errored", errored,
		"unreachable", pending,
	)
	e.bus.Publish(bus.TopicDispatchDone, ev)
	return nil
}

func (e *Engine) parallelLimit() int {
	if e.cfg.Dispatch.ParallelLimit > 0 {
		return e.cfg.Dispatch.ParallelLimit
	}
	return 3
}

// parallelGroup picks up to limit eligible tasks flagged Parallel. Eligible
// tasks cannot depend on each other (a pending dependency would make the
// dependent ineligible), so any eligible subset is safe to run together.
func parallelGroup(elig []plan.Task, limit int) []plan.Task {
	var group []plan.Task
	for _, t := range elig {
		if !t.Parallel {
			continue
		}
		group = append(group, t)
		if len(group) == limit {
			break
		}
	}
	return group
}

// resolveTarget picks the (platform, model) for a task: explicit override
// first, then the dispatch defaults, then the tier table.
func (e *Engine) resolveTarget(d *Dispatch, t plan.Task) (string, string) {
	platform, model := t.Platform, t.Model
	if platform == "" {
		platform = d.DefaultPlatform
	}
	if model == "" {
		model = d.DefaultModel
	}
	if platform == "" || model == "" {
		target := e.cfg.ResolveTier(config.Tier(t.Tier))
		if platform == "" {
			platform = target.Platform
		}
		if model == "" {
			model = target.Model
		}
	}
	return platform, model
}

// runTask executes one task in workDir and records the outcome on d.
func (e *Engine) runTask(ctx context.Context, d *Dispatch, taskID int, workDir string) {
	task, ok := taskByID(d, taskID)
	if !ok {
		return
	}
	ctx = shared.WithTaskID(ctx, task.ID)
	platform, model := e.resolveTarget(d, *task)
	ctx, span := otel.StartSpan(ctx, otel.Tracer(), "dispatch.task",
		otel.AttrTaskID.Int(task.ID),
		otel.AttrTier.String(task.Tier),
	)
	defer span.End()

	e.bus.Publish(bus.TopicTaskStarted, bus.TaskEvent{
		DispatchID: d.ID, TaskID: task.ID, Description: task.Description, Status: "running",
	})
	if e.metrics != nil {
		e.metrics.ActiveInvocations.Add(ctx, 1)
		defer e.metrics.ActiveInvocations.Add(ctx, -1)
	}

	res, err := e.invoker.Run(ctx, runner.Request{
		Platform:      platform,
		Model:         model,
		Prompt:        task.Description,
		ScopeBoundary: task.ScopeBoundary,
		WorkDir:       workDir,
		Timeout:       e.cfg.TaskTimeout(),
	})
	if e.metrics != nil {
		e.metrics.InvocationDuration.Record(ctx, res.Duration.Seconds())
	}

	// A force-kill mid-turn is an interruption, not a task failure: the task
	// stays pending so a restart reruns it and its dependents stay reachable.
	if ctx.Err() != nil && res.Outcome != runner.OutcomeCompleted {
		e.log.Info("task interrupted", "dispatch_id", d.ID, "task_id", task.ID)
		return
	}

	switch {
	case err != nil:
		e.markError(ctx, d, task, fmt.Sprintf("invocation failed: %v", err))
	case res.Outcome == runner.OutcomeCompleted:
		task.Status = plan.TaskDone
		task.Detail = ""
		if e.metrics != nil {
			e.metrics.TasksCompleted.Add(ctx, 1)
		}
		e.log.Info("task done", "dispatch_id", d.ID, "task_id", task.ID, "duration", res.Duration.Round(time.Second).String())
		e.bus.Publish(bus.TopicTaskDone, bus.TaskEvent{
			DispatchID: d.ID, TaskID: task.ID, Description: task.Description, Status: string(plan.TaskDone),
		})
	default:
		e.markError(ctx, d, task, fmt.Sprintf("agent %s (exit %d), log %s", res.Outcome, res.ExitCode, res.LogPath))
	}
}

func (e *Engine) markError(ctx context.Context, d *Dispatch, task *plan.Task, detail string) {
	task.Status = plan.TaskError
	task.Detail = detail
	if e.metrics != nil {
		e.metrics.TasksErrored.Add(ctx, 1)
	}
	e.log.Error("task errored", "dispatch_id", d.ID, "task_id", task.ID, "detail", detail)
	e.bus.Publish(bus.TopicTaskErrored, bus.TaskEvent{
		DispatchID: d.ID, TaskID: task.ID, Description: task.Description,
		Status: string(plan.TaskError), Detail: detail,
	})
}

// runParallel executes group concurrently, each task in its own worktree cut
// from the project's current branch, then folds the surviving branches back
// one at a time. A conflicting fold errors only that task; its worktree and
// branch are left in place for inspection.
func (e *Engine) runParallel(ctx context.Context, d *Dispatch, group []plan.Task) {
	base, err := gitx.CurrentBranch(ctx, d.ProjectPath)
	if err != nil {
		for _, t := range group {
			if task, ok := taskByID(d, t.ID); ok {
				e.markError(ctx, d, task, fmt.Sprintf("parallel group needs a git branch: %v", err))
			}
		}
		return
	}

	type slot struct {
		taskID   int
		branch   string
		worktree string
		failed   bool
	}
	wtRoot := filepath.Join(e.cfg.StateDir(), "worktrees", d.ID)
	slots := make([]slot, 0, len(group))

	var wg sync.WaitGroup
	for _, t := range group {
		branch := fmt.Sprintf("helmsman/task-%d", t.ID)
		if res := safety.CheckTaskBranch(branch); res.Action == safety.ActionBlock {
			if task, ok := taskByID(d, t.ID); ok {
				e.markError(ctx, d, task, "task branch rejected: "+res.Reason)
			}
			continue
		}
		wt := filepath.Join(wtRoot, fmt.Sprintf("task-%d", t.ID))
		if gitx.BranchExists(ctx, d.ProjectPath, branch) {
			_ = gitx.BranchDelete(ctx, d.ProjectPath, branch)
		}
		if err := gitx.WorktreeAdd(ctx, d.ProjectPath, wt, branch, base); err != nil {
			if task, ok := taskByID(d, t.ID); ok {
				e.markError(ctx, d, task, fmt.Sprintf("create worktree: %v", err))
			}
			continue
		}
		slots = append(slots, slot{taskID: t.ID, branch: branch, worktree: wt})

		wg.Add(1)
		go func(taskID int, wt string) {
			defer wg.Done()
			e.runTask(ctx, d, taskID, wt)
		}(t.ID, wt)
	}
	wg.Wait()

	// Fold sequentially in id order. slots were appended in Eligible order,
	// which is already ascending by id.
	for i := range slots {
		s := &slots[i]
		task, ok := taskByID(d, s.taskID)
		if !ok || task.Status != plan.TaskDone {
			s.failed = true
			continue
		}
		if err := gitx.CommitAll(ctx, s.worktree, fmt.Sprintf("task %d: %s", task.ID, task.Description)); err != nil {
			e.markError(ctx, d, task, fmt.Sprintf("commit task worktree: %v", err))
			s.failed = true
			continue
		}
		if err := gitx.Merge(ctx, d.ProjectPath, s.branch); err != nil {
			var conflict *gitx.MergeConflictError
			if errors.As(err, &conflict) {
				e.markError(ctx, d, task, fmt.Sprintf("fold conflict on %s; worktree kept at %s", s.branch, s.worktree))
			} else {
				e.markError(ctx, d, task, fmt.Sprintf("fold failed: %v", err))
			}
			s.failed = true
			continue
		}
	}

	// Clean up only the folded worktrees; failed ones stay for inspection.
	for _, s := range slots {
		if s.failed {
			continue
		}
		if err := gitx.WorktreeRemove(ctx, d.ProjectPath, s.worktree, true); err != nil {
			e.log.Warn("remove worktree", "error", err, "worktree", s.worktree)
		}
		if err := gitx.BranchDelete(ctx, d.ProjectPath, s.branch); err != nil {
			e.log.Warn("delete task branch", "error", err, "branch", s.branch)
		}
	}
}

// waitForContinue blocks until the operator touches the continue flag, then
// consumes it. Polling keeps the step gate working across restarts: the flag
// file is the whole protocol.
func (e *Engine) waitForContinue(ctx context.Context) error {
	interval := time.Duration(e.cfg.Dispatch.StepPollSeconds) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	flag := e.cfg.ContinueFlagPath()
	e.log.Info("step mode: waiting for continue", "flag", flag)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if e.stopRequested() {
			return ErrStopped
		}
		if _, err := os.Stat(flag); err == nil {
			if err := os.Remove(flag); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("consume continue flag: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// stopRequested consumes the stop flag if present. A file flag rather than a
// channel so /stop works across controller restarts, like the continue gate.
func (e *Engine) stopRequested() bool {
	flag := e.cfg.StopFlagPath()
	if _, err := os.Stat(flag); err != nil {
		return false
	}
	_ = os.Remove(flag)
	return true
}

func taskByID(d *Dispatch, id int) (*plan.Task, bool) {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i], true
		}
	}
	return nil, false
}
