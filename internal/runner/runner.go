// Package runner invokes the configured agent backend for one task turn.
// Every invocation is an argv vector built from validated tokens, runs in
// its own process group so force-kill can take the whole tree down, and is
// bounded by the dispatch timeout.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/basket/helmsman/internal/config"
	"github.com/basket/helmsman/internal/otel"
	"github.com/basket/helmsman/internal/safety"
	"github.com/basket/helmsman/internal/shared"
)

// Outcome classifies how an invocation ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeFailed    Outcome = "failed"
	OutcomeKilled    Outcome = "killed"
)

// Markers the backend can emit on its own line to report its end state.
const (
	markerComplete = "HELMSMAN_TASK_COMPLETE"
	markerBlocked  = "HELMSMAN_TASK_BLOCKED"
)

// Request is one agent turn.
type Request struct {
	Platform      string
	Model         string
	Prompt        string
	ScopeBoundary string
	WorkDir       string
	// ReadOnly asks the backend to not modify the tree. Used by watchdog
	// diagnosis turns.
	ReadOnly bool
	Timeout  time.Duration
}

// Result is what came back.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Output   string
	LogPath  string
	Duration time.Duration
}

// Runner executes requests against the configured backends.
type Runner struct {
	backends map[string]config.BackendConfig
	logDir   string
	log      *slog.Logger

	mu      sync.Mutex
	running map[int]*exec.Cmd // pid -> in-flight command
}

func New(backends map[string]config.BackendConfig, logDir string, log *slog.Logger) *Runner {
	return &Runner{
		backends: backends,
		logDir:   logDir,
		log:      log,
		running:  make(map[int]*exec.Cmd),
	}
}

// buildArgv assembles the command line. Model and platform tokens must
// already be validated, but the runner re-checks: this is the last gate
// before exec.
func (r *Runner) buildArgv(req Request) (string, []string, error) {
	if res := safety.CheckPlatform(req.Platform); res.Action == safety.ActionBlock {
		return "", nil, fmt.Errorf("platform rejected: %s", res.Reason)
	}
	if req.Model != "" {
		if res := safety.CheckModel(req.Model); res.Action == safety.ActionBlock {
			return "", nil, fmt.Errorf("model rejected: %s", res.Reason)
		}
	}
	backend, ok := r.backends[req.Platform]
	if !ok {
		return "", nil, fmt.Errorf("no backend configured for platform %q", req.Platform)
	}

	args := append([]string(nil), backend.Args...)
	if req.Model != "" {
		flag := backend.ModelFlag
		if flag == "" {
			flag = "--model"
		}
		args = append(args, flag, req.Model)
	}
	args = append(args, buildPrompt(req))
	return backend.Command, args, nil
}

// buildPrompt injects the operating constraints ahead of the task text.
func buildPrompt(req Request) string {
	var b strings.Builder
	if req.ReadOnly {
		b.WriteString("You are running in read-only mode. Do not modify, create, or delete any file.\n\n")
	}
	if req.ScopeBoundary != "" {
		b.WriteString("Stay within this scope: ")
		b.WriteString(req.ScopeBoundary)
		b.WriteString("\n\n")
	}
	b.WriteString(req.Prompt)
	b.WriteString("\n\nWhen the task is fully done print " + markerComplete +
		" on its own line; if you cannot proceed print " + markerBlocked + " with a reason.")
	return b.String()
}

// Run executes one agent turn and classifies the outcome. Combined output is
// streamed to a log file under the runner's log directory and also returned
// (tail-truncated) in the result.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	ctx, span := otel.StartClientSpan(ctx, otel.Tracer(), "agent.invoke",
		otel.AttrPlatform.String(req.Platform),
		otel.AttrModel.String(req.Model),
	)
	defer span.End()
	command, args, err := r.buildArgv(req)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logPath, logFile, err := r.openLog()
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	defer logFile.Close()

	cmd := exec.CommandContext(runCtx, command, args...)
	cmd.Dir = req.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group; force-kill signals the group, not just the leader.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	r.log.Info("agent invocation starting",
		"platform", req.Platform,
		"model", req.Model,
		"workdir", req.WorkDir,
		"trace_id", shared.TraceID(ctx),
	)

	if err := cmd.Start(); err != nil {
		return Result{Outcome: OutcomeFailed, LogPath: logPath}, fmt.Errorf("start %s: %w", command, err)
	}
	r.track(cmd)
	waitErr := cmd.Wait()
	r.untrack(cmd)

	output := readTail(logPath, 64*1024)
	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Output:   output,
		LogPath:  logPath,
		Duration: time.Since(start),
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Outcome = OutcomeTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		res.Outcome = OutcomeKilled
	case waitErr != nil:
		res.Outcome = OutcomeFailed
	case strings.Contains(output, markerBlocked):
		res.Outcome = OutcomeBlocked
	default:
		// A clean exit without markers still counts as completed; not every
		// backend can be trusted to print them.
		res.Outcome = OutcomeCompleted
	}

	r.log.Info("agent invocation finished",
		"outcome", string(res.Outcome),
		"exit_code", res.ExitCode,
		"duration", res.Duration.Round(time.Millisecond).String(),
		"trace_id", shared.TraceID(ctx),
	)
	return res, nil
}

// ForceKill terminates every in-flight invocation's process group. The caller
// releases the session lock afterwards regardless of what this returns.
func (r *Runner) ForceKill() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	killed := 0
	for pid := range r.running {
		if err := syscall.Kill(-pid, syscall.SIGKILL); err == nil {
			killed++
		}
		delete(r.running, pid)
	}
	return killed
}

func (r *Runner) track(cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd.Process != nil {
		r.running[cmd.Process.Pid] = cmd
	}
}

func (r *Runner) untrack(cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd.Process != nil {
		delete(r.running, cmd.Process.Pid)
	}
}

func (r *Runner) openLog() (string, *os.File, error) {
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create invocation log dir: %w", err)
	}
	path := filepath.Join(r.logDir, fmt.Sprintf("invocation-%d.log", time.Now().UnixNano()))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", nil, fmt.Errorf("create invocation log: %w", err)
	}
	return path, f, nil
}

// readTail returns up to max bytes from the end of the file at path.
func readTail(path string, max int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	if info.Size() > max {
		if _, err := f.Seek(-max, io.SeekEnd); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return string(data)
}
