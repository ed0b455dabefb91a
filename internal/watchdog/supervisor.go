package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/basket/helmsman/internal/audit"
	"github.com/basket/helmsman/internal/config"
	"github.com/basket/helmsman/internal/dispatch"
	"github.com/basket/helmsman/internal/mailbox"
	"github.com/basket/helmsman/internal/otel"
)

// RestartFunc brings a dead component back. The default implementation
// re-execs the helmsman binary in daemon mode.
type RestartFunc func(ctx context.Context, component string) error

// Watchdog performs one liveness sweep per Check call. It owns no long-lived
// goroutines; scheduling is the caller's problem (cron, systemd timer, or the
// subcommand's own ticker).
type Watchdog struct {
	cfg     config.Config
	store   *Store
	mail    *mailbox.Store
	invoker dispatch.Invoker
	restart RestartFunc
	log     *slog.Logger
	metrics *otel.Metrics

	now func() time.Time
}

func New(cfg config.Config, store *Store, mail *mailbox.Store, invoker dispatch.Invoker, restart RestartFunc, log *slog.Logger, metrics *otel.Metrics) *Watchdog {
	w := &Watchdog{
		cfg:     cfg,
		store:   store,
		mail:    mail,
		invoker: invoker,
		restart: restart,
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}
	if w.restart == nil {
		w.restart = w.restartDaemon
	}
	return w
}

// Check runs one sweep: probe both components, restart what is dead (within
// the rolling-window cap), and escalate repeated crashes to a diagnosis.
func (w *Watchdog) Check(ctx context.Context) error {
	state := w.store.Load()
	now := w.now()

	var dead []string
	if !w.controllerAlive() {
		dead = append(dead, ComponentController)
	} else if w.heartbeatStale(now) {
		// The process answers signals but the dispatch loop stopped writing
		// its heartbeat; treat the loop as a distinct component.
		dead = append(dead, ComponentDispatcher)
	}

	for _, comp := range dead {
		w.handleDead(ctx, &state, comp, now)
	}
	if len(dead) == 0 {
		w.log.Debug("sweep clean")
	}

	if err := w.store.Save(state); err != nil {
		return fmt.Errorf("persist watchdog state: %w", err)
	}
	return nil
}

func (w *Watchdog) handleDead(ctx context.Context, state *State, comp string, now time.Time) {
	ctx, span := otel.StartSpan(ctx, otel.Tracer(), "watchdog.handle_dead",
		otel.AttrComponent.String(comp))
	defer span.End()

	limit := w.cfg.Watchdog.RestartCap
	if limit <= 0 {
		limit = 3
	}
	if !state.AllowRestart(comp, limit, now) {
		w.log.Error("restart suppressed: rolling-window cap reached",
			"component", comp, "cap", limit)
		if w.metrics != nil {
			w.metrics.RestartsSuppressed.Add(ctx, 1)
		}
		audit.Record(ctx, "watchdog", "component.restart", "suppressed",
			fmt.Sprintf("%s: cap %d/hour spent", comp, limit))
		w.notify(fmt.Sprintf("⚠️ %s is down and the restart cap (%d/hour) is spent. Manual intervention needed.", comp, limit))
		return
	}

	w.log.Warn("restarting dead component", "component", comp)
	if err := w.restart(ctx, comp); err != nil {
		w.log.Error("restart failed", "component", comp, "error", err)
		audit.Record(ctx, "watchdog", "component.restart", "error", fmt.Sprintf("%s: %v", comp, err))
		w.notify(fmt.Sprintf("⚠️ restart of %s failed: %v", comp, err))
		return
	}
	state.RecordRestart(comp, now)
	audit.Record(ctx, "watchdog", "component.restart", "allow", comp)
	if w.metrics != nil {
		w.metrics.WatchdogRestarts.Add(ctx, 1)
	}
	w.notify(fmt.Sprintf("🔄 restarted %s (%d in the last hour)", comp, state.CrashCounters[comp]))

	if state.CrashCounters[comp] >= 2 && !state.DiagnosisPending {
		w.diagnose(ctx, state, comp)
	}
}

// controllerAlive probes the PID recorded by the controller at startup.
func (w *Watchdog) controllerAlive() bool {
	data, err := os.ReadFile(w.cfg.PIDPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	sigErr := proc.Signal(syscall.Signal(0))
	return sigErr == nil || errors.Is(sigErr, syscall.EPERM)
}

// killController sends SIGKILL to the recorded controller process group.
func (w *Watchdog) killController() {
	data, err := os.ReadFile(w.cfg.PIDPath())
	if err != nil {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_ = syscall.Kill(pid, syscall.SIGKILL)
}

// heartbeatStale reports whether the dispatch loop's heartbeat file is older
// than the configured staleness bound. A missing heartbeat is not stale: the
// controller may simply never have started a dispatch.
func (w *Watchdog) heartbeatStale(now time.Time) bool {
	info, err := os.Stat(w.cfg.HeartbeatPath())
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime()) > w.cfg.HeartbeatStale()
}

// notify queues a message for the operator. The controller's transport drains
// it; if the controller is the thing that died, the message waits until the
// restart lands.
func (w *Watchdog) notify(text string) {
	if w.mail == nil {
		return
	}
	if _, err := w.mail.Enqueue(mailbox.Outbound, text); err != nil {
		w.log.Error("queue operator notice", "error", err)
	}
}

// restartDaemon re-execs this binary in daemon mode, detached from the
// watchdog's own lifetime. A wedged-but-alive controller (stale dispatch
// heartbeat) is killed first so two daemons never race on the session lock.
func (w *Watchdog) restartDaemon(_ context.Context, component string) error {
	if component == ComponentDispatcher {
		w.killController()
	}
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate helmsman binary: %w", err)
	}
	cmd := exec.Command(self, "daemon")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", component, err)
	}
	// Detach; the new daemon writes its own PID file.
	return cmd.Process.Release()
}
