// Package controller is the long-lived poll loop between the operator's
// mailbox and the dispatch engine. One iteration drains inbound messages,
// applies the commands they carry, and refreshes the heartbeat file the
// watchdog watches. The controller never handles transport; messages arrive
// and leave through the mailbox only.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/basket/helmsman/internal/audit"
	"github.com/basket/helmsman/internal/bus"
	"github.com/basket/helmsman/internal/config"
	"github.com/basket/helmsman/internal/dispatch"
	"github.com/basket/helmsman/internal/mailbox"
	"github.com/basket/helmsman/internal/otel"
	"github.com/basket/helmsman/internal/plan"
	"github.com/basket/helmsman/internal/projects"
	"github.com/basket/helmsman/internal/sessionlock"
	"github.com/basket/helmsman/internal/shared"
	"github.com/basket/helmsman/internal/watchdog"
)

// Controller wires the durable stores to the dispatch engine and exposes the
// operator command surface.
type Controller struct {
	cfg        config.Config
	mail       *mailbox.Store
	lock       *sessionlock.Store
	plans      *plan.Store
	marker     *plan.MarkerStore
	dispatches *dispatch.Store
	engine     *dispatch.Engine
	registry   *projects.Store
	wdState    *watchdog.Store
	invoker    dispatch.Invoker
	killer     ForceKiller
	bus        *bus.Bus
	log        *slog.Logger
	metrics    *otel.Metrics

	mu         sync.Mutex
	cancelRun  context.CancelFunc
	runnerDone chan struct{}
}

// ForceKiller terminates in-flight agent processes. Satisfied by
// *runner.Runner.
type ForceKiller interface {
	ForceKill() int
}

// Deps carries everything New needs; all fields are required except Metrics.
type Deps struct {
	Config   config.Config
	Mailbox  *mailbox.Store
	Lock     *sessionlock.Store
	Plans    *plan.Store
	Marker   *plan.MarkerStore
	Dispatch *dispatch.Store
	Engine   *dispatch.Engine
	Registry *projects.Store
	Watchdog *watchdog.Store
	Invoker  dispatch.Invoker
	Killer   ForceKiller
	Bus      *bus.Bus
	Log      *slog.Logger
	Metrics  *otel.Metrics
}

func New(d Deps) *Controller {
	return &Controller{
		cfg:        d.Config,
		mail:       d.Mailbox,
		lock:       d.Lock,
		plans:      d.Plans,
		marker:     d.Marker,
		dispatches: d.Dispatch,
		engine:     d.Engine,
		registry:   d.Registry,
		wdState:    d.Watchdog,
		invoker:    d.Invoker,
		killer:     d.Killer,
		bus:        d.Bus,
		log:        d.Log,
		metrics:    d.Metrics,
	}
}

// Run blocks until ctx is cancelled. Each tick drains the inbound mailbox,
// handles every command, and touches the heartbeat.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.writePID(); err != nil {
		return err
	}
	defer os.Remove(c.cfg.PIDPath())

	c.log.Info("controller started", "poll_interval", c.cfg.PollInterval().String())

	ticker := time.NewTicker(c.cfg.PollInterval())
	defer ticker.Stop()
	pruneEvery := 100
	tick := 0

	for {
		c.Tick(ctx)
		tick++
		if tick%pruneEvery == 0 {
			maxAge := time.Duration(c.cfg.Mailbox.PruneMaxAgeHours) * time.Hour
			if err := c.mail.Prune(maxAge, c.cfg.Mailbox.PruneMaxCount); err != nil {
				c.log.Warn("mailbox prune", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			c.killDispatch()
			c.log.Info("controller stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one poll iteration. Exported for the daemon loop and tests;
// Run calls it on every tick.
func (c *Controller) Tick(ctx context.Context) {
	for _, msg := range c.mail.DrainUnread(mailbox.Inbound) {
		msgCtx := shared.WithTraceID(ctx, shared.NewTraceID())
		if c.metrics != nil {
			c.metrics.MessagesIn.Add(msgCtx, 1)
		}
		reply := c.handleCommand(msgCtx, msg.Payload)
		if reply != "" {
			c.reply(msgCtx, reply)
		}
	}
	c.touchHeartbeat()
}

func (c *Controller) reply(ctx context.Context, text string) {
	if _, err := c.mail.Enqueue(mailbox.Outbound, text); err != nil {
		c.log.Error("queue reply", "error", err, "trace_id", shared.TraceID(ctx))
		return
	}
	if c.metrics != nil {
		c.metrics.MessagesOut.Add(ctx, 1)
	}
}

func (c *Controller) writePID() error {
	if err := os.MkdirAll(c.cfg.StateDir(), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(c.cfg.PIDPath(), []byte(pid+"\n"), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// touchHeartbeat refreshes the file the watchdog uses to tell a live poll
// loop from a wedged one.
func (c *Controller) touchHeartbeat() {
	path := c.cfg.HeartbeatPath()
	if err := os.MkdirAll(c.cfg.StateDir(), 0o755); err != nil {
		return
	}
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600); err == nil {
			f.Close()
		}
	}
}

// startDispatch launches the engine for d in the background under the session
// lock. The lock is held for the whole dispatch and released when it ends.
func (c *Controller) startDispatch(ctx context.Context, d dispatch.Dispatch) error {
	reclaimed, err := c.lock.Acquire(os.Getpid())
	if err != nil {
		if c.metrics != nil {
			c.metrics.LockContention.Add(ctx, 1)
		}
		return err
	}
	c.noteLockReclaim(ctx, reclaimed)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.mu.Lock()
	c.cancelRun = cancel
	c.runnerDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			if err := c.lock.Release(); err != nil {
				c.log.Error("release session lock", "error", err)
			}
		}()

		err := c.engine.Execute(runCtx, d)
		p := c.plans.Load()
		switch {
		case err == nil:
			if p.Status == plan.StatusExecuting {
				_ = p.Advance(plan.StatusDone)
				_ = c.plans.Save(p)
			}
			final, ok := c.dispatches.Load()
			if ok {
				doneCount, errored, pending := final.Counts()
				c.reply(runCtx, fmt.Sprintf("Dispatch finished: %d done, %d errored, %d unreachable.", doneCount, errored, pending))
			}
		case errors.Is(err, dispatch.ErrStopped):
			c.log.Info("dispatch stopped between tasks", "dispatch_id", d.ID)
			c.reply(runCtx, "Dispatch stopped. /restart resumes the remaining tasks.")
		case errors.Is(err, context.Canceled) || p.Status == plan.StatusStopped:
			c.log.Info("dispatch stopped", "dispatch_id", d.ID)
		default:
			audit.Record(runCtx, "controller", "dispatch.execute", "error", err.Error())
			c.reply(runCtx, "Dispatch halted: "+err.Error())
		}
	}()
	return nil
}

// noteLockReclaim records a takeover of a dead holder's session lock. The
// reclaim itself already happened inside Acquire; this is the paper trail.
func (c *Controller) noteLockReclaim(ctx context.Context, reclaimed bool) {
	if !reclaimed {
		return
	}
	c.log.Warn("reclaimed session lock from dead holder")
	if c.metrics != nil {
		c.metrics.StaleLockReclaims.Add(ctx, 1)
	}
}

// requestStop arms the stop flag. The engine consumes it between tasks, so
// the current agent turn always runs to completion.
func (c *Controller) requestStop() error {
	if err := os.MkdirAll(c.cfg.StateDir(), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(c.cfg.StopFlagPath(), os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

// killDispatch cancels the running dispatch immediately, if any, and waits
// for the engine goroutine to wind down. Force-kill and daemon shutdown only;
// /stop goes through requestStop.
func (c *Controller) killDispatch() {
	c.mu.Lock()
	cancel, done := c.cancelRun, c.runnerDone
	c.cancelRun, c.runnerDone = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		c.log.Warn("dispatch did not stop in time")
	}
}

func (c *Controller) dispatchRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runnerDone == nil {
		return false
	}
	select {
	case <-c.runnerDone:
		return false
	default:
		return true
	}
}
