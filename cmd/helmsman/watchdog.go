package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/robfig/cron/v3"

	"github.com/basket/helmsman/internal/audit"
	"github.com/basket/helmsman/internal/config"
	"github.com/basket/helmsman/internal/mailbox"
	"github.com/basket/helmsman/internal/runner"
	"github.com/basket/helmsman/internal/telemetry"
	"github.com/basket/helmsman/internal/watchdog"
)

// runWatchdogCommand runs health checks against the controller daemon. With
// -once it performs a single check and exits (cron-friendly); otherwise it
// schedules itself on cfg.Watchdog.Schedule and runs until interrupted.
func runWatchdogCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watchdog", flag.ContinueOnError)
	once := fs.Bool("once", false, "run a single check and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	if err := audit.Init(cfg.HomeDir, cfg.AuditDBPath()); err != nil {
		fmt.Fprintf(os.Stderr, "audit init: %v\n", err)
		return 1
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "watchdog", cfg.LogLevel, *once)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	mail := mailbox.NewStore(cfg.MailboxPath())
	store := watchdog.NewStore(cfg.WatchdogPath())
	agentRunner := runner.New(cfg.Backends, cfg.LogDir(), logger)
	wd := watchdog.New(cfg, store, mail, agentRunner, nil, logger, nil)

	check := func() {
		if err := wd.Check(ctx); err != nil {
			logger.Error("watchdog check failed", "error", err)
		}
	}

	if *once {
		check()
		return 0
	}

	schedule := cfg.Watchdog.Schedule
	if schedule == "" {
		schedule = "* * * * *"
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, check); err != nil {
		fmt.Fprintf(os.Stderr, "bad watchdog schedule %q: %v\n", schedule, err)
		return 2
	}

	logger.Info("watchdog started", "schedule", schedule)
	check()
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("watchdog stopped")
	return 0
}
