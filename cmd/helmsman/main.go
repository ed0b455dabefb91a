package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/helmsman/internal/audit"
	"github.com/basket/helmsman/internal/bus"
	"github.com/basket/helmsman/internal/channels"
	"github.com/basket/helmsman/internal/config"
	"github.com/basket/helmsman/internal/controller"
	"github.com/basket/helmsman/internal/dispatch"
	"github.com/basket/helmsman/internal/mailbox"
	otelPkg "github.com/basket/helmsman/internal/otel"
	"github.com/basket/helmsman/internal/plan"
	"github.com/basket/helmsman/internal/projects"
	"github.com/basket/helmsman/internal/runner"
	"github.com/basket/helmsman/internal/sessionlock"
	"github.com/basket/helmsman/internal/telemetry"
	"github.com/basket/helmsman/internal/watchdog"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the controller daemon
  %s daemon                   Same, explicit

SUBCOMMANDS:
  %s watchdog [-once]         Run the watchdog (cron loop, or a single check)
  %s status                   Show lock, plan, dispatch and watchdog state
  %s clearlock                Remove the session lock unconditionally
  %s version                  Print version

ENVIRONMENT VARIABLES:
  HELMSMAN_HOME               Data directory (default: ~/.helmsman)
  HELMSMAN_TELEGRAM_TOKEN     Telegram bot token (overrides config.yaml)
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "daemon"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
	}

	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "version":
		fmt.Println(Version)
		os.Exit(0)
	case "daemon":
		os.Exit(runDaemon(ctx))
	case "watchdog":
		os.Exit(runWatchdogCommand(ctx, args[1:]))
	case "status":
		os.Exit(runStatusCommand(args[1:]))
	case "clearlock":
		os.Exit(runClearLockCommand(args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func runDaemon(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so logger-init failures are audited.
	if err := audit.Init(cfg.HomeDir, cfg.AuditDBPath()); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "controller", cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	mail := mailbox.NewStore(cfg.MailboxPath())
	lock := sessionlock.NewStore(cfg.LockPath())
	plans := plan.NewStore(cfg.PlanPath())
	marker := plan.NewMarkerStore(cfg.PlanMarkerPath())
	dispatches := dispatch.NewStore(cfg.DispatchPath())
	registry := projects.NewStore(cfg.RegistryPath())
	wdState := watchdog.NewStore(cfg.WatchdogPath())

	agentRunner := runner.New(cfg.Backends, cfg.LogDir(), logger)
	engine := dispatch.NewEngine(cfg, dispatches, agentRunner, eventBus, logger, metrics)

	ctrl := controller.New(controller.Deps{
		Config:   cfg,
		Mailbox:  mail,
		Lock:     lock,
		Plans:    plans,
		Marker:   marker,
		Dispatch: dispatches,
		Engine:   engine,
		Registry: registry,
		Watchdog: wdState,
		Invoker:  agentRunner,
		Killer:   agentRunner,
		Bus:      eventBus,
		Log:      logger,
		Metrics:  metrics,
	})

	// Config watcher: tunables need a restart to apply, but the operator
	// should hear about the change instead of discovering it weeks later.
	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	go func() {
		if err := confWatcher.Start(ctx); err != nil {
			logger.Warn("config watcher failed", "error", err)
		}
	}()
	go func() {
		for range confWatcher.Events() {
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			if newCfg.Fingerprint() == cfg.Fingerprint() {
				continue
			}
			logger.Info("config changed on disk", "fingerprint", newCfg.Fingerprint())
			if _, err := mail.Enqueue(mailbox.Outbound, "⚙️ config.yaml changed; restart the daemon to apply"); err != nil {
				logger.Warn("queue config notice", "error", err)
			}
		}
	}()

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				cfg.Channels.Telegram.AllowedIDs,
				mail,
				eventBus,
				logger,
			)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	logger.Info("startup phase", "phase", "controller_starting")
	if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("controller exited with error", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "runtime", "startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
