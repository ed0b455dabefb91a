package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/helmsman/internal/config"
	"github.com/basket/helmsman/internal/dispatch"
	"github.com/basket/helmsman/internal/plan"
	"github.com/basket/helmsman/internal/projects"
	"github.com/basket/helmsman/internal/sessionlock"
	"github.com/basket/helmsman/internal/watchdog"
)

var (
	statusLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	statusOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusBad   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func runStatusCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: helmsman status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	// Plain output when piped; colors only on a real terminal.
	plain := !isatty.IsTerminal(os.Stdout.Fd())

	var b strings.Builder
	writeSessionStatus(&b, cfg, plain)
	writePlanStatus(&b, cfg, plain)
	writeDispatchStatus(&b, cfg, plain)
	writeWatchdogStatus(&b, cfg, plain)
	fmt.Print(b.String())
	return 0
}

func render(style lipgloss.Style, plain bool, s string) string {
	if plain {
		return s
	}
	return style.Render(s)
}

func writeSessionStatus(b *strings.Builder, cfg config.Config, plain bool) {
	lock := sessionlock.NewStore(cfg.LockPath())
	held, alive, exists := lock.Holder()
	switch {
	case !exists:
		fmt.Fprintf(b, "%s %s\n", render(statusLabel, plain, "session:"), render(statusOK, plain, "free"))
	case alive:
		fmt.Fprintf(b, "%s %s\n", render(statusLabel, plain, "session:"),
			render(statusWarn, plain, fmt.Sprintf("locked by pid %d since %s", held.HolderPID, held.AcquiredAt.Format("15:04:05"))))
	default:
		fmt.Fprintf(b, "%s %s\n", render(statusLabel, plain, "session:"),
			render(statusBad, plain, fmt.Sprintf("stale lock (pid %d is dead); run: helmsman clearlock", held.HolderPID)))
	}

	reg := projects.NewStore(cfg.RegistryPath())
	names, selected := reg.List()
	if selected != "" {
		fmt.Fprintf(b, "%s %s (%d registered)\n", render(statusLabel, plain, "project:"), selected, len(names))
	} else {
		fmt.Fprintf(b, "%s %s\n", render(statusLabel, plain, "project:"), "none selected")
	}
}

func writePlanStatus(b *strings.Builder, cfg config.Config, plain bool) {
	p := plan.NewStore(cfg.PlanPath()).Load()
	if p.Status == plan.StatusNone {
		fmt.Fprintf(b, "%s %s\n", render(statusLabel, plain, "plan:"), "none")
		return
	}
	fmt.Fprintf(b, "%s %s (%d tasks) · %s\n",
		render(statusLabel, plain, "plan:"), string(p.Status), len(p.Tasks), p.Goal)

	marker := plan.NewMarkerStore(cfg.PlanMarkerPath())
	if marker.Enabled() {
		fmt.Fprintf(b, "%s %s\n", render(statusLabel, plain, "plan mode:"),
			render(statusWarn, plain, "active (writes restricted to docs)"))
	}
}

func writeDispatchStatus(b *strings.Builder, cfg config.Config, plain bool) {
	d, ok := dispatch.NewStore(cfg.DispatchPath()).Load()
	if !ok {
		fmt.Fprintf(b, "%s %s\n", render(statusLabel, plain, "dispatch:"), "none")
		return
	}
	done, errored, pending := d.Counts()
	line := fmt.Sprintf("%s · %d done, %d errored, %d pending", shortDispatchID(d.ID), done, errored, pending)
	style := statusOK
	if errored > 0 {
		style = statusWarn
	}
	if pending > 0 && errored == 0 {
		style = statusLabel
	}
	fmt.Fprintf(b, "%s %s\n", render(statusLabel, plain, "dispatch:"), render(style, plain, line))
}

func writeWatchdogStatus(b *strings.Builder, cfg config.Config, plain bool) {
	state := watchdog.NewStore(cfg.WatchdogPath()).Load()
	restarts := 0
	for _, ts := range state.RestartTimestamps {
		restarts += len(ts)
	}
	line := fmt.Sprintf("%d restart(s) in the last hour", restarts)
	style := statusOK
	if restarts > 0 {
		style = statusWarn
	}
	fmt.Fprintf(b, "%s %s\n", render(statusLabel, plain, "watchdog:"), render(style, plain, line))
	if state.PendingFixBranch != "" {
		fmt.Fprintf(b, "%s %s\n", render(statusLabel, plain, "pending fix:"),
			render(statusWarn, plain, state.PendingFixBranch+" (/fix apply or /fix discard)"))
	}
}

func shortDispatchID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runClearLockCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: helmsman clearlock")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if err := sessionlock.NewStore(cfg.LockPath()).Release(); err != nil {
		fmt.Fprintf(os.Stderr, "clearlock: %v\n", err)
		return 1
	}
	fmt.Println("session lock cleared")
	return 0
}
