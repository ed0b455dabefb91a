package watchdog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/helmsman/internal/audit"
	"github.com/basket/helmsman/internal/config"
	"github.com/basket/helmsman/internal/mailbox"
	"github.com/basket/helmsman/internal/runner"
)

// scriptedInvoker returns canned results in order and records every request.
type scriptedInvoker struct {
	mu      sync.Mutex
	calls   []runner.Request
	results []runner.Result
}

func (s *scriptedInvoker) Run(_ context.Context, req runner.Request) (runner.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.results) == 0 {
		return runner.Result{Outcome: runner.OutcomeCompleted}, nil
	}
	res := s.results[0]
	s.results = s.results[1:]
	return res, nil
}

func (s *scriptedInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type restartRecorder struct {
	mu    sync.Mutex
	comps []string
	err   error
}

func (r *restartRecorder) restart(_ context.Context, comp string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.comps = append(r.comps, comp)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWatchdog(t *testing.T, inv *scriptedInvoker, rec *restartRecorder) (*Watchdog, *Store, *mailbox.Store, config.Config) {
	t.Helper()
	cfg := config.Config{
		HomeDir: t.TempDir(),
		Watchdog: config.WatchdogConfig{
			RestartCap:            3,
			HeartbeatStaleSeconds: 60,
		},
	}
	store := NewStore(cfg.WatchdogPath())
	mail := mailbox.NewStore(cfg.MailboxPath())
	return New(cfg, store, mail, inv, rec.restart, discardLogger(), nil), store, mail, cfg
}

func writePID(t *testing.T, cfg config.Config, pid int) {
	t.Helper()
	if err := os.MkdirAll(cfg.StateDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.PIDPath(), []byte(fmt.Sprintf("%d\n", pid)), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestCheckRestartsDeadController(t *testing.T) {
	inv := &scriptedInvoker{}
	rec := &restartRecorder{}
	w, store, mail, cfg := newTestWatchdog(t, inv, rec)
	// A PID nothing can hold.
	writePID(t, cfg, 1<<22)

	if err := w.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(rec.comps) != 1 || rec.comps[0] != ComponentController {
		t.Fatalf("restarts = %v", rec.comps)
	}
	if got := store.Load().CrashCounters[ComponentController]; got != 1 {
		t.Fatalf("crash counter = %d", got)
	}
	notices := mail.DrainUnread(mailbox.Outbound)
	if len(notices) != 1 || !strings.Contains(notices[0].Payload, "restarted controller") {
		t.Fatalf("operator notices = %+v", notices)
	}
}

func TestCheckHealthyControllerNoAction(t *testing.T) {
	inv := &scriptedInvoker{}
	rec := &restartRecorder{}
	w, _, mail, cfg := newTestWatchdog(t, inv, rec)
	writePID(t, cfg, os.Getpid())

	if err := w.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(rec.comps) != 0 {
		t.Fatalf("healthy controller restarted: %v", rec.comps)
	}
	if got := mail.DrainUnread(mailbox.Outbound); len(got) != 0 {
		t.Fatalf("unexpected notices: %+v", got)
	}
}

func TestCheckSuppressesBeyondCap(t *testing.T) {
	inv := &scriptedInvoker{}
	rec := &restartRecorder{}
	w, store, mail, cfg := newTestWatchdog(t, inv, rec)
	writePID(t, cfg, 1<<22)

	s := store.Load()
	now := time.Now()
	for i := 0; i < 3; i++ {
		s.RecordRestart(ComponentController, now)
	}
	s.DiagnosisPending = true // keep the escalation path out of this test
	if err := store.Save(s); err != nil {
		t.Fatal(err)
	}

	if err := w.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(rec.comps) != 0 {
		t.Fatalf("restart ran past the cap: %v", rec.comps)
	}
	notices := mail.DrainUnread(mailbox.Outbound)
	if len(notices) != 1 || !strings.Contains(notices[0].Payload, "restart cap") {
		t.Fatalf("notices = %+v", notices)
	}
}

func TestCheckEscalatesToDiagnosis(t *testing.T) {
	inv := &scriptedInvoker{results: []runner.Result{
		{Outcome: runner.OutcomeCompleted, Output: "looks like a nil map write\nHELMSMAN_SEVERITY: 2"},
		{Outcome: runner.OutcomeCompleted, Output: "same nil map write\nHELMSMAN_SEVERITY: 2"},
	}}
	rec := &restartRecorder{}
	w, store, mail, cfg := newTestWatchdog(t, inv, rec)
	writePID(t, cfg, 1<<22)

	// One prior restart in the window; the next one crosses the threshold.
	s := store.Load()
	s.RecordRestart(ComponentController, time.Now().Add(-10*time.Minute))
	if err := store.Save(s); err != nil {
		t.Fatal(err)
	}

	if err := w.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	if inv.callCount() != 1 {
		t.Fatalf("diagnosis invocations = %d, want 1", inv.callCount())
	}
	if !inv.calls[0].ReadOnly {
		t.Fatal("diagnosis turn was not read-only")
	}
	// No fix branch in flight, so the guard releases for the next escalation.
	if store.Load().DiagnosisPending {
		t.Fatal("DiagnosisPending latched after a fixless diagnosis")
	}

	var sawDiagnosis bool
	for _, msg := range mail.DrainUnread(mailbox.Outbound) {
		if strings.Contains(msg.Payload, "diagnosis for controller") {
			sawDiagnosis = true
		}
	}
	if !sawDiagnosis {
		t.Fatal("diagnosis not relayed to the operator")
	}

	// Still dead on the next sweep: another restart, and the new escalation
	// gets its own diagnosis.
	if err := w.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	if inv.callCount() != 2 {
		t.Fatalf("diagnosis invocations = %d, want one per escalation", inv.callCount())
	}
	if len(rec.comps) != 2 {
		t.Fatalf("restarts = %v", rec.comps)
	}
}

func TestRestartDecisionsAreAudited(t *testing.T) {
	home := t.TempDir()
	if err := audit.Init(home, filepath.Join(home, "audit.db")); err != nil {
		t.Fatalf("audit init: %v", err)
	}
	t.Cleanup(func() { _ = audit.Close() })

	inv := &scriptedInvoker{}
	rec := &restartRecorder{}
	w, store, _, cfg := newTestWatchdog(t, inv, rec)
	writePID(t, cfg, 1<<22)

	// First sweep restarts; a capped-out second state suppresses.
	if err := w.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := store.Load()
	now := time.Now()
	for i := 0; i < 3; i++ {
		s.RecordRestart(ComponentController, now)
	}
	s.DiagnosisPending = true
	if err := store.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := w.Check(context.Background()); err != nil {
		t.Fatal(err)
	}

	entries, err := audit.Tail(context.Background(), 10)
	if err != nil {
		t.Fatalf("audit tail: %v", err)
	}
	decisions := map[string]bool{}
	for _, e := range entries {
		if e["action"] == "component.restart" {
			decisions[e["decision"]] = true
		}
	}
	if !decisions["allow"] || !decisions["suppressed"] {
		t.Fatalf("audit decisions = %v, want allow and suppressed restarts", decisions)
	}
}

func TestHeartbeatStaleTriggersDispatcherRestart(t *testing.T) {
	inv := &scriptedInvoker{}
	rec := &restartRecorder{}
	w, _, _, cfg := newTestWatchdog(t, inv, rec)
	writePID(t, cfg, os.Getpid())

	if err := os.WriteFile(cfg.HeartbeatPath(), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-10 * time.Minute)
	if err := os.Chtimes(cfg.HeartbeatPath(), old, old); err != nil {
		t.Fatal(err)
	}

	if err := w.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(rec.comps) != 1 || rec.comps[0] != ComponentDispatcher {
		t.Fatalf("restarts = %v, want dispatcher", rec.comps)
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		output string
		want   int
	}{
		{"HELMSMAN_SEVERITY: 5", 5},
		{"some analysis\nHELMSMAN_SEVERITY: 3\n", 3},
		{"HELMSMAN_SEVERITY:4", 4},
		{"no marker here", 0},
		{"HELMSMAN_SEVERITY: 9", 0},
	}
	for _, tt := range tests {
		if got := parseSeverity(tt.output); got != tt.want {
			t.Errorf("parseSeverity(%q) = %d, want %d", tt.output, got, tt.want)
		}
	}
}
