package runner

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/helmsman/internal/config"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend writes an executable script and returns a runner with it
// registered under the platform name "fake".
func fakeBackend(t *testing.T, script string) *Runner {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-agent")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	backends := map[string]config.BackendConfig{
		"fake": {Command: bin},
	}
	return New(backends, filepath.Join(dir, "logs"), discard())
}

func TestRunCompleted(t *testing.T) {
	r := fakeBackend(t, `echo working; echo HELMSMAN_TASK_COMPLETE`)
	res, err := r.Run(context.Background(), Request{
		Platform: "fake",
		Prompt:   "do the thing",
		WorkDir:  t.TempDir(),
		Timeout:  10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", res.Outcome)
	}
	if !strings.Contains(res.Output, "working") {
		t.Fatalf("output missing script text: %q", res.Output)
	}
	if _, err := os.Stat(res.LogPath); err != nil {
		t.Fatalf("invocation log missing: %v", err)
	}
}

func TestRunBlockedMarker(t *testing.T) {
	r := fakeBackend(t, `echo "HELMSMAN_TASK_BLOCKED: need credentials"`)
	res, err := r.Run(context.Background(), Request{
		Platform: "fake", Prompt: "x", WorkDir: t.TempDir(), Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeBlocked {
		t.Fatalf("outcome = %s, want blocked", res.Outcome)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	r := fakeBackend(t, `exit 3`)
	res, err := r.Run(context.Background(), Request{
		Platform: "fake", Prompt: "x", WorkDir: t.TempDir(), Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestRunTimeout(t *testing.T) {
	r := fakeBackend(t, `sleep 30`)
	start := time.Now()
	res, err := r.Run(context.Background(), Request{
		Platform: "fake", Prompt: "x", WorkDir: t.TempDir(), Timeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeTimeout {
		t.Fatalf("outcome = %s, want timeout", res.Outcome)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("timeout did not fire")
	}
}

func TestRunRejectsBadTokens(t *testing.T) {
	r := fakeBackend(t, `true`)
	if _, err := r.Run(context.Background(), Request{
		Platform: "fake; rm -rf /", Prompt: "x", WorkDir: t.TempDir(),
	}); err == nil {
		t.Fatal("hostile platform token accepted")
	}
	if _, err := r.Run(context.Background(), Request{
		Platform: "fake", Model: "$(reboot)", Prompt: "x", WorkDir: t.TempDir(),
	}); err == nil {
		t.Fatal("hostile model token accepted")
	}
	if _, err := r.Run(context.Background(), Request{
		Platform: "unknown", Prompt: "x", WorkDir: t.TempDir(),
	}); err == nil {
		t.Fatal("unconfigured platform accepted")
	}
}

func TestBuildPromptConstraints(t *testing.T) {
	got := buildPrompt(Request{
		Prompt:        "fix the bug",
		ScopeBoundary: "internal/auth only",
		ReadOnly:      true,
	})
	if !strings.Contains(got, "read-only") {
		t.Error("read-only constraint missing")
	}
	if !strings.Contains(got, "internal/auth only") {
		t.Error("scope boundary missing")
	}
	if !strings.Contains(got, "fix the bug") {
		t.Error("task text missing")
	}
	// Constraints come before the task text.
	if strings.Index(got, "internal/auth only") > strings.Index(got, "fix the bug") {
		t.Error("scope boundary should precede the task text")
	}
}
