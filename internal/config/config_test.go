package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFrom_Defaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.PollIntervalSeconds != 2 {
		t.Errorf("PollIntervalSeconds = %d, want 2", cfg.PollIntervalSeconds)
	}
	if cfg.Dispatch.ParallelLimit != 3 {
		t.Errorf("ParallelLimit = %d, want 3", cfg.Dispatch.ParallelLimit)
	}
	if cfg.Watchdog.RestartCap != 3 {
		t.Errorf("RestartCap = %d, want 3", cfg.Watchdog.RestartCap)
	}
	if got := cfg.ResolveTier(TierFree).Model; got != "haiku" {
		t.Errorf("free tier model = %q, want haiku", got)
	}
	if cfg.Watchdog.AutoFix.Enabled {
		t.Error("auto-fix must default to disabled")
	}
	if cfg.Watchdog.AutoFix.SeverityThreshold != 4 {
		t.Errorf("SeverityThreshold = %d, want 4", cfg.Watchdog.AutoFix.SeverityThreshold)
	}
}

func TestLoadFrom_YAMLOverrides(t *testing.T) {
	home := t.TempDir()
	yaml := `
log_level: debug
poll_interval_seconds: 5
backends:
  claude:
    command: claude
  codex:
    command: codex
dispatch:
  parallel_limit: 2
  tiers:
    top:
      platform: codex
      model: gpt-5
    mid:
      platform: claude
      model: sonnet
    free:
      platform: claude
      model: haiku
watchdog:
  restart_cap: 5
`
	if err := os.WriteFile(ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Dispatch.ParallelLimit != 2 {
		t.Errorf("ParallelLimit = %d, want 2", cfg.Dispatch.ParallelLimit)
	}
	if got := cfg.ResolveTier(TierTop); got.Platform != "codex" || got.Model != "gpt-5" {
		t.Errorf("top tier = %+v", got)
	}
	if cfg.Watchdog.RestartCap != 5 {
		t.Errorf("RestartCap = %d, want 5", cfg.Watchdog.RestartCap)
	}
	// Backend without model_flag gets the default.
	if cfg.Backends["codex"].ModelFlag != "--model" {
		t.Errorf("codex ModelFlag = %q", cfg.Backends["codex"].ModelFlag)
	}
}

func TestLoadFrom_EnvOverridesToken(t *testing.T) {
	t.Setenv("HELMSMAN_TELEGRAM_TOKEN", "env-token")
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Channels.Telegram.Token != "env-token" {
		t.Errorf("Telegram token = %q, want the documented env override", cfg.Channels.Telegram.Token)
	}
}

func TestLoadFrom_RejectsUnknownTier(t *testing.T) {
	home := t.TempDir()
	yaml := `
dispatch:
  tiers:
    platinum:
      platform: claude
      model: opus
`
	if err := os.WriteFile(ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(home); err == nil {
		t.Fatal("expected error for unknown tier name")
	}
}

func TestLoadFrom_TelegramRequiresTokenAndAllowlist(t *testing.T) {
	home := t.TempDir()
	yaml := `
channels:
  telegram:
    enabled: true
`
	if err := os.WriteFile(ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(home); err == nil {
		t.Fatal("expected error: telegram enabled without token")
	}
}

func TestResolveTier_UnknownFallsBackToMid(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.ResolveTier("bogus"); got != cfg.Dispatch.Tiers[TierMid] {
		t.Errorf("unknown tier resolved to %+v, want mid", got)
	}
}

func TestStatePaths_UnderHome(t *testing.T) {
	home := t.TempDir()
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	for name, p := range map[string]string{
		"mailbox":  cfg.MailboxPath(),
		"lock":     cfg.LockPath(),
		"plan":     cfg.PlanPath(),
		"dispatch": cfg.DispatchPath(),
		"watchdog": cfg.WatchdogPath(),
	} {
		if filepath.Dir(p) != cfg.StateDir() {
			t.Errorf("%s path %q not under state dir", name, p)
		}
	}
}

func TestTrimmedAllowedExtensions(t *testing.T) {
	cfg := Config{PlanMode: PlanModeConfig{AllowedExtensions: []string{"MD", ".Txt", " ", "rst"}}}
	got := cfg.TrimmedAllowedExtensions()
	want := []string{".md", ".txt", ".rst"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestFingerprint_Stable(t *testing.T) {
	cfg, _ := LoadFrom(t.TempDir())
	if cfg.Fingerprint() != cfg.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
}
