package watchdog

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRollingWindowCap(t *testing.T) {
	var s State
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !s.AllowRestart(ComponentController, 3, now) {
			t.Fatalf("restart %d blocked under cap", i+1)
		}
		s.RecordRestart(ComponentController, now.Add(time.Duration(i)*time.Minute))
	}
	if s.AllowRestart(ComponentController, 3, now.Add(3*time.Minute)) {
		t.Fatal("fourth restart allowed inside the window")
	}
	if s.CrashCounters[ComponentController] != 3 {
		t.Fatalf("crash counter = %d", s.CrashCounters[ComponentController])
	}

	// An hour after the first restart, one slot frees up.
	later := now.Add(61 * time.Minute)
	if !s.AllowRestart(ComponentController, 3, later) {
		t.Fatal("restart still blocked after window rolled past oldest entry")
	}
	if s.CrashCounters[ComponentController] != 2 {
		t.Fatalf("crash counter after prune = %d", s.CrashCounters[ComponentController])
	}
}

func TestCapIsPerComponent(t *testing.T) {
	var s State
	now := time.Now()
	for i := 0; i < 3; i++ {
		s.RecordRestart(ComponentController, now)
	}
	if !s.AllowRestart(ComponentDispatcher, 3, now) {
		t.Fatal("controller restarts counted against the dispatcher")
	}
}

func TestPruneDropsEmptyComponents(t *testing.T) {
	var s State
	old := time.Now().Add(-2 * time.Hour)
	s.RecordRestart(ComponentController, old)
	s.Prune(time.Now())
	if _, ok := s.RestartTimestamps[ComponentController]; ok {
		t.Fatal("stale component entry survived prune")
	}
	if _, ok := s.CrashCounters[ComponentController]; ok {
		t.Fatal("stale crash counter survived prune")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "watchdog.json"))

	s := st.Load()
	s.RecordRestart(ComponentController, time.Now())
	s.DiagnosisPending = true
	s.PendingFixBranch = "helmsman/auto-1756000000"
	if err := st.Save(s); err != nil {
		t.Fatal(err)
	}

	got := st.Load()
	if got.CrashCounters[ComponentController] != 1 {
		t.Fatalf("reloaded crash counter = %d", got.CrashCounters[ComponentController])
	}
	if !got.DiagnosisPending || got.PendingFixBranch != "helmsman/auto-1756000000" {
		t.Fatalf("reload = %+v", got)
	}
}
