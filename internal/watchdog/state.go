// Package watchdog is the out-of-band supervisor. It runs in its own process,
// shares nothing with the controller but the state directory, and is the only
// component allowed to restart the others.
package watchdog

import (
	"time"

	"github.com/basket/helmsman/internal/statefile"
)

// Component names the processes the watchdog supervises.
const (
	ComponentController = "controller"
	ComponentDispatcher = "dispatcher"
)

// window is the rolling period restart accounting is scoped to.
const window = time.Hour

// State is the watchdog's durable memory between sweeps.
type State struct {
	// RestartTimestamps holds the restarts performed per component inside
	// the rolling window. Entries older than the window are pruned on load.
	RestartTimestamps map[string][]time.Time `json:"restart_timestamps"`
	// CrashCounters counts restarts per component within the window, for
	// the escalation rule.
	CrashCounters map[string]int `json:"crash_counters"`
	// DiagnosisPending dedups diagnostic invocations: set while a diagnosis
	// is in flight or its fix branch awaits the operator, cleared otherwise.
	DiagnosisPending bool `json:"diagnosis_pending"`
	// PendingFixBranch names a fix branch that passed its test gate and
	// waits for the operator's merge decision.
	PendingFixBranch string `json:"pending_fix_branch,omitempty"`
}

// Prune drops restart records older than the rolling window and rebuilds the
// crash counters from what remains.
func (s *State) Prune(now time.Time) {
	if s.RestartTimestamps == nil {
		s.RestartTimestamps = map[string][]time.Time{}
	}
	if s.CrashCounters == nil {
		s.CrashCounters = map[string]int{}
	}
	cutoff := now.Add(-window)
	for comp, stamps := range s.RestartTimestamps {
		kept := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(s.RestartTimestamps, comp)
			delete(s.CrashCounters, comp)
			continue
		}
		s.RestartTimestamps[comp] = kept
		s.CrashCounters[comp] = len(kept)
	}
}

// AllowRestart reports whether another restart of component fits under the
// per-window limit.
func (s *State) AllowRestart(component string, limit int, now time.Time) bool {
	s.Prune(now)
	return len(s.RestartTimestamps[component]) < limit
}

// RecordRestart notes a restart of component at now.
func (s *State) RecordRestart(component string, now time.Time) {
	s.Prune(now)
	s.RestartTimestamps[component] = append(s.RestartTimestamps[component], now)
	s.CrashCounters[component] = len(s.RestartTimestamps[component])
}

// Store persists the watchdog state document.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (st *Store) Load() State {
	var s State
	statefile.LoadOr(st.path, &s)
	s.Prune(time.Now())
	return s
}

func (st *Store) Save(s State) error {
	return statefile.Save(st.path, s)
}
