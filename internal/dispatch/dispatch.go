// Package dispatch executes an approved plan: it snapshots the plan into an
// immutable Dispatch document, schedules tasks in dependency order, isolates
// parallel tasks in git worktrees, and folds their branches back when they
// finish.
package dispatch

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/helmsman/internal/plan"
	"github.com/basket/helmsman/internal/safety"
	"github.com/basket/helmsman/internal/statefile"
)

// Mode selects the pacing of a dispatch.
type Mode string

const (
	// ModeAuto runs tasks back to back.
	ModeAuto Mode = "auto"
	// ModeStep pauses after every task until the operator continues.
	ModeStep Mode = "step"
)

// Dispatch is the execution snapshot of an approved plan. ProjectPath is the
// plan's originating project, captured at approval; moving the selected
// project afterwards never retargets a dispatch in flight.
type Dispatch struct {
	ID              string      `json:"id"`
	ProjectPath     string      `json:"project_path"`
	Mode            Mode        `json:"mode"`
	DefaultPlatform string      `json:"default_platform,omitempty"`
	DefaultModel    string      `json:"default_model,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	Tasks           []plan.Task `json:"tasks"`
}

// Approve snapshots p into a Dispatch bound to projectPath. The plan must be
// structurally valid and the path must pass the closed-pattern check; tasks
// are copied so later plan edits cannot reach into a running dispatch.
func Approve(p plan.Plan, projectPath string, mode Mode) (Dispatch, error) {
	if err := p.Validate(); err != nil {
		return Dispatch{}, fmt.Errorf("approve plan: %w", err)
	}
	if len(p.Tasks) == 0 {
		return Dispatch{}, fmt.Errorf("approve plan: no tasks")
	}
	if res := safety.CheckProjectPath(projectPath); res.Action == safety.ActionBlock {
		return Dispatch{}, fmt.Errorf("approve plan: %s", res.Reason)
	}
	if mode != ModeAuto && mode != ModeStep {
		return Dispatch{}, fmt.Errorf("approve plan: unknown mode %q", mode)
	}

	d := Dispatch{
		ID:              uuid.NewString(),
		ProjectPath:     projectPath,
		Mode:            mode,
		DefaultPlatform: p.DefaultPlatform,
		DefaultModel:    p.DefaultModel,
		CreatedAt:       time.Now().UTC(),
		Tasks:           make([]plan.Task, len(p.Tasks)),
	}
	copy(d.Tasks, p.Tasks)
	for i := range d.Tasks {
		d.Tasks[i].Status = plan.TaskPending
		d.Tasks[i].Deps = append([]int(nil), p.Tasks[i].Deps...)
	}
	return d, nil
}

// Counts summarizes task states for events and status output.
func (d *Dispatch) Counts() (done, errored, pending int) {
	for _, t := range d.Tasks {
		switch t.Status {
		case plan.TaskDone:
			done++
		case plan.TaskError:
			errored++
		default:
			pending++
		}
	}
	return
}

// Finished reports whether no task can or will run anymore.
func (d *Dispatch) Finished() bool {
	_, _, pending := d.Counts()
	return pending == 0
}

// Store persists the dispatch document.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the current dispatch and whether one exists.
func (s *Store) Load() (Dispatch, bool) {
	var d Dispatch
	if !statefile.LoadOr(s.path, &d) || d.ID == "" {
		return Dispatch{}, false
	}
	return d, true
}

func (s *Store) Save(d Dispatch) error {
	return statefile.Save(s.path, d)
}

// Clear removes the dispatch document. Used by re-plan and completion.
func (s *Store) Clear() error {
	return statefile.Remove(s.path)
}
