// Package plan holds the task-plan document and its lifecycle. A plan is
// proposed by the agent, reviewed and approved by the operator, and executed
// by the dispatch engine; every lifecycle move goes through the transition
// table so an out-of-order chat command can never corrupt the document.
package plan

import (
	"fmt"

	"github.com/basket/helmsman/internal/statefile"
)

// Status is the plan lifecycle state.
type Status string

const (
	StatusNone          Status = "none"
	StatusPendingReview Status = "pending_review"
	StatusConfirming    Status = "confirming"
	StatusApproved      Status = "approved"
	StatusExecuting     Status = "executing"
	StatusDone          Status = "done"
	StatusStopped       Status = "stopped"
)

// TaskStatus is the per-task state.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskDone    TaskStatus = "done"
	TaskError   TaskStatus = "error"
)

// Task is one unit of agent work.
type Task struct {
	ID            int        `json:"id"`
	Description   string     `json:"description"`
	Tier          string     `json:"tier,omitempty"`
	Platform      string     `json:"platform,omitempty"`
	Model         string     `json:"model,omitempty"`
	Parallel      bool       `json:"parallel,omitempty"`
	Deps          []int      `json:"deps,omitempty"`
	Status        TaskStatus `json:"status"`
	ScopeBoundary string     `json:"scope_boundary,omitempty"`
	Detail        string     `json:"detail,omitempty"`
}

// Plan is the full document.
type Plan struct {
	Status          Status `json:"status"`
	Goal            string `json:"goal,omitempty"`
	ProjectPath     string `json:"project_path,omitempty"`
	DefaultPlatform string `json:"default_platform,omitempty"`
	DefaultModel    string `json:"default_model,omitempty"`
	Tasks           []Task `json:"tasks"`
}

var transitions = map[Status]map[Status]bool{
	StatusNone: {
		StatusPendingReview: true,
	},
	StatusPendingReview: {
		StatusConfirming: true,
		StatusNone:       true,
	},
	StatusConfirming: {
		StatusApproved: true,
		StatusNone:     true,
	},
	StatusApproved: {
		StatusExecuting: true,
		StatusNone:      true,
	},
	StatusExecuting: {
		StatusDone:    true,
		StatusStopped: true,
	},
	StatusDone: {
		StatusNone: true,
	},
	StatusStopped: {
		StatusNone: true,
	},
}

// CanTransition reports whether from→to is a defined lifecycle edge.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Advance moves the plan to next, rejecting undefined edges.
func (p *Plan) Advance(next Status) error {
	if !CanTransition(p.Status, next) {
		return fmt.Errorf("plan transition %s -> %s not allowed", p.Status, next)
	}
	p.Status = next
	return nil
}

// TaskByID returns a pointer into the plan's task slice.
func (p *Plan) TaskByID(id int) (*Task, bool) {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i], true
		}
	}
	return nil, false
}

// Validate checks structural integrity: unique ids, deps referencing known
// tasks, no task depending on itself.
func (p *Plan) Validate() error {
	seen := map[int]bool{}
	for _, t := range p.Tasks {
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %d", t.ID)
		}
		seen[t.ID] = true
	}
	for _, t := range p.Tasks {
		for _, dep := range t.Deps {
			if dep == t.ID {
				return fmt.Errorf("task %d depends on itself", t.ID)
			}
			if !seen[dep] {
				return fmt.Errorf("task %d depends on unknown task %d", t.ID, dep)
			}
		}
	}
	return nil
}

// Store binds the plan to one document path.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the current plan; a missing document is an empty plan in
// StatusNone.
func (s *Store) Load() Plan {
	p := Plan{Status: StatusNone}
	statefile.LoadOr(s.path, &p)
	if p.Status == "" {
		p.Status = StatusNone
	}
	return p
}

func (s *Store) Save(p Plan) error {
	return statefile.Save(s.path, p)
}

// Reset discards the plan document entirely. Used by re-plan.
func (s *Store) Reset() error {
	return statefile.Remove(s.path)
}
