package dispatch

import (
	"sort"

	"github.com/basket/helmsman/internal/plan"
)

// depsDone reports whether every dependency of t is done.
func depsDone(t plan.Task, tasks []plan.Task) bool {
	for _, dep := range t.Deps {
		found := false
		for _, other := range tasks {
			if other.ID == dep {
				found = other.Status == plan.TaskDone
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Eligible returns the pending tasks whose dependencies are all done, in
// ascending id order.
func Eligible(tasks []plan.Task) []plan.Task {
	var out []plan.Task
	for _, t := range sortedByID(tasks) {
		if t.Status == plan.TaskPending && depsDone(t, tasks) {
			out = append(out, t)
		}
	}
	return out
}

// NextEligible returns the lowest-id pending task whose dependencies are all
// done.
func NextEligible(tasks []plan.Task) (plan.Task, bool) {
	elig := Eligible(tasks)
	if len(elig) == 0 {
		return plan.Task{}, false
	}
	return elig[0], true
}

// Unreachable returns the pending tasks that can never run because a
// transitive dependency errored. They stay pending; the operator sees them in
// the final report.
func Unreachable(tasks []plan.Task) []plan.Task {
	errored := map[int]bool{}
	for _, t := range tasks {
		if t.Status == plan.TaskError {
			errored[t.ID] = true
		}
	}
	// Propagate until fixpoint; task graphs are small.
	for changed := true; changed; {
		changed = false
		for _, t := range tasks {
			if errored[t.ID] || t.Status != plan.TaskPending {
				continue
			}
			for _, dep := range t.Deps {
				if errored[dep] {
					errored[t.ID] = true
					changed = true
					break
				}
			}
		}
	}
	var out []plan.Task
	for _, t := range sortedByID(tasks) {
		if t.Status == plan.TaskPending && errored[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

// Blocked reports a dependency deadlock: pending tasks remain, none is
// eligible, and none is merely downstream of an error. This means the graph
// has a cycle or a dependency on a task that does not exist, and must be
// surfaced rather than skipped.
func Blocked(tasks []plan.Task) bool {
	pending := 0
	for _, t := range tasks {
		if t.Status == plan.TaskPending {
			pending++
		}
	}
	if pending == 0 {
		return false
	}
	if len(Eligible(tasks)) > 0 {
		return false
	}
	return len(Unreachable(tasks)) < pending
}

func sortedByID(tasks []plan.Task) []plan.Task {
	out := append([]plan.Task(nil), tasks...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
