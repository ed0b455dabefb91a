package dispatch

import (
	"path/filepath"
	"testing"

	"github.com/basket/helmsman/internal/plan"
)

func twoTaskPlan() plan.Plan {
	return plan.Plan{
		Status:          plan.StatusApproved,
		DefaultPlatform: "claude",
		DefaultModel:    "sonnet",
		Tasks: []plan.Task{
			{ID: 1, Description: "first", Status: plan.TaskPending},
			{ID: 2, Description: "second", Deps: []int{1}, Status: plan.TaskPending},
		},
	}
}

func TestApproveSnapshotsPlan(t *testing.T) {
	p := twoTaskPlan()
	d, err := Approve(p, "/srv/repos/api", ModeAuto)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if d.ID == "" {
		t.Fatal("dispatch id empty")
	}
	if d.ProjectPath != "/srv/repos/api" {
		t.Fatalf("project path = %q", d.ProjectPath)
	}
	if d.DefaultPlatform != "claude" || d.DefaultModel != "sonnet" {
		t.Fatalf("defaults not copied: %+v", d)
	}

	// Later plan mutation must not reach the snapshot.
	p.Tasks[0].Description = "mutated"
	p.Tasks[1].Deps[0] = 99
	if d.Tasks[0].Description != "first" {
		t.Fatal("task description shared with plan")
	}
	if d.Tasks[1].Deps[0] != 1 {
		t.Fatal("deps slice shared with plan")
	}
}

func TestApproveRejections(t *testing.T) {
	p := twoTaskPlan()
	if _, err := Approve(p, "relative/path", ModeAuto); err == nil {
		t.Fatal("relative project path accepted")
	}
	if _, err := Approve(p, "/srv/repos/api", Mode("yolo")); err == nil {
		t.Fatal("unknown mode accepted")
	}
	if _, err := Approve(plan.Plan{}, "/srv/repos/api", ModeAuto); err == nil {
		t.Fatal("empty plan accepted")
	}
	bad := twoTaskPlan()
	bad.Tasks[1].Deps = []int{42}
	if _, err := Approve(bad, "/srv/repos/api", ModeAuto); err == nil {
		t.Fatal("dangling dep accepted")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "dispatch.json"))
	if _, ok := s.Load(); ok {
		t.Fatal("empty store reported a dispatch")
	}

	d, err := Approve(twoTaskPlan(), "/srv/repos/api", ModeStep)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(d); err != nil {
		t.Fatal(err)
	}
	got, ok := s.Load()
	if !ok {
		t.Fatal("saved dispatch not found")
	}
	if got.ID != d.ID || got.Mode != ModeStep || len(got.Tasks) != 2 {
		t.Fatalf("reload = %+v", got)
	}

	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Load(); ok {
		t.Fatal("dispatch survived Clear")
	}
}

func TestCounts(t *testing.T) {
	d := Dispatch{Tasks: []plan.Task{
		{ID: 1, Status: plan.TaskDone},
		{ID: 2, Status: plan.TaskError},
		{ID: 3, Status: plan.TaskPending},
	}}
	done, errored, pending := d.Counts()
	if done != 1 || errored != 1 || pending != 1 {
		t.Fatalf("Counts = %d %d %d", done, errored, pending)
	}
	if d.Finished() {
		t.Fatal("Finished with a pending task")
	}
}
