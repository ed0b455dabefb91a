package plan

import (
	"encoding/json"
	"path/filepath"
	"reflect"
	"testing"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusNone, StatusPendingReview, true},
		{StatusPendingReview, StatusConfirming, true},
		{StatusConfirming, StatusApproved, true},
		{StatusApproved, StatusExecuting, true},
		{StatusExecuting, StatusDone, true},
		{StatusExecuting, StatusStopped, true},
		// Re-plan from any non-executing state.
		{StatusPendingReview, StatusNone, true},
		{StatusConfirming, StatusNone, true},
		{StatusApproved, StatusNone, true},
		{StatusDone, StatusNone, true},
		{StatusStopped, StatusNone, true},
		// Undefined edges.
		{StatusNone, StatusApproved, false},
		{StatusNone, StatusExecuting, false},
		{StatusExecuting, StatusNone, false},
		{StatusPendingReview, StatusApproved, false},
		{StatusDone, StatusExecuting, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.allowed {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestAdvanceRejectsUndefinedEdge(t *testing.T) {
	p := Plan{Status: StatusNone}
	if err := p.Advance(StatusExecuting); err == nil {
		t.Fatal("none -> executing accepted")
	}
	if p.Status != StatusNone {
		t.Fatalf("status mutated on rejected transition: %s", p.Status)
	}
	if err := p.Advance(StatusPendingReview); err != nil {
		t.Fatalf("none -> pending_review: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []Task
		wantErr bool
	}{
		{"valid chain", []Task{{ID: 1}, {ID: 2, Deps: []int{1}}, {ID: 3, Deps: []int{1, 2}}}, false},
		{"duplicate id", []Task{{ID: 1}, {ID: 1}}, true},
		{"unknown dep", []Task{{ID: 1, Deps: []int{9}}}, true},
		{"self dep", []Task{{ID: 1, Deps: []int{1}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Plan{Tasks: tt.tasks}
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSerializationRoundTrip(t *testing.T) {
	orig := Plan{
		Status:          StatusApproved,
		Goal:            "add rate limiting",
		ProjectPath:     "/srv/repos/api",
		DefaultPlatform: "claude",
		DefaultModel:    "sonnet",
		Tasks: []Task{
			{ID: 1, Description: "design limiter", Tier: "top", Status: TaskDone},
			{ID: 2, Description: "implement middleware", Deps: []int{1}, Parallel: true, Status: TaskPending, ScopeBoundary: "internal/middleware only"},
			{ID: 3, Description: "write tests", Deps: []int{2}, Tier: "free", Status: TaskPending},
		},
	}

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatal(err)
	}
	var got Plan
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(orig, got) {
		t.Fatalf("round trip mismatch:\n  orig: %+v\n  got:  %+v", orig, got)
	}
}

func TestStoreLoadDefaults(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "plan.json"))
	p := s.Load()
	if p.Status != StatusNone {
		t.Fatalf("missing plan status = %s, want none", p.Status)
	}

	p.Goal = "something"
	if err := p.Advance(StatusPendingReview); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(p); err != nil {
		t.Fatal(err)
	}
	if got := s.Load(); got.Status != StatusPendingReview || got.Goal != "something" {
		t.Fatalf("reload = %+v", got)
	}

	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	if got := s.Load(); got.Status != StatusNone {
		t.Fatalf("status after reset = %s", got.Status)
	}
}

func TestParseValidDocument(t *testing.T) {
	raw := []byte(`{
		"goal": "split the monolith",
		"default_platform": "claude",
		"default_model": "sonnet",
		"tasks": [
			{"id": 1, "description": "extract auth package", "tier": "top"},
			{"id": 2, "description": "extract billing package", "parallel": true, "deps": [1]},
			{"id": 3, "description": "update docs", "tier": "free", "deps": [1, 2]}
		]
	}`)
	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Status != StatusNone {
		t.Fatalf("parsed status = %s", p.Status)
	}
	if len(p.Tasks) != 3 {
		t.Fatalf("parsed %d tasks", len(p.Tasks))
	}
	for _, task := range p.Tasks {
		if task.Status != TaskPending {
			t.Fatalf("task %d status = %s, want pending", task.ID, task.Status)
		}
	}
}

func TestParseRejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `plan: sure thing`},
		{"no tasks", `{"tasks": []}`},
		{"missing description", `{"tasks": [{"id": 1}]}`},
		{"bad tier", `{"tasks": [{"id": 1, "description": "x", "tier": "platinum"}]}`},
		{"zero id", `{"tasks": [{"id": 0, "description": "x"}]}`},
		{"dup ids", `{"tasks": [{"id": 1, "description": "a"}, {"id": 1, "description": "b"}]}`},
		{"dangling dep", `{"tasks": [{"id": 1, "description": "a", "deps": [7]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.raw)); err == nil {
				t.Fatalf("Parse accepted %s", tt.raw)
			}
		})
	}
}
