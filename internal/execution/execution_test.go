package execution

import (
	"testing"
	"time"
)

func TestRequiresHumanInput(t *testing.T) {
	cases := []struct {
		expected string
		want     bool
	}{
		{"A draft. PAUSES FOR HUMAN review of angle", true},
		{"Final article - PAUSES FOR FINAL approval", true},
		{"HUMAN REVIEW REQUIRED before publishing", true},
		{"human review required", false},
		{"A research summary", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := RequiresHumanInput(tc.expected); got != tc.want {
			t.Fatalf("RequiresHumanInput(%q) = %v, want %v", tc.expected, got, tc.want)
		}
	}
}

func TestResolvePendingRemovesFirstMatchOnly(t *testing.T) {
	r := NewRecord("k-1", "topic", time.Now())
	r.AddPending(PendingTask{TaskID: "draft", TaskOutput: "first"})
	r.AddPending(PendingTask{TaskID: "review", TaskOutput: "other"})
	r.AddPending(PendingTask{TaskID: "draft", TaskOutput: "second"})

	found, ok := r.FindPending("draft")
	if !ok || found.TaskOutput != "first" {
		t.Fatalf("FindPending should return the first match, got %+v", found)
	}

	if !r.ResolvePending("draft") {
		t.Fatalf("expected a task to be removed")
	}
	if r.Status != StatusRunning {
		t.Fatalf("unexpected status %s", r.Status)
	}
	if len(r.PendingTasks) != 2 || r.PendingTasks[0].TaskID != "review" || r.PendingTasks[1].TaskOutput != "second" {
		t.Fatalf("unexpected pending list: %+v", r.PendingTasks)
	}

	if r.ResolvePending("absent") {
		t.Fatalf("nothing should be removed for an unknown task id")
	}
}

func TestCompleteOverwrites(t *testing.T) {
	r := NewRecord("k-1", "topic", time.Now())
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Complete("result", first)
	r.Complete("result", first)
	if r.Status != StatusCompleted || *r.FinalOutput != "result" || !r.CompletedAt.Equal(first) {
		t.Fatalf("unexpected record: %+v", r)
	}

	clone := r.Clone()
	*clone.FinalOutput = "changed"
	if *r.FinalOutput != "result" {
		t.Fatalf("clone should not share final output")
	}
}
