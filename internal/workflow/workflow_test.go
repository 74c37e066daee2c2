package workflow

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		name  string
		from  Status
		to    Status
		allow bool
	}{
		{name: "pending to in_progress", from: StatusPending, to: StatusInProgress, allow: true},
		{name: "pending to completed", from: StatusPending, to: StatusCompleted, allow: true},
		{name: "pending to rejected", from: StatusPending, to: StatusRejected, allow: true},
		{name: "in_progress to completed", from: StatusInProgress, to: StatusCompleted, allow: true},
		{name: "in_progress to rejected", from: StatusInProgress, to: StatusRejected, allow: true},
		{name: "in_progress back to pending", from: StatusInProgress, to: StatusPending, allow: false},
		{name: "completed is terminal", from: StatusCompleted, to: StatusInProgress, allow: false},
		{name: "rejected is terminal", from: StatusRejected, to: StatusPending, allow: false},
		{name: "no self transition", from: StatusPending, to: StatusPending, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanTransition(tc.from, tc.to); got != tc.allow {
				t.Fatalf("CanTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.allow)
			}
		})
	}
}

func TestStageLabel(t *testing.T) {
	if got := StageLabel(StageTechnical); got != "technical Review" {
		t.Fatalf("StageLabel(technical) = %q", got)
	}
	if got := StageLabel(StageFinal); got != "final Review" {
		t.Fatalf("StageLabel(final) = %q", got)
	}
}

func TestMinReputation(t *testing.T) {
	if got := MinReputation(StageTechnical); got != 50 {
		t.Fatalf("technical gate = %d, want 50", got)
	}
	if got := MinReputation(StageEditorial); got != 30 {
		t.Fatalf("editorial gate = %d, want 30", got)
	}
	if got := MinReputation(StageFinal); got != 100 {
		t.Fatalf("final gate = %d, want 100", got)
	}
}

func TestShouldPublish(t *testing.T) {
	if ShouldPublish(nil) {
		t.Fatal("no reviews should not publish")
	}
	if !ShouldPublish([]ReviewSnapshot{
		{Stage: StageTechnical, Status: StatusCompleted},
		{Stage: StageEditorial, Status: StatusCompleted},
	}) {
		t.Fatal("all completed should publish")
	}
	if ShouldPublish([]ReviewSnapshot{
		{Stage: StageTechnical, Status: StatusCompleted},
		{Stage: StageEditorial, Status: StatusInProgress},
	}) {
		t.Fatal("open review should block publish")
	}
	if ShouldPublish([]ReviewSnapshot{
		{Stage: StageTechnical, Status: StatusCompleted},
		{Stage: StageEditorial, Status: StatusRejected},
	}) {
		t.Fatal("rejected review should block publish")
	}
}

func TestCurrentStage(t *testing.T) {
	got := CurrentStage([]ReviewSnapshot{
		{Stage: StageFinal, Status: StatusPending},
		{Stage: StageTechnical, Status: StatusCompleted},
	})
	if got != StageFinal {
		t.Fatalf("CurrentStage = %q, want final", got)
	}

	got = CurrentStage([]ReviewSnapshot{
		{Stage: StageTechnical, Status: StatusInProgress},
		{Stage: StageEditorial, Status: StatusPending},
	})
	if got != StageTechnical {
		t.Fatalf("CurrentStage = %q, want technical (canonical order)", got)
	}

	got = CurrentStage([]ReviewSnapshot{
		{Stage: StageTechnical, Status: StatusCompleted},
		{Stage: StageEditorial, Status: StatusCompleted},
	})
	if got != StageEditorial {
		t.Fatalf("CurrentStage = %q, want last reviewed stage", got)
	}

	if got := CurrentStage(nil); got != StageTechnical {
		t.Fatalf("CurrentStage(nil) = %q, want technical", got)
	}
}
