package build

import (
	"testing"
	"time"
)

func TestNewBuildIsOwnRoot(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBuild("job-1", "org-1", 1, TriggerManual, map[string]string{"branch": "main"}, now)

	if b.RootBuildID != b.ID {
		t.Fatalf("expected first attempt to be its own root")
	}
	if b.AttemptNumber != 1 {
		t.Fatalf("expected attempt number 1, got %d", b.AttemptNumber)
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestRetryPreservesRootAndTrigger(t *testing.T) {
	now := time.Unix(1000, 0)
	root := NewBuild("job-1", "org-1", 5, TriggerSCM, map[string]string{"branch": "main"}, now)

	retry := root.Retry(now.Add(time.Minute))
	if retry.RootBuildID != root.ID {
		t.Fatalf("expected retry to preserve root id %q, got %q", root.ID, retry.RootBuildID)
	}
	if retry.ID == root.ID {
		t.Fatalf("expected retry to have a distinct id")
	}
	if retry.AttemptNumber != 2 {
		t.Fatalf("expected attempt number 2, got %d", retry.AttemptNumber)
	}
	if retry.Trigger != TriggerSCM {
		t.Fatalf("expected retry to share root's trigger type, got %v", retry.Trigger)
	}
	if err := retry.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	secondRetry := retry.Retry(now.Add(2 * time.Minute))
	if secondRetry.RootBuildID != root.ID {
		t.Fatalf("expected retry chain to keep pointing at original root")
	}
	if secondRetry.AttemptNumber != 3 {
		t.Fatalf("expected attempt number 3, got %d", secondRetry.AttemptNumber)
	}
}

func TestBuildValidateRejectsInconsistentRoot(t *testing.T) {
	b := Build{ID: "b1", AttemptNumber: 1, RootBuildID: "other"}
	if err := b.Validate(); err == nil {
		t.Fatalf("expected error for first attempt not its own root")
	}

	retry := Build{ID: "b2", AttemptNumber: 2, RootBuildID: "b2"}
	if err := retry.Validate(); err == nil {
		t.Fatalf("expected error for retry claiming to be its own root")
	}

	noID := Build{AttemptNumber: 1}
	if err := noID.Validate(); err == nil {
		t.Fatalf("expected error for missing id")
	}
}

func TestBuildTransitionStampsTimestamps(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBuild("job-1", "org-1", 1, TriggerManual, nil, now)

	dispatching := b.Transition(StatusDispatching, now.Add(time.Second))
	if dispatching.DispatchedAt == nil {
		t.Fatalf("expected DispatchedAt to be stamped")
	}

	running := dispatching.Transition(StatusRunning, now.Add(2*time.Second))
	if running.StartedAt == nil {
		t.Fatalf("expected StartedAt to be stamped")
	}

	done := running.Transition(StatusSuccess, now.Add(3*time.Second))
	if done.CompletedAt == nil {
		t.Fatalf("expected CompletedAt to be stamped")
	}
	if !done.Status.IsTerminal() {
		t.Fatalf("expected success to be terminal")
	}
}
