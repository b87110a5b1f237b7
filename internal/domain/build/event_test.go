package build

import (
	"sync"
	"testing"
	"time"
)

func TestCursorMonotonicUnderCollision(t *testing.T) {
	var c Cursor
	same := time.Unix(0, 12345)

	first := c.Next(same)
	second := c.Next(same)
	third := c.Next(same)

	if !(first < second && second < third) {
		t.Fatalf("expected strictly increasing ids, got %d, %d, %d", first, second, third)
	}
}

func TestCursorMonotonicUnderConcurrentUse(t *testing.T) {
	var c Cursor
	const n = 200
	ids := make([]int64, n)
	now := time.Unix(0, 1)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			ids[i] = c.Next(now)
		}()
	}
	wg.Wait()

	seen := make(map[int64]struct{}, n)
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate event id %d minted under concurrent use", id)
		}
		seen[id] = struct{}{}
	}
}

func TestBuildEventString(t *testing.T) {
	e := BuildEvent{ID: 1, BuildID: "b1", Type: EventStepStarted, StageName: "build", StepID: "compile"}
	s := e.String()
	if s == "" {
		t.Fatalf("expected non-empty string")
	}
}
