package mesh

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// NewProgressTracker
// ---------------------------------------------------------------------------

func TestNewProgressTracker(t *testing.T) {
	pt := NewProgressTracker()
	if pt == nil {
		t.Fatal("NewProgressTracker returned nil")
	}
	if len(pt.Runs()) != 0 {
		t.Error("new tracker should have zero runs")
	}
	if pt.Active() {
		t.Error("new tracker should not be active")
	}
	if _, ok := pt.Get("nope"); ok {
		t.Error("Get on unknown run should report false")
	}
}

// ---------------------------------------------------------------------------
// OnIteration / OnComplete
// ---------------------------------------------------------------------------

func TestProgressTracker_Lifecycle(t *testing.T) {
	pt := NewProgressTracker()

	pt.OnIteration(IterationEvent{RunID: "a", Mode: ModeRigid, Iteration: 1, StepSize: 0.5})
	pt.OnIteration(IterationEvent{RunID: "a", Mode: ModeRigid, Iteration: 2, StepSize: 0.1})

	if !pt.Active() {
		t.Error("tracker should be active while a run iterates")
	}
	rs, ok := pt.Get("a")
	if !ok {
		t.Fatal("run a not tracked")
	}
	if rs.Mode != ModeRigid || rs.Latest == nil || rs.Latest.Iteration != 2 {
		t.Errorf("state = %+v, want rigid at iteration 2", rs)
	}
	if len(rs.StepTrace) != 2 || rs.StepTrace[0] != 0.5 || rs.StepTrace[1] != 0.1 {
		t.Errorf("StepTrace = %v, want [0.5 0.1]", rs.StepTrace)
	}
	if rs.Finished {
		t.Error("run should not be finished yet")
	}

	pt.OnComplete(RunSummary{RunID: "a", Mode: ModeRigid, Iterations: 2, Converged: true})
	rs, _ = pt.Get("a")
	if !rs.Finished || rs.Summary == nil || !rs.Summary.Converged {
		t.Errorf("state = %+v, want finished and converged", rs)
	}
	if pt.Active() {
		t.Error("tracker should be idle after completion")
	}
}

func TestProgressTracker_GetReturnsCopy(t *testing.T) {
	pt := NewProgressTracker()
	pt.OnIteration(IterationEvent{RunID: "a", Iteration: 1, StepSize: 1})

	rs, _ := pt.Get("a")
	rs.StepTrace[0] = 99
	rs.Latest.Iteration = 42

	again, _ := pt.Get("a")
	if again.StepTrace[0] != 1 || again.Latest.Iteration != 1 {
		t.Errorf("tracker state was modified through a copy: %+v", again)
	}
}

func TestProgressTracker_RunsNewestFirst(t *testing.T) {
	pt := NewProgressTracker()
	pt.OnIteration(IterationEvent{RunID: "old", Iteration: 1})
	time.Sleep(2 * time.Millisecond)
	pt.OnIteration(IterationEvent{RunID: "new", Iteration: 1})

	runs := pt.Runs()
	if len(runs) != 2 {
		t.Fatalf("Runs() = %d entries, want 2", len(runs))
	}
	if runs[0].RunID != "new" || runs[1].RunID != "old" {
		t.Errorf("order = %s, %s; want new, old", runs[0].RunID, runs[1].RunID)
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestProgressTracker_Concurrent(t *testing.T) {
	pt := NewProgressTracker()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			id := fmt.Sprintf("run-%d", g)
			for i := 1; i <= 50; i++ {
				pt.OnIteration(IterationEvent{RunID: id, Iteration: i})
				_ = pt.Runs()
				_ = pt.Active()
			}
			pt.OnComplete(RunSummary{RunID: id, Iterations: 50})
		}(g)
	}
	wg.Wait()

	if len(pt.Runs()) != 8 {
		t.Errorf("Runs() = %d, want 8", len(pt.Runs()))
	}
	for _, rs := range pt.Runs() {
		if len(rs.StepTrace) != 50 || !rs.Finished {
			t.Errorf("run %s: %d steps, finished=%v", rs.RunID, len(rs.StepTrace), rs.Finished)
		}
	}
}
