package mesh

import (
	"sort"
	"sync"
	"time"
)

// RunState is the latest known state of one registration run.
type RunState struct {
	RunID     string          `json:"runId"`
	Mode      Mode            `json:"mode"`
	Latest    *IterationEvent `json:"latest,omitempty"`
	Summary   *RunSummary     `json:"summary,omitempty"`
	Updated   time.Time       `json:"updated"`
	Finished  bool            `json:"finished"`
	StepTrace []float64       `json:"stepTrace"` // Step size of every iteration so far
}

// ProgressTracker keeps the state of registration runs for status
// endpoints. It implements Observer and is safe for concurrent use.
type ProgressTracker struct {
	mu   sync.RWMutex
	runs map[string]*RunState
}

// NewProgressTracker creates an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{runs: make(map[string]*RunState)}
}

func (pt *ProgressTracker) state(runID string, mode Mode) *RunState {
	rs, ok := pt.runs[runID]
	if !ok {
		rs = &RunState{RunID: runID, Mode: mode}
		pt.runs[runID] = rs
	}
	return rs
}

func (pt *ProgressTracker) OnIteration(ev IterationEvent) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	rs := pt.state(ev.RunID, ev.Mode)
	e := ev
	rs.Latest = &e
	rs.StepTrace = append(rs.StepTrace, ev.StepSize)
	rs.Updated = time.Now()
}

func (pt *ProgressTracker) OnComplete(s RunSummary) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	rs := pt.state(s.RunID, s.Mode)
	sum := s
	rs.Summary = &sum
	rs.Finished = true
	rs.Updated = time.Now()
}

// Get returns a copy of the state of runID.
func (pt *ProgressTracker) Get(runID string) (RunState, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	rs, ok := pt.runs[runID]
	if !ok {
		return RunState{}, false
	}
	return rs.copy(), true
}

// Runs returns copies of every tracked run, most recently updated first.
func (pt *ProgressTracker) Runs() []RunState {
	pt.mu.RLock()
	out := make([]RunState, 0, len(pt.runs))
	for _, rs := range pt.runs {
		out = append(out, rs.copy())
	}
	pt.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Updated.After(out[j].Updated) })
	return out
}

// Active reports whether any tracked run is still iterating.
func (pt *ProgressTracker) Active() bool {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	for _, rs := range pt.runs {
		if !rs.Finished {
			return true
		}
	}
	return false
}

func (rs *RunState) copy() RunState {
	c := *rs
	if rs.Latest != nil {
		e := *rs.Latest
		c.Latest = &e
	}
	if rs.Summary != nil {
		s := *rs.Summary
		c.Summary = &s
	}
	c.StepTrace = append([]float64(nil), rs.StepTrace...)
	return c
}

var _ Observer = (*ProgressTracker)(nil)
