package mesh

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Mode names a registration algorithm.
type Mode string

const (
	ModeRigid      Mode = "rigid"
	ModeNonRigid   Mode = "nonrigid"
	ModeFastDeform Mode = "fastdeform"
)

// IterationEvent describes one finished outer iteration.
type IterationEvent struct {
	RunID                string        `json:"runId"`
	Mode                 Mode          `json:"mode"`
	Iteration            int           `json:"iteration"`
	MaxIterations        int           `json:"maxIterations"`
	MeanInlierWeight     float64       `json:"meanInlierWeight"`
	ValidCorrespondences int           `json:"validCorrespondences"`
	StepSize             float64       `json:"stepSize"` // Largest vertex move, or largest deviation of the increment from identity
	Elapsed              time.Duration `json:"elapsed"`
}

// RunSummary describes a finished registration run.
type RunSummary struct {
	RunID      string        `json:"runId"`
	Mode       Mode          `json:"mode"`
	Iterations int           `json:"iterations"`
	Converged  bool          `json:"converged"`
	Elapsed    time.Duration `json:"elapsed"`
	Error      string        `json:"error,omitempty"`
}

// Observer receives progress from the registration loops. Calls happen on
// the registering goroutine, between iterations.
type Observer interface {
	OnIteration(IterationEvent)
	OnComplete(RunSummary)
}

// MultiObserver fans events out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) OnIteration(ev IterationEvent) {
	for _, o := range m {
		o.OnIteration(ev)
	}
}

func (m MultiObserver) OnComplete(s RunSummary) {
	for _, o := range m {
		o.OnComplete(s)
	}
}

type runOptions struct {
	logger    *slog.Logger
	observers MultiObserver
	runID     string
}

// Option customizes a registration run.
type Option func(*runOptions)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *runOptions) { o.logger = l }
}

// WithObserver adds a progress observer. It may be given more than once.
func WithObserver(obs Observer) Option {
	return func(o *runOptions) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithRunID sets the run id reported in logs and events. The default is a
// random UUID.
func WithRunID(id string) Option {
	return func(o *runOptions) { o.runID = id }
}

// run carries the per-call reporting state of one registration.
type run struct {
	id       string
	mode     Mode
	maxIters int
	logger   *slog.Logger
	observer MultiObserver
	start    time.Time
}

func newRun(mode Mode, maxIters int, opts []Option) *run {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	r := &run{
		id:       o.runID,
		mode:     mode,
		maxIters: maxIters,
		observer: o.observers,
		start:    time.Now(),
	}
	r.logger = o.logger.With(slog.String("run_id", r.id), slog.String("mode", string(mode)))
	r.logger.Info("registration started", slog.Int("max_iterations", maxIters))
	return r
}

func (r *run) iteration(ev IterationEvent) {
	ev.RunID = r.id
	ev.Mode = r.mode
	ev.MaxIterations = r.maxIters
	ev.Elapsed = time.Since(r.start)
	r.logger.Debug("iteration",
		slog.Int("iteration", ev.Iteration),
		slog.Float64("mean_inlier_weight", ev.MeanInlierWeight),
		slog.Int("valid_correspondences", ev.ValidCorrespondences),
		slog.Float64("step", ev.StepSize))
	r.observer.OnIteration(ev)
}

func (r *run) complete(iterations int, converged bool, err error) time.Duration {
	s := RunSummary{
		RunID:      r.id,
		Mode:       r.mode,
		Iterations: iterations,
		Converged:  converged,
		Elapsed:    time.Since(r.start),
	}
	if err != nil {
		s.Error = err.Error()
		r.logger.Error("registration failed", slog.Int("iterations", iterations), slog.Any("error", err))
	} else {
		r.logger.Info("registration finished",
			slog.Int("iterations", iterations),
			slog.Bool("converged", converged),
			slog.Duration("elapsed", s.Elapsed))
	}
	r.observer.OnComplete(s)
	return s.Elapsed
}
