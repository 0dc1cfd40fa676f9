package logic

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// RunTimer turns a stream of speed samples into elapsed times to each target.
//
// Writers (Start, Stop, Reset, Configure, OnSample) are serialized by a mutex.
// Each mutation publishes a fresh *RunState through an atomic pointer, so
// Snapshot may be called from any goroutine without observing a torn update.
type RunTimer struct {
	mu     sync.Mutex
	state  atomic.Pointer[RunState]
	sink   ResultSink
	log    *slog.Logger
	reject func(Sample, error)
}

// Option configures a RunTimer.
type Option func(*RunTimer)

// WithSink sets the sink that receives target-reached events.
func WithSink(sink ResultSink) Option {
	return func(t *RunTimer) { t.sink = sink }
}

// WithLogger sets the logger used to report discarded samples.
func WithLogger(l *slog.Logger) Option {
	return func(t *RunTimer) {
		if l != nil {
			t.log = l
		}
	}
}

// WithRejectHook registers a callback invoked for every discarded sample.
func WithRejectHook(fn func(Sample, error)) Option {
	return func(t *RunTimer) { t.reject = fn }
}

// NewRunTimer creates an idle timer for the given ascending targets and display unit.
func NewRunTimer(targets []Target, unit Unit, opts ...Option) (*RunTimer, error) {
	if err := ValidateTargets(targets, unit); err != nil {
		return nil, err
	}
	t := &RunTimer{log: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	t.state.Store(idleState(append([]Target(nil), targets...), unit))
	return t, nil
}

func idleState(targets []Target, unit Unit) *RunState {
	return &RunState{
		Phase:   PhaseIdle,
		Unit:    unit,
		Targets: targets,
		Results: freshResults(targets),
	}
}

func freshResults(targets []Target) []Result {
	results := make([]Result, len(targets))
	for i, t := range targets {
		results[i].Target = t
	}
	return results
}

// Configure replaces the targets and display unit. Only allowed while idle.
func (t *RunTimer) Configure(targets []Target, unit Unit) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.state.Load()
	if cur.Phase != PhaseIdle {
		return &InvalidStateError{Op: "configure", Phase: cur.Phase}
	}
	if err := ValidateTargets(targets, unit); err != nil {
		return err
	}
	t.state.Store(idleState(append([]Target(nil), targets...), unit))
	return nil
}

// Start arms the timer. The run's start time is captured from the next sample,
// not from the time of this call. Results of a previously stopped run are discarded.
func (t *RunTimer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.state.Load()
	if cur.Phase != PhaseIdle {
		return &InvalidStateError{Op: "start", Phase: cur.Phase}
	}
	next := idleState(cur.Targets, cur.Unit)
	next.Phase = PhaseRunning
	t.state.Store(next)
	return nil
}

// Stop halts sampling but keeps the results recorded so far.
func (t *RunTimer) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.state.Load()
	if cur.Phase != PhaseRunning {
		return &InvalidStateError{Op: "stop", Phase: cur.Phase}
	}
	next := cur.clone()
	next.Phase = PhaseIdle
	t.state.Store(next)
	return nil
}

// Reset clears all results and returns to idle from any phase.
func (t *RunTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.state.Load()
	t.state.Store(idleState(cur.Targets, cur.Unit))
}

// OnSample feeds one sample into the timer and returns the targets reached by it.
// Samples outside RUNNING are ignored. Malformed samples are logged and discarded.
func (t *RunTimer) OnSample(s Sample) []Event {
	t.mu.Lock()

	cur := t.state.Load()
	if cur.Phase != PhaseRunning {
		t.mu.Unlock()
		return nil
	}
	if err := checkSample(cur, s); err != nil {
		t.mu.Unlock()
		t.discard(s, err)
		return nil
	}

	next := cur.clone()
	if !next.Started {
		next.Started = true
		next.StartTime = s.Time
	}
	speed := Convert(s.Speed, s.Unit, next.Unit)
	next.LastSample = s.Time
	next.LastSpeed = speed
	next.MaxSpeed = max(next.MaxSpeed, speed)
	next.Samples++

	elapsed := s.Time.Sub(next.StartTime)
	var events []Event
	for i := range next.Results {
		r := &next.Results[i]
		if r.Reached {
			continue
		}
		// thresholds ascend, so nothing after an unmet target can be met
		if speed < r.Target.Threshold {
			break
		}
		r.Reached = true
		r.Elapsed = elapsed
		r.At = s.Time
		r.Speed = speed
		events = append(events, Event{Target: r.Target, Elapsed: elapsed, Time: s.Time, Speed: speed})
	}
	if next.ReachedCount() == len(next.Results) {
		next.Phase = PhaseCompleted
	}

	t.state.Store(next)
	sink := t.sink
	t.mu.Unlock()

	if sink != nil {
		for _, e := range events {
			sink.OnTargetReached(e)
		}
	}
	return events
}

func checkSample(cur *RunState, s Sample) error {
	reason := ""
	switch {
	case math.IsNaN(s.Speed) || math.IsInf(s.Speed, 0):
		reason = "speed is not finite"
	case s.Speed < 0:
		reason = "negative speed"
	case !s.Unit.Valid():
		reason = "unknown unit"
	case s.Time.IsZero():
		reason = "missing timestamp"
	case cur.Started && s.Time.Before(cur.StartTime):
		reason = "timestamp before run start"
	case cur.Started && s.Time.Before(cur.LastSample):
		reason = "timestamp out of order"
	}
	if reason == "" {
		return nil
	}
	return &MalformedSampleError{Sample: s, Reason: reason}
}

func (t *RunTimer) discard(s Sample, err error) {
	t.log.Warn("discarding sample", "error", err)
	if t.reject != nil {
		t.reject(s, err)
	}
}

// CurrentElapsed returns the recorded duration for target, or false if not yet reached.
func (t *RunTimer) CurrentElapsed(target Target) (time.Duration, bool) {
	for _, r := range t.state.Load().Results {
		if r.Target == target {
			return r.Elapsed, r.Reached
		}
	}
	return 0, false
}

// Phase returns the current phase.
func (t *RunTimer) Phase() Phase {
	return t.state.Load().Phase
}

// Snapshot returns a consistent copy of the current run state.
func (t *RunTimer) Snapshot() RunState {
	return *t.state.Load().clone()
}
