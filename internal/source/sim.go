package source

import (
	"context"
	"sync"
	"time"

	"github.com/sweeney/launch-timer/internal/logic"
)

// Simulator produces a constant-acceleration ramp, sampled at a fixed interval.
// The ramp starts from standstill when Subscribe is called and again on every
// Restart, so each armed run sees a full launch.
type Simulator struct {
	interval time.Duration
	accel    float64 // m/s²
	maxSpeed float64 // m/s

	mu      sync.Mutex
	start   time.Time
	restart chan struct{}

	now       func() time.Time
	newTicker func(time.Duration) (<-chan time.Time, func())
}

// NewSimulator creates a simulator accelerating at accel m/s² up to maxSpeed m/s.
func NewSimulator(interval time.Duration, accel, maxSpeed float64) *Simulator {
	return &Simulator{
		interval: interval,
		accel:    accel,
		maxSpeed: maxSpeed,
		restart:  make(chan struct{}, 1),
		now:      time.Now,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// SampleAt returns the simulated sample at t for a ramp that began at start.
func (s *Simulator) SampleAt(start, t time.Time) logic.Sample {
	speed := s.accel * t.Sub(start).Seconds()
	speed = min(max(speed, 0), s.maxSpeed)
	return logic.Sample{Speed: speed, Unit: logic.UnitMPS, Time: t}
}

// Restart begins a new ramp from standstill and returns its start time.
// A standstill sample stamped with that time is emitted right away; samples
// stamped earlier belong to the previous ramp.
func (s *Simulator) Restart() time.Time {
	s.mu.Lock()
	s.start = s.now()
	start := s.start
	s.mu.Unlock()

	select {
	case s.restart <- struct{}{}:
	default: // a restart sample is already pending
	}
	return start
}

// Subscribe emits a standstill sample immediately, then one per interval.
func (s *Simulator) Subscribe(ctx context.Context, fn func(logic.Sample)) error {
	tick, stop := s.newTicker(s.interval)
	defer stop()

	s.mu.Lock()
	s.start = s.now()
	s.mu.Unlock()
	s.emit(fn, time.Time{})
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.restart:
			s.emit(fn, time.Time{})
		case t := <-tick:
			s.emit(fn, t)
		}
	}
}

// emit sends the sample at t, or at the ramp start when t is zero.
func (s *Simulator) emit(fn func(logic.Sample), t time.Time) {
	s.mu.Lock()
	start := s.start
	s.mu.Unlock()
	if t.IsZero() {
		t = start
	}
	fn(s.SampleAt(start, t))
}
