// Package logic contains the business logic of the launch timer.
// It does no I/O and never sleeps: callers feed it samples and button
// readings, each carrying its own timestamp. Rejected samples are reported
// through an injected logger.
package logic

import "time"

// Phase is the lifecycle phase of a RunTimer.
type Phase string

const (
	PhaseIdle      Phase = "IDLE"
	PhaseRunning   Phase = "RUNNING"
	PhaseCompleted Phase = "COMPLETED"
)

// Sample is a single speed reading produced by a sample source.
type Sample struct {
	Speed float64 // non-negative, in Unit
	Unit  Unit
	Time  time.Time
}

// Target is a speed threshold for which the elapsed time since run start is recorded.
type Target struct {
	Threshold float64
	Unit      Unit
}

// Result is the outcome for a single target within a run.
type Result struct {
	Target  Target
	Reached bool
	// Elapsed is the time from the first sample of the run to the sample that crossed the threshold.
	Elapsed time.Duration
	// At is the timestamp of the crossing sample.
	At time.Time
	// Speed is the crossing sample's speed in the display unit.
	Speed float64
}

// Event is emitted when a target is reached.
type Event struct {
	Target  Target
	Elapsed time.Duration
	Time    time.Time
	Speed   float64 // display unit
}

// ResultSink receives target-reached events.
// Implementations must return promptly: they are called on the sample path.
type ResultSink interface {
	OnTargetReached(event Event)
}

// SinkFunc adapts a function to a ResultSink.
type SinkFunc func(Event)

// OnTargetReached calls f(event).
func (f SinkFunc) OnTargetReached(event Event) { f(event) }

// RunState is an immutable point-in-time view of a run.
// A RunTimer never modifies a RunState after publishing it.
type RunState struct {
	Phase   Phase
	Unit    Unit
	Targets []Target
	Results []Result

	// Started reports whether StartTime has been captured for the current run.
	Started    bool
	StartTime  time.Time
	LastSample time.Time
	// LastSpeed and MaxSpeed are in the display unit.
	LastSpeed float64
	MaxSpeed  float64
	Samples   int
}

// Elapsed returns the time from run start to the last accepted sample.
func (s RunState) Elapsed() time.Duration {
	if !s.Started {
		return 0
	}
	return s.LastSample.Sub(s.StartTime)
}

// ReachedCount returns how many targets have been reached.
func (s RunState) ReachedCount() int {
	n := 0
	for _, r := range s.Results {
		if r.Reached {
			n++
		}
	}
	return n
}

func (s *RunState) clone() *RunState {
	c := *s
	c.Targets = append([]Target(nil), s.Targets...)
	c.Results = append([]Result(nil), s.Results...)
	return &c
}

// ButtonState represents the logical state of a push button.
type ButtonState string

const (
	ButtonUp   ButtonState = "UP"
	ButtonDown ButtonState = "DOWN"
)

// PressType identifies which button was pressed.
type PressType string

const (
	PressArm   PressType = "ARM"
	PressReset PressType = "RESET"
)

// Press is a debounced button press.
type Press struct {
	Timestamp time.Time
	Type      PressType
}

// ButtonInput represents a single sample of button states.
type ButtonInput struct {
	Arm   bool // true = pressed
	Reset bool
	Time  time.Time
}

// ChannelState tracks debounce state for a single button.
type ChannelState struct {
	// Current stable (debounced) state
	Stable ButtonState
	// Pending state during debounce
	Pending ButtonState
	// Time when pending state was first observed
	PendingSince time.Time
	// Whether we have established a baseline
	Baselined bool
}
