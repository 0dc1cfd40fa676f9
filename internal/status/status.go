// Package status provides a thread-safe status tracker for the launch-timer daemon.
// It is read by the HTTP handlers and by the MQTT heartbeat.
package status

import (
	"slices"
	"sync"
	"time"

	"github.com/sweeney/launch-timer/internal/logic"
)

// NetworkInfo contains network state for display.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Unit        logic.Unit
	Targets     []float64
	IntervalMs  int64
	Precision   int
	Source      string
	GPIO        bool
	PollMs      int64
	DebounceMs  int64
	HeartbeatMs int64
	Broker      string
	HTTPAddr    string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Run      logic.RunState
	RunID    string
	Rejected int // malformed samples discarded since startup

	ButtonsReady bool
	Buttons      logic.PressCounts

	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	cfg.Targets = slices.Clone(cfg.Targets)
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
			Run:       logic.RunState{Phase: logic.PhaseIdle, Unit: cfg.Unit},
		},
	}
}

// UpdateRun records the current run state. Called by the runner after every change.
func (t *Tracker) UpdateRun(runID string, run logic.RunState) {
	t.mu.Lock()
	t.snap.RunID = runID
	t.snap.Run = run
	t.mu.Unlock()
}

// SetTargets records a new display unit and target list.
func (t *Tracker) SetTargets(unit logic.Unit, targets []float64) {
	t.mu.Lock()
	t.snap.Config.Unit = unit
	t.snap.Config.Targets = slices.Clone(targets)
	t.mu.Unlock()
}

// UpdateButtons records the debouncer state.
func (t *Tracker) UpdateButtons(ready bool, counts logic.PressCounts) {
	t.mu.Lock()
	t.snap.ButtonsReady = ready
	t.snap.Buttons = counts
	t.mu.Unlock()
}

// IncRejected counts a discarded sample.
func (t *Tracker) IncRejected() {
	t.mu.Lock()
	t.snap.Rejected++
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	// RunState slices are never mutated after publication; Config.Targets is ours
	s.Config.Targets = slices.Clone(s.Config.Targets)
	s.Now = time.Now()
	return s
}
