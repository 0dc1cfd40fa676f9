// Package mqtt publishes run events and daemon lifecycle events, and carries
// the control and sample subscriptions.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sosodev/duration"

	"github.com/sweeney/launch-timer/internal/logic"
)

// Topic is the MQTT topic for run events.
const Topic = "launch/timer/events"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "launch/timer/system"

// TopicControl carries START, STOP and RESET commands.
const TopicControl = "launch/timer/control"

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a run event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event RunEvent) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// EventType names a run event.
type EventType string

const (
	EventArmed         EventType = "ARMED"
	EventStarted       EventType = "STARTED" // first sample of the run
	EventTargetReached EventType = "TARGET_REACHED"
	EventCompleted     EventType = "COMPLETED"
	EventStopped       EventType = "STOPPED"
	EventReset         EventType = "RESET"
)

// RunEvent is a change in a run's lifecycle.
type RunEvent struct {
	Timestamp time.Time
	RunID     string
	Type      EventType
	Unit      logic.Unit

	// Result is set for TARGET_REACHED.
	Result *logic.Event

	// MaxSpeed is set when the run ends.
	MaxSpeed float64
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Run RunPayload `json:"run"`
}

// RunPayload contains the run event details.
type RunPayload struct {
	ID        string   `json:"id"`
	Timestamp string   `json:"timestamp"`
	Event     string   `json:"event"`
	Unit      string   `json:"unit"`
	Target    *float64 `json:"target,omitempty"`
	Elapsed   string   `json:"elapsed,omitempty"` // ISO 8601 duration
	ElapsedMs *int64   `json:"elapsed_ms,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	MaxSpeed  *float64 `json:"max_speed,omitempty"`
}

// FormatPayload creates the JSON payload for a run event.
func FormatPayload(event RunEvent) ([]byte, error) {
	p := RunPayload{
		ID:        event.RunID,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
		Event:     string(event.Type),
		Unit:      string(event.Unit),
	}
	if r := event.Result; r != nil {
		threshold, ms, speed := r.Target.Threshold, r.Elapsed.Milliseconds(), r.Speed
		p.Target = &threshold
		p.Elapsed = duration.Format(r.Elapsed)
		p.ElapsedMs = &ms
		p.Speed = &speed
	}
	switch event.Type {
	case EventCompleted, EventStopped, EventReset:
		maxSpeed := event.MaxSpeed
		p.MaxSpeed = &maxSpeed
	}
	return json.Marshal(Payload{Run: p})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
