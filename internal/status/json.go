package status

import (
	"encoding/json"
	"time"

	"github.com/sosodev/duration"

	"github.com/sweeney/launch-timer/internal/logic"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Run           RunJSON      `json:"run"`
	Ready         bool         `json:"ready"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Buttons       ButtonsJSON  `json:"buttons"`
	Rejected      int          `json:"rejected_samples"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// RunJSON is the live run.
type RunJSON struct {
	ID             string       `json:"id,omitempty"`
	Phase          string       `json:"phase"`
	Unit           string       `json:"unit"`
	Started        bool         `json:"started"`
	StartTime      string       `json:"start_time,omitempty"`
	ElapsedSeconds float64      `json:"elapsed_seconds"`
	Speed          float64      `json:"speed"`
	MaxSpeed       float64      `json:"max_speed"`
	Samples        int          `json:"samples"`
	Targets        []TargetJSON `json:"targets"`
}

// TargetJSON is one target and its result.
type TargetJSON struct {
	Threshold      float64  `json:"threshold"`
	Reached        bool     `json:"reached"`
	ElapsedSeconds *float64 `json:"elapsed_seconds,omitempty"`
	Elapsed        string   `json:"elapsed,omitempty"` // ISO 8601 duration
	Speed          *float64 `json:"speed,omitempty"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// ButtonsJSON is the JSON representation of button press counts.
type ButtonsJSON struct {
	Arm   int `json:"arm"`
	Reset int `json:"reset"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Unit        string    `json:"unit"`
	Targets     []float64 `json:"targets"`
	IntervalMs  int64     `json:"interval_ms"`
	Precision   int       `json:"precision"`
	Source      string    `json:"source"`
	GPIO        bool      `json:"gpio"`
	PollMs      int64     `json:"poll_ms,omitempty"`
	DebounceMs  int64     `json:"debounce_ms,omitempty"`
	HeartbeatMs int64     `json:"heartbeat_ms"`
	Broker      string    `json:"broker"`
	HTTPAddr    string    `json:"http_addr"`
}

// BuildRun converts a run state to its JSON form.
func BuildRun(id string, run logic.RunState) RunJSON {
	r := RunJSON{
		ID:             id,
		Phase:          string(run.Phase),
		Unit:           string(run.Unit),
		Started:        run.Started,
		ElapsedSeconds: run.Elapsed().Seconds(),
		Speed:          run.LastSpeed,
		MaxSpeed:       run.MaxSpeed,
		Samples:        run.Samples,
		Targets:        make([]TargetJSON, 0, len(run.Results)),
	}
	if r.Phase == "" {
		r.Phase = string(logic.PhaseIdle)
	}
	if run.Started {
		r.StartTime = run.StartTime.UTC().Format(time.RFC3339Nano)
	}
	for _, res := range run.Results {
		tj := TargetJSON{Threshold: res.Target.Threshold, Reached: res.Reached}
		if res.Reached {
			secs, speed := res.Elapsed.Seconds(), res.Speed
			tj.ElapsedSeconds = &secs
			tj.Speed = &speed
			tj.Elapsed = duration.Format(res.Elapsed)
		}
		r.Targets = append(r.Targets, tj)
	}
	return r
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		Run:           BuildRun(snap.RunID, snap.Run),
		Ready:         !snap.Config.GPIO || snap.ButtonsReady,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Buttons:       ButtonsJSON{Arm: snap.Buttons.Arm, Reset: snap.Buttons.Reset},
		Rejected:      snap.Rejected,
		Config: ConfigJSON{
			Unit:        string(snap.Config.Unit),
			Targets:     snap.Config.Targets,
			IntervalMs:  snap.Config.IntervalMs,
			Precision:   snap.Config.Precision,
			Source:      snap.Config.Source,
			GPIO:        snap.Config.GPIO,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
		},
	}
	if snap.Config.GPIO {
		inner.Config.PollMs = snap.Config.PollMs
		inner.Config.DebounceMs = snap.Config.DebounceMs
	}
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
