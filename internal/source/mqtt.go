package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/relvacode/iso8601"

	"github.com/sweeney/launch-timer/internal/logic"
)

// TopicSamples is the MQTT topic speed samples are read from.
const TopicSamples = "launch/timer/samples"

// Subscriber is the part of an MQTT client this source needs.
type Subscriber interface {
	Subscribe(topic string, handler func(payload []byte)) error
	Unsubscribe(topic string) error
}

// MQTT receives JSON speed samples from a broker topic.
type MQTT struct {
	sub   Subscriber
	topic string
	log   *slog.Logger
	now   func() time.Time
}

// NewMQTT creates a source reading TopicSamples through sub.
func NewMQTT(sub Subscriber, log *slog.Logger) *MQTT {
	if log == nil {
		log = slog.Default()
	}
	return &MQTT{sub: sub, topic: TopicSamples, log: log, now: time.Now}
}

// Subscribe delivers parsed samples until ctx is done.
func (m *MQTT) Subscribe(ctx context.Context, fn func(logic.Sample)) error {
	err := m.sub.Subscribe(m.topic, func(payload []byte) {
		s, err := ParsePayload(payload, m.now())
		if err != nil {
			m.log.Warn("dropping sample message", "topic", m.topic, "error", err)
			return
		}
		fn(s)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", m.topic, err)
	}
	m.log.Info("subscribed to samples", "topic", m.topic)

	<-ctx.Done()
	if err := m.sub.Unsubscribe(m.topic); err != nil {
		m.log.Debug("unsubscribe failed", "topic", m.topic, "error", err)
	}
	return nil
}

// SamplePayload is the JSON form of a sample message.
type SamplePayload struct {
	Speed     *float64 `json:"speed"`
	Unit      string   `json:"unit,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// ParsePayload decodes a sample message. The unit defaults to m/s and a
// missing timestamp to received.
func ParsePayload(b []byte, received time.Time) (logic.Sample, error) {
	var p SamplePayload
	if err := json.Unmarshal(b, &p); err != nil {
		return logic.Sample{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.Speed == nil {
		return logic.Sample{}, fmt.Errorf("%w: missing speed", ErrBadPayload)
	}

	unit := logic.UnitMPS
	if p.Unit != "" {
		u, err := logic.ParseUnit(p.Unit)
		if err != nil {
			return logic.Sample{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		unit = u
	}

	ts := received
	if p.Timestamp != "" {
		t, err := iso8601.ParseString(p.Timestamp)
		if err != nil {
			return logic.Sample{}, fmt.Errorf("%w: timestamp %q: %v", ErrBadPayload, p.Timestamp, err)
		}
		ts = t
	}
	return logic.Sample{Speed: *p.Speed, Unit: unit, Time: ts}, nil
}
