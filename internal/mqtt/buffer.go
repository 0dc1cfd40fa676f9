package mqtt

import (
	"log/slog"
	"sort"
)

// queuedMsg is a serialized message waiting for the broker.
type queuedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox holds messages while the broker is unreachable. Run events queue in
// a fixed-capacity FIFO that drops the oldest entry when full. Retained
// messages only describe the latest state of their topic, so each topic keeps
// just the newest one. Not safe for concurrent use.
type outbox struct {
	events   []queuedMsg
	capacity int
	head     int // next write position
	count    int
	dropped  int // run events lost since the last drain

	retained map[string]queuedMsg
	log      *slog.Logger
}

func newOutbox(capacity int, log *slog.Logger) *outbox {
	if log == nil {
		log = slog.Default()
	}
	return &outbox{
		events:   make([]queuedMsg, capacity),
		capacity: capacity,
		retained: make(map[string]queuedMsg),
		log:      log,
	}
}

func (o *outbox) push(m queuedMsg) {
	if m.retained {
		o.retained[m.topic] = m
		return
	}
	if o.count == o.capacity {
		if o.dropped == 0 {
			o.log.Warn("mqtt outbox full, dropping oldest run events", "capacity", o.capacity)
		}
		o.dropped++
	} else {
		o.count++
	}
	o.events[o.head] = m
	o.head = (o.head + 1) % o.capacity
}

// drain empties the outbox. Queued run events come first, oldest first,
// followed by the retained messages ordered by topic.
func (o *outbox) drain() []queuedMsg {
	if o.count == 0 && len(o.retained) == 0 {
		return nil
	}
	if o.dropped > 0 {
		o.log.Warn("run events were lost while offline", "dropped", o.dropped)
	}

	out := make([]queuedMsg, 0, o.count+len(o.retained))
	start := (o.head - o.count + o.capacity) % o.capacity
	for i := 0; i < o.count; i++ {
		out = append(out, o.events[(start+i)%o.capacity])
	}
	topics := make([]string, 0, len(o.retained))
	for t := range o.retained {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	for _, t := range topics {
		out = append(out, o.retained[t])
	}

	o.count, o.head, o.dropped = 0, 0, 0
	clear(o.retained)
	return out
}

func (o *outbox) len() int {
	return o.count + len(o.retained)
}
