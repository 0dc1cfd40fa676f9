package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second

	// DefaultBufferSize is how many messages are kept while disconnected.
	DefaultBufferSize = 256
)

// client is the subset of paho.Client the publisher uses.
type client interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
	Disconnect(quiesce uint)
}

// Options configures a RealPublisher.
type Options struct {
	Broker     string
	ClientID   string
	BufferSize int

	// OnConnectionChange is called from paho's goroutines when the link goes up or down.
	OnConnectionChange func(connected bool)

	Logger *slog.Logger
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the link is down are buffered and replayed on reconnect. Subscriptions are
// restored on every reconnect.
type RealPublisher struct {
	client client
	log    *slog.Logger
	onConn func(bool)

	mu       sync.Mutex
	buf      *outbox
	subs     map[string]func([]byte)
	connects int
}

// NewRealPublisher connects to the broker. If the broker is unreachable the
// publisher keeps retrying in the background and buffers until connected.
func NewRealPublisher(o Options) (*RealPublisher, error) {
	p := newPublisher(nil, o)

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "OFFLINE", Reason: "MQTT_DISCONNECT"})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(TopicSystem, will, 1, true).
		SetOnConnectHandler(func(paho.Client) { p.handleConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) { p.handleConnectionLost(err) })

	c := paho.NewClient(opts)
	p.client = c

	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		p.log.Warn("mqtt broker not reachable yet, buffering", "broker", o.Broker)
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

func newPublisher(c client, o Options) *RealPublisher {
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	size := o.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &RealPublisher{
		client: c,
		log:    log.With("component", "mqtt"),
		onConn: o.OnConnectionChange,
		buf:    newOutbox(size, log),
		subs:   make(map[string]func([]byte)),
	}
}

func (p *RealPublisher) handleConnect() {
	p.mu.Lock()
	p.connects++
	reconnect := p.connects > 1
	subs := make(map[string]func([]byte), len(p.subs))
	for topic, h := range p.subs {
		subs[topic] = h
	}
	pending := p.buf.drain()
	p.mu.Unlock()

	p.log.Info("connected to broker", "reconnect", reconnect, "buffered", len(pending))
	if p.onConn != nil {
		p.onConn(true)
	}

	for topic, h := range subs {
		if err := p.subscribe(topic, h); err != nil {
			p.log.Error("resubscribe failed", "topic", topic, "error", err)
		}
	}
	if reconnect {
		if payload, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"}); err == nil {
			pending = append(pending, queuedMsg{topic: TopicSystem, payload: payload, qos: 1})
		}
	}
	for _, m := range pending {
		if err := p.send(m); err != nil {
			p.log.Warn("replay failed", "topic", m.topic, "error", err)
		}
	}
}

func (p *RealPublisher) handleConnectionLost(err error) {
	p.log.Warn("connection to broker lost", "error", err)
	if p.onConn != nil {
		p.onConn(false)
	}
}

// IsConnected reports whether the broker link is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client != nil && p.client.IsConnectionOpen()
}

// Publish sends a run event to the MQTT broker.
func (p *RealPublisher) Publish(event RunEvent) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 1: run results should not be lost
	return p.publish(queuedMsg{topic: Topic, payload: payload, qos: 1})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(queuedMsg{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained})
}

func (p *RealPublisher) publish(m queuedMsg) error {
	if !p.IsConnected() {
		p.mu.Lock()
		p.buf.push(m)
		p.mu.Unlock()
		return nil
	}
	return p.send(m)
}

func (p *RealPublisher) send(m queuedMsg) error {
	token := p.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	return nil
}

// Subscribe registers handler for topic. The subscription is (re)made on
// every connect; if the link is up it is made immediately.
func (p *RealPublisher) Subscribe(topic string, handler func(payload []byte)) error {
	p.mu.Lock()
	p.subs[topic] = handler
	p.mu.Unlock()

	if !p.IsConnected() {
		return nil
	}
	return p.subscribe(topic, handler)
}

func (p *RealPublisher) subscribe(topic string, handler func([]byte)) error {
	token := p.client.Subscribe(topic, 1, func(_ paho.Client, m paho.Message) {
		handler(m.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes the subscription to topic.
func (p *RealPublisher) Unsubscribe(topic string) error {
	p.mu.Lock()
	_, ok := p.subs[topic]
	delete(p.subs, topic)
	p.mu.Unlock()

	if !ok {
		return errors.New("not subscribed: " + topic)
	}
	if !p.IsConnected() {
		return nil
	}
	token := p.client.Unsubscribe(topic)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("unsubscribe %s: timeout", topic)
	}
	return token.Error()
}

// Buffered returns how many messages are waiting for the broker.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	if p.client != nil {
		p.client.Disconnect(1000) // 1 second quiesce
	}
	return nil
}
