// Package emitter publishes monitor status changes to an MQTT broker so that
// home-automation or dashboard consumers can follow presence without holding
// a control channel.
//
// Each transition is published as a JSON statusUpdate on
// <topic_prefix>/<kind>. Messages are retained so that a new subscriber sees
// the current state immediately.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/MrWong99/presencegate/internal/monitor"
	"github.com/MrWong99/presencegate/pkg/protocol"
	"github.com/MrWong99/presencegate/pkg/types"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	queueSize      = 128
)

// ErrNotConnected is returned by Publish while the broker is unreachable.
var ErrNotConnected = errors.New("emitter: mqtt not connected")

// Config configures an [Emitter].
type Config struct {
	// Broker is host:port or a full URL (tcp://, ssl://, ws://).
	Broker string

	// TopicPrefix is prepended to the kind. Defaults to "presencegate".
	TopicPrefix string

	// ClientID defaults to "presencegate".
	ClientID string

	QoS byte
}

// Publisher is the subset of [mqtt.Client] used by the emitter.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	IsConnected() bool
}

// Source publishes transitions. *monitor.Manager satisfies it.
type Source interface {
	Subscribe(fn func(monitor.Transition)) (unsubscribe func())
}

// Stats contains emitter counters.
type Stats struct {
	Connected bool
	Published map[string]uint64
	Dropped   uint64
	Errors    uint64
}

// Emitter forwards transitions to MQTT. Publishing happens on a background
// worker; a transition arriving while the queue is full is dropped.
type Emitter struct {
	cfg    Config
	pub    Publisher
	client mqtt.Client

	queue chan protocol.StatusUpdate
	unsub func()
	done  chan struct{}
	once  sync.Once

	mu        sync.Mutex
	published map[string]uint64
	dropped   uint64
	errors    uint64
}

// Connect dials the broker and returns a running emitter. paho keeps
// reconnecting in the background after the first successful connect.
func Connect(ctx context.Context, cfg Config) (*Emitter, error) {
	cfg = withDefaults(cfg)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		slog.Info("mqtt connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost, will auto-reconnect", "broker", cfg.Broker, "err", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return nil, fmt.Errorf("emitter: connect %s: timeout", cfg.Broker)
	case <-ctx.Done():
		return nil, fmt.Errorf("emitter: connect %s: %w", cfg.Broker, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("emitter: connect %s: %w", cfg.Broker, err)
	}

	e := New(client, cfg)
	e.client = client
	return e, nil
}

// New returns an emitter publishing through pub.
func New(pub Publisher, cfg Config) *Emitter {
	e := &Emitter{
		cfg:       withDefaults(cfg),
		pub:       pub,
		queue:     make(chan protocol.StatusUpdate, queueSize),
		done:      make(chan struct{}),
		unsub:     func() {},
		published: make(map[string]uint64),
	}
	go e.run()
	return e
}

// Attach subscribes the emitter to src. Call it at most once.
func (e *Emitter) Attach(src Source) {
	e.unsub = src.Subscribe(e.enqueue)
}

// Topic returns the topic for kind.
func (e *Emitter) Topic(kind types.Kind) string {
	return e.cfg.TopicPrefix + "/" + string(kind)
}

func (e *Emitter) enqueue(t monitor.Transition) {
	st := t.Status()
	msg := protocol.StatusUpdate{
		Action:          protocol.ActionStatusUpdate,
		Kind:            st.Kind,
		SessionID:       st.SessionID,
		State:           st.State,
		ActuatorEnabled: st.ActuatorEnabled,
		Reason:          t.Reason,
		At:              st.At,
	}
	select {
	case e.queue <- msg:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		slog.Warn("mqtt queue full, dropping status", "kind", t.Kind, "state", t.To)
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for msg := range e.queue {
		if err := e.Publish(msg); err != nil {
			slog.Warn("mqtt publish failed", "kind", msg.Kind, "err", err)
		}
	}
}

// Publish sends msg synchronously.
func (e *Emitter) Publish(msg protocol.StatusUpdate) error {
	if !e.pub.IsConnected() {
		e.countError()
		return ErrNotConnected
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: encode: %w", err)
	}

	topic := e.Topic(msg.Kind)
	token := e.pub.Publish(topic, e.cfg.QoS, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("emitter: publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish %s: %w", topic, err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	slog.Debug("status published", "topic", topic, "state", msg.State, "size", len(payload))
	return nil
}

// Stats returns a copy of the counters.
func (e *Emitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.pub.IsConnected(),
		Published: published,
		Dropped:   e.dropped,
		Errors:    e.errors,
	}
}

// Close unsubscribes, drains the queue and disconnects from the broker.
func (e *Emitter) Close(ctx context.Context) error {
	e.once.Do(func() {
		e.unsub()
		close(e.queue)
	})
	var err error
	select {
	case <-e.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
	}
	return err
}

func (e *Emitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

func withDefaults(cfg Config) Config {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "presencegate"
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = "presencegate"
	}
	return cfg
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}
