package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/MrWong99/presencegate/internal/monitor"
	"github.com/MrWong99/presencegate/pkg/protocol"
	"github.com/MrWong99/presencegate/pkg/types"
)

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	err       error
	calls     []published
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return fakeToken{err: p.err}
}

func (p *fakePublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePublisher) Calls() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.calls...)
}

type fakeSource struct{ fn func(monitor.Transition) }

func (f *fakeSource) Subscribe(fn func(monitor.Transition)) func() {
	f.fn = fn
	return func() { f.fn = nil }
}

func closeEmitter(t *testing.T, e *Emitter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestEmitter_PublishesRetainedStatusPerKind(t *testing.T) {
	pub := &fakePublisher{connected: true}
	src := &fakeSource{}
	e := New(pub, Config{TopicPrefix: "home/presence/", QoS: 1})
	e.Attach(src)

	at := time.Unix(50, 0).UTC()
	src.fn(monitor.Transition{Kind: types.KindAudio, SessionID: "s1", From: types.StateActive, To: types.StateSuppressed, Reason: "inactivity", At: at})
	src.fn(monitor.Transition{Kind: types.KindVideo, SessionID: "s2", From: types.StateOff, To: types.StateActive, ActuatorEnabled: true, At: at})
	closeEmitter(t, e)

	calls := pub.Calls()
	if len(calls) != 2 {
		t.Fatalf("published %d messages, want 2", len(calls))
	}
	if calls[0].topic != "home/presence/audio" || calls[1].topic != "home/presence/video" {
		t.Errorf("topics = %q, %q", calls[0].topic, calls[1].topic)
	}
	if !calls[0].retained || calls[0].qos != 1 {
		t.Errorf("qos/retained = %d/%v, want 1/true", calls[0].qos, calls[0].retained)
	}

	var msg protocol.StatusUpdate
	if err := json.Unmarshal(calls[0].payload, &msg); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if msg.Action != protocol.ActionStatusUpdate || msg.State != types.StateSuppressed || msg.Reason != "inactivity" || msg.ActuatorEnabled {
		t.Errorf("payload = %+v", msg)
	}

	if src.fn != nil {
		t.Error("Close did not unsubscribe")
	}
	if st := e.Stats(); st.Published["home/presence/audio"] != 1 || st.Errors != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestEmitter_PublishErrors(t *testing.T) {
	pub := &fakePublisher{}
	e := New(pub, Config{})
	defer closeEmitter(t, e)

	msg := protocol.StatusUpdate{Action: protocol.ActionStatusUpdate, Kind: types.KindAudio}
	if err := e.Publish(msg); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish while disconnected = %v, want ErrNotConnected", err)
	}

	pub.mu.Lock()
	pub.connected = true
	pub.err = errors.New("broker rejected")
	pub.mu.Unlock()
	if err := e.Publish(msg); err == nil {
		t.Error("Publish error swallowed")
	}
	if got := e.Topic(types.KindAudio); got != "presencegate/audio" {
		t.Errorf("default topic = %q", got)
	}
	if st := e.Stats(); st.Errors != 2 {
		t.Errorf("Errors = %d, want 2", st.Errors)
	}
}

func TestBrokerURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"localhost:1883", "tcp://localhost:1883"},
		{"ssl://broker:8883", "ssl://broker:8883"},
	}
	for _, tt := range tests {
		if got := brokerURL(tt.in); got != tt.want {
			t.Errorf("brokerURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
