package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/andresmejia3/rollcall/internal/ledger"
)

// fakeToken completes immediately with err.
type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

// fakeClient records publishes. Unused mqtt.Client methods panic via the nil embed.
type fakeClient struct {
	mqtt.Client
	topics   []string
	payloads [][]byte
	qos      []byte
	err      error
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topics = append(c.topics, topic)
	c.qos = append(c.qos, qos)
	c.payloads = append(c.payloads, payload.([]byte))
	return fakeToken{err: c.err}
}

func (c *fakeClient) IsConnected() bool { return true }

func TestRecordAttendance(t *testing.T) {
	client := &fakeClient{}
	e := NewMQTTEmitter(Config{TopicPrefix: "school/", QoS: 1}, "class-7b", nil)
	e.Client = client
	e.setConnected(true)

	rec := ledger.Record{
		SessionID:   uuid.New(),
		IdentityID:  42,
		DisplayName: "Carla",
		Confidence:  81.25,
		Timestamp:   time.Unix(1700000000, 0).UTC(),
	}
	if err := e.RecordAttendance(context.Background(), rec); err != nil {
		t.Fatalf("RecordAttendance: %v", err)
	}

	if len(client.topics) != 1 || client.topics[0] != "school/attendance/class-7b" {
		t.Fatalf("published to %v", client.topics)
	}
	if client.qos[0] != 1 {
		t.Errorf("qos = %d, want 1", client.qos[0])
	}

	var ev attendanceEvent
	if err := json.Unmarshal(client.payloads[0], &ev); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if ev.IdentityID != 42 || ev.GroupID != "class-7b" || ev.SessionID != rec.SessionID.String() {
		t.Errorf("unexpected payload %+v", ev)
	}
	if s := e.Stats(); s.Published != 1 || s.Errors != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRecordAttendance_Failures(t *testing.T) {
	e := NewMQTTEmitter(Config{}, "g", nil)
	if err := e.RecordAttendance(context.Background(), ledger.Record{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	boom := errors.New("broker rejected")
	e.Client = &fakeClient{err: boom}
	e.setConnected(true)
	if err := e.RecordAttendance(context.Background(), ledger.Record{}); !errors.Is(err, boom) {
		t.Errorf("expected publish error, got %v", err)
	}
	if s := e.Stats(); s.Errors != 2 {
		t.Errorf("Errors = %d, want 2", s.Errors)
	}
	if e.Topic() != "rollcall/attendance/g" {
		t.Errorf("default topic = %q", e.Topic())
	}
}
