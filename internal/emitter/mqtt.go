// Package emitter publishes attendance events to an MQTT broker.
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

	"github.com/andresmejia3/rollcall/internal/ledger"
)

// ErrNotConnected is returned by RecordAttendance while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt not connected")

// Config holds the broker connection settings.
type Config struct {
	Broker      string // host:port or a full tcp:// URL
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// MQTTEmitter publishes attendance records. It implements ledger.Sink.
type MQTTEmitter struct {
	cfg    Config
	group  string
	logger *slog.Logger
	Client mqtt.Client

	mu        sync.RWMutex
	published uint64
	errors    uint64
	connected bool
}

// attendanceEvent is the JSON payload on the wire
type attendanceEvent struct {
	SessionID   string    `json:"session_id"`
	GroupID     string    `json:"group_id"`
	IdentityID  int64     `json:"identity_id"`
	DisplayName string    `json:"display_name"`
	Confidence  float64   `json:"confidence"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// NewMQTTEmitter creates an emitter for one group. Call Connect before use.
func NewMQTTEmitter(cfg Config, group string, logger *slog.Logger) *MQTTEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "rollcall"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "rollcall-" + group
	}
	return &MQTTEmitter{cfg: cfg, group: group, logger: logger}
}

// Connect establishes the broker connection. The client reconnects on its own afterwards.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("mqtt connection established", "broker", broker, "client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", broker)
	}

	e.Client = mqtt.NewClient(opts)

	e.logger.Info("connecting to mqtt broker", "broker", broker)

	token := e.Client.Connect()
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Topic returns the topic attendance events are published on.
func (e *MQTTEmitter) Topic() string {
	return fmt.Sprintf("%s/attendance/%s", strings.TrimSuffix(e.cfg.TopicPrefix, "/"), e.group)
}

// RecordAttendance publishes rec as JSON.
func (e *MQTTEmitter) RecordAttendance(ctx context.Context, rec ledger.Record) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	payload, err := json.Marshal(attendanceEvent{
		SessionID:   rec.SessionID.String(),
		GroupID:     e.group,
		IdentityID:  rec.IdentityID,
		DisplayName: rec.DisplayName,
		Confidence:  rec.Confidence,
		RecordedAt:  rec.Timestamp,
	})
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal attendance: %w", err)
	}

	topic := e.Topic()
	token := e.Client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	e.logger.Debug("attendance published", "topic", topic, "qos", e.cfg.QoS, "identity_id", rec.IdentityID)
	return nil
}

// Disconnect closes the MQTT connection.
func (e *MQTTEmitter) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		e.logger.Info("mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

// Stats returns emitter statistics.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{Connected: e.connected, Published: e.published, Errors: e.errors}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
