package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/emitter"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/inference"
	"github.com/andresmejia3/rollcall/internal/ledger"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/worker"
)

// backend detects and embeds with the same model.
type backend interface {
	session.Detector
	session.Embedder
}

// backends holds the started inference backends so they can be shut down together.
type backends struct {
	active backend
	engine *worker.PythonEngine
}

// Close stops the Python engine, if one was started.
func (b *backends) Close() {
	if b.engine != nil {
		b.engine.Close()
	}
}

// engineCmd returns the Python process for crash reports.
func (b *backends) engineCmd() *utils.SafeCommand {
	if b.engine == nil {
		return nil
	}
	return b.engine.Cmd
}

// startBackends starts every configured backend and picks the first available
// one in preference order.
func startBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}
	var candidates []session.Detector

	for _, name := range cfg.Detectors {
		switch name {
		case "python":
			fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
			e, err := worker.NewPythonEngine(0, cfg.Engine.Script, cfg.Engine.Timeout)
			if err != nil {
				slog.Warn("python engine unavailable", "error", err)
				continue
			}
			b.engine = e
			candidates = append(candidates, e)
		case "http":
			candidates = append(candidates, inference.NewClient(cfg.Inference.URL, cfg.Inference.Timeout))
		}
	}

	det, err := session.SelectDetector(ctx, candidates...)
	if err != nil {
		utils.ShowError("No inference backend is available", err, b.engineCmd())
		b.Close()
		return nil, err
	}
	bk, ok := det.(backend)
	if !ok {
		b.Close()
		return nil, fmt.Errorf("backend %s cannot embed faces", det.Name())
	}
	b.active = bk

	// Only keep the engine running when it is the one in use
	if b.engine != nil && det != session.Detector(b.engine) {
		b.engine.Close()
		b.engine = nil
	}
	slog.Info("inference backend selected", "backend", det.Name())
	return b, nil
}

// loadGallery builds the in-memory index for a group.
func loadGallery(ctx context.Context, groupID string) (*gallery.Index, error) {
	identities, err := DB.LoadGallery(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load gallery: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("group %q has no enrolled identities (see 'rollcall enroll')", groupID)
	}
	return gallery.New(identities, gallery.WithCandidateIndex(Cfg.Gallery.CandidateIndexMinRefs))
}

// mqttSinks connects one emitter per group on demand. An empty broker disables publishing.
type mqttSinks struct {
	cfg config.MQTTConfig

	mu       sync.Mutex
	emitters map[string]*emitter.MQTTEmitter
}

func newMQTTSinks(cfg config.MQTTConfig) *mqttSinks {
	return &mqttSinks{cfg: cfg, emitters: make(map[string]*emitter.MQTTEmitter)}
}

// For returns the sinks for a group's session.
func (m *mqttSinks) For(ctx context.Context, groupID string) []ledger.Sink {
	if m.cfg.Broker == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.emitters[groupID]; ok {
		return []ledger.Sink{e}
	}

	clientID := m.cfg.ClientID
	if clientID != "" {
		clientID += "-" + groupID
	}
	e := emitter.NewMQTTEmitter(emitter.Config{
		Broker:      m.cfg.Broker,
		ClientID:    clientID,
		TopicPrefix: m.cfg.TopicPrefix,
		QoS:         m.cfg.QoS,
	}, groupID, slog.Default())
	if err := e.Connect(ctx); err != nil {
		// Attendance still lands in the database
		slog.Warn("mqtt unavailable, attendance will not be published", "broker", m.cfg.Broker, "error", err)
		return nil
	}
	m.emitters[groupID] = e
	fmt.Fprintf(os.Stderr, "📡 Publishing attendance to %s\n", e.Topic())
	return []ledger.Sink{e}
}

// Close disconnects every emitter.
func (m *mqttSinks) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.emitters {
		e.Disconnect()
	}
}
