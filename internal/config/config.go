// Package config loads rollcall's tuning file and environment settings.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/rollcall/internal/facecrop"
	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/scheduler"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/tracker"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config is the complete rollcall configuration
type Config struct {
	Matcher   matcher.Config   `yaml:"matcher"`
	Gallery   GalleryConfig    `yaml:"gallery"`
	Tracker   tracker.Config   `yaml:"tracker"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Detectors []string         `yaml:"detectors"`
	Engine    EngineConfig     `yaml:"engine"`
	Inference InferenceConfig  `yaml:"inference"`
	MQTT      MQTTConfig       `yaml:"mqtt"`
	Database  DatabaseConfig   `yaml:"database"`
}

// GalleryConfig controls the in-memory gallery index
type GalleryConfig struct {
	CandidateIndexMinRefs int `yaml:"candidate_index_min_refs"`
}

// PipelineConfig contains per-frame processing settings
type PipelineConfig struct {
	MinDetectionScore float64          `yaml:"min_detection_score"`
	Crop              facecrop.Options `yaml:"crop"`
}

// EngineConfig configures the Python engine subprocess
type EngineConfig struct {
	Script  string        `yaml:"script"`
	Timeout time.Duration `yaml:"timeout"`
}

// InferenceConfig configures the HTTP inference service
type InferenceConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables publishing.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	EmbeddingDim int    `yaml:"embedding_dim"`
}

// Default returns the embedded defaults.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		panic(fmt.Sprintf("embedded defaults.yaml is invalid: %v", err))
	}
	return &cfg
}

// Load reads the defaults, overlays the YAML file at path (if any), applies
// environment overrides and validates the result. An empty path falls back
// to ROLLCALL_CONFIG.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("ROLLCALL_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides connection settings from the environment.
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("ENGINE_SCRIPT"); v != "" {
		c.Engine.Script = v
	}
	if v := getenv("INFERENCE_URL"); v != "" {
		c.Inference.URL = v
	}
	if v := getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := getenv("MQTT_TOPIC_PREFIX"); v != "" {
		c.MQTT.TopicPrefix = v
	}
	if v := getenv("MQTT_QOS"); v != "" {
		qos, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return fmt.Errorf("MQTT_QOS: %w", err)
		}
		c.MQTT.QoS = byte(qos)
	}
	if v := getenv("EMBEDDING_DIM"); v != "" {
		dim, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EMBEDDING_DIM: %w", err)
		}
		c.Database.EmbeddingDim = dim
	}

	// DATABASE_URL wins over the POSTGRES_* parts
	if v := getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	} else if host := getenv("POSTGRES_HOST"); host != "" {
		port := getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		c.Database.URL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			getenv("POSTGRES_USER"), getenv("POSTGRES_PASSWORD"), host, port, getenv("POSTGRES_DB"))
	}
	if c.Database.URL == "" {
		// Fallback to local default if nothing is configured
		c.Database.URL = "postgres://localhost:5432/rollcall"
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.Session().Validate(); err != nil {
		return err
	}
	if c.Gallery.CandidateIndexMinRefs < 0 {
		return fmt.Errorf("gallery.candidate_index_min_refs must be >= 0")
	}
	if len(c.Detectors) == 0 {
		return fmt.Errorf("at least one detector backend is required")
	}
	for _, d := range c.Detectors {
		if d != "python" && d != "http" {
			return fmt.Errorf("unknown detector backend %q (want python or http)", d)
		}
	}
	if c.Database.EmbeddingDim <= 0 {
		return fmt.Errorf("database.embedding_dim must be > 0")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

// Session builds the pipeline configuration.
func (c *Config) Session() session.Config {
	return session.Config{
		Matcher:           c.Matcher,
		Tracker:           c.Tracker,
		Scheduler:         c.Scheduler,
		Crop:              c.Pipeline.Crop,
		MinDetectionScore: c.Pipeline.MinDetectionScore,
		EmbeddingDim:      c.Database.EmbeddingDim,
	}
}
