package session

import (
	"fmt"

	"github.com/andresmejia3/rollcall/internal/facecrop"
	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/scheduler"
	"github.com/andresmejia3/rollcall/internal/tracker"
)

// Config bundles the tuning of every pipeline stage.
type Config struct {
	Matcher   matcher.Config   `yaml:"matcher"`
	Tracker   tracker.Config   `yaml:"tracker"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Crop      facecrop.Options `yaml:"crop"`

	// MinDetectionScore drops weaker detections before tracking.
	MinDetectionScore float64 `yaml:"min_detection_score"`
	// EmbeddingDim, when set, is the dimensionality every gallery must have.
	EmbeddingDim int `yaml:"embedding_dim"`
}

// DefaultConfig returns the default pipeline tuning.
func DefaultConfig() Config {
	return Config{
		Matcher:           matcher.DefaultConfig(),
		Tracker:           tracker.DefaultConfig(),
		Scheduler:         scheduler.DefaultConfig(),
		Crop:              facecrop.DefaultOptions(),
		MinDetectionScore: 0.5,
	}
}

// Validate checks every stage.
func (c Config) Validate() error {
	if err := c.Matcher.Validate(); err != nil {
		return err
	}
	if err := c.Tracker.Validate(); err != nil {
		return err
	}
	if err := c.Scheduler.Validate(); err != nil {
		return err
	}
	if c.MinDetectionScore < 0 || c.MinDetectionScore > 1 {
		return fmt.Errorf("min_detection_score must be within [0, 1], got %v", c.MinDetectionScore)
	}
	if c.Crop.Size < 0 || c.Crop.Padding < 0 {
		return fmt.Errorf("crop size and padding must not be negative")
	}
	if c.EmbeddingDim < 0 {
		return fmt.Errorf("embedding_dim must not be negative")
	}
	return nil
}
