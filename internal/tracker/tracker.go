// Package tracker gives per-frame face detections a stable track id.
//
// Association is greedy nearest-center matching against the previous frame's
// tracks, not a globally optimal assignment. A track that receives no detection
// in a frame is dropped immediately.
package tracker

import (
	"fmt"
	"math"
	"time"

	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/types"
)

// Config holds the association and smoothing parameters.
type Config struct {
	// Proximity is the maximum center distance, in normalized frame units,
	// for a detection to continue a previous track.
	Proximity float64 `yaml:"proximity"`
	// Alpha is the EMA weight given to the new raw box.
	Alpha float64 `yaml:"alpha"`
}

// DefaultConfig returns the default tracker parameters.
func DefaultConfig() Config {
	return Config{Proximity: 0.15, Alpha: 0.3}
}

// Validate checks the parameters.
func (c Config) Validate() error {
	if !(c.Proximity > 0) || math.IsInf(c.Proximity, 0) {
		return fmt.Errorf("tracker proximity must be positive, got %v", c.Proximity)
	}
	if !(c.Alpha > 0 && c.Alpha <= 1) {
		return fmt.Errorf("tracker alpha must be in (0, 1], got %v", c.Alpha)
	}
	return nil
}

// Track is a provisional face identity that persists across frames.
type Track struct {
	ID int
	// Box is the smoothed geometry, for display and association.
	Box types.Box
	// Raw is this frame's detection geometry. Crops must use it.
	Raw   types.Box
	Score float64

	// LastProcessedAt is when the embed/match pipeline last ran for this track.
	LastProcessedAt time.Time
	// Decision is the last match result, reused for display between runs.
	Decision *matcher.Result
	// Age counts the frames this track has been alive.
	Age int
}

// Tracker is not safe for concurrent use.
type Tracker struct {
	cfg    Config
	tracks []*Track
	nextID int
}

// New returns an empty Tracker.
func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, nextID: 1}
}

// Associate matches detections to the previous frame's tracks and returns
// the tracks alive in this frame, in detection order.
func (t *Tracker) Associate(detections []types.Detection) []*Track {
	claimed := make(map[int]bool, len(t.tracks))
	next := make([]*Track, 0, len(detections))

	for _, det := range detections {
		prev := t.closest(det.Box)
		if prev == nil || claimed[prev.ID] {
			// First processed detection keeps the track. Duplicates self-correct.
			next = append(next, t.mint(det))
			continue
		}
		claimed[prev.ID] = true

		prev.Box = smooth(prev.Box, det.Box, t.cfg.Alpha)
		prev.Raw = det.Box
		prev.Score = det.Score
		prev.Age++
		next = append(next, prev)
	}

	t.tracks = next
	return next
}

// Tracks returns the tracks of the last associated frame.
func (t *Tracker) Tracks() []*Track {
	out := make([]*Track, len(t.tracks))
	copy(out, t.tracks)
	return out
}

// Reset drops every track. Track ids keep increasing.
func (t *Tracker) Reset() {
	t.tracks = nil
}

func (t *Tracker) closest(b types.Box) *Track {
	var best *Track
	bestDist := t.cfg.Proximity
	for _, tr := range t.tracks {
		if d := tr.Box.CenterDistance(b); d < bestDist {
			best, bestDist = tr, d
		}
	}
	return best
}

func (t *Tracker) mint(det types.Detection) *Track {
	tr := &Track{
		ID:    t.nextID,
		Box:   det.Box,
		Raw:   det.Box,
		Score: det.Score,
		Age:   1,
	}
	t.nextID++
	return tr
}

func smooth(s, raw types.Box, alpha float64) types.Box {
	return types.Box{
		X: s.X + (raw.X-s.X)*alpha,
		Y: s.Y + (raw.Y-s.Y)*alpha,
		W: s.W + (raw.W-s.W)*alpha,
		H: s.H + (raw.H-s.H)*alpha,
	}
}
