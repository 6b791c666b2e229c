// Package scheduler throttles per-track recognition and decides when sustained
// matching evidence confirms an identity.
//
// Confirmation state is kept per identity, not per track, so a person who is
// briefly occluded and re-tracked under a new id keeps accumulating evidence.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/rollcall/internal/tracker"
)

// Config holds the throttle and confirmation parameters.
type Config struct {
	// Interval is the minimum time between two recognition runs of one track.
	Interval time.Duration `yaml:"interval"`
	// RequiredMatches is the number of qualifying cycles needed to confirm.
	RequiredMatches int `yaml:"required_matches"`
	// MinConfidence is the per-match floor and the required average.
	MinConfidence float64 `yaml:"min_confidence"`
}

// DefaultConfig returns the default scheduler parameters.
func DefaultConfig() Config {
	return Config{
		Interval:        500 * time.Millisecond,
		RequiredMatches: 4,
		MinConfidence:   75,
	}
}

// Validate checks the parameters.
func (c Config) Validate() error {
	if c.Interval < 0 {
		return errors.New("scheduler interval must not be negative")
	}
	if c.RequiredMatches < 1 {
		return fmt.Errorf("scheduler required_matches must be at least 1, got %d", c.RequiredMatches)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 100 {
		return fmt.Errorf("scheduler min_confidence must be within [0, 100], got %v", c.MinConfidence)
	}
	return nil
}

// State is the confirmation state of one identity.
type State int

const (
	Unseen State = iota
	Pending
	Confirmed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	default:
		return "unseen"
	}
}

// PendingConfirmation is the evidence gathered so far for one identity.
type PendingConfirmation struct {
	IdentityID           int64
	DisplayName          string
	Count                int
	CumulativeConfidence float64

	tracks map[int]struct{} // tracks that contributed a qualifying match
}

// Average returns the mean confidence of the counted matches.
func (p PendingConfirmation) Average() float64 {
	if p.Count == 0 {
		return 0
	}
	return p.CumulativeConfidence / float64(p.Count)
}

// Observation is one track's match result in an evaluation cycle.
type Observation struct {
	TrackID     int
	IdentityID  int64
	DisplayName string
	Confidence  float64
}

// Cycle is the outcome of one frame's recognition runs.
type Cycle struct {
	// Evaluated lists the tracks whose pipeline ran this frame.
	Evaluated []int
	// Alive lists every track present this frame.
	Alive []int
	// Matches holds the positive match results of the evaluated tracks.
	Matches []Observation
}

// Confirmation is emitted once per identity when it reaches Confirmed.
type Confirmation struct {
	IdentityID        int64
	DisplayName       string
	Count             int
	AverageConfidence float64
}

// Scheduler is owned by a single session worker and is not safe for concurrent use.
type Scheduler struct {
	cfg       Config
	pending   map[int64]*PendingConfirmation
	confirmed map[int64]struct{}
}

// New returns a Scheduler with no evidence.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		pending:   make(map[int64]*PendingConfirmation),
		confirmed: make(map[int64]struct{}),
	}
}

// Due reports whether the track's recognition pipeline should run at now.
func (s *Scheduler) Due(t *tracker.Track, now time.Time) bool {
	return t.LastProcessedAt.IsZero() || now.Sub(t.LastProcessedAt) >= s.cfg.Interval
}

// MarkProcessed records that the track's pipeline ran at now.
func (s *Scheduler) MarkProcessed(t *tracker.Track, now time.Time) {
	t.LastProcessedAt = now
}

// MarkConfirmed makes id terminal without a confirmation, e.g. for identities
// already recorded before a session resumed.
func (s *Scheduler) MarkConfirmed(ids ...int64) {
	for _, id := range ids {
		delete(s.pending, id)
		s.confirmed[id] = struct{}{}
	}
}

// Evaluate advances the state machine by one cycle and returns the identities
// confirmed by it. Evidence whose tracks have all left the frame is dropped
// on every call, including frames where nothing was evaluated.
func (s *Scheduler) Evaluate(c Cycle) []Confirmation {
	// One vote per identity per cycle: its best qualifying observation.
	type vote struct {
		obs    Observation
		tracks []int
	}
	var order []int64
	votes := make(map[int64]*vote)
	for _, m := range c.Matches {
		if _, done := s.confirmed[m.IdentityID]; done {
			continue
		}
		if m.Confidence < s.cfg.MinConfidence {
			continue
		}
		v, ok := votes[m.IdentityID]
		if !ok {
			v = &vote{obs: m}
			votes[m.IdentityID] = v
			order = append(order, m.IdentityID)
		} else if m.Confidence > v.obs.Confidence {
			v.obs = m
		}
		v.tracks = append(v.tracks, m.TrackID)
	}

	evaluated := toSet(c.Evaluated)
	alive := toSet(c.Alive)
	for id, p := range s.pending {
		if _, ok := votes[id]; ok {
			continue
		}
		if overlaps(p.tracks, evaluated) || !overlaps(p.tracks, alive) {
			delete(s.pending, id)
		}
	}

	var out []Confirmation
	for _, id := range order {
		v := votes[id]
		p, ok := s.pending[id]
		if !ok {
			p = &PendingConfirmation{
				IdentityID: id,
				tracks:     make(map[int]struct{}),
			}
			s.pending[id] = p
		}
		p.DisplayName = v.obs.DisplayName
		p.Count++
		p.CumulativeConfidence += v.obs.Confidence
		for _, tid := range v.tracks {
			p.tracks[tid] = struct{}{}
		}

		if p.Count >= s.cfg.RequiredMatches && p.Average() >= s.cfg.MinConfidence {
			delete(s.pending, id)
			s.confirmed[id] = struct{}{}
			out = append(out, Confirmation{
				IdentityID:        id,
				DisplayName:       p.DisplayName,
				Count:             p.Count,
				AverageConfidence: p.Average(),
			})
		}
	}
	return out
}

// State returns the identity's state and, when pending, a copy of its evidence.
func (s *Scheduler) State(identityID int64) (State, PendingConfirmation) {
	if _, ok := s.confirmed[identityID]; ok {
		return Confirmed, PendingConfirmation{}
	}
	if p, ok := s.pending[identityID]; ok {
		cp := *p
		cp.tracks = nil
		return Pending, cp
	}
	return Unseen, PendingConfirmation{}
}

// PendingCount returns the number of identities with evidence in progress.
func (s *Scheduler) PendingCount() int { return len(s.pending) }

// Reset forgets all evidence and confirmations.
func (s *Scheduler) Reset() {
	s.pending = make(map[int64]*PendingConfirmation)
	s.confirmed = make(map[int64]struct{})
}

func toSet(ids []int) map[int]struct{} {
	m := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func overlaps(a, b map[int]struct{}) bool {
	for id := range a {
		if _, ok := b[id]; ok {
			return true
		}
	}
	return false
}
