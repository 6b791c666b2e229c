// Package matcher decides whether a face embedding belongs to an enrolled identity.
//
// The decision is distance based. A candidate must be closer than the absolute
// threshold and decisively closer than the runner-up (ratio test) and the third
// candidate (separation test). Visually similar enrolled people therefore produce
// no-match instead of a coin flip between them.
package matcher

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/vecmath"
)

// Config holds the matcher thresholds.
type Config struct {
	// Threshold is the absolute euclidean distance cutoff.
	Threshold float64 `yaml:"threshold"`
	// RatioLimit rejects a match when best/secondBest exceeds it.
	RatioLimit float64 `yaml:"ratio_limit"`
	// ThirdRatioLimit rejects a match when best/thirdBest exceeds it.
	ThirdRatioLimit float64 `yaml:"third_ratio_limit"`
	// CandidatePool is the number of nearest references first fetched from
	// the gallery's HNSW graph, when it has one. The search widens until it
	// reaches three identities.
	CandidatePool int `yaml:"candidate_pool"`
}

// DefaultConfig returns the empirically tuned defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:       0.5,
		RatioLimit:      0.85,
		ThirdRatioLimit: 0.7,
		CandidatePool:   32,
	}
}

// Validate checks that the thresholds are usable.
func (c Config) Validate() error {
	if !(c.Threshold > 0) || math.IsInf(c.Threshold, 0) {
		return fmt.Errorf("matcher threshold must be a positive number, got %v", c.Threshold)
	}
	if !(c.RatioLimit > 0 && c.RatioLimit <= 1) {
		return fmt.Errorf("matcher ratio_limit must be in (0, 1], got %v", c.RatioLimit)
	}
	if !(c.ThirdRatioLimit > 0 && c.ThirdRatioLimit <= 1) {
		return fmt.Errorf("matcher third_ratio_limit must be in (0, 1], got %v", c.ThirdRatioLimit)
	}
	if c.CandidatePool < 0 {
		return errors.New("matcher candidate_pool must not be negative")
	}
	return nil
}

// Result is a positive match.
type Result struct {
	IdentityID  int64   `json:"identity_id"`
	DisplayName string  `json:"display_name"`
	Distance    float64 `json:"distance"`
	Confidence  float64 `json:"confidence"`
}

// Matcher is stateless apart from its configuration and safe for concurrent use.
type Matcher struct {
	cfg Config
}

// New returns a Matcher. The config is validated.
func New(cfg Config) (*Matcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Matcher{cfg: cfg}, nil
}

// Config returns the matcher configuration.
func (m *Matcher) Config() Config { return m.cfg }

type candidate struct {
	identity *gallery.Identity
	best     float64
}

// Match returns the identity query belongs to, or nil when there is no
// trustworthy match. A dimension mismatch is returned as an error wrapping
// vecmath.ErrDimensionMismatch.
func (m *Matcher) Match(query types.Embedding, idx *gallery.Index) (*Result, error) {
	if idx == nil || idx.Len() == 0 {
		return nil, nil
	}
	if len(query) != idx.Dim() {
		return nil, fmt.Errorf("%w: query %d, gallery %d", vecmath.ErrDimensionMismatch, len(query), idx.Dim())
	}

	pool := idx.Identities()
	if m.cfg.CandidatePool > 0 && idx.HasCandidateIndex() {
		if near := m.candidates(query, idx); near != nil {
			pool = near
		}
	}

	candidates := make([]candidate, 0, len(pool))
	for _, id := range pool {
		best := math.Inf(1)
		for _, ref := range id.References {
			d, err := vecmath.Distance(query, ref)
			if err != nil {
				return nil, err
			}
			if d < best {
				best = d
			}
		}
		if math.IsNaN(best) || math.IsInf(best, 0) {
			continue
		}
		candidates = append(candidates, candidate{identity: id, best: best})
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	// Stable: ties keep enrollment order, first enrolled wins.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].best < candidates[j].best
	})

	best := candidates[0].best
	if best >= m.cfg.Threshold {
		return nil, nil
	}
	if len(candidates) > 1 && exceeds(best, candidates[1].best, m.cfg.RatioLimit) {
		return nil, nil
	}
	if len(candidates) > 2 && exceeds(best, candidates[2].best, m.cfg.ThirdRatioLimit) {
		return nil, nil
	}

	return &Result{
		IdentityID:  candidates[0].identity.ID,
		DisplayName: candidates[0].identity.DisplayName,
		Distance:    best,
		Confidence:  Confidence(best, m.cfg.Threshold),
	}, nil
}

// minCandidates is how many distinct identities the ratio and separation
// tests need to see.
const minCandidates = 3

// candidates widens the graph search until the nearest references belong to
// at least minCandidates identities. It returns nil when the search would cover
// every reference anyway, and the caller scans the whole gallery instead.
func (m *Matcher) candidates(query types.Embedding, idx *gallery.Index) []*gallery.Identity {
	want := min(minCandidates, idx.Len())
	for k := m.cfg.CandidatePool; k < idx.ReferenceCount(); k *= 2 {
		near, ok := idx.Candidates(query, k)
		if !ok {
			return nil
		}
		if len(near) >= want {
			return near
		}
	}
	return nil
}

// exceeds reports whether best/other > limit. A zero other distance can only
// happen together with a zero best, which is treated as ambiguous.
func exceeds(best, other, limit float64) bool {
	if other == 0 {
		return true
	}
	return best/other > limit
}

// Confidence maps a distance to a percentage in [0, 100].
//
// The mapping is piecewise linear in r = distance/threshold:
//
//	r <= 0.5        100 .. 90
//	0.5 < r <= 0.8   90 .. 70
//	0.8 < r < 1      70 .. 0
//	r >= 1            0
func Confidence(distance, threshold float64) float64 {
	if !(threshold > 0) || math.IsNaN(distance) {
		return 0
	}
	r := distance / threshold
	switch {
	case r <= 0:
		return 100
	case r <= 0.5:
		return 100 - 20*r
	case r <= 0.8:
		return 90 - (r-0.5)/0.3*20
	case r < 1:
		return 70 - (r-0.8)/0.2*70
	default:
		return 0
	}
}
