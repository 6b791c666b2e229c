package scheduler

import (
	"math"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/tracker"
)

func match(track int, id int64, name string, conf float64) Cycle {
	return Cycle{
		Evaluated: []int{track},
		Alive:     []int{track},
		Matches:   []Observation{{TrackID: track, IdentityID: id, DisplayName: name, Confidence: conf}},
	}
}

func miss(track int) Cycle {
	return Cycle{Evaluated: []int{track}, Alive: []int{track}}
}

func TestDue(t *testing.T) {
	s := New(DefaultConfig())
	tr := &tracker.Track{ID: 1}
	now := time.Unix(1000, 0)

	if !s.Due(tr, now) {
		t.Fatal("a new track should be due")
	}
	s.MarkProcessed(tr, now)

	tests := []struct {
		after time.Duration
		want  bool
	}{
		{0, false},
		{100 * time.Millisecond, false},
		{499 * time.Millisecond, false},
		{500 * time.Millisecond, true},
		{2 * time.Second, true},
	}
	for _, tt := range tests {
		if got := s.Due(tr, now.Add(tt.after)); got != tt.want {
			t.Errorf("Due after %v = %v, want %v", tt.after, got, tt.want)
		}
	}
}

func TestEvaluate_ConfirmsAfterRequiredMatches(t *testing.T) {
	s := New(DefaultConfig())
	confs := []float64{80, 82, 78, 85}

	var confirmations []Confirmation
	for i, c := range confs {
		got := s.Evaluate(match(1, 7, "Carla", c))
		if i < len(confs)-1 {
			if len(got) != 0 {
				t.Fatalf("evaluation %d: confirmed too early", i+1)
			}
			state, p := s.State(7)
			if state != Pending || p.Count != i+1 {
				t.Fatalf("evaluation %d: state = %v count = %d", i+1, state, p.Count)
			}
		}
		confirmations = append(confirmations, got...)
	}

	if len(confirmations) != 1 {
		t.Fatalf("expected exactly 1 confirmation, got %d", len(confirmations))
	}
	c := confirmations[0]
	if c.IdentityID != 7 || c.DisplayName != "Carla" || c.Count != 4 {
		t.Errorf("unexpected confirmation %+v", c)
	}
	if math.Abs(c.AverageConfidence-81.25) > 1e-9 {
		t.Errorf("AverageConfidence = %f, want 81.25", c.AverageConfidence)
	}
	if state, _ := s.State(7); state != Confirmed {
		t.Errorf("state = %v, want confirmed", state)
	}

	// Confirmed is terminal
	for i := 0; i < 10; i++ {
		if got := s.Evaluate(match(1, 7, "Carla", 90)); len(got) != 0 {
			t.Fatal("confirmed identity was confirmed again")
		}
	}
	if s.PendingCount() != 0 {
		t.Errorf("confirmed identity left pending state behind")
	}
}

func TestEvaluate_MissResetsToUnseen(t *testing.T) {
	s := New(DefaultConfig())
	for i := 0; i < DefaultConfig().RequiredMatches-1; i++ {
		s.Evaluate(match(1, 7, "Carla", 90))
	}
	s.Evaluate(miss(1))

	if state, _ := s.State(7); state != Unseen {
		t.Fatalf("state = %v, want unseen", state)
	}

	// Starts over from one
	s.Evaluate(match(1, 7, "Carla", 90))
	if _, p := s.State(7); p.Count != 1 {
		t.Errorf("count after reset = %d, want 1", p.Count)
	}
}

func TestEvaluate_LowConfidenceResets(t *testing.T) {
	s := New(DefaultConfig())
	s.Evaluate(match(1, 7, "Carla", 90))
	s.Evaluate(match(1, 7, "Carla", 60))
	if state, _ := s.State(7); state != Unseen {
		t.Errorf("state = %v, want unseen after a sub-floor match", state)
	}
}

func TestEvaluate_ResetWhenTrackLost(t *testing.T) {
	s := New(DefaultConfig())
	s.Evaluate(match(1, 7, "Carla", 90))

	// Track 1 is gone, another track is evaluated without matching Carla
	s.Evaluate(miss(2))
	if state, _ := s.State(7); state != Unseen {
		t.Errorf("state = %v, want unseen once contributors are gone", state)
	}
}

func TestEvaluate_RetrackedKeepsAccumulating(t *testing.T) {
	s := New(DefaultConfig())
	s.Evaluate(match(1, 7, "Carla", 90))
	s.Evaluate(match(1, 7, "Carla", 90))
	// Occluded, reappears as track 5
	s.Evaluate(match(5, 7, "Carla", 90))

	if state, p := s.State(7); state != Pending || p.Count != 3 {
		t.Fatalf("state = %v count = %d, want pending 3", state, p.Count)
	}
	if got := s.Evaluate(match(5, 7, "Carla", 90)); len(got) != 1 {
		t.Errorf("expected confirmation on the fourth match")
	}
}

func TestEvaluate_StaggeredTracksDoNotReset(t *testing.T) {
	s := New(DefaultConfig())
	s.Evaluate(Cycle{
		Evaluated: []int{1},
		Alive:     []int{1, 2},
		Matches:   []Observation{{TrackID: 1, IdentityID: 7, DisplayName: "Carla", Confidence: 90}},
	})

	// Only track 2 ran this frame, track 1 is alive but throttled
	s.Evaluate(Cycle{
		Evaluated: []int{2},
		Alive:     []int{1, 2},
		Matches:   []Observation{{TrackID: 2, IdentityID: 8, DisplayName: "Dan", Confidence: 90}},
	})

	if state, p := s.State(7); state != Pending || p.Count != 1 {
		t.Errorf("Carla: state = %v count = %d, want pending 1", state, p.Count)
	}
	if state, _ := s.State(8); state != Pending {
		t.Errorf("Dan: state = %v, want pending", state)
	}
}

func TestEvaluate_OneVotePerCycle(t *testing.T) {
	s := New(DefaultConfig())
	s.Evaluate(Cycle{
		Evaluated: []int{1, 2},
		Alive:     []int{1, 2},
		Matches: []Observation{
			{TrackID: 1, IdentityID: 7, DisplayName: "Carla", Confidence: 80},
			{TrackID: 2, IdentityID: 7, DisplayName: "Carla", Confidence: 90},
		},
	})
	_, p := s.State(7)
	if p.Count != 1 || p.CumulativeConfidence != 90 {
		t.Errorf("got count %d cumulative %f, want 1 and 90", p.Count, p.CumulativeConfidence)
	}
}

func TestEvaluate_ThrottledFrameKeepsEvidence(t *testing.T) {
	s := New(DefaultConfig())
	s.Evaluate(match(1, 7, "Carla", 90))
	if got := s.Evaluate(Cycle{Alive: []int{1}}); got != nil {
		t.Errorf("throttled frame returned %v", got)
	}
	if state, p := s.State(7); state != Pending || p.Count != 1 {
		t.Errorf("state = %v count = %d, a live throttled track must keep its evidence", state, p.Count)
	}
}

func TestEvaluate_EmptySceneResets(t *testing.T) {
	s := New(DefaultConfig())
	for _, c := range []float64{80, 82, 78} {
		s.Evaluate(match(1, 7, "Carla", c))
	}

	// Nobody in frame for a while
	for i := 0; i < 10; i++ {
		if got := s.Evaluate(Cycle{Alive: []int{}}); got != nil {
			t.Fatalf("empty frame returned %v", got)
		}
	}
	if state, _ := s.State(7); state != Unseen {
		t.Fatalf("state after absence = %v, want unseen", state)
	}

	// Back on a new track: evidence starts over
	if got := s.Evaluate(match(42, 7, "Carla", 85)); len(got) != 0 {
		t.Fatalf("confirmed after a single match following an absence: %+v", got)
	}
	if state, p := s.State(7); state != Pending || p.Count != 1 {
		t.Errorf("state = %v count = %d, want pending 1", state, p.Count)
	}
}

func TestMarkConfirmedAndReset(t *testing.T) {
	s := New(DefaultConfig())
	s.Evaluate(match(1, 7, "Carla", 90))
	s.MarkConfirmed(7)
	if state, _ := s.State(7); state != Confirmed {
		t.Fatalf("state = %v, want confirmed", state)
	}
	s.Reset()
	if state, _ := s.State(7); state != Unseen {
		t.Errorf("state after Reset = %v, want unseen", state)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatal(err)
	}
	bad := []Config{
		{Interval: -1, RequiredMatches: 4, MinConfidence: 75},
		{Interval: time.Second, RequiredMatches: 0, MinConfidence: 75},
		{Interval: time.Second, RequiredMatches: 4, MinConfidence: 120},
	}
	for _, c := range bad {
		if c.Validate() == nil {
			t.Errorf("expected error for %+v", c)
		}
	}
}
