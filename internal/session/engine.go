// Package session drives the per-frame recognition loop of an attendance session:
// detect, track, throttle, embed and match, confirm, record.
//
// An Engine runs at most one session at a time. All session state (tracks,
// pending confirmations, the recorded set) is created by StartSession, mutated
// only by the goroutine calling ProcessFrame and dropped by EndSession.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/rollcall/internal/facecrop"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/ledger"
	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/scheduler"
	"github.com/andresmejia3/rollcall/internal/tracker"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/vecmath"
)

var (
	// ErrNoSession is returned when no session is active.
	ErrNoSession = errors.New("no active session")
	// ErrSessionActive is returned by StartSession while another session runs.
	ErrSessionActive = errors.New("a session is already active")
	// ErrStaleFrame is returned when the session ended while the frame was in flight.
	ErrStaleFrame = errors.New("frame belongs to an ended session")
	// ErrInvalidGallery is returned by StartSession for an unusable gallery.
	ErrInvalidGallery = errors.New("invalid gallery")
	// ErrBusy is returned by TryProcessFrame while another frame is in flight.
	ErrBusy = errors.New("engine is busy with another frame")
)

// Status is the display state of a track.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusMatching  Status = "matching"
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
)

// TrackInfo is the per-track display state returned for every frame.
type TrackInfo struct {
	TrackID     int       `json:"track_id"`
	Box         types.Box `json:"box"`
	Score       float64   `json:"score"`
	IdentityID  int64     `json:"identity_id,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	Status      Status    `json:"status"`
	// Evaluated is true when recognition ran for this track on this frame.
	Evaluated bool `json:"evaluated"`
}

// Stats counts what happened during a session.
type Stats struct {
	Frames         uint64 `json:"frames"`
	Detections     uint64 `json:"detections"`
	Evaluations    uint64 `json:"evaluations"`
	DetectFailures uint64 `json:"detect_failures"`
	EmbedFailures  uint64 `json:"embed_failures"`
	Confirmations  uint64 `json:"confirmations"`
	// Dropped counts frames refused by TryProcessFrame.
	Dropped uint64 `json:"dropped"`
}

// Summary describes a finished session.
type Summary struct {
	SessionID uuid.UUID       `json:"session_id"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
	Stats     Stats           `json:"stats"`
	Records   []ledger.Record `json:"records"`
	// Undelivered lists records a sink still refused at the end of the session.
	Undelivered []ledger.Record `json:"undelivered,omitempty"`
}

// StartOptions customize a new session.
type StartOptions struct {
	// SessionID resumes or names the session. Zero generates a new id.
	SessionID uuid.UUID
	// Recorded lists identities already recorded for SessionID.
	Recorded []int64
	// Sinks receive this session's records after the engine-wide sinks.
	Sinks []ledger.Sink
}

// Option configures an Engine.
type Option func(*Engine)

// WithSinks forwards every new attendance record to sinks.
func WithSinks(sinks ...ledger.Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, sinks...) }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the session boundary used by hosts.
type Engine struct {
	detector Detector
	embedder Embedder
	matcher  *matcher.Matcher
	cfg      Config
	sinks    []ledger.Sink
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex // guards active
	active *state
	epoch  atomic.Uint64

	work sync.Mutex // serializes ProcessFrame: single writer of session state
}

// state is everything owned by one session.
type state struct {
	id        uuid.UUID
	epoch     uint64
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time

	gallery   *gallery.Index
	tracker   *tracker.Tracker
	scheduler *scheduler.Scheduler
	ledger    *ledger.Ledger
	stats     Stats
	lastFrame time.Time
	dropped   atomic.Uint64
}

// NewEngine validates cfg and returns an idle Engine.
func NewEngine(detector Detector, embedder Embedder, cfg Config, opts ...Option) (*Engine, error) {
	if detector == nil || embedder == nil {
		return nil, errors.New("detector and embedder are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	m, err := matcher.New(cfg.Matcher)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		detector: detector,
		embedder: embedder,
		matcher:  m,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// StartSession builds fresh session state around idx.
func (e *Engine) StartSession(ctx context.Context, idx *gallery.Index, opts StartOptions) (uuid.UUID, error) {
	if idx == nil || idx.Len() == 0 || idx.Dim() == 0 {
		return uuid.Nil, ErrInvalidGallery
	}
	if e.cfg.EmbeddingDim > 0 && idx.Dim() != e.cfg.EmbeddingDim {
		return uuid.Nil, fmt.Errorf("%w: embedding dim %d, expected %d", ErrInvalidGallery, idx.Dim(), e.cfg.EmbeddingDim)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrSessionActive, e.active.id)
	}

	id := opts.SessionID
	if id == uuid.Nil {
		id = uuid.New()
	}

	led := ledger.New(id,
		ledger.WithSinks(e.sinks...),
		ledger.WithSinks(opts.Sinks...),
		ledger.WithRecorded(opts.Recorded...),
	)

	sctx, cancel := context.WithCancel(context.Background())
	s := &state{
		id:        id,
		epoch:     e.epoch.Add(1),
		ctx:       sctx,
		cancel:    cancel,
		startedAt: e.now(),
		gallery:   idx,
		tracker:   tracker.New(e.cfg.Tracker),
		scheduler: scheduler.New(e.cfg.Scheduler),
		ledger:    led,
	}
	s.scheduler.MarkConfirmed(opts.Recorded...)
	e.active = s

	e.logger.Info("session started",
		"session_id", id,
		"identities", idx.Len(),
		"references", idx.ReferenceCount(),
		"resumed", len(opts.Recorded),
	)
	return id, nil
}

// Active returns the running session id.
func (e *Engine) Active() (uuid.UUID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return uuid.Nil, false
	}
	return e.active.id, true
}

// EndSession cancels in-flight collaborator calls, retries sink deliveries
// that failed during the session, drops all session state and returns what
// the session recorded.
func (e *Engine) EndSession(ctx context.Context) (Summary, error) {
	e.mu.Lock()
	s := e.active
	if s == nil {
		e.mu.Unlock()
		return Summary{}, ErrNoSession
	}
	e.active = nil
	e.epoch.Add(1)
	s.cancel()
	e.mu.Unlock()

	// Wait for an in-flight frame to observe the epoch change
	e.work.Lock()
	defer e.work.Unlock()

	// Last chance for sinks that failed during the session
	if err := s.ledger.Redeliver(ctx); err != nil {
		e.logger.Warn("attendance still undelivered", "session_id", s.id, "error", err)
	}

	sum := Summary{
		SessionID:   s.id,
		StartedAt:   s.startedAt,
		EndedAt:     e.now(),
		Stats:       s.stats,
		Records:     s.ledger.Records(),
		Undelivered: s.ledger.Undelivered(),
	}
	sum.Stats.Dropped = s.dropped.Load()
	s.tracker.Reset()
	s.scheduler.Reset()

	e.logger.Info("session ended",
		"session_id", s.id,
		"frames", s.stats.Frames,
		"recorded", len(sum.Records),
	)
	return sum, nil
}

// ProcessFrame runs one frame through the pipeline and returns the display
// state of every live track. Collaborator failures degrade the frame instead
// of failing it.
func (e *Engine) ProcessFrame(ctx context.Context, frame types.Frame) ([]TrackInfo, error) {
	e.work.Lock()
	defer e.work.Unlock()
	return e.process(ctx, frame)
}

// TryProcessFrame is ProcessFrame for hosts with concurrent producers: when
// another frame is in flight it drops this one and returns ErrBusy at once.
func (e *Engine) TryProcessFrame(ctx context.Context, frame types.Frame) ([]TrackInfo, error) {
	if !e.work.TryLock() {
		e.mu.Lock()
		s := e.active
		e.mu.Unlock()
		if s == nil {
			return nil, ErrNoSession
		}
		s.dropped.Add(1)
		return nil, ErrBusy
	}
	defer e.work.Unlock()
	return e.process(ctx, frame)
}

// process runs one frame. The caller holds e.work.
func (e *Engine) process(ctx context.Context, frame types.Frame) ([]TrackInfo, error) {
	e.mu.Lock()
	s := e.active
	e.mu.Unlock()
	if s == nil {
		return nil, ErrNoSession
	}
	if e.stale(s) {
		return nil, ErrStaleFrame
	}

	// Cancelled by the caller or by EndSession, whichever comes first
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	log := e.logger.With("session_id", s.id, "seq", frame.Seq)

	now := frame.Timestamp
	if now.IsZero() {
		now = e.now()
	}
	// Session time never runs backwards, whatever order frames arrive in
	if now.Before(s.lastFrame) {
		now = s.lastFrame
	}
	s.lastFrame = now

	dets, err := e.detector.Detect(ctx, frame)
	if e.stale(s) {
		return nil, ErrStaleFrame
	}
	if err != nil {
		s.stats.DetectFailures++
		log.Warn("detection failed, treating frame as empty", "detector", e.detector.Name(), "error", err)
		dets = nil
	}
	dets = e.filter(dets)
	s.stats.Frames++
	s.stats.Detections += uint64(len(dets))

	tracks := s.tracker.Associate(dets)

	cycle := scheduler.Cycle{Alive: make([]int, 0, len(tracks))}
	evaluated := make(map[int]bool)
	var img *facecrop.Image

	for _, t := range tracks {
		cycle.Alive = append(cycle.Alive, t.ID)
		if !s.scheduler.Due(t, now) {
			continue
		}

		if img == nil {
			if img, err = facecrop.Decode(frame.Data); err != nil {
				s.stats.EmbedFailures++
				log.Warn("frame decode failed, skipping recognition", "error", err)
				break
			}
		}

		res, err := e.recognize(ctx, s, img, t)
		if e.stale(s) {
			return nil, ErrStaleFrame
		}
		if err != nil {
			s.stats.EmbedFailures++
			log.Warn("recognition failed", "track_id", t.ID, "error", err)
			continue
		}

		s.scheduler.MarkProcessed(t, now)
		s.stats.Evaluations++
		t.Decision = res
		evaluated[t.ID] = true
		cycle.Evaluated = append(cycle.Evaluated, t.ID)
		if res != nil {
			cycle.Matches = append(cycle.Matches, scheduler.Observation{
				TrackID:     t.ID,
				IdentityID:  res.IdentityID,
				DisplayName: res.DisplayName,
				Confidence:  res.Confidence,
			})
		}
	}

	for _, c := range s.scheduler.Evaluate(cycle) {
		s.stats.Confirmations++
		rec, err := s.ledger.Record(ctx, c.IdentityID, c.DisplayName, c.AverageConfidence, now)
		switch {
		case errors.Is(err, ledger.ErrAlreadyRecorded):
			log.Debug("attendance already recorded", "identity_id", c.IdentityID)
		case err != nil:
			log.Error("attendance sink failed, retrying at session end", "identity_id", c.IdentityID, "error", err)
		default:
			log.Info("attendance recorded",
				"identity_id", rec.IdentityID,
				"name", rec.DisplayName,
				"confidence", rec.Confidence,
				"matches", c.Count,
			)
		}
	}

	return e.describe(s, tracks, evaluated), nil
}

// recognize crops the track's raw geometry, embeds it and matches it. A nil
// result with a nil error is a no-match.
func (e *Engine) recognize(ctx context.Context, s *state, img *facecrop.Image, t *tracker.Track) (*matcher.Result, error) {
	crop, err := img.Crop(t.Raw, e.cfg.Crop)
	if err != nil {
		return nil, err
	}
	emb, err := e.embedder.Embed(ctx, crop)
	if err != nil {
		return nil, err
	}

	res, err := e.matcher.Match(emb, s.gallery)
	if errors.Is(err, vecmath.ErrDimensionMismatch) {
		e.logger.Error("embedding does not fit the gallery, treating as no-match",
			"session_id", s.id, "track_id", t.ID, "error", err)
		return nil, nil
	}
	return res, err
}

func (e *Engine) filter(dets []types.Detection) []types.Detection {
	out := dets[:0:0]
	for _, d := range dets {
		if d.Score >= e.cfg.MinDetectionScore && d.Box.W > 0 && d.Box.H > 0 {
			out = append(out, d)
		}
	}
	return out
}

func (e *Engine) describe(s *state, tracks []*tracker.Track, evaluated map[int]bool) []TrackInfo {
	infos := make([]TrackInfo, 0, len(tracks))
	for _, t := range tracks {
		info := TrackInfo{
			TrackID:   t.ID,
			Box:       t.Box,
			Score:     t.Score,
			Status:    StatusUnknown,
			Evaluated: evaluated[t.ID],
		}
		if d := t.Decision; d != nil {
			info.IdentityID = d.IdentityID
			info.DisplayName = d.DisplayName
			info.Confidence = d.Confidence
			info.Status = StatusMatching
			switch st, _ := s.scheduler.State(d.IdentityID); {
			case st == scheduler.Confirmed || s.ledger.Has(d.IdentityID):
				info.Status = StatusConfirmed
			case st == scheduler.Pending:
				info.Status = StatusPending
			}
		}
		infos = append(infos, info)
	}
	return infos
}

func (e *Engine) stale(s *state) bool {
	return e.epoch.Load() != s.epoch
}
