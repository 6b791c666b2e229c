package web

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/ledger"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
)

// --- fakes ---

type staticDetector struct{}

func (staticDetector) Name() string { return "static" }

func (staticDetector) Detect(context.Context, types.Frame) ([]types.Detection, error) {
	return []types.Detection{{Box: types.Box{X: 0.25, Y: 0.25, W: 0.5, H: 0.5}, Score: 0.99}}, nil
}

type staticEmbedder struct{ vec types.Embedding }

func (e staticEmbedder) Embed(context.Context, []byte) (types.Embedding, error) { return e.vec, nil }

type memoryStore struct {
	mu         sync.Mutex
	identities map[string][]gallery.Identity
	sessions   map[uuid.UUID]string
	ended      map[uuid.UUID]bool
	attendance map[uuid.UUID][]store.AttendanceEntry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		identities: map[string][]gallery.Identity{
			"cs101": {{ID: 7, DisplayName: "Alice", References: []types.Embedding{{1, 0, 0}}}},
		},
		sessions:   map[uuid.UUID]string{},
		ended:      map[uuid.UUID]bool{},
		attendance: map[uuid.UUID][]store.AttendanceEntry{},
	}
}

func (m *memoryStore) LoadGallery(_ context.Context, groupID string) ([]gallery.Identity, error) {
	return m.identities[groupID], nil
}

func (m *memoryStore) StartSession(_ context.Context, id uuid.UUID, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = groupID
	return nil
}

func (m *memoryStore) RecordedIdentities(_ context.Context, id uuid.UUID) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, e := range m.attendance[id] {
		ids = append(ids, e.IdentityID)
	}
	return ids, nil
}

func (m *memoryStore) EndSession(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended[id] = true
	return nil
}

func (m *memoryStore) ListSessions(_ context.Context, groupID string) ([]store.SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.SessionSummary
	for id, g := range m.sessions {
		if g == groupID {
			out = append(out, store.SessionSummary{ID: id, GroupID: g, Attendees: len(m.attendance[id])})
		}
	}
	return out, nil
}

func (m *memoryStore) ListAttendance(_ context.Context, id uuid.UUID) ([]store.AttendanceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attendance[id], nil
}

func (m *memoryStore) RecordAttendance(_ context.Context, rec ledger.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attendance[rec.SessionID] = append(m.attendance[rec.SessionID], store.AttendanceEntry{
		IdentityID: rec.IdentityID,
		Name:       rec.DisplayName,
		Confidence: rec.Confidence,
		RecordedAt: rec.Timestamp,
	})
	return nil
}

// --- helpers ---

// gateDetector blocks every Detect call until release is closed.
type gateDetector struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (*gateDetector) Name() string { return "gate" }

func (g *gateDetector) Detect(ctx context.Context, f types.Frame) ([]types.Detection, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return staticDetector{}.Detect(ctx, f)
}

func setupServer(t *testing.T, sinks ...ledger.Sink) (*Server, *memoryStore) {
	t.Helper()
	return setupServerWith(t, staticDetector{}, sinks...)
}

func setupServerWith(t *testing.T, det session.Detector, sinks ...ledger.Sink) (*Server, *memoryStore) {
	t.Helper()
	st := newMemoryStore()

	cfg := session.DefaultConfig()
	cfg.Scheduler.Interval = 0
	cfg.Scheduler.RequiredMatches = 2

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := session.NewEngine(det, staticEmbedder{vec: types.Embedding{1, 0, 0}}, cfg,
		session.WithSinks(st),
		session.WithLogger(logger),
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	var sessionSinks func(string) []ledger.Sink
	if len(sinks) > 0 {
		sessionSinks = func(string) []ledger.Sink { return sinks }
	}
	return NewServer(engine, st, Options{SessionSinks: sessionSinks, Logger: logger}), st
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 5), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func do(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func assertStatusCode(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func startGroup(t *testing.T, s *Server, body string) startResponse {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/v1/sessions", strings.NewReader(body))
	rec := do(t, s, req)
	assertStatusCode(t, rec, http.StatusCreated)
	var resp startResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

// --- tests ---

func TestHealth(t *testing.T) {
	s, _ := setupServer(t)
	rec := do(t, s, httptest.NewRequest("GET", "/api/v1/health", nil))
	assertStatusCode(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestSessionLifecycle(t *testing.T) {
	var published []ledger.Record
	s, st := setupServer(t, ledger.SinkFunc(func(_ context.Context, r ledger.Record) error {
		published = append(published, r)
		return nil
	}))

	started := startGroup(t, s, `{"group_id":"cs101"}`)
	if started.Identities != 1 || started.GroupID != "cs101" {
		t.Fatalf("unexpected start response: %+v", started)
	}

	// A second start while one is active conflicts.
	rec := do(t, s, httptest.NewRequest("POST", "/api/v1/sessions", strings.NewReader(`{"group_id":"cs101"}`)))
	assertStatusCode(t, rec, http.StatusConflict)

	frame := testJPEG(t)
	var last frameResponse
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/api/v1/sessions/current/frames", bytes.NewReader(frame))
		req.Header.Set("Content-Type", "image/jpeg")
		rec := do(t, s, req)
		assertStatusCode(t, rec, http.StatusOK)
		if err := json.NewDecoder(rec.Body).Decode(&last); err != nil {
			t.Fatal(err)
		}
	}
	if last.Seq != 3 || len(last.Tracks) != 1 {
		t.Fatalf("unexpected frame response: %+v", last)
	}
	if last.Tracks[0].Status != session.StatusConfirmed || last.Tracks[0].DisplayName != "Alice" {
		t.Errorf("expected Alice confirmed, got %+v", last.Tracks[0])
	}

	rec = do(t, s, httptest.NewRequest("GET", "/api/v1/sessions/current", nil))
	assertStatusCode(t, rec, http.StatusOK)

	rec = do(t, s, httptest.NewRequest("DELETE", "/api/v1/sessions/current", nil))
	assertStatusCode(t, rec, http.StatusOK)
	var sum session.Summary
	if err := json.NewDecoder(rec.Body).Decode(&sum); err != nil {
		t.Fatal(err)
	}
	if sum.SessionID != started.SessionID || len(sum.Records) != 1 {
		t.Errorf("unexpected summary: %+v", sum)
	}
	if !st.ended[started.SessionID] {
		t.Error("store session was not closed")
	}
	if len(published) != 1 || published[0].IdentityID != 7 {
		t.Errorf("session sink got %+v", published)
	}

	rec = do(t, s, httptest.NewRequest("GET", "/api/v1/sessions/"+started.SessionID.String()+"/attendance", nil))
	assertStatusCode(t, rec, http.StatusOK)
	var entries []store.AttendanceEntry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "Alice" {
		t.Errorf("unexpected attendance: %+v", entries)
	}

	rec = do(t, s, httptest.NewRequest("GET", "/api/v1/groups/cs101/sessions", nil))
	assertStatusCode(t, rec, http.StatusOK)
}

func TestResumeKeepsRecorded(t *testing.T) {
	s, st := setupServer(t)
	id := uuid.New()
	st.attendance[id] = []store.AttendanceEntry{{IdentityID: 7, Name: "Alice", RecordedAt: time.Now()}}

	resp := startGroup(t, s, `{"group_id":"cs101","session_id":"`+id.String()+`"}`)
	if resp.SessionID != id || resp.Resumed != 1 {
		t.Fatalf("unexpected resume response: %+v", resp)
	}

	req := httptest.NewRequest("POST", "/api/v1/sessions/current/frames", bytes.NewReader(testJPEG(t)))
	rec := do(t, s, req)
	assertStatusCode(t, rec, http.StatusOK)
	var fr frameResponse
	if err := json.NewDecoder(rec.Body).Decode(&fr); err != nil {
		t.Fatal(err)
	}
	if len(fr.Tracks) != 1 || fr.Tracks[0].Status != session.StatusConfirmed {
		t.Errorf("resumed identity should display as confirmed, got %+v", fr.Tracks)
	}
}

func TestMultipartFrame(t *testing.T) {
	s, _ := setupServer(t)
	startGroup(t, s, `{"group_id":"cs101"}`)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "frame.jpg")
	if err != nil {
		t.Fatal(err)
	}
	part.Write(testJPEG(t))
	mw.Close()

	req := httptest.NewRequest("POST", "/api/v1/sessions/current/frames", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	assertStatusCode(t, do(t, s, req), http.StatusOK)
}

func TestConcurrentFramesAreDropped(t *testing.T) {
	det := &gateDetector{entered: make(chan struct{}), release: make(chan struct{})}
	s, _ := setupServerWith(t, det)
	startGroup(t, s, `{"group_id":"cs101"}`)
	frame := testJPEG(t)

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest("POST", "/api/v1/sessions/current/frames", bytes.NewReader(frame))
		first <- do(t, s, req)
	}()
	<-det.entered

	// Every frame arriving while the first is in flight is answered at once
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("POST", "/api/v1/sessions/current/frames", bytes.NewReader(frame))
		rec := do(t, s, req)
		assertStatusCode(t, rec, http.StatusTooManyRequests)
		var resp droppedResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.Status != "dropped" || resp.Seq != uint64(i+2) {
			t.Errorf("unexpected drop response %+v", resp)
		}
	}

	close(det.release)
	assertStatusCode(t, <-first, http.StatusOK)

	rec := do(t, s, httptest.NewRequest("DELETE", "/api/v1/sessions/current", nil))
	assertStatusCode(t, rec, http.StatusOK)
	var sum session.Summary
	if err := json.NewDecoder(rec.Body).Decode(&sum); err != nil {
		t.Fatal(err)
	}
	if sum.Stats.Frames != 1 || sum.Stats.Dropped != 10 {
		t.Errorf("Frames = %d Dropped = %d, want 1 and 10", sum.Stats.Frames, sum.Stats.Dropped)
	}
}

func TestRequestErrors(t *testing.T) {
	s, _ := setupServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad json", "POST", "/api/v1/sessions", "{", http.StatusBadRequest},
		{"missing group", "POST", "/api/v1/sessions", `{}`, http.StatusBadRequest},
		{"bad session id", "POST", "/api/v1/sessions", `{"group_id":"cs101","session_id":"nope"}`, http.StatusBadRequest},
		{"empty group", "POST", "/api/v1/sessions", `{"group_id":"empty"}`, http.StatusUnprocessableEntity},
		{"frame without session", "POST", "/api/v1/sessions/current/frames", "", http.StatusBadRequest},
		{"end without session", "DELETE", "/api/v1/sessions/current", "", http.StatusNotFound},
		{"no current session", "GET", "/api/v1/sessions/current", "", http.StatusNotFound},
		{"bad attendance id", "GET", "/api/v1/sessions/xyz/attendance", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			assertStatusCode(t, do(t, s, req), tt.want)
		})
	}

	// A valid image without an active session conflicts.
	req := httptest.NewRequest("POST", "/api/v1/sessions/current/frames", bytes.NewReader(testJPEG(t)))
	assertStatusCode(t, do(t, s, req), http.StatusConflict)
}
