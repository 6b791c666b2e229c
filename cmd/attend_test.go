package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
)

func TestFmtTime(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00:00"},
		{65, "00:01:05"},
		{3661, "01:01:01"},
	}

	for _, tt := range tests {
		if got := fmtTime(tt.seconds); got != tt.want {
			t.Errorf("fmtTime(%v) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func TestValidateAttendFlags(t *testing.T) {
	// Create a temp file for valid input
	tmpFile, err := os.CreateTemp("", "video.mp4")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	// Create a temp dir for invalid input
	tmpDir, err := os.MkdirTemp("", "testdir")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	tests := []struct {
		name    string
		opts    AttendOptions
		wantErr bool
	}{
		{
			name:    "Valid file",
			opts:    AttendOptions{GroupID: "cs101", InputPath: tmpFile.Name()},
			wantErr: false,
		},
		{
			name:    "Stream is not checked on disk",
			opts:    AttendOptions{GroupID: "cs101", InputPath: "rtsp://cam.local/stream", FPS: 5},
			wantErr: false,
		},
		{
			name:    "Resume with valid session",
			opts:    AttendOptions{GroupID: "cs101", InputPath: "/dev/video0", SessionID: uuid.NewString()},
			wantErr: false,
		},
		{
			name:    "Missing group",
			opts:    AttendOptions{InputPath: tmpFile.Name()},
			wantErr: true,
		},
		{
			name:    "Input file does not exist",
			opts:    AttendOptions{GroupID: "cs101", InputPath: "nonexistent.mp4"},
			wantErr: true,
		},
		{
			name:    "Input is directory",
			opts:    AttendOptions{GroupID: "cs101", InputPath: tmpDir},
			wantErr: true,
		},
		{
			name:    "Invalid session id",
			opts:    AttendOptions{GroupID: "cs101", InputPath: tmpFile.Name(), SessionID: "yesterday"},
			wantErr: true,
		},
		{
			name:    "Negative fps",
			opts:    AttendOptions{GroupID: "cs101", InputPath: tmpFile.Name(), FPS: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateAttendFlags(&tt.opts); (err != nil) != tt.wantErr {
				t.Errorf("validateAttendFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyTuningFlags(t *testing.T) {
	cfg := config.Default()
	before := cfg.Matcher.Threshold

	cmd := &cobra.Command{Use: "attend"}
	cmd.Flags().Float64P("threshold", "t", 0, "")
	cmd.Flags().IntP("required-matches", "r", 0, "")
	cmd.Flags().Float64("min-confidence", 0, "")
	cmd.Flags().Duration("interval", 0, "")
	if err := cmd.Flags().Parse([]string{"--required-matches", "6", "--interval", "1s"}); err != nil {
		t.Fatal(err)
	}

	applyTuningFlags(cmd, cfg, AttendOptions{RequiredMatches: 6, Interval: time.Second, MatchThreshold: 0.9})

	if cfg.Scheduler.RequiredMatches != 6 || cfg.Scheduler.Interval != time.Second {
		t.Errorf("changed flags not applied: %+v", cfg.Scheduler)
	}
	if cfg.Matcher.Threshold != before {
		t.Errorf("unchanged --threshold must keep the file value %v, got %v", before, cfg.Matcher.Threshold)
	}
}

func TestWriteSessionReport(t *testing.T) {
	entries := []store.AttendanceEntry{{IdentityID: 1, Name: "Alice", Confidence: 81.25, RecordedAt: time.Now()}}
	enrolled := []store.IdentitySummary{{ID: 1, Name: "Alice"}, {ID: 2, Name: "Bob"}}

	var table bytes.Buffer
	if err := writeSessionReport(&table, "cs101", entries, enrolled, "table"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(table.String(), "Present: 1 / 2") || !strings.Contains(table.String(), "❌ Bob") {
		t.Errorf("unexpected table report:\n%s", table.String())
	}

	var js bytes.Buffer
	if err := writeSessionReport(&js, "cs101", entries, enrolled, "json"); err != nil {
		t.Fatal(err)
	}
	var got struct {
		Present []store.AttendanceEntry `json:"present"`
		Absent  []string                `json:"absent"`
	}
	if err := json.Unmarshal(js.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Present) != 1 || len(got.Absent) != 1 || got.Absent[0] != "Bob" {
		t.Errorf("unexpected json report: %+v", got)
	}
}

func TestConfirm(t *testing.T) {
	for in, want := range map[string]bool{"y\n": true, "YES\n": true, "n\n": false, "\n": false} {
		if got := confirm(bufio.NewReader(strings.NewReader(in)), io.Discard, "?"); got != want {
			t.Errorf("confirm(%q) = %v, want %v", in, got, want)
		}
	}
}

// --- Integration ---

type fixedBackend struct{ vec types.Embedding }

func (fixedBackend) Name() string { return "fixed" }

func (fixedBackend) Detect(context.Context, types.Frame) ([]types.Detection, error) {
	return []types.Detection{{Box: types.Box{X: 0.3, Y: 0.2, W: 0.4, H: 0.5}, Score: 0.95}}, nil
}

func (b fixedBackend) Embed(context.Context, []byte) (types.Embedding, error) { return b.vec, nil }

func testFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 80, 60))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// TestAttendPersistence runs a session against a real database and checks
// that confirmed attendance is persisted once and survives a resume.
func TestAttendPersistence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	// Start Postgres Container
	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("rollcall_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer pgContainer.Terminate(ctx)

	connStr, _ := pgContainer.ConnectionString(ctx, "sslmode=disable")
	db, err := store.New(ctx, connStr, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	// Setup Test Data
	if err := db.EnsureGroup(ctx, "cs101", "Intro to CS"); err != nil {
		t.Fatal(err)
	}
	alice, err := db.CreateIdentity(ctx, "cs101", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	ref := types.Embedding{1, 0, 0, 0}
	if _, err := db.AddReference(ctx, alice, ref); err != nil {
		t.Fatal(err)
	}

	identities, err := db.LoadGallery(ctx, "cs101")
	if err != nil {
		t.Fatal(err)
	}
	idx, err := gallery.New(identities)
	if err != nil {
		t.Fatal(err)
	}

	cfg := session.DefaultConfig()
	cfg.Scheduler.Interval = 0
	cfg.EmbeddingDim = 4
	engine, err := session.NewEngine(fixedBackend{vec: ref}, fixedBackend{vec: ref}, cfg,
		session.WithSinks(db),
		session.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatal(err)
	}

	run := func(id uuid.UUID, frames int) session.Summary {
		t.Helper()
		if err := db.StartSession(ctx, id, "cs101"); err != nil {
			t.Fatal(err)
		}
		recorded, err := db.RecordedIdentities(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := engine.StartSession(ctx, idx, session.StartOptions{SessionID: id, Recorded: recorded}); err != nil {
			t.Fatal(err)
		}
		data := testFrame(t)
		start := time.Now()
		for i := 0; i < frames; i++ {
			if _, err := engine.ProcessFrame(ctx, types.Frame{Data: data, Timestamp: start.Add(time.Duration(i) * 100 * time.Millisecond)}); err != nil {
				t.Fatal(err)
			}
		}
		sum, err := engine.EndSession(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if err := db.EndSession(ctx, id); err != nil {
			t.Fatal(err)
		}
		return sum
	}

	sessionID := uuid.New()
	sum := run(sessionID, 6)
	if len(sum.Records) != 1 || sum.Records[0].IdentityID != alice {
		t.Fatalf("expected Alice recorded once, got %+v", sum.Records)
	}

	// A restarted process must not record Alice again
	sum = run(sessionID, 6)
	if len(sum.Records) != 0 {
		t.Errorf("resumed session recorded again: %+v", sum.Records)
	}

	entries, err := db.ListAttendance(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "Alice" || entries[0].Confidence != 100 {
		t.Errorf("unexpected persisted attendance: %+v", entries)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
