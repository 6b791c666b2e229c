package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/ledger"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

const megabyte = 1024 * 1024

// AttendOptions holds the flags of the attend command
type AttendOptions struct {
	GroupID         string
	InputPath       string
	SessionID       string
	FPS             float64
	MatchThreshold  float64
	RequiredMatches int
	MinConfidence   float64
	Interval        time.Duration
}

var attendOpts AttendOptions

var attendCmd = &cobra.Command{
	Use:   "attend",
	Short: "Take attendance from a video file, stream or camera",
	Long: `Streams frames from ffmpeg through the recognition pipeline and records every
enrolled person that is confirmed on camera. Ends on end of input or Ctrl+C.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateAttendFlags(&attendOpts); err != nil {
			utils.ShowError("Invalid arguments", err, nil)
			return err
		}
		applyTuningFlags(cmd, Cfg, attendOpts)
		if err := Cfg.Validate(); err != nil {
			return err
		}
		return runAttend(cmd.Context(), attendOpts)
	},
}

func init() {
	attendCmd.Flags().StringVarP(&attendOpts.GroupID, "group", "g", "", "Group to take attendance for")
	attendCmd.Flags().StringVarP(&attendOpts.InputPath, "input", "i", "", "Video file, stream URL (rtsp://...) or capture device (/dev/video0)")
	attendCmd.Flags().StringVarP(&attendOpts.SessionID, "session", "s", "", "Resume an earlier session instead of starting a new one")
	attendCmd.Flags().Float64Var(&attendOpts.FPS, "fps", 0, "Resample the input to this frame rate (0 keeps the source rate)")
	attendCmd.Flags().Float64VarP(&attendOpts.MatchThreshold, "threshold", "t", 0, "Face matching distance threshold (lower is stricter)")
	attendCmd.Flags().IntVarP(&attendOpts.RequiredMatches, "required-matches", "r", 0, "Consecutive matches needed to confirm a person")
	attendCmd.Flags().Float64Var(&attendOpts.MinConfidence, "min-confidence", 0, "Minimum match confidence (0-100) that counts towards confirmation")
	attendCmd.Flags().DurationVar(&attendOpts.Interval, "interval", 0, "Minimum time between recognitions of the same track")

	attendCmd.MarkFlagRequired("group")
	attendCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(attendCmd)
}

// applyTuningFlags overrides the tuning file with the flags set on the command line.
func applyTuningFlags(cmd *cobra.Command, cfg *config.Config, opts AttendOptions) {
	flags := cmd.Flags()
	if flags.Changed("threshold") {
		cfg.Matcher.Threshold = opts.MatchThreshold
	}
	if flags.Changed("required-matches") {
		cfg.Scheduler.RequiredMatches = opts.RequiredMatches
	}
	if flags.Changed("min-confidence") {
		cfg.Scheduler.MinConfidence = opts.MinConfidence
	}
	if flags.Changed("interval") {
		cfg.Scheduler.Interval = opts.Interval
	}
}

// runAttend orchestrates one attendance session: gallery, backends, FFmpeg streaming and the summary.
func runAttend(ctx context.Context, opts AttendOptions) error {
	// 1. Database is initialized in Root PersistentPreRun
	idx, err := loadGallery(ctx, opts.GroupID)
	if err != nil {
		utils.ShowError("Failed to load gallery", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "👥 Loaded %d identities (%d reference faces) for group %s\n", idx.Len(), idx.ReferenceCount(), opts.GroupID)

	// 2. Register (or resume) the session
	sessionID := uuid.New()
	if opts.SessionID != "" {
		sessionID = uuid.MustParse(opts.SessionID) // validated
	}
	if err := DB.StartSession(ctx, sessionID, opts.GroupID); err != nil {
		utils.ShowError("Failed to register session", err, nil)
		return err
	}
	recorded, err := DB.RecordedIdentities(ctx, sessionID)
	if err != nil {
		utils.ShowError("Failed to load recorded attendance", err, nil)
		return err
	}
	if len(recorded) > 0 {
		fmt.Fprintf(os.Stderr, "↩️  Resuming session %s (%d already present)\n", sessionID, len(recorded))
	}

	// 3. Inference backends
	b, err := startBackends(ctx, Cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	mqtt := newMQTTSinks(Cfg.MQTT)
	defer mqtt.Close()

	// 4. Session engine
	engine, err := session.NewEngine(b.active, b.active, Cfg.Session(),
		session.WithSinks(DB),
		session.WithLogger(slog.Default()),
	)
	if err != nil {
		return err
	}

	total := utils.GetTotalFrames(opts.InputPath)
	if total <= 0 || opts.FPS > 0 {
		// Fallback to a spinner if the frame count is unknown or resampled
		total = -1
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🎥 Taking attendance"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	announce := ledger.SinkFunc(func(_ context.Context, rec ledger.Record) error {
		bar.Clear()
		fmt.Fprintf(os.Stderr, "✅ %s is present (confidence %.1f%%)\n", rec.DisplayName, rec.Confidence)
		return nil
	})
	sinks := append(mqtt.For(ctx, opts.GroupID), announce)

	if _, err := engine.StartSession(ctx, idx, session.StartOptions{
		SessionID: sessionID,
		Recorded:  recorded,
		Sinks:     sinks,
	}); err != nil {
		utils.ShowError("Failed to start session", err, nil)
		return err
	}

	runner := session.NewRunner(engine, func(res session.Result) {
		if res.Err != nil && !errors.Is(res.Err, session.ErrStaleFrame) {
			slog.Debug("frame failed", "seq", res.Seq, "error", res.Err)
		}
	})
	runner.Start(ctx)

	// 5. Stream frames until EOF or Ctrl+C
	frames, streamErr := streamFrames(ctx, opts, func(f types.Frame) {
		runner.Submit(f)
		bar.Add(1)
	})

	// 6. Close the session even when the stream failed
	runner.Stop()
	sum, err := engine.EndSession(context.Background())
	if err != nil {
		return err
	}
	if err := DB.EndSession(context.Background(), sessionID); err != nil {
		slog.Warn("failed to close session", "session_id", sessionID, "error", err)
	}
	bar.Finish()

	printAttendSummary(sum, runner.Stats(), frames, idx.Len(), len(recorded))

	if streamErr != nil && ctx.Err() == nil {
		utils.ShowError("Video stream failed", streamErr, nil)
		return streamErr
	}
	return nil
}

// streamFrames runs FFmpeg on the input and hands every decoded frame to submit.
// It returns the number of frames read.
func streamFrames(ctx context.Context, opts AttendOptions, submit func(types.Frame)) (int, error) {
	ffmpeg := utils.NewFFmpegCmd(opts.InputPath, opts.FPS)

	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	defer ffmpegOut.Close() // Ensure pipe is closed to prevent leaks/zombies

	if err := ffmpeg.Start(); err != nil {
		return 0, fmt.Errorf("failed to start FFmpeg: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { ffmpeg.Process.Kill() })
	defer stop()

	// Frame Splitter
	scanner := bufio.NewScanner(ffmpegOut)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	count := 0
	for scanner.Scan() {
		count++
		// The scanner reuses its buffer and the runner may still hold the previous frame
		data := bytes.Clone(scanner.Bytes())
		frame := types.Frame{Data: data, Timestamp: time.Now()}
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			frame.Width, frame.Height = cfg.Width, cfg.Height
		}
		submit(frame)
	}

	// Check for scanner errors (e.g. token too long, unexpected EOF)
	scanErr := scanner.Err()
	waitErr := ffmpeg.Wait()
	if ctx.Err() != nil {
		return count, ctx.Err()
	}
	if scanErr != nil {
		return count, fmt.Errorf("frame scanner failed: %w", scanErr)
	}
	if waitErr != nil {
		if ffmpeg.Stderr.Len() > 0 {
			return count, fmt.Errorf("ffmpeg failed: %w\n%s", waitErr, ffmpeg.Stderr.String())
		}
		return count, fmt.Errorf("ffmpeg failed: %w", waitErr)
	}
	return count, nil
}

func printAttendSummary(sum session.Summary, rs session.RunnerStats, frames, enrolled, resumed int) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 ATTENDANCE SUMMARY  (session %s)\n", sum.SessionID)
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")

	if len(sum.Records) == 0 {
		fmt.Fprintln(os.Stderr, "Nobody was confirmed in this run.")
	} else {
		w := tabwriter.NewWriter(os.Stderr, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCONFIDENCE\tAT")
		fmt.Fprintln(w, "--\t----\t----------\t--")
		for _, r := range sum.Records {
			fmt.Fprintf(w, "%d\t%s\t%.1f%%\t%s\n", r.IdentityID, r.DisplayName, r.Confidence,
				fmtTime(r.Timestamp.Sub(sum.StartedAt).Seconds()))
		}
		w.Flush()
	}

	present := len(sum.Records) + resumed
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "👤 Present:             %d / %d\n", present, enrolled)
	fmt.Fprintf(os.Stderr, "🎞️  Frames read:         %d (processed %d, dropped %d)\n", frames, rs.Processed, rs.Dropped)
	fmt.Fprintf(os.Stderr, "👁️  Face detections:     %d\n", sum.Stats.Detections)
	fmt.Fprintf(os.Stderr, "🧠 Recognitions:        %d\n", sum.Stats.Evaluations)
	if sum.Stats.DetectFailures > 0 || sum.Stats.EmbedFailures > 0 {
		fmt.Fprintf(os.Stderr, "⚠️  Backend failures:    %d detect, %d embed\n", sum.Stats.DetectFailures, sum.Stats.EmbedFailures)
	}
	for _, r := range sum.Undelivered {
		fmt.Fprintf(os.Stderr, "⚠️  Not delivered:       %s (ID: %d), a sink kept failing\n", r.DisplayName, r.IdentityID)
	}
	fmt.Fprintf(os.Stderr, "⏱️  Duration:            %s\n", fmtTime(sum.EndedAt.Sub(sum.StartedAt).Seconds()))
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// validateAttendFlags ensures all CLI arguments are valid before starting heavy processes.
func validateAttendFlags(opts *AttendOptions) error {
	if opts.GroupID == "" {
		return fmt.Errorf("--group is required")
	}
	if utils.ClassifySource(opts.InputPath) == utils.SourceFile {
		info, err := os.Stat(opts.InputPath)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("input file does not exist: %w", err)
			}
			return fmt.Errorf("unable to access input file: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("input path is a directory, expected a video file")
		}
	}
	if opts.SessionID != "" {
		if _, err := uuid.Parse(opts.SessionID); err != nil {
			return fmt.Errorf("invalid session id: %w", err)
		}
	}
	if opts.FPS < 0 {
		return fmt.Errorf("fps must be >= 0, got %v", opts.FPS)
	}
	return nil
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
