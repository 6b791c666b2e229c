package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/facecrop"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

// EnrollOptions holds the flags of the enroll command
type EnrollOptions struct {
	GroupID        string
	Name           string
	Check          bool
	MatchThreshold float64
}

var enrollOpts EnrollOptions

var enrollCmd = &cobra.Command{
	Use:   "enroll <image_path>...",
	Short: "Enroll a person from one or more reference photos",
	Long: `Detects the largest face in every photo, embeds it and stores it as a reference
for the named person. The person is created if they are not enrolled yet.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), args, enrollOpts)
	},
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollOpts.GroupID, "group", "g", "", "Group the person belongs to")
	enrollCmd.Flags().StringVarP(&enrollOpts.Name, "name", "n", "", "Display name of the person")
	enrollCmd.Flags().BoolVar(&enrollOpts.Check, "check", false, "Warn when a photo already matches another person in the group")
	enrollCmd.Flags().Float64VarP(&enrollOpts.MatchThreshold, "threshold", "t", 0, "Distance under which --check reports a match (default: matcher threshold)")

	enrollCmd.MarkFlagRequired("group")
	enrollCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(ctx context.Context, paths []string, opts EnrollOptions) error {
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			utils.ShowError("Input file does not exist", err, nil)
			return err
		}
	}
	if opts.MatchThreshold <= 0 {
		opts.MatchThreshold = Cfg.Matcher.Threshold
	}

	b, err := startBackends(ctx, Cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	// 1. Embed every photo before touching the database
	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	var embeddings []types.Embedding
	for _, p := range paths {
		emb, err := embedPhoto(ctx, b.active, p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Skipping %s: %v\n", p, err)
			continue
		}
		embeddings = append(embeddings, emb)
	}
	if len(embeddings) == 0 {
		err := errors.New("no usable face in the provided photos")
		utils.ShowError("Enrollment failed", err, b.engineCmd())
		return err
	}

	if err := DB.EnsureGroup(ctx, opts.GroupID, ""); err != nil {
		utils.ShowError("Failed to register group", err, nil)
		return err
	}

	// 2. Find or create the identity
	id, err := DB.FindIdentity(ctx, opts.GroupID, opts.Name)
	if errors.Is(err, store.ErrNotFound) {
		id, err = DB.CreateIdentity(ctx, opts.GroupID, opts.Name)
		if err == nil {
			fmt.Fprintf(os.Stderr, "🆕 Created identity %d for %s\n", id, opts.Name)
		}
	}
	if err != nil {
		utils.ShowError("Failed to resolve identity", err, nil)
		return err
	}

	// 3. Optionally compare with everybody else, then store the references
	stored := 0
	for _, emb := range embeddings {
		if opts.Check {
			matchID, name, dist, err := DB.FindClosestIdentity(ctx, opts.GroupID, emb, opts.MatchThreshold)
			if err != nil {
				utils.ShowError("Database search failed", err, nil)
				return err
			}
			if matchID != -1 && matchID != id {
				fmt.Printf("⚠️  This face is close to %s (ID: %d, distance %.3f). Skipping it.\n", name, matchID, dist)
				continue
			}
		}
		if _, err := DB.AddReference(ctx, id, emb); err != nil {
			utils.ShowError("Failed to store reference", err, nil)
			return err
		}
		stored++
	}

	fmt.Printf("✅ %s (ID: %d) enrolled in %s with %d new reference(s)\n", opts.Name, id, opts.GroupID, stored)
	return nil
}

// embedPhoto embeds the largest face of a photo.
func embedPhoto(ctx context.Context, b backend, path string) (types.Embedding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := facecrop.Decode(data)
	if err != nil {
		return nil, err
	}
	w, h := img.Size()

	dets, err := b.Detect(ctx, types.Frame{Data: data, Width: w, Height: h})
	if err != nil {
		return nil, fmt.Errorf("detection failed: %w", err)
	}
	best := facecrop.Largest(dets)
	if best < 0 {
		return nil, errors.New("no face detected")
	}
	if len(dets) > 1 {
		// Pick largest face if multiple
		fmt.Fprintf(os.Stderr, "⚠️  Multiple faces detected in %s (%d). Using the largest face.\n", path, len(dets))
	}

	crop, err := img.Crop(dets[best].Box, Cfg.Pipeline.Crop)
	if err != nil {
		return nil, err
	}
	return b.Embed(ctx, crop)
}
