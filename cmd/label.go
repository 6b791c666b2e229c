package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var labelGroup string

var labelCmd = &cobra.Command{
	Use:   "label <identity_id> <name>",
	Short: "Correct the display name of an enrolled person",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid identity id %q: %w", args[0], err)
		}
		name := strings.TrimSpace(args[1])
		if name == "" {
			return fmt.Errorf("name must not be empty")
		}
		return runLabel(cmd.Context(), os.Stdout, labelGroup, id, name)
	},
}

func init() {
	labelCmd.Flags().StringVarP(&labelGroup, "group", "g", "", "Only rename if the identity belongs to this group")
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, out io.Writer, groupID string, id int64, name string) error {
	r, err := DB.RenameIdentity(ctx, groupID, id, name)
	if err != nil {
		utils.ShowError("Failed to rename identity", err, nil)
		return err
	}
	writeRename(out, r)
	return nil
}

func writeRename(out io.Writer, r store.Rename) {
	if r.OldName == r.NewName {
		fmt.Fprintf(out, "ℹ️  %s #%d is already named '%s'\n", r.GroupID, r.ID, r.NewName)
		return
	}
	fmt.Fprintf(out, "✅ %s #%d: %s → %s\n", r.GroupID, r.ID, r.OldName, r.NewName)
	fmt.Fprintln(out, "   Past attendance records now show the new name.")
}
