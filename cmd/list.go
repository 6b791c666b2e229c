package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var (
	listGroup  string
	listFormat string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Show a group's roster with reference counts and attendance history",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if listFormat != "table" && listFormat != "json" {
			return fmt.Errorf("invalid --format %q (want table or json)", listFormat)
		}
		return runList(cmd.Context(), os.Stdout, listGroup, listFormat)
	},
}

func init() {
	listCmd.Flags().StringVarP(&listGroup, "group", "g", "", "Group whose roster to show")
	listCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "Output format: table or json")
	listCmd.MarkFlagRequired("group")
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, out io.Writer, groupID, format string) error {
	group, err := DB.GetGroup(ctx, groupID)
	if err != nil {
		utils.ShowError("Unknown group", err, nil)
		return err
	}
	roster, err := DB.ListIdentities(ctx, groupID)
	if err != nil {
		utils.ShowError("Failed to load roster", err, nil)
		return err
	}
	return writeRoster(out, group, roster, format)
}

// rosterJSON is the machine-readable roster of one group.
type rosterJSON struct {
	GroupID    string                  `json:"group_id"`
	GroupName  string                  `json:"group_name"`
	Identities []store.IdentitySummary `json:"identities"`
}

func writeRoster(out io.Writer, group store.Group, roster []store.IdentitySummary, format string) error {
	if format == "json" {
		if roster == nil {
			roster = []store.IdentitySummary{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rosterJSON{GroupID: group.ID, GroupName: group.Name, Identities: roster})
	}

	fmt.Fprintf(out, "📋 %s (%s): %d enrolled\n", group.Name, group.ID, len(roster))
	if len(roster) == 0 {
		fmt.Fprintf(out, "   Enroll people with: rollcall enroll --group %s\n", group.ID)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tREFS\tSESSIONS\tLAST SEEN")
	fmt.Fprintln(w, "--\t----\t----\t--------\t---------")
	var unmatchable []string
	for _, is := range roster {
		lastSeen := "never"
		if is.LastSeen != nil {
			lastSeen = is.LastSeen.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n", is.ID, is.Name, is.References, is.Sessions, lastSeen)
		if is.References == 0 {
			unmatchable = append(unmatchable, is.Name)
		}
	}
	w.Flush()

	for _, name := range unmatchable {
		fmt.Fprintf(out, "⚠️  %s has no reference photos and can never be recognized\n", name)
	}
	return nil
}
