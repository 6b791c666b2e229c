package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var (
	reportSession string
	reportGroup   string
	reportFormat  string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show who attended a session, or the sessions of a group",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if (reportSession == "") == (reportGroup == "") {
			return fmt.Errorf("exactly one of --session or --group is required")
		}
		if reportFormat != "table" && reportFormat != "json" {
			return fmt.Errorf("invalid --format %q (want table or json)", reportFormat)
		}
		if reportSession != "" {
			id, err := uuid.Parse(reportSession)
			if err != nil {
				return fmt.Errorf("invalid session id: %w", err)
			}
			return runSessionReport(cmd.Context(), os.Stdout, id, reportFormat)
		}
		return runGroupReport(cmd.Context(), os.Stdout, reportGroup, reportFormat)
	},
}

func init() {
	reportCmd.Flags().StringVarP(&reportSession, "session", "s", "", "Session to report")
	reportCmd.Flags().StringVarP(&reportGroup, "group", "g", "", "List the sessions of this group")
	reportCmd.Flags().StringVarP(&reportFormat, "format", "f", "table", "Output format: table or json")
	rootCmd.AddCommand(reportCmd)
}

func runSessionReport(ctx context.Context, out io.Writer, id uuid.UUID, format string) error {
	groupID, err := DB.SessionGroup(ctx, id)
	if err != nil {
		utils.ShowError("Unknown session", err, nil)
		return err
	}
	entries, err := DB.ListAttendance(ctx, id)
	if err != nil {
		utils.ShowError("Failed to load attendance", err, nil)
		return err
	}
	enrolled, err := DB.ListIdentities(ctx, groupID)
	if err != nil {
		utils.ShowError("Failed to load group", err, nil)
		return err
	}
	return writeSessionReport(out, groupID, entries, enrolled, format)
}

func writeSessionReport(out io.Writer, groupID string, entries []store.AttendanceEntry, enrolled []store.IdentitySummary, format string) error {
	present := make(map[int64]bool, len(entries))
	for _, e := range entries {
		present[e.IdentityID] = true
	}
	var absent []string
	for _, is := range enrolled {
		if !present[is.ID] {
			absent = append(absent, is.Name)
		}
	}

	if format == "json" {
		if entries == nil {
			entries = []store.AttendanceEntry{}
		}
		if absent == nil {
			absent = []string{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"group_id": groupID,
			"present":  entries,
			"absent":   absent,
		})
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCONFIDENCE\tRECORDED")
	fmt.Fprintln(w, "--\t----\t----------\t--------")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%.1f%%\t%s\n", e.IdentityID, e.Name, e.Confidence, e.RecordedAt.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()

	fmt.Fprintf(out, "\n👤 Present: %d / %d\n", len(entries), len(enrolled))
	for _, name := range absent {
		fmt.Fprintf(out, "   ❌ %s\n", name)
	}
	return nil
}

func runGroupReport(ctx context.Context, out io.Writer, groupID, format string) error {
	sessions, err := DB.ListSessions(ctx, groupID)
	if err != nil {
		utils.ShowError("Failed to list sessions", err, nil)
		return err
	}

	if format == "json" {
		if sessions == nil {
			sessions = []store.SessionSummary{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}

	if len(sessions) == 0 {
		fmt.Fprintf(out, "No sessions recorded for group '%s'.\n", groupID)
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTARTED\tDURATION\tPRESENT")
	fmt.Fprintln(w, "-------\t-------\t--------\t-------")
	for _, s := range sessions {
		duration := "running"
		if s.EndedAt != nil {
			duration = fmtTime(s.EndedAt.Sub(s.StartedAt).Seconds())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", s.ID, s.StartedAt.Local().Format("2006-01-02 15:04"), duration, s.Attendees)
	}
	return w.Flush()
}
