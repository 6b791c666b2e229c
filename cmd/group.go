package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/utils"
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage attendance groups",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <group_id> [display_name]",
	Short: "Create a group, or rename an existing one",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		name := ""
		if len(args) == 2 {
			name = args[1]
		}
		if err := DB.EnsureGroup(cmd.Context(), args[0], name); err != nil {
			utils.Die("Failed to create group", err, nil)
		}
		fmt.Printf("✅ Group '%s' is ready\n", args[0])
	},
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all groups",
	Run: func(cmd *cobra.Command, args []string) {
		runGroupList(cmd.Context())
	},
}

func init() {
	groupCmd.AddCommand(groupCreateCmd, groupListCmd)
	rootCmd.AddCommand(groupCmd)
}

func runGroupList(ctx context.Context) {
	groups, err := DB.ListGroups(ctx)
	if err != nil {
		utils.Die("Failed to list groups", err, nil)
	}

	if len(groups) == 0 {
		fmt.Println("No groups found in database.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPEOPLE\tCREATED")
	fmt.Fprintln(w, "--\t----\t------\t-------")
	for _, g := range groups {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", g.ID, g.Name, g.Identities, g.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
