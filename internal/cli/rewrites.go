package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dataguard/internal/rewrite"
)

func init() {
	rootCmd.AddCommand(rewritesCmd)
}

var rewritesCmd = &cobra.Command{
	Use:   "rewrites",
	Short: "List built-in rewrite transforms",
	Long:  "Lists the transforms a policy rule can name in rewrite_rule_id.",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(stdout, "%-24s %s\n", "ID", "DESCRIPTION")
		for _, r := range rewrite.NewDefaultRegistry().Rules() {
			fmt.Fprintf(stdout, "%-24s %s\n", r.ID, r.Description)
		}
		return nil
	},
}
