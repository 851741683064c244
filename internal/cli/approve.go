package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var resolveReviewer string

func init() {
	for _, cmd := range []*cobra.Command{approveCmd, rejectCmd} {
		cmd.Flags().StringVar(&resolveReviewer, "reviewer", "", "Reviewer name (default $USER)")
		addRemoteFlags(cmd)
		rootCmd.AddCommand(cmd)
	}
}

var approveCmd = &cobra.Command{
	Use:   "approve <decision-id>",
	Short: "Approve a require_approval decision",
	Long:  "Resolves a pending approval as approved. The decision becomes allow,\nor rewrite if it carried a rewritten call. Resolution is final.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runResolve(args[0], true)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <decision-id>",
	Short: "Reject a require_approval decision",
	Long:  "Resolves a pending approval as rejected. The decision becomes deny. Resolution is final.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runResolve(args[0], false)
	},
}

func runResolve(decisionID string, approved bool) error {
	reviewer := resolveReviewer
	if reviewer == "" {
		reviewer = os.Getenv("USER")
	}

	c, err := dialServer()
	if err != nil {
		return err
	}
	defer c.Close()

	d, err := c.Resolve(context.Background(), decisionID, approved, reviewer)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: %s\n", d.Verdict, d.Reason)
	return nil
}
