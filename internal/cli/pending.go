package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var pendingTenant string

func init() {
	rootCmd.AddCommand(pendingCmd)
	pendingCmd.Flags().StringVar(&pendingTenant, "tenant", "", "Only show this tenant")
	addRemoteFlags(pendingCmd)
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending approval requests",
	Long:  "Shows decisions waiting for a human on the policy server, oldest first.",
	RunE:  runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	c, err := dialServer()
	if err != nil {
		return err
	}
	defer c.Close()

	list, err := c.ListPending(context.Background(), pendingTenant)
	if err != nil {
		return err
	}

	if len(list) == 0 {
		fmt.Fprintln(stdout, "No pending approvals.")
		return nil
	}

	fmt.Fprintf(stdout, "%-36s %-20s %-12s %-5s %-40s %s\n", "DECISION", "TOOL", "TENANT", "RISK", "REASON", "CREATED")
	for _, a := range list {
		fmt.Fprintf(stdout, "%-36s %-20s %-12s %-5d %-40s %s\n",
			a.DecisionID,
			truncate(a.ToolName, 20),
			truncate(a.TenantID, 12),
			a.Decision.Risk.FinalScore,
			truncate(a.Decision.Reason, 40),
			a.CreatedAt.Format("15:04:05"),
		)
	}
	return nil
}
