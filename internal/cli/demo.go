package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dataguard/internal/engine"
	"github.com/ppiankov/dataguard/internal/model"
)

func init() {
	rootCmd.AddCommand(demoCmd)
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Walk sample agent calls through the built-in policy",
	Long: "Evaluates a fixed set of agent tool calls against the built-in policy,\n" +
		"then approves the call that was held for review. Nothing is written.\n" +
		"Exit code 1 if a destructive call is not stopped.",
	RunE: runDemo,
}

// demoCall is one sample call and the verdict the built-in policy must give.
type demoCall struct {
	label    string
	proposal model.Proposal
	want     model.Verdict
}

var demoCalls = []demoCall{
	{
		label:    "read a note",
		proposal: model.Proposal{ToolName: "read_file", ToolArgs: map[string]any{"path": "notes/standup.md"}},
		want:     model.Allow,
	},
	{
		label:    "wipe the disk",
		proposal: model.Proposal{ToolName: "bash", ToolArgs: map[string]any{"command": "rm -rf /"}},
		want:     model.Deny,
	},
	{
		label:    "install with sudo",
		proposal: model.Proposal{ToolName: "bash", ToolArgs: map[string]any{"command": "sudo apt install jq"}},
		want:     model.Rewrite,
	},
	{
		label:    "drop a table",
		proposal: model.Proposal{ToolName: "sql", ToolArgs: map[string]any{"query": "DROP TABLE users"}},
		want:     model.Deny,
	},
	{
		label: "refund a customer",
		proposal: model.Proposal{
			ToolName:     "stripe_refund",
			ToolArgs:     map[string]any{"charge": "ch_123", "amount": 4200},
			ToolCategory: model.CategoryPayment,
		},
		want: model.RequireApproval,
	},
}

func runDemo(cmd *cobra.Command, args []string) error {
	eng, err := engine.New(engine.Options{})
	if err != nil {
		return err
	}
	ctx := context.Background()
	cc := model.CallContext{AgentID: "demo-agent", TenantID: "demo"}

	fmt.Fprintln(stdout, "=== dataguard demo ===")
	fmt.Fprintln(stdout)

	failed := false
	var held model.Decision
	for _, c := range demoCalls {
		d, err := eng.EvaluateActive(ctx, c.proposal, cc)
		if err != nil {
			return fmt.Errorf("%s: %w", c.label, err)
		}

		icon := "✓"
		if d.Verdict != c.want {
			icon = "✗"
			failed = true
		}
		fmt.Fprintf(stdout, "  %s %-20s %-17s %s\n", icon, c.label, d.Verdict, truncate(d.Reason, 60))
		if d.RewrittenCall != nil {
			rewritten, _ := json.Marshal(d.RewrittenCall.RewrittenToolArgs)
			fmt.Fprintf(stdout, "      rewritten: %s %s\n", d.RewrittenCall.RewrittenToolName, rewritten)
		}
		if d.RequiresHuman {
			held = d
		}
	}

	if held.DecisionID != "" {
		fmt.Fprintln(stdout)
		resolved, err := eng.ResolveApproval(ctx, held.DecisionID, true, "demo-reviewer")
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "  approval %s: %s\n", resolved.Verdict, resolved.Reason)
	}

	fmt.Fprintln(stdout)
	if failed {
		fmt.Fprintln(stdout, "FAIL: a call did not get its expected verdict.")
		os.Exit(1)
	}
	fmt.Fprintln(stdout, "PASS: every call got its expected verdict.")
	return nil
}
