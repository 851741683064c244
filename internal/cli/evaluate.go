package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dataguard/internal/model"
)

var (
	evalArgs     string
	evalCategory string
	evalAgent    string
	evalTenant   string
	evalSession  string
	evalOutcome  string
	evalFormat   string
)

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().StringVar(&evalArgs, "args", "{}", "Tool arguments as a JSON object")
	evaluateCmd.Flags().StringVar(&evalCategory, "category", "", "Tool category")
	evaluateCmd.Flags().StringVar(&evalAgent, "agent", "cli", "Agent id")
	evaluateCmd.Flags().StringVar(&evalTenant, "tenant", "", "Tenant id")
	evaluateCmd.Flags().StringVar(&evalSession, "session", "", "Session id")
	evaluateCmd.Flags().StringVar(&evalOutcome, "intended-outcome", "", "What the call is meant to achieve")
	evaluateCmd.Flags().StringVarP(&evalFormat, "format", "f", "text", "Output format (text|json)")
	addRemoteFlags(evaluateCmd)
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <tool-name>",
	Short: "Ask a policy server for a decision",
	Long: "Sends one proposed tool call to a running policy server and prints the decision.\n" +
		"Fail-closed: an unreachable server yields deny.",
	Example: `  dataguard evaluate bash --args '{"command":"rm -rf /tmp/x"}'`,
	Args:    cobra.ExactArgs(1),
	RunE:    runEvaluate,
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	var toolArgs map[string]any
	if err := json.Unmarshal([]byte(evalArgs), &toolArgs); err != nil {
		return fmt.Errorf("invalid --args: %w", err)
	}
	category, err := model.ParseCategory(evalCategory)
	if err != nil {
		return err
	}

	c, err := dialServer()
	if err != nil {
		return err
	}
	defer c.Close()

	d, err := c.Evaluate(context.Background(), model.Proposal{
		ToolName:        args[0],
		ToolArgs:        toolArgs,
		ToolCategory:    category,
		IntendedOutcome: evalOutcome,
	}, model.CallContext{
		AgentID:   evalAgent,
		TenantID:  evalTenant,
		SessionID: evalSession,
	})
	if err != nil {
		return err
	}
	return printDecision(d, evalFormat)
}
