package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dataguard/internal/config"
	"github.com/ppiankov/dataguard/internal/engine"
	"github.com/ppiankov/dataguard/internal/model"
	"github.com/ppiankov/dataguard/internal/scenario"
)

var (
	checkScenario   string
	checkPolicyPath string
	checkFormat     string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&checkScenario, "scenario", "", "Glob pattern for scenario YAML files")
	checkCmd.Flags().StringVar(&checkPolicyPath, "policy", "", "Path to policy YAML (overrides config)")
	checkCmd.Flags().StringVarP(&checkFormat, "format", "f", "text", "Output format (text|json)")
}

var checkCmd = &cobra.Command{
	Use:   "check [proposal.json|-]",
	Short: "Evaluate a proposal or run scenario assertions locally",
	Long: "With a proposal file, evaluates it against the local policy and prints the decision.\n" +
		"The file holds {\"proposal\": {...}, \"context\": {...}}; \"-\" reads stdin.\n\n" +
		"With --scenario, loads scenario YAML files matching a glob pattern, evaluates\n" +
		"each case and reports pass/fail. Exit code 1 if any case fails.\n" +
		"Use in CI to gate policy changes.",
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

// proposalFile is the on-disk shape of a proposal to evaluate.
type proposalFile struct {
	Proposal model.Proposal    `json:"proposal"`
	Context  model.CallContext `json:"context"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	if checkScenario == "" && len(args) == 0 {
		return fmt.Errorf("pass a proposal file or --scenario")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if checkPolicyPath != "" {
		cfg.PolicyPath = checkPolicyPath
	}
	eng, err := localEngine(cfg)
	if err != nil {
		return err
	}

	if checkScenario != "" {
		failed, err := runScenarios(context.Background(), eng, checkScenario)
		if err != nil {
			return err
		}
		if failed {
			os.Exit(1)
		}
		return nil
	}
	return checkProposal(context.Background(), eng, args[0])
}

// localEngine builds an engine with the configured policy and no sinks,
// notifier or LLM: checks are offline and side-effect free.
func localEngine(cfg config.Config) (*engine.Engine, error) {
	local := config.Default()
	local.PolicyPath = cfg.PolicyPath
	st, err := buildStack(local, nil, nil)
	if err != nil {
		return nil, err
	}
	return st.engine, nil
}

func checkProposal(ctx context.Context, eng *engine.Engine, path string) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read proposal: %w", err)
	}

	var in proposalFile
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("parse proposal: %w", err)
	}
	if in.Context.AgentID == "" {
		in.Context.AgentID = "cli"
	}

	d, err := eng.EvaluateActive(ctx, in.Proposal, in.Context)
	if err != nil {
		return err
	}
	return printDecision(d, checkFormat)
}

func runScenarios(ctx context.Context, eng *engine.Engine, pattern string) (bool, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return false, fmt.Errorf("invalid glob pattern: %w", err)
	}
	if len(matches) == 0 {
		return false, fmt.Errorf("no scenario files match pattern: %s", pattern)
	}

	var results []*scenario.RunResult
	for _, path := range matches {
		r, err := scenario.LoadAndRun(ctx, path, eng)
		if err != nil {
			return false, err
		}
		results = append(results, r)
	}

	switch checkFormat {
	case "json":
		out, err := scenario.FormatJSON(results)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(stdout, out)
	default:
		fmt.Fprint(stdout, scenario.FormatText(results))
	}

	for _, r := range results {
		if r.Failed > 0 {
			return true, nil
		}
	}
	return false, nil
}

// printDecision renders a decision as text or JSON.
func printDecision(d model.Decision, format string) error {
	if format == "json" {
		out, err := json.MarshalIndent(d, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(out))
		return nil
	}

	fmt.Fprintf(stdout, "Verdict:   %s\n", d.Verdict)
	fmt.Fprintf(stdout, "Reason:    %s\n", d.Reason)
	if d.MatchedRuleID != "" {
		fmt.Fprintf(stdout, "Rule:      %s\n", d.MatchedRuleID)
	}
	fmt.Fprintf(stdout, "Risk:      %d", d.Risk.FinalScore)
	if len(d.Risk.Flags) > 0 {
		fmt.Fprintf(stdout, " %v", d.Risk.Flags)
	}
	fmt.Fprintln(stdout)
	if d.RewrittenCall != nil {
		args, _ := json.Marshal(d.RewrittenCall.RewrittenToolArgs)
		fmt.Fprintf(stdout, "Rewritten: %s %s\n", d.RewrittenCall.RewrittenToolName, args)
	}
	if d.RequiresHuman {
		fmt.Fprintf(stdout, "Approve:   dataguard approve %s\n", d.DecisionID)
	}
	if d.DecisionID != "" {
		fmt.Fprintf(stdout, "Decision:  %s\n", d.DecisionID)
	}
	return nil
}
