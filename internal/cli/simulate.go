package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dataguard/internal/sim"
)

var (
	simLog    string
	simPolicy string
	simAgent  string
	simFormat string
)

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVar(&simLog, "log", "", "Path to audit log (defaults to audit.log_path)")
	simulateCmd.Flags().StringVar(&simPolicy, "policy", "", "Path to candidate policy YAML (required)")
	simulateCmd.Flags().StringVar(&simAgent, "agent", "", "Agent ID override for all entries (optional)")
	simulateCmd.Flags().StringVarP(&simFormat, "format", "f", "text", "Output format (text|json)")
	simulateCmd.MarkFlagRequired("policy")
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay audit log against a candidate policy and show decision diffs",
	Long: "Reads the recorded audit log, re-evaluates each decision with a candidate\n" +
		"policy file and shows which verdicts would change.\n\n" +
		"Use this to preview policy changes before pushing them.",
	RunE: runSimulate,
}

func runSimulate(cmd *cobra.Command, args []string) error {
	logPath := simLog
	if logPath == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logPath = cfg.Audit.LogPath
	}
	if logPath == "" {
		return fmt.Errorf("no audit log: pass --log or set audit.log_path")
	}

	result, err := sim.Simulate(context.Background(), logPath, simPolicy, simAgent)
	if err != nil {
		return err
	}

	switch simFormat {
	case "json":
		out, err := sim.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, out)
	default:
		fmt.Fprint(stdout, sim.FormatText(result))
	}
	return nil
}
