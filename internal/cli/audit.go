package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dataguard/internal/audit"
	"github.com/ppiankov/dataguard/internal/audit/sqlstore"
)

var (
	tailLines int

	replayDecision string
	replayProposal string
	replayTenant   string
	replayAgent    string
	replaySession  string
	replayFrom     string
	replayTo       string
	replayFormat   string

	queryDB     string
	queryFilter sqlstore.Filter
	querySince  string
	queryUntil  string
	statsTenant string
	statsSince  string
	queryFormat string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd, auditTailCmd, auditReplayCmd, auditQueryCmd, auditStatsCmd)

	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")

	auditReplayCmd.Flags().StringVar(&replayDecision, "decision", "", "Only this decision id")
	auditReplayCmd.Flags().StringVar(&replayProposal, "proposal", "", "Only this proposal id")
	auditReplayCmd.Flags().StringVar(&replayTenant, "tenant", "", "Only this tenant")
	auditReplayCmd.Flags().StringVar(&replayAgent, "agent", "", "Only this agent")
	auditReplayCmd.Flags().StringVar(&replaySession, "session", "", "Only this session")
	auditReplayCmd.Flags().StringVar(&replayFrom, "from", "", "Start time filter (RFC3339)")
	auditReplayCmd.Flags().StringVar(&replayTo, "to", "", "End time filter (RFC3339)")
	auditReplayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")

	for _, cmd := range []*cobra.Command{auditQueryCmd, auditStatsCmd} {
		cmd.Flags().StringVar(&queryDB, "db", "", "SQLite audit database (default: audit.sqlite from config)")
	}
	auditQueryCmd.Flags().StringVar(&queryFilter.TenantID, "tenant", "", "Filter by tenant")
	auditQueryCmd.Flags().StringVar(&queryFilter.AgentID, "agent", "", "Filter by agent")
	auditQueryCmd.Flags().StringVar(&queryFilter.SessionID, "session", "", "Filter by session")
	auditQueryCmd.Flags().StringVar(&queryFilter.Verdict, "verdict", "", "Filter by verdict")
	auditQueryCmd.Flags().StringVar(&queryFilter.ToolName, "tool", "", "Filter by tool name")
	auditQueryCmd.Flags().StringVar(&querySince, "since", "", "Only rows at or after this time (RFC3339)")
	auditQueryCmd.Flags().StringVar(&queryUntil, "until", "", "Only rows before this time (RFC3339)")
	auditQueryCmd.Flags().IntVar(&queryFilter.Limit, "limit", 50, "Maximum rows (at most 500)")
	auditQueryCmd.Flags().IntVar(&queryFilter.Offset, "offset", 0, "Rows to skip")
	auditQueryCmd.Flags().StringVarP(&queryFormat, "format", "f", "text", "Output format (text|json)")

	auditStatsCmd.Flags().StringVar(&statsTenant, "tenant", "", "Only this tenant")
	auditStatsCmd.Flags().StringVar(&statsSince, "since", "", "Only rows at or after this time (RFC3339)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit log and the SQLite audit database.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify hash chain integrity of an audit log",
	Long:  "Walks the JSONL audit log and validates that every entry's prev_hash\nmatches the SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail <path>",
	Short: "Show recent audit log entries",
	Long:  "Reads the last N entries from the JSONL audit log and pretty-prints them.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditTail,
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay <path>",
	Short: "Replay decisions from the audit log",
	Long:  "Reads the audit log, filters by decision, proposal, session, agent, tenant\nand time range, and renders a decision timeline with summary.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditReplay,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query decisions in the SQLite audit database",
	RunE:  runAuditQuery,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize decisions in the SQLite audit database",
	RunE:  runAuditStats,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	result := audit.Verify(args[0])
	if result.Valid {
		fmt.Fprintf(stdout, "OK: %d entries verified\n", result.Lines)
		for _, kind := range []string{audit.KindDecision, audit.KindResolution, audit.KindOutcome} {
			if n := result.Kinds[kind]; n > 0 {
				fmt.Fprintf(stdout, "  %-10s %d\n", kind, n)
			}
		}
		if result.Head != "" {
			fmt.Fprintf(stdout, "Head: %s\n", result.Head)
		}
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	os.Exit(1)
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	// Read all lines, keep last N
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}

	start := len(lines) - tailLines
	if start < 0 {
		start = 0
	}

	for _, line := range lines[start:] {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			fmt.Fprintln(stdout, line)
			continue
		}
		out, _ := json.MarshalIndent(entry, "", "  ")
		fmt.Fprintln(stdout, string(out))
	}

	return nil
}

func runAuditReplay(cmd *cobra.Command, args []string) error {
	filter := audit.ReplayFilter{
		DecisionID: replayDecision,
		ProposalID: replayProposal,
		TenantID:   replayTenant,
		AgentID:    replayAgent,
		SessionID:  replaySession,
	}

	var err error
	if filter.From, err = parseTimeFlag("from", replayFrom); err != nil {
		return err
	}
	if filter.To, err = parseTimeFlag("to", replayTo); err != nil {
		return err
	}

	result, err := audit.Replay(args[0], filter)
	if err != nil {
		return err
	}

	switch replayFormat {
	case "json":
		out, err := audit.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, out)
	default:
		fmt.Fprint(stdout, audit.FormatTimeline(result))
	}

	return nil
}

// openAuditDB opens --db or the database named in config.
func openAuditDB() (*sqlstore.Store, error) {
	path := queryDB
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Audit.SQLitePath
	}
	if path == "" {
		return nil, fmt.Errorf("no audit database: pass --db or set audit.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audit database: %w", err)
	}
	return sqlstore.Open(path)
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	f := queryFilter
	var err error
	if f.Since, err = parseTimeFlag("since", querySince); err != nil {
		return err
	}
	if f.Until, err = parseTimeFlag("until", queryUntil); err != nil {
		return err
	}

	store, err := openAuditDB()
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := store.Query(context.Background(), f)
	if err != nil {
		return err
	}

	if queryFormat == "json" {
		out, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(out))
		return nil
	}

	if len(rows) == 0 {
		fmt.Fprintln(stdout, "No matching decisions.")
		return nil
	}
	fmt.Fprintf(stdout, "%-20s %-36s %-18s %-16s %-5s %s\n", "CREATED", "DECISION", "TOOL", "VERDICT", "RISK", "RULE")
	for _, r := range rows {
		verdict := r.Verdict
		if r.ResolvedVerdict != "" {
			verdict += ">" + r.ResolvedVerdict
		}
		fmt.Fprintf(stdout, "%-20s %-36s %-18s %-16s %-5d %s\n",
			truncate(r.CreatedAt, 20),
			r.DecisionID,
			truncate(r.ToolName, 18),
			verdict,
			r.FinalScore,
			r.MatchedRuleID,
		)
	}
	return nil
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	since, err := parseTimeFlag("since", statsSince)
	if err != nil {
		return err
	}

	store, err := openAuditDB()
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(context.Background(), statsTenant, since)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(out))
	return nil
}

func parseTimeFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s time %q: %w", name, value, err)
	}
	return t, nil
}
