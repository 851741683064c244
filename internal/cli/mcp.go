package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	dgmcp "github.com/ppiankov/dataguard/internal/mcp"
)

var (
	mcpPolicy string
	mcpAgent  string
	mcpTenant string
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpPolicy, "policy", "", "Path to policy YAML (overrides config)")
	mcpCmd.Flags().StringVar(&mcpAgent, "agent", dgmcp.DefaultAgentID, "Agent id recorded for evaluations")
	mcpCmd.Flags().StringVar(&mcpTenant, "tenant", "", "Tenant id recorded for evaluations")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long: "Runs dataguard as an MCP (Model Context Protocol) server over stdio with an\n" +
		"in-process engine. Exposes tools: dataguard_evaluate, dataguard_resolve,\n" +
		"dataguard_pending, dataguard_policy.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if mcpPolicy != "" {
		cfg.PolicyPath = mcpPolicy
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := buildStack(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	srv, err := dgmcp.New(dgmcp.Config{
		Engine:   st.engine,
		AgentID:  mcpAgent,
		TenantID: mcpTenant,
		Version:  Version,
		Logger:   logger.Named("mcp"),
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
		cancel()
	}()

	spec := st.engine.ActivePolicy()
	fmt.Fprintln(os.Stderr, "dataguard MCP server running on stdio")
	fmt.Fprintf(os.Stderr, "Policy: %s v%d\n", spec.PolicyID, spec.Version)
	fmt.Fprintln(os.Stderr)

	return srv.Run(ctx)
}
