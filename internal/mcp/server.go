// Package mcp exposes the decision engine to agents as MCP tools over stdio.
package mcp

import (
	"context"
	"errors"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/dataguard/internal/engine"
)

// DefaultAgentID identifies MCP callers that do not name themselves.
const DefaultAgentID = "mcp-client"

// Config holds MCP server configuration.
type Config struct {
	Engine   *engine.Engine
	AgentID  string
	TenantID string
	Version  string
	Logger   *zap.Logger
}

// Server wraps the MCP SDK server around an in-process engine.
type Server struct {
	mcpServer *mcpsdk.Server
	engine    *engine.Engine
	agentID   string
	tenantID  string
	logger    *zap.Logger
}

// New creates an MCP server with the dataguard tools registered.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("mcp: engine is required")
	}
	s := &Server{
		engine:   cfg.Engine,
		agentID:  cfg.AgentID,
		tenantID: cfg.TenantID,
		logger:   cfg.Logger,
	}
	if s.agentID == "" {
		s.agentID = DefaultAgentID
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "dataguard",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server starting", zap.String("agent_id", s.agentID))
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all dataguard tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "dataguard_evaluate",
		Description: "Evaluate a proposed tool call before running it. Returns allow, rewrite (run the rewritten call instead), require_approval or deny.",
	}, s.handleEvaluate)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "dataguard_resolve",
		Description: "Approve or reject a decision that returned require_approval.",
	}, s.handleResolve)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "dataguard_pending",
		Description: "List decisions waiting for human approval.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "dataguard_policy",
		Description: "Show the active policy: rules in evaluation order and risk thresholds.",
	}, s.handlePolicy)
}
