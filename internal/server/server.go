// Package server exposes the decision engine over gRPC as the
// dataguard.v1.Guardian service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	guardianv1 "github.com/ppiankov/dataguard/api/guardian/v1"
	"github.com/ppiankov/dataguard/internal/approval"
	"github.com/ppiankov/dataguard/internal/config"
	"github.com/ppiankov/dataguard/internal/engine"
	"github.com/ppiankov/dataguard/internal/metrics"
	"github.com/ppiankov/dataguard/internal/model"
	"github.com/ppiankov/dataguard/internal/policy"
	"github.com/ppiankov/dataguard/internal/ratelimit"
)

// DefaultMaxBatch bounds the items of one EvaluateBatch call.
const DefaultMaxBatch = 100

// Config holds gRPC server configuration.
type Config struct {
	Engine *engine.Engine
	// APIKeys indexed by key. Empty disables authentication.
	APIKeys  map[string]config.APIKey
	Limiter  ratelimit.Limiter
	Metrics  *metrics.Recorder
	Logger   *zap.Logger
	MaxBatch int
	Clock    func() time.Time
}

// Server implements the Guardian gRPC service.
type Server struct {
	engine   *engine.Engine
	keys     map[string]config.APIKey
	limiter  ratelimit.Limiter
	metrics  *metrics.Recorder
	logger   *zap.Logger
	maxBatch int
	now      func() time.Time

	grpcServer *grpc.Server
}

var _ guardianv1.GuardianServer = (*Server)(nil)

// New creates a gRPC server around an engine.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	s := &Server{
		engine:   cfg.Engine,
		keys:     cfg.APIKeys,
		limiter:  cfg.Limiter,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		maxBatch: cfg.MaxBatch,
		now:      cfg.Clock,
	}
	if s.limiter == nil {
		s.limiter = ratelimit.Unlimited{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.maxBatch <= 0 {
		s.maxBatch = DefaultMaxBatch
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(
		s.logUnary,
		s.authUnary,
		s.limitUnary,
	))
	guardianv1.RegisterGuardianServer(s.grpcServer, s)
	return s, nil
}

// Serve listens on addr and serves until stopped.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.ServeOn(lis)
}

// ServeOn serves on an existing listener.
func (s *Server) ServeOn(lis net.Listener) error {
	s.logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
	return s.grpcServer.Serve(lis)
}

// GracefulStop gracefully shuts down the gRPC server.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

// Evaluate implements the Evaluate RPC.
func (s *Server) Evaluate(ctx context.Context, req *guardianv1.EvaluateRequest) (*guardianv1.EvaluateResponse, error) {
	cc, err := scopeTenant(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	d, err := s.engine.EvaluateActive(ctx, req.Proposal, cc)
	if err != nil {
		return nil, toStatus(err)
	}
	return &guardianv1.EvaluateResponse{Decision: d}, nil
}

// EvaluateBatch implements the EvaluateBatch RPC. Item failures are reported
// per item; the call itself fails only on a malformed request.
func (s *Server) EvaluateBatch(ctx context.Context, req *guardianv1.EvaluateBatchRequest) (*guardianv1.EvaluateBatchResponse, error) {
	if len(req.Items) > s.maxBatch {
		return nil, status.Errorf(codes.InvalidArgument, "batch of %d exceeds the limit of %d", len(req.Items), s.maxBatch)
	}
	items := make([]engine.BatchItem, len(req.Items))
	for i, it := range req.Items {
		cc, err := scopeTenant(ctx, it.Context)
		if err != nil {
			return nil, err
		}
		items[i] = engine.BatchItem{Proposal: it.Proposal, Context: cc}
	}

	results := s.engine.EvaluateBatch(ctx, items)
	out := make([]guardianv1.BatchResult, len(results))
	for i, r := range results {
		if r.Err != nil {
			st := status.Convert(toStatus(r.Err))
			out[i] = guardianv1.BatchResult{Error: st.Message(), Code: st.Code().String()}
			continue
		}
		d := r.Decision
		out[i] = guardianv1.BatchResult{Decision: &d}
	}
	return &guardianv1.EvaluateBatchResponse{Results: out}, nil
}

// ResolveApproval implements the ResolveApproval RPC.
func (s *Server) ResolveApproval(ctx context.Context, req *guardianv1.ResolveApprovalRequest) (*guardianv1.ResolveApprovalResponse, error) {
	if req.DecisionID == "" {
		return nil, status.Error(codes.InvalidArgument, "decision_id is required")
	}
	d, err := s.engine.ResolveApproval(ctx, req.DecisionID, req.Approved, req.Reviewer)
	if err != nil {
		return nil, toStatus(err)
	}
	return &guardianv1.ResolveApprovalResponse{Decision: d}, nil
}

// ListPending implements the ListPending RPC. Non-admin callers only see
// their own tenant.
func (s *Server) ListPending(ctx context.Context, req *guardianv1.ListPendingRequest) (*guardianv1.ListPendingResponse, error) {
	tenant := req.TenantID
	if p, ok := principalFrom(ctx); ok && p.Role != config.RoleAdmin {
		tenant = p.TenantID
	}
	pending := s.engine.PendingApprovals()
	out := make([]approval.Approval, 0, len(pending))
	for _, a := range pending {
		if tenant == "" || a.TenantID == tenant {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return &guardianv1.ListPendingResponse{Approvals: out}, nil
}

// GetActivePolicy implements the GetActivePolicy RPC.
func (s *Server) GetActivePolicy(_ context.Context, _ *guardianv1.GetActivePolicyRequest) (*guardianv1.PolicyResponse, error) {
	return &guardianv1.PolicyResponse{Policy: s.engine.ActivePolicy(), Hash: s.engine.ActivePolicyHash()}, nil
}

// ReplaceActivePolicy implements the ReplaceActivePolicy RPC. An invalid
// document leaves the active policy in place.
func (s *Server) ReplaceActivePolicy(_ context.Context, req *guardianv1.ReplaceActivePolicyRequest) (*guardianv1.PolicyResponse, error) {
	if req.Document == "" {
		return nil, status.Error(codes.InvalidArgument, "document is required")
	}
	data := []byte(req.Document)
	spec, err := policy.Parse(data)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.engine.ReplaceActivePolicyWithHash(spec, policy.Hash(data)); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &guardianv1.PolicyResponse{Policy: s.engine.ActivePolicy(), Hash: s.engine.ActivePolicyHash()}, nil
}

// ReportOutcome implements the ReportOutcome RPC.
func (s *Server) ReportOutcome(ctx context.Context, req *guardianv1.ReportOutcomeRequest) (*guardianv1.ReportOutcomeResponse, error) {
	if err := s.engine.ReportOutcome(ctx, req.Outcome); err != nil {
		return nil, toStatus(err)
	}
	return &guardianv1.ReportOutcomeResponse{Accepted: true}, nil
}

// Health implements the Health RPC.
func (s *Server) Health(_ context.Context, _ *guardianv1.HealthRequest) (*guardianv1.HealthResponse, error) {
	spec := s.engine.ActivePolicy()
	return &guardianv1.HealthResponse{
		Status:           "ok",
		PolicyID:         spec.PolicyID,
		PolicyVersion:    spec.Version,
		PolicyHash:       s.engine.ActivePolicyHash(),
		PendingApprovals: s.engine.PendingApprovalCount(),
	}, nil
}

// ExpireApprovals runs approval housekeeping every interval until ctx is
// cancelled. Approvals pending longer than ttl are rejected and notify
// receives each non-empty batch. Approvals resolved more than retention ago
// are dropped. A zero ttl or retention disables that step.
func (s *Server) ExpireApprovals(ctx context.Context, ttl, retention, interval time.Duration, notify func([]model.Decision)) {
	if ttl <= 0 && retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ttl > 0 {
				if expired := s.engine.ExpireApprovals(ctx, ttl); len(expired) > 0 {
					s.logger.Info("approvals expired", zap.Int("count", len(expired)))
					if notify != nil {
						notify(expired)
					}
				}
			}
			if retention > 0 {
				s.engine.PruneApprovals(retention)
			}
		}
	}
}

// scopeTenant binds a call context to the caller's tenant. Admins and
// unauthenticated servers may name any tenant.
func scopeTenant(ctx context.Context, cc model.CallContext) (model.CallContext, error) {
	p, ok := principalFrom(ctx)
	if !ok || p.Role == config.RoleAdmin {
		return cc, nil
	}
	if cc.TenantID == "" {
		cc.TenantID = p.TenantID
		return cc, nil
	}
	if cc.TenantID != p.TenantID {
		return cc, status.Errorf(codes.PermissionDenied, "api key is not valid for tenant %s", cc.TenantID)
	}
	return cc, nil
}

// toStatus maps engine errors to gRPC status errors.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var cfgErr *policy.ConfigError
	switch {
	case errors.Is(err, engine.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, approval.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, approval.ErrAlreadyResolved):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &cfgErr):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
