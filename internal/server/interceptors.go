package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"path"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	guardianv1 "github.com/ppiankov/dataguard/api/guardian/v1"
	"github.com/ppiankov/dataguard/internal/config"
)

// APIKeyHeader is the metadata key carrying the caller's API key.
const APIKeyHeader = guardianv1.APIKeyHeader

// methodRoles lists the roles allowed to call each method besides admin.
var methodRoles = map[string][]string{
	guardianv1.MethodEvaluate:        {config.RoleAgent},
	guardianv1.MethodEvaluateBatch:   {config.RoleAgent},
	guardianv1.MethodReportOutcome:   {config.RoleAgent},
	guardianv1.MethodListPending:     {config.RoleViewer},
	guardianv1.MethodGetActivePolicy: {config.RoleAgent, config.RoleViewer},
}

type principalKey struct{}

func principalFrom(ctx context.Context) (config.APIKey, bool) {
	p, ok := ctx.Value(principalKey{}).(config.APIKey)
	return p, ok
}

func methodName(fullMethod string) string {
	return path.Base(fullMethod)
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	fields := []zap.Field{
		zap.String("method", methodName(info.FullMethod)),
		zap.String("code", code.String()),
		zap.Duration("duration", time.Since(start)),
	}
	switch code {
	case codes.OK:
		s.logger.Debug("rpc", fields...)
	case codes.Internal, codes.Unknown:
		s.logger.Error("rpc failed", append(fields, zap.Error(err))...)
	default:
		s.logger.Warn("rpc rejected", append(fields, zap.Error(err))...)
	}
	return resp, err
}

// authUnary checks the x-api-key metadata against the configured keys.
// With no keys configured every caller is allowed. Health is always open.
func (s *Server) authUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	method := methodName(info.FullMethod)
	if len(s.keys) == 0 || method == guardianv1.MethodHealth {
		return handler(ctx, req)
	}

	var presented string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(APIKeyHeader); len(v) > 0 {
			presented = v[0]
		}
	}
	if presented == "" {
		return nil, status.Error(codes.Unauthenticated, "missing api key")
	}
	key, ok := s.keys[presented]
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "invalid api key")
	}
	if !allowed(key.Role, method) {
		return nil, status.Errorf(codes.PermissionDenied, "role %s may not call %s", key.Role, method)
	}
	return handler(context.WithValue(ctx, principalKey{}, key), req)
}

func allowed(role, method string) bool {
	if role == config.RoleAdmin {
		return true
	}
	for _, r := range methodRoles[method] {
		if r == role {
			return true
		}
	}
	return false
}

// limitUnary applies the rate limit per API key, or per peer address when
// the caller is anonymous. A limiter backend failure admits the request.
func (s *Server) limitUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	method := methodName(info.FullMethod)
	if method == guardianv1.MethodHealth {
		return handler(ctx, req)
	}
	key := callerKey(ctx)
	res, err := s.limiter.Allow(ctx, key, s.now())
	if err != nil {
		s.logger.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
		return handler(ctx, req)
	}
	if res.Exceeded {
		s.metrics.ObserveRateLimited(method)
		return nil, status.Error(codes.ResourceExhausted, res.Reason)
	}
	return handler(ctx, req)
}

func callerKey(ctx context.Context) string {
	if p, ok := principalFrom(ctx); ok {
		sum := sha256.Sum256([]byte(p.Key))
		return "key:" + hex.EncodeToString(sum[:8])
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		host := p.Addr.String()
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		return "addr:" + host
	}
	return "addr:unknown"
}
