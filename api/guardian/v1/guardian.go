// Package guardianv1 declares the dataguard.v1.Guardian gRPC service.
// Every message travels as a google.protobuf.Struct holding the JSON form
// of the request and response types below.
package guardianv1

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/dataguard/internal/approval"
	"github.com/ppiankov/dataguard/internal/model"
	"github.com/ppiankov/dataguard/internal/policy"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "dataguard.v1.Guardian"

// Method names.
const (
	MethodEvaluate            = "Evaluate"
	MethodEvaluateBatch       = "EvaluateBatch"
	MethodResolveApproval     = "ResolveApproval"
	MethodListPending         = "ListPending"
	MethodGetActivePolicy     = "GetActivePolicy"
	MethodReplaceActivePolicy = "ReplaceActivePolicy"
	MethodReportOutcome       = "ReportOutcome"
	MethodHealth              = "Health"
)

// APIKeyHeader is the metadata key carrying the caller's API key.
const APIKeyHeader = "x-api-key"

// FullMethod returns the gRPC path of a method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type EvaluateRequest struct {
	Proposal model.Proposal    `json:"proposal"`
	Context  model.CallContext `json:"context"`
}

type EvaluateResponse struct {
	Decision model.Decision `json:"decision"`
}

type EvaluateBatchRequest struct {
	Items []EvaluateRequest `json:"items"`
}

// BatchResult carries either a decision or the error of one batch item.
type BatchResult struct {
	Decision *model.Decision `json:"decision,omitempty"`
	Error    string          `json:"error,omitempty"`
	Code     string          `json:"code,omitempty"`
}

type EvaluateBatchResponse struct {
	Results []BatchResult `json:"results"`
}

type ResolveApprovalRequest struct {
	DecisionID string `json:"decision_id"`
	Approved   bool   `json:"approved"`
	Reviewer   string `json:"reviewer,omitempty"`
}

type ResolveApprovalResponse struct {
	Decision model.Decision `json:"decision"`
}

type ListPendingRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
}

type ListPendingResponse struct {
	Approvals []approval.Approval `json:"approvals"`
}

type GetActivePolicyRequest struct{}

type PolicyResponse struct {
	Policy *policy.Spec `json:"policy"`
	Hash   string       `json:"hash"`
}

// ReplaceActivePolicyRequest carries a YAML or JSON policy document.
type ReplaceActivePolicyRequest struct {
	Document string `json:"document"`
}

type ReportOutcomeRequest struct {
	Outcome model.Outcome `json:"outcome"`
}

type ReportOutcomeResponse struct {
	Accepted bool `json:"accepted"`
}

type HealthRequest struct{}

type HealthResponse struct {
	Status           string `json:"status"`
	PolicyID         string `json:"policy_id"`
	PolicyVersion    int    `json:"policy_version"`
	PolicyHash       string `json:"policy_hash"`
	PendingApprovals int    `json:"pending_approvals"`
}

// Encode converts a message to its wire form.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return s, nil
}

// Decode fills v from its wire form. A nil struct decodes as an empty object.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// GuardianServer is the server API for the Guardian service.
type GuardianServer interface {
	Evaluate(context.Context, *EvaluateRequest) (*EvaluateResponse, error)
	EvaluateBatch(context.Context, *EvaluateBatchRequest) (*EvaluateBatchResponse, error)
	ResolveApproval(context.Context, *ResolveApprovalRequest) (*ResolveApprovalResponse, error)
	ListPending(context.Context, *ListPendingRequest) (*ListPendingResponse, error)
	GetActivePolicy(context.Context, *GetActivePolicyRequest) (*PolicyResponse, error)
	ReplaceActivePolicy(context.Context, *ReplaceActivePolicyRequest) (*PolicyResponse, error)
	ReportOutcome(context.Context, *ReportOutcomeRequest) (*ReportOutcomeResponse, error)
	Health(context.Context, *HealthRequest) (*HealthResponse, error)
}

// ServiceDesc describes the Guardian service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GuardianServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodEvaluate, GuardianServer.Evaluate),
		unary(MethodEvaluateBatch, GuardianServer.EvaluateBatch),
		unary(MethodResolveApproval, GuardianServer.ResolveApproval),
		unary(MethodListPending, GuardianServer.ListPending),
		unary(MethodGetActivePolicy, GuardianServer.GetActivePolicy),
		unary(MethodReplaceActivePolicy, GuardianServer.ReplaceActivePolicy),
		unary(MethodReportOutcome, GuardianServer.ReportOutcome),
		unary(MethodHealth, GuardianServer.Health),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dataguard/v1/guardian.proto",
}

// RegisterGuardianServer registers srv on s.
func RegisterGuardianServer(s grpc.ServiceRegistrar, srv GuardianServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req, Resp any](method string, call func(GuardianServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handle := func(ctx context.Context, req any) (any, error) {
				var r Req
				if err := Decode(req.(*structpb.Struct), &r); err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "%s: %v", method, err)
				}
				resp, err := call(srv.(GuardianServer), ctx, &r)
				if err != nil {
					return nil, err
				}
				out, err := Encode(resp)
				if err != nil {
					return nil, status.Errorf(codes.Internal, "%s: %v", method, err)
				}
				return out, nil
			}
			if interceptor == nil {
				return handle(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return interceptor(ctx, in, info, handle)
		},
	}
}

// GuardianClient is the client API for the Guardian service.
type GuardianClient struct {
	cc grpc.ClientConnInterface
}

// NewGuardianClient returns a client using cc.
func NewGuardianClient(cc grpc.ClientConnInterface) *GuardianClient {
	return &GuardianClient{cc: cc}
}

func invoke[Req, Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req *Req, opts ...grpc.CallOption) (*Resp, error) {
	in, err := Encode(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := Decode(out, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *GuardianClient) Evaluate(ctx context.Context, req *EvaluateRequest, opts ...grpc.CallOption) (*EvaluateResponse, error) {
	return invoke[EvaluateRequest, EvaluateResponse](ctx, c.cc, MethodEvaluate, req, opts...)
}

func (c *GuardianClient) EvaluateBatch(ctx context.Context, req *EvaluateBatchRequest, opts ...grpc.CallOption) (*EvaluateBatchResponse, error) {
	return invoke[EvaluateBatchRequest, EvaluateBatchResponse](ctx, c.cc, MethodEvaluateBatch, req, opts...)
}

func (c *GuardianClient) ResolveApproval(ctx context.Context, req *ResolveApprovalRequest, opts ...grpc.CallOption) (*ResolveApprovalResponse, error) {
	return invoke[ResolveApprovalRequest, ResolveApprovalResponse](ctx, c.cc, MethodResolveApproval, req, opts...)
}

func (c *GuardianClient) ListPending(ctx context.Context, req *ListPendingRequest, opts ...grpc.CallOption) (*ListPendingResponse, error) {
	return invoke[ListPendingRequest, ListPendingResponse](ctx, c.cc, MethodListPending, req, opts...)
}

func (c *GuardianClient) GetActivePolicy(ctx context.Context, req *GetActivePolicyRequest, opts ...grpc.CallOption) (*PolicyResponse, error) {
	return invoke[GetActivePolicyRequest, PolicyResponse](ctx, c.cc, MethodGetActivePolicy, req, opts...)
}

func (c *GuardianClient) ReplaceActivePolicy(ctx context.Context, req *ReplaceActivePolicyRequest, opts ...grpc.CallOption) (*PolicyResponse, error) {
	return invoke[ReplaceActivePolicyRequest, PolicyResponse](ctx, c.cc, MethodReplaceActivePolicy, req, opts...)
}

func (c *GuardianClient) ReportOutcome(ctx context.Context, req *ReportOutcomeRequest, opts ...grpc.CallOption) (*ReportOutcomeResponse, error) {
	return invoke[ReportOutcomeRequest, ReportOutcomeResponse](ctx, c.cc, MethodReportOutcome, req, opts...)
}

func (c *GuardianClient) Health(ctx context.Context, req *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	return invoke[HealthRequest, HealthResponse](ctx, c.cc, MethodHealth, req, opts...)
}
