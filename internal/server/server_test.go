package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	guardianv1 "github.com/ppiankov/dataguard/api/guardian/v1"
	"github.com/ppiankov/dataguard/internal/approval"
	"github.com/ppiankov/dataguard/internal/config"
	"github.com/ppiankov/dataguard/internal/engine"
	"github.com/ppiankov/dataguard/internal/metrics"
	"github.com/ppiankov/dataguard/internal/model"
	"github.com/ppiankov/dataguard/internal/ratelimit"
)

const customPolicy = `policy_id: custom
version: 2
rules:
  - rule_id: deny-all-bash
    match:
      tool_name: {eq: bash}
    action: deny
    reason: no shell
`

const brokenPolicy = `policy_id: broken
version: 1
rules:
  - rule_id: r1
    match: {tool_name: {eq: bash}}
    action: rewrite
`

// testServer spins up an in-process gRPC server on a random port and returns a client.
func testServer(t *testing.T, cfg Config) (*guardianv1.GuardianClient, *Server) {
	t.Helper()

	if cfg.Engine == nil {
		eng, err := engine.New(engine.Options{})
		if err != nil {
			t.Fatalf("engine.New: %v", err)
		}
		cfg.Engine = eng
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.ServeOn(lis)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		srv.GracefulStop()
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		srv.GracefulStop()
	})
	return guardianv1.NewGuardianClient(conn), srv
}

func evalReq(tool string, args map[string]any) *guardianv1.EvaluateRequest {
	return &guardianv1.EvaluateRequest{
		Proposal: model.Proposal{ToolName: tool, ToolArgs: args},
		Context:  model.CallContext{AgentID: "agent-1"},
	}
}

func massEmail(tenant string) *guardianv1.EvaluateRequest {
	req := evalReq("send_email", map[string]any{
		"recipients": []any{"a@x.io", "b@x.io", "c@x.io", "d@x.io", "e@x.io", "f@x.io"},
	})
	req.Context.TenantID = tenant
	return req
}

func withKey(key string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), APIKeyHeader, key)
}

func expectCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if got := status.Code(err); got != want {
		t.Fatalf("expected code %s, got %s (%v)", want, got, err)
	}
}

func TestEvaluateDeniesRmRf(t *testing.T) {
	client, _ := testServer(t, Config{})

	resp, err := client.Evaluate(context.Background(), evalReq("bash", map[string]any{"command": "rm -rf /"}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	d := resp.Decision
	if d.Verdict != model.Deny {
		t.Errorf("expected deny, got %s", d.Verdict)
	}
	if d.MatchedRuleID != "deny-rm-rf" {
		t.Errorf("expected deny-rm-rf, got %s", d.MatchedRuleID)
	}
	if d.Risk.DeterministicScore == nil || *d.Risk.DeterministicScore != 100 {
		t.Errorf("expected deterministic score 100, got %v", d.Risk.DeterministicScore)
	}
	if d.DecisionID == "" || d.ProposalID == "" {
		t.Error("expected minted ids")
	}
}

func TestEvaluateRewritesSudo(t *testing.T) {
	client, _ := testServer(t, Config{})

	resp, err := client.Evaluate(context.Background(), evalReq("bash", map[string]any{"command": "sudo apt update"}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	d := resp.Decision
	if d.Verdict != model.Rewrite {
		t.Fatalf("expected rewrite, got %s", d.Verdict)
	}
	if d.RewrittenCall == nil || d.RewrittenCall.RewriteRuleID != "neutralize-sudo" {
		t.Fatalf("expected neutralize-sudo rewrite, got %+v", d.RewrittenCall)
	}
	if cmd, _ := d.RewrittenCall.RewrittenToolArgs["command"].(string); strings.HasPrefix(cmd, "sudo") {
		t.Errorf("expected sudo removed, got %q", cmd)
	}
}

func TestEvaluateInvalidInput(t *testing.T) {
	client, _ := testServer(t, Config{})

	_, err := client.Evaluate(context.Background(), evalReq("", nil))
	expectCode(t, err, codes.InvalidArgument)

	req := evalReq("bash", nil)
	req.Context.AgentID = ""
	_, err = client.Evaluate(context.Background(), req)
	expectCode(t, err, codes.InvalidArgument)
}

func TestEvaluateBatchPerItemErrors(t *testing.T) {
	client, _ := testServer(t, Config{})

	resp, err := client.EvaluateBatch(context.Background(), &guardianv1.EvaluateBatchRequest{
		Items: []guardianv1.EvaluateRequest{
			*evalReq("bash", map[string]any{"command": "rm -rf /tmp"}),
			*evalReq("", nil),
			*evalReq("read_file", map[string]any{"path": "README.md"}),
		},
	})
	if err != nil {
		t.Fatalf("EvaluateBatch: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(resp.Results))
	}
	if resp.Results[0].Decision == nil || resp.Results[0].Decision.Verdict != model.Deny {
		t.Errorf("expected item 0 deny, got %+v", resp.Results[0])
	}
	if resp.Results[1].Decision != nil || resp.Results[1].Code != codes.InvalidArgument.String() {
		t.Errorf("expected item 1 InvalidArgument, got %+v", resp.Results[1])
	}
	if resp.Results[2].Decision == nil || resp.Results[2].Decision.Verdict != model.Allow {
		t.Errorf("expected item 2 allow, got %+v", resp.Results[2])
	}
}

func TestEvaluateBatchTooLarge(t *testing.T) {
	client, _ := testServer(t, Config{MaxBatch: 1})

	_, err := client.EvaluateBatch(context.Background(), &guardianv1.EvaluateBatchRequest{
		Items: []guardianv1.EvaluateRequest{*evalReq("a", nil), *evalReq("b", nil)},
	})
	expectCode(t, err, codes.InvalidArgument)
}

func TestApprovalFlow(t *testing.T) {
	client, _ := testServer(t, Config{})
	ctx := context.Background()

	resp, err := client.Evaluate(ctx, massEmail(""))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	d := resp.Decision
	if d.Verdict != model.RequireApproval || !d.RequiresHuman {
		t.Fatalf("expected require_approval, got %s", d.Verdict)
	}

	pending, err := client.ListPending(ctx, &guardianv1.ListPendingRequest{})
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending.Approvals) != 1 || pending.Approvals[0].DecisionID != d.DecisionID {
		t.Fatalf("expected the decision pending, got %+v", pending.Approvals)
	}

	res, err := client.ResolveApproval(ctx, &guardianv1.ResolveApprovalRequest{DecisionID: d.DecisionID, Approved: true, Reviewer: "alice"})
	if err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if res.Decision.Verdict != model.Allow {
		t.Errorf("expected allow, got %s", res.Decision.Verdict)
	}
	if !strings.HasPrefix(res.Decision.Reason, "Approved by alice.") {
		t.Errorf("unexpected reason: %s", res.Decision.Reason)
	}

	_, err = client.ResolveApproval(ctx, &guardianv1.ResolveApprovalRequest{DecisionID: d.DecisionID, Approved: false})
	expectCode(t, err, codes.FailedPrecondition)

	_, err = client.ResolveApproval(ctx, &guardianv1.ResolveApprovalRequest{DecisionID: "missing"})
	expectCode(t, err, codes.NotFound)

	_, err = client.ResolveApproval(ctx, &guardianv1.ResolveApprovalRequest{})
	expectCode(t, err, codes.InvalidArgument)

	pending, _ = client.ListPending(ctx, &guardianv1.ListPendingRequest{})
	if len(pending.Approvals) != 0 {
		t.Errorf("expected nothing pending, got %d", len(pending.Approvals))
	}
}

func TestReplaceActivePolicy(t *testing.T) {
	client, _ := testServer(t, Config{})
	ctx := context.Background()

	before, err := client.GetActivePolicy(ctx, &guardianv1.GetActivePolicyRequest{})
	if err != nil {
		t.Fatalf("GetActivePolicy: %v", err)
	}
	if before.Policy.PolicyID != "default" || len(before.Policy.Rules) == 0 {
		t.Fatalf("expected default policy, got %+v", before.Policy)
	}

	_, err = client.ReplaceActivePolicy(ctx, &guardianv1.ReplaceActivePolicyRequest{Document: brokenPolicy})
	expectCode(t, err, codes.InvalidArgument)

	_, err = client.ReplaceActivePolicy(ctx, &guardianv1.ReplaceActivePolicyRequest{})
	expectCode(t, err, codes.InvalidArgument)

	after, err := client.ReplaceActivePolicy(ctx, &guardianv1.ReplaceActivePolicyRequest{Document: customPolicy})
	if err != nil {
		t.Fatalf("ReplaceActivePolicy: %v", err)
	}
	if after.Policy.PolicyID != "custom" || after.Hash == before.Hash {
		t.Errorf("expected custom policy with new hash, got %s %s", after.Policy.PolicyID, after.Hash)
	}

	resp, err := client.Evaluate(ctx, evalReq("bash", map[string]any{"command": "ls"}))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision.MatchedRuleID != "deny-all-bash" || resp.Decision.PolicyID != "custom" {
		t.Errorf("expected custom rule to apply, got %s from %s", resp.Decision.MatchedRuleID, resp.Decision.PolicyID)
	}
}

func TestReportOutcome(t *testing.T) {
	client, _ := testServer(t, Config{})
	ctx := context.Background()

	resp, err := client.ReportOutcome(ctx, &guardianv1.ReportOutcomeRequest{
		Outcome: model.Outcome{ProposalID: "p-1", ToolName: "bash", Success: true, ExecutionDurationMS: 12},
	})
	if err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	if !resp.Accepted {
		t.Error("expected accepted")
	}

	_, err = client.ReportOutcome(ctx, &guardianv1.ReportOutcomeRequest{Outcome: model.Outcome{ToolName: "bash"}})
	expectCode(t, err, codes.InvalidArgument)
}

func TestHealth(t *testing.T) {
	client, _ := testServer(t, Config{})

	resp, err := client.Health(context.Background(), &guardianv1.HealthRequest{})
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if resp.Status != "ok" || resp.PolicyID != "default" || resp.PolicyVersion != 1 {
		t.Errorf("unexpected health: %+v", resp)
	}
	if !strings.HasPrefix(resp.PolicyHash, "sha256:") {
		t.Errorf("expected sha256 hash, got %s", resp.PolicyHash)
	}
}

func testKeys() map[string]config.APIKey {
	return map[string]config.APIKey{
		"admin-key":  {Key: "admin-key", TenantID: "default", Role: config.RoleAdmin},
		"agent-key":  {Key: "agent-key", TenantID: "acme", Role: config.RoleAgent},
		"viewer-key": {Key: "viewer-key", TenantID: "acme", Role: config.RoleViewer},
	}
}

func TestAuth(t *testing.T) {
	client, _ := testServer(t, Config{APIKeys: testKeys()})
	ls := evalReq("read_file", map[string]any{"path": "a"})

	_, err := client.Evaluate(context.Background(), ls)
	expectCode(t, err, codes.Unauthenticated)

	_, err = client.Evaluate(withKey("nope"), ls)
	expectCode(t, err, codes.Unauthenticated)

	if _, err := client.Evaluate(withKey("agent-key"), ls); err != nil {
		t.Errorf("expected agent allowed to evaluate, got %v", err)
	}
	_, err = client.ReplaceActivePolicy(withKey("agent-key"), &guardianv1.ReplaceActivePolicyRequest{Document: customPolicy})
	expectCode(t, err, codes.PermissionDenied)

	_, err = client.Evaluate(withKey("viewer-key"), ls)
	expectCode(t, err, codes.PermissionDenied)
	if _, err := client.ListPending(withKey("viewer-key"), &guardianv1.ListPendingRequest{}); err != nil {
		t.Errorf("expected viewer allowed to list, got %v", err)
	}

	if _, err := client.Health(context.Background(), &guardianv1.HealthRequest{}); err != nil {
		t.Errorf("expected health open without key, got %v", err)
	}
}

func TestTenantScoping(t *testing.T) {
	client, _ := testServer(t, Config{APIKeys: testKeys()})

	_, err := client.Evaluate(withKey("agent-key"), massEmail("globex"))
	expectCode(t, err, codes.PermissionDenied)

	if _, err := client.Evaluate(withKey("agent-key"), massEmail("")); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if _, err := client.Evaluate(withKey("admin-key"), massEmail("globex")); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	viewer, err := client.ListPending(withKey("viewer-key"), &guardianv1.ListPendingRequest{TenantID: "globex"})
	if err != nil {
		t.Fatal(err)
	}
	if len(viewer.Approvals) != 1 || viewer.Approvals[0].TenantID != "acme" {
		t.Errorf("expected viewer to see only acme, got %+v", viewer.Approvals)
	}

	admin, err := client.ListPending(withKey("admin-key"), &guardianv1.ListPendingRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(admin.Approvals) != 2 {
		t.Errorf("expected admin to see 2, got %d", len(admin.Approvals))
	}
}

func TestRateLimit(t *testing.T) {
	reg := prometheus.NewRegistry()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client, _ := testServer(t, Config{
		Limiter: ratelimit.NewLocal(ratelimit.Limit{MaxRequests: 2, Window: time.Minute}),
		Metrics: metrics.NewRecorder(reg),
		Clock:   func() time.Time { return fixed },
	})
	req := evalReq("read_file", map[string]any{"path": "a"})

	for i := 0; i < 2; i++ {
		if _, err := client.Evaluate(context.Background(), req); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	_, err := client.Evaluate(context.Background(), req)
	expectCode(t, err, codes.ResourceExhausted)

	if _, err := client.Health(context.Background(), &guardianv1.HealthRequest{}); err != nil {
		t.Errorf("expected health exempt from rate limit, got %v", err)
	}
	if n, err := testutil.GatherAndCount(reg, "dataguard_rate_limited_total"); err != nil || n != 1 {
		t.Errorf("expected one rate limited series, got %d (%v)", n, err)
	}
}

func TestHTTPHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)
	eng, err := engine.New(engine.Options{Metrics: rec})
	if err != nil {
		t.Fatal(err)
	}
	_, srv := testServer(t, Config{Engine: eng, Metrics: rec})

	ts := httptest.NewServer(srv.HTTPHandler(reg))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("unexpected healthz: %d %s", resp.StatusCode, body)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "dataguard_pending_approvals") {
		t.Errorf("expected dataguard metrics, got %s", body)
	}
}

func TestExpireApprovalsLoop(t *testing.T) {
	eng, err := engine.New(engine.Options{})
	if err != nil {
		t.Fatal(err)
	}
	client, srv := testServer(t, Config{Engine: eng})
	if _, err := client.Evaluate(context.Background(), massEmail("")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan []model.Decision, 1)
	go srv.ExpireApprovals(ctx, time.Nanosecond, 0, 10*time.Millisecond, func(ds []model.Decision) {
		got <- ds
	})

	select {
	case ds := <-got:
		if len(ds) != 1 || ds[0].Verdict != model.Deny {
			t.Errorf("expected one expired deny, got %+v", ds)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for expiry")
	}
}

func TestResolvedApprovalsPrunedAfterRetention(t *testing.T) {
	var clock atomic.Int64
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock.Store(start.UnixNano())
	eng, err := engine.New(engine.Options{Clock: func() time.Time { return time.Unix(0, clock.Load()).UTC() }})
	if err != nil {
		t.Fatal(err)
	}
	client, srv := testServer(t, Config{Engine: eng})
	ctx := context.Background()

	resolved, err := client.Evaluate(ctx, massEmail(""))
	if err != nil {
		t.Fatal(err)
	}
	open, err := client.Evaluate(ctx, massEmail(""))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.ResolveApproval(ctx, &guardianv1.ResolveApprovalRequest{DecisionID: resolved.Decision.DecisionID, Approved: true, Reviewer: "alice"}); err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go srv.ExpireApprovals(loopCtx, 0, time.Hour, 10*time.Millisecond, nil)

	time.Sleep(50 * time.Millisecond)
	if _, err := eng.Approval(resolved.Decision.DecisionID); err != nil {
		t.Fatalf("expected resolved approval kept within retention: %v", err)
	}

	clock.Store(start.Add(2 * time.Hour).UnixNano())
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := eng.Approval(resolved.Decision.DecisionID)
		if errors.Is(err, approval.ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected resolved approval pruned, got %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	a, err := eng.Approval(open.Decision.DecisionID)
	if err != nil || a.Status != approval.StatusPending {
		t.Errorf("expected pending approval kept, got %+v (%v)", a, err)
	}
	health, err := client.Health(ctx, &guardianv1.HealthRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if health.PendingApprovals != 1 {
		t.Errorf("expected 1 pending approval, got %d", health.PendingApprovals)
	}
}
