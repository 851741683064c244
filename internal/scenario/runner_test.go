package scenario

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/dataguard/internal/engine"
)

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.New(engine.Options{})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

func TestAllCasesPass(t *testing.T) {
	s := &Scenario{
		Name: "basic",
		Cases: []Case{
			{Call: Call{Tool: "read_file", Args: map[string]any{"path": "notes.txt"}}, Expect: "allow"},
			{Call: Call{Tool: "bash", Args: map[string]any{"command": "rm -rf /"}}, Expect: "deny", Rule: "deny-rm-rf"},
			{Call: Call{Tool: "pay_invoice", Category: "payment"}, Expect: "require_approval"},
			{Call: Call{Tool: "bash", Args: map[string]any{"command": "sudo apt update"}}, Expect: "REWRITE"},
		},
	}

	result := Run(context.Background(), s, testEngine(t))
	if result.Failed != 0 {
		t.Errorf("expected 0 failures, got %d; cases: %+v", result.Failed, result.Cases)
	}
	if result.Passed != 4 {
		t.Errorf("expected 4 passed, got %d", result.Passed)
	}
}

func TestFailedAssertionDetected(t *testing.T) {
	s := &Scenario{
		Name: "wrong expectation",
		Cases: []Case{
			{Call: Call{Tool: "read_file", Args: map[string]any{"path": "notes.txt"}}, Expect: "deny"},
		},
	}

	result := Run(context.Background(), s, testEngine(t))
	if result.Failed != 1 {
		t.Errorf("expected 1 failure, got %d", result.Failed)
	}
	if result.Passed != 0 {
		t.Errorf("expected 0 passed, got %d", result.Passed)
	}
}

func TestWrongRuleFails(t *testing.T) {
	s := &Scenario{
		Name: "wrong rule",
		Cases: []Case{
			{Call: Call{Tool: "bash", Args: map[string]any{"command": "rm -rf /"}}, Expect: "deny", Rule: "deny-drop-table"},
		},
	}

	result := Run(context.Background(), s, testEngine(t))
	if result.Failed != 1 {
		t.Fatalf("expected 1 failure, got %d", result.Failed)
	}
	c := result.Cases[0]
	if c.Actual != "deny" || c.MatchedRule != "deny-rm-rf" {
		t.Errorf("unexpected case result %+v", c)
	}

	out := FormatText([]*RunResult{result})
	if !strings.Contains(out, "rule deny-drop-table") {
		t.Errorf("expected rule mismatch in output, got:\n%s", out)
	}
}

func TestEvaluationErrorFailsCase(t *testing.T) {
	s := &Scenario{
		Name: "invalid",
		Cases: []Case{
			{Call: Call{Tool: ""}, Expect: "allow"},
			{Call: Call{Tool: "bash", Category: "teleport"}, Expect: "allow"},
		},
	}

	result := Run(context.Background(), s, testEngine(t))
	if result.Failed != 2 {
		t.Fatalf("expected 2 failures, got %d", result.Failed)
	}
	for _, c := range result.Cases {
		if c.Actual != "error" || c.Reason == "" {
			t.Errorf("expected error case, got %+v", c)
		}
	}
}

func TestLoadAndRunFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "test.yaml", `
name: "file test"
agent: ci
cases:
  - call: {tool: sql, args: {query: "DROP TABLE users"}}
    expect: deny
    rule: deny-drop-table
  - call:
      tool: send_email
      args:
        recipients: [a@x.io, b@x.io, c@x.io, d@x.io, e@x.io, f@x.io]
    expect: require_approval
    tenant: acme
`)

	result, err := LoadAndRun(context.Background(), path, testEngine(t))
	if err != nil {
		t.Fatal(err)
	}
	if result.Failed != 0 {
		t.Errorf("expected 0 failures, got %d; cases: %+v", result.Failed, result.Cases)
	}
	if result.File != path {
		t.Errorf("expected file path set, got %q", result.File)
	}
	if result.Name != "file test" {
		t.Errorf("expected name, got %q", result.Name)
	}
}

func TestInvalidScenarioYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "bad.yaml", ":::not yaml\x00")

	if _, err := LoadAndRun(context.Background(), path, testEngine(t)); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestMissingScenarioFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestEmptyCasesList(t *testing.T) {
	s := &Scenario{Name: "empty", Cases: []Case{}}

	result := Run(context.Background(), s, testEngine(t))
	if result.Total != 0 {
		t.Errorf("expected 0 total, got %d", result.Total)
	}
	if result.Failed != 0 {
		t.Errorf("expected 0 failed, got %d", result.Failed)
	}
}

func TestFormatJSON(t *testing.T) {
	s := &Scenario{
		Name:  "json",
		Cases: []Case{{Call: Call{Tool: "read_file"}, Expect: "allow"}},
	}
	out, err := FormatJSON([]*RunResult{Run(context.Background(), s, testEngine(t))})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"name": "json"`) || !strings.Contains(out, `"passed": 1`) {
		t.Errorf("unexpected JSON output:\n%s", out)
	}
}

func TestFormatTextSummary(t *testing.T) {
	results := []*RunResult{
		{Name: "a", Total: 2, Passed: 2},
		{Name: "b", Total: 1, Failed: 1, Cases: []CaseResult{{Index: 1, Tool: "bash", Expected: "allow", Actual: "deny", Reason: "nope"}}},
	}
	out := FormatText(results)
	for _, want := range []string{"Checking 2 scenario files", "PASS  a (2/2)", "FAIL  b (0/1)", "2 of 3 cases passed. 1 of 2 scenarios failed."} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}
