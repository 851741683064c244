package scenario

// Call is the proposed tool call under test.
type Call struct {
	Tool            string         `yaml:"tool" json:"tool"`
	Args            map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
	Category        string         `yaml:"category,omitempty" json:"category,omitempty"`
	IntendedOutcome string         `yaml:"intended_outcome,omitempty" json:"intended_outcome,omitempty"`
}

// Case is one test case within a scenario.
type Case struct {
	Call   Call   `yaml:"call"`
	Expect string `yaml:"expect"`
	// Rule, when set, must equal the decision's matched_rule_id.
	Rule   string `yaml:"rule,omitempty"`
	Agent  string `yaml:"agent,omitempty"`
	Tenant string `yaml:"tenant,omitempty"`
}

// Scenario is a named collection of policy test cases.
type Scenario struct {
	Name  string `yaml:"name"`
	Agent string `yaml:"agent,omitempty"`
	Cases []Case `yaml:"cases"`
}

// CaseResult is the outcome of evaluating one test case.
type CaseResult struct {
	Index        int    `json:"index"`
	Passed       bool   `json:"passed"`
	Tool         string `json:"tool"`
	Expected     string `json:"expected"`
	Actual       string `json:"actual"`
	ExpectedRule string `json:"expected_rule,omitempty"`
	MatchedRule  string `json:"matched_rule,omitempty"`
	Reason       string `json:"reason"`
}

// RunResult is the outcome of running all cases in one scenario file.
type RunResult struct {
	File   string       `json:"file"`
	Name   string       `json:"name"`
	Total  int          `json:"total"`
	Passed int          `json:"passed"`
	Failed int          `json:"failed"`
	Cases  []CaseResult `json:"cases"`
}
