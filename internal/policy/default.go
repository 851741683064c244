package policy

import "fmt"

// DefaultSpec returns the built-in policy. Each call returns a fresh,
// unvalidated copy.
func DefaultSpec() *Spec {
	spec, err := Parse([]byte(DefaultSpecYAML()))
	if err != nil {
		panic(fmt.Sprintf("built-in policy does not parse: %v", err))
	}
	return spec
}

// DefaultSpecYAML returns a commented YAML string for init-policy.
func DefaultSpecYAML() string {
	return `# dataguard policy
# Generated by: dataguard init-policy
#
# Evaluation order (cannot be changed):
#   1. Rules below, top to bottom. First match wins; later rules are never consulted.
#   2. No match -> risk scoring, then risk_thresholds decide the verdict.

policy_id: default
version: 1
description: Built-in policy for shell, database, HTTP, messaging and payment tools
scope: [tool_call, message_send]

# Score -> verdict when no rule matches.
# score <= allow_max -> allow
# allow_max < score <= rewrite_confirm_max -> rewrite if a transform applies, else require_approval
# score >= block_approval_min -> require_approval
risk_thresholds:
  allow_max: 30
  rewrite_confirm_min: 31
  rewrite_confirm_max: 60
  block_approval_min: 61

# Fields:
#   rule_id: unique id, reported as matched_rule_id
#   match: tool_name / tool_category ({in|eq|not_in}), tool_args_contains ({pattern}),
#          tool_args_field_check ({field, condition, value}); all present predicates must hold
#   action: allow | deny | require_approval | rewrite
#   rewrite_rule_id: registered transform (required if action is rewrite, see: dataguard rewrites)
rules:
  - rule_id: deny-rm-rf
    description: Block recursive or forced deletes
    match:
      tool_name: {in: [bash, shell, terminal]}
      tool_args_field_check: {field: command, condition: matches, value: '\brm\s+-[a-zA-Z]*[rRf]'}
    action: deny
    reason: Recursive or forced file deletion is not allowed

  - rule_id: deny-drop-table
    description: Block destructive DDL
    match:
      tool_name: {in: [database, sql, query]}
      tool_args_contains: {pattern: '(?i)\bdrop\s+(table|database|schema)\b'}
    action: deny
    reason: Dropping tables, databases or schemas is not allowed

  - rule_id: deny-secret-in-url
    description: Block credentials in query strings
    match:
      tool_name: {in: [http, http_request, http_fetch, curl]}
      tool_args_field_check: {field: url, condition: matches, value: '(?i)[?&](api[_-]?key|apikey|token|secret|password)='}
    action: deny
    reason: Credentials must not be sent in URLs

  - rule_id: require-approval-payment
    description: Human sign-off for payments
    match:
      tool_category: {eq: payment}
    action: require_approval
    reason: Payment actions require human approval

  - rule_id: require-approval-mass-email
    description: Human sign-off for bulk messages
    match:
      tool_name: {in: [send_email, email, message_send]}
      tool_args_field_check: {field: recipients, condition: length_gt, value: 5}
    action: require_approval
    reason: Messages to more than 5 recipients require approval

  - rule_id: require-approval-unknown-domain
    description: Human sign-off for requests outside the allowlist
    match:
      tool_name: {in: [http_request, http_fetch, curl]}
      tool_args_field_check:
        field: url
        condition: domain_not_in
        value: [api.github.com, github.com, api.openai.com, api.anthropic.com, pypi.org, registry.npmjs.org]
    action: require_approval
    reason: Request to a domain outside the allowlist

  - rule_id: rewrite-force-flags
    description: Strip --force and -f from shell commands
    match:
      tool_name: {in: [bash, shell]}
      tool_args_field_check: {field: command, condition: matches, value: '\s(--force|-f)\b'}
    action: rewrite
    rewrite_rule_id: strip-force-flags
    reason: Force flags removed

  - rule_id: rewrite-sudo
    description: Run commands without sudo
    match:
      tool_name: {in: [bash, shell]}
      tool_args_field_check: {field: command, condition: matches, value: '^\s*sudo\s'}
    action: rewrite
    rewrite_rule_id: neutralize-sudo
    reason: Privilege escalation removed

  - rule_id: rewrite-http-to-https
    description: Upgrade plain HTTP
    match:
      tool_name: {in: [http, http_request, http_fetch, curl]}
      tool_args_field_check: {field: url, condition: matches, value: '^http://'}
    action: rewrite
    rewrite_rule_id: enforce-https
    reason: Plain HTTP upgraded to HTTPS

  - rule_id: rewrite-sandbox-code
    description: Sandbox code execution
    match:
      tool_name: {in: [code_execution, exec, run_code]}
    action: rewrite
    rewrite_rule_id: sandbox-code-exec
    reason: Code execution runs sandboxed and read-only
`
}
