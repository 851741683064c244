package rewrite

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/ppiankov/dataguard/internal/redact"
)

const (
	// MaxRecipients is the recipient cap applied by truncate-recipients.
	MaxRecipients = 5
	// MaxHTTPTimeoutMS is the timeout cap applied by cap-http-timeout.
	MaxHTTPTimeoutMS = 30000
	// DefaultRowLimit is the LIMIT appended by limit-query-rows.
	DefaultRowLimit = 1000
	// NoteKey carries a human-readable note added by a transform.
	NoteKey = "_dataguard_note"
)

var (
	shellTools = toolSet("bash", "shell", "terminal", "code_execution")
	fsTools    = toolSet("bash", "shell", "terminal", "file_system")
	httpTools  = toolSet("http", "http_request", "http_fetch", "curl", "web_fetch")
	sqlTools   = toolSet("database", "sql", "query")
	mailTools  = toolSet("send_email", "email", "message_send", "send_message")
	codeTools  = toolSet("code_execution", "exec", "run_code", "execute_code")

	urlFields     = []string{"url", "uri", "endpoint", "href"}
	timeoutFields = []string{"timeout", "timeout_ms"}
)

// Builtins returns the shipped transforms in registration order.
func Builtins() []Rule {
	return []Rule{
		{
			ID:          "strip-force-flags",
			Description: "Remove --force / -f from shell commands",
			AppliesTo:   stripForceApplies,
			Transform:   stripForceTransform,
		},
		{
			ID:          "neutralize-sudo",
			Description: "Strip a leading sudo from commands",
			AppliesTo:   sudoApplies,
			Transform:   sudoTransform,
		},
		{
			ID:          "enforce-https",
			Description: "Upgrade http:// to https:// except for localhost",
			AppliesTo:   httpsApplies,
			Transform:   httpsTransform,
		},
		{
			ID:          "limit-query-rows",
			Description: fmt.Sprintf("Add LIMIT %d to unbounded SELECT queries", DefaultRowLimit),
			AppliesTo:   limitQueryApplies,
			Transform:   limitQueryTransform,
		},
		{
			ID:          "redact-secrets",
			Description: "Replace secret values with " + redact.Placeholder,
			AppliesTo:   secretsApplies,
			Transform:   secretsTransform,
		},
		{
			ID:          "truncate-recipients",
			Description: fmt.Sprintf("Cap message recipients at %d", MaxRecipients),
			AppliesTo:   recipientsApplies,
			Transform:   recipientsTransform,
		},
		{
			ID:          "sandbox-code-exec",
			Description: "Run code execution sandboxed and read-only",
			AppliesTo:   sandboxApplies,
			Transform:   sandboxTransform,
		},
		{
			ID:          "downgrade-write-to-dryrun",
			Description: "Run mutating commands in dry-run or preview mode",
			AppliesTo:   dryRunApplies,
			Transform:   dryRunTransform,
		},
		{
			ID:          "replace-wildcard-delete",
			Description: "Turn wildcard deletes into previews",
			AppliesTo:   wildcardDeleteApplies,
			Transform:   wildcardDeleteTransform,
		},
		{
			ID:          "cap-http-timeout",
			Description: fmt.Sprintf("Clamp HTTP timeouts to %d ms", MaxHTTPTimeoutMS),
			AppliesTo:   capTimeoutApplies,
			Transform:   capTimeoutTransform,
		},
		{
			ID:          "redact-pii",
			Description: "Redact PII (SSNs, emails, phones, keys) in tool arguments",
			AppliesTo:   piiApplies,
			Transform:   piiTransform,
		},
	}
}

// strip-force-flags

func stripForceApplies(tool string, args map[string]any) bool {
	if !shellTools[tool] {
		return false
	}
	cmd, ok := stringArg(args, "command")
	if !ok {
		return false
	}
	for _, tok := range strings.Fields(cmd) {
		if isForceFlag(tok) {
			return true
		}
	}
	return false
}

func stripForceTransform(tool string, args map[string]any) (string, map[string]any, string) {
	cmd, _ := stringArg(args, "command")
	var kept []string
	removed := 0
	for _, tok := range strings.Fields(cmd) {
		if isForceFlag(tok) {
			removed++
			continue
		}
		kept = append(kept, tok)
	}
	if removed == 0 {
		return tool, args, "no force flags present"
	}
	args["command"] = strings.Join(kept, " ")
	return tool, args, fmt.Sprintf("removed %d force flag(s)", removed)
}

func isForceFlag(tok string) bool {
	return tok == "--force" || tok == "-f"
}

// neutralize-sudo

// sudoArgOpts are sudo options that consume the following token.
var sudoArgOpts = map[string]bool{
	"-u": true, "-g": true, "-C": true, "-D": true, "-h": true,
	"-p": true, "-r": true, "-t": true, "-U": true,
}

func sudoApplies(tool string, args map[string]any) bool {
	if !shellTools[tool] {
		return false
	}
	cmd, ok := stringArg(args, "command")
	if !ok {
		return false
	}
	first, _ := nextToken(cmd)
	return first == "sudo"
}

func sudoTransform(tool string, args map[string]any) (string, map[string]any, string) {
	cmd, _ := stringArg(args, "command")
	rest := cmd
	stripped := false
	for {
		tok, after := nextToken(rest)
		if tok != "sudo" {
			break
		}
		stripped = true
		rest = after
		for {
			opt, afterOpt := nextToken(rest)
			if !strings.HasPrefix(opt, "-") {
				break
			}
			rest = afterOpt
			if opt == "--" {
				break
			}
			if sudoArgOpts[opt] {
				_, rest = nextToken(rest)
			}
		}
	}
	if !stripped {
		return tool, args, "no leading sudo"
	}
	args["command"] = rest
	return tool, args, "removed leading sudo"
}

// nextToken splits s into its first whitespace-delimited token and the
// remainder with leading whitespace trimmed. Interior spacing is kept.
func nextToken(s string) (string, string) {
	s = strings.TrimLeft(s, " \t\n")
	i := strings.IndexAny(s, " \t\n")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i:], " \t\n")
}

// enforce-https

func httpsApplies(tool string, args map[string]any) bool {
	if !httpTools[tool] {
		return false
	}
	for _, f := range urlFields {
		if v, ok := stringArg(args, f); ok && upgradable(v) {
			return true
		}
	}
	return false
}

func httpsTransform(tool string, args map[string]any) (string, map[string]any, string) {
	var changed []string
	for _, f := range urlFields {
		v, ok := stringArg(args, f)
		if !ok || !upgradable(v) {
			continue
		}
		args[f] = "https://" + v[len("http://"):]
		changed = append(changed, f)
	}
	if len(changed) == 0 {
		return tool, args, "no plain-http urls"
	}
	return tool, args, fmt.Sprintf("upgraded %s to https", strings.Join(changed, ", "))
}

func upgradable(raw string) bool {
	if !strings.HasPrefix(strings.ToLower(raw), "http://") {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "localhost", host == "127.0.0.1", host == "::1", host == "0.0.0.0":
		return false
	case strings.HasSuffix(host, ".localhost"):
		return false
	}
	return true
}

// limit-query-rows

var (
	selectRe = regexp.MustCompile(`(?i)\bselect\b`)
	limitRe  = regexp.MustCompile(`(?i)\blimit\s+\d+`)
)

func limitQueryApplies(tool string, args map[string]any) bool {
	if !sqlTools[tool] {
		return false
	}
	q, ok := stringArg(args, "query")
	return ok && unbounded(stripTrailingComments(q))
}

func limitQueryTransform(tool string, args map[string]any) (string, map[string]any, string) {
	q, _ := stringArg(args, "query")
	q = stripTrailingComments(q)
	if !unbounded(q) {
		return tool, args, "query already bounded"
	}
	args["query"] = fmt.Sprintf("%s LIMIT %d;", q, DefaultRowLimit)
	return tool, args, fmt.Sprintf("appended LIMIT %d", DefaultRowLimit)
}

func unbounded(q string) bool {
	return selectRe.MatchString(q) && !limitRe.MatchString(q)
}

// stripTrailingComments trims trailing semicolons and "--" line comments.
func stripTrailingComments(q string) string {
	for {
		q = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(q), ";"))
		line := q[strings.LastIndex(q, "\n")+1:]
		i := lineCommentStart(line)
		if i < 0 {
			return q
		}
		q = q[:len(q)-len(line)+i]
	}
}

// lineCommentStart returns the offset of a "--" outside quotes, or -1.
func lineCommentStart(line string) int {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '-' && i+1 < len(line) && line[i+1] == '-':
			return i
		}
	}
	return -1
}

// redact-secrets

func secretsApplies(_ string, args map[string]any) bool {
	return hasSecret(args)
}

func hasSecret(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if s, ok := val.(string); ok && redact.IsSecretKey(k) && s != "" && s != redact.Placeholder {
				return true
			}
			if hasSecret(val) {
				return true
			}
		}
	case []any:
		for _, val := range t {
			if hasSecret(val) {
				return true
			}
		}
	case string:
		return redact.HasSecrets(t)
	}
	return false
}

func secretsTransform(tool string, args map[string]any) (string, map[string]any, string) {
	return tool, redactSecretValues(args).(map[string]any), "replaced secret values with " + redact.Placeholder
}

func redactSecretValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if s, ok := val.(string); ok && redact.IsSecretKey(k) && s != "" {
				t[k] = redact.Placeholder
				continue
			}
			t[k] = redactSecretValues(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = redactSecretValues(val)
		}
		return t
	case string:
		return redact.RedactSecrets(t)
	}
	return v
}

// truncate-recipients

func recipientsApplies(tool string, args map[string]any) bool {
	if !mailTools[tool] {
		return false
	}
	list, ok := args["recipients"].([]any)
	return ok && len(list) > MaxRecipients
}

func recipientsTransform(tool string, args map[string]any) (string, map[string]any, string) {
	list, ok := args["recipients"].([]any)
	if !ok || len(list) <= MaxRecipients {
		return tool, args, "recipients within limit"
	}
	note := fmt.Sprintf("Truncated from %d to %d recipients.", len(list), MaxRecipients)
	args["recipients"] = list[:MaxRecipients]
	args[NoteKey] = note
	return tool, args, note
}

// sandbox-code-exec

func sandboxApplies(tool string, _ map[string]any) bool {
	return codeTools[tool]
}

func sandboxTransform(tool string, args map[string]any) (string, map[string]any, string) {
	args["sandbox"] = true
	args["read_only"] = true
	return tool, args, "set sandbox and read_only"
}

// downgrade-write-to-dryrun

const dryRunEcho = "echo '[DRY RUN] Would execute:' && echo "

var (
	writeCmdRe  = regexp.MustCompile(`\b(mv|cp|rm|mkdir|touch|chmod|chown|git\s+push|git\s+reset|kubectl\s+(apply|delete)|terraform\s+apply)\b`)
	gitWriteRe  = regexp.MustCompile(`\bgit\s+(push|reset)\b`)
	kubectlRe   = regexp.MustCompile(`\bkubectl\s+(apply|delete)\b`)
	terraformRe = regexp.MustCompile(`\bterraform\s+apply\b`)
	dryRunRe    = regexp.MustCompile(`(^|\s)(--dry-run|--noop|--check)(=\S*)?(\s|$)`)
)

func dryRunApplies(tool string, args map[string]any) bool {
	if !fsTools[tool] {
		return false
	}
	cmd, ok := stringArg(args, "command")
	if !ok || strings.HasPrefix(cmd, dryRunEcho) {
		return false
	}
	return writeCmdRe.MatchString(cmd) && !dryRunRe.MatchString(cmd)
}

func dryRunTransform(tool string, args map[string]any) (string, map[string]any, string) {
	if !dryRunApplies(tool, args) {
		return tool, args, "already dry-run"
	}
	cmd, _ := stringArg(args, "command")
	var desc string
	switch {
	case gitWriteRe.MatchString(cmd):
		cmd = gitWriteRe.ReplaceAllString(cmd, "$0 --dry-run")
		desc = "added --dry-run to git"
	case kubectlRe.MatchString(cmd):
		cmd += " --dry-run=client"
		desc = "added --dry-run=client to kubectl"
	case terraformRe.MatchString(cmd):
		cmd = terraformRe.ReplaceAllString(cmd, "terraform plan")
		desc = "replaced terraform apply with terraform plan"
	default:
		cmd = dryRunEcho + shellQuote(cmd)
		desc = "replaced command with a preview echo"
	}
	args["command"] = cmd
	return tool, args, desc
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// replace-wildcard-delete

var (
	rmGlobRe      = regexp.MustCompile(`\brm\s+[^;&|]*\*`)
	rmPrefixRe    = regexp.MustCompile(`\brm((\s+-[A-Za-z]+)*)\s+`)
	deleteAllRe   = regexp.MustCompile(`(?i)^delete\s+from\s+\S+?\s*;?$`)
	wildcardTools = toolSet("bash", "shell", "terminal")
)

func wildcardDeleteApplies(tool string, args map[string]any) bool {
	if wildcardTools[tool] {
		cmd, ok := stringArg(args, "command")
		return ok && rmGlobRe.MatchString(cmd)
	}
	if sqlTools[tool] {
		q, ok := stringArg(args, "query")
		return ok && deleteAllRe.MatchString(strings.TrimSpace(q))
	}
	return false
}

func wildcardDeleteTransform(tool string, args map[string]any) (string, map[string]any, string) {
	if !wildcardDeleteApplies(tool, args) {
		return tool, args, "no wildcard delete"
	}
	if wildcardTools[tool] {
		cmd, _ := stringArg(args, "command")
		args["command"] = rmPrefixRe.ReplaceAllString(cmd, "ls ")
		args[NoteKey] = "Wildcard delete converted to ls preview."
		return tool, args, "converted rm <glob> to ls <glob>"
	}
	q, _ := stringArg(args, "query")
	q = strings.TrimRight(strings.TrimSpace(q), ";")
	args["query"] = strings.TrimSpace(q) + " LIMIT 1;"
	return tool, args, "limited unbounded DELETE to 1 row"
}

// cap-http-timeout

func capTimeoutApplies(tool string, args map[string]any) bool {
	if !httpTools[tool] {
		return false
	}
	for _, f := range timeoutFields {
		if n, ok := numberArg(args, f); ok && n > MaxHTTPTimeoutMS {
			return true
		}
	}
	return false
}

func capTimeoutTransform(tool string, args map[string]any) (string, map[string]any, string) {
	var changed []string
	for _, f := range timeoutFields {
		if n, ok := numberArg(args, f); ok && n > MaxHTTPTimeoutMS {
			args[f] = MaxHTTPTimeoutMS
			changed = append(changed, f)
		}
	}
	if len(changed) == 0 {
		return tool, args, "timeout within limit"
	}
	return tool, args, fmt.Sprintf("clamped %s to %d ms", strings.Join(changed, ", "), MaxHTTPTimeoutMS)
}

// redact-pii

func piiApplies(_ string, args map[string]any) bool {
	for _, s := range redact.CollectText(args) {
		if len(redact.ScanAllPII(s)) > 0 {
			return true
		}
	}
	return false
}

func piiTransform(tool string, args map[string]any) (string, map[string]any, string) {
	var types []string
	for _, s := range redact.CollectText(args) {
		for _, t := range redact.Types(redact.ScanAllPII(s)) {
			types = append(types, string(t))
		}
	}
	out := redact.MapStrings(args, redact.RedactPII).(map[string]any)
	if len(types) == 0 {
		return tool, out, "no PII found"
	}
	return tool, out, "redacted " + strings.Join(dedupe(types), ", ")
}

func toolSet(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

func numberArg(args map[string]any, key string) (float64, bool) {
	switch n := args[key].(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
