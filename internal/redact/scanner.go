package redact

import (
	"regexp"
	"sort"
)

// PatternType identifies the kind of sensitive content matched.
type PatternType string

// PII patterns.
const (
	PatternSSN        PatternType = "ssn"
	PatternEmail      PatternType = "email"
	PatternCard       PatternType = "credit_card"
	PatternPassword   PatternType = "password_literal"
	PatternPhoneUS    PatternType = "phone_us"
	PatternPhoneIntl  PatternType = "phone_intl"
	PatternAWSKey     PatternType = "aws_key"
	PatternAWSSecret  PatternType = "aws_secret"
	PatternJWT        PatternType = "jwt_token"
	PatternIP         PatternType = "ipv4_address"
	PatternDOB        PatternType = "date_of_birth"
	PatternPrivateKey PatternType = "private_key_header"
)

// Injection patterns.
const (
	PatternIgnoreInstructions   PatternType = "ignore_instructions"
	PatternRoleOverride         PatternType = "role_override"
	PatternSystemPrompt         PatternType = "system_prompt_fake"
	PatternOverrideInstructions PatternType = "override_instructions"
	PatternForgetInstructions   PatternType = "forget_instructions"
	PatternDoAnythingNow        PatternType = "do_anything_now"
	PatternDelimiter            PatternType = "delimiter_injection"
	PatternPretendMode          PatternType = "pretend_mode"
	PatternDisregardPrompt      PatternType = "disregard_prompt"
	PatternRevealInstructions   PatternType = "reveal_instructions"
	PatternConcatenation        PatternType = "concatenation_attack"
)

// PatternSecret covers every secret-shaped token.
const PatternSecret PatternType = "secret"

// Match is a single occurrence of sensitive content in text.
type Match struct {
	Type  PatternType
	Value string
	Start int
	End   int
}

type pattern struct {
	typ         PatternType
	re          *regexp.Regexp
	replacement string
}

// corePII covers the high-confidence identifiers ScanPII reports.
var corePII = []pattern{
	{PatternSSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN REDACTED]"},
	{PatternEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), "[EMAIL REDACTED]"},
	{PatternCard, regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`), "[CARD REDACTED]"},
	{PatternPassword, regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)\s*[=:]\s*[^\s"'\[][^\s"']*`), "[PASSWORD REDACTED]"},
}

// extendedPII is corePII plus the broader patterns. Both the risk
// heuristic and the redact-pii rewrite scan with it.
var extendedPII = append(append([]pattern{}, corePII...), []pattern{
	{PatternAWSSecret, regexp.MustCompile(`(?i)aws_secret_access_key\s*[=:]\s*[^\s"'\[][^\s"']*`), "[AWS SECRET REDACTED]"},
	{PatternAWSKey, regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "[AWS KEY REDACTED]"},
	{PatternJWT, regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`), "[JWT REDACTED]"},
	{PatternPhoneIntl, regexp.MustCompile(`\+\d{1,3}[\s.\-]\d{3,5}[\s.\-]\d{3,8}`), "[PHONE REDACTED]"},
	{PatternPhoneUS, regexp.MustCompile(`\(?\b\d{3}\)?[\s.\-]\d{3}[\s.\-]\d{4}\b`), "[PHONE REDACTED]"},
	{PatternIP, regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\.){3}(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\b`), "[IP REDACTED]"},
	{PatternDOB, regexp.MustCompile(`(?i)\bdob\s*[=:]\s*[^\s"'\[][^\s"']*`), "[DOB REDACTED]"},
	{PatternPrivateKey, regexp.MustCompile(`-----BEGIN\s[\w\s]*PRIVATE\sKEY-----`), "[PRIVATE KEY REDACTED]"},
}...)

var injection = []pattern{
	{PatternIgnoreInstructions, regexp.MustCompile(`(?i)ignore\s+(?:previous|all|prior|above)\s+(?:instructions?|prompts?)`), ""},
	{PatternRoleOverride, regexp.MustCompile(`(?i)you\s+are\s+now\s+`), ""},
	{PatternSystemPrompt, regexp.MustCompile(`(?im)^\s*(?:system|assistant)\s*:\s*`), ""},
	{PatternOverrideInstructions, regexp.MustCompile(`(?i)override\s+(?:instructions?|policy|rules?|guidelines?)`), ""},
	{PatternForgetInstructions, regexp.MustCompile(`(?i)forget\s+(?:everything|all|your\s+instructions?)`), ""},
	{PatternDoAnythingNow, regexp.MustCompile(`\bDAN\b|(?i:\bdo\s+anything\s+now\b)`), ""},
	{PatternDelimiter, regexp.MustCompile("(?i)(?:```\\s*system|---\\s*instruction|###\\s*admin)"), ""},
	{PatternPretendMode, regexp.MustCompile(`(?i)pretend\s+you\s+have\s+no\s+(?:rules|restrictions|limits)`), ""},
	{PatternDisregardPrompt, regexp.MustCompile(`(?i)disregard\s+(?:all\s+)?(?:previous|prior|above)`), ""},
	{PatternRevealInstructions, regexp.MustCompile(`(?i)(?:reveal|show|output|print)\s+(?:your\s+)?(?:system\s+prompt|instructions?)`), ""},
	{PatternConcatenation, regexp.MustCompile(`(?i)concatenate\s+(?:previous\s+)?system\s+output`), ""},
}

// safeIPs are addresses that are never reported as PII.
var safeIPs = map[string]bool{
	"127.0.0.1":       true,
	"0.0.0.0":         true,
	"255.255.255.255": true,
}

// ScanPII finds SSNs, email addresses, card-number-shaped digit runs and
// password assignments. Matches are sorted by position.
func ScanPII(text string) []Match {
	return scan(text, corePII)
}

// ScanAllPII is ScanPII plus phones, cloud keys, JWTs, IPv4 addresses,
// dates of birth and private key headers.
func ScanAllPII(text string) []Match {
	return scan(text, extendedPII)
}

// ScanInjection finds prompt-injection phrases.
func ScanInjection(text string) []Match {
	return scan(text, injection)
}

// Types returns the distinct pattern types in matches, sorted.
func Types(matches []Match) []PatternType {
	seen := make(map[PatternType]bool)
	var out []PatternType
	for _, m := range matches {
		if !seen[m.Type] {
			seen[m.Type] = true
			out = append(out, m.Type)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func scan(text string, patterns []pattern) []Match {
	var matches []Match
	for _, p := range patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			v := text[loc[0]:loc[1]]
			if p.typ == PatternIP && safeIPs[v] {
				continue
			}
			matches = append(matches, Match{Type: p.typ, Value: v, Start: loc[0], End: loc[1]})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Start < matches[j].Start
	})
	return matches
}
