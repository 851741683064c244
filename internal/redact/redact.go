package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Placeholder replaces secret values.
const Placeholder = "[REDACTED]"

// secretKeys are argument keys whose values are always secrets.
var secretKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"api-key":       true,
	"secret":        true,
	"client_secret": true,
	"token":         true,
	"access_token":  true,
	"auth_token":    true,
	"refresh_token": true,
	"password":      true,
	"passwd":        true,
	"private_key":   true,
}

var (
	bearerRe = regexp.MustCompile(`(?i)(\bbearer\s+)([A-Za-z0-9\-._~+/]+=*)`)
	kvRe     = regexp.MustCompile(`(?i)\b(api[_\-]?key|secret|client[_\-]?secret|access[_\-]?token|auth[_\-]?token|token|private[_\-]?key|password|passwd|pwd)("?\s*[=:]\s*"?)([^\s"'&,;\[][^\s"'&,;]*)`)
	tokenRes = []*regexp.Regexp{
		regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{20,}`),
		regexp.MustCompile(`\bghp_[A-Za-z0-9]{36}\b`),
		regexp.MustCompile(`\bxox[bpas]-[A-Za-z0-9\-]{10,}`),
	}
)

// IsSecretKey reports whether an argument key names a secret value.
func IsSecretKey(key string) bool {
	return secretKeys[strings.ToLower(strings.TrimSpace(key))]
}

// HasSecrets reports whether text contains an unredacted secret-shaped token.
func HasSecrets(text string) bool {
	if bearerRe.MatchString(text) || kvRe.MatchString(text) {
		return true
	}
	for _, re := range tokenRes {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// ScanSecrets returns every secret-shaped token in text.
func ScanSecrets(text string) []Match {
	var matches []Match
	for _, re := range append([]*regexp.Regexp{bearerRe, kvRe}, tokenRes...) {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			matches = append(matches, Match{Type: PatternSecret, Value: text[loc[0]:loc[1]], Start: loc[0], End: loc[1]})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })
	return matches
}

// RedactSecrets replaces secret values in text with Placeholder, keeping
// the key or scheme that introduced them. Already redacted values are left alone.
func RedactSecrets(text string) string {
	out := bearerRe.ReplaceAllString(text, "${1}"+Placeholder)
	out = kvRe.ReplaceAllString(out, "${1}${2}"+Placeholder)
	for _, re := range tokenRes {
		out = re.ReplaceAllString(out, Placeholder)
	}
	return out
}

// RedactPII replaces every PII pattern in text with its labelled placeholder.
func RedactPII(text string) string {
	out := text
	for _, p := range extendedPII {
		if p.typ == PatternIP {
			out = p.re.ReplaceAllStringFunc(out, func(s string) string {
				if safeIPs[s] {
					return s
				}
				return p.replacement
			})
			continue
		}
		out = p.re.ReplaceAllString(out, p.replacement)
	}
	return out
}

// MapStrings returns a deep copy of v with fn applied to every string leaf.
// Maps, slices and scalars are copied; other values are returned as is.
func MapStrings(v any, fn func(string) string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = MapStrings(val, fn)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = MapStrings(val, fn)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = fn(val)
		}
		return out
	case string:
		return fn(t)
	default:
		return v
	}
}

// CopyArgs deep-copies an argument map.
func CopyArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return MapStrings(args, func(s string) string { return s }).(map[string]any)
}

// CollectText returns the string and numeric leaves of v, one per element,
// in a stable order.
func CollectText(v any) []string {
	var out []string
	collect(v, &out)
	return out
}

func collect(v any, out *[]string) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collect(t[k], out)
		}
	case []any:
		for _, val := range t {
			collect(val, out)
		}
	case []string:
		*out = append(*out, t...)
	case string:
		*out = append(*out, t)
	case int, int32, int64, float32, float64:
		*out = append(*out, fmt.Sprint(t))
	}
}

// MaskValue replaces a value with "***". Numbers and bools are preserved.
func MaskValue(v any) any {
	switch v.(type) {
	case int, int64, float64, bool:
		return v
	case nil:
		return nil
	default:
		return "***"
	}
}

// MaskSecretKeys returns a copy of data with the values of secret keys
// masked and secret tokens in string values redacted. Used before
// response payloads reach the audit trail.
func MaskSecretKeys(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	result := make(map[string]any, len(data))
	for k, v := range data {
		if IsSecretKey(k) {
			result[k] = MaskValue(v)
			continue
		}
		if m, ok := v.(map[string]any); ok {
			result[k] = MaskSecretKeys(m)
			continue
		}
		result[k] = MapStrings(v, RedactSecrets)
	}
	return result
}
