package observability

import "regexp"

const credentialRedacted = "[CREDENTIAL_REDACTED]"

type credentialPattern struct {
	re          *regexp.Regexp
	replacement string
}

// credentialPatterns lists the secret shapes perfmon can plausibly leak into
// telemetry: the transport API key (bare or in the log endpoint query),
// storage DSN passwords, and tokens smuggled in through custom attributes.
// Patterns that keep a prefix put it in capture group 1.
var credentialPatterns = []credentialPattern{
	// Google API keys
	{re: regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`)},
	// key=, api_key= and access_token= query parameters
	{re: regexp.MustCompile(`(?i)([?&](?:key|api_?key|access_token)=)[^&#\s]{8,}`), replacement: "${1}" + credentialRedacted},
	// userinfo passwords in URL-style DSNs
	{re: regexp.MustCompile(`(?i)(\b[a-z][a-z0-9+.-]*://[^:/@\s]+:)[^@\s]{4,}@`), replacement: "${1}" + credentialRedacted + "@"},
	// JWT-like tokens
	{re: regexp.MustCompile(`(?i)eyj[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}`)},
	{re: regexp.MustCompile(`(?i)\bBearer\s+[a-z0-9_.\-/+=]{8,}\b`)},
	// keyword DSN secrets
	{re: regexp.MustCompile(`(?i)\b(?:password|secret|token)\s*=\s*\S{4,}`)},
}

// ContainsCredential reports whether s matches any known credential pattern.
// No pattern matches fewer than 8 bytes.
func ContainsCredential(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, p := range credentialPatterns {
		if p.re.MatchString(s) {
			return true
		}
	}
	return false
}

// ScrubCredentials replaces every detected credential in s with
// [CREDENTIAL_REDACTED]. Strings without credentials are returned as is.
func ScrubCredentials(s string) string {
	if len(s) < 8 {
		return s
	}
	for _, p := range credentialPatterns {
		if !p.re.MatchString(s) {
			continue
		}
		replacement := p.replacement
		if replacement == "" {
			replacement = credentialRedacted
		}
		s = p.re.ReplaceAllString(s, replacement)
	}
	return s
}
