package logging

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Patterns for secrets that people paste into chat by accident.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(sk-[a-zA-Z0-9]{20,})`),
	regexp.MustCompile(`(?i)(AIza[a-zA-Z0-9_-]{35})`),
	regexp.MustCompile(`(?i)(ghp_[a-zA-Z0-9]{36})`),
	regexp.MustCompile(`(?i)(gho_[a-zA-Z0-9]{36})`),
	regexp.MustCompile(`(?i)(github_pat_[a-zA-Z0-9]{22}_[a-zA-Z0-9]+)`),
	regexp.MustCompile(`(?i)bearer\s+([a-zA-Z0-9._-]{20,})`),
	regexp.MustCompile(`(?i)(key|token|secret|password|auth)[=:]["']?([a-zA-Z0-9+/=_-]{32,})["']?`),
}

// RedactedValue is the replacement for sensitive values.
const RedactedValue = "[REDACTED]"

// DefaultPreviewLength is the rune budget for logged message bodies.
const DefaultPreviewLength = 48

var whitespace = regexp.MustCompile(`\s+`)

// Redact replaces sensitive information in a string.
func Redact(s string) string {
	result := s
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllString(result, RedactedValue)
	}
	return result
}

// Preview returns a single-line, redacted, truncated rendition of a message body.
// Logs never carry full bodies.
func Preview(body string) string {
	return PreviewN(body, DefaultPreviewLength)
}

// PreviewN is Preview with an explicit rune budget.
func PreviewN(body string, max int) string {
	flat := strings.TrimSpace(whitespace.ReplaceAllString(Redact(body), " "))
	if max <= 0 || utf8.RuneCountInString(flat) <= max {
		return flat
	}
	runes := []rune(flat)
	return string(runes[:max]) + "…"
}

// MaskURL hides the password of a broker or database URL.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
