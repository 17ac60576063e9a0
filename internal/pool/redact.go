// Package pool supervises agent subprocesses for a project: spawning,
// pausing, resuming, stopping, health checking, and streaming their
// output with secret redaction.
package pool

import "regexp"

// Redacted is the literal substituted for sensitive values.
const Redacted = "[REDACTED]"

// sensitivePatterns match secrets that must never reach observers.
// Patterns with a capture group keep the key prefix and redact only
// the value; the rest are replaced whole.
var sensitivePatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)sk-[a-zA-Z0-9]{20,}`), Redacted},
	{regexp.MustCompile(`(?i)(ANTHROPIC_API_KEY=)\S+`), "${1}" + Redacted},
	{regexp.MustCompile(`(?i)((?:api[_-]?key|token|password|secret)[=:])\S+`), "${1}" + Redacted},
	{regexp.MustCompile(`(?i)ghp_[a-zA-Z0-9]{36,}`), Redacted},
	{regexp.MustCompile(`(?i)gho_[a-zA-Z0-9]{36,}`), Redacted},
	{regexp.MustCompile(`(?i)ghs_[a-zA-Z0-9]{36,}`), Redacted},
	{regexp.MustCompile(`(?i)ghr_[a-zA-Z0-9]{36,}`), Redacted},
	{regexp.MustCompile(`(?i)(aws[_-]?(?:access|secret)[_-]?key[=:])\S+`), "${1}" + Redacted},
}

// Sanitize removes sensitive values from an output line before it is
// broadcast to observers.
func Sanitize(line string) string {
	for _, p := range sensitivePatterns {
		line = p.re.ReplaceAllString(line, p.replacement)
	}
	return line
}
