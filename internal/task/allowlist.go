// Package task provides constrained server-side command execution.
// Commands are validated against an allow-list before they touch a
// shell; the allow-list is the only security boundary here.
package task

import (
	"fmt"
	"path"
	"strings"

	"github.com/kballard/go-shellquote"
)

// allowedCommands is the set of base commands a task may invoke.
// Version control, package/script runners, read-only file inspection,
// and directory/echo primitives.
var allowedCommands = map[string]bool{
	"git":     true,
	"npm":     true,
	"npx":     true,
	"yarn":    true,
	"pnpm":    true,
	"node":    true,
	"python":  true,
	"python3": true,
	"pip":     true,
	"pip3":    true,
	"pytest":  true,
	"uv":      true,
	"ls":      true,
	"cat":     true,
	"head":    true,
	"tail":    true,
	"grep":    true,
	"wc":      true,
	"find":    true,
	"file":    true,
	"stat":    true,
	"which":   true,
	"pwd":     true,
	"echo":    true,
}

// segmentSeparators split a compound command into independently
// validated segments. Longer operators first so "&&" is not consumed
// as "&".
var segmentSeparators = []string{"&&", "||", "|", ";"}

// AllowedCommands returns the allow-list as a sorted-insensitive copy
// for display.
func AllowedCommands() []string {
	out := make([]string, 0, len(allowedCommands))
	for name := range allowedCommands {
		out = append(out, name)
	}
	return out
}

// ValidateCommand checks every segment of a shell command string
// against the allow-list. Any segment whose first token is not an
// allowed base command, or that the tokenizer cannot handle, rejects
// the whole string.
func ValidateCommand(command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return fmt.Errorf("empty command")
	}

	for _, segment := range splitSegments(command) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}

		words, err := shellquote.Split(segment)
		if err != nil {
			return fmt.Errorf("cannot parse command segment %q: %w", segment, err)
		}
		if len(words) == 0 {
			continue
		}

		base := path.Base(words[0])
		// cd is a safe no-op for validation purposes.
		if base == "cd" {
			continue
		}
		if !allowedCommands[base] {
			return fmt.Errorf("command %q is not allowed", base)
		}
	}

	return nil
}

// splitSegments splits on &&, ||, | and ; without interpreting quotes.
// Over-splitting inside quoted strings is acceptable: it only makes
// validation stricter, never looser.
func splitSegments(command string) []string {
	segments := []string{command}
	for _, sep := range segmentSeparators {
		var next []string
		for _, seg := range segments {
			next = append(next, strings.Split(seg, sep)...)
		}
		segments = next
	}
	return segments
}
