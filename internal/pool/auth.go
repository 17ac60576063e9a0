package pool

import "strings"

// authErrorMarkers are substrings that indicate the agent subprocess
// failed to authenticate with its backing service.
var authErrorMarkers = []string{
	"authentication_error",
	"authentication failed",
	"invalid api key",
	"invalid x-api-key",
	"api key not found",
	"credit balance is too low",
	"401 unauthorized",
	"oauth token has expired",
	"not logged in",
	"please run /login",
}

// IsAuthError reports whether a line (or joined output) looks like an
// authentication failure.
func IsAuthError(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range authErrorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// AuthErrorHelp is the remediation banner emitted once per agent
// process, before the triggering line.
const AuthErrorHelp = `============================================================
AGENT AUTHENTICATION ERROR
============================================================
The agent subprocess could not authenticate.

To fix this:
  1. Check that ANTHROPIC_API_KEY is set in the server's
     environment (or the agent's login session is valid).
  2. Verify the key is active and has remaining credit.
  3. Restart the agent after fixing credentials.

The agent will keep failing until credentials are corrected.
============================================================`

// AuthErrorHelpLines returns the banner split into broadcastable lines.
func AuthErrorHelpLines() []string {
	return strings.Split(strings.TrimSpace(AuthErrorHelp), "\n")
}
