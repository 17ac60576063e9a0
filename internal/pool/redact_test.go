package pool

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{
			"anthropic env var keeps key name",
			"export ANTHROPIC_API_KEY=abc123",
			"export ANTHROPIC_API_KEY=[REDACTED]",
		},
		{
			"sk token replaced whole",
			"using key sk-abcdefghijklmnopqrstuvwxyz123456",
			"using key [REDACTED]",
		},
		{
			"generic api key",
			"api_key=supersecretvalue done",
			"api_key=[REDACTED] done",
		},
		{
			"token with colon",
			"token:deadbeefcafe",
			"token:[REDACTED]",
		},
		{
			"password",
			"password=hunter2",
			"password=[REDACTED]",
		},
		{
			"github pat",
			"remote: ghp_" + strings.Repeat("a", 36),
			"remote: [REDACTED]",
		},
		{
			"aws secret",
			"aws_secret_key=AKIAFAKEFAKEFAKE",
			"aws_secret_key=[REDACTED]",
		},
		{
			"case insensitive",
			"TOKEN=abc",
			"TOKEN=[REDACTED]",
		},
		{
			"clean line unchanged",
			"building project... done in 3.2s",
			"building project... done in 3.2s",
		},
		{
			"short sk prefix not redacted",
			"task sk-1 complete",
			"task sk-1 complete",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.line); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.line, got, tt.want)
			}
		})
	}
}
