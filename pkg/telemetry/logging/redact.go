package logging

import (
	"log/slog"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveKeys are attribute keys whose values are never logged.
var sensitiveKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"password":      true,
	"secret":        true,
	"private_key":   true,
	"x-api-key":     true,
}

var secretPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	// OpenAI and Anthropic style keys.
	{regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_\-]{8,}`), "sk-***"},
	// Gemini API keys.
	{regexp.MustCompile(`AIza[0-9A-Za-z_\-]{20,}`), "AIza***"},
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`), "Bearer ***"},
	// Credentials embedded in URLs, e.g. redis://:pass@host.
	{regexp.MustCompile(`://([^:/@\s]*):[^@/\s]+@`), "://$1:***@"},
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redacted)
	}
	switch a.Value.Kind() {
	case slog.KindString:
		if s := RedactString(a.Value.String()); s != a.Value.String() {
			return slog.String(a.Key, s)
		}
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			if s := RedactString(err.Error()); s != err.Error() {
				return slog.String(a.Key, s)
			}
		}
	}
	return a
}

// RedactString masks credentials that appear inside s.
func RedactString(s string) string {
	for _, p := range secretPatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}
