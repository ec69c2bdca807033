package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns match credentials that may leak into log lines, failure
// text returned by capabilities, or rendered SQL errors.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Google AI keys.
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	// OpenAI / Anthropic style keys.
	regexp.MustCompile(`sk-(ant-)?[A-Za-z0-9_\-]{20,}`),
	// user:password@ in connection strings.
	regexp.MustCompile(`(://[^:/@\s]+:)([^@\s]+)@`),
	// _auth_pass / password query params in sqlite and postgres DSNs.
	regexp.MustCompile(`(?i)((?:_auth_pass|password)=)([^&\s]+)`),
}

// Redact replaces secret-bearing substrings of input with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				suffix := ""
				if strings.HasSuffix(match, "@") {
					suffix = "@"
				}
				return submatch[1] + redactedPlaceholder + suffix
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue hides value when key names a credential.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "credential", "dsn"} {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
