package logging

import "strings"

const redactedValue = "<redacted>"

var sensitiveArgSubstrings = []string{
	"token",
	"password",
	"passwd",
	"secret",
	"api-key",
	"apikey",
	"auth",
	"bearer",
}

// RedactArgs masks credential-looking values in a command line before it is
// logged. Both `--token value` and `--token=value` forms are handled.
func RedactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, redactedValue)
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if key, _, ok := strings.Cut(trimmed, "="); ok && isSensitiveArg(key) {
			redacted = append(redacted, key+"="+redactedValue)
			continue
		}
		if strings.HasPrefix(trimmed, "-") && isSensitiveArg(trimmed) {
			maskNext = true
		}
		redacted = append(redacted, trimmed)
	}
	return redacted
}

// FormatCommand joins a redacted command line for log fields.
func FormatCommand(argv []string) string {
	return strings.Join(RedactArgs(argv), " ")
}

func isSensitiveArg(value string) bool {
	lower := strings.ToLower(value)
	for _, candidate := range sensitiveArgSubstrings {
		if strings.Contains(lower, candidate) {
			return true
		}
	}
	return false
}
