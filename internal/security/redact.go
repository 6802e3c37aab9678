package security

import "regexp"

// secretKeyPattern matches argument keys that carry credentials.
var secretKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|credential|auth)`)

// secretValuePatterns match credential-shaped substrings in free text.
var secretValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{16,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{16,}=*`),
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`),
}

const redactedPlaceholder = "[REDACTED]"

// RedactArgs returns a copy of args with values of secret-bearing keys
// replaced. Nested maps are walked; other values pass through.
func RedactArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		switch {
		case secretKeyPattern.MatchString(k):
			out[k] = redactedPlaceholder
		default:
			if nested, ok := v.(map[string]any); ok {
				out[k] = RedactArgs(nested)
			} else {
				out[k] = v
			}
		}
	}
	return out
}

// RedactText replaces credential-shaped substrings in free text.
func RedactText(text string) string {
	for _, re := range secretValuePatterns {
		text = re.ReplaceAllString(text, redactedPlaceholder)
	}
	return text
}

// IsSecretEnvName reports whether an environment variable name looks
// like it carries a credential. Used to filter subprocess environments.
func IsSecretEnvName(name string) bool {
	return secretKeyPattern.MatchString(name)
}
