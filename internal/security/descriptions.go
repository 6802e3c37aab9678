package security

import (
	"fmt"
	"regexp"
)

// maxDescriptionLen flags tool descriptions long enough to hide
// instructions in.
const maxDescriptionLen = 5000

type descriptionPattern struct {
	name string
	re   *regexp.Regexp
}

var descriptionPatterns = []descriptionPattern{
	{"model-imperative", regexp.MustCompile(`(?i)\b(you\s+must|always\s+(call|use|invoke)|never\s+(tell|reveal|mention))\b`)},
	{"system-prompt-reference", regexp.MustCompile(`(?i)\bsystem\s+prompt\b`)},
	{"behavior-override", regexp.MustCompile(`(?i)(ignore|override|bypass)\s+(other|previous|safety|all)\s`)},
	{"exfiltration", regexp.MustCompile(`(?i)(send|post|upload|forward)\s+.{0,40}(conversation|history|credentials?|secrets?|keys?)`)},
	{"hidden-instruction", regexp.MustCompile(`(?i)(do\s+not\s+(show|display|mention)\s+this|hidden\s+instructions?|secret\s+instructions?)`)},
}

// ValidateDescription scans a tool or prompt description (or a skill
// body) for suspicious phrasing. It returns human-readable warnings
// and never blocks registration.
func ValidateDescription(name, description string) []string {
	var warnings []string
	if len(description) > maxDescriptionLen {
		warnings = append(warnings, fmt.Sprintf(
			"%s: description is %d chars (limit %d), long enough to hide instructions",
			name, len(description), maxDescriptionLen))
	}
	for _, p := range descriptionPatterns {
		if p.re.MatchString(description) {
			warnings = append(warnings, fmt.Sprintf(
				"%s: description matches suspicious pattern %q", name, p.name))
		}
	}
	return warnings
}
