package coderetry

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	exceptionLineRe = regexp.MustCompile(`\b(NameError|SyntaxError|AttributeError|ImportError|TypeError|ValueError|RuntimeError|IndentationError)\b\s*:`)
	nonRepairableRe = regexp.MustCompile(`(?i)ModuleNotFoundError|No module named|module not found|command not found|executable file not found|LaTeX Error: File .+ not found|\.(sty|cls) not found`)
)

// ExtractDiagnostic reduces renderer stderr to the line a repair prompt
// should quote: the last known Python exception line, else the last
// non-blank line capped at 500 characters.
func ExtractDiagnostic(stderr string) string {
	if strings.TrimSpace(stderr) == "" {
		return "Unknown error"
	}
	lines := strings.Split(strings.ReplaceAll(stderr, "\r\n", "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if exceptionLineRe.MatchString(lines[i]) {
			return strings.TrimSpace(lines[i])
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return truncate(l, 500)
		}
	}
	return "Unknown error"
}

// truncate keeps the first n runes of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// IsNonRepairable reports failures caused by the environment rather than the
// code, which no rewrite can fix.
func IsNonRepairable(text string) bool {
	return nonRepairableRe.MatchString(text)
}
