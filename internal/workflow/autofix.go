package workflow

import (
	"fmt"
	"regexp"
)

// AutoFix is a mechanical repair derived from a known validation-failure
// pattern. It is tried before escalating to the analyzer because it needs no
// reasoning, just a targeted edit instruction.
type AutoFix struct {
	Rule        string
	Path        string
	Symbol      string
	Instruction string
}

type autoFixRule struct {
	name    string
	pattern *regexp.Regexp
	// instruction receives the captured symbol.
	instruction string
}

// The table covers the failure shapes that dominate validation output for
// generated TypeScript projects. Order matters: first match wins.
var autoFixRules = []autoFixRule{
	{
		name:        "missing_module",
		pattern:     regexp.MustCompile(`[Cc]annot find module '([^']+)'`),
		instruction: "add the missing import or install declaration for module %q",
	},
	{
		name:        "missing_name",
		pattern:     regexp.MustCompile(`[Cc]annot find name '([^']+)'`),
		instruction: "import or declare the missing symbol %q",
	},
	{
		name:        "undefined_symbol",
		pattern:     regexp.MustCompile(`'?([\w$]+)'? is not defined`),
		instruction: "define or import the undefined symbol %q",
	},
	{
		name:        "unused_declaration",
		pattern:     regexp.MustCompile(`'([^']+)' is declared but its value is never read`),
		instruction: "remove the unused declaration %q or reference it",
	},
	{
		name:        "unused_variable",
		pattern:     regexp.MustCompile(`'([^']+)' is assigned a value but never used`),
		instruction: "remove the unused variable %q",
	},
}

// Matches "src/app/page.tsx(12,5):" and "src/app/page.tsx:12:5" diagnostics.
var diagnosticPath = regexp.MustCompile(`(?m)^([\w./@-]+\.[a-zA-Z]+)[(:]\d+[,:]\d+`)

// TryAutoFix scans validation stderr against the pattern table and returns a
// mechanical fix for the first match. The second return is false when no
// pattern applies, which hands the failure to the analyzer.
func TryAutoFix(stderr string) (*AutoFix, bool) {
	if stderr == "" {
		return nil, false
	}
	for _, rule := range autoFixRules {
		m := rule.pattern.FindStringSubmatch(stderr)
		if m == nil {
			continue
		}
		return &AutoFix{
			Rule:        rule.name,
			Path:        extractDiagnosticPath(stderr),
			Symbol:      m[1],
			Instruction: fmt.Sprintf(rule.instruction, m[1]),
		}, true
	}
	return nil, false
}

func extractDiagnosticPath(stderr string) string {
	if m := diagnosticPath.FindStringSubmatch(stderr); m != nil {
		return m[1]
	}
	return ""
}
