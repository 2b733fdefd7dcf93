// Package scan performs the pre-flight textual security scan of plugin
// source code. The scan is advisory: it catches obvious disallowed
// constructs before any sandbox is created, but the real boundary is the
// isolated execution context, not this pattern match.
package scan

import (
	"regexp"
	"strings"
)

// Severity classifies an issue. Errors reject the source; warnings are
// informational.
type Severity string

// Issue severities.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding in the scanned source.
type Issue struct {
	Severity Severity `json:"type"`
	Message  string   `json:"message"`
	Line     int      `json:"line,omitempty"`
}

// Report is the scan outcome. Valid is true iff no error-severity issue
// was found; warnings alone do not reject the source.
type Report struct {
	Valid  bool    `json:"isValid"`
	Issues []Issue `json:"issues"`
}

// Policy carries the permission axes that gate module-import rules.
type Policy struct {
	FileSystemAccess bool
	NetworkAccess    bool
}

// rule is one pattern with its finding. A non-nil exclude suppresses the
// match on lines that also match it.
type rule struct {
	pattern  *regexp.Regexp
	exclude  *regexp.Regexp
	severity Severity
	message  string
}

// Unconditional rules, compiled once.
var baseRules = []rule{
	{
		pattern:  regexp.MustCompile(`\b(load|loadstring)\s*\(`),
		severity: SeverityError,
		message:  "Dynamic code evaluation is not allowed",
	},
	{
		pattern:  regexp.MustCompile(`\b(dofile|loadfile)\s*\(`),
		severity: SeverityError,
		message:  "Loading code from files is not allowed",
	},
	{
		pattern:  regexp.MustCompile(`\bos\s*\.\s*execute\b|\bio\s*\.\s*popen\b`),
		severity: SeverityError,
		message:  "Process execution is not allowed",
	},
	{
		pattern:  regexp.MustCompile(`\bos\s*\.\s*exit\b`),
		severity: SeverityError,
		message:  "Process control is not allowed",
	},
	{
		pattern:  regexp.MustCompile(`\bos\s*\.\s*getenv\b`),
		severity: SeverityError,
		message:  "Environment access is not allowed",
	},
	{
		pattern:  regexp.MustCompile(`\b(set|get)metatable\s*\(\s*_G\b`),
		severity: SeverityError,
		message:  "Tampering with the global environment is not allowed",
	},
	{
		pattern:  regexp.MustCompile(`\b_G\s*\.\s*\w+\s*=`),
		severity: SeverityError,
		message:  "Tampering with the global environment is not allowed",
	},
	{
		pattern:  regexp.MustCompile(`\bdebug\s*\.`),
		severity: SeverityError,
		message:  "Access to the debug library is not allowed",
	},
	{
		pattern:  regexp.MustCompile(`\bstring\s*\.\s*dump\b`),
		severity: SeverityError,
		message:  "Function bytecode dumping is not allowed",
	},
	{
		pattern:  regexp.MustCompile(`\bwhile\s+true\s+do\b`),
		exclude:  regexp.MustCompile(`\bbreak\b`),
		severity: SeverityWarning,
		message:  "Unbounded loop; execution is subject to the wall-clock timeout",
	},
	{
		pattern:  regexp.MustCompile(`\buntil\s+false\b`),
		severity: SeverityWarning,
		message:  "Unbounded loop; execution is subject to the wall-clock timeout",
	},
	{
		pattern:  regexp.MustCompile(`\bset_interval\s*\(`),
		severity: SeverityWarning,
		message:  "Recurring timers are not available in the sandbox",
	},
}

// requireRule builds a module-import rule for one module name.
func requireRule(module, permission string) rule {
	return rule{
		pattern:  regexp.MustCompile(`\brequire\s*\(?\s*["']` + module + `["']`),
		severity: SeverityError,
		message:  "Module '" + module + "' requires " + permission + " permission",
	}
}

// Scanner scans plugin source against the rule set for one security
// policy.
type Scanner struct {
	rules []rule
}

// New builds a scanner. Module-import rules are included only for the
// accesses the policy does not grant.
func New(policy Policy) *Scanner {
	rules := make([]rule, 0, len(baseRules)+3)
	rules = append(rules, baseRules...)

	if !policy.FileSystemAccess {
		rules = append(rules, requireRule("io", "fileSystemAccess"))
	}
	if !policy.NetworkAccess {
		rules = append(rules, requireRule("socket", "networkAccess"))
		rules = append(rules, requireRule("http", "networkAccess"))
	}

	return &Scanner{rules: rules}
}

// Scan checks every line of source against the rule set. Lines that are
// pure comments are skipped; the scan is textual and makes no attempt to
// follow block comments or string contents.
func (s *Scanner) Scan(source string) Report {
	var issues []Issue

	for i, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue
		}
		for _, r := range s.rules {
			if !r.pattern.MatchString(line) {
				continue
			}
			if r.exclude != nil && r.exclude.MatchString(line) {
				continue
			}
			issues = append(issues, Issue{
				Severity: r.severity,
				Message:  r.message,
				Line:     i + 1,
			})
		}
	}

	return Report{Valid: !hasError(issues), Issues: issues}
}

func hasError(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}
