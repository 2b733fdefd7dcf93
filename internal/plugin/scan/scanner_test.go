package scan

import (
	"strings"
	"testing"
)

func TestScanErrors(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		message string
	}{
		{
			name:    "load call",
			source:  `local f = load("return 1")`,
			message: "Dynamic code evaluation is not allowed",
		},
		{
			name:    "loadstring call",
			source:  `loadstring(payload)()`,
			message: "Dynamic code evaluation is not allowed",
		},
		{
			name:    "dofile call",
			source:  `dofile("/etc/passwd")`,
			message: "Loading code from files is not allowed",
		},
		{
			name:    "loadfile call",
			source:  `local chunk = loadfile(path)`,
			message: "Loading code from files is not allowed",
		},
		{
			name:    "os execute",
			source:  `os.execute("rm -rf /")`,
			message: "Process execution is not allowed",
		},
		{
			name:    "io popen",
			source:  `local h = io.popen("ls")`,
			message: "Process execution is not allowed",
		},
		{
			name:    "os exit",
			source:  `os.exit(1)`,
			message: "Process control is not allowed",
		},
		{
			name:    "os getenv",
			source:  `local home = os.getenv("HOME")`,
			message: "Environment access is not allowed",
		},
		{
			name:    "setmetatable on globals",
			source:  `setmetatable(_G, {})`,
			message: "Tampering with the global environment is not allowed",
		},
		{
			name:    "getmetatable on globals",
			source:  `local mt = getmetatable(_G)`,
			message: "Tampering with the global environment is not allowed",
		},
		{
			name:    "global field assignment",
			source:  `_G.print = nil`,
			message: "Tampering with the global environment is not allowed",
		},
		{
			name:    "debug library",
			source:  `debug.sethook(fn, "l")`,
			message: "Access to the debug library is not allowed",
		},
		{
			name:    "string dump",
			source:  `local bc = string.dump(fn)`,
			message: "Function bytecode dumping is not allowed",
		},
	}

	s := New(Policy{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := s.Scan(tt.source)
			if report.Valid {
				t.Fatalf("Scan(%q).Valid = true, want false", tt.source)
			}
			if len(report.Issues) == 0 {
				t.Fatalf("Scan(%q) returned no issues", tt.source)
			}
			issue := report.Issues[0]
			if issue.Severity != SeverityError {
				t.Errorf("Severity = %q, want %q", issue.Severity, SeverityError)
			}
			if issue.Message != tt.message {
				t.Errorf("Message = %q, want %q", issue.Message, tt.message)
			}
			if issue.Line != 1 {
				t.Errorf("Line = %d, want 1", issue.Line)
			}
		})
	}
}

func TestScanWarnings(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		message string
	}{
		{
			name:    "while true without break",
			source:  "while true do\n  work()\nend",
			message: "Unbounded loop; execution is subject to the wall-clock timeout",
		},
		{
			name:    "repeat until false",
			source:  "repeat\n  work()\nuntil false",
			message: "Unbounded loop; execution is subject to the wall-clock timeout",
		},
		{
			name:    "set_interval call",
			source:  `set_interval(tick, 1000)`,
			message: "Recurring timers are not available in the sandbox",
		},
	}

	s := New(Policy{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := s.Scan(tt.source)
			if !report.Valid {
				t.Errorf("Scan(%q).Valid = false, want true", tt.source)
			}
			if len(report.Issues) != 1 {
				t.Fatalf("len(Issues) = %d, want 1", len(report.Issues))
			}
			issue := report.Issues[0]
			if issue.Severity != SeverityWarning {
				t.Errorf("Severity = %q, want %q", issue.Severity, SeverityWarning)
			}
			if issue.Message != tt.message {
				t.Errorf("Message = %q, want %q", issue.Message, tt.message)
			}
		})
	}
}

func TestScanModulePermissions(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		policy  Policy
		valid   bool
		message string
	}{
		{
			name:    "io without filesystem access",
			source:  `local io = require("io")`,
			policy:  Policy{},
			valid:   false,
			message: "Module 'io' requires fileSystemAccess permission",
		},
		{
			name:   "io with filesystem access",
			source: `local io = require("io")`,
			policy: Policy{FileSystemAccess: true},
			valid:  true,
		},
		{
			name:    "socket without network access",
			source:  `local socket = require "socket"`,
			policy:  Policy{},
			valid:   false,
			message: "Module 'socket' requires networkAccess permission",
		},
		{
			name:    "http without network access",
			source:  `local http = require('http')`,
			policy:  Policy{},
			valid:   false,
			message: "Module 'http' requires networkAccess permission",
		},
		{
			name:   "http with network access",
			source: `local http = require("http")`,
			policy: Policy{NetworkAccess: true},
			valid:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := New(tt.policy).Scan(tt.source)
			if report.Valid != tt.valid {
				t.Errorf("Valid = %v, want %v", report.Valid, tt.valid)
			}
			if tt.message != "" {
				if len(report.Issues) == 0 {
					t.Fatalf("Scan(%q) returned no issues", tt.source)
				}
				if got := report.Issues[0].Message; got != tt.message {
					t.Errorf("Message = %q, want %q", got, tt.message)
				}
			}
		})
	}
}

func TestScanCleanSource(t *testing.T) {
	source := strings.Join([]string{
		`local M = {}`,
		``,
		`function M.handler(params, ctx)`,
		`  local items = ctx.db.query("SELECT 1")`,
		`  return { count = #items }`,
		`end`,
		``,
		`return M`,
	}, "\n")

	report := New(Policy{}).Scan(source)
	if !report.Valid {
		t.Errorf("Valid = false, want true; issues: %v", report.Issues)
	}
	if len(report.Issues) != 0 {
		t.Errorf("len(Issues) = %d, want 0", len(report.Issues))
	}
}

func TestScanNearMisses(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{name: "identifier containing load", source: `download("file")`},
		{name: "identifier containing debug word", source: `local mydebugger = 1`},
		{name: "while true with break", source: `while true do break end`},
		{name: "payload variable", source: `local payload = parse(input)`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := New(Policy{}).Scan(tt.source)
			if len(report.Issues) != 0 {
				t.Errorf("Scan(%q) issues = %v, want none", tt.source, report.Issues)
			}
		})
	}
}

func TestScanCommentLinesSkipped(t *testing.T) {
	source := "-- os.execute is documented here\nlocal x = 1"
	report := New(Policy{}).Scan(source)
	if !report.Valid {
		t.Errorf("Valid = false, want true; issues: %v", report.Issues)
	}
}

func TestScanLineNumbers(t *testing.T) {
	source := strings.Join([]string{
		`local a = 1`,
		`os.execute("x")`,
		`local b = 2`,
		`debug.traceback()`,
	}, "\n")

	report := New(Policy{}).Scan(source)
	if len(report.Issues) != 2 {
		t.Fatalf("len(Issues) = %d, want 2", len(report.Issues))
	}
	if report.Issues[0].Line != 2 {
		t.Errorf("Issues[0].Line = %d, want 2", report.Issues[0].Line)
	}
	if report.Issues[1].Line != 4 {
		t.Errorf("Issues[1].Line = %d, want 4", report.Issues[1].Line)
	}
}

func TestScanMultipleIssuesOneLine(t *testing.T) {
	report := New(Policy{}).Scan(`os.execute(os.getenv("CMD"))`)
	if len(report.Issues) != 2 {
		t.Fatalf("len(Issues) = %d, want 2", len(report.Issues))
	}
}
