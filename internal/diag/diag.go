// Package diag defines the structured diagnostic records the engine emits
// instead of writing to a terminal or log. Rendering is the caller's concern.
package diag

import "fmt"

// Severity classifies a diagnostic.
type Severity int

const (
	Warning Severity = iota
	Error
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Span locates a diagnostic in source. Line and Col are 1-based; a zero Span
// means the diagnostic applies to the whole file.
type Span struct {
	Line int
	Col  int
}

// Diagnostic is a structured record for malformed blocks, unterminated
// literals, unrecognized level markers, and include cycles.
type Diagnostic struct {
	Severity Severity
	Path     string
	Span     Span
	Message  string
}

func (d Diagnostic) String() string {
	if d.Span.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s: %s", d.Path, d.Span.Line, d.Span.Col, d.Severity, d.Message)
	}
	return fmt.Sprintf("%s: %s: %s", d.Path, d.Severity, d.Message)
}
