package zen

import (
	"sort"

	"github.com/TryExceptElse/zen/internal/diag"
)

// Verdict is the per-translation-unit analysis result.
type Verdict struct {
	Path         string
	NeedsRebuild bool
	// Reason names the first trigger found: a changed unit key, a malformed
	// file, a pending rebuild from an earlier run. Empty when clean.
	Reason string
}

// Report is the outcome of one project analysis.
type Report struct {
	// Verdicts is keyed by translation-unit path.
	Verdicts map[string]Verdict
	// Diagnostics collects non-fatal problems: lex failures, malformed
	// blocks, unknown markers, include cycles, corrupt store records.
	Diagnostics []diag.Diagnostic
}

// Dirty returns the sorted paths of translation units needing a rebuild.
func (r *Report) Dirty() []string {
	var out []string
	for path, v := range r.Verdicts {
		if v.NeedsRebuild {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}
