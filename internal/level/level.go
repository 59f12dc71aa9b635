// Package level defines the precision tiers controlling how aggressively a
// region's changes are pruned before triggering a rebuild, and the resolver
// that picks the effective tier for nested scopes.
package level

import "strings"

// Level is a precision tier. Unset means "inherit from the enclosing scope".
type Level int

const (
	Unset Level = iota

	// Disabled bypasses canonicalization entirely: any raw content change,
	// comment-only included, forces a rebuild.
	Disabled

	// Shallow compares comment/whitespace-invariant fingerprints per file.
	Shallow

	// Deep additionally tracks which declaration units a translation unit
	// uses and prunes changes to unused units.
	Deep
)

func (l Level) String() string {
	switch l {
	case Disabled:
		return "disable"
	case Shallow:
		return "shallow"
	case Deep:
		return "deep"
	default:
		return "unset"
	}
}

// Parse maps a marker name to a Level. The second return is false for
// unrecognized names, which callers surface as a non-fatal diagnostic.
func Parse(name string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "disable", "disabled", "off":
		return Disabled, true
	case "shallow":
		return Shallow, true
	case "deep":
		return Deep, true
	default:
		return Unset, false
	}
}

// Resolver resolves effective levels. Default applies when every inner scope
// is Unset.
type Resolver struct {
	Default Level
}

// Resolve walks scopes from outermost to innermost; the innermost non-Unset
// level wins. With no overrides at all the project default applies, falling
// back to Shallow when the default itself is Unset.
func (r Resolver) Resolve(scopes ...Level) Level {
	eff := r.Default
	if eff == Unset {
		eff = Shallow
	}
	for _, s := range scopes {
		if s != Unset {
			eff = s
		}
	}
	return eff
}
