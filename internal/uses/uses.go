// Package uses implements deep-mode use analysis: given the identifiers a
// translation unit's own code mentions, it computes the set of declaration
// units the translation unit actually depends on, following indirect uses
// transitively. Matching is name-occurrence based, which over-approximates
// (a mention in any expression counts) but never under-approximates for
// well-formed code that avoids token pasting.
package uses

import "strings"

// Unit is the analyzer's view of one declaration unit.
type Unit struct {
	Key  string
	Name string
	// Idents are the identifiers occurring inside the unit's own tokens.
	// When the unit is used they seed further matching rounds.
	Idents []string
	// Children are identity keys of nested units. Using a unit implies
	// using every nested unit: member calls, constructors invoked through
	// the type name, and operator overloads all resolve through the parent.
	Children []string
}

// Index holds the units of one translation unit's include closure.
type Index struct {
	byKey  map[string]*Unit
	byName map[string][]*Unit
	always []*Unit
}

func NewIndex() *Index {
	return &Index{
		byKey:  make(map[string]*Unit),
		byName: make(map[string][]*Unit),
	}
}

// Add registers a unit. A key seen before (declaration and definition of
// the same entity, or the same header reached twice) merges identifier and
// child lists instead of shadowing.
func (ix *Index) Add(u *Unit) {
	if prev, ok := ix.byKey[u.Key]; ok {
		prev.Idents = mergeStrings(prev.Idents, u.Idents)
		prev.Children = mergeStrings(prev.Children, u.Children)
		return
	}
	cp := &Unit{Key: u.Key, Name: u.Name, Idents: u.Idents, Children: u.Children}
	ix.byKey[cp.Key] = cp

	if strings.HasPrefix(cp.Name, "operator") || strings.HasPrefix(cp.Name, "~") {
		// Call sites of operators and destructors never spell the name;
		// free-standing ones are conservatively always used. Members are
		// additionally covered through their parent's child edges.
		ix.always = append(ix.always, cp)
		return
	}
	// Qualified names ("A::B" namespaces) match on any segment.
	for _, seg := range strings.Split(cp.Name, "::") {
		if seg != "" {
			ix.byName[seg] = append(ix.byName[seg], cp)
		}
	}
}

// Analyze runs the worklist: every unit whose name occurs among the seed
// identifiers is used; a used unit's own identifiers are fed back in until
// the set stabilizes. The result maps identity keys of used units.
func (ix *Index) Analyze(seed []string) map[string]bool {
	used := make(map[string]bool, len(seed))
	processed := make(map[string]bool, len(seed))
	queue := append([]string(nil), seed...)

	var markUsed func(u *Unit)
	markUsed = func(u *Unit) {
		if used[u.Key] {
			return
		}
		used[u.Key] = true
		queue = append(queue, u.Idents...)
		for _, key := range u.Children {
			if c := ix.byKey[key]; c != nil {
				markUsed(c)
			}
		}
	}

	for _, u := range ix.always {
		markUsed(u)
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if processed[name] {
			continue
		}
		processed[name] = true
		for _, u := range ix.byName[name] {
			markUsed(u)
		}
	}
	return used
}

func mergeStrings(dst, add []string) []string {
	seen := make(map[string]bool, len(dst))
	for _, s := range dst {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			seen[s] = true
			dst = append(dst, s)
		}
	}
	return dst
}
