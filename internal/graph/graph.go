// Package graph tracks the file-level dependency structure of a project:
// which files include which, and which translation units are reachable from
// a changed header. Edges reference resolved file paths; unresolvable
// includes (system headers outside the project roots) are simply absent.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Cycle is one include cycle discovered during closure traversal. Path lists
// the files along the cycle, starting and ending at the re-entered file.
type Cycle struct {
	Path []string
}

func (c Cycle) String() string {
	return fmt.Sprintf("include cycle: %s", strings.Join(c.Path, " -> "))
}

// Graph is the include graph over one immutable project snapshot. It is
// built single-threaded during the merge phase and read-only afterwards.
type Graph struct {
	includes   map[string][]string
	includedBy map[string]map[string]bool
}

func New() *Graph {
	return &Graph{
		includes:   make(map[string][]string),
		includedBy: make(map[string]map[string]bool),
	}
}

// AddFile records a file and its resolved includes. Duplicate includes of
// the same target are collapsed to a single edge.
func (g *Graph) AddFile(path string, includes []string) {
	seen := make(map[string]bool, len(includes))
	edges := g.includes[path]
	for _, inc := range includes {
		if inc == path || seen[inc] {
			continue
		}
		seen[inc] = true
		edges = append(edges, inc)
		by := g.includedBy[inc]
		if by == nil {
			by = make(map[string]bool)
			g.includedBy[inc] = by
		}
		by[path] = true
	}
	if _, ok := g.includes[path]; !ok || edges != nil {
		g.includes[path] = edges
	}
}

// Includes returns the direct include edges of path, in recorded order.
func (g *Graph) Includes(path string) []string {
	return g.includes[path]
}

// Closure returns every file reachable from root through include edges,
// root included, sorted. A file re-entered while still on the traversal
// stack contributes nothing further (matching the preprocessor's guard
// behavior) but is reported as a cycle so the caller can mark the
// translation unit always-dirty.
func (g *Graph) Closure(root string) ([]string, []Cycle) {
	var (
		files   []string
		cycles  []Cycle
		visited = make(map[string]bool)
		onStack = make(map[string]bool)
		stack   []string
	)
	var walk func(path string)
	walk = func(path string) {
		visited[path] = true
		onStack[path] = true
		stack = append(stack, path)
		for _, inc := range g.includes[path] {
			if onStack[inc] {
				cycles = append(cycles, cycleFrom(stack, inc))
				continue
			}
			if !visited[inc] {
				walk(inc)
			}
		}
		stack = stack[:len(stack)-1]
		onStack[path] = false
		files = append(files, path)
	}
	walk(root)
	sort.Strings(files)
	return files, cycles
}

func cycleFrom(stack []string, reentered string) Cycle {
	for i, p := range stack {
		if p == reentered {
			path := make([]string, 0, len(stack)-i+1)
			path = append(path, stack[i:]...)
			path = append(path, reentered)
			return Cycle{Path: path}
		}
	}
	return Cycle{Path: []string{reentered, reentered}}
}

// AffectedBy returns the roots (translation units) from which header is
// reachable, walking reverse include edges. The result is sorted; a root
// that is itself the header is included. The verdict pipeline computes
// invalidation per closure instead; this query serves build-system
// integrations asking "what would rebuild if this header changed".
func (g *Graph) AffectedBy(header string, roots map[string]bool) []string {
	var (
		out     []string
		visited = map[string]bool{header: true}
		queue   = []string{header}
	)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if roots[cur] {
			out = append(out, cur)
		}
		for by := range g.includedBy[cur] {
			if !visited[by] {
				visited[by] = true
				queue = append(queue, by)
			}
		}
	}
	sort.Strings(out)
	return out
}
