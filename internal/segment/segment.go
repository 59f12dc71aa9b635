// Package segment partitions a canonical token stream into a tree of named
// declaration units: namespaces, classes/structs, functions, and
// function-like macros. Each unit carries a stable identity key (qualified
// name plus signature) and a content fingerprint computed over its own
// tokens only — nested units are tracked independently, so a change inside
// a nested unit never inflates the parent's fingerprint.
package segment

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/TryExceptElse/zen/internal/fingerprint"
	"github.com/TryExceptElse/zen/internal/level"
	"github.com/TryExceptElse/zen/internal/lex"
)

// Kind discriminates declaration units. A single tagged-variant Unit with a
// children list stands in for a type hierarchy.
type Kind uint8

const (
	KindNamespace Kind = iota
	KindClass
	KindFunction
	KindMacro
)

func (k Kind) String() string {
	switch k {
	case KindNamespace:
		return "namespace"
	case KindClass:
		return "class"
	case KindFunction:
		return "function"
	case KindMacro:
		return "macro"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Unit is a named, boundary-delimited declaration region.
type Unit struct {
	Kind Kind
	Name string
	// Key is the qualified identity key: namespace/class path + name, plus
	// the parameter-type list for functions and arity for macros.
	Key  string
	Span lex.Span
	// First and Last are the half-open token index range of the whole unit.
	First, Last int
	// BodyFirst and BodyLast delimit the braced interior, when present.
	BodyFirst, BodyLast int
	Children            []*Unit
	// Level is the block-level marker override, Unset when absent.
	Level level.Level
	// Fingerprint covers the unit's own tokens: its full range minus every
	// child unit's range. For namespaces only the header tokens count; a
	// namespace's loose content belongs to the file residual instead.
	Fingerprint fingerprint.Fingerprint
	// Idents are the deduplicated identifier texts within the unit's own
	// tokens, used by deep-mode use analysis.
	Idents []string
	// StartLine and EndLine are the 1-based source line bounds of the unit,
	// derived from its first and last tokens.
	StartLine, EndLine int
}

// File is the segmented form of one source file.
type File struct {
	Path string
	// Units are the top-level declaration units in source order.
	Units []*Unit
	// All lists every unit in the tree, depth-first.
	All []*Unit
	// FileLevel is the file-scope marker override, Unset when absent.
	FileLevel level.Level
	// Residual fingerprints the canonical tokens owned by no declaration
	// unit: includes, object-like macros, typedefs, loose statements. Any
	// residual change coarsely invalidates every includer.
	Residual fingerprint.Fingerprint
	// Canonical fingerprints the entire canonical token stream.
	Canonical fingerprint.Fingerprint
	// UnknownMarkers are ZEN(...) tags naming no recognized level; the
	// engine surfaces them as non-fatal diagnostics.
	UnknownMarkers []lex.Marker
}

// MalformedBlockError reports a lexical block the segmenter cannot bound: a
// brace opened but never closed in the file (cross-file blocks are
// unsupported), or a function-like macro whose body is brace-unbalanced.
type MalformedBlockError struct {
	Path string
	Span lex.Span
	Msg  string
}

func (e *MalformedBlockError) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.Path, e.Span.Line, e.Span.Col, e.Msg)
}

type parser struct {
	path string
	seq  *lex.Sequence
	toks []lex.Token

	// dirAt maps a directive's first token index to its extent.
	dirAt map[int]lex.Extent
	// defineAt maps a #define directive token index to its record.
	defineAt map[int]lex.Define
}

// Segment builds the declaration-unit tree for one file. The returned error
// is a *MalformedBlockError when the file contains an unboundable block; the
// caller is expected to mark the owning file always-dirty and exclude its
// units from pruning.
func Segment(path string, seq *lex.Sequence) (*File, error) {
	p := &parser{
		path:     path,
		seq:      seq,
		toks:     seq.Tokens,
		dirAt:    make(map[int]lex.Extent, len(seq.Directives)),
		defineAt: make(map[int]lex.Define, len(seq.Defines)),
	}
	for _, ext := range seq.Directives {
		p.dirAt[ext.First] = ext
	}
	for _, def := range seq.Defines {
		p.defineAt[def.DirIndex] = def
	}

	units, err := p.parseScope(0, len(p.toks), nil, false)
	if err != nil {
		return nil, err
	}

	f := &File{
		Path:      path,
		Units:     units,
		Canonical: seq.Fingerprint(0, len(p.toks)),
	}
	var flatten func(us []*Unit)
	flatten = func(us []*Unit) {
		for _, u := range us {
			f.All = append(f.All, u)
			flatten(u.Children)
		}
	}
	flatten(units)

	p.applyMarkers(f)
	inheritLevels(units, level.Unset)
	p.computeFingerprints(f)
	return f, nil
}

// inheritLevels pushes a marked unit's level onto unmarked descendants, so a
// block marker governs every declaration nested inside it unless a deeper
// marker overrides.
func inheritLevels(units []*Unit, parent level.Level) {
	for _, u := range units {
		if u.Level == level.Unset {
			u.Level = parent
		}
		inheritLevels(u.Children, u.Level)
	}
}

// parseScope walks [first, last) producing the units declared directly in
// that scope. nsPath is the enclosing namespace/class path; inClass enables
// access-label handling.
func (p *parser) parseScope(first, last int, nsPath []string, inClass bool) ([]*Unit, error) {
	var units []*Unit
	i := first
	for i < last {
		// Preprocessor directives are consumed wholesale; function-like
		// #defines become macro units.
		if ext, ok := p.dirAt[i]; ok {
			if def, ok := p.defineAt[i]; ok && def.FuncLike {
				u, err := p.macroUnit(ext, def)
				if err != nil {
					return nil, err
				}
				units = append(units, u)
			}
			i = ext.Last
			continue
		}
		tok := p.toks[i]
		if tok.Kind == lex.KindPunct && (tok.Text == ";" || tok.Text == "}") {
			i++
			continue
		}
		if inClass && isAccessLabel(tok) && p.punctAt(i+1, ":") {
			i += 2
			continue
		}
		u, next, err := p.scanComponent(i, last, nsPath, inClass)
		if err != nil {
			return nil, err
		}
		if next <= i {
			// No forward progress; bail out of a scope we cannot read.
			break
		}
		if u != nil {
			if u.Kind == KindNamespace && u.Name == "" && u.Key == "" {
				// Transparent block (extern "C"): promote children.
				units = append(units, u.Children...)
			} else {
				units = append(units, u)
			}
		}
		i = next
	}
	return units, nil
}

// scanComponent reads one declaration starting at i. It returns a nil unit
// for residual content (typedefs, fields, loose statements, enums).
func (p *parser) scanComponent(i, last int, nsPath []string, inClass bool) (*Unit, int, error) {
	var (
		firstParen = -1
		sawClass   = -1
		sawEnum    bool
	)

	// extern "C" { ... } is a transparent linkage block.
	if p.identAt(i, "extern") && i+1 < last && p.toks[i+1].Kind == lex.KindString {
		if brace := p.findPunct(i+2, last, "{"); brace == i+2 {
			return p.linkageBlock(i, brace, last, nsPath)
		}
	}
	if p.identAt(i, "namespace") {
		if u, next, err, ok := p.tryNamespace(i, last, nsPath); ok {
			return u, next, err
		}
	}

	j := i
	for j < last {
		if ext, ok := p.dirAt[j]; ok {
			// Conditional-compilation directives inside a declaration are
			// skipped conservatively.
			j = ext.Last
			continue
		}
		tok := p.toks[j]
		switch {
		case tok.Kind == lex.KindIdentifier:
			switch tok.Text {
			case "class", "struct":
				if !sawEnum && sawClass < 0 {
					sawClass = j
				}
			case "enum", "union":
				sawEnum = true
			case "template":
				if p.punctAt(j+1, "<") {
					if close := p.matchAngle(j+1, last); close > 0 {
						j = close
					}
				}
			}
			j++
		case tok.Kind == lex.KindPunct:
			switch tok.Text {
			case "(":
				close, err := p.matchPair(j, last, "(", ")")
				if err != nil {
					return nil, 0, err
				}
				if firstParen < 0 {
					// An empty () directly after "operator" is the call
					// operator's name, not its parameter list.
					if p.identAt(j-1, "operator") && close == j+1 && p.punctAt(close+1, "(") {
						j = close + 1
						continue
					}
					firstParen = j
				}
				j = close + 1
			case "[":
				close, err := p.matchPair(j, last, "[", "]")
				if err != nil {
					return nil, 0, err
				}
				j = close + 1
			case "{":
				return p.braced(i, j, last, nsPath, inClass, firstParen, sawClass, sawEnum)
			case ";":
				return p.statement(i, j+1, nsPath, inClass, firstParen, sawClass), j + 1, nil
			default:
				j++
			}
		default:
			j++
		}
	}
	// Statement ran off the end of the scope: residual.
	return nil, last, nil
}

// braced handles a declaration whose scan reached a '{' at depth zero.
func (p *parser) braced(i, brace, last int, nsPath []string, inClass bool, firstParen, sawClass int, sawEnum bool) (*Unit, int, error) {
	close, err := p.matchPair(brace, last, "{", "}")
	if err != nil {
		return nil, 0, err
	}

	switch {
	case sawClass >= 0 && !sawEnum:
		return p.classUnit(i, sawClass, brace, close, last, nsPath)
	case firstParen >= 0 && !sawEnum && !p.isControlBlock(i, firstParen):
		return p.functionUnit(i, brace, close, nsPath, firstParen)
	default:
		// enum/union definitions, control blocks, braced initializers:
		// residual content of the enclosing scope.
		end := p.skipToSemicolon(close+1, last)
		return nil, end, nil
	}
}

// tryNamespace recognizes "namespace [A[::B]] {". Namespace aliases and
// using-directives fall through to ordinary statement scanning.
func (p *parser) tryNamespace(i, last int, nsPath []string) (*Unit, int, error, bool) {
	j := i + 1
	var parts []string
	for j < last {
		tok := p.toks[j]
		if tok.Kind == lex.KindIdentifier {
			parts = append(parts, tok.Text)
			j++
			continue
		}
		if tok.Kind == lex.KindPunct && tok.Text == ":" {
			j++
			continue
		}
		break
	}
	if !p.punctAt(j, "{") {
		return nil, 0, nil, false
	}
	close, err := p.matchPair(j, last, "{", "}")
	if err != nil {
		return nil, 0, err, true
	}
	name := strings.Join(parts, "::")
	childPath := nsPath
	for _, part := range parts {
		childPath = append(childPath[:len(childPath):len(childPath)], part)
	}
	if len(parts) == 0 {
		childPath = append(childPath[:len(childPath):len(childPath)], "(anonymous)")
	}
	children, err := p.parseScope(j+1, close, childPath, false)
	if err != nil {
		return nil, 0, err, true
	}
	u := &Unit{
		Kind:      KindNamespace,
		Name:      name,
		Key:       qualify(nsPath, "namespace "+name),
		Span:      p.toks[i].Span,
		First:     i,
		Last:      close + 1,
		BodyFirst: j + 1,
		BodyLast:  close,
		Children:  children,
	}
	return u, close + 1, nil, true
}

func (p *parser) linkageBlock(i, brace, last int, nsPath []string) (*Unit, int, error) {
	close, err := p.matchPair(brace, last, "{", "}")
	if err != nil {
		return nil, 0, err
	}
	children, err := p.parseScope(brace+1, close, nsPath, false)
	if err != nil {
		return nil, 0, err
	}
	// Name and Key left empty: parseScope promotes the children.
	return &Unit{Kind: KindNamespace, Children: children, First: i, Last: close + 1}, close + 1, nil
}

func (p *parser) classUnit(i, kw, brace, close, last int, nsPath []string) (*Unit, int, error) {
	name := ""
	for k := kw + 1; k < brace; k++ {
		if p.toks[k].Kind == lex.KindIdentifier {
			switch p.toks[k].Text {
			case "final", "alignas":
				continue
			}
			name = p.toks[k].Text
			break
		}
		break
	}
	if name == "" {
		// Anonymous struct: residual.
		return nil, p.skipToSemicolon(close+1, last), nil
	}
	children, err := p.parseScope(brace+1, close, append(append([]string{}, nsPath...), name), true)
	if err != nil {
		return nil, 0, err
	}
	end := p.skipToSemicolon(close+1, last)
	u := &Unit{
		Kind:      KindClass,
		Name:      name,
		Key:       qualify(nsPath, name),
		Span:      p.toks[i].Span,
		First:     i,
		Last:      end,
		BodyFirst: brace + 1,
		BodyLast:  close,
		Children:  children,
	}
	return u, end, nil
}

func (p *parser) functionUnit(i, brace, close int, nsPath []string, firstParen int) (*Unit, int, error) {
	name := p.functionName(i, firstParen)
	if name == "" {
		return nil, close + 1, nil
	}
	u := &Unit{
		Kind:      KindFunction,
		Name:      name,
		Key:       p.functionKey(nsPath, name, firstParen),
		Span:      p.toks[i].Span,
		First:     i,
		Last:      close + 1,
		BodyFirst: brace + 1,
		BodyLast:  close,
	}
	return u, close + 1, nil
}

// statement classifies a brace-less declaration ending at the semicolon.
// Declarations with a parameter list become function-declaration units;
// everything else is residual. As in the original tool, "a b();" keys a
// construct named b whether it declares a function or a variable — the
// change-detection effect is identical.
func (p *parser) statement(i, end int, nsPath []string, inClass bool, firstParen, sawClass int) *Unit {
	if firstParen < 0 || sawClass >= 0 {
		return nil
	}
	name := p.functionName(i, firstParen)
	if name == "" {
		return nil
	}
	return &Unit{
		Kind:  KindFunction,
		Name:  name,
		Key:   p.functionKey(nsPath, name, firstParen),
		Span:  p.toks[i].Span,
		First: i,
		Last:  end,
	}
}

func (p *parser) macroUnit(ext lex.Extent, def lex.Define) (*Unit, error) {
	// Tokens: [#define][NAME][(][params...][)][body...]
	nameIdx := ext.First + 1
	open := nameIdx + 1
	close, err := p.matchPair(open, ext.Last, "(", ")")
	if err != nil {
		return nil, err
	}
	arity := 0
	for k := open + 1; k < close; k++ {
		if p.toks[k].Kind == lex.KindIdentifier {
			arity++
		} else if p.punctAt(k, ".") && p.punctAt(k+1, ".") && p.punctAt(k+2, ".") {
			arity++
			k += 2
		}
	}
	depth := 0
	for k := close + 1; k < ext.Last; k++ {
		switch {
		case p.punctAt(k, "{"):
			depth++
		case p.punctAt(k, "}"):
			depth--
		}
		if depth < 0 {
			break
		}
	}
	if depth != 0 {
		return nil, &MalformedBlockError{
			Path: p.path,
			Span: def.Span,
			Msg:  fmt.Sprintf("macro %s has a brace-unbalanced body; mark the region ZEN(disable)", def.Name),
		}
	}
	return &Unit{
		Kind:  KindMacro,
		Name:  def.Name,
		Key:   def.Name + "/" + strconv.Itoa(arity),
		Span:  p.toks[ext.First].Span,
		First: ext.First,
		Last:  ext.Last,
	}, nil
}

// functionName walks back from the parameter list to the declared name,
// handling qualified names, destructors, and operator functions whose call
// sites never spell the name.
func (p *parser) functionName(first, paren int) string {
	k := paren - 1
	var ops []string
	for k >= first && p.toks[k].Kind == lex.KindPunct {
		text := p.toks[k].Text
		if text == ")" && p.punctAt(k-1, "(") && p.identAt(k-2, "operator") {
			return "operator()"
		}
		if text == ";" || text == "}" || text == "{" {
			return ""
		}
		ops = append([]string{text}, ops...)
		k--
	}
	if k < first || p.toks[k].Kind != lex.KindIdentifier {
		return ""
	}
	if p.toks[k].Text == "operator" && len(ops) > 0 {
		return "operator" + strings.Join(ops, "")
	}
	name := p.toks[k].Text
	if p.punctAt(k-1, "~") {
		return "~" + name
	}
	return name
}

// functionKey builds the identity key: qualified name plus the parameter
// type list, which distinguishes overloads. A parameter's type is its token
// text with the trailing parameter name and any default value dropped.
func (p *parser) functionKey(nsPath []string, name string, paren int) string {
	close, err := p.matchPair(paren, len(p.toks), "(", ")")
	if err != nil {
		close = len(p.toks) - 1
	}
	var params []string
	start := paren + 1
	depth := 0
	flush := func(end int) {
		toks := p.toks[start:end]
		// Drop the default value.
		for n, t := range toks {
			if t.Kind == lex.KindPunct && t.Text == "=" {
				toks = toks[:n]
				break
			}
		}
		// Drop the trailing parameter name.
		if len(toks) >= 2 && toks[len(toks)-1].Kind == lex.KindIdentifier {
			toks = toks[:len(toks)-1]
		}
		var b strings.Builder
		for _, t := range toks {
			b.WriteString(t.Text)
		}
		if b.Len() > 0 {
			params = append(params, b.String())
		}
	}
	for k := paren + 1; k < close; k++ {
		switch {
		case p.punctAt(k, "(") || p.punctAt(k, "[") || p.punctAt(k, "<"):
			depth++
		case p.punctAt(k, ")") || p.punctAt(k, "]") || p.punctAt(k, ">"):
			depth--
		case depth == 0 && p.punctAt(k, ","):
			flush(k)
			start = k + 1
		}
	}
	if start < close {
		flush(close)
	}
	return qualify(nsPath, name) + "(" + strings.Join(params, ",") + ")"
}

// isControlBlock reports whether the tokens before the parameter list start
// with a control keyword, so "if (...) { }" at an odd scope never becomes a
// function unit.
func (p *parser) isControlBlock(i, paren int) bool {
	for k := i; k < paren; k++ {
		if p.toks[k].Kind != lex.KindIdentifier {
			continue
		}
		switch p.toks[k].Text {
		case "if", "for", "while", "do", "switch", "catch":
			return true
		}
		return false
	}
	return false
}

func (p *parser) matchPair(open, last int, openText, closeText string) (int, error) {
	depth := 0
	for k := open; k < last; k++ {
		switch {
		case p.punctAt(k, openText):
			depth++
		case p.punctAt(k, closeText):
			depth--
			if depth == 0 {
				return k, nil
			}
		}
	}
	return 0, &MalformedBlockError{
		Path: p.path,
		Span: p.toks[open].Span,
		Msg:  fmt.Sprintf("no matching %q for %q; blocks must open and close in the same file", closeText, openText),
	}
}

// matchAngle matches a template argument list. Returns -1 when the '<' reads
// better as a comparison (a terminator appears before balance is restored).
func (p *parser) matchAngle(open, last int) int {
	depth := 0
	for k := open; k < last; k++ {
		switch {
		case p.punctAt(k, "<"):
			depth++
		case p.punctAt(k, ">"):
			depth--
			if depth == 0 {
				return k
			}
		case p.punctAt(k, ";") || p.punctAt(k, "{"):
			return -1
		}
	}
	return -1
}

func (p *parser) skipToSemicolon(from, last int) int {
	for k := from; k < last; k++ {
		if ext, ok := p.dirAt[k]; ok {
			return min(ext.First, last)
		}
		if p.punctAt(k, ";") {
			return k + 1
		}
		if p.toks[k].Kind != lex.KindIdentifier {
			return from
		}
	}
	return last
}

func (p *parser) punctAt(i int, text string) bool {
	return i >= 0 && i < len(p.toks) && p.toks[i].Kind == lex.KindPunct && p.toks[i].Text == text
}

func (p *parser) identAt(i int, text string) bool {
	return i >= 0 && i < len(p.toks) && p.toks[i].Kind == lex.KindIdentifier && p.toks[i].Text == text
}

func (p *parser) findPunct(from, last int, text string) int {
	for k := from; k < last; k++ {
		if p.punctAt(k, text) {
			return k
		}
	}
	return -1
}

func isAccessLabel(tok lex.Token) bool {
	if tok.Kind != lex.KindIdentifier {
		return false
	}
	switch tok.Text {
	case "public", "private", "protected":
		return true
	}
	return false
}

func qualify(nsPath []string, name string) string {
	if len(nsPath) == 0 {
		return name
	}
	return strings.Join(nsPath, "::") + "::" + name
}

// applyMarkers attaches ZEN(...) tags to units or the file scope. A marker
// on the line immediately above a unit (or on its first line) applies to
// that unit; otherwise the innermost unit containing the marker's line
// claims it; unclaimed markers set the file level.
func (p *parser) applyMarkers(f *File) {
	for _, u := range f.All {
		u.StartLine = p.toks[u.First].Span.Line
		u.EndLine = p.toks[u.Last-1].Span.Line
	}
	for _, m := range p.seq.Markers {
		lv, ok := level.Parse(m.Name)
		if !ok {
			f.UnknownMarkers = append(f.UnknownMarkers, m)
			continue
		}
		if u := p.claimant(f, m.Span.Line); u != nil {
			u.Level = lv
		} else {
			f.FileLevel = lv
		}
	}
}

func (p *parser) claimant(f *File, line int) *Unit {
	// Preceding-line attachment wins over containment.
	for _, u := range f.All {
		if u.Key == "" {
			continue
		}
		if u.StartLine == line+1 || u.StartLine == line {
			return u
		}
	}
	var best *Unit
	for _, u := range f.All {
		if u.Key == "" || line < u.StartLine || line > u.EndLine {
			continue
		}
		if best == nil || (u.StartLine >= best.StartLine && u.EndLine <= best.EndLine) {
			best = u
		}
	}
	return best
}

// computeFingerprints assigns token ownership and derives per-unit and
// residual fingerprints. Class, function, and macro units own their full
// range minus child ranges; namespaces own header tokens only, leaving
// loose namespace content in the file residual.
func (p *parser) computeFingerprints(f *File) {
	owner := make([]*Unit, len(p.toks))
	var assign func(u *Unit)
	assign = func(u *Unit) {
		if u.Kind == KindNamespace {
			for k := u.First; k < u.BodyFirst; k++ {
				owner[k] = u
			}
			// Closing brace stays with the namespace header.
			if u.Last-1 >= u.BodyLast {
				owner[u.Last-1] = u
			}
		} else {
			for k := u.First; k < u.Last; k++ {
				owner[k] = u
			}
		}
		for _, c := range u.Children {
			assign(c)
		}
	}
	for _, u := range f.Units {
		assign(u)
	}

	parts := make(map[*Unit][]string)
	identSeen := make(map[*Unit]map[string]bool)
	var residual []string
	for k, tok := range p.toks {
		framed := string(rune('0'+tok.Kind)) + tok.Text
		u := owner[k]
		if u == nil {
			residual = append(residual, framed)
			continue
		}
		parts[u] = append(parts[u], framed)
		if tok.Kind == lex.KindIdentifier {
			if identSeen[u] == nil {
				identSeen[u] = make(map[string]bool)
			}
			if !identSeen[u][tok.Text] {
				identSeen[u][tok.Text] = true
				u.Idents = append(u.Idents, tok.Text)
			}
		}
	}
	for _, u := range f.All {
		u.Fingerprint = fingerprint.OfStrings(parts[u])
	}
	f.Residual = fingerprint.OfStrings(residual)
}
