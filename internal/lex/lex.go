// Package lex turns raw C++ source text into an ordered sequence of
// canonical tokens: comments are stripped, whitespace runs are dropped, and
// string/char literal contents are preserved verbatim. Line/column provenance
// is kept on every token for error reporting. Level markers (ZEN(...) tags)
// found inside comments are captured before the comments are discarded.
package lex

import (
	"fmt"
	"strings"

	"github.com/TryExceptElse/zen/internal/fingerprint"
)

// Kind classifies a canonical token.
type Kind uint8

const (
	KindIdentifier Kind = iota
	KindNumber
	KindString
	KindChar
	KindPunct
	KindDirective
)

// Span is a 1-based source position.
type Span struct {
	Line int
	Col  int
}

// Token is the smallest canonicalized unit of source.
type Token struct {
	Kind Kind
	Text string
	Span Span
}

// Marker is a ZEN(...) tag found in a comment, e.g. "deep" from "// ZEN(deep)".
type Marker struct {
	Name string
	Span Span
}

// Include is an #include directive's path operand, delimiters excluded.
type Include struct {
	Path   string
	Angled bool
	Span   Span
}

// Define records a #define directive so the segmenter can distinguish
// function-like macros (open paren immediately follows the name) from
// object-like ones.
type Define struct {
	Name     string
	FuncLike bool
	// DirIndex is the token index of the "#define" directive token.
	DirIndex int
	Span     Span
}

// Extent is the half-open token index range [First, Last) covered by a single
// preprocessor directive's logical line, continuations included.
type Extent struct {
	First int
	Last  int
}

// Sequence is the canonical form of one source file.
type Sequence struct {
	Tokens     []Token
	Markers    []Marker
	Includes   []Include
	Defines    []Define
	Directives []Extent
}

// Fingerprint hashes the canonical tokens in [from, to). Token kind and text
// are both framed in, so "ab c" and "a bc" differ while comment and
// whitespace edits do not.
func (s *Sequence) Fingerprint(from, to int) fingerprint.Fingerprint {
	parts := make([]string, 0, to-from)
	for _, tok := range s.Tokens[from:to] {
		parts = append(parts, string(rune('0'+tok.Kind))+tok.Text)
	}
	return fingerprint.OfStrings(parts)
}

// Identifiers returns the deduplicated identifier texts in [from, to).
func (s *Sequence) Identifiers(from, to int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range s.Tokens[from:to] {
		if tok.Kind == KindIdentifier && !seen[tok.Text] {
			seen[tok.Text] = true
			out = append(out, tok.Text)
		}
	}
	return out
}

// Error reports malformed lexical content: unterminated string or character
// literals and unterminated block comments.
type Error struct {
	Span Span
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Span.Line, e.Span.Col, e.Msg)
}

type scanner struct {
	src  []byte
	pos  int
	line int
	col  int

	seq *Sequence

	// inDirective is set between a line-start '#' and the end of the
	// directive's logical line (backslash continuations included).
	inDirective    bool
	directiveStart int
	// lineHasToken tracks whether a token was emitted on the current logical
	// line, used to recognize '#' at line start.
	lineHasToken bool
}

// Canonicalize scans src into a canonical token sequence. It fails with
// *Error on unterminated string/char literals or block comments; callers
// treat such files as always-dirty rather than aborting the run.
func Canonicalize(src []byte) (*Sequence, error) {
	s := &scanner{src: src, line: 1, col: 1, seq: &Sequence{}}
	if err := s.run(); err != nil {
		return nil, err
	}
	return s.seq, nil
}

func (s *scanner) run() error {
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		switch {
		case c == '\\' && s.peekIsNewline(s.pos+1):
			// Line continuation: consumed as whitespace. Keeps directives open.
			s.advance()            // backslash
			s.consumeNewline(true) // newline, directive stays open
		case c == '\n' || c == '\r':
			s.consumeNewline(false)
		case c == ' ' || c == '\t' || c == '\v' || c == '\f':
			s.advance()
		case c == '/' && s.peek(s.pos+1) == '/':
			s.lineComment()
		case c == '/' && s.peek(s.pos+1) == '*':
			if err := s.blockComment(); err != nil {
				return err
			}
		case c == '"':
			if err := s.quoted('"', KindString); err != nil {
				return err
			}
		case c == '\'':
			if err := s.quoted('\'', KindChar); err != nil {
				return err
			}
		case c == '#' && !s.lineHasToken && !s.inDirective:
			s.directive()
		case isIdentStart(c):
			s.identifier()
		case c >= '0' && c <= '9':
			s.number()
		default:
			s.emit(KindPunct, string(c), s.here())
			s.advance()
		}
	}
	s.closeDirective()
	return nil
}

func (s *scanner) here() Span { return Span{Line: s.line, Col: s.col} }

func (s *scanner) peek(i int) byte {
	if i < len(s.src) {
		return s.src[i]
	}
	return 0
}

func (s *scanner) peekIsNewline(i int) bool {
	return s.peek(i) == '\n' || (s.peek(i) == '\r' && s.peek(i+1) == '\n')
}

func (s *scanner) advance() {
	if s.src[s.pos] == '\n' {
		s.line++
		s.col = 1
	} else {
		s.col++
	}
	s.pos++
}

// consumeNewline consumes "\n", "\r\n" or a bare "\r". When escaped is false
// the logical line ends: any open directive closes and the line-start state
// resets.
func (s *scanner) consumeNewline(escaped bool) {
	if s.src[s.pos] == '\r' {
		s.pos++
		s.col++
		if s.pos < len(s.src) && s.src[s.pos] == '\n' {
			s.advance()
		} else {
			s.line++
			s.col = 1
		}
	} else {
		s.advance()
	}
	if !escaped {
		s.closeDirective()
		s.lineHasToken = false
	}
}

func (s *scanner) closeDirective() {
	if s.inDirective {
		s.seq.Directives = append(s.seq.Directives, Extent{
			First: s.directiveStart,
			Last:  len(s.seq.Tokens),
		})
		s.inDirective = false
	}
}

func (s *scanner) emit(kind Kind, text string, span Span) {
	s.seq.Tokens = append(s.seq.Tokens, Token{Kind: kind, Text: text, Span: span})
	s.lineHasToken = true
}

func (s *scanner) lineComment() {
	span := s.here()
	start := s.pos
	for s.pos < len(s.src) && s.src[s.pos] != '\n' {
		// A continuation at end of a // comment extends it, same as cpp.
		if s.src[s.pos] == '\\' && s.peekIsNewline(s.pos+1) {
			s.advance()
			s.consumeNewline(true)
			continue
		}
		s.advance()
	}
	s.scanMarkers(string(s.src[start:s.pos]), span)
}

func (s *scanner) blockComment() error {
	span := s.here()
	start := s.pos
	s.advance() // '/'
	s.advance() // '*'
	for s.pos < len(s.src) {
		if s.src[s.pos] == '*' && s.peek(s.pos+1) == '/' {
			s.advance()
			s.advance()
			s.scanMarkers(string(s.src[start:s.pos]), span)
			return nil
		}
		s.advance()
	}
	return &Error{Span: span, Msg: "unterminated block comment"}
}

// scanMarkers extracts ZEN(...) tags from comment text. Tags are
// comma-separated names inside the parentheses.
func (s *scanner) scanMarkers(comment string, span Span) {
	rest := comment
	for {
		i := strings.Index(rest, "ZEN(")
		if i < 0 {
			return
		}
		rest = rest[i+len("ZEN("):]
		j := strings.IndexByte(rest, ')')
		if j < 0 {
			return
		}
		for _, name := range strings.Split(rest[:j], ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				s.seq.Markers = append(s.seq.Markers, Marker{Name: name, Span: span})
			}
		}
		rest = rest[j+1:]
	}
}

func (s *scanner) quoted(quote byte, kind Kind) error {
	span := s.here()
	var b strings.Builder
	b.WriteByte(quote)
	s.advance()
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		switch {
		case c == '\\':
			b.WriteByte(c)
			s.advance()
			if s.pos < len(s.src) {
				b.WriteByte(s.src[s.pos])
				s.advance()
			}
		case c == '\n' || c == '\r':
			return &Error{Span: span, Msg: fmt.Sprintf("unterminated %s literal", kindName(kind))}
		case c == quote:
			b.WriteByte(c)
			s.advance()
			s.emit(kind, b.String(), span)
			return nil
		default:
			b.WriteByte(c)
			s.advance()
		}
	}
	return &Error{Span: span, Msg: fmt.Sprintf("unterminated %s literal", kindName(kind))}
}

func kindName(k Kind) string {
	if k == KindChar {
		return "character"
	}
	return "string"
}

// directive scans a line-start '#', emitting a single KindDirective token for
// "#name". The directive's body tokens are scanned like ordinary code so
// macro bodies can later be segmented; #include paths additionally get a
// dedicated token and an Include record.
func (s *scanner) directive() {
	span := s.here()
	s.advance() // '#'
	for s.pos < len(s.src) && (s.src[s.pos] == ' ' || s.src[s.pos] == '\t') {
		s.advance()
	}
	nameStart := s.pos
	for s.pos < len(s.src) && isIdentPart(s.src[s.pos]) {
		s.advance()
	}
	name := string(s.src[nameStart:s.pos])
	s.directiveStart = len(s.seq.Tokens)
	s.inDirective = true
	s.emit(KindDirective, "#"+name, span)

	switch name {
	case "include", "include_next", "import":
		s.includePath()
	case "define":
		s.defineName()
	}
}

// includePath scans the <...> or "..." operand of an include-style directive.
// Macro-named includes (#include FOO_H) fall through to ordinary tokens.
func (s *scanner) includePath() {
	for s.pos < len(s.src) && (s.src[s.pos] == ' ' || s.src[s.pos] == '\t') {
		s.advance()
	}
	if s.pos >= len(s.src) {
		return
	}
	open := s.src[s.pos]
	if open != '<' && open != '"' {
		return
	}
	closeCh := open
	if open == '<' {
		closeCh = '>'
	}
	span := s.here()
	s.advance()
	start := s.pos
	for s.pos < len(s.src) && s.src[s.pos] != closeCh && s.src[s.pos] != '\n' {
		s.advance()
	}
	path := string(s.src[start:s.pos])
	if s.pos < len(s.src) && s.src[s.pos] == closeCh {
		s.advance()
	}
	s.emit(KindString, string(open)+path+string(closeCh), span)
	s.seq.Includes = append(s.seq.Includes, Include{Path: path, Angled: open == '<', Span: span})
}

// defineName scans the macro name after #define and records whether an open
// paren immediately follows it (function-like macro, per the preprocessor's
// no-whitespace rule). The name and any body are emitted as ordinary tokens.
func (s *scanner) defineName() {
	for s.pos < len(s.src) && (s.src[s.pos] == ' ' || s.src[s.pos] == '\t') {
		s.advance()
	}
	if s.pos >= len(s.src) || !isIdentStart(s.src[s.pos]) {
		return
	}
	span := s.here()
	start := s.pos
	for s.pos < len(s.src) && isIdentPart(s.src[s.pos]) {
		s.advance()
	}
	name := string(s.src[start:s.pos])
	s.seq.Defines = append(s.seq.Defines, Define{
		Name:     name,
		FuncLike: s.pos < len(s.src) && s.src[s.pos] == '(',
		DirIndex: s.directiveStart,
		Span:     span,
	})
	s.emit(KindIdentifier, name, span)
}

func (s *scanner) identifier() {
	span := s.here()
	start := s.pos
	for s.pos < len(s.src) && isIdentPart(s.src[s.pos]) {
		s.advance()
	}
	s.emit(KindIdentifier, string(s.src[start:s.pos]), span)
}

// number scans an integer or floating literal, including hex, digit
// separators, and exponent signs.
func (s *scanner) number() {
	span := s.here()
	start := s.pos
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		switch {
		case isIdentPart(c) || c == '.' || c == '\'':
			s.advance()
		case (c == '+' || c == '-') && isExponent(s.src[s.pos-1]):
			s.advance()
		default:
			s.emit(KindNumber, string(s.src[start:s.pos]), span)
			return
		}
	}
	s.emit(KindNumber, string(s.src[start:s.pos]), span)
}

func isExponent(c byte) bool {
	return c == 'e' || c == 'E' || c == 'p' || c == 'P'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
