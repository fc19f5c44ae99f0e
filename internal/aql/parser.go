// Package aql implements the small query front the delivery layer is
// exercised with: FOR/FILTER/LIMIT/RETURN over collections and integer
// ranges, with @name bind parameters. Value expressions are handed to the
// embedded evaluator; the parser only carves the statement apart and
// validates its shape.
package aql

import (
	"fmt"
	"strconv"
	"strings"

	apierr "github.com/kartikbazzad/cursordb/internal/errors"
	"github.com/kartikbazzad/cursordb/internal/eval"
)

type SourceKind int

const (
	SourceNone SourceKind = iota // bare RETURN
	SourceRange
	SourceCollection
)

type Statement struct {
	Raw string

	Var        string
	Source     SourceKind
	RangeLo    int64
	RangeHi    int64
	Collection string

	Filter string // evaluator expression, "" when absent
	Return string // evaluator expression

	HasLimit bool
	Offset   int
	Count    int

	// ReturnPath is set when the RETURN expression is the loop variable
	// or a dot path under it. Such projections bypass the evaluator so
	// stored values round-trip exactly.
	ReturnPath []string
	// BindReturn is set when the RETURN expression is exactly one @name;
	// the bind value is returned verbatim.
	BindReturn string

	BindVars []string
}

// Collections returns the collections the statement reads. Feeds both
// unknown-collection validation and the cache signature.
func (s *Statement) Collections() []string {
	if s.Source == SourceCollection {
		return []string{s.Collection}
	}
	return nil
}

// Check compiles the statement's expressions without evaluating, so
// malformed expressions fail at validation time.
func (s *Statement) Check(eng *eval.Engine) error {
	vars := []string{"bind"}
	if s.Var != "" {
		vars = append(vars, s.Var)
	}
	if s.Filter != "" {
		if err := eng.Check(s.Filter, vars); err != nil {
			return err
		}
	}
	if s.ReturnPath == nil && s.BindReturn == "" {
		if err := eng.Check(s.Return, vars); err != nil {
			return err
		}
	}
	return nil
}

var keywords = map[string]bool{
	"FOR": true, "IN": true, "FILTER": true, "LIMIT": true, "RETURN": true,
}

func isKeyword(w string) bool {
	return keywords[strings.ToUpper(w)]
}

// Parse parses a query. Errors carry the parse failure number and a
// position-bearing diagnostic.
func Parse(query string) (*Statement, error) {
	sc := &scanner{s: query}
	sc.skipSpace()
	if sc.eof() {
		return nil, apierr.Numbered(apierr.NumParseFailed, "query is empty")
	}

	stmt := &Statement{Raw: query}

	word, pos := sc.readWord()
	switch strings.ToUpper(word) {
	case "RETURN":
		if err := parseReturn(sc, stmt); err != nil {
			return nil, err
		}
	case "FOR":
		if err := parseFor(sc, stmt); err != nil {
			return nil, err
		}
	default:
		return nil, syntaxErr(pos, "expected FOR or RETURN, found %q", word)
	}

	sc.skipSpace()
	if !sc.eof() {
		return nil, syntaxErr(sc.pos, "unexpected trailing input")
	}
	return stmt, nil
}

func parseFor(sc *scanner, stmt *Statement) error {
	name, pos := sc.readWord()
	if name == "" || isKeyword(name) {
		return syntaxErr(pos, "expected loop variable after FOR")
	}
	stmt.Var = name

	word, pos := sc.readWord()
	if !strings.EqualFold(word, "IN") {
		return syntaxErr(pos, "expected IN, found %q", word)
	}

	if err := parseSource(sc, stmt); err != nil {
		return err
	}

	for {
		word, pos := sc.readWord()
		switch strings.ToUpper(word) {
		case "FILTER":
			raw := sc.readExprUntil("FILTER", "LIMIT", "RETURN")
			if raw == "" {
				return syntaxErr(pos, "expected expression after FILTER")
			}
			rewritten, binds, err := rewriteBinds(raw, pos)
			if err != nil {
				return err
			}
			stmt.addBinds(binds)
			if stmt.Filter == "" {
				stmt.Filter = rewritten
			} else {
				// multiple FILTER clauses conjoin
				stmt.Filter = "(" + stmt.Filter + ") && (" + rewritten + ")"
			}
		case "LIMIT":
			if err := parseLimit(sc, stmt, pos); err != nil {
				return err
			}
		case "RETURN":
			return parseReturn(sc, stmt)
		default:
			return syntaxErr(pos, "expected FILTER, LIMIT or RETURN, found %q", word)
		}
	}
}

func parseSource(sc *scanner, stmt *Statement) error {
	sc.skipSpace()
	pos := sc.pos
	if sc.eof() {
		return syntaxErr(pos, "expected range or collection after IN")
	}

	ch := sc.s[sc.pos]
	if ch == '-' || (ch >= '0' && ch <= '9') {
		lo, err := sc.readInt()
		if err != nil {
			return syntaxErr(pos, "invalid range start: %v", err)
		}
		if !sc.consume("..") {
			return syntaxErr(sc.pos, "expected .. in range")
		}
		hi, err := sc.readInt()
		if err != nil {
			return syntaxErr(sc.pos, "invalid range end: %v", err)
		}
		stmt.Source = SourceRange
		stmt.RangeLo = lo
		stmt.RangeHi = hi
		return nil
	}

	name, pos := sc.readWord()
	if name == "" || isKeyword(name) {
		return syntaxErr(pos, "expected collection name after IN")
	}
	stmt.Source = SourceCollection
	stmt.Collection = name
	return nil
}

func parseLimit(sc *scanner, stmt *Statement, pos int) error {
	if stmt.HasLimit {
		return syntaxErr(pos, "duplicate LIMIT clause")
	}
	first, err := sc.readInt()
	if err != nil {
		return syntaxErr(sc.pos, "invalid LIMIT value: %v", err)
	}
	stmt.HasLimit = true
	sc.skipSpace()
	if sc.consume(",") {
		second, err := sc.readInt()
		if err != nil {
			return syntaxErr(sc.pos, "invalid LIMIT count: %v", err)
		}
		stmt.Offset = int(first)
		stmt.Count = int(second)
	} else {
		stmt.Count = int(first)
	}
	if stmt.Offset < 0 || stmt.Count < 0 {
		return syntaxErr(pos, "LIMIT values must not be negative")
	}
	return nil
}

func parseReturn(sc *scanner, stmt *Statement) error {
	sc.skipSpace()
	pos := sc.pos
	raw := strings.TrimSpace(sc.s[sc.pos:])
	sc.pos = len(sc.s)
	if raw == "" {
		return syntaxErr(pos, "expected expression after RETURN")
	}

	if stmt.Var != "" {
		if path, ok := identPath(raw); ok && path[0] == stmt.Var {
			stmt.ReturnPath = path
			stmt.Return = raw
			return nil
		}
	}
	if name, ok := soleBind(raw); ok {
		stmt.BindReturn = name
		stmt.Return = raw
		stmt.addBinds([]string{name})
		return nil
	}

	rewritten, binds, err := rewriteBinds(raw, pos)
	if err != nil {
		return err
	}
	stmt.Return = rewritten
	stmt.addBinds(binds)
	return nil
}

func (s *Statement) addBinds(names []string) {
	for _, n := range names {
		found := false
		for _, have := range s.BindVars {
			if have == n {
				found = true
				break
			}
		}
		if !found {
			s.BindVars = append(s.BindVars, n)
		}
	}
}

func syntaxErr(pos int, format string, args ...interface{}) error {
	return apierr.Numbered(apierr.NumParseFailed,
		"syntax error near position %d: %s", pos, fmt.Sprintf(format, args...))
}

// identPath matches ident(.ident)* and returns the segments.
func identPath(s string) ([]string, bool) {
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if !isIdent(p) {
			return nil, false
		}
	}
	return parts, true
}

func soleBind(s string) (string, bool) {
	if !strings.HasPrefix(s, "@") {
		return "", false
	}
	name := s[1:]
	if !isIdent(name) {
		return "", false
	}
	return name, true
}

func isIdent(s string) bool {
	if s == "" || !isIdentStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isIdentChar(s[i]) {
			return false
		}
	}
	return !isKeyword(s)
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentChar(ch byte) bool {
	return isIdentStart(ch) || (ch >= '0' && ch <= '9')
}

// rewriteBinds replaces every @name outside string literals with
// bind.name, the spelling the evaluator sees, and collects the names.
func rewriteBinds(expr string, base int) (string, []string, error) {
	var out strings.Builder
	var names []string
	i := 0
	for i < len(expr) {
		ch := expr[i]
		switch {
		case ch == '\'' || ch == '"':
			j := skipStringLit(expr, i)
			out.WriteString(expr[i:j])
			i = j
		case ch == '@':
			j := i + 1
			if j < len(expr) && expr[j] == '@' {
				return "", nil, syntaxErr(base+i, "collection bind parameters are not supported")
			}
			start := j
			for j < len(expr) && isIdentChar(expr[j]) {
				j++
			}
			if start == j || !isIdentStart(expr[start]) {
				return "", nil, syntaxErr(base+i, "invalid bind parameter name")
			}
			name := expr[start:j]
			out.WriteString("bind." + name)
			names = append(names, name)
			i = j
		default:
			out.WriteByte(ch)
			i++
		}
	}
	return out.String(), names, nil
}

func skipStringLit(s string, i int) int {
	quote := s[i]
	i++
	for i < len(s) {
		switch s[i] {
		case '\\':
			i += 2
		case quote:
			return i + 1
		default:
			i++
		}
	}
	return i
}

type scanner struct {
	s   string
	pos int
}

func (sc *scanner) eof() bool {
	return sc.pos >= len(sc.s)
}

func (sc *scanner) skipSpace() {
	for !sc.eof() {
		switch sc.s[sc.pos] {
		case ' ', '\t', '\n', '\r':
			sc.pos++
		default:
			return
		}
	}
}

// readWord skips space and reads one identifier-shaped word, returning
// it with its start position. Empty when the next byte is not a word.
func (sc *scanner) readWord() (string, int) {
	sc.skipSpace()
	start := sc.pos
	if sc.eof() || !isIdentStart(sc.s[sc.pos]) {
		return "", start
	}
	for !sc.eof() && isIdentChar(sc.s[sc.pos]) {
		sc.pos++
	}
	return sc.s[start:sc.pos], start
}

func (sc *scanner) consume(tok string) bool {
	sc.skipSpace()
	if strings.HasPrefix(sc.s[sc.pos:], tok) {
		sc.pos += len(tok)
		return true
	}
	return false
}

func (sc *scanner) readInt() (int64, error) {
	sc.skipSpace()
	start := sc.pos
	if !sc.eof() && sc.s[sc.pos] == '-' {
		sc.pos++
	}
	for !sc.eof() && sc.s[sc.pos] >= '0' && sc.s[sc.pos] <= '9' {
		sc.pos++
	}
	if sc.pos == start || (sc.pos == start+1 && sc.s[start] == '-') {
		return 0, fmt.Errorf("expected integer")
	}
	return strconv.ParseInt(sc.s[start:sc.pos], 10, 64)
}

// readExprUntil consumes text up to the next top-level stop keyword,
// honoring string literals and bracket nesting.
func (sc *scanner) readExprUntil(stop ...string) string {
	sc.skipSpace()
	start := sc.pos
	depth := 0
	for !sc.eof() {
		ch := sc.s[sc.pos]
		switch {
		case ch == '\'' || ch == '"':
			sc.pos = skipStringLit(sc.s, sc.pos)
		case ch == '(' || ch == '[' || ch == '{':
			depth++
			sc.pos++
		case ch == ')' || ch == ']' || ch == '}':
			depth--
			sc.pos++
		case depth == 0 && isIdentStart(ch):
			wstart := sc.pos
			for !sc.eof() && isIdentChar(sc.s[sc.pos]) {
				sc.pos++
			}
			word := sc.s[wstart:sc.pos]
			for _, k := range stop {
				if strings.EqualFold(word, k) {
					sc.pos = wstart
					return strings.TrimSpace(sc.s[start:wstart])
				}
			}
		default:
			sc.pos++
		}
	}
	return strings.TrimSpace(sc.s[start:sc.pos])
}
