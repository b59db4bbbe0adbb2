package dispatch

import (
	"fmt"
	"strings"

	"github.com/pg-sharding/mcopy/pkg/dialect"
)

// Statement is the parsed form of a dispatched COPY command.
type Statement struct {
	Relation string
	Columns  []string
	Dir      dialect.Direction
	Filename string
	Program  string
	Options  []dialect.Option
}

// ParseStatement reads a statement produced by RewriteCommand back into
// its parts. The worker hands Options to the dialect parser afterwards;
// nothing is validated here beyond the grammar itself.
func ParseStatement(sql string) (*Statement, error) {
	toks, err := lexStatement(sql)
	if err != nil {
		return nil, err
	}
	p := &stmtParser{toks: toks}

	if err := p.expectWord("COPY"); err != nil {
		return nil, err
	}

	st := &Statement{}
	name, err := p.name()
	if err != nil {
		return nil, err
	}
	st.Relation = name

	if p.peekPunct("(") {
		p.pos++
		for {
			col, err := p.name()
			if err != nil {
				return nil, err
			}
			st.Columns = append(st.Columns, col)
			if p.peekPunct(",") {
				p.pos++
				continue
			}
			break
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
	}

	switch kw := strings.ToUpper(p.word()); kw {
	case "FROM":
		st.Dir = dialect.DirectionLoad
	case "TO":
		st.Dir = dialect.DirectionUnload
	default:
		return nil, fmt.Errorf("expected FROM or TO, got %q", kw)
	}

	tok := p.next()
	switch {
	case tok.kind == tokWord && strings.EqualFold(tok.val, "STDIN"):
	case tok.kind == tokWord && strings.EqualFold(tok.val, "STDOUT"):
	case tok.kind == tokWord && strings.EqualFold(tok.val, "PROGRAM"):
		lit, err := p.literal()
		if err != nil {
			return nil, err
		}
		st.Program = lit
		if err := p.expectWords("ON", "SEGMENT"); err != nil {
			return nil, err
		}
		st.Options = append(st.Options, dialect.Option{Name: "on_segment"})
	case tok.kind == tokLit:
		st.Filename = tok.val
		if err := p.expectWords("ON", "SEGMENT"); err != nil {
			return nil, err
		}
		st.Options = append(st.Options, dialect.Option{Name: "on_segment"})
	default:
		return nil, fmt.Errorf("expected a copy source or target, got %q", tok.val)
	}

	if err := p.expectWord("WITH"); err != nil {
		return nil, err
	}

	for {
		tok := p.next()
		if tok.kind == tokEnd {
			break
		}
		if tok.kind != tokWord {
			return nil, fmt.Errorf("expected an option, got %q", tok.val)
		}
		if err := p.option(st, strings.ToUpper(tok.val)); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (p *stmtParser) option(st *Statement, kw string) error {
	push := func(name, arg string) {
		st.Options = append(st.Options, dialect.Option{Name: name, Arg: arg})
	}

	switch kw {
	case "BINARY", "OIDS", "CSV", "HEADER":
		push(strings.ToLower(kw), "")
	case "DELIMITER", "NULL", "QUOTE", "ESCAPE", "NEWLINE":
		if err := p.expectWord("AS"); err != nil {
			return err
		}
		lit, err := p.literal()
		if err != nil {
			return err
		}
		push(strings.ToLower(kw), lit)
	case "FILL":
		if err := p.expectWords("MISSING", "FIELDS"); err != nil {
			return err
		}
		push("fill_missing_fields", "")
	case "LOG":
		if err := p.expectWord("ERRORS"); err != nil {
			return err
		}
		push("log_errors", "")
	case "FORCE":
		next := strings.ToUpper(p.word())
		var name string
		switch next {
		case "QUOTE":
			name = "force_quote"
		case "NOT":
			if err := p.expectWord("NULL"); err != nil {
				return err
			}
			name = "force_not_null"
		default:
			return fmt.Errorf("expected QUOTE or NOT NULL after FORCE, got %q", next)
		}
		cols, err := p.nameList()
		if err != nil {
			return err
		}
		st.Options = append(st.Options, dialect.Option{Name: name, Cols: cols})
	case "SEGMENT":
		if err := p.expectWords("REJECT", "LIMIT"); err != nil {
			return err
		}
		n := p.word()
		push("reject_limit", n)
		switch kind := strings.ToUpper(p.word()); kind {
		case "ROWS":
			push("reject_limit_kind", "rows")
		case "PERCENT":
			push("reject_limit_kind", "percent")
		default:
			return fmt.Errorf("expected ROWS or PERCENT, got %q", kind)
		}
	default:
		return fmt.Errorf("unexpected option %q", kw)
	}
	return nil
}

/* tokens */

type tokKind int

const (
	tokWord = tokKind(iota)
	tokIdent
	tokLit
	tokPunct
	tokEnd
)

type token struct {
	kind tokKind
	val  string
}

type stmtParser struct {
	toks []token
	pos  int
}

func (p *stmtParser) next() token {
	if p.pos >= len(p.toks) {
		return token{kind: tokEnd}
	}
	t := p.toks[p.pos]
	p.pos++
	return t
}

func (p *stmtParser) word() string {
	t := p.next()
	if t.kind != tokWord {
		return ""
	}
	return t.val
}

func (p *stmtParser) name() (string, error) {
	t := p.next()
	if t.kind != tokIdent && t.kind != tokWord {
		return "", fmt.Errorf("expected a name, got %q", t.val)
	}
	return t.val, nil
}

func (p *stmtParser) nameList() ([]string, error) {
	var names []string
	for {
		n, err := p.name()
		if err != nil {
			return nil, err
		}
		names = append(names, n)
		if p.peekPunct(",") {
			p.pos++
			continue
		}
		return names, nil
	}
}

func (p *stmtParser) literal() (string, error) {
	t := p.next()
	if t.kind != tokLit {
		return "", fmt.Errorf("expected a string constant, got %q", t.val)
	}
	return t.val, nil
}

func (p *stmtParser) peekPunct(v string) bool {
	return p.pos < len(p.toks) &&
		p.toks[p.pos].kind == tokPunct && p.toks[p.pos].val == v
}

func (p *stmtParser) expectPunct(v string) error {
	t := p.next()
	if t.kind != tokPunct || t.val != v {
		return fmt.Errorf("expected %q, got %q", v, t.val)
	}
	return nil
}

func (p *stmtParser) expectWord(kw string) error {
	t := p.next()
	if t.kind != tokWord || !strings.EqualFold(t.val, kw) {
		return fmt.Errorf("expected %s, got %q", kw, t.val)
	}
	return nil
}

func (p *stmtParser) expectWords(kws ...string) error {
	for _, kw := range kws {
		if err := p.expectWord(kw); err != nil {
			return err
		}
	}
	return nil
}

func lexStatement(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(' || c == ')' || c == ',':
			toks = append(toks, token{tokPunct, string(c)})
			i++
		case c == '"':
			val, n, err := lexQuoted(s[i+1:], '"', false)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokIdent, val})
			i += 1 + n
		case c == '\'':
			val, n, err := lexQuoted(s[i+1:], '\'', false)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokLit, val})
			i += 1 + n
		case (c == 'E' || c == 'e') && i+1 < len(s) && s[i+1] == '\'':
			val, n, err := lexQuoted(s[i+2:], '\'', true)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokLit, val})
			i += 2 + n
		case isWordByte(c):
			j := i
			for j < len(s) && isWordByte(s[j]) {
				j++
			}
			toks = append(toks, token{tokWord, s[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q in statement", c)
		}
	}
	return toks, nil
}

/* consume a quoted run starting just after the opening quote; returns the
   decoded value and bytes consumed including the closing quote */
func lexQuoted(s string, quote byte, escaped bool) (string, int, error) {
	var sb strings.Builder
	i := 0
	for i < len(s) {
		c := s[i]
		if c == quote {
			if i+1 < len(s) && s[i+1] == quote {
				sb.WriteByte(quote)
				i += 2
				continue
			}
			return sb.String(), i + 1, nil
		}
		if escaped && c == '\\' && i+1 < len(s) {
			i++
			e := s[i]
			if e == 'x' || e == 'X' {
				v, digits := 0, 0
				for digits < 2 && i+1 < len(s) {
					h := hexVal(s[i+1])
					if h < 0 {
						break
					}
					v = v*16 + h
					digits++
					i++
				}
				if digits == 0 {
					sb.WriteByte(e)
				} else {
					sb.WriteByte(byte(v))
				}
			} else {
				sb.WriteByte(e)
			}
			i++
			continue
		}
		sb.WriteByte(c)
		i++
	}
	return "", 0, fmt.Errorf("unterminated string constant")
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' || c == '_'
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}
