// Package search parses and evaluates the boolean search expression
// language over typed fields, and provides locale-aware multisort.
//
// Grammar (documented precedence: not binds tightest, then implicit
// and, then or):
//
//	expr    := orExpr
//	orExpr  := andExpr ( 'or' andExpr )*
//	andExpr := notExpr ( 'and'? notExpr )*
//	notExpr := 'not' notExpr | '(' expr ')' | atom
//	atom    := [location ':'] ['=' | '~'] query
package search

import (
	"fmt"
	"strings"

	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
)

// ParseError is the single error shape for anything wrong with a
// search expression: bad syntax, bad regex, bad date or number
// literal, grouped-term recursion.
type ParseError struct {
	Expression string
	Pos        int
	Reason     string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse search expression %q at offset %d: %s", e.Expression, e.Pos, e.Reason)
}

func (e *ParseError) ErrKind() liberr.Kind { return liberr.SearchParse }

func parseErr(expr string, pos int, format string, args ...any) *ParseError {
	return &ParseError{Expression: expr, Pos: pos, Reason: fmt.Sprintf(format, args...)}
}

// ---- AST ----

type node interface{ astNode() }

type orNode struct{ children []node }
type andNode struct{ children []node }
type notNode struct{ child node }

// atomNode is one [location]:[=|~]query term.
type atomNode struct {
	loc   string // canonicalized lower-case location, "all" when omitted
	op    byte   // 0 contains, '=' equals, '~' regex
	query string
	pos   int // offset in the original expression, for error reports
}

func (orNode) astNode()   {}
func (andNode) astNode()  {}
func (notNode) astNode()  {}
func (atomNode) astNode() {}

// ---- lexer ----

type tokKind int

const (
	tokWord tokKind = iota
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lex(expr string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '"':
			end := strings.IndexByte(expr[i+1:], '"')
			if end < 0 {
				return nil, parseErr(expr, i, "unterminated quote")
			}
			toks = append(toks, token{tokWord, expr[i+1 : i+1+end], i})
			i += end + 2
		default:
			start := i
			emitted := false
			for i < len(expr) && !strings.ContainsRune(" \t\n\r()", rune(expr[i])) {
				if expr[i] == ':' && i+1 < len(expr) && expr[i+1] == '"' {
					// location:"quoted phrase" stays one token
					end := strings.IndexByte(expr[i+2:], '"')
					if end < 0 {
						return nil, parseErr(expr, i+1, "unterminated quote")
					}
					word := expr[start:i+1] + expr[i+2:i+2+end]
					toks = append(toks, token{tokWord, word, start})
					i += end + 3
					emitted = true
					break
				}
				i++
			}
			if !emitted {
				toks = append(toks, token{tokWord, expr[start:i], start})
			}
		}
	}
	toks = append(toks, token{tokEOF, "", len(expr)})
	return toks, nil
}

// ---- parser ----

type parser struct {
	expr string
	toks []token
	cur  int
}

// parse builds the AST for a search expression. A blank expression
// yields nil, meaning "the universal set".
func parse(expr string) (node, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{expr: expr, toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, parseErr(expr, p.peek().pos, "unexpected %q", p.peek().text)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.cur] }
func (p *parser) next() token { t := p.toks[p.cur]; p.cur++; return t }

func (p *parser) isKeyword(word string) bool {
	t := p.peek()
	return t.kind == tokWord && strings.EqualFold(t.text, word)
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []node{left}
	for p.isKeyword("or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return &orNode{children: children}, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	children := []node{left}
	for {
		if p.isKeyword("and") {
			p.next()
		} else if t := p.peek(); t.kind == tokEOF || t.kind == tokRParen || p.isKeyword("or") {
			break
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return &andNode{children: children}, nil
}

func (p *parser) parseNot() (node, error) {
	if p.isKeyword("not") {
		p.next()
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{child: child}, nil
	}
	switch t := p.peek(); t.kind {
	case tokLParen:
		p.next()
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, parseErr(p.expr, p.peek().pos, "missing )")
		}
		p.next()
		return n, nil
	case tokWord:
		p.next()
		return p.atomFromWord(t), nil
	default:
		return nil, parseErr(p.expr, t.pos, "expected a search term")
	}
}

func (p *parser) atomFromWord(t token) node {
	loc := "all"
	query := t.text
	if i := strings.IndexByte(t.text, ':'); i >= 0 {
		loc = strings.ToLower(t.text[:i])
		query = t.text[i+1:]
		if loc == "" {
			loc = "all"
		}
	}
	var op byte
	if len(query) > 0 && (query[0] == '=' || query[0] == '~') {
		op = query[0]
		query = query[1:]
	}
	return &atomNode{loc: loc, op: op, query: query, pos: t.pos}
}
