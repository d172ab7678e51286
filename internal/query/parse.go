package query

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Parse reads a rendered subscription query (SELECT * FROM <table>
// [WHERE <expr>]) back into a table name and predicate tree. The server
// uses this to recover the predicate from untrusted query text; only the
// parsed tree is ever applied, never the raw SQL. A query without a WHERE
// clause returns a nil expression.
func Parse(queryText string) (string, Expr, error) {
	p := &parser{}
	if err := p.tokenize(queryText); err != nil {
		return "", nil, err
	}

	if err := p.expectKeyword("SELECT"); err != nil {
		return "", nil, err
	}
	if err := p.expectPunct("*"); err != nil {
		return "", nil, err
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return "", nil, err
	}
	table, err := p.ident()
	if err != nil {
		return "", nil, err
	}

	if p.done() {
		return table, nil, nil
	}
	if err := p.expectKeyword("WHERE"); err != nil {
		return "", nil, err
	}
	expr, err := p.orExpr()
	if err != nil {
		return "", nil, err
	}
	if !p.done() {
		return "", nil, fmt.Errorf("unexpected trailing input at %q", p.peek().text)
	}
	return table, expr, nil
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokPunct // ( ) = *
)

type token struct {
	kind   tokenKind
	text   string
	quoted bool // double-quoted identifier; never a keyword
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) tokenize(input string) error {
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(' || r == ')' || r == '=' || r == '*':
			p.tokens = append(p.tokens, token{kind: tokPunct, text: string(r)})
			i++
		case r == '\'':
			text, next, err := scanQuoted(runes, i, '\'')
			if err != nil {
				return err
			}
			p.tokens = append(p.tokens, token{kind: tokString, text: text})
			i = next
		case r == '"':
			text, next, err := scanQuoted(runes, i, '"')
			if err != nil {
				return err
			}
			p.tokens = append(p.tokens, token{kind: tokIdent, text: text, quoted: true})
			i = next
		case unicode.IsDigit(r) || r == '-' || r == '+':
			start := i
			i++
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.' ||
				runes[i] == 'e' || runes[i] == 'E' || runes[i] == '-' || runes[i] == '+') {
				// Sign characters only follow an exponent marker.
				if (runes[i] == '-' || runes[i] == '+') && runes[i-1] != 'e' && runes[i-1] != 'E' {
					break
				}
				i++
			}
			p.tokens = append(p.tokens, token{kind: tokNumber, text: string(runes[start:i])})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			p.tokens = append(p.tokens, token{kind: tokIdent, text: string(runes[start:i])})
		default:
			return fmt.Errorf("unexpected character %q in query", string(r))
		}
	}
	return nil
}

// scanQuoted reads a quoted run starting at runes[start] (the opening
// quote), with the quote character doubled as the escape.
func scanQuoted(runes []rune, start int, quote rune) (string, int, error) {
	var sb strings.Builder
	i := start + 1
	for i < len(runes) {
		if runes[i] == quote {
			if i+1 < len(runes) && runes[i+1] == quote {
				sb.WriteRune(quote)
				i += 2
				continue
			}
			return sb.String(), i + 1, nil
		}
		sb.WriteRune(runes[i])
		i++
	}
	return "", 0, fmt.Errorf("unterminated %q quote in query", string(quote))
}

func (p *parser) done() bool {
	return p.pos >= len(p.tokens)
}

func (p *parser) peek() token {
	if p.done() {
		return token{}
	}
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) expectKeyword(kw string) error {
	t := p.next()
	if t.kind != tokIdent || t.quoted || !strings.EqualFold(t.text, kw) {
		return fmt.Errorf("expected %s, got %q", kw, t.text)
	}
	return nil
}

func (p *parser) expectPunct(punct string) error {
	t := p.next()
	if t.kind != tokPunct || t.text != punct {
		return fmt.Errorf("expected %q, got %q", punct, t.text)
	}
	return nil
}

func (p *parser) atKeyword(kw string) bool {
	t := p.peek()
	return t.kind == tokIdent && !t.quoted && strings.EqualFold(t.text, kw)
}

func (p *parser) ident() (string, error) {
	if p.done() {
		return "", fmt.Errorf("expected identifier, got end of query")
	}
	t := p.next()
	if t.kind != tokIdent {
		return "", fmt.Errorf("expected identifier, got %q", t.text)
	}
	return t.text, nil
}

func (p *parser) orExpr() (Expr, error) {
	operands := []Expr{}
	first, err := p.andExpr()
	if err != nil {
		return nil, err
	}
	operands = append(operands, first)
	for p.atKeyword("OR") {
		p.next()
		operand, err := p.andExpr()
		if err != nil {
			return nil, err
		}
		operands = append(operands, operand)
	}
	if len(operands) == 1 {
		return operands[0], nil
	}
	return Or(operands...), nil
}

func (p *parser) andExpr() (Expr, error) {
	operands := []Expr{}
	first, err := p.primary()
	if err != nil {
		return nil, err
	}
	operands = append(operands, first)
	for p.atKeyword("AND") {
		p.next()
		operand, err := p.primary()
		if err != nil {
			return nil, err
		}
		operands = append(operands, operand)
	}
	if len(operands) == 1 {
		return operands[0], nil
	}
	return And(operands...), nil
}

func (p *parser) primary() (Expr, error) {
	t := p.peek()
	if t.kind == tokPunct && t.text == "(" {
		p.next()
		inner, err := p.orExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return inner, nil
	}
	// Bare TRUE/FALSE are the rendered forms of the empty identity nodes.
	if p.atKeyword("TRUE") {
		p.next()
		return AndExpr{}, nil
	}
	if p.atKeyword("FALSE") {
		p.next()
		return OrExpr{}, nil
	}

	column, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct("="); err != nil {
		return nil, err
	}
	value, err := p.literal()
	if err != nil {
		return nil, err
	}
	return EqExpr{Column: column, Value: value}, nil
}

func (p *parser) literal() (any, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return t.text, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad numeric literal %q: %w", t.text, err)
		}
		return f, nil
	case tokIdent:
		if t.quoted {
			break
		}
		if strings.EqualFold(t.text, "TRUE") {
			return true, nil
		}
		if strings.EqualFold(t.text, "FALSE") {
			return false, nil
		}
	}
	return nil, fmt.Errorf("expected literal, got %q", t.text)
}
