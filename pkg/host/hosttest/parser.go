package hosttest

import "fmt"

// node is an expression in the scripted host language.
type node interface{}

type (
	numLit  struct{ v float64 }
	strLit  struct{ v string }
	boolLit struct{ v bool }
	nullLit struct{}
	ident   struct{ name string }
	negExpr struct{ x node }
	binExpr struct {
		op          tokenType
		left, right node
	}
	indexExpr  struct{ x, key node }
	assignExpr struct {
		name  string
		value node
	}
	callExpr struct {
		fn   node
		args []argNode
		text string
	}
	funcLit struct {
		params []string
		body   []stmt
		text   string
	}
)

type argNode struct {
	name  string
	value node
}

// stmt is one top-level or block-level statement with its starting line.
type stmt struct {
	line int
	text string
	expr node
}

type parser struct {
	src  string
	toks []token
	i    int
}

// parseProgram parses src into statements.
func parseProgram(src string) ([]stmt, error) {
	toks, err := newLexer(src).scan()
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	return p.statements(tokEOF)
}

func (p *parser) peek() token {
	if p.i >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.i]
}

func (p *parser) prev() token { return p.toks[p.i-1] }

func (p *parser) atEnd() bool { return p.peek().typ == tokEOF }

func (p *parser) match(types ...tokenType) bool {
	if p.atEnd() {
		return false
	}
	for _, t := range types {
		if p.peek().typ == t {
			p.i++
			return true
		}
	}
	return false
}

func (p *parser) need(t tokenType, msg string) (token, error) {
	if p.match(t) {
		return p.prev(), nil
	}
	got := p.peek()
	if got.typ == tokEOF {
		return token{}, &parseError{incomplete: true, line: got.line, msg: msg}
	}
	return token{}, &parseError{line: got.line, msg: fmt.Sprintf("%s, got %q", msg, got.lexeme)}
}

func (p *parser) skipSeparators() {
	for p.match(tokNewline, tokSemi) {
	}
}

// statements parses until the closing token (EOF or '}').
func (p *parser) statements(closing tokenType) ([]stmt, error) {
	var out []stmt
	p.skipSeparators()
	for p.peek().typ != closing {
		if p.atEnd() {
			return nil, &parseError{incomplete: true, line: p.peek().line, msg: "unexpected end of input"}
		}
		first := p.peek()
		expr, err := p.statement()
		if err != nil {
			return nil, err
		}
		out = append(out, stmt{line: first.line, text: p.src[first.start:p.prev().end], expr: expr})

		if p.peek().typ == closing {
			break
		}
		if !p.match(tokNewline, tokSemi) {
			got := p.peek()
			return nil, &parseError{line: got.line, msg: fmt.Sprintf("unexpected %q", got.lexeme)}
		}
		p.skipSeparators()
	}
	return out, nil
}

func (p *parser) statement() (node, error) {
	if p.peek().typ == tokIdent && p.i+1 < len(p.toks) && p.toks[p.i+1].typ == tokAssign {
		name := p.peek().literal.(string)
		p.i += 2
		value, err := p.expression()
		if err != nil {
			return nil, err
		}
		return &assignExpr{name: name, value: value}, nil
	}
	return p.expression()
}

func (p *parser) expression() (node, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for p.match(tokPlus, tokMinus) {
		op := p.prev().typ
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = &binExpr{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) term() (node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.match(tokStar, tokSlash) {
		op := p.prev().typ
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = &binExpr{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) unary() (node, error) {
	if p.match(tokMinus) {
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &negExpr{x: x}, nil
	}
	return p.postfix()
}

func (p *parser) postfix() (node, error) {
	start := p.peek().start
	x, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.match(tokLParen):
			args, err := p.arguments()
			if err != nil {
				return nil, err
			}
			x = &callExpr{fn: x, args: args, text: p.src[start:p.prev().end]}
		case p.match(tokLIndex):
			key, err := p.expression()
			if err != nil {
				return nil, err
			}
			if _, err := p.need(tokRIndex, "expected ]]"); err != nil {
				return nil, err
			}
			x = &indexExpr{x: x, key: key}
		default:
			return x, nil
		}
	}
}

func (p *parser) arguments() ([]argNode, error) {
	var args []argNode
	if p.match(tokRParen) {
		return args, nil
	}
	for {
		var a argNode
		if p.peek().typ == tokIdent && p.i+1 < len(p.toks) && p.toks[p.i+1].typ == tokEquals {
			a.name = p.peek().literal.(string)
			p.i += 2
		}
		value, err := p.expression()
		if err != nil {
			return nil, err
		}
		a.value = value
		args = append(args, a)
		if p.match(tokComma) {
			continue
		}
		if _, err := p.need(tokRParen, "expected )"); err != nil {
			return nil, err
		}
		return args, nil
	}
}

func (p *parser) primary() (node, error) {
	tok := p.peek()
	switch {
	case p.match(tokNumber):
		return &numLit{v: tok.literal.(float64)}, nil
	case p.match(tokString):
		return &strLit{v: tok.literal.(string)}, nil
	case p.match(tokTrue):
		return &boolLit{v: true}, nil
	case p.match(tokFalse):
		return &boolLit{v: false}, nil
	case p.match(tokNull):
		return &nullLit{}, nil
	case p.match(tokIdent):
		return &ident{name: tok.literal.(string)}, nil
	case p.match(tokLParen):
		x, err := p.expression()
		if err != nil {
			return nil, err
		}
		if _, err := p.need(tokRParen, "expected )"); err != nil {
			return nil, err
		}
		return x, nil
	case p.match(tokFunction):
		return p.function(tok)
	}
	if tok.typ == tokEOF {
		return nil, &parseError{incomplete: true, line: tok.line, msg: "unexpected end of input"}
	}
	return nil, &parseError{line: tok.line, msg: fmt.Sprintf("unexpected %q", tok.lexeme)}
}

func (p *parser) function(start token) (node, error) {
	if _, err := p.need(tokLParen, "expected ( after function"); err != nil {
		return nil, err
	}
	var params []string
	for !p.match(tokRParen) {
		name, err := p.need(tokIdent, "expected parameter name")
		if err != nil {
			return nil, err
		}
		params = append(params, name.literal.(string))
		if !p.match(tokComma) && p.peek().typ != tokRParen {
			if _, err := p.need(tokRParen, "expected )"); err != nil {
				return nil, err
			}
			break
		}
	}
	if _, err := p.need(tokLBrace, "expected {"); err != nil {
		return nil, err
	}
	body, err := p.statements(tokRBrace)
	if err != nil {
		return nil, err
	}
	if _, err := p.need(tokRBrace, "expected }"); err != nil {
		return nil, err
	}
	return &funcLit{params: params, body: body, text: p.src[start.start:p.prev().end]}, nil
}
