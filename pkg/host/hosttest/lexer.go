package hosttest

import (
	"fmt"
	"strconv"
)

// tokenType is the kind of a lexed token.
type tokenType int

const (
	tokEOF tokenType = iota
	tokNewline
	tokNumber
	tokString
	tokIdent
	tokTrue
	tokFalse
	tokNull
	tokFunction
	tokAssign // <-
	tokEquals // =
	tokLParen // (
	tokRParen // )
	tokLBrace // {
	tokRBrace // }
	tokLIndex // [[
	tokRIndex // ]]
	tokComma  // ,
	tokSemi   // ;
	tokPlus   // +
	tokMinus  // -
	tokStar   // *
	tokSlash  // /
)

var keywords = map[string]tokenType{
	"TRUE":     tokTrue,
	"FALSE":    tokFalse,
	"NULL":     tokNull,
	"function": tokFunction,
}

type token struct {
	typ     tokenType
	lexeme  string
	literal interface{}
	line    int
	start   int // byte offsets into the source
	end     int
}

// parseError is a syntax error. Incomplete errors are raised when the input
// ends inside an unterminated construct.
type parseError struct {
	incomplete bool
	line       int
	msg        string
}

func (e *parseError) Error() string {
	return fmt.Sprintf("%d: %s", e.line, e.msg)
}

type lexer struct {
	src    string
	start  int
	cur    int
	line   int
	depth  int // open ( and [[ nesting; newlines inside are insignificant
	tokens []token
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1}
}

func (l *lexer) isAtEnd() bool { return l.cur >= len(l.src) }

func (l *lexer) peek() byte {
	if l.isAtEnd() {
		return 0
	}
	return l.src[l.cur]
}

func (l *lexer) peekN(n int) byte {
	if l.cur+n >= len(l.src) {
		return 0
	}
	return l.src[l.cur+n]
}

func (l *lexer) advance() byte {
	ch := l.src[l.cur]
	l.cur++
	return ch
}

func (l *lexer) add(typ tokenType, lit interface{}) {
	l.tokens = append(l.tokens, token{
		typ:     typ,
		lexeme:  l.src[l.start:l.cur],
		literal: lit,
		line:    l.line,
		start:   l.start,
		end:     l.cur,
	})
}

func (l *lexer) errorf(incomplete bool, format string, args ...interface{}) error {
	return &parseError{incomplete: incomplete, line: l.line, msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) scan() ([]token, error) {
	for !l.isAtEnd() {
		l.start = l.cur
		if err := l.scanToken(); err != nil {
			return nil, err
		}
	}
	l.start = l.cur
	l.add(tokEOF, nil)
	return l.tokens, nil
}

func (l *lexer) scanToken() error {
	ch := l.advance()
	switch {
	case ch == ' ' || ch == '\t' || ch == '\r':
		return nil
	case ch == '\n':
		if l.depth == 0 {
			l.add(tokNewline, nil)
		}
		l.line++
		return nil
	case ch == '#':
		for !l.isAtEnd() && l.peek() != '\n' {
			l.advance()
		}
		return nil
	case ch == '"' || ch == '\'':
		return l.scanString(ch)
	case isDigit(ch) || (ch == '.' && isDigit(l.peek())):
		return l.scanNumber()
	case isIdentStart(ch):
		for !l.isAtEnd() && isIdentPart(l.peek()) {
			l.advance()
		}
		word := l.src[l.start:l.cur]
		if typ, ok := keywords[word]; ok {
			l.add(typ, nil)
		} else {
			l.add(tokIdent, word)
		}
		return nil
	}

	switch ch {
	case '<':
		if l.peek() == '-' {
			l.advance()
			l.add(tokAssign, nil)
			return nil
		}
	case '=':
		l.add(tokEquals, nil)
		return nil
	case '(':
		l.depth++
		l.add(tokLParen, nil)
		return nil
	case ')':
		if l.depth > 0 {
			l.depth--
		}
		l.add(tokRParen, nil)
		return nil
	case '[':
		if l.peek() == '[' {
			l.advance()
			l.depth++
			l.add(tokLIndex, nil)
			return nil
		}
	case ']':
		if l.peek() == ']' {
			l.advance()
			if l.depth > 0 {
				l.depth--
			}
			l.add(tokRIndex, nil)
			return nil
		}
	case '{':
		l.add(tokLBrace, nil)
		return nil
	case '}':
		l.add(tokRBrace, nil)
		return nil
	case ',':
		l.add(tokComma, nil)
		return nil
	case ';':
		l.add(tokSemi, nil)
		return nil
	case '+':
		l.add(tokPlus, nil)
		return nil
	case '-':
		l.add(tokMinus, nil)
		return nil
	case '*':
		l.add(tokStar, nil)
		return nil
	case '/':
		l.add(tokSlash, nil)
		return nil
	}
	return l.errorf(false, "unexpected input %q", string(ch))
}

func (l *lexer) scanString(quote byte) error {
	for !l.isAtEnd() && l.peek() != quote {
		if l.peek() == '\\' && l.peekN(1) != 0 {
			l.advance()
		}
		if l.peek() == '\n' {
			l.line++
		}
		l.advance()
	}
	if l.isAtEnd() {
		return l.errorf(true, "unterminated string")
	}
	l.advance()

	raw := l.src[l.start:l.cur]
	if quote == '\'' {
		raw = `"` + raw[1:len(raw)-1] + `"`
	}
	s, err := strconv.Unquote(raw)
	if err != nil {
		return l.errorf(false, "malformed string %s", raw)
	}
	l.add(tokString, s)
	return nil
}

func (l *lexer) scanNumber() error {
	for !l.isAtEnd() && (isDigit(l.peek()) || l.peek() == '.') {
		l.advance()
	}
	if l.peek() == 'L' {
		l.advance()
	}
	text := l.src[l.start:l.cur]
	if text[len(text)-1] == 'L' {
		text = text[:len(text)-1]
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return l.errorf(false, "malformed number %s", text)
	}
	l.add(tokNumber, v)
	return nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isIdentStart(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || b == '.' || b == '_'
}

func isIdentPart(b byte) bool {
	return isIdentStart(b) || isDigit(b)
}
