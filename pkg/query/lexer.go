/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package query

import (
	"strings"
	"unicode"

	"github.com/strato-cloud/strato/pkg/errors"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenField // $name
	tokenParam // @name
	tokenString
	tokenNumber
	tokenOp // = != < > <= >=
	tokenLParen
	tokenRParen
	tokenComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	input  string
	pos    int
	tokens []token
}

// lex tokenizes the expression up front; the grammar is small enough that a
// second pass costs nothing and keeps the parser free of scanner state.
func lex(input string) ([]token, error) {
	l := &lexer{input: input}
	for {
		t, err := l.next()
		if err != nil {
			return nil, err
		}
		l.tokens = append(l.tokens, t)
		if t.kind == tokenEOF {
			return l.tokens, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokenEOF, pos: l.pos}, nil
	}
	start := l.pos
	c := l.input[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokenLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokenRParen, text: ")", pos: start}, nil
	case c == ',':
		l.pos++
		return token{kind: tokenComma, text: ",", pos: start}, nil
	case c == '=':
		l.pos++
		return token{kind: tokenOp, text: "=", pos: start}, nil
	case c == '!':
		if l.pos+1 < len(l.input) && l.input[l.pos+1] == '=' {
			l.pos += 2
			return token{kind: tokenOp, text: "!=", pos: start}, nil
		}
		return token{}, errors.NewBadRequest("query: unexpected %q at offset %d", string(c), start)
	case c == '<' || c == '>':
		l.pos++
		if l.pos < len(l.input) && l.input[l.pos] == '=' {
			l.pos++
		}
		return token{kind: tokenOp, text: l.input[start:l.pos], pos: start}, nil
	case c == '\'':
		return l.lexString()
	case c == '$' || c == '@':
		l.pos++
		name := l.lexWord()
		if name == "" {
			return token{}, errors.NewBadRequest("query: empty identifier at offset %d", start)
		}
		kind := tokenField
		if c == '@' {
			kind = tokenParam
		}
		return token{kind: kind, text: name, pos: start}, nil
	case c == '-' || unicode.IsDigit(rune(c)):
		return l.lexNumber()
	case unicode.IsLetter(rune(c)) || c == '_':
		return token{kind: tokenIdent, text: l.lexWord(), pos: start}, nil
	}
	return token{}, errors.NewBadRequest("query: unexpected %q at offset %d", string(c), start)
}

// lexString scans a single-quoted string; a doubled quote is the escape for
// one literal quote.
func (l *lexer) lexString() (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '\'' {
			if l.pos+1 < len(l.input) && l.input[l.pos+1] == '\'' {
				sb.WriteByte('\'')
				l.pos += 2
				continue
			}
			l.pos++
			return token{kind: tokenString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, errors.NewBadRequest("query: unterminated string at offset %d", start)
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	digits := 0
	for l.pos < len(l.input) && unicode.IsDigit(rune(l.input[l.pos])) {
		l.pos++
		digits++
	}
	if l.pos < len(l.input) && l.input[l.pos] == '.' {
		l.pos++
		for l.pos < len(l.input) && unicode.IsDigit(rune(l.input[l.pos])) {
			l.pos++
			digits++
		}
	}
	if digits == 0 {
		return token{}, errors.NewBadRequest("query: malformed number at offset %d", start)
	}
	return token{kind: tokenNumber, text: l.input[start:l.pos], pos: start}, nil
}

func (l *lexer) lexWord() string {
	start := l.pos
	for l.pos < len(l.input) {
		c := rune(l.input[l.pos])
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' {
			break
		}
		l.pos++
	}
	return l.input[start:l.pos]
}
