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
	"strconv"
	"strings"

	"github.com/strato-cloud/strato/pkg/errors"
)

// Parse parses a where expression. An empty or all-whitespace input returns
// a nil expression, meaning "no condition".
func Parse(input string) (Expr, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokenEOF {
		return nil, errors.NewBadRequest("query: trailing input at offset %d", t.pos)
	}
	return expr, nil
}

// MustParse is for fixed expressions in tests and internal call sites.
func MustParse(input string) Expr {
	expr, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return expr
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) advance() token {
	t := p.tokens[p.pos]
	if t.kind != tokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = And{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.keyword("NOT") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not{Expr: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.peek()
	switch t.kind {
	case tokenLParen:
		p.advance()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.advance(); closing.kind != tokenRParen {
			return nil, errors.NewBadRequest("query: expected ) at offset %d", closing.pos)
		}
		return expr, nil
	case tokenIdent:
		return p.parseCall()
	case tokenField, tokenParam, tokenString, tokenNumber:
		return p.parseComparison()
	}
	return nil, errors.NewBadRequest("query: unexpected token at offset %d", t.pos)
}

func (p *parser) parseCall() (Expr, error) {
	name := p.advance()
	if open := p.advance(); open.kind != tokenLParen {
		return nil, errors.NewBadRequest("query: expected ( after %q at offset %d", name.text, open.pos)
	}
	var args []Operand
	if p.peek().kind != tokenRParen {
		for {
			arg, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tokenComma {
				break
			}
			p.advance()
		}
	}
	if closing := p.advance(); closing.kind != tokenRParen {
		return nil, errors.NewBadRequest("query: expected ) at offset %d", closing.pos)
	}
	return Call{Name: strings.ToLower(name.text), Args: args}, nil
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	opTok := p.advance()
	if opTok.kind != tokenOp {
		return nil, errors.NewBadRequest("query: expected comparison operator at offset %d", opTok.pos)
	}
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return Comparison{Op: CompareOp(opTok.text), Left: left, Right: right}, nil
}

func (p *parser) parseOperand() (Operand, error) {
	t := p.advance()
	switch t.kind {
	case tokenField:
		return Field{Name: strings.ToLower(t.text)}, nil
	case tokenParam:
		return Param{Name: t.text}, nil
	case tokenString:
		return String{Value: t.text}, nil
	case tokenNumber:
		if i, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return Number{Value: float64(i), IsInt: true, Int: i}, nil
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, errors.NewBadRequest("query: malformed number %q at offset %d", t.text, t.pos)
		}
		return Number{Value: f}, nil
	case tokenIdent:
		if strings.EqualFold(t.text, "null") {
			return Null{}, nil
		}
	}
	return nil, errors.NewBadRequest("query: expected operand at offset %d", t.pos)
}

// keyword consumes t if it is the given case-insensitive bare identifier.
func (p *parser) keyword(kw string) bool {
	t := p.peek()
	if t.kind == tokenIdent && strings.EqualFold(t.text, kw) {
		p.advance()
		return true
	}
	return false
}
