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

// Package query implements the textual condition language shared by the
// object-store and deployment components: comparisons over reserved fields
// ($id, $etag, $modified, $version), the exists()/not_exists() and
// starts_with family of functions, AND/OR/NOT combinators, and out-of-band
// @named parameters. Expressions parse once into an AST; compilers lower the
// AST into the narrow forms each operation accepts (MatchCondition for
// single-object conditions, ListPlan for listings).
package query

import (
	"strconv"
	"strings"
)

// Reserved system fields.
const (
	FieldID       = "id"
	FieldETag     = "etag"
	FieldModified = "modified"
	FieldVersion  = "version"
)

// Function names.
const (
	FuncExists              = "exists"
	FuncNotExists           = "not_exists"
	FuncStartsWith          = "starts_with"
	FuncStartsWithDelimited = "starts_with_delimited"
)

// Expr is a boolean expression node.
type Expr interface {
	exprNode()
	String() string
}

// Operand is a comparison or call argument.
type Operand interface {
	operandNode()
	String() string
}

type CompareOp string

const (
	OpEQ CompareOp = "="
	OpNE CompareOp = "!="
	OpLT CompareOp = "<"
	OpGT CompareOp = ">"
	OpLE CompareOp = "<="
	OpGE CompareOp = ">="
)

// And is the conjunction of two expressions.
type And struct {
	Left, Right Expr
}

// Or is the disjunction of two expressions.
type Or struct {
	Left, Right Expr
}

// Not negates an expression.
type Not struct {
	Expr Expr
}

// Comparison applies Op between two operands.
type Comparison struct {
	Op          CompareOp
	Left, Right Operand
}

// Call is a boolean function application.
type Call struct {
	Name string
	Args []Operand
}

// Field references a reserved system field, without the $ sigil.
type Field struct {
	Name string
}

// Param references a named out-of-band parameter, without the @ sigil.
type Param struct {
	Name string
}

// String is a string literal.
type String struct {
	Value string
}

// Number is a numeric literal; integers keep their exact value in Int.
type Number struct {
	Value float64
	IsInt bool
	Int   int64
}

// Null is the null literal.
type Null struct{}

func (And) exprNode()        {}
func (Or) exprNode()         {}
func (Not) exprNode()        {}
func (Comparison) exprNode() {}
func (Call) exprNode()       {}

func (Field) operandNode()  {}
func (Param) operandNode()  {}
func (String) operandNode() {}
func (Number) operandNode() {}
func (Null) operandNode()   {}

func (e And) String() string { return "(" + e.Left.String() + " AND " + e.Right.String() + ")" }
func (e Or) String() string  { return "(" + e.Left.String() + " OR " + e.Right.String() + ")" }
func (e Not) String() string { return "NOT " + e.Expr.String() }
func (e Comparison) String() string {
	return e.Left.String() + " " + string(e.Op) + " " + e.Right.String()
}
func (e Call) String() string {
	args := make([]string, 0, len(e.Args))
	for _, a := range e.Args {
		args = append(args, a.String())
	}
	return e.Name + "(" + strings.Join(args, ", ") + ")"
}
func (o Field) String() string  { return "$" + o.Name }
func (o Param) String() string  { return "@" + o.Name }
func (o String) String() string { return "'" + strings.ReplaceAll(o.Value, "'", "''") + "'" }
func (o Number) String() string {
	if o.IsInt {
		return strconv.FormatInt(o.Int, 10)
	}
	return strconv.FormatFloat(o.Value, 'g', -1, 64)
}
func (Null) String() string { return "null" }
