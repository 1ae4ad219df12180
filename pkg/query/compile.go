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
	"time"

	"github.com/samber/lo"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
)

// CompileMatch lowers an expression into a MatchCondition. Only conjunctions
// of single-object conditions are accepted: exists()/not_exists(), $etag
// equality and inequality (with the '*' wildcard meaning "any existing
// etag"), $version equality and inequality, and $modified bounds. Everything
// else is a BadRequest.
func CompileMatch(expr Expr, params map[string]interface{}) (apis.MatchCondition, error) {
	cond := apis.MatchCondition{}
	if expr == nil {
		return cond, nil
	}
	if err := compileMatchInto(&cond, expr, params); err != nil {
		return apis.MatchCondition{}, err
	}
	return cond, nil
}

// ParseMatch is Parse followed by CompileMatch.
func ParseMatch(where string, params map[string]interface{}) (apis.MatchCondition, error) {
	expr, err := Parse(where)
	if err != nil {
		return apis.MatchCondition{}, err
	}
	return CompileMatch(expr, params)
}

func compileMatchInto(cond *apis.MatchCondition, expr Expr, params map[string]interface{}) error {
	switch e := expr.(type) {
	case And:
		if err := compileMatchInto(cond, e.Left, params); err != nil {
			return err
		}
		return compileMatchInto(cond, e.Right, params)
	case Call:
		if len(e.Args) != 0 {
			return errors.NewBadRequest("query: %s takes no arguments in a match condition", e.Name)
		}
		switch e.Name {
		case FuncExists:
			return setExists(cond, true)
		case FuncNotExists:
			return setExists(cond, false)
		}
		return errors.NewBadRequest("query: function %q is not a match condition", e.Name)
	case Comparison:
		return compileMatchComparison(cond, e, params)
	}
	return errors.NewBadRequest("query: expression %q is not a match condition", expr.String())
}

func compileMatchComparison(cond *apis.MatchCondition, cmp Comparison, params map[string]interface{}) error {
	field, ok := cmp.Left.(Field)
	if !ok {
		return errors.NewBadRequest("query: left side of %q must be a field", cmp.String())
	}
	val, err := resolve(cmp.Right, params)
	if err != nil {
		return err
	}
	switch field.Name {
	case FieldETag:
		s, err := asString(val)
		if err != nil {
			return err
		}
		switch cmp.Op {
		case OpEQ:
			if s == "*" {
				return setExists(cond, true)
			}
			return setString(&cond.IfMatch, s)
		case OpNE:
			return setString(&cond.IfNoneMatch, s)
		}
	case FieldVersion:
		s, err := asString(val)
		if err != nil {
			return err
		}
		switch cmp.Op {
		case OpEQ:
			return setString(&cond.IfVersionMatch, s)
		case OpNE:
			return setString(&cond.IfVersionNotMatch, s)
		}
	case FieldModified:
		epoch, err := asEpoch(val)
		if err != nil {
			return err
		}
		switch cmp.Op {
		case OpGT, OpGE:
			return setEpoch(&cond.IfModifiedSince, epoch)
		case OpLT, OpLE:
			return setEpoch(&cond.IfUnmodifiedSince, epoch)
		}
	default:
		return errors.NewBadRequest("query: field $%s is not a match condition target", field.Name)
	}
	return errors.NewBadRequest("query: operator %q is not valid for $%s", cmp.Op, field.Name)
}

func setExists(cond *apis.MatchCondition, want bool) error {
	if cond.Exists != nil && *cond.Exists != want {
		return errors.NewBadRequest("query: conflicting existence conditions")
	}
	cond.Exists = lo.ToPtr(want)
	return nil
}

func setString(target *string, value string) error {
	if *target != "" && *target != value {
		return errors.NewBadRequest("query: duplicate condition with conflicting values")
	}
	*target = value
	return nil
}

func setEpoch(target **float64, value float64) error {
	if *target != nil && **target != value {
		return errors.NewBadRequest("query: duplicate condition with conflicting values")
	}
	*target = lo.ToPtr(value)
	return nil
}

// ListPlan is the compiled form of a listing expression: an optional key
// prefix, an optional grouping delimiter, and exclusive key bounds.
type ListPlan struct {
	Prefix    string
	Delimiter string
	After     string
	Before    string
}

// CompileListing lowers an expression into a ListPlan. Exactly four forms
// are accepted, alone or conjoined: starts_with($id, p),
// starts_with_delimited($id, p, d), $id > v, $id < v.
func CompileListing(expr Expr, params map[string]interface{}) (ListPlan, error) {
	plan := ListPlan{}
	if expr == nil {
		return plan, nil
	}
	if err := compileListingInto(&plan, expr, params); err != nil {
		return ListPlan{}, err
	}
	return plan, nil
}

// ParseListing is Parse followed by CompileListing.
func ParseListing(where string, params map[string]interface{}) (ListPlan, error) {
	expr, err := Parse(where)
	if err != nil {
		return ListPlan{}, err
	}
	return CompileListing(expr, params)
}

func compileListingInto(plan *ListPlan, expr Expr, params map[string]interface{}) error {
	switch e := expr.(type) {
	case And:
		if err := compileListingInto(plan, e.Left, params); err != nil {
			return err
		}
		return compileListingInto(plan, e.Right, params)
	case Call:
		return compileListingCall(plan, e, params)
	case Comparison:
		field, ok := e.Left.(Field)
		if !ok || field.Name != FieldID {
			return errors.NewBadRequest("query: listing comparisons are limited to $id")
		}
		val, err := resolve(e.Right, params)
		if err != nil {
			return err
		}
		s, err := asString(val)
		if err != nil {
			return err
		}
		switch e.Op {
		case OpGT:
			return setString(&plan.After, s)
		case OpLT:
			return setString(&plan.Before, s)
		}
		return errors.NewBadRequest("query: operator %q is not valid in a listing", e.Op)
	}
	return errors.NewBadRequest("query: expression %q is not a listing condition", expr.String())
}

func compileListingCall(plan *ListPlan, call Call, params map[string]interface{}) error {
	argString := func(i int) (string, error) {
		val, err := resolve(call.Args[i], params)
		if err != nil {
			return "", err
		}
		return asString(val)
	}
	requireIDField := func() error {
		if f, ok := call.Args[0].(Field); !ok || f.Name != FieldID {
			return errors.NewBadRequest("query: %s applies to $id only in a listing", call.Name)
		}
		return nil
	}
	switch call.Name {
	case FuncStartsWith:
		if len(call.Args) != 2 {
			return errors.NewBadRequest("query: %s expects ($id, prefix)", call.Name)
		}
		if err := requireIDField(); err != nil {
			return err
		}
		prefix, err := argString(1)
		if err != nil {
			return err
		}
		return setString(&plan.Prefix, prefix)
	case FuncStartsWithDelimited:
		if len(call.Args) != 3 {
			return errors.NewBadRequest("query: %s expects ($id, prefix, delimiter)", call.Name)
		}
		if err := requireIDField(); err != nil {
			return err
		}
		prefix, err := argString(1)
		if err != nil {
			return err
		}
		delimiter, err := argString(2)
		if err != nil {
			return err
		}
		if delimiter == "" {
			return errors.NewBadRequest("query: empty delimiter")
		}
		if err := setString(&plan.Prefix, prefix); err != nil {
			return err
		}
		return setString(&plan.Delimiter, delimiter)
	}
	return errors.NewBadRequest("query: function %q is not a listing condition", call.Name)
}

// ExistsOnly extracts the existence intent of a service-level where
// expression: exists() → true, not_exists() → false, nil → nil. Providers
// here have no server-side service conditions, so anything richer is
// refused.
func ExistsOnly(expr Expr) (*bool, error) {
	if expr == nil {
		return nil, nil
	}
	call, ok := expr.(Call)
	if !ok || len(call.Args) != 0 {
		return nil, errors.NewBadRequest("query: expression %q is not supported as a service condition", expr.String())
	}
	switch call.Name {
	case FuncExists:
		return lo.ToPtr(true), nil
	case FuncNotExists:
		return lo.ToPtr(false), nil
	}
	return nil, errors.NewBadRequest("query: function %q is not supported as a service condition", call.Name)
}

func resolve(op Operand, params map[string]interface{}) (interface{}, error) {
	switch v := op.(type) {
	case String:
		return v.Value, nil
	case Number:
		if v.IsInt {
			return v.Int, nil
		}
		return v.Value, nil
	case Null:
		return nil, nil
	case Param:
		val, ok := params[v.Name]
		if !ok {
			return nil, errors.NewBadRequest("query: unbound parameter @%s", v.Name)
		}
		return val, nil
	case Field:
		return nil, errors.NewBadRequest("query: field $%s cannot be used as a value", v.Name)
	}
	return nil, errors.NewBadRequest("query: unsupported operand %q", op.String())
}

func asString(val interface{}) (string, error) {
	s, ok := val.(string)
	if !ok {
		return "", errors.NewBadRequest("query: expected a string value, got %T", val)
	}
	return s, nil
}

func asEpoch(val interface{}) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case time.Time:
		return apis.EpochSeconds(v), nil
	}
	return 0, errors.NewBadRequest("query: expected an epoch-seconds value, got %T", val)
}
