package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"canvass.dev/canvass/runtime/answer"
)

// callFunc evaluates one DSL call. Arguments arrive unevaluated so
// question-taking functions can resolve variable names to answers.
type callFunc func(ctx Context, args []node) (any, error)

var calls map[string]callFunc

func init() {
	calls = map[string]callFunc{
		"answer":             fnAnswer,
		"anySelected":        fnAnySelected,
		"allSelected":        fnAllSelected,
		"noneSelected":       fnNoneSelected,
		"equals":             fnEquals,
		"notEquals":          fnNotEquals,
		"not":                fnNot,
		"and":                fnAnd,
		"or":                 fnOr,
		"greaterThan":        cmp(func(a, b float64) bool { return a > b }),
		"lessThan":           cmp(func(a, b float64) bool { return a < b }),
		"greaterThanOrEqual": cmp(func(a, b float64) bool { return a >= b }),
		"lessThanOrEqual":    cmp(func(a, b float64) bool { return a <= b }),
		"contains":           strFn(strings.Contains),
		"startsWith":         strFn(strings.HasPrefix),
		"endsWith":           strFn(strings.HasSuffix),
		"isEmpty":            fnIsEmpty,
		"isNotEmpty":         fnIsNotEmpty,
		"length":             fnLength,
		"count":              fnLength,
		"in":                 fnIn,
		"notIn":              fnNotIn,
		"regex":              fnRegex,
		"between":            fnBetween,
		"isNumber":           typeProbe(func(v any) bool { _, ok := v.(float64); return ok }),
		"isString":           typeProbe(func(v any) bool { _, ok := v.(string); return ok }),
		"isArray":            typeProbe(func(v any) bool { _, ok := v.([]any); return ok }),
		"sum":                aggFn(func(ns []float64) float64 { return sumOf(ns) }),
		"average":            fnAverage,
		"min":                aggFn(minOf),
		"max":                aggFn(maxOf),
	}
}

// questionAnswer resolves a question-typed argument to the referenced
// answer. Accepts a bare identifier or a string literal naming a question
// variable.
func questionAnswer(ctx Context, n node) (answer.Value, error) {
	var name string
	switch t := n.(type) {
	case refNode:
		if t.loop {
			return answer.Value{}, fmt.Errorf("loop reference is not a question")
		}
		name = t.name
	case litNode:
		s, ok := t.val.(string)
		if !ok {
			return answer.Value{}, fmt.Errorf("question argument must be a name")
		}
		name = s
	default:
		return answer.Value{}, fmt.Errorf("question argument must be a name")
	}
	qid, ok := ctx.QuestionIDs[name]
	if !ok {
		return answer.Value{}, fmt.Errorf("unknown question %q", name)
	}
	return ctx.Answers[qid], nil
}

func evalN(ctx Context, args []node, want int, fn string) ([]any, error) {
	if len(args) != want {
		return nil, fmt.Errorf("%s expects %d arguments, got %d", fn, want, len(args))
	}
	out := make([]any, len(args))
	for i, a := range args {
		v, err := eval(a, ctx)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func fnAnswer(ctx Context, args []node) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("answer expects 1 argument")
	}
	v, err := questionAnswer(ctx, args[0])
	if err != nil {
		return nil, err
	}
	return v.Primary(), nil
}

func selectedSets(ctx Context, args []node, fn string) (map[string]struct{}, []string, error) {
	if len(args) != 2 {
		return nil, nil, fmt.Errorf("%s expects 2 arguments", fn)
	}
	av, err := questionAnswer(ctx, args[0])
	if err != nil {
		return nil, nil, err
	}
	lv, err := eval(args[1], ctx)
	if err != nil {
		return nil, nil, err
	}
	arr, ok := lv.([]any)
	if !ok {
		arr = []any{lv}
	}
	chosen := make(map[string]struct{}, len(av.Choices))
	for _, c := range av.Choices {
		chosen[c] = struct{}{}
	}
	wanted := make([]string, 0, len(arr))
	for _, e := range arr {
		wanted = append(wanted, toString(e))
	}
	return chosen, wanted, nil
}

func fnAnySelected(ctx Context, args []node) (any, error) {
	chosen, wanted, err := selectedSets(ctx, args, "anySelected")
	if err != nil {
		return nil, err
	}
	for _, w := range wanted {
		if _, ok := chosen[w]; ok {
			return true, nil
		}
	}
	return false, nil
}

func fnAllSelected(ctx Context, args []node) (any, error) {
	chosen, wanted, err := selectedSets(ctx, args, "allSelected")
	if err != nil {
		return nil, err
	}
	for _, w := range wanted {
		if _, ok := chosen[w]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func fnNoneSelected(ctx Context, args []node) (any, error) {
	any_, err := fnAnySelected(ctx, args)
	if err != nil {
		return nil, err
	}
	return !any_.(bool), nil
}

func fnEquals(ctx Context, args []node) (any, error) {
	vs, err := evalN(ctx, args, 2, "equals")
	if err != nil {
		return nil, err
	}
	return valueEqual(vs[0], vs[1]), nil
}

func fnNotEquals(ctx Context, args []node) (any, error) {
	vs, err := evalN(ctx, args, 2, "notEquals")
	if err != nil {
		return nil, err
	}
	return !valueEqual(vs[0], vs[1]), nil
}

func fnNot(ctx Context, args []node) (any, error) {
	vs, err := evalN(ctx, args, 1, "not")
	if err != nil {
		return nil, err
	}
	return !truthy(vs[0]), nil
}

func fnAnd(ctx Context, args []node) (any, error) {
	for _, a := range args {
		v, err := eval(a, ctx)
		if err != nil {
			return nil, err
		}
		if !truthy(v) {
			return false, nil
		}
	}
	return true, nil
}

func fnOr(ctx Context, args []node) (any, error) {
	for _, a := range args {
		v, err := eval(a, ctx)
		if err != nil {
			return nil, err
		}
		if truthy(v) {
			return true, nil
		}
	}
	return false, nil
}

func cmp(op func(a, b float64) bool) callFunc {
	return func(ctx Context, args []node) (any, error) {
		vs, err := evalN(ctx, args, 2, "comparison")
		if err != nil {
			return nil, err
		}
		a, okA := toNumber(vs[0])
		b, okB := toNumber(vs[1])
		if !okA || !okB {
			return false, nil
		}
		return op(a, b), nil
	}
}

func strFn(op func(s, sub string) bool) callFunc {
	return func(ctx Context, args []node) (any, error) {
		vs, err := evalN(ctx, args, 2, "string function")
		if err != nil {
			return nil, err
		}
		return op(toString(vs[0]), toString(vs[1])), nil
	}
}

func fnIsEmpty(ctx Context, args []node) (any, error) {
	vs, err := evalN(ctx, args, 1, "isEmpty")
	if err != nil {
		return nil, err
	}
	return emptyValue(vs[0]), nil
}

func fnIsNotEmpty(ctx Context, args []node) (any, error) {
	vs, err := evalN(ctx, args, 1, "isNotEmpty")
	if err != nil {
		return nil, err
	}
	return !emptyValue(vs[0]), nil
}

func fnLength(ctx Context, args []node) (any, error) {
	vs, err := evalN(ctx, args, 1, "length")
	if err != nil {
		return nil, err
	}
	switch t := vs[0].(type) {
	case nil:
		return float64(0), nil
	case string:
		return float64(len(t)), nil
	case []any:
		return float64(len(t)), nil
	default:
		return nil, fmt.Errorf("length expects a string or array")
	}
}

func fnIn(ctx Context, args []node) (any, error) {
	vs, err := evalN(ctx, args, 2, "in")
	if err != nil {
		return nil, err
	}
	arr, ok := vs[1].([]any)
	if !ok {
		return false, nil
	}
	for _, e := range arr {
		if valueEqual(vs[0], e) {
			return true, nil
		}
	}
	return false, nil
}

func fnNotIn(ctx Context, args []node) (any, error) {
	in, err := fnIn(ctx, args)
	if err != nil {
		return nil, err
	}
	return !in.(bool), nil
}

func fnRegex(ctx Context, args []node) (any, error) {
	vs, err := evalN(ctx, args, 2, "regex")
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(toString(vs[1]))
	if err != nil {
		// Invalid pattern tests false rather than failing the expression.
		return false, nil
	}
	return re.MatchString(toString(vs[0])), nil
}

func fnBetween(ctx Context, args []node) (any, error) {
	vs, err := evalN(ctx, args, 3, "between")
	if err != nil {
		return nil, err
	}
	v, okV := toNumber(vs[0])
	lo, okL := toNumber(vs[1])
	hi, okH := toNumber(vs[2])
	if !okV || !okL || !okH {
		return false, nil
	}
	return lo <= v && v <= hi, nil
}

func typeProbe(probe func(any) bool) callFunc {
	return func(ctx Context, args []node) (any, error) {
		vs, err := evalN(ctx, args, 1, "type probe")
		if err != nil {
			return nil, err
		}
		return probe(vs[0]), nil
	}
}

func aggFn(agg func([]float64) float64) callFunc {
	return func(ctx Context, args []node) (any, error) {
		ns, err := numericArray(ctx, args)
		if err != nil {
			return nil, err
		}
		if len(ns) == 0 {
			return float64(0), nil
		}
		return agg(ns), nil
	}
}

func fnAverage(ctx Context, args []node) (any, error) {
	ns, err := numericArray(ctx, args)
	if err != nil {
		return nil, err
	}
	if len(ns) == 0 {
		return float64(0), nil
	}
	return sumOf(ns) / float64(len(ns)), nil
}

func numericArray(ctx Context, args []node) ([]float64, error) {
	vs, err := evalN(ctx, args, 1, "aggregate")
	if err != nil {
		return nil, err
	}
	arr, ok := vs[0].([]any)
	if !ok {
		return nil, fmt.Errorf("aggregate expects an array")
	}
	var ns []float64
	for _, e := range arr {
		if n, ok := toNumber(e); ok {
			ns = append(ns, n)
		}
	}
	return ns, nil
}

func sumOf(ns []float64) float64 {
	var s float64
	for _, n := range ns {
		s += n
	}
	return s
}

func minOf(ns []float64) float64 {
	m := ns[0]
	for _, n := range ns[1:] {
		if n < m {
			m = n
		}
	}
	return m
}

func maxOf(ns []float64) float64 {
	m := ns[0]
	for _, n := range ns[1:] {
		if n > m {
			m = n
		}
	}
	return m
}

// valueEqual is deep equality on arrays and strict equality otherwise.
func valueEqual(a, b any) bool {
	aArr, aOK := a.([]any)
	bArr, bOK := b.([]any)
	if aOK && bOK {
		if len(aArr) != len(bArr) {
			return false
		}
		for i := range aArr {
			if !valueEqual(aArr[i], bArr[i]) {
				return false
			}
		}
		return true
	}
	if aOK != bOK {
		return false
	}
	return a == b
}

func emptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	default:
		return false
	}
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = toString(e)
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprintf("%v", t)
	}
}
