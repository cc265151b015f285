// Package expr implements the survey logic DSL: a small, total functional
// language evaluated over a read-only context of answers and loop state.
//
// The language has literals (strings, numbers, booleans, arrays), bare
// references and calls. Evaluation is pure and never fails upward: any
// error (unknown function, malformed source, dangling question reference)
// reduces to false so survey logic degrades to "condition not met" rather
// than breaking the session.
//
// The package also hosts the piping interpolator for template strings of
// the form ${pipe:question:<variableName>:<field>}.
package expr

import (
	"fmt"

	"canvass.dev/canvass/runtime/answer"
)

// Context is the read-only evaluation environment.
type Context struct {
	// Answers maps question ID to the respondent's answer.
	Answers map[string]answer.Value
	// Loop holds the active loop battery's variables (referenced as
	// loop.<name>).
	Loop map[string]any
	// QuestionIDs maps variable names to question IDs. Bare identifiers
	// found here resolve to the question's answer.
	QuestionIDs map[string]string
	// Additional holds caller-supplied bindings consulted after
	// QuestionIDs.
	Additional map[string]any
}

// Eval parses and evaluates src as a boolean condition. Every failure
// mode evaluates to false.
func Eval(src string, ctx Context) bool {
	v, err := Value(src, ctx)
	if err != nil {
		return false
	}
	return truthy(v)
}

// Value parses and evaluates src to its value. Values are nil, bool,
// float64, string or []any.
func Value(src string, ctx Context) (any, error) {
	n, err := parse(src)
	if err != nil {
		return nil, err
	}
	return eval(n, ctx)
}

func eval(n node, ctx Context) (any, error) {
	switch t := n.(type) {
	case litNode:
		return t.val, nil
	case arrNode:
		out := make([]any, len(t.elems))
		for i, e := range t.elems {
			v, err := eval(e, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case refNode:
		return resolveRef(t, ctx), nil
	case callNode:
		fn, ok := calls[t.name]
		if !ok {
			return nil, fmt.Errorf("unknown function %q", t.name)
		}
		return fn(ctx, t.args)
	default:
		return nil, fmt.Errorf("unknown node %T", n)
	}
}

// resolveRef resolves a bare identifier: loop variables first, then
// question variables (to the answer value), then additional bindings,
// then the identifier's own string form.
func resolveRef(r refNode, ctx Context) any {
	if r.loop {
		return ctx.Loop[r.name]
	}
	if qid, ok := ctx.QuestionIDs[r.name]; ok {
		return answerValue(ctx.Answers[qid])
	}
	if v, ok := ctx.Additional[r.name]; ok {
		return v
	}
	return r.name
}

// answerValue converts an answer into the DSL value domain: the choices
// list when present, otherwise the primary scalar.
func answerValue(v answer.Value) any {
	if len(v.Choices) > 0 {
		out := make([]any, len(v.Choices))
		for i, c := range v.Choices {
			out[i] = c
		}
		return out
	}
	return v.Primary()
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	default:
		return false
	}
}
