package expr

import (
	"regexp"
	"strconv"
)

// pipeToken matches ${pipe:question:<variableName>:<field>}. Tokens that
// do not resolve are left literal in the output.
var pipeToken = regexp.MustCompile(`\$\{pipe:question:([A-Za-z][A-Za-z0-9_]*):(response|text|choices|numeric|boolean)\}`)

// Interpolate substitutes pipe tokens in template with values from ctx.
// Substitution runs to a fixed point so a piped value that itself
// contains a token is fully expanded; interpolating the output a second
// time is a no-op. maxPasses bounds answers that reference each other.
func Interpolate(template string, ctx Context) string {
	const maxPasses = 5
	out := template
	for i := 0; i < maxPasses; i++ {
		next := interpolateOnce(out, ctx)
		if next == out {
			break
		}
		out = next
	}
	return out
}

func interpolateOnce(template string, ctx Context) string {
	if template == "" {
		return template
	}
	return pipeToken.ReplaceAllStringFunc(template, func(tok string) string {
		m := pipeToken.FindStringSubmatch(tok)
		variable, field := m[1], m[2]
		qid, ok := ctx.QuestionIDs[variable]
		if !ok {
			return tok
		}
		v, ok := ctx.Answers[qid]
		if !ok || v.IsEmpty() {
			return tok
		}
		switch field {
		case "response":
			return toString(v.Primary())
		case "text":
			if v.Text == nil {
				return tok
			}
			return *v.Text
		case "choices":
			if len(v.Choices) == 0 {
				return tok
			}
			out := ""
			for i, c := range v.Choices {
				if i > 0 {
					out += ", "
				}
				out += c
			}
			return out
		case "numeric":
			switch {
			case v.Numeric != nil:
				return strconv.FormatFloat(*v.Numeric, 'f', -1, 64)
			case v.Decimal != nil:
				return strconv.FormatFloat(*v.Decimal, 'f', -1, 64)
			}
			return tok
		case "boolean":
			if v.Boolean == nil {
				return tok
			}
			return strconv.FormatBool(*v.Boolean)
		}
		return tok
	})
}
