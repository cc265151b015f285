package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type (
	node interface{}

	// litNode holds a string, float64 or bool literal.
	litNode struct{ val any }

	// arrNode is an array literal.
	arrNode struct{ elems []node }

	// refNode is a bare identifier; loop marks loop.<name> references.
	refNode struct {
		name string
		loop bool
	}

	// callNode is ident '(' args ')'. Arguments stay unevaluated so
	// question-taking functions can resolve them specially.
	callNode struct {
		name string
		args []node
	}

	parser struct {
		src string
		pos int
	}
)

// parse builds the AST for one expression. The whole input must be
// consumed; trailing garbage is a parse error.
func parse(src string) (node, error) {
	p := &parser{src: src}
	p.ws()
	if p.pos >= len(p.src) {
		return nil, fmt.Errorf("empty expression")
	}
	n, err := p.expr(0)
	if err != nil {
		return nil, err
	}
	p.ws()
	if p.pos < len(p.src) {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.src[p.pos], p.pos)
	}
	return n, nil
}

const maxDepth = 64

func (p *parser) expr(depth int) (node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("expression too deeply nested")
	}
	p.ws()
	if p.pos >= len(p.src) {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch c := p.src[p.pos]; {
	case c == '(':
		p.pos++
		n, err := p.expr(depth + 1)
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return n, nil
	case c == '[':
		return p.array(depth)
	case c == '\'' || c == '"':
		return p.str(c)
	case c == '-' || unicode.IsDigit(rune(c)):
		return p.number()
	case isIdentStart(c):
		return p.identOrCall(depth)
	default:
		return nil, fmt.Errorf("unexpected %q at offset %d", c, p.pos)
	}
}

func (p *parser) array(depth int) (node, error) {
	p.pos++ // consume '['
	var elems []node
	p.ws()
	if p.pos < len(p.src) && p.src[p.pos] == ']' {
		p.pos++
		return arrNode{}, nil
	}
	for {
		n, err := p.expr(depth + 1)
		if err != nil {
			return nil, err
		}
		elems = append(elems, n)
		p.ws()
		if p.pos >= len(p.src) {
			return nil, fmt.Errorf("unterminated array")
		}
		if p.src[p.pos] == ',' {
			p.pos++
			continue
		}
		if p.src[p.pos] == ']' {
			p.pos++
			return arrNode{elems: elems}, nil
		}
		return nil, fmt.Errorf("unexpected %q in array at offset %d", p.src[p.pos], p.pos)
	}
}

func (p *parser) str(quote byte) (node, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == quote {
			p.pos++
			return litNode{val: b.String()}, nil
		}
		if c == '\\' && p.pos+1 < len(p.src) {
			p.pos++
			c = p.src[p.pos]
		}
		b.WriteByte(c)
		p.pos++
	}
	return nil, fmt.Errorf("unterminated string")
}

func (p *parser) number() (node, error) {
	start := p.pos
	if p.src[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.src) && (unicode.IsDigit(rune(p.src[p.pos])) || p.src[p.pos] == '.') {
		p.pos++
	}
	f, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return nil, fmt.Errorf("bad number %q", p.src[start:p.pos])
	}
	return litNode{val: f}, nil
}

func (p *parser) identOrCall(depth int) (node, error) {
	start := p.pos
	for p.pos < len(p.src) && isIdentPart(p.src[p.pos]) {
		p.pos++
	}
	name := p.src[start:p.pos]

	switch name {
	case "true":
		return litNode{val: true}, nil
	case "false":
		return litNode{val: false}, nil
	}

	// loop.<ident> reads the loop context.
	if name == "loop" && p.pos < len(p.src) && p.src[p.pos] == '.' {
		p.pos++
		fieldStart := p.pos
		for p.pos < len(p.src) && isIdentPart(p.src[p.pos]) {
			p.pos++
		}
		if p.pos == fieldStart {
			return nil, fmt.Errorf("missing loop variable name at offset %d", p.pos)
		}
		return refNode{name: p.src[fieldStart:p.pos], loop: true}, nil
	}

	p.ws()
	if p.pos < len(p.src) && p.src[p.pos] == '(' {
		p.pos++
		var args []node
		p.ws()
		if p.pos < len(p.src) && p.src[p.pos] == ')' {
			p.pos++
			return callNode{name: name}, nil
		}
		for {
			n, err := p.expr(depth + 1)
			if err != nil {
				return nil, err
			}
			args = append(args, n)
			p.ws()
			if p.pos >= len(p.src) {
				return nil, fmt.Errorf("unterminated call to %s", name)
			}
			if p.src[p.pos] == ',' {
				p.pos++
				continue
			}
			if p.src[p.pos] == ')' {
				p.pos++
				return callNode{name: name, args: args}, nil
			}
			return nil, fmt.Errorf("unexpected %q in call to %s", p.src[p.pos], name)
		}
	}
	return refNode{name: name}, nil
}

func (p *parser) expect(c byte) error {
	p.ws()
	if p.pos >= len(p.src) || p.src[p.pos] != c {
		return fmt.Errorf("expected %q at offset %d", c, p.pos)
	}
	p.pos++
	return nil
}

func (p *parser) ws() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t' || p.src[p.pos] == '\n' || p.src[p.pos] == '\r') {
		p.pos++
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
