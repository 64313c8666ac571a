package expression

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/value"
)

// Template is a string with zero or more {{ expression }} regions, parsed
// once and renderable many times. A literal "{{" is written as "\{{".
//
// A template that is exactly one expression with no surrounding text renders
// to the expression's raw value; anything else renders to a string with the
// expression results concatenated in place.
type Template struct {
	src  string
	segs []segment
}

type segment struct {
	text   string
	expr   string
	isExpr bool
}

// ParseTemplate parses a template string.
func ParseTemplate(src string) (*Template, error) {
	t := &Template{src: src}
	var lit strings.Builder

	i := 0
	for i < len(src) {
		// escape sequence for a literal {{
		if strings.HasPrefix(src[i:], `\{{`) {
			lit.WriteString("{{")
			i += 3
			continue
		}
		if strings.HasPrefix(src[i:], "{{") {
			if lit.Len() > 0 {
				t.segs = append(t.segs, segment{text: lit.String()})
				lit.Reset()
			}
			end, err := findClose(src, i+2)
			if err != nil {
				return nil, err
			}
			exprSrc := strings.TrimSpace(src[i+2 : end])
			if exprSrc == "" {
				return nil, errors.New(errors.ClassClient, errors.CodeExpression,
					"empty expression in template")
			}
			t.segs = append(t.segs, segment{expr: exprSrc, isExpr: true})
			i = end + 2
			continue
		}
		lit.WriteByte(src[i])
		i++
	}
	if lit.Len() > 0 {
		t.segs = append(t.segs, segment{text: lit.String()})
	}
	return t, nil
}

// findClose locates the }} that terminates an expression opened at start,
// ignoring braces inside string literals.
func findClose(src string, start int) (int, error) {
	i := start
	for i < len(src) {
		switch src[i] {
		case '\'', '"':
			quote := src[i]
			i++
			for i < len(src) {
				if src[i] == '\\' {
					i += 2
					continue
				}
				if src[i] == quote {
					break
				}
				i++
			}
			if i >= len(src) {
				return 0, errors.New(errors.ClassClient, errors.CodeExpression,
					"unterminated string in template expression")
			}
			i++
		case '}':
			if i+1 < len(src) && src[i+1] == '}' {
				return i, nil
			}
			i++
		default:
			i++
		}
	}
	return 0, errors.New(errors.ClassClient, errors.CodeExpression,
		"unterminated {{ expression }} in template")
}

// HasExpressions reports whether the template contains any expressions.
func (t *Template) HasExpressions() bool {
	for _, s := range t.segs {
		if s.isExpr {
			return true
		}
	}
	return false
}

// Expressions returns the raw expression sources in order.
func (t *Template) Expressions() []string {
	var out []string
	for _, s := range t.segs {
		if s.isExpr {
			out = append(out, s.expr)
		}
	}
	return out
}

// Source returns the original template string.
func (t *Template) Source() string { return t.src }

// Render evaluates the template against a context. Rendering the same
// context twice yields identical results.
func (t *Template) Render(ev *Evaluator, ctx *Context) (value.Value, error) {
	// Pure single-expression template: preserve the raw value.
	if len(t.segs) == 1 && t.segs[0].isExpr {
		return ev.Evaluate(t.segs[0].expr, ctx)
	}

	var b strings.Builder
	for _, s := range t.segs {
		if !s.isExpr {
			b.WriteString(s.text)
			continue
		}
		v, err := ev.Evaluate(s.expr, ctx)
		if err != nil {
			return value.Null(), err
		}
		b.WriteString(Stringify(v))
	}
	return value.Text(b.String()), nil
}

// RenderString renders the template and coerces the result to a string.
func (t *Template) RenderString(ev *Evaluator, ctx *Context) (string, error) {
	v, err := t.Render(ev, ctx)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// Stringify renders a value for template concatenation. Null renders empty,
// text renders verbatim, collections render as JSON.
func Stringify(v value.Value) string {
	switch v.Kind() {
	case value.KindNull:
		return ""
	case value.KindText:
		s, _ := v.AsText()
		return s
	case value.KindBool:
		b, _ := v.AsBool()
		return strconv.FormatBool(b)
	case value.KindInt:
		i, _ := v.AsInt()
		return strconv.FormatInt(i, 10)
	case value.KindFloat:
		f, _ := v.AsFloat()
		return strconv.FormatFloat(f, 'f', -1, 64)
	case value.KindDuration:
		d, _ := v.AsDuration()
		return d.String()
	case value.KindDateTime:
		ts, _ := v.AsTime()
		return ts.Format(time.RFC3339Nano)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		// JSON strings keep their quotes off in templates
		var s string
		if json.Unmarshal(b, &s) == nil {
			return s
		}
		return string(b)
	}
}
