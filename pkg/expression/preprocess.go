package expression

import (
	"strings"
	"unicode"

	"github.com/loomworks/loom/pkg/errors"
)

// The workflow dialect differs from the underlying expr-lang surface in four
// ways, all handled here before compilation:
//
//   - variable roots use a $ sigil: $input, $execution, $node.<id>, $vars
//   - `=~` is the regex-match operator (expr spells it `matches`)
//   - `if C then A else B` conditionals (rewritten to ternaries)
//   - single-parameter lambdas `x => body` (rewritten to `#` predicates)
//
// The rewrite is token-level, so string literals and nesting are respected.

// Processed is the result of preprocessing one expression source.
type Processed struct {
	// Source is the rewritten expr-lang source.
	Source string
	// Refs are the static variable references found in the original.
	Refs []Ref
}

type tokKind int

const (
	tokIdent tokKind = iota
	tokNumber
	tokString
	tokOp
	tokOpen
	tokClose
	tokComma
	tokRef
)

type token struct {
	kind tokKind
	lex  string
	path []string // tokRef only
}

// Preprocess rewrites an expression from the workflow dialect into
// expr-lang source and collects its static variable references.
func Preprocess(src string) (*Processed, error) {
	toks, err := scan(src)
	if err != nil {
		return nil, err
	}

	toks, _, err = rewriteSeq(toks, 0, nil, false)
	if err != nil {
		return nil, err
	}
	toks = rewriteLambdas(toks)

	var refs []Ref
	parts := make([]string, 0, len(toks))
	for _, t := range toks {
		parts = append(parts, t.lex)
		if t.kind == tokRef {
			refs = append(refs, Ref{Raw: "$" + t.lex, Path: t.path})
		}
	}
	return &Processed{Source: strings.Join(parts, " "), Refs: refs}, nil
}

var refRoots = map[string]bool{
	"input":     true,
	"execution": true,
	"node":      true,
	"vars":      true,
}

// multi-character operators, longest first.
var multiOps = []string{"**", "==", "!=", "<=", ">=", "&&", "||", "??", "?.", "..", "=~", "=>"}

func scan(src string) ([]token, error) {
	rs := []rune(src)
	var toks []token
	i := 0
	for i < len(rs) {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++

		case r == '\'' || r == '"':
			j, err := scanString(rs, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, lex: string(rs[i:j])})
			i = j

		case r == '$':
			tok, j, err := scanRef(rs, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i = j

		case isIdentStart(r) || r == '#':
			j := i + 1
			if r != '#' {
				for j < len(rs) && isIdentPart(rs[j]) {
					j++
				}
			}
			toks = append(toks, token{kind: tokIdent, lex: string(rs[i:j])})
			i = j

		case unicode.IsDigit(r):
			j := i
			for j < len(rs) && unicode.IsDigit(rs[j]) {
				j++
			}
			// fraction, but not the `..` range operator
			if j+1 < len(rs) && rs[j] == '.' && unicode.IsDigit(rs[j+1]) {
				j++
				for j < len(rs) && unicode.IsDigit(rs[j]) {
					j++
				}
			}
			if j < len(rs) && (rs[j] == 'e' || rs[j] == 'E') {
				k := j + 1
				if k < len(rs) && (rs[k] == '+' || rs[k] == '-') {
					k++
				}
				if k < len(rs) && unicode.IsDigit(rs[k]) {
					for k < len(rs) && unicode.IsDigit(rs[k]) {
						k++
					}
					j = k
				}
			}
			toks = append(toks, token{kind: tokNumber, lex: string(rs[i:j])})
			i = j

		case r == '(' || r == '[' || r == '{':
			toks = append(toks, token{kind: tokOpen, lex: string(r)})
			i++

		case r == ')' || r == ']' || r == '}':
			toks = append(toks, token{kind: tokClose, lex: string(r)})
			i++

		case r == ',':
			toks = append(toks, token{kind: tokComma, lex: ","})
			i++

		default:
			matched := false
			for _, op := range multiOps {
				if strings.HasPrefix(string(rs[i:]), op) {
					lex := op
					if op == "=~" {
						lex = "matches"
					}
					toks = append(toks, token{kind: tokOp, lex: lex})
					i += len(op)
					matched = true
					break
				}
			}
			if matched {
				break
			}
			switch r {
			case '+', '-', '*', '/', '%', '<', '>', '!', '?', ':', '.', '|':
				toks = append(toks, token{kind: tokOp, lex: string(r)})
				i++
			default:
				return nil, errors.Newf(errors.ClassClient, errors.CodeExpression,
					"unexpected character %q in expression", string(r))
			}
		}
	}
	return toks, nil
}

func scanString(rs []rune, i int) (int, error) {
	quote := rs[i]
	j := i + 1
	for j < len(rs) {
		if rs[j] == '\\' {
			j += 2
			continue
		}
		if rs[j] == quote {
			return j + 1, nil
		}
		j++
	}
	return 0, errors.New(errors.ClassClient, errors.CodeExpression,
		"unterminated string literal")
}

func scanRef(rs []rune, i int) (token, int, error) {
	j := i + 1
	if j >= len(rs) || !isIdentStart(rs[j]) {
		return token{}, 0, errors.New(errors.ClassClient, errors.CodeExpression,
			"expected identifier after $")
	}
	start := j
	for j < len(rs) && isIdentPart(rs[j]) {
		j++
	}
	root := string(rs[start:j])
	if !refRoots[root] {
		return token{}, 0, errors.Newf(errors.ClassClient, errors.CodeExpression,
			"unknown variable root $%s", root).
			WithSuggestion("valid roots are $input, $execution, $node, $vars")
	}

	path := []string{root}
	for j+1 < len(rs) && rs[j] == '.' && isIdentStart(rs[j+1]) {
		j++
		segStart := j
		for j < len(rs) && isIdentPart(rs[j]) {
			j++
		}
		path = append(path, string(rs[segStart:j]))
	}
	return token{kind: tokRef, lex: strings.Join(path, "."), path: path}, j, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// rewriteSeq copies tokens from i onward, rewriting conditionals, until it
// hits end of input, a closing token at relative depth zero, a depth-zero
// comma (when breakAtComma), or a depth-zero stop keyword.
func rewriteSeq(toks []token, i int, stops map[string]bool, breakAtComma bool) ([]token, int, error) {
	var out []token
	depth := 0
	for i < len(toks) {
		t := toks[i]
		switch {
		case t.kind == tokOpen:
			depth++
			out = append(out, t)
			i++
		case t.kind == tokClose:
			if depth == 0 {
				return out, i, nil
			}
			depth--
			out = append(out, t)
			i++
		case t.kind == tokComma && depth == 0 && (breakAtComma || stops != nil):
			return out, i, nil
		case t.kind == tokIdent && t.lex == "if":
			sub, ni, err := rewriteIf(toks, i)
			if err != nil {
				return nil, 0, err
			}
			out = append(out, sub...)
			i = ni
		case t.kind == tokIdent && depth == 0 && stops[t.lex]:
			return out, i, nil
		default:
			out = append(out, t)
			i++
		}
	}
	return out, i, nil
}

// rewriteIf converts `if C then A else B` into `(C) ? (A) : (B)`.
func rewriteIf(toks []token, i int) ([]token, int, error) {
	cond, j, err := rewriteSeq(toks, i+1, map[string]bool{"then": true}, false)
	if err != nil {
		return nil, 0, err
	}
	if j >= len(toks) || toks[j].lex != "then" {
		return nil, 0, errors.New(errors.ClassClient, errors.CodeExpression,
			"expected 'then' in conditional expression")
	}
	thenT, k, err := rewriteSeq(toks, j+1, map[string]bool{"else": true}, false)
	if err != nil {
		return nil, 0, err
	}
	if k >= len(toks) || toks[k].lex != "else" {
		return nil, 0, errors.New(errors.ClassClient, errors.CodeExpression,
			"expected 'else' in conditional expression")
	}
	elseT, m, err := rewriteSeq(toks, k+1, nil, true)
	if err != nil {
		return nil, 0, err
	}

	out := make([]token, 0, len(cond)+len(thenT)+len(elseT)+9)
	out = append(out, token{kind: tokOpen, lex: "("})
	out = append(out, cond...)
	out = append(out, token{kind: tokClose, lex: ")"},
		token{kind: tokOp, lex: "?"},
		token{kind: tokOpen, lex: "("})
	out = append(out, thenT...)
	out = append(out, token{kind: tokClose, lex: ")"},
		token{kind: tokOp, lex: ":"},
		token{kind: tokOpen, lex: "("})
	out = append(out, elseT...)
	out = append(out, token{kind: tokClose, lex: ")"})
	return out, m, nil
}

// rewriteLambdas converts `x => body` into a `#` predicate by substituting
// the parameter inside the body. Bodies extend to the next comma or closing
// token at the same depth, matching how predicates appear as call arguments.
func rewriteLambdas(toks []token) []token {
	var out []token
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind == tokIdent && i+1 < len(toks) &&
			toks[i+1].kind == tokOp && toks[i+1].lex == "=>" {
			name := t.lex
			body, next := lambdaBody(toks, i+2)
			body = rewriteLambdas(body)
			for bi := range body {
				if body[bi].kind == tokIdent && body[bi].lex == name {
					body[bi] = token{kind: tokIdent, lex: "#"}
				}
			}
			out = append(out, token{kind: tokOpen, lex: "("})
			out = append(out, body...)
			out = append(out, token{kind: tokClose, lex: ")"})
			i = next - 1
			continue
		}
		out = append(out, t)
	}
	return out
}

func lambdaBody(toks []token, i int) ([]token, int) {
	depth := 0
	j := i
	for j < len(toks) {
		switch toks[j].kind {
		case tokOpen:
			depth++
		case tokClose:
			if depth == 0 {
				return toks[i:j], j
			}
			depth--
		case tokComma:
			if depth == 0 {
				return toks[i:j], j
			}
		}
		j++
	}
	return toks[i:j], j
}
