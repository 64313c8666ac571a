package expression

import (
	"strings"

	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/value"
)

// Context is the immutable snapshot an expression evaluates against. It
// exposes four variable roots: $input, $execution, $node.<id> and $vars.
//
// Evaluation never mutates a Context, so one snapshot may be shared by
// concurrent evaluations.
type Context struct {
	// Input is the workflow input payload (an object value).
	Input value.Value

	// Execution carries execution metadata (id, scope, started_at, ...).
	Execution map[string]value.Value

	// Nodes holds the outputs of completed nodes, keyed by node id.
	Nodes map[string]value.Value

	// Vars holds workflow-level variables.
	Vars map[string]value.Value
}

// NewContext creates a context with the given input payload.
func NewContext(input value.Value) *Context {
	return &Context{
		Input:     input,
		Execution: map[string]value.Value{},
		Nodes:     map[string]value.Value{},
		Vars:      map[string]value.Value{},
	}
}

// WithNode returns a copy of the context with one more node output visible.
// The copy shares all other state with the receiver.
func (c *Context) WithNode(id string, output value.Value) *Context {
	nodes := make(map[string]value.Value, len(c.Nodes)+1)
	for k, v := range c.Nodes {
		nodes[k] = v
	}
	nodes[id] = output
	return &Context{Input: c.Input, Execution: c.Execution, Nodes: nodes, Vars: c.Vars}
}

// Env converts the snapshot into the evaluation environment. The $ sigils
// are already stripped by the preprocessor, so the roots appear as plain
// identifiers.
func (c *Context) Env() map[string]any {
	node := make(map[string]any, len(c.Nodes))
	for k, v := range c.Nodes {
		node[k] = v.ToAny()
	}
	return map[string]any{
		"input":     c.Input.ToAny(),
		"execution": mapToAny(c.Execution),
		"node":      node,
		"vars":      mapToAny(c.Vars),
	}
}

// Verify checks that a referenced path exists in the snapshot. It walks as
// deep as object values allow; dynamic segments (array indexes, computed
// keys) end verification early and are left to the runtime.
func (c *Context) Verify(ref Ref) error {
	if len(ref.Path) == 0 {
		return nil
	}
	var cur value.Value
	rest := ref.Path[1:]

	switch ref.Path[0] {
	case "input":
		cur = c.Input
	case "execution":
		if len(rest) == 0 {
			return nil
		}
		v, ok := c.Execution[rest[0]]
		if !ok {
			return notFound(ref)
		}
		cur, rest = v, rest[1:]
	case "node":
		if len(rest) == 0 {
			return nil
		}
		v, ok := c.Nodes[rest[0]]
		if !ok {
			return notFound(ref)
		}
		cur, rest = v, rest[1:]
	case "vars":
		if len(rest) == 0 {
			return nil
		}
		v, ok := c.Vars[rest[0]]
		if !ok {
			return notFound(ref)
		}
		cur, rest = v, rest[1:]
	default:
		return errors.Newf(errors.ClassClient, errors.CodeExpression,
			"unknown variable root $%s", ref.Path[0])
	}

	for _, seg := range rest {
		if cur.Kind() != value.KindObject {
			return nil // dynamic from here on
		}
		next, ok := cur.Get(seg)
		if !ok {
			return notFound(ref)
		}
		cur = next
	}
	return nil
}

func notFound(ref Ref) error {
	return errors.Newf(errors.ClassClient, errors.CodeVariableNotFound,
		"variable not found: %s", ref.Raw).
		WithSuggestion("check that the referenced node has completed and the field exists")
}

func mapToAny(m map[string]value.Value) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.ToAny()
	}
	return out
}

// Ref is a static variable reference found by the preprocessor, e.g.
// $node.fetch.status becomes {Raw: "$node.fetch.status",
// Path: ["node", "fetch", "status"]}.
type Ref struct {
	Raw  string
	Path []string
}

// NodeID returns the referenced node id for $node refs and "" otherwise.
func (r Ref) NodeID() string {
	if len(r.Path) >= 2 && r.Path[0] == "node" {
		return r.Path[1]
	}
	return ""
}

func (r Ref) String() string {
	return "$" + strings.Join(r.Path, ".")
}
