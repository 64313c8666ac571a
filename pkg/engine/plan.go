package engine

import (
	"sort"

	"github.com/loomworks/loom/pkg/action"
	"github.com/loomworks/loom/pkg/expression"
)

// Plan is a compiled workflow: the definition plus the derived graph
// structure the scheduler walks. A Plan is immutable once built.
type Plan struct {
	def      *Definition
	nodes    map[string]NodeDef
	incoming map[string][]Edge
	outgoing map[string][]Edge
	// order is a topological order of node ids, used for deterministic
	// scheduling when several nodes become ready together.
	order []string
}

// Compile validates the workflow graph against the action registry and
// the expression engine. It fails with PlanningFailed on cycles, unknown
// actions, and parameter or condition references to nodes that are not
// upstream of the referencing node.
func Compile(def *Definition, reg *action.Registry, ev *expression.Evaluator) (*Plan, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	p := &Plan{
		def:      def,
		nodes:    make(map[string]NodeDef, len(def.Nodes)),
		incoming: make(map[string][]Edge),
		outgoing: make(map[string][]Edge),
	}
	for _, n := range def.Nodes {
		if _, err := reg.Lookup(n.Action); err != nil {
			return nil, errPlanning("node %q: unknown action %q", n.ID, n.Action)
		}
		seen := make(map[string]struct{}, len(n.Resources))
		for _, ref := range n.Resources {
			key := ref.Kind + "@" + ref.Version
			if _, dup := seen[key]; dup {
				return nil, errPlanning("node %q declares resource %s more than once", n.ID, key)
			}
			seen[key] = struct{}{}
		}
		p.nodes[n.ID] = n
	}
	for _, e := range def.Edges {
		p.incoming[e.To] = append(p.incoming[e.To], e)
		p.outgoing[e.From] = append(p.outgoing[e.From], e)
	}

	if err := p.sort(); err != nil {
		return nil, err
	}
	if err := p.checkReferences(ev); err != nil {
		return nil, err
	}
	return p, nil
}

// Roots returns the nodes with no upstream dependencies, in topological
// order.
func (p *Plan) Roots() []string {
	var roots []string
	for _, id := range p.order {
		if len(p.incoming[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Nodes returns the node count.
func (p *Plan) Nodes() int { return len(p.nodes) }

// sort runs Kahn's algorithm, filling p.order and detecting cycles.
func (p *Plan) sort() error {
	indegree := make(map[string]int, len(p.nodes))
	for id := range p.nodes {
		indegree[id] = len(p.incoming[id])
	}

	var frontier []string
	for id, d := range indegree {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		p.order = append(p.order, id)

		var next []string
		for _, e := range p.outgoing[id] {
			indegree[e.To]--
			if indegree[e.To] == 0 {
				next = append(next, e.To)
			}
		}
		sort.Strings(next)
		frontier = append(frontier, next...)
	}

	if len(p.order) != len(p.nodes) {
		var stuck []string
		for id, d := range indegree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return errPlanning("workflow %q has a cycle involving %v", p.def.Name, stuck)
	}
	return nil
}

// checkReferences verifies every $node reference in parameter templates
// and edge conditions names an upstream ancestor of the referencing node.
// References to downstream or unrelated nodes can never have a value at
// evaluation time.
func (p *Plan) checkReferences(ev *expression.Evaluator) error {
	ancestors := p.ancestry()

	for _, n := range p.def.Nodes {
		exprs, err := paramExpressions(n.Params)
		if err != nil {
			return errPlanning("node %q: %v", n.ID, err)
		}
		for _, src := range exprs {
			if err := p.checkNodeRefs(ev, src, n.ID, ancestors[n.ID]); err != nil {
				return err
			}
		}
	}
	for _, e := range p.def.Edges {
		if e.Condition == "" {
			continue
		}
		if err := p.checkNodeRefs(ev, e.Condition, e.To, ancestors[e.To]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plan) checkNodeRefs(ev *expression.Evaluator, src, at string,
	upstream map[string]struct{}) error {

	refs, err := ev.References(src)
	if err != nil {
		return errPlanning("node %q: invalid expression %q: %v", at, src, err)
	}
	for _, ref := range refs {
		id := ref.NodeID()
		if id == "" {
			continue
		}
		if _, ok := p.nodes[id]; !ok {
			return errPlanning("node %q references unknown node %q", at, id)
		}
		if _, ok := upstream[id]; !ok {
			return errPlanning("node %q references %q, which is not upstream of it", at, id)
		}
	}
	return nil
}

// ancestry returns, per node, the set of its transitive predecessors.
// Walking p.order guarantees predecessors are complete before use.
func (p *Plan) ancestry() map[string]map[string]struct{} {
	anc := make(map[string]map[string]struct{}, len(p.nodes))
	for _, id := range p.order {
		set := make(map[string]struct{})
		for _, e := range p.incoming[id] {
			set[e.From] = struct{}{}
			for up := range anc[e.From] {
				set[up] = struct{}{}
			}
		}
		anc[id] = set
	}
	return anc
}

// paramExpressions collects every template expression embedded in a
// parameter binding, recursing through nested maps and arrays.
func paramExpressions(params map[string]any) ([]string, error) {
	var exprs []string
	var walk func(v any) error
	walk = func(v any) error {
		switch t := v.(type) {
		case string:
			tpl, err := expression.ParseTemplate(t)
			if err != nil {
				return err
			}
			exprs = append(exprs, tpl.Expressions()...)
		case map[string]any:
			for _, nested := range t {
				if err := walk(nested); err != nil {
					return err
				}
			}
		case []any:
			for _, nested := range t {
				if err := walk(nested); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, v := range params {
		if err := walk(v); err != nil {
			return nil, err
		}
	}
	return exprs, nil
}
