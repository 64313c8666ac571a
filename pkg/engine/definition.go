// Package engine plans and executes workflow graphs.
//
// A workflow is a directed acyclic graph of nodes. Each node names a
// registered action, binds its parameters (with template expressions over
// the workflow input and upstream outputs), and may request credentials
// and pooled resources. The engine compiles the graph into a Plan, then
// schedules ready nodes under the execution's budgets until every node
// has settled or the execution fails.
package engine

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/pkg/errors"
)

// Definition is the declarative form of a workflow. It decodes from both
// YAML and JSON.
type Definition struct {
	// Name is the workflow identifier.
	Name string `yaml:"name" json:"name"`

	// Description provides human-readable context about the workflow.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Nodes are the executable units of the workflow.
	Nodes []NodeDef `yaml:"nodes" json:"nodes"`

	// Edges order the nodes. A node becomes ready once every incoming
	// edge has settled and its condition (if any) holds.
	Edges []Edge `yaml:"edges,omitempty" json:"edges,omitempty"`
}

// NodeDef places an action within the workflow graph.
type NodeDef struct {
	// ID is the node identifier, unique within the workflow.
	ID string `yaml:"id" json:"id"`

	// Action is the registered action id this node executes.
	Action string `yaml:"action" json:"action"`

	// Params bind the action's parameters. String values may embed
	// {{ expression }} templates evaluated over the workflow input and
	// upstream node outputs.
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// Credentials lists the credential ids the node needs at runtime.
	Credentials []string `yaml:"credentials,omitempty" json:"credentials,omitempty"`

	// Resources lists the pooled resources the node acquires before
	// executing.
	Resources []ResourceRef `yaml:"resources,omitempty" json:"resources,omitempty"`

	// Retry overrides the engine's default retry policy for this node.
	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Critical marks the node for the fail-on-critical failure policy.
	Critical bool `yaml:"critical,omitempty" json:"critical,omitempty"`
}

// ResourceRef requests a pooled resource by kind and version.
type ResourceRef struct {
	Kind    string         `yaml:"kind" json:"kind"`
	Version string         `yaml:"version" json:"version"`
	Config  map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// Edge is a directed dependency between two nodes. Condition, when set,
// is an expression evaluated over the outputs accumulated so far; the
// downstream node runs only if it evaluates to true.
type Edge struct {
	From      string `yaml:"from" json:"from"`
	To        string `yaml:"to" json:"to"`
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// RetryPolicy bounds the per-node retry loop. Delay for attempt n is
// min(Cap, Base * Factor^n) scaled by (1 +/- Jitter).
type RetryPolicy struct {
	MaxAttempts uint     `yaml:"max_attempts" json:"max_attempts"`
	Base        Duration `yaml:"base" json:"base"`
	Cap         Duration `yaml:"cap" json:"cap"`
	Factor      float64  `yaml:"factor" json:"factor"`
	Jitter      float64  `yaml:"jitter" json:"jitter"`
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}
	if p.Base <= 0 {
		p.Base = Duration(100 * time.Millisecond)
	}
	if p.Cap <= 0 {
		p.Cap = Duration(30 * time.Second)
	}
	if p.Factor <= 0 {
		p.Factor = 2
	}
	return p
}

// ParseDefinition decodes a workflow definition from YAML or JSON.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errors.New(errors.ClassClient, errors.CodePlanningFailed,
			"workflow definition is not valid YAML or JSON").WithCause(err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural well-formedness: a name, at least one node,
// unique node ids, and edges that reference declared nodes. Graph-level
// checks (cycles, action lookup, references) happen at Compile.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errPlanning("workflow name is required")
	}
	if len(d.Nodes) == 0 {
		return errPlanning("workflow %q has no nodes", d.Name)
	}
	ids := make(map[string]struct{}, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return errPlanning("workflow %q has a node without an id", d.Name)
		}
		if n.Action == "" {
			return errPlanning("node %q does not name an action", n.ID)
		}
		if _, dup := ids[n.ID]; dup {
			return errPlanning("duplicate node id %q", n.ID)
		}
		ids[n.ID] = struct{}{}
	}
	for _, e := range d.Edges {
		if _, ok := ids[e.From]; !ok {
			return errPlanning("edge references unknown node %q", e.From)
		}
		if _, ok := ids[e.To]; !ok {
			return errPlanning("edge references unknown node %q", e.To)
		}
		if e.From == e.To {
			return errPlanning("node %q has an edge to itself", e.From)
		}
	}
	return nil
}

func errPlanning(format string, args ...any) error {
	return errors.New(errors.ClassClient, errors.CodePlanningFailed,
		fmt.Sprintf(format, args...))
}
