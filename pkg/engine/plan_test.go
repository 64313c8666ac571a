package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/expression"
	"github.com/loomworks/loom/pkg/value"
)

func compileFixture(t *testing.T, def *Definition) (*Plan, error) {
	t.Helper()
	reg := newRegistry(t,
		emit("emit", value.Int(1)),
		emit("consume", value.Int(2)),
	)
	return Compile(def, reg, expression.New())
}

func TestCompileOrdersTopologically(t *testing.T) {
	plan, err := compileFixture(t, &Definition{
		Name: "diamond",
		Nodes: []NodeDef{
			{ID: "d", Action: "consume"},
			{ID: "b", Action: "consume"},
			{ID: "c", Action: "consume"},
			{ID: "a", Action: "emit"},
		},
		Edges: []Edge{
			{From: "a", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "d"},
			{From: "c", To: "d"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, plan.Roots())
	assert.Equal(t, 4, plan.Nodes())
	assert.Equal(t, []string{"a", "b", "c", "d"}, plan.order)
}

func TestCompileRejectsCycle(t *testing.T) {
	_, err := compileFixture(t, &Definition{
		Name: "loop",
		Nodes: []NodeDef{
			{ID: "a", Action: "emit"},
			{ID: "b", Action: "consume"},
			{ID: "c", Action: "consume"},
		},
		Edges: []Edge{
			{From: "a", To: "b"},
			{From: "b", To: "c"},
			{From: "c", To: "b"},
		},
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodePlanningFailed))
	assert.Contains(t, err.Error(), "cycle")
}

func TestCompileRejectsDuplicateResourceRefs(t *testing.T) {
	_, err := compileFixture(t, &Definition{
		Name: "w",
		Nodes: []NodeDef{{
			ID:     "a",
			Action: "emit",
			Resources: []ResourceRef{
				{Kind: "postgres", Version: "1"},
				{Kind: "postgres", Version: "1"},
			},
		}},
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodePlanningFailed))
	assert.Contains(t, err.Error(), "more than once")
}

func TestCompileRejectsUnknownAction(t *testing.T) {
	_, err := compileFixture(t, &Definition{
		Name:  "w",
		Nodes: []NodeDef{{ID: "a", Action: "no.such.action"}},
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodePlanningFailed))
	assert.Contains(t, err.Error(), "no.such.action")
}

func TestCompileRejectsNonUpstreamReference(t *testing.T) {
	// b and c are siblings; c's params may not read b's output.
	_, err := compileFixture(t, &Definition{
		Name: "w",
		Nodes: []NodeDef{
			{ID: "a", Action: "emit"},
			{ID: "b", Action: "consume"},
			{ID: "c", Action: "consume", Params: map[string]any{
				"x": "{{ $node.b.out }}",
			}},
		},
		Edges: []Edge{
			{From: "a", To: "b"},
			{From: "a", To: "c"},
		},
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodePlanningFailed))
	assert.Contains(t, err.Error(), "not upstream")
}

func TestCompileRejectsUnknownNodeReference(t *testing.T) {
	_, err := compileFixture(t, &Definition{
		Name: "w",
		Nodes: []NodeDef{
			{ID: "a", Action: "emit"},
			{ID: "b", Action: "consume", Params: map[string]any{
				"nested": map[string]any{
					"deep": []any{"{{ $node.ghost.out }}"},
				},
			}},
		},
		Edges: []Edge{{From: "a", To: "b"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestCompileChecksEdgeConditionReferences(t *testing.T) {
	_, err := compileFixture(t, &Definition{
		Name: "w",
		Nodes: []NodeDef{
			{ID: "a", Action: "emit"},
			{ID: "b", Action: "consume"},
		},
		Edges: []Edge{{From: "a", To: "b", Condition: "$node.ghost.ok"}},
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodePlanningFailed))

	// a is upstream of b, so the same condition over a compiles
	_, err = compileFixture(t, &Definition{
		Name: "w",
		Nodes: []NodeDef{
			{ID: "a", Action: "emit"},
			{ID: "b", Action: "consume"},
		},
		Edges: []Edge{{From: "a", To: "b", Condition: "$node.a.ok"}},
	})
	require.NoError(t, err)
}

func TestCompileAllowsUpstreamParamReference(t *testing.T) {
	plan, err := compileFixture(t, &Definition{
		Name: "w",
		Nodes: []NodeDef{
			{ID: "a", Action: "emit"},
			{ID: "b", Action: "consume", Params: map[string]any{
				"count": "{{ $node.a.n * 2 }}",
			}},
		},
		Edges: []Edge{{From: "a", To: "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, plan.Roots())
}
