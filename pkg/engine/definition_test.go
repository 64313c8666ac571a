package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/errors"
)

func TestParseDefinitionYAML(t *testing.T) {
	def, err := ParseDefinition([]byte(`
name: deploy
nodes:
  - id: build
    action: shell.run
    params:
      cmd: make build
  - id: push
    action: docker.push
    credentials: [registry-token]
    retry:
      max_attempts: 3
      base: 10ms
      factor: 2
edges:
  - from: build
    to: push
    condition: $node.build.ok
`))
	require.NoError(t, err)
	assert.Equal(t, "deploy", def.Name)
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, "shell.run", def.Nodes[0].Action)
	assert.Equal(t, []string{"registry-token"}, def.Nodes[1].Credentials)
	require.NotNil(t, def.Nodes[1].Retry)
	assert.Equal(t, uint(3), def.Nodes[1].Retry.MaxAttempts)
	require.Len(t, def.Edges, 1)
	assert.Equal(t, "$node.build.ok", def.Edges[0].Condition)
}

func TestParseDefinitionJSON(t *testing.T) {
	def, err := ParseDefinition([]byte(`{
		"name": "one",
		"nodes": [{"id": "a", "action": "noop", "params": {"n": 1}}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "one", def.Name)
	assert.Equal(t, 1, def.Nodes[0].Params["n"])
}

func TestParseDefinitionRejectsGarbage(t *testing.T) {
	_, err := ParseDefinition([]byte("{nodes: ["))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodePlanningFailed))
}

func TestDefinitionValidate(t *testing.T) {
	cases := []struct {
		name string
		def  Definition
	}{
		{"no name", Definition{Nodes: []NodeDef{{ID: "a", Action: "x"}}}},
		{"no nodes", Definition{Name: "w"}},
		{"node without id", Definition{Name: "w", Nodes: []NodeDef{{Action: "x"}}}},
		{"node without action", Definition{Name: "w", Nodes: []NodeDef{{ID: "a"}}}},
		{"duplicate id", Definition{Name: "w", Nodes: []NodeDef{
			{ID: "a", Action: "x"}, {ID: "a", Action: "y"},
		}}},
		{"edge to unknown node", Definition{Name: "w",
			Nodes: []NodeDef{{ID: "a", Action: "x"}},
			Edges: []Edge{{From: "a", To: "b"}},
		}},
		{"self edge", Definition{Name: "w",
			Nodes: []NodeDef{{ID: "a", Action: "x"}},
			Edges: []Edge{{From: "a", To: "a"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.def.Validate()
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.CodePlanningFailed))
		})
	}
}
