package engine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/credential"
	"github.com/loomworks/loom/internal/resource"
	"github.com/loomworks/loom/pkg/action"
	"github.com/loomworks/loom/pkg/schema"
	"github.com/loomworks/loom/pkg/value"
)

// stubAction is a scriptable action for engine tests.
type stubAction struct {
	id     string
	schema *schema.Schema
	caps   action.Capabilities
	iso    action.IsolationLevel
	fn     func(ctx *action.Context) (value.Value, error)
}

func (a *stubAction) Metadata() action.Metadata {
	return action.Metadata{
		ID:           a.id,
		Version:      "1.0.0",
		Name:         a.id,
		Capabilities: a.caps,
		Isolation:    a.iso,
	}
}

func (a *stubAction) InputSchema() *schema.Schema { return a.schema }

func (a *stubAction) Execute(ctx *action.Context) (value.Value, error) {
	return a.fn(ctx)
}

// emit returns an action that outputs a constant value.
func emit(id string, out value.Value) *stubAction {
	return &stubAction{
		id: id,
		fn: func(*action.Context) (value.Value, error) { return out, nil },
	}
}

func newRegistry(t *testing.T, actions ...action.Descriptor) *action.Registry {
	t.Helper()
	reg := action.NewRegistry()
	for _, a := range actions {
		require.NoError(t, reg.Register(a))
	}
	return reg
}

func newTestEngine(t *testing.T, cfg Config, actions ...action.Descriptor) *Engine {
	t.Helper()
	if cfg.Registry == nil {
		cfg.Registry = newRegistry(t, actions...)
	}
	eng, err := New(cfg)
	require.NoError(t, err)
	return eng
}

// stubResource is a poolable instance factory counting its lifecycle
// calls, for engine-level acquisition tests.
type stubResource struct {
	created  atomic.Int64
	recycled atomic.Int64
	cleaned  atomic.Int64
}

func (r *stubResource) ID() resource.ID       { return resource.ID{Kind: "db", Version: "1"} }
func (r *stubResource) Flags() resource.Flags { return resource.Flags{Poolable: true} }

func (r *stubResource) DefaultScope() credential.Scope { return "org:acme" }

func (r *stubResource) ConfigSchema() *schema.Schema { return nil }

func (r *stubResource) Create(context.Context, map[string]value.Value) (any, error) {
	return r.created.Add(1), nil
}

func (r *stubResource) IsValid(any) bool { return true }

func (r *stubResource) Recycle(any) error {
	r.recycled.Add(1)
	return nil
}

func (r *stubResource) Cleanup(any) error {
	r.cleaned.Add(1)
	return nil
}

// linear builds a two-node A -> B workflow with the given params on B.
func linear(paramsB map[string]any) *Definition {
	return &Definition{
		Name: "linear",
		Nodes: []NodeDef{
			{ID: "A", Action: "emit"},
			{ID: "B", Action: "consume", Params: paramsB},
		},
		Edges: []Edge{{From: "A", To: "B"}},
	}
}
