package engine

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/resource"
	"github.com/loomworks/loom/pkg/action"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/schema"
	"github.com/loomworks/loom/pkg/value"
)

func TestRunLinearWorkflow(t *testing.T) {
	consume := &stubAction{
		id: "consume",
		schema: schema.MustNew(
			schema.NewNumber(schema.Metadata{Key: "count", Required: true}),
		),
		fn: func(ctx *action.Context) (value.Value, error) {
			count, _ := ctx.Param("count")
			return count, nil
		},
	}
	eng := newTestEngine(t, Config{},
		emit("emit", value.Object(map[string]value.Value{"n": value.Int(3)})),
		consume,
	)

	result, err := eng.Run(t.Context(), RunRequest{
		Workflow: linear(map[string]any{"count": "{{ $node.A.n * 2 }}"}),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, result.Status)
	assert.NotEmpty(t, result.ExecutionID)
	assert.Empty(t, result.Errors)
	require.Len(t, result.Outputs, 2)

	a := result.Outputs["A"]
	require.True(t, a.Inlined())
	n, ok := a.Inline.Get("n")
	require.True(t, ok)
	got, err := n.AsInt()
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)

	b := result.Outputs["B"]
	require.True(t, b.Inlined())
	doubled, err := b.Inline.AsInt()
	require.NoError(t, err)
	assert.Equal(t, int64(6), doubled)
}

func TestRunAcquiresAndReleasesResources(t *testing.T) {
	res := &stubResource{}
	mgr := resource.NewManager(resource.ManagerConfig{})
	require.NoError(t, mgr.Register(res, resource.PoolConfig{MaxSize: 2}))

	query := &stubAction{
		id: "query",
		fn: func(ctx *action.Context) (value.Value, error) {
			guard, err := ctx.Resource(resource.ID{Kind: "db", Version: "1"})
			if err != nil {
				return value.Null(), err
			}
			if guard.Instance() == nil {
				return value.Null(), errors.NewFatal("guard holds no instance")
			}
			return value.Int(1), nil
		},
	}
	eng := newTestEngine(t, Config{Resources: mgr}, query)

	result, err := eng.Run(t.Context(), RunRequest{
		Workflow: &Definition{
			Name: "w",
			Nodes: []NodeDef{{
				ID:        "q",
				Action:    "query",
				Resources: []ResourceRef{{Kind: "db", Version: "1"}},
			}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Empty(t, result.Errors)
	assert.Equal(t, int64(1), res.created.Load())

	// The engine owns the guard and recycles it once the node settles.
	require.Eventually(t, func() bool { return res.recycled.Load() == 1 },
		time.Second, time.Millisecond)
}

func TestRunSurfacesPoolExhaustionAsNodeError(t *testing.T) {
	res := &stubResource{}
	mgr := resource.NewManager(resource.ManagerConfig{})
	require.NoError(t, mgr.Register(res, resource.PoolConfig{
		MaxSize:        1,
		AcquireTimeout: 50 * time.Millisecond,
	}))

	// Hold the pool's only instance so the node's acquire waits out
	// its timeout at capacity.
	held, err := mgr.Acquire(t.Context(), resource.ID{Kind: "db", Version: "1"}, "", nil)
	require.NoError(t, err)
	defer held.Release()

	query := emit("query", value.Int(1))
	eng := newTestEngine(t, Config{Resources: mgr}, query)

	result, err := eng.Run(t.Context(), RunRequest{
		Workflow: &Definition{
			Name: "w",
			Nodes: []NodeDef{{
				ID:        "q",
				Action:    "query",
				Resources: []ResourceRef{{Kind: "db", Version: "1"}},
				Retry:     &RetryPolicy{MaxAttempts: 1, Base: Duration(time.Millisecond)},
			}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "q", result.Errors[0].NodeID)
	assert.Equal(t, errors.CodePoolExhausted, result.Errors[0].Code)
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	var stamps []time.Time
	flaky := &stubAction{
		id: "flaky",
		fn: func(*action.Context) (value.Value, error) {
			stamps = append(stamps, time.Now())
			if calls.Add(1) < 3 {
				return value.Null(), errors.NewTransient("upstream hiccup")
			}
			return value.Text("ok"), nil
		},
	}
	eng := newTestEngine(t, Config{}, flaky)

	result, err := eng.Run(t.Context(), RunRequest{
		Workflow: &Definition{
			Name: "retry",
			Nodes: []NodeDef{{ID: "only", Action: "flaky", Retry: &RetryPolicy{
				MaxAttempts: 3,
				Base:        Duration(10 * time.Millisecond),
				Factor:      2,
				Jitter:      0,
			}}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Equal(t, int32(3), calls.Load())
	text, err := result.Outputs["only"].Inline.AsText()
	require.NoError(t, err)
	assert.Equal(t, "ok", text)

	// delays follow base * factor^n with jitter 0
	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 10*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 20*time.Millisecond)
}

func TestRunDoesNotRetryFatalErrors(t *testing.T) {
	var calls atomic.Int32
	broken := &stubAction{
		id: "broken",
		fn: func(*action.Context) (value.Value, error) {
			calls.Add(1)
			return value.Null(), errors.NewFatal("config is wrong")
		},
	}
	eng := newTestEngine(t, Config{}, broken)

	result, err := eng.Run(t.Context(), RunRequest{
		Workflow: &Definition{
			Name: "w",
			Nodes: []NodeDef{{ID: "only", Action: "broken", Retry: &RetryPolicy{
				MaxAttempts: 5,
				Base:        Duration(time.Millisecond),
			}}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "only", result.Errors[0].NodeID)
}

func TestRunRejectsOversizedOutput(t *testing.T) {
	big := emit("big", value.Text(strings.Repeat("x", 200*1024)))
	eng := newTestEngine(t, Config{
		Budgets: Budgets{MaxNodeOutputBytes: 100 * 1024, LargeData: Reject},
	}, big)

	result, err := eng.Run(t.Context(), RunRequest{
		Workflow: &Definition{
			Name:  "w",
			Nodes: []NodeDef{{ID: "big", Action: "big"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "big", result.Errors[0].NodeID)
	assert.Equal(t, errors.CodeDataLimitExceeded, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Error, "102400")
}

func TestRunOutputLimitBoundary(t *testing.T) {
	const limit = 100 * 1024

	run := func(t *testing.T, size int) *RunResult {
		eng := newTestEngine(t, Config{
			Budgets: Budgets{MaxNodeOutputBytes: limit, LargeData: Reject},
		}, emit("sized", value.Text(strings.Repeat("x", size))))
		result, err := eng.Run(t.Context(), RunRequest{
			Workflow: &Definition{
				Name:  "w",
				Nodes: []NodeDef{{ID: "n", Action: "sized"}},
			},
		})
		require.NoError(t, err)
		return result
	}

	t.Run("exactly at limit passes", func(t *testing.T) {
		assert.Equal(t, StatusSucceeded, run(t, limit).Status)
	})
	t.Run("one byte over is rejected", func(t *testing.T) {
		result := run(t, limit+1)
		assert.Equal(t, StatusFailed, result.Status)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, errors.CodeDataLimitExceeded, result.Errors[0].Code)
	})
}

func TestRunSpillsToBlob(t *testing.T) {
	blobs, err := NewFSBlobStore(t.TempDir())
	require.NoError(t, err)

	payload := strings.Repeat("x", 150*1024)
	length := &stubAction{
		id: "length",
		fn: func(ctx *action.Context) (value.Value, error) {
			text, _ := ctx.Param("text")
			s, err := text.AsText()
			if err != nil {
				return value.Null(), err
			}
			return value.Int(int64(len(s))), nil
		},
	}
	eng := newTestEngine(t, Config{
		Blobs: blobs,
		Budgets: Budgets{
			MaxNodeOutputBytes: 100 * 1024,
			LargeData:          SpillToBlob,
		},
	}, emit("big", value.Text(payload)), length)

	result, err := eng.Run(t.Context(), RunRequest{
		ExecutionID: "exec-spill",
		Workflow: &Definition{
			Name: "w",
			Nodes: []NodeDef{
				{ID: "A", Action: "big"},
				{ID: "B", Action: "length", Params: map[string]any{
					"text": "{{ $node.A }}",
				}},
			},
			Edges: []Edge{{From: "A", To: "B"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, result.Status)

	// A's output was spilled but stays addressable downstream
	a := result.Outputs["A"]
	require.False(t, a.Inlined())
	assert.Equal(t, "exec-spill/A", a.Blob.Key)
	data, err := blobs.Get(t.Context(), a.Blob.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), a.Blob.Size)

	n, err := result.Outputs["B"].Inline.AsInt()
	require.NoError(t, err)
	assert.Equal(t, int64(150*1024), n)
}

func TestRunEdgeConditions(t *testing.T) {
	eng := newTestEngine(t, Config{},
		emit("emit", value.Object(map[string]value.Value{"n": value.Int(3)})),
		emit("consume", value.Text("ran")),
	)

	result, err := eng.Run(t.Context(), RunRequest{
		Workflow: &Definition{
			Name: "w",
			Nodes: []NodeDef{
				{ID: "A", Action: "emit"},
				{ID: "low", Action: "consume"},
				{ID: "high", Action: "consume"},
			},
			Edges: []Edge{
				{From: "A", To: "low", Condition: "$node.A.n < 5"},
				{From: "A", To: "high", Condition: "$node.A.n > 5"},
			},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Contains(t, result.Outputs, "low")
	assert.NotContains(t, result.Outputs, "high")
}

func TestRunSkippedPredecessorFailsClosed(t *testing.T) {
	eng := newTestEngine(t, Config{},
		emit("emit", value.Object(map[string]value.Value{"n": value.Int(3)})),
		emit("consume", value.Text("ran")),
	)

	// B skips because its condition is false; C's condition then
	// references B's missing output and must not admit C.
	result, err := eng.Run(t.Context(), RunRequest{
		Workflow: &Definition{
			Name: "w",
			Nodes: []NodeDef{
				{ID: "A", Action: "emit"},
				{ID: "B", Action: "consume"},
				{ID: "C", Action: "consume"},
			},
			Edges: []Edge{
				{From: "A", To: "B", Condition: "$node.A.n > 5"},
				{From: "B", To: "C", Condition: "$node.B.out == \"ran\""},
			},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, result.Status)
	require.Len(t, result.Outputs, 1)
	assert.Contains(t, result.Outputs, "A")
}

func TestRunSkippedPredecessorWithoutConditionSkips(t *testing.T) {
	eng := newTestEngine(t, Config{},
		emit("emit", value.Object(map[string]value.Value{"n": value.Int(3)})),
		emit("consume", value.Text("ran")),
	)

	result, err := eng.Run(t.Context(), RunRequest{
		Workflow: &Definition{
			Name: "w",
			Nodes: []NodeDef{
				{ID: "A", Action: "emit"},
				{ID: "B", Action: "consume"},
				{ID: "C", Action: "consume"},
			},
			Edges: []Edge{
				{From: "A", To: "B", Condition: "$node.A.n > 5"},
				{From: "B", To: "C"},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, result.Status)
	assert.NotContains(t, result.Outputs, "B")
	assert.NotContains(t, result.Outputs, "C")
}

func TestRunFailFastCancelsSiblings(t *testing.T) {
	slow := &stubAction{
		id: "slow",
		fn: func(ctx *action.Context) (value.Value, error) {
			<-ctx.Context().Done()
			return value.Null(), ctx.CheckCancelled()
		},
	}
	failing := &stubAction{
		id: "failing",
		fn: func(*action.Context) (value.Value, error) {
			return value.Null(), errors.NewFatal("boom")
		},
	}
	eng := newTestEngine(t, Config{}, slow, failing)

	started := time.Now()
	result, err := eng.Run(t.Context(), RunRequest{
		Workflow: &Definition{
			Name: "w",
			Nodes: []NodeDef{
				{ID: "bad", Action: "failing"},
				{ID: "wait", Action: "slow"},
			},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Less(t, time.Since(started), 3*time.Second)

	codes := map[string]errors.Code{}
	for _, e := range result.Errors {
		codes[e.NodeID] = e.Code
	}
	assert.Contains(t, codes, "bad")
}

func TestRunContinuePolicy(t *testing.T) {
	failing := &stubAction{
		id: "failing",
		fn: func(*action.Context) (value.Value, error) {
			return value.Null(), errors.NewFatal("boom")
		},
	}
	eng := newTestEngine(t, Config{
		Budgets: Budgets{Failure: Continue},
	}, failing, emit("emit", value.Text("ok")))

	result, err := eng.Run(t.Context(), RunRequest{
		Workflow: &Definition{
			Name: "w",
			Nodes: []NodeDef{
				{ID: "bad", Action: "failing"},
				{ID: "after-bad", Action: "emit"},
				{ID: "independent", Action: "emit"},
			},
			Edges: []Edge{{From: "bad", To: "after-bad"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Outputs, "independent")
	assert.NotContains(t, result.Outputs, "after-bad")
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "bad", result.Errors[0].NodeID)
}

func TestRunFailOnCritical(t *testing.T) {
	failing := &stubAction{
		id: "failing",
		fn: func(*action.Context) (value.Value, error) {
			return value.Null(), errors.NewFatal("boom")
		},
	}

	workflow := func(critical bool) *Definition {
		return &Definition{
			Name: "w",
			Nodes: []NodeDef{
				{ID: "bad", Action: "failing", Critical: critical},
				{ID: "other", Action: "emit"},
			},
		}
	}

	t.Run("non-critical failure continues", func(t *testing.T) {
		eng := newTestEngine(t, Config{
			Budgets: Budgets{Failure: FailOnCritical},
		}, failing, emit("emit", value.Text("ok")))
		result, err := eng.Run(t.Context(), RunRequest{Workflow: workflow(false)})
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, result.Status)
		assert.Contains(t, result.Outputs, "other")
	})

	t.Run("critical failure aborts", func(t *testing.T) {
		slow := &stubAction{
			id: "emit",
			fn: func(ctx *action.Context) (value.Value, error) {
				select {
				case <-ctx.Context().Done():
					return value.Null(), ctx.CheckCancelled()
				case <-time.After(5 * time.Second):
					return value.Text("ok"), nil
				}
			},
		}
		eng := newTestEngine(t, Config{
			Budgets: Budgets{Failure: FailOnCritical},
		}, failing, slow)
		started := time.Now()
		result, err := eng.Run(t.Context(), RunRequest{Workflow: workflow(true)})
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, result.Status)
		assert.NotContains(t, result.Outputs, "other")
		assert.Less(t, time.Since(started), 3*time.Second)
	})
}

func TestRunCancellation(t *testing.T) {
	entered := make(chan struct{})
	slow := &stubAction{
		id: "slow",
		fn: func(ctx *action.Context) (value.Value, error) {
			close(entered)
			<-ctx.Context().Done()
			return value.Null(), ctx.CheckCancelled()
		},
	}
	eng := newTestEngine(t, Config{}, slow)

	exec, err := eng.Start(t.Context(), RunRequest{
		Workflow: &Definition{
			Name:  "w",
			Nodes: []NodeDef{{ID: "only", Action: "slow"}},
		},
	})
	require.NoError(t, err)

	<-entered
	exec.Cancel("operator request")

	result, err := exec.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, result.Status)
}

func TestRunWallTimeBudget(t *testing.T) {
	slow := &stubAction{
		id: "slow",
		fn: func(ctx *action.Context) (value.Value, error) {
			<-ctx.Context().Done()
			return value.Null(), ctx.CheckCancelled()
		},
	}
	eng := newTestEngine(t, Config{
		Budgets: Budgets{MaxWallTime: Duration(40 * time.Millisecond)},
	}, slow)

	started := time.Now()
	result, err := eng.Run(t.Context(), RunRequest{
		Workflow: &Definition{
			Name:  "w",
			Nodes: []NodeDef{{ID: "only", Action: "slow"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Less(t, time.Since(started), 3*time.Second)

	var sawBudget bool
	for _, e := range result.Errors {
		if e.Code == errors.CodeBudgetExceeded {
			sawBudget = true
		}
	}
	assert.True(t, sawBudget, "expected a budget_exceeded error, got %v", result.Errors)
}

func TestRunRetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	flaky := &stubAction{
		id: "flaky",
		fn: func(*action.Context) (value.Value, error) {
			calls.Add(1)
			return value.Null(), errors.NewTransient("still broken")
		},
	}
	eng := newTestEngine(t, Config{
		Budgets: Budgets{MaxTotalRetries: 1},
	}, flaky)

	result, err := eng.Run(t.Context(), RunRequest{
		Workflow: &Definition{
			Name: "w",
			Nodes: []NodeDef{{ID: "only", Action: "flaky", Retry: &RetryPolicy{
				MaxAttempts: 5,
				Base:        Duration(time.Millisecond),
			}}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, int32(2), calls.Load())
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, errors.CodeBudgetExceeded, result.Errors[0].Code)
}

func TestRunBoundsConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	busy := &stubAction{
		id: "busy",
		fn: func(*action.Context) (value.Value, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
			return value.Text("done"), nil
		},
	}
	eng := newTestEngine(t, Config{
		Budgets: Budgets{MaxConcurrentNodes: 2},
	}, busy)

	result, err := eng.Run(t.Context(), RunRequest{
		Workflow: &Definition{
			Name: "w",
			Nodes: []NodeDef{
				{ID: "n1", Action: "busy"},
				{ID: "n2", Action: "busy"},
				{ID: "n3", Action: "busy"},
				{ID: "n4", Action: "busy"},
				{ID: "n5", Action: "busy"},
			},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, result.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunRequestJSONRoundTrip(t *testing.T) {
	req, err := ParseRunRequest([]byte(`{
		"workflow": {
			"name": "w",
			"nodes": [{"id": "a", "action": "emit"}]
		},
		"input": {"env": "prod"},
		"budgets": {"max_wall_time": "30s", "failure": "continue"},
		"execution_id": "exec-1",
		"scope": "org:acme/team:eng"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "w", req.Workflow.Name)
	assert.Equal(t, "prod", req.Input["env"])
	assert.Equal(t, Duration(30*time.Second), req.Budgets.MaxWallTime)
	assert.Equal(t, Continue, req.Budgets.Failure)
	assert.Equal(t, "exec-1", req.ExecutionID)

	_, err = ParseRunRequest([]byte(`{"input": {}}`))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeMissingRequired))
}

func TestRunPinnedExecutionID(t *testing.T) {
	eng := newTestEngine(t, Config{}, emit("emit", value.Text("ok")))
	result, err := eng.Run(t.Context(), RunRequest{
		ExecutionID: "pinned",
		Workflow: &Definition{
			Name:  "w",
			Nodes: []NodeDef{{ID: "a", Action: "emit"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "pinned", result.ExecutionID)
}
