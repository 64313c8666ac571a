package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/credential"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/internal/resource"
	"github.com/loomworks/loom/pkg/action"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/expression"
	"github.com/loomworks/loom/pkg/value"
)

// CredentialSource resolves credential tokens at a caller scope.
// *credential.Manager satisfies it.
type CredentialSource interface {
	GetToken(ctx context.Context, id string, callerScope credential.Scope) (credential.Token, error)
}

// ResourceSource lends pooled resource instances at a caller scope.
// *resource.Manager satisfies it.
type ResourceSource interface {
	Acquire(ctx context.Context, id resource.ID, scope credential.Scope,
		config map[string]value.Value) (*resource.Guard, error)
}

// Config assembles an Engine. Registry is required; everything else has
// a working default.
type Config struct {
	// Registry resolves the actions workflows name.
	Registry *action.Registry

	// Evaluator evaluates parameter templates and edge conditions.
	// Defaults to expression.New().
	Evaluator *expression.Evaluator

	// Credentials resolves credential tokens for nodes that request
	// them. Nil means credential requests fail.
	Credentials CredentialSource

	// Resources lends pooled instances for nodes that request them.
	// Nil means resource requests fail.
	Resources ResourceSource

	// Blobs receives node outputs spilled under the SpillToBlob
	// strategy. Required only when a workflow runs with that strategy.
	Blobs BlobStore

	// States persists stateful action state between iterations.
	// Defaults to an in-memory store.
	States action.StateStore

	// Bus receives execution lifecycle events. Nil disables events.
	Bus *observability.Bus

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Budgets are the per-execution defaults; RunRequest.Budgets
	// overrides them.
	Budgets Budgets

	// Retry is the default per-node retry policy; NodeDef.Retry
	// overrides it.
	Retry RetryPolicy
}

// Engine runs compiled workflows.
type Engine struct {
	cfg Config
}

// New validates the configuration. Invalid budgets fail here, never at
// first use.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.NewConfig("registry", "action registry is required")
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = expression.New()
	}
	if cfg.States == nil {
		cfg.States = action.NewMemoryStateStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Budgets = cfg.Budgets.withDefaults()
	if err := cfg.Budgets.validate(); err != nil {
		return nil, err
	}
	cfg.Retry = cfg.Retry.withDefaults()
	return &Engine{cfg: cfg}, nil
}

// RunRequest submits a workflow with its input and overrides.
type RunRequest struct {
	// Workflow is the definition to run.
	Workflow *Definition `json:"workflow"`

	// Input is the workflow input payload, visible to expressions as
	// $input.
	Input map[string]any `json:"input,omitempty"`

	// Budgets override the engine defaults for this execution.
	Budgets *Budgets `json:"budgets,omitempty"`

	// ExecutionID pins the execution identifier; empty generates one.
	// Idempotency keys derive from it, so replays must reuse it.
	ExecutionID string `json:"execution_id,omitempty"`

	// Scope bounds credential and resource visibility for the whole
	// execution.
	Scope string `json:"scope,omitempty"`
}

// ParseRunRequest decodes a run request from JSON.
func ParseRunRequest(data []byte) (*RunRequest, error) {
	var req RunRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.New(errors.ClassClient, errors.CodeSerialization,
			"run request is not valid JSON").WithCause(err)
	}
	if req.Workflow == nil {
		return nil, errors.NewMissingRequired("workflow")
	}
	return &req, nil
}

// NodeError reports one failed node in a RunResult.
type NodeError struct {
	NodeID string      `json:"node_id"`
	Code   errors.Code `json:"code"`
	Error  string      `json:"error"`
}

// RunResult is the settled outcome of an execution.
type RunResult struct {
	ExecutionID string                    `json:"execution_id"`
	Status      Status                    `json:"status"`
	Outputs     map[string]NodeOutputData `json:"outputs"`
	Errors      []NodeError               `json:"errors,omitempty"`
}

// Run executes the workflow to completion. The returned error is non-nil
// only when the execution could not start (planning or validation); node
// failures surface in RunResult.Errors with Status Failed.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	exec, err := e.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	// Cancelling ctx cancels the execution, which settles cooperatively,
	// so waiting on Done alone is enough.
	<-exec.Done()
	return exec.result, nil
}

// Start launches the workflow and returns a handle. The execution runs on
// its own goroutine; cancel it through the handle or the parent context.
func (e *Engine) Start(ctx context.Context, req RunRequest) (*Execution, error) {
	if req.Workflow == nil {
		return nil, errors.NewMissingRequired("workflow")
	}
	plan, err := Compile(req.Workflow, e.cfg.Registry, e.cfg.Evaluator)
	if err != nil {
		return nil, err
	}

	budgets := e.cfg.Budgets
	if req.Budgets != nil {
		budgets = req.Budgets.withDefaults()
		if err := budgets.validate(); err != nil {
			return nil, err
		}
	}
	if budgets.LargeData == SpillToBlob && e.cfg.Blobs == nil {
		return nil, errors.NewConfig("blobs",
			"spill_to_blob requires a blob store")
	}

	scope := credential.Scope("")
	if req.Scope != "" {
		scope, err = credential.ParseScope(req.Scope)
		if err != nil {
			return nil, err
		}
	}

	execID := req.ExecutionID
	if execID == "" {
		execID = uuid.NewString()
	}

	ctx, cancel := context.WithCancelCause(ctx)
	exec := &Execution{
		id:     execID,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r := &run{
		eng:     e,
		plan:    plan,
		budgets: budgets,
		execID:  execID,
		scope:   scope,
		input:   value.FromAny(req.Input),
		logger: e.cfg.Logger.With(
			"execution_id", execID,
			"workflow", req.Workflow.Name,
		),
		obs: observability.Context{
			ExecutionID: execID,
			WorkflowID:  req.Workflow.Name,
		},
		results: make(map[string]*NodeResult, plan.Nodes()),
		seen:    newKeySet(),
	}

	go func() {
		defer close(exec.done)
		exec.result = r.execute(ctx)
		cancel(nil)
	}()
	return exec, nil
}
