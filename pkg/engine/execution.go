package engine

import (
	"context"
	"time"

	"github.com/loomworks/loom/pkg/errors"
)

// Status is the terminal state of an execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// NodeStatus is the state of a single node within an execution.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// settled reports whether the node has reached a terminal state.
func (s NodeStatus) settled() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeSkipped:
		return true
	}
	return false
}

// NodeResult is the settled outcome of one node.
type NodeResult struct {
	NodeID    string         `json:"node_id"`
	Status    NodeStatus     `json:"status"`
	Output    NodeOutputData `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode errors.Code    `json:"error_code,omitempty"`
	Attempts  uint           `json:"attempts,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
}

// Execution is a handle to an in-flight workflow run. Cancel is safe to
// call from any goroutine and is idempotent.
type Execution struct {
	id     string
	cancel context.CancelCauseFunc
	done   chan struct{}

	result *RunResult
}

// ID returns the execution identifier.
func (e *Execution) ID() string { return e.id }

// Cancel requests cooperative cancellation of the execution. Running
// nodes observe it through their contexts; the engine waits out the
// grace period before abandoning them.
func (e *Execution) Cancel(reason string) {
	e.cancel(errors.NewCancelled("execution").
		WithContext("engine", "cancel", "reason", reason))
}

// Done is closed when the execution settles.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Wait blocks until the execution settles or ctx expires.
func (e *Execution) Wait(ctx context.Context) (*RunResult, error) {
	select {
	case <-e.done:
		return e.result, nil
	case <-ctx.Done():
		return nil, errors.NewCancelled("execution wait").WithCause(context.Cause(ctx))
	}
}
