// Package action defines the contract between the execution engine and
// action implementations: metadata with declared capabilities and an
// isolation level, the one-shot executable variant with optional
// rollback, and the iterative stateful variant with persisted,
// versioned state.
package action

import (
	"time"

	"github.com/loomworks/loom/pkg/schema"
	"github.com/loomworks/loom/pkg/value"
)

// IsolationLevel controls how strictly an action's declared
// capabilities are enforced.
type IsolationLevel int

const (
	// IsolationNone marks a trusted built-in; capability declarations
	// are advisory.
	IsolationNone IsolationLevel = iota
	// IsolationCapabilityGated runs in-process with proxied access
	// checked against the declared capability set.
	IsolationCapabilityGated
	// IsolationIsolated requires a sandbox. Mandatory for third-party
	// actions; execution is refused until a sandbox backend exists.
	IsolationIsolated
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationNone:
		return "none"
	case IsolationCapabilityGated:
		return "capability_gated"
	case IsolationIsolated:
		return "isolated"
	default:
		return "unknown"
	}
}

// Metadata identifies an action and declares everything it may touch.
type Metadata struct {
	ID          string
	Version     string
	Name        string
	Description string

	Capabilities Capabilities
	Isolation    IsolationLevel
}

// Descriptor is the part of an action the planner and registry need
// before anything runs.
type Descriptor interface {
	Metadata() Metadata
	InputSchema() *schema.Schema
}

// Action is the one-shot executable variant. Execute receives a
// per-invocation context and returns the node's output.
type Action interface {
	Descriptor
	Execute(ctx *Context) (value.Value, error)
}

// RollbackAction is implemented by actions that can undo a completed
// Execute.
type RollbackAction interface {
	Action
	Rollback(ctx *Context) error
}

// SupportsRollback reports whether the action can be rolled back.
func SupportsRollback(a Action) bool {
	_, ok := a.(RollbackAction)
	return ok
}

// Step is the outcome of one stateful iteration: either Continue with
// progress and an optional delay before the next iteration, or Break
// with a final output.
type Step struct {
	Output value.Value
	Done   bool

	// Progress in [0,1]; meaningful while not Done.
	Progress float64
	// Delay before the next iteration.
	Delay time.Duration
	// Reason the action stopped; set when Done.
	Reason string
}

// Continue yields an intermediate step.
func Continue(output value.Value, progress float64, delay time.Duration) Step {
	return Step{Output: output, Progress: progress, Delay: delay}
}

// Break yields the final step.
func Break(output value.Value, reason string) Step {
	return Step{Output: output, Done: true, Reason: reason}
}

// StatefulAction is the iterative variant. The engine persists the
// returned state between iterations and across restarts, and dispatches
// MigrateState when a stored payload predates StateVersion.
type StatefulAction interface {
	Descriptor

	// StateVersion is the version new state payloads are written at.
	StateVersion() uint32
	// InitializeState produces the initial payload from the resolved
	// parameters.
	InitializeState(ctx *Context) ([]byte, error)
	// ExecuteWithState runs one iteration and returns the step outcome
	// together with the updated payload.
	ExecuteWithState(ctx *Context, state []byte) (Step, []byte, error)
	// MigrateState upgrades a payload written at an older version.
	// Migrations must be pure.
	MigrateState(fromVersion uint32, payload []byte) ([]byte, error)
}
