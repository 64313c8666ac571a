package engine

import (
	"time"

	"github.com/loomworks/loom/pkg/errors"
)

// LargeDataStrategy decides what happens to node outputs that exceed a
// byte limit.
type LargeDataStrategy string

const (
	// Reject fails the node when its output exceeds the limit.
	Reject LargeDataStrategy = "reject"
	// SpillToBlob writes oversized outputs to the blob store and keeps
	// only a reference in memory.
	SpillToBlob LargeDataStrategy = "spill_to_blob"
)

// FailurePolicy decides how a node failure affects the rest of the
// execution.
type FailurePolicy string

const (
	// FailFast cancels the execution on the first node failure.
	FailFast FailurePolicy = "fail_fast"
	// Continue keeps scheduling nodes whose dependencies still hold;
	// downstream nodes of the failed node are skipped.
	Continue FailurePolicy = "continue"
	// FailOnCritical cancels the execution only when a node marked
	// critical fails; other failures behave like Continue.
	FailOnCritical FailurePolicy = "fail_on_critical"
)

// Budgets bound an execution. Zero values take the documented defaults.
type Budgets struct {
	// MaxConcurrentNodes caps the number of nodes running at once.
	// Default 4.
	MaxConcurrentNodes int `json:"max_concurrent_nodes,omitempty" yaml:"max_concurrent_nodes,omitempty"`

	// MaxTotalRetries caps retries across all nodes of the execution.
	// Default 16.
	MaxTotalRetries int `json:"max_total_retries,omitempty" yaml:"max_total_retries,omitempty"`

	// MaxWallTime bounds the whole execution; expiry cancels
	// outstanding nodes. Default 10m.
	MaxWallTime Duration `json:"max_wall_time,omitempty" yaml:"max_wall_time,omitempty"`

	// MaxNodeOutputBytes caps a single node's inline output.
	// Default 1 MiB.
	MaxNodeOutputBytes int `json:"max_node_output_bytes,omitempty" yaml:"max_node_output_bytes,omitempty"`

	// MaxTotalExecutionBytes caps the inline output bytes retained
	// across the execution. Spilled blobs do not count. Default 16 MiB.
	MaxTotalExecutionBytes int `json:"max_total_execution_bytes,omitempty" yaml:"max_total_execution_bytes,omitempty"`

	// LargeData selects the strategy for outputs over MaxNodeOutputBytes.
	// Default Reject.
	LargeData LargeDataStrategy `json:"large_data,omitempty" yaml:"large_data,omitempty"`

	// Failure selects the failure propagation policy. Default FailFast.
	Failure FailurePolicy `json:"failure,omitempty" yaml:"failure,omitempty"`

	// GracePeriod is how long the engine waits for running nodes to
	// observe cancellation before abandoning them. Default 5s.
	GracePeriod Duration `json:"grace_period,omitempty" yaml:"grace_period,omitempty"`
}

func (b Budgets) withDefaults() Budgets {
	if b.MaxConcurrentNodes <= 0 {
		b.MaxConcurrentNodes = 4
	}
	if b.MaxTotalRetries <= 0 {
		b.MaxTotalRetries = 16
	}
	if b.MaxWallTime <= 0 {
		b.MaxWallTime = Duration(10 * time.Minute)
	}
	if b.MaxNodeOutputBytes <= 0 {
		b.MaxNodeOutputBytes = 1 << 20
	}
	if b.MaxTotalExecutionBytes <= 0 {
		b.MaxTotalExecutionBytes = 16 << 20
	}
	if b.LargeData == "" {
		b.LargeData = Reject
	}
	if b.Failure == "" {
		b.Failure = FailFast
	}
	if b.GracePeriod <= 0 {
		b.GracePeriod = Duration(5 * time.Second)
	}
	return b
}

func (b Budgets) validate() error {
	switch b.LargeData {
	case Reject, SpillToBlob:
	default:
		return errors.NewConfig("large_data",
			"must be reject or spill_to_blob")
	}
	switch b.Failure {
	case FailFast, Continue, FailOnCritical:
	default:
		return errors.NewConfig("failure",
			"must be fail_fast, continue or fail_on_critical")
	}
	return nil
}
