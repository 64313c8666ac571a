package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loomworks/loom/internal/credential"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/internal/resource"
	"github.com/loomworks/loom/pkg/action"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/expression"
	"github.com/loomworks/loom/pkg/value"
)

// run is the mutable state of one execution. The scheduler goroutine owns
// dispatch; node goroutines settle results under mu.
type run struct {
	eng     *Engine
	plan    *Plan
	budgets Budgets
	execID  string
	scope   credential.Scope
	input   value.Value
	logger  *slog.Logger
	obs     observability.Context

	abort context.CancelCauseFunc

	mu         sync.Mutex
	results    map[string]*NodeResult
	outputs    map[string]value.Value
	totalBytes int
	retries    int
	seen       *keySet
}

func (r *run) execute(ctx context.Context) *RunResult {
	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	r.abort = abort

	wallErr := errors.New(errors.ClassDomain, errors.CodeBudgetExceeded,
		fmt.Sprintf("execution exceeded max_wall_time %s", r.budgets.MaxWallTime))
	ctx, expire := context.WithTimeoutCause(ctx, r.budgets.MaxWallTime.Std(), wallErr)
	defer expire()

	r.outputs = make(map[string]value.Value, r.plan.Nodes())
	for id := range r.plan.nodes {
		r.results[id] = &NodeResult{NodeID: id, Status: NodePending}
	}

	r.publish(observability.Event{Name: observability.EventExecutionStart, Context: r.obs})
	started := time.Now()

	sem := make(chan struct{}, r.budgets.MaxConcurrentNodes)
	// Buffered so abandoned node goroutines can still settle and exit
	// after the grace period gave up on them.
	settled := make(chan string, r.plan.Nodes())
	running := 0

	for {
		if ctx.Err() == nil {
			for _, id := range r.dispatchable() {
				running++
				go func(id string) {
					r.runNode(ctx, sem, id)
					settled <- id
				}(id)
			}
		}
		if running == 0 {
			break
		}
		select {
		case <-settled:
			running--
		case <-ctx.Done():
			running -= r.drain(settled, running)
		}
	}
	r.skipPending()

	result := r.finalize(ctx)
	r.publish(observability.Event{
		Name:    observability.EventExecutionFinish,
		Context: r.obs,
		Fields: map[string]any{
			"status":      string(result.Status),
			"duration_ms": float64(time.Since(started)) / float64(time.Millisecond),
		},
	})
	return result
}

// drain waits out the grace period for running nodes after cancellation.
// It returns how many settled; the rest are abandoned and marked failed.
func (r *run) drain(settled <-chan string, running int) int {
	grace := time.NewTimer(r.budgets.GracePeriod.Std())
	defer grace.Stop()

	drained := 0
	for drained < running {
		select {
		case <-settled:
			drained++
		case <-grace.C:
			r.mu.Lock()
			for id, res := range r.results {
				if res.Status == NodeRunning {
					res.Status = NodeFailed
					res.Error = "abandoned: did not observe cancellation within the grace period"
					res.ErrorCode = errors.CodeCancelled
					r.logger.Warn("node abandoned after grace period", "node_id", id)
				}
			}
			r.mu.Unlock()
			return running
		}
	}
	return drained
}

// dispatchable settles skips and returns the nodes ready to run. It
// rescans until no node's admission changes, so a skip cascades to its
// dependents in the same pass.
func (r *run) dispatchable() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ready []string
	for changed := true; changed; {
		changed = false
		for _, id := range r.plan.order {
			if r.results[id].Status != NodePending {
				continue
			}
			admit, reason, pending := r.admitLocked(id)
			if pending {
				continue
			}
			if admit {
				ready = append(ready, id)
				r.results[id].Status = NodeRunning
				continue
			}
			r.results[id].Status = NodeSkipped
			r.results[id].Error = reason
			changed = true
			r.publishLocked(observability.Event{
				Name:    observability.EventNodeSkipped,
				Context: r.obs.WithNode(id),
				Fields:  map[string]any{"reason": reason},
			})
		}
	}
	return ready
}

// admitLocked decides whether a node may run. Edge conditions are
// evaluated over whatever outputs exist so far; an unresolvable condition
// (a reference into a skipped predecessor) counts as false, so the node
// skips rather than runs on missing data.
func (r *run) admitLocked(id string) (admit bool, reason string, pending bool) {
	for _, e := range r.plan.incoming[id] {
		from := r.results[e.From]
		if !from.Status.settled() {
			return false, "", true
		}
		switch from.Status {
		case NodeFailed:
			return false, fmt.Sprintf("upstream node %q failed", e.From), false
		case NodeSkipped:
			if e.Condition == "" {
				return false, fmt.Sprintf("upstream node %q was skipped", e.From), false
			}
		}
		if e.Condition != "" {
			ok, err := r.eng.cfg.Evaluator.EvaluateBool(e.Condition, r.exprContextLocked())
			if err != nil {
				return false, fmt.Sprintf("condition %q did not hold: %v", e.Condition, err), false
			}
			if !ok {
				return false, fmt.Sprintf("condition %q is false", e.Condition), false
			}
		}
	}
	return true, "", false
}

// skipPending marks nodes still pending after the loop exits, which only
// happens when the execution was cancelled mid-flight.
func (r *run) skipPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, res := range r.results {
		if res.Status != NodePending {
			continue
		}
		res.Status = NodeSkipped
		res.Error = "execution cancelled"
		r.publishLocked(observability.Event{
			Name:    observability.EventNodeSkipped,
			Context: r.obs.WithNode(id),
			Fields:  map[string]any{"reason": "execution cancelled"},
		})
	}
}

func (r *run) finalize(ctx context.Context) *RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := &RunResult{
		ExecutionID: r.execID,
		Outputs:     make(map[string]NodeOutputData),
	}
	// failed tracks genuine node failures; nodes that settled as
	// cancelled only reflect the execution-level cause.
	failed := false
	for id, res := range r.results {
		switch res.Status {
		case NodeSucceeded:
			result.Outputs[id] = res.Output
		case NodeFailed:
			if res.ErrorCode != errors.CodeCancelled {
				failed = true
			}
			result.Errors = append(result.Errors, NodeError{
				NodeID: id, Code: res.ErrorCode, Error: res.Error,
			})
		}
	}

	cause := context.Cause(ctx)
	switch {
	case cause != nil && errors.HasCode(cause, errors.CodeBudgetExceeded):
		result.Errors = append(result.Errors, NodeError{
			Code: errors.CodeBudgetExceeded, Error: cause.Error(),
		})
		result.Status = StatusFailed
	case failed:
		result.Status = StatusFailed
	case cause != nil &&
		(errors.IsCancelled(cause) || stderrors.Is(cause, context.Canceled)):
		result.Status = StatusCancelled
	case len(result.Errors) > 0:
		result.Status = StatusFailed
	default:
		result.Status = StatusSucceeded
	}
	return result
}

// runNode takes a concurrency slot, executes the node through its retry
// loop, applies the output policy, and settles the result.
func (r *run) runNode(ctx context.Context, sem chan struct{}, id string) {
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		r.failNode(id, errors.NewCancelled("node "+id).WithCause(context.Cause(ctx)), 0, 0)
		return
	}

	started := time.Now()
	r.publish(observability.Event{
		Name:    observability.EventNodeStart,
		Context: r.obs.WithNode(id),
	})

	out, attempts, err := r.executeNode(ctx, id)
	elapsed := time.Since(started)

	if err == nil {
		var data NodeOutputData
		data, err = r.collect(ctx, id, out)
		if err == nil {
			r.succeedNode(id, out, data, attempts, elapsed)
			return
		}
	}
	r.failNode(id, err, attempts, elapsed)
}

func (r *run) succeedNode(id string, raw value.Value, data NodeOutputData,
	attempts uint, elapsed time.Duration) {

	r.mu.Lock()
	res := r.results[id]
	res.Status = NodeSucceeded
	res.Output = data
	res.Attempts = attempts
	res.Duration = elapsed
	r.outputs[id] = raw
	r.publishLocked(observability.Event{
		Name:    observability.EventNodeFinish,
		Context: r.obs.WithNode(id),
		Fields: map[string]any{
			"status":      string(NodeSucceeded),
			"attempts":    attempts,
			"duration_ms": float64(elapsed) / float64(time.Millisecond),
		},
	})
	r.mu.Unlock()
}

func (r *run) failNode(id string, err error, attempts uint, elapsed time.Duration) {
	code := errors.CodeOf(err)
	if code == "" {
		code = errors.CodeNodeFailed
	}

	r.mu.Lock()
	res := r.results[id]
	res.Status = NodeFailed
	res.Error = err.Error()
	res.ErrorCode = code
	res.Attempts = attempts
	res.Duration = elapsed
	r.publishLocked(observability.Event{
		Name:    observability.EventNodeFinish,
		Context: r.obs.WithNode(id),
		Fields: map[string]any{
			"status":      string(NodeFailed),
			"attempts":    attempts,
			"duration_ms": float64(elapsed) / float64(time.Millisecond),
			"error":       err.Error(),
		},
	})
	critical := r.plan.nodes[id].Critical
	r.mu.Unlock()

	fatal := code == errors.CodeBudgetExceeded
	switch r.budgets.Failure {
	case FailFast:
		fatal = true
	case FailOnCritical:
		fatal = fatal || critical
	}
	if fatal {
		r.abort(errors.Wrap(err, errors.ClassDomain, errors.CodeNodeFailed, "engine", "run"))
	}
}

// executeNode resolves parameters, validates them, and drives the retry
// loop around the action invocation.
func (r *run) executeNode(ctx context.Context, id string) (value.Value, uint, error) {
	node := r.plan.nodes[id]

	desc, err := r.eng.cfg.Registry.Lookup(node.Action)
	if err != nil {
		return value.Null(), 0, err
	}
	meta := desc.Metadata()

	params, err := r.resolveParams(node.Params)
	if err != nil {
		return value.Null(), 0, err
	}
	if s := desc.InputSchema(); s != nil {
		params = s.ApplyDefaults(params)
		if err := s.ValidateAsync(ctx, params); err != nil {
			return value.Null(), 0, err
		}
	}

	req := action.Request{CredentialIDs: node.Credentials}
	for _, ref := range node.Resources {
		req.ResourceIDs = append(req.ResourceIDs, resource.ID{Kind: ref.Kind, Version: ref.Version})
	}
	if err := action.Check(meta, req); err != nil {
		return value.Null(), 0, err
	}

	policy := r.eng.cfg.Retry
	if node.Retry != nil {
		policy = node.Retry.withDefaults()
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.Base.Std()
	expo.MaxInterval = policy.Cap.Std()
	expo.Multiplier = policy.Factor
	expo.RandomizationFactor = policy.Jitter

	var attempt uint
	for {
		attempt++
		key := IdempotencyKey(r.execID, id, attempt)
		if r.seen.Seen(key) {
			// Attempt already ran (replay after resume); skip its
			// side effect and move to the next attempt number.
			if attempt >= policy.MaxAttempts {
				return value.Null(), attempt, errors.New(errors.ClassDomain,
					errors.CodeNodeFailed,
					fmt.Sprintf("node %q: all attempts already replayed", id))
			}
			continue
		}

		out, err := r.invoke(ctx, id, node, desc, meta, params)
		if err == nil {
			return out, attempt, nil
		}
		if attempt >= policy.MaxAttempts || !errors.IsRetryable(err) {
			return value.Null(), attempt, err
		}
		if !r.consumeRetry() {
			return value.Null(), attempt, errors.New(errors.ClassDomain,
				errors.CodeBudgetExceeded, "max_total_retries exhausted").WithCause(err)
		}

		delay := expo.NextBackOff()
		if after := errors.RetryAfterOf(err); after > delay {
			delay = after
		}
		r.publish(observability.Event{
			Name:    observability.EventNodeRetry,
			Context: r.obs.WithNode(id),
			Fields: map[string]any{
				"attempt":  attempt,
				"delay_ms": float64(delay) / float64(time.Millisecond),
				"error":    err.Error(),
			},
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return value.Null(), attempt, errors.NewCancelled("node " + id).
				WithCause(context.Cause(ctx))
		}
	}
}

// consumeRetry takes one unit from the execution-wide retry budget.
func (r *run) consumeRetry() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retries >= r.budgets.MaxTotalRetries {
		return false
	}
	r.retries++
	return true
}

// invoke acquires the node's resources, assembles the action context,
// and executes one attempt.
func (r *run) invoke(ctx context.Context, id string, node NodeDef,
	desc action.Descriptor, meta action.Metadata,
	params map[string]value.Value) (value.Value, error) {

	guards := make(map[resource.ID]*resource.Guard, len(node.Resources))
	defer func() {
		for _, g := range guards {
			g.Release()
		}
	}()
	for _, ref := range node.Resources {
		rid := resource.ID{Kind: ref.Kind, Version: ref.Version}
		if _, held := guards[rid]; held {
			// Compile rejects duplicate refs; never overwrite a held
			// guard, its release would be lost.
			continue
		}
		if r.eng.cfg.Resources == nil {
			return value.Null(), errors.New(errors.ClassServer,
				errors.CodeUnsupportedOperation,
				"no resource manager is configured")
		}
		cfg := make(map[string]value.Value, len(ref.Config))
		for k, v := range ref.Config {
			cfg[k] = value.FromAny(v)
		}
		guard, err := r.eng.cfg.Resources.Acquire(ctx, rid, r.scope, cfg)
		if err != nil {
			return value.Null(), err
		}
		guards[rid] = guard
	}

	accfg := action.ContextConfig{
		Params:      params,
		Credentials: &scopedCredentials{src: r.eng.cfg.Credentials, scope: r.scope},
		Resources:   guardSource(guards),
		Logger:      r.logger.With("node_id", id, "action", meta.ID),
		Metrics:     nil,
	}
	if meta.Isolation == action.IsolationCapabilityGated {
		caps := meta.Capabilities
		accfg.Gate = &caps
	}
	actx := action.NewContext(ctx, accfg)

	switch a := desc.(type) {
	case action.StatefulAction:
		return r.invokeStateful(ctx, actx, id, a)
	case action.Action:
		return a.Execute(actx)
	default:
		return value.Null(), errors.New(errors.ClassServer,
			errors.CodeUnsupportedOperation,
			fmt.Sprintf("action %q is not executable", meta.ID))
	}
}

// invokeStateful drives the iterate-persist loop of a stateful action.
func (r *run) invokeStateful(ctx context.Context, actx *action.Context,
	id string, a action.StatefulAction) (value.Value, error) {

	store := r.eng.cfg.States
	stateKey := "state/" + r.execID + "/" + id

	state, err := action.LoadState(ctx, store, stateKey, a)
	if err != nil {
		return value.Null(), err
	}
	if state == nil {
		state, err = a.InitializeState(actx)
		if err != nil {
			return value.Null(), err
		}
	}

	for {
		step, next, err := a.ExecuteWithState(actx, state)
		if err != nil {
			return value.Null(), err
		}
		state = next
		if err := store.Save(ctx, stateKey, action.State{
			Version: a.StateVersion(), Payload: state,
		}); err != nil {
			return value.Null(), err
		}
		if step.Done {
			if err := store.Delete(ctx, stateKey); err != nil {
				r.logger.Warn("stale action state not deleted",
					"node_id", id, "error", err)
			}
			return step.Output, nil
		}
		r.logger.Debug("stateful action iteration",
			"node_id", id, "progress", step.Progress)
		if step.Delay > 0 {
			select {
			case <-time.After(step.Delay):
			case <-ctx.Done():
				return value.Null(), errors.NewCancelled("node " + id).
					WithCause(context.Cause(ctx))
			}
		}
	}
}

// collect applies the output policy: the node byte limit first, then the
// execution-wide inline total. Output at exactly the limit passes.
func (r *run) collect(ctx context.Context, id string, out value.Value) (NodeOutputData, error) {
	size := out.ByteSize()

	if size > r.budgets.MaxNodeOutputBytes {
		if r.budgets.LargeData == Reject {
			return NodeOutputData{}, errors.New(errors.ClassDomain,
				errors.CodeDataLimitExceeded,
				fmt.Sprintf("node output is %d bytes, limit is %d", size,
					r.budgets.MaxNodeOutputBytes)).
				WithContext("engine", "collect",
					"limit", strconv.Itoa(r.budgets.MaxNodeOutputBytes),
					"actual", strconv.Itoa(size))
		}
		return r.spill(ctx, id, out)
	}

	r.mu.Lock()
	r.totalBytes += size
	total := r.totalBytes
	r.mu.Unlock()
	if total > r.budgets.MaxTotalExecutionBytes {
		if r.budgets.LargeData == Reject {
			return NodeOutputData{}, errors.New(errors.ClassDomain,
				errors.CodeBudgetExceeded,
				fmt.Sprintf("inline outputs reached %d bytes, budget is %d",
					total, r.budgets.MaxTotalExecutionBytes))
		}
		r.mu.Lock()
		r.totalBytes -= size
		r.mu.Unlock()
		return r.spill(ctx, id, out)
	}
	return NodeOutputData{Inline: out}, nil
}

func (r *run) spill(ctx context.Context, id string, out value.Value) (NodeOutputData, error) {
	data, err := out.MarshalJSON()
	if err != nil {
		return NodeOutputData{}, errors.Wrap(err, errors.ClassServer,
			errors.CodeSerialization, "engine", "spill")
	}
	ref, err := r.eng.cfg.Blobs.Put(ctx, r.execID+"/"+id, data)
	if err != nil {
		return NodeOutputData{}, err
	}
	return NodeOutputData{Blob: &ref}, nil
}

// resolveParams renders parameter bindings over the outputs accumulated
// so far. A string that is a single expression keeps its typed value;
// mixed text renders to a string.
func (r *run) resolveParams(params map[string]any) (map[string]value.Value, error) {
	r.mu.Lock()
	ec := r.exprContextLocked()
	r.mu.Unlock()

	resolved := make(map[string]value.Value, len(params))
	for key, raw := range params {
		v, err := r.resolveValue(ec, raw)
		if err != nil {
			return nil, errors.Wrap(err, errors.ClassClient,
				errors.CodeValidation, "engine", "resolve").
				WithContext("engine", "resolve", "param", key)
		}
		resolved[key] = v
	}
	return resolved, nil
}

func (r *run) resolveValue(ec *expression.Context, raw any) (value.Value, error) {
	switch t := raw.(type) {
	case string:
		tpl, err := expression.ParseTemplate(t)
		if err != nil {
			return value.Null(), err
		}
		return tpl.Render(r.eng.cfg.Evaluator, ec)
	case map[string]any:
		fields := make(map[string]value.Value, len(t))
		for k, nested := range t {
			v, err := r.resolveValue(ec, nested)
			if err != nil {
				return value.Null(), err
			}
			fields[k] = v
		}
		return value.Object(fields), nil
	case []any:
		items := make([]value.Value, len(t))
		for i, nested := range t {
			v, err := r.resolveValue(ec, nested)
			if err != nil {
				return value.Null(), err
			}
			items[i] = v
		}
		return value.Array(items...), nil
	default:
		return value.FromAny(t), nil
	}
}

// exprContextLocked snapshots the expression context over the outputs of
// nodes that have succeeded so far. Callers hold r.mu.
func (r *run) exprContextLocked() *expression.Context {
	ec := expression.NewContext(r.input)
	ec.Execution["id"] = value.Text(r.execID)
	ec.Execution["workflow"] = value.Text(r.plan.def.Name)
	for id, out := range r.outputs {
		ec.Nodes[id] = out
	}
	return ec
}

func (r *run) publish(ev observability.Event) {
	if r.eng.cfg.Bus != nil {
		r.eng.cfg.Bus.Publish(ev)
	}
}

// publishLocked is publish for call sites already under r.mu; the bus
// never blocks, so holding the lock across it is safe.
func (r *run) publishLocked(ev observability.Event) { r.publish(ev) }

// scopedCredentials narrows the engine-wide credential source to the
// execution's scope, matching the action context's source shape.
type scopedCredentials struct {
	src   CredentialSource
	scope credential.Scope
}

func (s *scopedCredentials) Token(ctx context.Context, id string) (credential.Token, error) {
	if s.src == nil {
		return credential.Token{}, errors.New(errors.ClassServer,
			errors.CodeUnsupportedOperation,
			"no credential manager is configured")
	}
	return s.src.GetToken(ctx, id, s.scope)
}

// guardSource lends out the guards the node already holds, keyed by
// resource id. The engine owns their release.
type guardSource map[resource.ID]*resource.Guard

func (g guardSource) Acquire(ctx context.Context, id resource.ID) (*resource.Guard, error) {
	guard, ok := g[id]
	if !ok {
		return nil, errors.NewNotFound("resource", id.Kind+"@"+id.Version)
	}
	return guard, nil
}
