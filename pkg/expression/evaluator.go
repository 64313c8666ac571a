package expression

import (
	"math"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/value"
)

// DefaultCacheSize bounds the compiled-program cache.
const DefaultCacheSize = 512

// Evaluator evaluates workflow expressions against a Context snapshot.
// Compiled programs are cached (bounded LRU) and shared across goroutines;
// evaluation itself is pure and synchronous.
type Evaluator struct {
	cache    *lruCache[*compiled]
	registry *Registry
}

type compiled struct {
	prog *vm.Program
	refs []Ref
}

// New creates an evaluator with the built-in function registry.
func New() *Evaluator {
	return NewWithRegistry(NewRegistry())
}

// NewWithRegistry creates an evaluator sharing a caller-provided registry.
// Custom functions must be registered before evaluation starts.
func NewWithRegistry(registry *Registry) *Evaluator {
	return &Evaluator{
		cache:    newLRU[*compiled](DefaultCacheSize),
		registry: registry,
	}
}

// Registry returns the evaluator's function registry.
func (e *Evaluator) Registry() *Registry { return e.registry }

// Evaluate evaluates an expression and returns the result as a Value.
// Missing variables fail closed with a variable_not_found error carrying
// the original $-prefixed path.
func (e *Evaluator) Evaluate(src string, ctx *Context) (value.Value, error) {
	c, err := e.compile(src)
	if err != nil {
		return value.Null(), err
	}

	for _, ref := range c.refs {
		if err := ctx.Verify(ref); err != nil {
			return value.Null(), err
		}
	}

	env := ctx.Env()
	for name, fn := range e.registry.env() {
		env[name] = fn
	}

	out, err := expr.Run(c.prog, env)
	if err != nil {
		return value.Null(), errors.Newf(errors.ClassClient, errors.CodeExpression,
			"expression evaluation failed: %v", err).
			WithContext("expression", "evaluate")
	}
	// Division by zero and overflow fail closed instead of leaking
	// non-finite numbers into node parameters.
	if f, ok := out.(float64); ok && (math.IsInf(f, 0) || math.IsNaN(f)) {
		return value.Null(), errors.New(errors.ClassClient, errors.CodeExpression,
			"expression produced a non-finite number (division by zero?)")
	}
	return value.FromAny(out), nil
}

// EvaluateBool evaluates an expression that must produce a boolean. The
// empty expression is true, matching edge conditions that omit a guard.
func (e *Evaluator) EvaluateBool(src string, ctx *Context) (bool, error) {
	if src == "" {
		return true, nil
	}
	v, err := e.Evaluate(src, ctx)
	if err != nil {
		return false, err
	}
	b, err := v.AsBool()
	if err != nil {
		return false, errors.Newf(errors.ClassClient, errors.CodeExpression,
			"expression must return boolean, got %s", v.Kind()).
			WithSuggestion("use comparison operators or boolean functions")
	}
	return b, nil
}

// References returns the static variable references of an expression
// without evaluating it. The planner uses this to validate $node targets.
func (e *Evaluator) References(src string) ([]Ref, error) {
	c, err := e.compile(src)
	if err != nil {
		return nil, err
	}
	return c.refs, nil
}

// CacheLen reports the number of cached compiled programs.
func (e *Evaluator) CacheLen() int { return e.cache.len() }

func (e *Evaluator) compile(src string) (*compiled, error) {
	if c, ok := e.cache.get(src); ok {
		return c, nil
	}

	processed, err := Preprocess(src)
	if err != nil {
		return nil, err
	}

	// Compile against the function environment only; context variables are
	// bound at run time, so undefined variables stay legal at compile time.
	env := map[string]any{}
	for name, fn := range e.registry.env() {
		env[name] = fn
	}

	prog, err := expr.Compile(processed.Source,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, errors.Newf(errors.ClassClient, errors.CodeExpression,
			"failed to compile expression: %v", err).
			WithSuggestion("check expression syntax and referenced variables")
	}

	c := &compiled{prog: prog, refs: processed.Refs}
	e.cache.put(src, c)
	return c, nil
}
