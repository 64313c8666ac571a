package action

import (
	"context"
	"log/slog"

	"github.com/loomworks/loom/internal/credential"
	"github.com/loomworks/loom/internal/resource"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/value"
)

// CredentialSource hands tokens to running actions. The engine binds an
// implementation scoped to the execution.
type CredentialSource interface {
	Token(ctx context.Context, id string) (credential.Token, error)
}

// ResourceSource hands pooled instances to running actions.
type ResourceSource interface {
	Acquire(ctx context.Context, id resource.ID) (*resource.Guard, error)
}

// Metrics is the counter/observation surface actions see. The engine
// binds a real sink; the zero context uses a no-op.
type Metrics interface {
	Count(name string, delta float64, tags ...string)
	Observe(name string, v float64, tags ...string)
}

type nopMetrics struct{}

func (nopMetrics) Count(string, float64, ...string) {}

func (nopMetrics) Observe(string, float64, ...string) {}

// ContextConfig assembles a per-invocation Context.
type ContextConfig struct {
	Params      map[string]value.Value
	Credentials CredentialSource
	Resources   ResourceSource
	Logger      *slog.Logger
	Metrics     Metrics

	// Gate, when set, proxies credential and resource access through
	// the declared capability set (capability-gated isolation).
	Gate *Capabilities
}

// Context is what an action sees during one invocation. It never
// outlives the call, and it exposes no execution-wide budget state.
type Context struct {
	ctx context.Context
	cfg ContextConfig
}

// NewContext binds an invocation context. Nil logger and metrics fall
// back to slog.Default and a no-op sink.
func NewContext(ctx context.Context, cfg ContextConfig) *Context {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	return &Context{ctx: ctx, cfg: cfg}
}

// Context returns the underlying cancellation context for I/O.
func (c *Context) Context() context.Context { return c.ctx }

// Param returns one resolved parameter.
func (c *Context) Param(key string) (value.Value, bool) {
	v, ok := c.cfg.Params[key]
	return v, ok
}

// Params returns a copy of the resolved parameter map.
func (c *Context) Params() map[string]value.Value {
	out := make(map[string]value.Value, len(c.cfg.Params))
	for k, v := range c.cfg.Params {
		out[k] = v
	}
	return out
}

// Credential returns the live token for a declared credential.
func (c *Context) Credential(id string) (credential.Token, error) {
	if c.cfg.Gate != nil && !contains(c.cfg.Gate.CredentialIDs, id) {
		return credential.Token{}, errDenied("", "credential", id)
	}
	if c.cfg.Credentials == nil {
		return credential.Token{}, errors.Newf(errors.ClassServer, errors.CodeUnsupportedOperation,
			"no credential source bound to this invocation")
	}
	return c.cfg.Credentials.Token(c.ctx, id)
}

// Resource acquires a pooled instance of a declared resource. The
// caller must release the guard before returning.
func (c *Context) Resource(id resource.ID) (*resource.Guard, error) {
	if c.cfg.Gate != nil && !containsResource(c.cfg.Gate.ResourceIDs, id) {
		return nil, errDenied("", "resource", id.String())
	}
	if c.cfg.Resources == nil {
		return nil, errors.Newf(errors.ClassServer, errors.CodeUnsupportedOperation,
			"no resource source bound to this invocation")
	}
	return c.cfg.Resources.Acquire(c.ctx, id)
}

// Logger returns the invocation logger.
func (c *Context) Logger() *slog.Logger { return c.cfg.Logger }

// Metrics returns the invocation metric sink.
func (c *Context) Metrics() Metrics { return c.cfg.Metrics }

// CheckCancelled returns a cancellation error if the execution has been
// cancelled; long-running actions call this between units of work.
func (c *Context) CheckCancelled() error {
	if err := c.ctx.Err(); err != nil {
		return errors.NewCancelled("action").WithCause(context.Cause(c.ctx))
	}
	return nil
}
