// Copyright 2026 Loom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package credential

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/schema"
	"github.com/loomworks/loom/pkg/value"
)

// FlowKind identifies a credential flow.
type FlowKind string

const (
	FlowBasic    FlowKind = "basic"
	FlowBearer   FlowKind = "bearer"
	FlowPassword FlowKind = "password"
	FlowOAuth2   FlowKind = "oauth2"
)

// State is a flow's persisted secret material. It only ever exists in
// plaintext inside the manager; stores see it sealed.
type State map[string]string

// stateTimeKey is where flows record token expiry inside their state.
const stateTimeKey = "expires_at"

// ExpiresAt reads the expiry recorded in the state, or zero.
func (s State) ExpiresAt() time.Time {
	raw, ok := s[stateTimeKey]
	if !ok || raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SetExpiresAt records token expiry in the state.
func (s State) SetExpiresAt(t time.Time) {
	if t.IsZero() {
		delete(s, stateTimeKey)
		return
	}
	s[stateTimeKey] = t.UTC().Format(time.RFC3339Nano)
}

// Clone copies the state.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s State) marshal() (Plaintext, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return Plaintext{}, errors.Wrap(err, errors.ClassServer, errors.CodeSerialization,
			"credential", "encode_state")
	}
	return NewPlaintext(b), nil
}

func unmarshalState(p Plaintext) (State, error) {
	var s State
	if err := json.Unmarshal(p.Bytes(), &s); err != nil {
		return nil, errors.Wrap(err, errors.ClassServer, errors.CodeSerialization,
			"credential", "decode_state")
	}
	return s, nil
}

// Token is a ready-to-use credential produced by a flow.
type Token struct {
	// Scheme is the HTTP authorization scheme ("Basic", "Bearer") or
	// empty for raw secrets.
	Scheme string
	// Secret is the token material.
	Secret Plaintext
	// ExpiresAt is when the token stops working. Zero means never.
	ExpiresAt time.Time
}

// HeaderValue renders the Authorization header value, or the raw secret
// for schemeless tokens.
func (t Token) HeaderValue() string {
	if t.Scheme == "" {
		return t.Secret.Reveal()
	}
	return t.Scheme + " " + t.Secret.Reveal()
}

// Expired reports whether the token is past its expiry at the given
// instant, with a clock-skew allowance.
func (t Token) Expired(now time.Time, skew time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(skew).After(t.ExpiresAt)
}

// InitStatus is the outcome of Flow.Initialize.
type InitStatus string

const (
	// InitComplete means the state is usable immediately.
	InitComplete InitStatus = "complete"
	// InitPendingInteraction means a human must finish the flow (e.g.
	// visit an authorization URL) before Complete is called.
	InitPendingInteraction InitStatus = "pending_interaction"
)

// Interaction describes the human step a pending flow is waiting on.
type Interaction struct {
	URL     string
	Message string
}

// Initialization is the result of starting a flow.
type Initialization struct {
	Status      InitStatus
	State       State
	Interaction *Interaction
}

// Flow turns user input into credential state and state into tokens.
// Implementations must be stateless; everything persistent lives in the
// State they return.
type Flow interface {
	// Kind identifies the flow.
	Kind() FlowKind
	// InputSchema describes the parameters Initialize expects.
	InputSchema() *schema.Schema
	// Initialize validates input and produces initial state, or a
	// pending interaction for flows that need a human step.
	Initialize(ctx context.Context, input map[string]value.Value) (Initialization, error)
	// Complete finishes a pending interaction (e.g. exchanges an OAuth2
	// authorization code). Flows that never pend reject it.
	Complete(ctx context.Context, state State, input map[string]value.Value) (State, error)
	// Refresh obtains fresh token material. Flows without a refresh
	// mechanism reject it.
	Refresh(ctx context.Context, state State) (State, error)
	// Revoke invalidates the credential upstream where supported.
	Revoke(ctx context.Context, state State) error
	// Token derives a usable token from the state.
	Token(state State) (Token, error)
}

// errFlowUnsupported is the canonical "this flow cannot do that" error.
func errFlowUnsupported(kind FlowKind, op string) error {
	return errors.Newf(errors.ClassClient, errors.CodeUnsupportedOperation,
		"%s flow does not support %s", kind, op)
}

// errFlowStateCorrupt flags state missing a key the flow itself wrote.
func errFlowStateCorrupt(kind FlowKind, key string) error {
	return errors.Newf(errors.ClassServer, errors.CodeInternal,
		"%s flow state is missing %q", kind, key)
}

// requireText pulls a mandatory text input parameter.
func requireText(input map[string]value.Value, key string) (string, error) {
	v, ok := input[key]
	if !ok || v.IsNull() {
		return "", errors.NewMissingRequired(key)
	}
	s, err := v.AsText()
	if err != nil {
		return "", errors.NewWrongType(key, "text", string(v.Kind()))
	}
	return s, nil
}

// optionalText pulls an optional text input parameter.
func optionalText(input map[string]value.Value, key string) string {
	v, ok := input[key]
	if !ok || v.IsNull() {
		return ""
	}
	s, err := v.AsText()
	if err != nil {
		return ""
	}
	return s
}
