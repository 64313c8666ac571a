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
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/loomworks/loom/pkg/schema"
	"github.com/loomworks/loom/pkg/value"
)

// BearerFlow stores a static bearer token. When the token is a JWT, its
// exp claim is introspected (without signature verification, the token
// is opaque to us) so rotation scheduling knows the expiry.
type BearerFlow struct{}

func (BearerFlow) Kind() FlowKind { return FlowBearer }

func (BearerFlow) InputSchema() *schema.Schema {
	return schema.MustNew(
		schema.NewSecret(schema.Metadata{Key: "token", Name: "Token", Required: true}),
	)
}

func (f BearerFlow) Initialize(ctx context.Context, input map[string]value.Value) (Initialization, error) {
	if err := f.InputSchema().Validate(input); err != nil {
		return Initialization{}, err
	}
	token, err := requireText(input, "token")
	if err != nil {
		return Initialization{}, err
	}
	state := State{"token": token}
	if exp := jwtExpiry(token); !exp.IsZero() {
		state.SetExpiresAt(exp)
	}
	return Initialization{Status: InitComplete, State: state}, nil
}

func (f BearerFlow) Complete(ctx context.Context, state State, input map[string]value.Value) (State, error) {
	return nil, errFlowUnsupported(f.Kind(), "complete")
}

// Refresh cannot mint a new token for a statically provided bearer.
func (f BearerFlow) Refresh(ctx context.Context, state State) (State, error) {
	return nil, errFlowUnsupported(f.Kind(), "refresh")
}

func (BearerFlow) Revoke(ctx context.Context, state State) error { return nil }

func (f BearerFlow) Token(state State) (Token, error) {
	token := state["token"]
	if token == "" {
		return Token{}, errFlowStateCorrupt(f.Kind(), "token")
	}
	return Token{
		Scheme:    "Bearer",
		Secret:    PlaintextFromString(token),
		ExpiresAt: state.ExpiresAt(),
	}, nil
}

// jwtExpiry extracts the exp claim from a JWT-shaped token, or zero.
func jwtExpiry(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
