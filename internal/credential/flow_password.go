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

	"github.com/loomworks/loom/pkg/schema"
	"github.com/loomworks/loom/pkg/value"
)

// PasswordFlow stores a bare secret (database password, API key passed
// outside the Authorization header). The token carries no scheme; the
// consumer decides where the secret goes.
type PasswordFlow struct{}

func (PasswordFlow) Kind() FlowKind { return FlowPassword }

func (PasswordFlow) InputSchema() *schema.Schema {
	return schema.MustNew(
		schema.NewSecret(schema.Metadata{Key: "password", Name: "Password", Required: true}),
		schema.NewText(schema.Metadata{Key: "username", Name: "Username"}),
	)
}

func (f PasswordFlow) Initialize(ctx context.Context, input map[string]value.Value) (Initialization, error) {
	if err := f.InputSchema().Validate(input); err != nil {
		return Initialization{}, err
	}
	password, err := requireText(input, "password")
	if err != nil {
		return Initialization{}, err
	}
	state := State{"password": password}
	if username := optionalText(input, "username"); username != "" {
		state["username"] = username
	}
	return Initialization{Status: InitComplete, State: state}, nil
}

func (f PasswordFlow) Complete(ctx context.Context, state State, input map[string]value.Value) (State, error) {
	return nil, errFlowUnsupported(f.Kind(), "complete")
}

// Refresh is a no-op: the secret only changes when the user replaces it.
func (PasswordFlow) Refresh(ctx context.Context, state State) (State, error) {
	return state, nil
}

func (PasswordFlow) Revoke(ctx context.Context, state State) error { return nil }

func (f PasswordFlow) Token(state State) (Token, error) {
	password := state["password"]
	if password == "" {
		return Token{}, errFlowStateCorrupt(f.Kind(), "password")
	}
	return Token{Secret: PlaintextFromString(password)}, nil
}

// Username returns the optional username stored alongside the secret.
func (PasswordFlow) Username(state State) string { return state["username"] }
