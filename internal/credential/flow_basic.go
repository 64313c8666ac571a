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
	"encoding/base64"

	"github.com/loomworks/loom/pkg/schema"
	"github.com/loomworks/loom/pkg/value"
)

// BasicFlow stores a username/password pair and renders Basic auth
// tokens. It has no refresh or revocation mechanism.
type BasicFlow struct{}

func (BasicFlow) Kind() FlowKind { return FlowBasic }

func (BasicFlow) InputSchema() *schema.Schema {
	return schema.MustNew(
		schema.NewText(schema.Metadata{Key: "username", Name: "Username", Required: true}),
		schema.NewSecret(schema.Metadata{Key: "password", Name: "Password", Required: true}),
	)
}

func (f BasicFlow) Initialize(ctx context.Context, input map[string]value.Value) (Initialization, error) {
	if err := f.InputSchema().Validate(input); err != nil {
		return Initialization{}, err
	}
	username, err := requireText(input, "username")
	if err != nil {
		return Initialization{}, err
	}
	password, err := requireText(input, "password")
	if err != nil {
		return Initialization{}, err
	}
	return Initialization{
		Status: InitComplete,
		State:  State{"username": username, "password": password},
	}, nil
}

func (f BasicFlow) Complete(ctx context.Context, state State, input map[string]value.Value) (State, error) {
	return nil, errFlowUnsupported(f.Kind(), "complete")
}

// Refresh is a no-op: the pair does not expire.
func (BasicFlow) Refresh(ctx context.Context, state State) (State, error) {
	return state, nil
}

func (BasicFlow) Revoke(ctx context.Context, state State) error { return nil }

func (f BasicFlow) Token(state State) (Token, error) {
	username, password := state["username"], state["password"]
	if username == "" {
		return Token{}, errFlowStateCorrupt(f.Kind(), "username")
	}
	pair := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return Token{Scheme: "Basic", Secret: PlaintextFromString(pair)}, nil
}
