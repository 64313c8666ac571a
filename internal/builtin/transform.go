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

package builtin

import (
	"encoding/json"

	"github.com/itchyny/gojq"

	"github.com/loomworks/loom/pkg/action"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/schema"
	"github.com/loomworks/loom/pkg/value"
)

// jqAction applies a jq query to its input parameter. The input is
// free-form, so the schema is left open and parameters are checked by
// hand.
type jqAction struct{}

func (jqAction) Metadata() action.Metadata {
	return action.Metadata{
		ID:          "transform.jq",
		Version:     "1.0.0",
		Name:        "jq transform",
		Description: "Applies a jq query to the input value.",
		Isolation:   action.IsolationNone,
	}
}

func (jqAction) InputSchema() *schema.Schema { return nil }

func (jqAction) Execute(ctx *action.Context) (value.Value, error) {
	queryParam, ok := ctx.Param("query")
	if !ok {
		return value.Null(), errors.NewMissingRequired("query")
	}
	query, err := queryParam.AsText()
	if err != nil {
		return value.Null(), err
	}

	q, err := gojq.Parse(query)
	if err != nil {
		return value.Null(), errors.Newf(errors.ClassClient, errors.CodeExpression,
			"transform.jq: invalid query: %v", err)
	}

	input, _ := ctx.Param("input")
	in, err := jsonUniverse(input)
	if err != nil {
		return value.Null(), err
	}

	iter := q.Run(in)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err := ctx.CheckCancelled(); err != nil {
			return value.Null(), err
		}
		if qerr, isErr := v.(error); isErr {
			return value.Null(), errors.Newf(errors.ClassClient, errors.CodeExpression,
				"transform.jq: %v", qerr)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return value.Null(), nil
	case 1:
		return value.FromAny(results[0]), nil
	default:
		return value.FromAny(results), nil
	}
}

// jsonUniverse converts a value into the plain JSON types gojq accepts,
// stripping typed ints, durations and dates on the way.
func jsonUniverse(v value.Value) (any, error) {
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Newf(errors.ClassServer, errors.CodeSerialization,
			"transform.jq: normalize input: %v", err)
	}
	return out, nil
}
