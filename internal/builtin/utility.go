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
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/action"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/schema"
	"github.com/loomworks/loom/pkg/value"
)

// uuidAction generates one or more v4 UUIDs.
type uuidAction struct{}

func (uuidAction) Metadata() action.Metadata {
	return action.Metadata{
		ID:          "utility.uuid",
		Version:     "1.0.0",
		Name:        "UUID generator",
		Description: "Generates random v4 UUIDs.",
		Isolation:   action.IsolationNone,
	}
}

func (uuidAction) InputSchema() *schema.Schema {
	return schema.MustNew(
		schema.NewNumber(schema.Metadata{
			Key:         "count",
			Name:        "Count",
			Description: "How many UUIDs to generate.",
			Default:     value.Int(1),
		}),
	)
}

func (uuidAction) Execute(ctx *action.Context) (value.Value, error) {
	count := int64(1)
	if v, ok := ctx.Param("count"); ok {
		n, err := v.AsInt()
		if err != nil {
			return value.Null(), err
		}
		count = n
	}
	if count < 1 || count > 1000 {
		return value.Null(), errors.Newf(errors.ClassClient, errors.CodeValidation,
			"utility.uuid: count must be between 1 and 1000, got %d", count)
	}
	if count == 1 {
		return value.Text(uuid.NewString()), nil
	}
	ids := make([]value.Value, count)
	for i := range ids {
		ids[i] = value.Text(uuid.NewString())
	}
	return value.Array(ids...), nil
}

// timestampAction formats the current time.
type timestampAction struct{}

func (timestampAction) Metadata() action.Metadata {
	return action.Metadata{
		ID:          "utility.timestamp",
		Version:     "1.0.0",
		Name:        "Timestamp",
		Description: "Returns the current time in the requested format.",
		Isolation:   action.IsolationNone,
	}
}

func (timestampAction) InputSchema() *schema.Schema {
	return schema.MustNew(
		schema.NewSelect(schema.Metadata{
			Key:         "format",
			Name:        "Format",
			Description: "Output representation.",
			Default:     value.Text("rfc3339"),
		},
			schema.Option{Value: value.Text("rfc3339"), Label: "RFC 3339"},
			schema.Option{Value: value.Text("unix"), Label: "Unix seconds"},
			schema.Option{Value: value.Text("unix_ms"), Label: "Unix milliseconds"},
		),
	)
}

func (timestampAction) Execute(ctx *action.Context) (value.Value, error) {
	format := "rfc3339"
	if v, ok := ctx.Param("format"); ok {
		s, err := v.AsText()
		if err != nil {
			return value.Null(), err
		}
		format = s
	}
	now := time.Now().UTC()
	switch format {
	case "unix":
		return value.Int(now.Unix()), nil
	case "unix_ms":
		return value.Int(now.UnixMilli()), nil
	default:
		return value.Text(now.Format(time.RFC3339)), nil
	}
}

// sleepAction pauses for a bounded duration, observing cancellation.
type sleepAction struct{}

func (sleepAction) Metadata() action.Metadata {
	return action.Metadata{
		ID:          "utility.sleep",
		Version:     "1.0.0",
		Name:        "Sleep",
		Description: "Waits for the given duration.",
		Isolation:   action.IsolationNone,
	}
}

func (sleepAction) InputSchema() *schema.Schema {
	return schema.MustNew(
		schema.NewText(schema.Metadata{
			Key:         "duration",
			Name:        "Duration",
			Description: "How long to sleep, e.g. \"500ms\" or \"2s\".",
			Required:    true,
		}),
	)
}

func (sleepAction) Execute(ctx *action.Context) (value.Value, error) {
	raw, _ := ctx.Param("duration")
	s, err := raw.AsText()
	if err != nil {
		return value.Null(), err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return value.Null(), errors.Newf(errors.ClassClient, errors.CodeInvalidFormat,
			"utility.sleep: invalid duration %q: %v", s, err)
	}
	if d < 0 || d > time.Hour {
		return value.Null(), errors.Newf(errors.ClassClient, errors.CodeValidation,
			"utility.sleep: duration must be between 0 and 1h, got %s", d)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return value.Duration(d), nil
	case <-ctx.Context().Done():
		return value.Null(), errors.NewCancelled("utility.sleep")
	}
}

// randomAction returns a uniform integer in [min, max].
type randomAction struct{}

func (randomAction) Metadata() action.Metadata {
	return action.Metadata{
		ID:          "utility.random",
		Version:     "1.0.0",
		Name:        "Random integer",
		Description: "Returns a uniform random integer in the inclusive range.",
		Isolation:   action.IsolationNone,
	}
}

func (randomAction) InputSchema() *schema.Schema {
	return schema.MustNew(
		schema.NewNumber(schema.Metadata{
			Key:     "min",
			Name:    "Minimum",
			Default: value.Int(0),
		}),
		schema.NewNumber(schema.Metadata{
			Key:      "max",
			Name:     "Maximum",
			Required: true,
		}),
	)
}

func (randomAction) Execute(ctx *action.Context) (value.Value, error) {
	var lo, hi int64
	if v, ok := ctx.Param("min"); ok {
		n, err := v.AsInt()
		if err != nil {
			return value.Null(), err
		}
		lo = n
	}
	v, _ := ctx.Param("max")
	hi, err := v.AsInt()
	if err != nil {
		return value.Null(), err
	}
	if hi < lo {
		return value.Null(), errors.Newf(errors.ClassClient, errors.CodeValidation,
			"utility.random: max %d is below min %d", hi, lo)
	}
	return value.Int(lo + rand.Int64N(hi-lo+1)), nil
}
