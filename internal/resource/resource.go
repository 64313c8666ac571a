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

// Package resource manages pooled, scoped runtime resources such as
// connections, sessions and clients that actions borrow during node
// execution.
package resource

import (
	"context"

	"github.com/loomworks/loom/internal/credential"
	"github.com/loomworks/loom/pkg/schema"
	"github.com/loomworks/loom/pkg/value"
)

// ID identifies a resource type: kind plus version, e.g. http-client@1.
type ID struct {
	Kind    string
	Version string
}

func (id ID) String() string {
	if id.Version == "" {
		return id.Kind
	}
	return id.Kind + "@" + id.Version
}

// Flags are a resource's capability bits.
type Flags struct {
	// Poolable resources may be reused across acquisitions.
	Poolable bool
	// HealthCheckable resources support IsValid probes during
	// maintenance, not just on acquire.
	HealthCheckable bool
	// Stateful resources carry session state and are never shared
	// between concurrent holders.
	Stateful bool
}

// Resource is a typed instance factory. Implementations must be safe
// for concurrent use; the instances they create need not be.
type Resource interface {
	// ID returns the resource's kind and version.
	ID() ID
	// Flags returns the capability bits.
	Flags() Flags
	// DefaultScope is the scope a pool binds when the caller gives none.
	DefaultScope() credential.Scope
	// ConfigSchema describes the configuration Create expects.
	ConfigSchema() *schema.Schema
	// Create builds a new instance from validated configuration.
	Create(ctx context.Context, config map[string]value.Value) (any, error)
	// IsValid reports whether an instance is still usable.
	IsValid(instance any) bool
	// Recycle resets an instance between holders.
	Recycle(instance any) error
	// Cleanup destroys an instance and frees what it holds.
	Cleanup(instance any) error
}
