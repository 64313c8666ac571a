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
	"strings"

	"github.com/loomworks/loom/pkg/errors"
)

// Scope is a normalized hierarchical path such as "org:acme/team:eng".
// The empty scope is the global root.
type Scope string

// GlobalScope is the root of the scope hierarchy.
const GlobalScope Scope = ""

// ParseScope normalizes a scope path: surrounding and duplicate slashes
// are removed, empty segments are rejected.
func ParseScope(raw string) (Scope, error) {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return GlobalScope, nil
	}
	segments := strings.Split(trimmed, "/")
	for _, seg := range segments {
		if seg == "" {
			return GlobalScope, errors.NewValidation("scope",
				"empty scope segment in "+raw, "use paths like org:acme/team:eng")
		}
	}
	return Scope(strings.Join(segments, "/")), nil
}

// Segments splits the scope into its path elements. The global scope
// has none.
func (s Scope) Segments() []string {
	if s == GlobalScope {
		return nil
	}
	return strings.Split(string(s), "/")
}

// Parent returns the enclosing scope, or the global scope at the root.
func (s Scope) Parent() Scope {
	idx := strings.LastIndexByte(string(s), '/')
	if idx < 0 {
		return GlobalScope
	}
	return s[:idx]
}

// IsAncestorOf reports whether s encloses o (or equals it). The global
// scope encloses everything.
func (s Scope) IsAncestorOf(o Scope) bool {
	if s == GlobalScope || s == o {
		return true
	}
	return strings.HasPrefix(string(o), string(s)+"/")
}

// Chain returns the scope and all its ancestors, most specific first,
// ending with the global scope.
func (s Scope) Chain() []Scope {
	chain := []Scope{s}
	for cur := s; cur != GlobalScope; {
		cur = cur.Parent()
		chain = append(chain, cur)
	}
	return chain
}
