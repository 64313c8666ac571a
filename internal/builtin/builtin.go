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

// Package builtin provides the trusted actions that ship with the
// runtime: jq transforms, small utilities, capability-gated file
// access and HTTP requests.
package builtin

import (
	"github.com/loomworks/loom/pkg/action"
)

// Options configures the built-in action set.
type Options struct {
	// FileRoot restricts file.read and file.write to paths under this
	// directory. Empty disables both actions.
	FileRoot string
	// HTTPHosts lists the host patterns http.request may reach
	// (doublestar patterns, e.g. "*.example.com"). Empty disables the
	// action.
	HTTPHosts []string
}

// Register adds the built-in actions to a registry. Actions whose
// prerequisites are absent (no file root, no allowed hosts) are left
// out rather than registered in a state that can only fail.
func Register(r *action.Registry, opts Options) error {
	descriptors := []action.Descriptor{
		&jqAction{},
		&uuidAction{},
		&timestampAction{},
		&sleepAction{},
		&randomAction{},
	}
	if opts.FileRoot != "" {
		descriptors = append(descriptors,
			newFileRead(opts.FileRoot),
			newFileWrite(opts.FileRoot),
		)
	}
	if len(opts.HTTPHosts) > 0 {
		descriptors = append(descriptors, newHTTPRequest(opts.HTTPHosts))
	}
	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}
