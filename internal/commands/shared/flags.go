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

// Package shared carries state common to every command: global flags,
// build-time version information and exit-code handling.
package shared

// Global flag values, bound by the root command.
var (
	verboseFlag bool
	quietFlag   bool
	jsonFlag    bool

	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// RegisterFlagPointers returns pointers to the global flag variables
// for the root command to bind.
func RegisterFlagPointers() (verbose, quiet, json *bool) {
	return &verboseFlag, &quietFlag, &jsonFlag
}

// SetVersion records build-time version information (set from main).
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVersion returns version information.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// GetVerbose returns the verbose flag value.
func GetVerbose() bool { return verboseFlag }

// GetQuiet returns the quiet flag value.
func GetQuiet() bool { return quietFlag }

// GetJSON returns the JSON output flag value.
func GetJSON() bool { return jsonFlag }
