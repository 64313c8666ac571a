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

// Package cli assembles the root command for the loom binary.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/commands/shared"
)

// SetVersion sets build-time version information (called from main).
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for loom.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - workflow execution engine",
		Long: `Loom executes declarative workflows: directed graphs of typed
actions with retries, budgets, credential injection and pooled
resources.

Run 'loom run workflow.yaml' to execute a workflow.
Run 'loom validate workflow.yaml' to check one without executing it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose, quiet, json := shared.RegisterFlagPointers()
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")

	return cmd
}

// HandleExitError handles exit errors with proper exit codes.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
