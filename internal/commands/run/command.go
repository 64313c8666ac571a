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

// Package run implements the loom run command.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/loomworks/loom/internal/builtin"
	credcmd "github.com/loomworks/loom/internal/commands/credential"
	"github.com/loomworks/loom/internal/commands/shared"
	"github.com/loomworks/loom/internal/log"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/pkg/action"
	"github.com/loomworks/loom/pkg/engine"
)

type runOptions struct {
	inputs    []string
	inputFile string
	scope     string
	execID    string

	store     string
	fileRoot  string
	httpHosts []string
	blobDir   string

	maxConcurrent int
	maxRetries    int
	maxWallTime   time.Duration
	maxNodeBytes  int
	maxTotalBytes int
	onFailure     string
	largeData     string

	events bool
}

// NewCommand creates the run command.
func NewCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow",
		Long: `Execute a workflow definition.

Inputs are passed as repeated --input key=value flags or as a JSON
object via --input-file (use "-" for stdin). Budgets bound what one
execution may consume; unset budgets use the engine defaults.

Examples:
  loom run deploy.yaml --input env=staging
  loom run report.yaml --input-file params.json --on-failure continue
  loom run fetch.yaml --allow-host api.example.com --max-wall-time 2m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, args[0], opts)
		},
	}

	addFlags(cmd.Flags(), opts)

	return cmd
}

func addFlags(flags *pflag.FlagSet, opts *runOptions) {
	flags.StringArrayVarP(&opts.inputs, "input", "i", nil, "Workflow input as key=value (repeatable)")
	flags.StringVar(&opts.inputFile, "input-file", "", "JSON file with workflow inputs (\"-\" for stdin)")
	flags.StringVar(&opts.scope, "scope", "", "Execution scope for credential and resource access")
	flags.StringVar(&opts.execID, "execution-id", "", "Pin the execution ID instead of generating one")

	flags.StringVar(&opts.store, "credential-store", "keyring", "Credential store backend (keyring, file, sqlite)")
	flags.StringVar(&opts.fileRoot, "file-root", "", "Directory file.read and file.write may touch")
	flags.StringArrayVar(&opts.httpHosts, "allow-host", nil, "Host pattern http.request may reach (repeatable)")
	flags.StringVar(&opts.blobDir, "blob-dir", "", "Directory for spilled node outputs (enables spill_to_blob)")

	flags.IntVar(&opts.maxConcurrent, "max-concurrent-nodes", 0, "Concurrent node limit (0 = default)")
	flags.IntVar(&opts.maxRetries, "max-total-retries", 0, "Execution-wide retry budget (0 = default)")
	flags.DurationVar(&opts.maxWallTime, "max-wall-time", 0, "Wall-clock budget (0 = default)")
	flags.IntVar(&opts.maxNodeBytes, "max-node-output-bytes", 0, "Per-node output size limit (0 = default)")
	flags.IntVar(&opts.maxTotalBytes, "max-total-bytes", 0, "Execution-wide inline output limit (0 = default)")
	flags.StringVar(&opts.onFailure, "on-failure", "", "Failure policy: fail_fast, continue, fail_on_critical")
	flags.StringVar(&opts.largeData, "large-data", "", "Oversized output strategy: reject, spill_to_blob")

	flags.BoolVar(&opts.events, "events", false, "Stream lifecycle events to stderr")
}

func runWorkflow(cmd *cobra.Command, path string, opts *runOptions) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return shared.NewInvalidWorkflowError("read workflow", err)
	}
	def, err := engine.ParseDefinition(data)
	if err != nil {
		return shared.NewInvalidWorkflowError("parse workflow", err)
	}

	inputs, err := parseInputs(opts.inputs, opts.inputFile)
	if err != nil {
		return shared.NewBadInputError("parse inputs", err)
	}

	logger := log.WithComponent(log.New(log.FromEnv()), "run")

	registry := action.NewRegistry()
	if err := builtin.Register(registry, builtin.Options{
		FileRoot:  opts.fileRoot,
		HTTPHosts: opts.httpHosts,
	}); err != nil {
		return shared.NewExecutionError("register actions", err)
	}

	cfg := engine.Config{
		Registry: registry,
		Logger:   logger,
	}

	if mgr, err := credcmd.OpenManager(opts.store, logger); err == nil {
		defer mgr.Close()
		cfg.Credentials = mgr
	} else if shared.GetVerbose() {
		fmt.Fprintf(cmd.ErrOrStderr(), "credential store unavailable: %v\n", err)
	}

	if opts.blobDir != "" {
		blobs, err := engine.NewFSBlobStore(opts.blobDir)
		if err != nil {
			return shared.NewBadInputError("open blob directory", err)
		}
		cfg.Blobs = blobs
	}

	bus := observability.NewBus(256)
	defer bus.Close()
	cfg.Bus = bus
	if opts.events || shared.GetVerbose() {
		stop := streamEvents(cmd, bus)
		defer stop()
	}

	req := engine.RunRequest{
		Workflow:    def,
		Input:       inputs,
		ExecutionID: opts.execID,
		Scope:       opts.scope,
	}
	if budgets := opts.budgets(); budgets != nil {
		req.Budgets = budgets
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return shared.NewBadInputError("configure engine", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := eng.Run(ctx, req)
	if err != nil {
		return shared.NewExecutionError("run workflow", err)
	}

	if err := printResult(cmd, result); err != nil {
		return err
	}

	switch result.Status {
	case engine.StatusSucceeded:
		return nil
	case engine.StatusCancelled:
		return shared.NewCancelledError("execution cancelled", nil)
	default:
		return shared.NewExecutionError(
			fmt.Sprintf("execution %s finished with status %s", result.ExecutionID, result.Status), nil)
	}
}

// budgets converts the flag overrides into a budget block, or nil when
// every budget flag is unset.
func (o *runOptions) budgets() *engine.Budgets {
	b := engine.Budgets{
		MaxConcurrentNodes:     o.maxConcurrent,
		MaxTotalRetries:        o.maxRetries,
		MaxWallTime:            engine.Duration(o.maxWallTime),
		MaxNodeOutputBytes:     o.maxNodeBytes,
		MaxTotalExecutionBytes: o.maxTotalBytes,
		Failure:                engine.FailurePolicy(o.onFailure),
		LargeData:              engine.LargeDataStrategy(o.largeData),
	}
	if b == (engine.Budgets{}) {
		return nil
	}
	return &b
}

// streamEvents copies lifecycle events to stderr until the returned
// stop function is called.
func streamEvents(cmd *cobra.Command, bus *observability.Bus) func() {
	events, unsubscribe := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %s node=%s %v\n",
				ev.At.Format(time.TimeOnly), ev.Name, ev.Context.NodeID, ev.Fields)
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}

// printResult renders the run outcome: full JSON in --json mode, a
// compact summary otherwise.
func printResult(cmd *cobra.Command, result *engine.RunResult) error {
	if shared.GetJSON() {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return shared.NewExecutionError("encode result", err)
		}
		cmd.Println(string(data))
		return nil
	}

	if shared.GetQuiet() {
		return nil
	}

	cmd.Printf("Execution %s: %s\n", result.ExecutionID, result.Status)
	for id, out := range result.Outputs {
		data, err := json.Marshal(out)
		if err != nil {
			continue
		}
		cmd.Printf("  %s: %s\n", id, truncate(string(data), 200))
	}
	for _, nodeErr := range result.Errors {
		node := nodeErr.NodeID
		if node == "" {
			node = "(execution)"
		}
		cmd.Printf("  %s failed [%s]: %s\n", node, nodeErr.Code, nodeErr.Error)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
