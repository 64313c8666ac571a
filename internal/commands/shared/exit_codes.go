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

package shared

import (
	stderrors "errors"
	"fmt"
	"os"

	pkgerrors "github.com/loomworks/loom/pkg/errors"
)

// Exit codes for the loom binary.
const (
	ExitSuccess         = 0
	ExitExecutionFailed = 1
	ExitInvalidWorkflow = 2
	ExitBadInput        = 3
	ExitCancelled       = 4
)

// ExitError carries an exit code alongside the error it wraps.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewExecutionError wraps a workflow execution failure.
func NewExecutionError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitExecutionFailed, Message: msg, Cause: cause}
}

// NewInvalidWorkflowError wraps a definition or planning failure.
func NewInvalidWorkflowError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidWorkflow, Message: msg, Cause: cause}
}

// NewBadInputError wraps malformed flags or inputs.
func NewBadInputError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitBadInput, Message: msg, Cause: cause}
}

// NewCancelledError wraps an interrupted execution.
func NewCancelledError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitCancelled, Message: msg, Cause: cause}
}

// HandleExitError prints the error (and any suggestion carried by the
// error chain) to stderr and exits with the appropriate code.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	printSuggestion(err)

	var exitErr *ExitError
	if stderrors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	os.Exit(ExitExecutionFailed)
}

// printSuggestion surfaces the actionable guidance a runtime error may
// carry.
func printSuggestion(err error) {
	var rtErr *pkgerrors.Error
	if stderrors.As(err, &rtErr) && rtErr.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", rtErr.Suggestion)
	}
}
