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

package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Constructors for the common cases. These keep call sites terse and ensure
// class/code/retryability stay consistent.

// NewValidation creates a client validation error for a specific field.
func NewValidation(field, message, suggestion string) *Error {
	e := Newf(ClassClient, CodeValidation, "validation failed on %s: %s", field, message)
	e.Suggestion = suggestion
	return e
}

// NewMissingRequired creates a client error for a missing required field.
func NewMissingRequired(field string) *Error {
	return Newf(ClassClient, CodeMissingRequired, "required field %q is missing", field).
		WithSuggestion(fmt.Sprintf("provide a value for %q", field))
}

// NewWrongType creates a client error for a type mismatch.
func NewWrongType(field, want, got string) *Error {
	return Newf(ClassClient, CodeWrongType, "field %q is %s, not %s", field, got, want)
}

// NewNotFound creates a client not-found error with optional suggestions.
func NewNotFound(resource, id string, suggestions ...string) *Error {
	e := Newf(ClassClient, CodeNotFound, "%s not found: %s", resource, id)
	if len(suggestions) > 0 {
		e.Suggestion = fmt.Sprintf("did you mean: %v", suggestions)
	}
	return e
}

// NewConfig creates a client error for an invalid configuration value.
func NewConfig(key, reason string) *Error {
	return Newf(ClassClient, CodeInvalidConfig, "config error at %s: %s", key, reason)
}

// NewInternal creates a server error for an internal invariant violation.
func NewInternal(message string) *Error {
	return New(ClassServer, CodeInternal, message)
}

// NewTimeout creates a retryable infra timeout error.
func NewTimeout(operation string, elapsed time.Duration) *Error {
	return Newf(ClassInfra, CodeTimeout, "%s timed out after %v", operation, elapsed).
		WithRetryable(true)
}

// NewCancelled creates the terminal, non-retryable cancellation error.
func NewCancelled(operation string) *Error {
	return Newf(ClassDomain, CodeCancelled, "%s cancelled", operation)
}

// NewTransient creates a retryable domain error.
func NewTransient(message string) *Error {
	return New(ClassDomain, CodeTransient, message).WithRetryable(true)
}

// NewFatal creates a non-retryable domain error.
func NewFatal(message string) *Error {
	return New(ClassDomain, CodeFatal, message)
}

// IsRetryable reports whether err may succeed on retry. Non-*Error values
// are never considered retryable; cancellation is always terminal.
func IsRetryable(err error) bool {
	var le *Error
	if !stderrors.As(err, &le) {
		return false
	}
	if le.Code == CodeCancelled {
		return false
	}
	return le.Retryable
}

// RetryAfterOf extracts the retry-after hint, or zero when absent.
func RetryAfterOf(err error) time.Duration {
	var le *Error
	if stderrors.As(err, &le) {
		return le.RetryAfter
	}
	return 0
}

// CodeOf extracts the error code, or empty when err is not an *Error.
func CodeOf(err error) Code {
	var le *Error
	if stderrors.As(err, &le) {
		return le.Code
	}
	return ""
}

// ClassOf extracts the error class, or empty when err is not an *Error.
func ClassOf(err error) Class {
	var le *Error
	if stderrors.As(err, &le) {
		return le.Class
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsCancelled reports whether err is the terminal cancellation error.
func IsCancelled(err error) bool {
	return HasCode(err, CodeCancelled)
}
