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

// Package errors defines the layered error taxonomy used across the runtime.
//
// Every error is classified into one of four classes (client, server, infra,
// domain), carries a stable machine-readable code, a user-visible message,
// a retryability flag with an optional retry-after hint, and a chain of
// contexts added by wrapping layers. The lowest-level cause is always
// preserved and reachable through errors.Is/As.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// Class partitions errors by who is responsible for them.
type Class string

const (
	// ClassClient covers bad input: validation failures, missing fields,
	// unknown references. Never retryable.
	ClassClient Class = "client"
	// ClassServer covers internal invariant violations and bugs.
	ClassServer Class = "server"
	// ClassInfra covers network, storage and I/O failures. Usually retryable.
	ClassInfra Class = "infra"
	// ClassDomain covers business-rule and action-level failures.
	ClassDomain Class = "domain"
)

// Frame records one layer of context added while an error propagated upward.
type Frame struct {
	// Component is the subsystem that added the context (e.g. "pool", "engine").
	Component string
	// Operation is what the component was doing (e.g. "acquire", "schedule").
	Operation string
	// Metadata carries small key/value details. Values for sensitive keys
	// are redacted by Error().
	Metadata map[string]string
}

// Error is the uniform error value of the runtime.
//
// Error values are cheap to clone: codes and messages are small strings and
// the frame slice is copied shallowly.
type Error struct {
	// Class is the responsibility class.
	Class Class

	// Code is the stable machine-readable identifier (see codes.go).
	Code Code

	// Message is the human-readable description.
	Message string

	// Suggestion provides actionable guidance for fixing the error.
	Suggestion string

	// Retryable reports whether retrying the failed operation may succeed.
	Retryable bool

	// RetryAfter is an optional hint for when a retry is worthwhile.
	// Zero means no hint.
	RetryAfter time.Duration

	// Frames is the context chain, innermost first.
	Frames []Frame

	// Cause is the underlying error, if any.
	Cause error
}

// sensitiveMetaKeys are metadata keys whose values must never appear in
// rendered error strings.
var sensitiveMetaKeys = map[string]bool{
	"token":      true,
	"password":   true,
	"secret":     true,
	"api_key":    true,
	"credential": true,
	"plaintext":  true,
}

// New creates an error with the given class, code and message.
func New(class Class, code Code, message string) *Error {
	return &Error{Class: class, Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(class Class, code Code, format string, args ...any) *Error {
	return &Error{Class: class, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface. Sensitive metadata values are
// redacted; the cause is appended when present.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Class))
	b.WriteByte('/')
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)

	for i := len(e.Frames) - 1; i >= 0; i-- {
		f := e.Frames[i]
		b.WriteString(" [")
		b.WriteString(f.Component)
		if f.Operation != "" {
			b.WriteByte('.')
			b.WriteString(f.Operation)
		}
		for k, v := range f.Metadata {
			b.WriteByte(' ')
			b.WriteString(k)
			b.WriteByte('=')
			if sensitiveMetaKeys[strings.ToLower(k)] {
				b.WriteString("***")
			} else {
				b.WriteString(v)
			}
		}
		b.WriteByte(']')
	}

	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by class and code. This lets
// callers use errors.Is with sentinel values like errors.New(ClassInfra,
// CodePoolExhausted, "").
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	if t.Class != "" && t.Class != e.Class {
		return false
	}
	return true
}

// Clone returns a shallow copy of the error. The frame slice is copied so
// the clone can be extended independently.
func (e *Error) Clone() *Error {
	c := *e
	c.Frames = make([]Frame, len(e.Frames))
	copy(c.Frames, e.Frames)
	return &c
}

// WithCause attaches an underlying cause and returns the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithSuggestion attaches actionable guidance and returns the error.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// WithRetryable marks the error retryable (or not) and returns it.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRetryAfter records a retry-after hint and returns the error.
// A retry-after hint implies the error is retryable.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	e.Retryable = true
	return e
}

// WithContext appends a context frame and returns the error. Metadata is
// given as alternating key/value strings; a trailing odd key is ignored.
func (e *Error) WithContext(component, operation string, kv ...string) *Error {
	f := Frame{Component: component, Operation: operation}
	if len(kv) >= 2 {
		f.Metadata = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			f.Metadata[kv[i]] = kv[i+1]
		}
	}
	e.Frames = append(e.Frames, f)
	return e
}

// Wrap converts any error into an *Error, adding a context frame. If err is
// already an *Error it is cloned and extended, preserving class, code,
// retryability and the original cause chain. Otherwise it becomes the cause
// of a new error with the given class and code.
func Wrap(err error, class Class, code Code, component, operation string) *Error {
	if err == nil {
		return nil
	}
	var le *Error
	if stderrors.As(err, &le) {
		return le.Clone().WithContext(component, operation)
	}
	return &Error{
		Class:   class,
		Code:    code,
		Message: err.Error(),
		Cause:   err,
		Frames:  []Frame{{Component: component, Operation: operation}},
	}
}
